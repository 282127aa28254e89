// The ingestion service consumes batched sensor readings from the
// naia.datapoints topic, persists them to the time-series store, maintains
// the current-value cache, and commits its consumer offsets only after all
// of that has succeeded.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"naia-historian/ingestion"
	"naia-historian/ingestionservice"
)

func main() {
	logLevelStr := os.Getenv("LOG_LEVEL")
	if logLevelStr == "" {
		logLevelStr = "info"
	}
	logLevel, err := zerolog.ParseLevel(logLevelStr)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).Level(logLevel)
	logger := log.Logger

	cfg, err := ingestionservice.LoadServiceConfig(os.Getenv("INGESTION_CONFIG_FILE"))
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load service configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("Failed to reach Redis")
	}

	directory, err := ingestion.NewPostgresDirectorySource(ctx, &cfg.Metadata, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to metadata directory")
	}
	defer directory.Close()

	resolver, err := ingestion.NewPointResolver(directory, cfg.DirectoryRefreshInterval, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create point resolver")
	}
	if err := resolver.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to load initial point directory")
	}
	defer resolver.Stop()

	registry := prometheus.NewRegistry()
	metrics := ingestion.NewMetrics(registry)

	writer, err := ingestion.NewQuestDBWriter(&cfg.QuestDB, metrics, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create time series writer")
	}

	idempotency, err := ingestion.NewRedisIdempotencyStore(redisClient, cfg.IdempotencyTTL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create idempotency store")
	}

	cache, err := ingestion.NewRedisCurrentValueWriter(redisClient, cfg.CurrentValueTTL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create current value writer")
	}

	consumer, err := ingestion.NewKafkaConsumer(&cfg.Kafka, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create Kafka consumer")
	}

	var deadLetter ingestion.DeadLetterSink
	if cfg.Kafka.DeadLetterTopic != "" {
		publisher, err := ingestion.NewDeadLetterPublisher(cfg.Kafka.Brokers, cfg.Kafka.DeadLetterTopic, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create dead letter publisher")
		}
		defer publisher.Close()
		deadLetter = publisher
	}

	pipeline, err := ingestion.NewPipeline(&cfg.Pipeline, consumer, idempotency, resolver, writer, cache, deadLetter, metrics, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create pipeline")
	}

	server, err := ingestionservice.NewServer(&cfg.Service, logger, pipeline, writer, registry)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create service wrapper")
	}
	server.Start()

	pipelineDone := make(chan struct{})
	go func() {
		defer close(pipelineDone)
		pipeline.Run(ctx)
	}()

	logger.Info().Str("service", cfg.Service.ServiceName).Msg("Ingestion service started")
	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received, finishing in-flight batch...")

	// The pipeline finishes (or deliberately abandons the commit of) the
	// batch it is working on before releasing its partitions.
	<-pipelineDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	if err := consumer.Close(); err != nil {
		logger.Error().Err(err).Msg("Kafka consumer close failed")
	}
	logger.Info().Msg("Ingestion service stopped")
}
