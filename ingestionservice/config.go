package ingestionservice

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"naia-historian/ingestion"
)

// Config holds the HTTP wrapper's own settings.
type Config struct {
	ServiceName     string        `yaml:"serviceName"`
	HTTPPort        int           `yaml:"httpPort"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// ServiceConfig aggregates everything the ingestion service needs to run.
// It can be loaded from an optional YAML file; environment variables take
// precedence over file values so deployments can override single settings
// without editing the file.
type ServiceConfig struct {
	Service  Config                            `yaml:"service"`
	Kafka    ingestion.KafkaConsumerConfig     `yaml:"kafka"`
	Redis    ingestion.RedisConfig             `yaml:"redis"`
	QuestDB  ingestion.TimeSeriesWriterConfig  `yaml:"questdb"`
	Metadata ingestion.PostgresDirectoryConfig `yaml:"metadata"`
	Pipeline ingestion.PipelineConfig          `yaml:"pipeline"`

	IdempotencyTTL           time.Duration `yaml:"idempotencyTtl"`
	CurrentValueTTL          time.Duration `yaml:"currentValueTtl"`
	DirectoryRefreshInterval time.Duration `yaml:"directoryRefreshInterval"`
}

func defaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Service: Config{
			ServiceName:     "ingestion-service",
			HTTPPort:        8080,
			ShutdownTimeout: 30 * time.Second,
		},
		Kafka: ingestion.KafkaConsumerConfig{
			Topic:   "naia.datapoints",
			MaxWait: time.Second,
		},
		QuestDB: ingestion.TimeSeriesWriterConfig{
			Measurement: ingestion.DefaultMeasurement,
			Timeout:     ingestion.DefaultWriteTimeout,
		},
		Pipeline: ingestion.PipelineConfig{
			PollTimeout: 5 * time.Second,
		},
		IdempotencyTTL:           ingestion.DefaultIdempotencyTTL,
		CurrentValueTTL:          ingestion.DefaultCurrentValueTTL,
		DirectoryRefreshInterval: time.Minute,
	}
}

// LoadServiceConfig builds the service configuration from defaults, an
// optional YAML file, and environment variable overrides, in that order.
func LoadServiceConfig(path string) (*ServiceConfig, error) {
	cfg := defaultServiceConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *ServiceConfig) applyEnvOverrides() error {
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("KAFKA_TOPIC"); v != "" {
		c.Kafka.Topic = v
	}
	if v := os.Getenv("KAFKA_GROUP_ID"); v != "" {
		c.Kafka.GroupID = v
	}
	if v := os.Getenv("KAFKA_DEAD_LETTER_TOPIC"); v != "" {
		c.Kafka.DeadLetterTopic = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid REDIS_DB value %q: %w", v, err)
		}
		c.Redis.DB = db
	}
	if v := os.Getenv("QUESTDB_URL"); v != "" {
		c.QuestDB.BaseURL = v
	}
	if v := os.Getenv("QUESTDB_MEASUREMENT"); v != "" {
		c.QuestDB.Measurement = v
	}
	if v := os.Getenv("METADATA_POSTGRES_DSN"); v != "" {
		c.Metadata.DSN = v
	}
	if v := os.Getenv("HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid HTTP_PORT value %q: %w", v, err)
		}
		c.Service.HTTPPort = port
	}
	if v := os.Getenv("SHUTDOWN_TIMEOUT_SECONDS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid SHUTDOWN_TIMEOUT_SECONDS value %q: %w", v, err)
		}
		c.Service.ShutdownTimeout = time.Duration(secs) * time.Second
	}
	if v := os.Getenv("DIRECTORY_REFRESH_SECONDS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid DIRECTORY_REFRESH_SECONDS value %q: %w", v, err)
		}
		c.DirectoryRefreshInterval = time.Duration(secs) * time.Second
	}
	return nil
}

func (c *ServiceConfig) validate() error {
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka brokers are required (KAFKA_BROKERS or kafka.brokers)")
	}
	if c.Kafka.GroupID == "" {
		return fmt.Errorf("kafka group id is required (KAFKA_GROUP_ID or kafka.groupId)")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required (REDIS_ADDR or redis.addr)")
	}
	if c.QuestDB.BaseURL == "" {
		return fmt.Errorf("storage engine url is required (QUESTDB_URL or questdb.baseUrl)")
	}
	if c.Metadata.DSN == "" {
		return fmt.Errorf("metadata directory dsn is required (METADATA_POSTGRES_DSN or metadata.dsn)")
	}
	return nil
}
