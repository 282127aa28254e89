package ingestion

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PostgresDirectoryConfig holds configuration for the metadata directory
// connection.
type PostgresDirectoryConfig struct {
	DSN string `yaml:"dsn"`
}

// LoadPostgresDirectoryConfigFromEnv loads directory configuration from
// environment variables.
func LoadPostgresDirectoryConfigFromEnv() (*PostgresDirectoryConfig, error) {
	cfg := &PostgresDirectoryConfig{
		DSN: os.Getenv("METADATA_POSTGRES_DSN"),
	}
	if cfg.DSN == "" {
		return nil, errors.New("METADATA_POSTGRES_DSN environment variable not set")
	}
	return cfg, nil
}

// PostgresDirectorySource implements DirectorySource against the metadata
// directory's points table, which maps each point name to its dense
// point_sequence_id.
type PostgresDirectorySource struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPostgresDirectorySource connects to the metadata directory database.
func NewPostgresDirectorySource(ctx context.Context, cfg *PostgresDirectoryConfig, logger zerolog.Logger) (*PostgresDirectorySource, error) {
	if cfg == nil {
		return nil, errors.New("postgres directory config cannot be nil")
	}
	if cfg.DSN == "" {
		return nil, errors.New("postgres directory config: DSN is required")
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connecting to metadata directory: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging metadata directory: %w", err)
	}
	logger.Info().Msg("PostgresDirectorySource initialized")
	return &PostgresDirectorySource{
		pool:   pool,
		logger: logger.With().Str("component", "PostgresDirectorySource").Logger(),
	}, nil
}

// FetchDirectory loads the complete name to sequence-id mapping.
func (s *PostgresDirectorySource) FetchDirectory(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, "SELECT name, point_sequence_id FROM points WHERE point_sequence_id IS NOT NULL")
	if err != nil {
		return nil, fmt.Errorf("querying points directory: %w", err)
	}
	defer rows.Close()

	byName := make(map[string]int64)
	for rows.Next() {
		var name string
		var sequenceID int64
		if err := rows.Scan(&name, &sequenceID); err != nil {
			return nil, fmt.Errorf("scanning points row: %w", err)
		}
		byName[name] = sequenceID
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading points directory: %w", err)
	}
	s.logger.Debug().Int("points", len(byName)).Msg("Fetched point directory")
	return byName, nil
}

// Close releases the connection pool.
func (s *PostgresDirectorySource) Close() {
	s.pool.Close()
}
