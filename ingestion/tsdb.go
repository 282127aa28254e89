package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultMeasurement is the time-series table all readings land in.
const DefaultMeasurement = "point_data"

// DefaultWriteTimeout bounds one ingest POST; beyond it the write surfaces
// as a retryable timeout.
const DefaultWriteTimeout = 30 * time.Second

// TimeSeriesWriterConfig holds configuration for the storage engine's
// ingest endpoint.
type TimeSeriesWriterConfig struct {
	BaseURL     string        `yaml:"baseUrl"`
	Measurement string        `yaml:"measurement"`
	Timeout     time.Duration `yaml:"timeout"`
}

// LoadTimeSeriesWriterConfigFromEnv loads writer configuration from
// environment variables.
func LoadTimeSeriesWriterConfigFromEnv() (*TimeSeriesWriterConfig, error) {
	cfg := &TimeSeriesWriterConfig{
		BaseURL:     os.Getenv("QUESTDB_URL"),
		Measurement: os.Getenv("QUESTDB_MEASUREMENT"),
		Timeout:     DefaultWriteTimeout,
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("QUESTDB_URL environment variable not set")
	}
	if cfg.Measurement == "" {
		cfg.Measurement = DefaultMeasurement
	}
	return cfg, nil
}

// EncodeLineProtocol renders points as newline-delimited line protocol:
//
//	<measurement> point_id=<id>i,value=<v>d,quality=<q>i <timestamp_ns>
//
// Quality Good maps to 1, everything else to 0.
//
// Source timestamps only carry millisecond resolution, but the store needs
// distinguishable timestamps to preserve intra-batch arrival order. The
// emitted timestamp is therefore the first point's timestamp in epoch
// nanoseconds plus 1000ns per point index; the points' own timestamps
// after the first are intentionally discarded. This is a lossy transform
// that trades sub-millisecond fidelity for guaranteed uniqueness within one
// batch. The index advances for every iterated point, including ones that
// are skipped below, so a surviving point always encodes to the same bytes
// no matter what else in the batch is dropped.
//
// TODO: carry an explicit per-batch sequence column instead of perturbing
// the timestamp; needs a schema migration on point_data first.
//
// Points with a non-finite value and points without a resolved sequence id
// produce no line and do not abort the rest of the encoding. The returned
// count is the number of points dropped for being non-finite.
func EncodeLineProtocol(measurement string, points []DataPoint, logger zerolog.Logger) (string, int) {
	if len(points) == 0 {
		return "", 0
	}
	base := points[0].Timestamp.UTC().UnixMilli() * int64(time.Millisecond)

	var b strings.Builder
	dropped := 0
	for i, p := range points {
		if p.SequenceID == nil {
			continue
		}
		if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
			dropped++
			logger.Warn().
				Int64("sequence_id", *p.SequenceID).
				Float64("value", p.Value).
				Msg("Dropping point with non-finite value")
			continue
		}
		quality := byte('0')
		if p.Quality == QualityGood {
			quality = '1'
		}
		b.WriteString(measurement)
		b.WriteString(" point_id=")
		b.WriteString(strconv.FormatInt(*p.SequenceID, 10))
		b.WriteString("i,value=")
		b.WriteString(strconv.FormatFloat(p.Value, 'f', -1, 64))
		b.WriteString("d,quality=")
		b.WriteByte(quality)
		b.WriteString("i ")
		b.WriteString(strconv.FormatInt(base+int64(i)*1000, 10))
		b.WriteByte('\n')
	}
	return b.String(), dropped
}

// QuestDBWriter persists points to the storage engine's ingest endpoint,
// one plain-text POST per batch.
//
// The transport offers no atomicity across lines in one batch: a failed
// request may still have applied a prefix of the lines. That partial
// application is absorbed by replay rather than fixed here.
type QuestDBWriter struct {
	writeURL    string
	healthURL   string
	measurement string
	client      *http.Client
	metrics     *Metrics
	logger      zerolog.Logger
}

// NewQuestDBWriter creates a writer for the configured ingest endpoint.
// metrics may be nil.
func NewQuestDBWriter(cfg *TimeSeriesWriterConfig, metrics *Metrics, logger zerolog.Logger) (*QuestDBWriter, error) {
	if cfg == nil {
		return nil, errors.New("time series writer config cannot be nil")
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("time series writer config: BaseURL is required")
	}
	measurement := cfg.Measurement
	if measurement == "" {
		measurement = DefaultMeasurement
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	return &QuestDBWriter{
		writeURL:    base + "/write",
		healthURL:   base,
		measurement: measurement,
		client:      &http.Client{Timeout: timeout},
		metrics:     metrics,
		logger:      logger.With().Str("component", "QuestDBWriter").Logger(),
	}, nil
}

// Write encodes the points and posts them in one request. A 2xx response is
// success; every other outcome surfaces as a tagged TransportError.
func (w *QuestDBWriter) Write(ctx context.Context, points []DataPoint) error {
	body, dropped := EncodeLineProtocol(w.measurement, points, w.logger)
	if dropped > 0 && w.metrics != nil {
		w.metrics.PointsDroppedNonFinite.Add(float64(dropped))
	}
	if body == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.writeURL, strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("building write request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	resp, err := w.client.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &TransportError{
			Kind:   TransportRejected,
			Status: resp.StatusCode,
			Body:   string(respBody),
		}
	}

	w.logger.Debug().
		Int("points", len(points)).
		Int("dropped_non_finite", dropped).
		Msg("Batch written to time series store")
	return nil
}

// Ping probes the storage engine's base endpoint for operational polling.
func (w *QuestDBWriter) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.healthURL, nil)
	if err != nil {
		return fmt.Errorf("building health request: %w", err)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return &TransportError{Kind: TransportRejected, Status: resp.StatusCode}
	}
	return nil
}

// classifyTransport tags a client-side request failure as a timeout or a
// connection failure so the orchestrator can classify without inspecting
// error text.
func classifyTransport(err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &TransportError{Kind: TransportTimeout, Err: err}
	}
	return &TransportError{Kind: TransportConnectionFailed, Err: err}
}
