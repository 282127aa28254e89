package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- mocks ---

// mockConsumer replays a scripted queue of consume contexts. A context is
// removed from the queue only when committed, mirroring broker redelivery
// of uncommitted offsets.
type mockConsumer struct {
	mu        sync.Mutex
	queue     []*ConsumeContext
	committed []*ConsumeContext
}

func (m *mockConsumer) Consume(_ context.Context, _ time.Duration) (*ConsumeContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return nil, nil
	}
	return m.queue[0], nil
}

func (m *mockConsumer) Commit(_ context.Context, cc *ConsumeContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) > 0 && m.queue[0] == cc {
		m.queue = m.queue[1:]
	}
	m.committed = append(m.committed, cc)
	return nil
}

func (m *mockConsumer) Close() error { return nil }

type memIdempotencyStore struct {
	mu       sync.Mutex
	entries  map[string]string
	checkErr error
	markErr  error
}

func newMemIdempotencyStore() *memIdempotencyStore {
	return &memIdempotencyStore{entries: map[string]string{}}
}

func (m *memIdempotencyStore) Check(_ context.Context, batchID string) (bool, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.checkErr != nil {
		return false, "", m.checkErr
	}
	meta, ok := m.entries[batchID]
	return ok, meta, nil
}

func (m *memIdempotencyStore) MarkProcessed(_ context.Context, batchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markErr != nil {
		return m.markErr
	}
	m.entries[batchID] = time.Now().UTC().Format(time.RFC3339Nano)
	return nil
}

// mapResolver resolves names against a fixed directory.
type mapResolver struct {
	directory map[string]int64
}

func (r *mapResolver) Resolve(batch *DataPointBatch) (resolved, unresolved int) {
	for i := range batch.Points {
		p := &batch.Points[i]
		if p.SequenceID != nil {
			continue
		}
		id, ok := r.directory[p.Name]
		if !ok {
			unresolved++
			continue
		}
		seq := id
		p.SequenceID = &seq
		resolved++
	}
	return resolved, unresolved
}

type mockWriter struct {
	mu      sync.Mutex
	batches [][]DataPoint
	err     error
}

func (w *mockWriter) Write(_ context.Context, points []DataPoint) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.batches = append(w.batches, points)
	return nil
}

func (w *mockWriter) calls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.batches)
}

type mockCacheWriter struct {
	mu      sync.Mutex
	upserts [][]DataPoint
	err     error
}

func (c *mockCacheWriter) UpsertLatest(_ context.Context, points []DataPoint) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.upserts = append(c.upserts, points)
	return nil
}

func (c *mockCacheWriter) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.upserts)
}

// blockingWriter parks the first Write until released, so tests can hold a
// batch in flight at a known point.
type blockingWriter struct {
	entered chan struct{}
	release chan struct{}
	mu      sync.Mutex
	batches [][]DataPoint
}

func newBlockingWriter() *blockingWriter {
	return &blockingWriter{entered: make(chan struct{}), release: make(chan struct{})}
}

func (w *blockingWriter) Write(_ context.Context, points []DataPoint) error {
	close(w.entered)
	<-w.release
	w.mu.Lock()
	defer w.mu.Unlock()
	w.batches = append(w.batches, points)
	return nil
}

// errConsumer fails every poll.
type errConsumer struct {
	err error
}

func (c *errConsumer) Consume(_ context.Context, _ time.Duration) (*ConsumeContext, error) {
	return nil, c.err
}

func (c *errConsumer) Commit(_ context.Context, _ *ConsumeContext) error { return nil }

func (c *errConsumer) Close() error { return nil }

type mockDeadLetterSink struct {
	mu        sync.Mutex
	published []string
}

func (d *mockDeadLetterSink) Publish(_ context.Context, cc *ConsumeContext, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.published = append(d.published, cc.BatchID)
	return nil
}

type pipelineFixture struct {
	pipeline    *Pipeline
	consumer    *mockConsumer
	idempotency *memIdempotencyStore
	writer      *mockWriter
	cache       *mockCacheWriter
	deadLetter  *mockDeadLetterSink
}

func newPipelineFixture(t *testing.T, directory map[string]int64) *pipelineFixture {
	t.Helper()
	f := &pipelineFixture{
		consumer:    &mockConsumer{},
		idempotency: newMemIdempotencyStore(),
		writer:      &mockWriter{},
		cache:       &mockCacheWriter{},
		deadLetter:  &mockDeadLetterSink{},
	}
	pipeline, err := NewPipeline(
		&PipelineConfig{PollTimeout: 10 * time.Millisecond},
		f.consumer,
		f.idempotency,
		&mapResolver{directory: directory},
		f.writer,
		f.cache,
		f.deadLetter,
		nil,
		zerolog.Nop(),
	)
	require.NoError(t, err)
	f.pipeline = pipeline
	return f
}

func batchContext(batchID string, points ...DataPoint) *ConsumeContext {
	return &ConsumeContext{
		Topic:     "naia.datapoints",
		Partition: 0,
		Offset:    42,
		BatchID:   batchID,
		Batch:     &DataPointBatch{BatchID: batchID, Points: points},
		Raw:       []byte(`{}`),
	}
}

// --- tests ---

func TestPipelinePollTimeoutIsANoOp(t *testing.T) {
	f := newPipelineFixture(t, nil)

	result := f.pipeline.ProcessNext(context.Background())

	assert.Nil(t, result)
	assert.Empty(t, f.consumer.committed)
	assert.Zero(t, f.writer.calls())
}

func TestPipelineProcessesBatchAndCommits(t *testing.T) {
	f := newPipelineFixture(t, nil)
	cc := batchContext("b1", DataPoint{SequenceID: seq(7), Value: 23.5, Quality: QualityGood, Timestamp: time.Now().UTC()})
	f.consumer.queue = append(f.consumer.queue, cc)

	result := f.pipeline.ProcessNext(context.Background())

	require.NotNil(t, result)
	assert.Equal(t, OutcomeSuccess, result.Outcome)
	assert.Equal(t, 1, result.PointsProcessed)
	assert.False(t, result.Skipped)
	assert.Equal(t, 1, f.writer.calls())
	assert.Equal(t, 1, f.cache.calls())
	require.Len(t, f.consumer.committed, 1)
	assert.Same(t, cc, f.consumer.committed[0])

	duplicate, _, err := f.idempotency.Check(context.Background(), "b1")
	require.NoError(t, err)
	assert.True(t, duplicate)
}

func TestPipelineDuplicateBatchShortCircuits(t *testing.T) {
	f := newPipelineFixture(t, nil)
	require.NoError(t, f.idempotency.MarkProcessed(context.Background(), "b1"))
	cc := batchContext("b1", DataPoint{SequenceID: seq(7), Value: 1, Quality: QualityGood, Timestamp: time.Now().UTC()})
	f.consumer.queue = append(f.consumer.queue, cc)

	result := f.pipeline.ProcessNext(context.Background())

	require.NotNil(t, result)
	assert.Equal(t, OutcomeSuccess, result.Outcome)
	assert.True(t, result.Skipped)
	assert.Zero(t, result.PointsProcessed)
	assert.Zero(t, f.writer.calls())
	assert.Zero(t, f.cache.calls())
	assert.Len(t, f.consumer.committed, 1)
}

func TestPipelineOffsetSafetyOnWriteFailure(t *testing.T) {
	f := newPipelineFixture(t, nil)
	cc := batchContext("b1", DataPoint{SequenceID: seq(7), Value: 1, Quality: QualityGood, Timestamp: time.Now().UTC()})
	f.consumer.queue = append(f.consumer.queue, cc)
	f.writer.err = &TransportError{Kind: TransportTimeout, Err: errors.New("deadline exceeded")}

	result := f.pipeline.ProcessNext(context.Background())

	require.NotNil(t, result)
	assert.Equal(t, OutcomeRetryable, result.Outcome)
	assert.Empty(t, f.consumer.committed, "offset must stay uncommitted after a retryable failure")

	duplicate, _, err := f.idempotency.Check(context.Background(), "b1")
	require.NoError(t, err)
	assert.False(t, duplicate, "failed batch must not be marked processed")

	// The broker redelivers the identical batch; with the writer healthy
	// again it goes through exactly once.
	f.writer.err = nil
	redelivered := f.pipeline.ProcessNext(context.Background())

	require.NotNil(t, redelivered)
	assert.Equal(t, OutcomeSuccess, redelivered.Outcome)
	assert.Equal(t, 1, f.writer.calls())
	require.Len(t, f.consumer.committed, 1)
	assert.Same(t, cc, f.consumer.committed[0])
}

func TestPipelineRejectedWriteCommitsAndDeadLetters(t *testing.T) {
	f := newPipelineFixture(t, nil)
	cc := batchContext("b1", DataPoint{SequenceID: seq(7), Value: 1, Quality: QualityGood, Timestamp: time.Now().UTC()})
	f.consumer.queue = append(f.consumer.queue, cc)
	f.writer.err = &TransportError{Kind: TransportRejected, Status: 400, Body: "bad line"}

	result := f.pipeline.ProcessNext(context.Background())

	require.NotNil(t, result)
	assert.Equal(t, OutcomeNonRetryable, result.Outcome)
	assert.Len(t, f.consumer.committed, 1, "non-retryable failures commit to avoid a poison loop")
	assert.Equal(t, []string{"b1"}, f.deadLetter.published)
	assert.Zero(t, f.cache.calls())
}

func TestPipelineDeserializationFailureIsNonRetryable(t *testing.T) {
	f := newPipelineFixture(t, nil)
	cc := &ConsumeContext{
		Topic:   "naia.datapoints",
		Offset:  7,
		BatchID: "derived-id",
		Raw:     []byte("not json"),
		Err:     fmt.Errorf("%w: bad payload", ErrBatchMalformed),
	}
	f.consumer.queue = append(f.consumer.queue, cc)

	result := f.pipeline.ProcessNext(context.Background())

	require.NotNil(t, result)
	assert.Equal(t, OutcomeNonRetryable, result.Outcome)
	assert.ErrorIs(t, result.Err, ErrBatchMalformed)
	assert.Len(t, f.consumer.committed, 1)
	assert.Equal(t, []string{"derived-id"}, f.deadLetter.published)
	assert.Zero(t, f.writer.calls())
}

func TestPipelineEmptyBatchMarksAndCommits(t *testing.T) {
	f := newPipelineFixture(t, nil)
	cc := batchContext("b-empty")
	f.consumer.queue = append(f.consumer.queue, cc)

	result := f.pipeline.ProcessNext(context.Background())

	require.NotNil(t, result)
	assert.Equal(t, OutcomeSuccess, result.Outcome)
	assert.Zero(t, result.PointsProcessed)
	assert.Zero(t, f.writer.calls())
	assert.Len(t, f.consumer.committed, 1)

	duplicate, _, err := f.idempotency.Check(context.Background(), "b-empty")
	require.NoError(t, err)
	assert.True(t, duplicate)
}

func TestPipelineUnresolvedOnlyBatchSucceedsWithoutWrites(t *testing.T) {
	// Scenario: the directory has no entry for the point's name. The
	// batch still completes successfully and the offset is committed.
	f := newPipelineFixture(t, map[string]int64{"KNOWN": 1})
	cc := batchContext("b2", DataPoint{Name: "TEMP_42", Value: 10, Quality: QualityGood, Timestamp: time.Now().UTC()})
	f.consumer.queue = append(f.consumer.queue, cc)

	result := f.pipeline.ProcessNext(context.Background())

	require.NotNil(t, result)
	assert.Equal(t, OutcomeSuccess, result.Outcome)
	assert.Zero(t, result.PointsProcessed)
	assert.Zero(t, f.writer.calls())
	assert.Zero(t, f.cache.calls())
	assert.Len(t, f.consumer.committed, 1)
}

func TestPipelineCacheFailureDoesNotFailBatch(t *testing.T) {
	f := newPipelineFixture(t, nil)
	cc := batchContext("b1", DataPoint{SequenceID: seq(7), Value: 1, Quality: QualityGood, Timestamp: time.Now().UTC()})
	f.consumer.queue = append(f.consumer.queue, cc)
	f.cache.err = errors.New("cache unavailable")

	result := f.pipeline.ProcessNext(context.Background())

	require.NotNil(t, result)
	assert.Equal(t, OutcomeSuccess, result.Outcome)
	assert.Equal(t, 1, f.writer.calls())
	assert.Len(t, f.consumer.committed, 1)

	duplicate, _, err := f.idempotency.Check(context.Background(), "b1")
	require.NoError(t, err)
	assert.True(t, duplicate)
}

func TestPipelineIdempotencyCheckFailureIsRetryable(t *testing.T) {
	f := newPipelineFixture(t, nil)
	cc := batchContext("b1", DataPoint{SequenceID: seq(7), Value: 1, Quality: QualityGood, Timestamp: time.Now().UTC()})
	f.consumer.queue = append(f.consumer.queue, cc)
	f.idempotency.checkErr = errors.New("ledger unavailable")

	result := f.pipeline.ProcessNext(context.Background())

	require.NotNil(t, result)
	assert.Equal(t, OutcomeRetryable, result.Outcome)
	assert.Empty(t, f.consumer.committed)
	assert.Zero(t, f.writer.calls())
}

func TestPipelineRunFinishesInFlightBatchOnShutdown(t *testing.T) {
	writer := newBlockingWriter()
	consumer := &mockConsumer{}
	idempotency := newMemIdempotencyStore()
	pipeline, err := NewPipeline(
		&PipelineConfig{PollTimeout: 10 * time.Millisecond},
		consumer,
		idempotency,
		&mapResolver{},
		writer,
		&mockCacheWriter{},
		nil,
		nil,
		zerolog.Nop(),
	)
	require.NoError(t, err)

	cc := batchContext("b1", DataPoint{SequenceID: seq(7), Value: 1, Quality: QualityGood, Timestamp: time.Now().UTC()})
	consumer.queue = append(consumer.queue, cc)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		pipeline.Run(ctx)
	}()

	// Cancel while the batch is parked inside Write.
	<-writer.entered
	cancel()

	select {
	case <-runDone:
		t.Fatal("Run returned while a batch was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(writer.release)
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the in-flight batch completed")
	}

	// The interrupted batch still made it all the way through: written,
	// marked processed, and its offset committed.
	writer.mu.Lock()
	require.Len(t, writer.batches, 1)
	writer.mu.Unlock()
	require.Len(t, consumer.committed, 1)
	assert.Same(t, cc, consumer.committed[0])

	duplicate, _, err := idempotency.Check(context.Background(), "b1")
	require.NoError(t, err)
	assert.True(t, duplicate)
	assert.Equal(t, "Stopped", pipeline.Status().State)
}

func TestPipelineConsumeFailureIsCounted(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	pipeline, err := NewPipeline(
		&PipelineConfig{PollTimeout: 10 * time.Millisecond},
		&errConsumer{err: errors.New("broker unreachable")},
		newMemIdempotencyStore(),
		&mapResolver{},
		&mockWriter{},
		&mockCacheWriter{},
		nil,
		metrics,
		zerolog.Nop(),
	)
	require.NoError(t, err)

	result := pipeline.ProcessNext(context.Background())
	require.NotNil(t, result)
	assert.Equal(t, OutcomeRetryable, result.Outcome)

	result = pipeline.ProcessNext(context.Background())
	require.NotNil(t, result)

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.ConsumeFailures))
	assert.Contains(t, pipeline.Status().LastError, "broker unreachable")
}

func TestPipelineNilBatchWithoutErrorIsNonRetryable(t *testing.T) {
	f := newPipelineFixture(t, nil)
	cc := &ConsumeContext{
		Topic:   "naia.datapoints",
		Offset:  9,
		BatchID: "b-nil",
		Raw:     []byte(`{}`),
	}
	f.consumer.queue = append(f.consumer.queue, cc)

	result := f.pipeline.ProcessNext(context.Background())

	require.NotNil(t, result)
	assert.Equal(t, OutcomeNonRetryable, result.Outcome)
	assert.Len(t, f.consumer.committed, 1)
	assert.Zero(t, f.writer.calls())
	assert.Zero(t, f.cache.calls())
}

func TestPipelineStatusAccounting(t *testing.T) {
	f := newPipelineFixture(t, nil)
	f.consumer.queue = append(f.consumer.queue,
		batchContext("b1", DataPoint{SequenceID: seq(7), Value: 1, Quality: QualityGood, Timestamp: time.Now().UTC()}),
	)

	f.pipeline.setStarted()
	result := f.pipeline.ProcessNext(context.Background())
	require.NotNil(t, result)

	// Replay of b1 counts as a skipped duplicate.
	f.consumer.queue = append(f.consumer.queue,
		batchContext("b1", DataPoint{SequenceID: seq(7), Value: 1, Quality: QualityGood, Timestamp: time.Now().UTC()}),
	)
	result = f.pipeline.ProcessNext(context.Background())
	require.NotNil(t, result)
	assert.True(t, result.Skipped)

	status := f.pipeline.Status()
	assert.Equal(t, uint64(2), status.BatchesProcessed)
	assert.Equal(t, uint64(1), status.PointsProcessed)
	assert.Equal(t, uint64(1), status.DuplicatesSkipped)
	assert.False(t, status.StartedAt.IsZero())
}

// TestPipelineEndToEndScenarioA drives the orchestrator against a real
// writer and an httptest storage engine, checking the exact wire bytes and
// the replay behavior.
func TestPipelineEndToEndScenarioA(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(body))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	writer, err := NewQuestDBWriter(&TimeSeriesWriterConfig{BaseURL: server.URL}, nil, zerolog.Nop())
	require.NoError(t, err)

	consumer := &mockConsumer{}
	idempotency := newMemIdempotencyStore()
	cache := &mockCacheWriter{}
	pipeline, err := NewPipeline(
		&PipelineConfig{PollTimeout: 10 * time.Millisecond},
		consumer,
		idempotency,
		&mapResolver{},
		writer,
		cache,
		nil,
		nil,
		zerolog.Nop(),
	)
	require.NoError(t, err)

	point := DataPoint{SequenceID: seq(7), Value: 23.5, Quality: QualityGood, Timestamp: mustTime(t, "2024-01-01T00:00:00Z")}
	consumer.queue = append(consumer.queue, batchContext("b1", point))

	result := pipeline.ProcessNext(context.Background())
	require.NotNil(t, result)
	assert.Equal(t, OutcomeSuccess, result.Outcome)
	assert.Equal(t, 1, result.PointsProcessed)

	mu.Lock()
	require.Len(t, bodies, 1)
	assert.Equal(t, "point_data point_id=7i,value=23.5d,quality=1i 1704067200000000000\n", bodies[0])
	mu.Unlock()

	require.Equal(t, 1, cache.calls())
	require.Len(t, cache.upserts[0], 1)
	assert.Equal(t, int64(7), *cache.upserts[0][0].SequenceID)

	// Republishing b1 must not reach the writer or the cache again.
	consumer.queue = append(consumer.queue, batchContext("b1", point))
	replay := pipeline.ProcessNext(context.Background())
	require.NotNil(t, replay)
	assert.True(t, replay.Skipped)
	assert.Zero(t, replay.PointsProcessed)

	mu.Lock()
	assert.Len(t, bodies, 1)
	mu.Unlock()
	assert.Equal(t, 1, cache.calls())
	assert.Len(t, consumer.committed, 2)
}
