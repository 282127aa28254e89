package ingestion

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// BatchResolver fills sequence identifiers into a batch in place.
type BatchResolver interface {
	Resolve(batch *DataPointBatch) (resolved, unresolved int)
}

// TimeSeriesWriter persists resolved points durably.
type TimeSeriesWriter interface {
	Write(ctx context.Context, points []DataPoint) error
}

// DeadLetterSink receives messages the pipeline gave up on.
type DeadLetterSink interface {
	Publish(ctx context.Context, cc *ConsumeContext, reason string) error
}

// PipelineOutcome classifies how one batch attempt ended.
type PipelineOutcome int

const (
	// OutcomeSuccess means the batch is durable and its offset committed.
	OutcomeSuccess PipelineOutcome = iota
	// OutcomeRetryable means a transient failure; the offset was left
	// uncommitted so the broker redelivers the batch.
	OutcomeRetryable
	// OutcomeNonRetryable means an unrecoverable failure; the offset was
	// committed to keep the partition moving.
	OutcomeNonRetryable
)

func (o PipelineOutcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable_error"
	case OutcomeNonRetryable:
		return "non_retryable_error"
	default:
		return "unknown"
	}
}

// PipelineResult summarizes one batch attempt.
type PipelineResult struct {
	PointsProcessed int
	Elapsed         time.Duration
	Skipped         bool
	Outcome         PipelineOutcome
	Err             error
}

// PipelineStatus is a snapshot of the pipeline for the health surface.
type PipelineStatus struct {
	State             string    `json:"state"`
	BatchesProcessed  uint64    `json:"batchesProcessed"`
	PointsProcessed   uint64    `json:"pointsProcessed"`
	DuplicatesSkipped uint64    `json:"duplicatesSkipped"`
	PointsPerSecond   float64   `json:"pointsPerSecond"`
	StartedAt         time.Time `json:"startedAt"`
	LastError         string    `json:"lastError,omitempty"`
	LastErrorAt       time.Time `json:"lastErrorAt"`
}

// PipelineConfig holds configuration for the orchestrator loop.
type PipelineConfig struct {
	PollTimeout time.Duration `yaml:"pollTimeout"`
}

// inFlightBudget caps how long one batch may spend between consume and
// commit decision. It comfortably exceeds the storage write timeout plus
// the cache and ledger round trips.
const inFlightBudget = 2 * time.Minute

// Pipeline composes the consumer, idempotency ledger, resolver, writer and
// cache into a single sequential consume-process-commit loop.
//
// One Pipeline processes one batch at a time to preserve per-partition
// ordering. Scale-out happens by running more instances in the same
// consumer group, never by parallelizing within one instance.
type Pipeline struct {
	consumer    MessageConsumer
	idempotency IdempotencyStore
	resolver    BatchResolver
	writer      TimeSeriesWriter
	cache       CurrentValueWriter
	deadLetter  DeadLetterSink
	metrics     *Metrics
	pollTimeout time.Duration
	logger      zerolog.Logger

	mu     sync.Mutex
	status PipelineStatus
}

// NewPipeline wires the orchestrator. deadLetter and metrics may be nil.
func NewPipeline(
	cfg *PipelineConfig,
	consumer MessageConsumer,
	idempotency IdempotencyStore,
	resolver BatchResolver,
	writer TimeSeriesWriter,
	cache CurrentValueWriter,
	deadLetter DeadLetterSink,
	metrics *Metrics,
	logger zerolog.Logger,
) (*Pipeline, error) {
	if consumer == nil {
		return nil, errors.New("consumer cannot be nil")
	}
	if idempotency == nil {
		return nil, errors.New("idempotency store cannot be nil")
	}
	if resolver == nil {
		return nil, errors.New("resolver cannot be nil")
	}
	if writer == nil {
		return nil, errors.New("time series writer cannot be nil")
	}
	if cache == nil {
		return nil, errors.New("current value writer cannot be nil")
	}
	pollTimeout := 5 * time.Second
	if cfg != nil && cfg.PollTimeout > 0 {
		pollTimeout = cfg.PollTimeout
	}
	return &Pipeline{
		consumer:    consumer,
		idempotency: idempotency,
		resolver:    resolver,
		writer:      writer,
		cache:       cache,
		deadLetter:  deadLetter,
		metrics:     metrics,
		pollTimeout: pollTimeout,
		logger:      logger.With().Str("component", "Pipeline").Logger(),
		status:      PipelineStatus{State: "Idle"},
	}, nil
}

// Run executes the consume-process-commit loop until ctx is cancelled. The
// in-flight batch always runs to completion, including its commit or
// deliberate non-commit, before Run returns.
func (p *Pipeline) Run(ctx context.Context) {
	p.logger.Info().Dur("poll_timeout", p.pollTimeout).Msg("Pipeline loop starting")
	p.setStarted()
	for {
		if ctx.Err() != nil {
			p.setState("Stopped")
			p.logger.Info().Msg("Pipeline loop stopped")
			return
		}
		p.ProcessNext(ctx)
	}
}

// ProcessNext consumes and fully processes at most one batch. It returns
// nil when the poll timed out with nothing to do. Errors never propagate to
// the caller; they are classified, logged, and reflected in the result and
// the status surface.
func (p *Pipeline) ProcessNext(ctx context.Context) *PipelineResult {
	p.setState("Consuming")
	cc, err := p.consumer.Consume(ctx, p.pollTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		p.logger.Error().Err(err).Msg("Consume failed")
		p.recordError(err)
		if p.metrics != nil {
			p.metrics.ConsumeFailures.Inc()
		}
		return &PipelineResult{Outcome: OutcomeRetryable, Err: err}
	}
	if cc == nil {
		p.setState("Idle")
		return nil
	}

	// Once a message is in flight it runs to completion, commit decision
	// included, even if shutdown is signalled mid-batch. The detached
	// context keeps a hard upper bound so a dead backend cannot hold
	// shutdown hostage.
	procCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), inFlightBudget)
	defer cancel()

	start := time.Now()
	p.setState("Processing")
	result := p.processContext(procCtx, cc)
	result.Elapsed = time.Since(start)

	// The commit decision is the only place the consumer position moves.
	// Success and non-retryable failures commit; retryable failures leave
	// the offset alone so the broker redelivers the identical batch.
	switch result.Outcome {
	case OutcomeSuccess:
		p.setState("Committing")
		p.commit(procCtx, cc)
	case OutcomeNonRetryable:
		p.setState("DeadLettering")
		p.logger.Error().
			Err(result.Err).
			Str("batch_id", cc.BatchID).
			Int("partition", cc.Partition).
			Int64("offset", cc.Offset).
			Msg("Batch failed non-retryably, committing past it")
		p.forwardDeadLetter(procCtx, cc, result.Err)
		p.commit(procCtx, cc)
	case OutcomeRetryable:
		p.setState("Retrying")
		p.logger.Warn().
			Err(result.Err).
			Str("batch_id", cc.BatchID).
			Msg("Batch failed retryably, leaving offset uncommitted for redelivery")
	}

	p.account(result)
	p.setState("Idle")
	return result
}

// processContext runs the strictly ordered per-batch sequence: idempotency
// check, resolution, time-series write, cache update, idempotency mark.
func (p *Pipeline) processContext(ctx context.Context, cc *ConsumeContext) *PipelineResult {
	if cc.Err != nil {
		// Deserialization failures are non-retryable: redelivery would
		// produce the same bytes forever.
		return &PipelineResult{Outcome: OutcomeNonRetryable, Err: cc.Err}
	}
	if cc.Batch == nil {
		// The consumer contract guarantees a batch when Err is nil; a
		// violation is as permanent as a malformed payload.
		return &PipelineResult{Outcome: OutcomeNonRetryable, Err: errors.New("consume context carries no batch")}
	}

	duplicate, processedAt, err := p.idempotency.Check(ctx, cc.BatchID)
	if err != nil {
		// A flaky ledger must not let the batch through unchecked, nor
		// commit past it; redelivery retries the check.
		return &PipelineResult{Outcome: OutcomeRetryable, Err: err}
	}
	if duplicate {
		p.logger.Info().
			Str("batch_id", cc.BatchID).
			Str("first_processed_at", processedAt).
			Msg("Duplicate batch, skipping")
		return &PipelineResult{Skipped: true, Outcome: OutcomeSuccess}
	}

	if len(cc.Batch.Points) == 0 {
		if err := p.idempotency.MarkProcessed(ctx, cc.BatchID); err != nil {
			return &PipelineResult{Outcome: p.classify(err), Err: err}
		}
		return &PipelineResult{Outcome: OutcomeSuccess}
	}

	_, unresolved := p.resolver.Resolve(cc.Batch)
	if unresolved > 0 && p.metrics != nil {
		p.metrics.PointsUnresolved.Add(float64(unresolved))
	}

	persistable := resolvedPoints(cc.Batch.Points)
	if len(persistable) > 0 {
		if err := p.writer.Write(ctx, persistable); err != nil {
			return &PipelineResult{Outcome: p.classify(err), Err: err}
		}
		// The cache is a derived, best-effort index: its failure never
		// fails a batch that is already durable in the store.
		if err := p.cache.UpsertLatest(ctx, persistable); err != nil {
			p.logger.Warn().Err(err).Str("batch_id", cc.BatchID).Msg("Current value cache update failed")
		}
	}

	if err := p.idempotency.MarkProcessed(ctx, cc.BatchID); err != nil {
		return &PipelineResult{Outcome: p.classify(err), Err: err}
	}

	return &PipelineResult{PointsProcessed: len(persistable), Outcome: OutcomeSuccess}
}

func (p *Pipeline) classify(err error) PipelineOutcome {
	if IsRetryable(err) {
		return OutcomeRetryable
	}
	return OutcomeNonRetryable
}

func (p *Pipeline) commit(ctx context.Context, cc *ConsumeContext) {
	if err := p.consumer.Commit(ctx, cc); err != nil {
		// The batch is already durable and marked processed; the
		// redelivery this causes is absorbed by the idempotency ledger.
		p.logger.Error().
			Err(err).
			Str("batch_id", cc.BatchID).
			Int64("offset", cc.Offset).
			Msg("Offset commit failed, relying on idempotency for the redelivery")
		p.recordError(err)
	}
}

func (p *Pipeline) forwardDeadLetter(ctx context.Context, cc *ConsumeContext, cause error) {
	if p.deadLetter == nil || len(cc.Raw) == 0 {
		return
	}
	reason := "unknown"
	if cause != nil {
		reason = cause.Error()
	}
	if err := p.deadLetter.Publish(ctx, cc, reason); err != nil {
		p.logger.Error().Err(err).Str("batch_id", cc.BatchID).Msg("Dead letter publish failed")
		return
	}
	if p.metrics != nil {
		p.metrics.DeadLettered.Inc()
	}
}

// resolvedPoints returns the points carrying a sequence id; everything else
// is excluded from persistence.
func resolvedPoints(points []DataPoint) []DataPoint {
	out := make([]DataPoint, 0, len(points))
	for _, p := range points {
		if p.SequenceID != nil {
			out = append(out, p)
		}
	}
	return out
}

// Status returns a consistent snapshot for the health surface.
func (p *Pipeline) Status() PipelineStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	status := p.status
	if !status.StartedAt.IsZero() {
		elapsed := time.Since(status.StartedAt).Seconds()
		if elapsed > 0 {
			status.PointsPerSecond = float64(status.PointsProcessed) / elapsed
		}
	}
	return status
}

func (p *Pipeline) setStarted() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.StartedAt = time.Now().UTC()
}

func (p *Pipeline) setState(state string) {
	p.mu.Lock()
	p.status.State = state
	p.mu.Unlock()
}

func (p *Pipeline) recordError(err error) {
	p.mu.Lock()
	p.status.LastError = err.Error()
	p.status.LastErrorAt = time.Now().UTC()
	p.mu.Unlock()
}

func (p *Pipeline) account(result *PipelineResult) {
	p.mu.Lock()
	p.status.BatchesProcessed++
	p.status.PointsProcessed += uint64(result.PointsProcessed)
	if result.Skipped {
		p.status.DuplicatesSkipped++
	}
	if result.Err != nil {
		p.status.LastError = result.Err.Error()
		p.status.LastErrorAt = time.Now().UTC()
	}
	p.mu.Unlock()

	if p.metrics == nil {
		return
	}
	p.metrics.BatchesProcessed.WithLabelValues(result.Outcome.String()).Inc()
	p.metrics.PointsProcessed.Add(float64(result.PointsProcessed))
	if result.Skipped {
		p.metrics.DuplicatesSkipped.Inc()
	}
	p.metrics.ProcessingDuration.Observe(result.Elapsed.Seconds())
}
