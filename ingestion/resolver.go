package ingestion

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// DirectorySource provides the full name to sequence-id mapping from the
// metadata directory. It is queried only on the refresh interval, never per
// lookup.
type DirectorySource interface {
	FetchDirectory(ctx context.Context) (map[string]int64, error)
}

// directorySnapshot is an immutable view of the point directory. Lookups
// read the snapshot through an atomic pointer so a rebuild in progress
// never blocks the hot path.
type directorySnapshot struct {
	byName   map[string]int64
	loadedAt time.Time
}

// PointResolver maps logical point names to dense sequence identifiers
// using a periodically refreshed in-memory snapshot of the metadata
// directory.
type PointResolver struct {
	source   DirectorySource
	interval time.Duration
	logger   zerolog.Logger

	snapshot     atomic.Pointer[directorySnapshot]
	wg           sync.WaitGroup
	shutdownCtx  context.Context
	shutdownFunc context.CancelFunc
}

// NewPointResolver creates a resolver refreshing from source on the given
// interval.
func NewPointResolver(source DirectorySource, interval time.Duration, logger zerolog.Logger) (*PointResolver, error) {
	if source == nil {
		return nil, errors.New("directory source cannot be nil")
	}
	if interval <= 0 {
		return nil, errors.New("refresh interval must be positive")
	}
	shutdownCtx, shutdownFunc := context.WithCancel(context.Background())
	r := &PointResolver{
		source:       source,
		interval:     interval,
		logger:       logger.With().Str("component", "PointResolver").Logger(),
		shutdownCtx:  shutdownCtx,
		shutdownFunc: shutdownFunc,
	}
	r.snapshot.Store(&directorySnapshot{byName: map[string]int64{}})
	return r, nil
}

// Start performs the initial directory load and begins the background
// refresh loop. The initial load must succeed so the pipeline never starts
// resolving against an empty directory.
func (r *PointResolver) Start(ctx context.Context) error {
	if err := r.refresh(ctx); err != nil {
		return err
	}
	r.wg.Add(1)
	go r.refreshLoop()
	r.logger.Info().Dur("interval", r.interval).Msg("PointResolver started")
	return nil
}

// Stop halts the refresh loop and waits for it to exit.
func (r *PointResolver) Stop() {
	r.shutdownFunc()
	r.wg.Wait()
	r.logger.Info().Msg("PointResolver stopped")
}

func (r *PointResolver) refreshLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.shutdownCtx.Done():
			return
		case <-ticker.C:
			if err := r.refresh(r.shutdownCtx); err != nil {
				// Keep serving the previous snapshot; a stale
				// directory beats an empty one.
				r.logger.Error().Err(err).Msg("Directory refresh failed, keeping previous snapshot")
			}
		}
	}
}

func (r *PointResolver) refresh(ctx context.Context) error {
	byName, err := r.source.FetchDirectory(ctx)
	if err != nil {
		return err
	}
	r.snapshot.Store(&directorySnapshot{
		byName:   byName,
		loadedAt: time.Now().UTC(),
	})
	r.logger.Debug().Int("points", len(byName)).Msg("Point directory refreshed")
	return nil
}

// Lookup returns the sequence id for a point name in the current snapshot.
func (r *PointResolver) Lookup(name string) (int64, bool) {
	id, ok := r.snapshot.Load().byName[name]
	return id, ok
}

// Resolve fills SequenceID in place for every point in the batch that lacks
// one. Unresolved points are left as-is and logged at warning level;
// resolution failure never fails the batch.
func (r *PointResolver) Resolve(batch *DataPointBatch) (resolved, unresolved int) {
	snap := r.snapshot.Load()
	for i := range batch.Points {
		p := &batch.Points[i]
		if p.SequenceID != nil {
			continue
		}
		if p.Name == "" {
			unresolved++
			r.logger.Warn().Str("batch_id", batch.BatchID).Msg("Point has neither sequence id nor name, cannot resolve")
			continue
		}
		id, ok := snap.byName[p.Name]
		if !ok {
			unresolved++
			r.logger.Warn().
				Str("batch_id", batch.BatchID).
				Str("point_name", p.Name).
				Msg("Point name not found in directory, point will not be persisted")
			continue
		}
		seq := id
		p.SequenceID = &seq
		resolved++
	}
	return resolved, unresolved
}

// SnapshotAge returns how long ago the current directory snapshot was
// loaded. It is zero before the first successful load.
func (r *PointResolver) SnapshotAge() time.Duration {
	loadedAt := r.snapshot.Load().loadedAt
	if loadedAt.IsZero() {
		return 0
	}
	return time.Since(loadedAt)
}
