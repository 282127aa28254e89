package ingestion

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubDirectorySource struct {
	mu      sync.Mutex
	entries map[string]int64
	err     error
	calls   int
}

func (s *stubDirectorySource) FetchDirectory(_ context.Context) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := make(map[string]int64, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out, nil
}

func (s *stubDirectorySource) set(entries map[string]int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = entries
	s.err = err
}

func newStartedResolver(t *testing.T, source *stubDirectorySource) *PointResolver {
	t.Helper()
	resolver, err := NewPointResolver(source, time.Hour, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, resolver.Start(context.Background()))
	t.Cleanup(resolver.Stop)
	return resolver
}

func TestPointResolverFillsSequenceIDs(t *testing.T) {
	source := &stubDirectorySource{entries: map[string]int64{"KSH.T01.WindSpeed": 101, "KSH.T01.Power": 102}}
	resolver := newStartedResolver(t, source)

	batch := &DataPointBatch{
		BatchID: "b1",
		Points: []DataPoint{
			{Name: "KSH.T01.WindSpeed", Value: 7.1},
			{Name: "KSH.T01.Power", Value: 1500},
			{SequenceID: seq(55), Value: 3},
		},
	}

	resolved, unresolved := resolver.Resolve(batch)

	assert.Equal(t, 2, resolved)
	assert.Zero(t, unresolved)
	require.NotNil(t, batch.Points[0].SequenceID)
	assert.Equal(t, int64(101), *batch.Points[0].SequenceID)
	require.NotNil(t, batch.Points[1].SequenceID)
	assert.Equal(t, int64(102), *batch.Points[1].SequenceID)
	// Pre-resolved ids are left untouched.
	assert.Equal(t, int64(55), *batch.Points[2].SequenceID)
}

func TestPointResolverLeavesUnknownNamesUnresolved(t *testing.T) {
	source := &stubDirectorySource{entries: map[string]int64{"KNOWN": 1}}
	resolver := newStartedResolver(t, source)

	batch := &DataPointBatch{
		BatchID: "b1",
		Points: []DataPoint{
			{Name: "TEMP_42", Value: 10},
			{Value: 11}, // neither id nor name
		},
	}

	resolved, unresolved := resolver.Resolve(batch)

	assert.Zero(t, resolved)
	assert.Equal(t, 2, unresolved)
	assert.Nil(t, batch.Points[0].SequenceID)
	assert.Nil(t, batch.Points[1].SequenceID)
}

func TestPointResolverStartFailsWhenInitialLoadFails(t *testing.T) {
	source := &stubDirectorySource{err: errors.New("directory down")}
	resolver, err := NewPointResolver(source, time.Hour, zerolog.Nop())
	require.NoError(t, err)

	assert.Error(t, resolver.Start(context.Background()))
}

func TestPointResolverKeepsSnapshotWhenRefreshFails(t *testing.T) {
	source := &stubDirectorySource{entries: map[string]int64{"KNOWN": 1}}
	resolver := newStartedResolver(t, source)

	source.set(nil, errors.New("directory down"))
	assert.Error(t, resolver.refresh(context.Background()))

	// Lookups keep serving the last good snapshot.
	id, ok := resolver.Lookup("KNOWN")
	assert.True(t, ok)
	assert.Equal(t, int64(1), id)
}

func TestPointResolverSwapsSnapshotOnRefresh(t *testing.T) {
	source := &stubDirectorySource{entries: map[string]int64{"A": 1}}
	resolver := newStartedResolver(t, source)

	source.set(map[string]int64{"A": 1, "B": 2}, nil)
	require.NoError(t, resolver.refresh(context.Background()))

	id, ok := resolver.Lookup("B")
	assert.True(t, ok)
	assert.Equal(t, int64(2), id)
}

func TestPointResolverConcurrentReadsDuringRefresh(t *testing.T) {
	source := &stubDirectorySource{entries: map[string]int64{"A": 1}}
	resolver := newStartedResolver(t, source)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				batch := &DataPointBatch{Points: []DataPoint{{Name: "A"}}}
				resolver.Resolve(batch)
			}
		}
	}()

	for i := 0; i < 100; i++ {
		require.NoError(t, resolver.refresh(context.Background()))
	}
	close(done)
	wg.Wait()
}
