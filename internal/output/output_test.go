package output

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/archive-scanner/internal/clock/system"
)

func batchOf(ids ...string) Batch {
	var b Batch
	for _, id := range ids {
		b.Outputs = append(b.Outputs, Output{QueryID: id})
	}
	return b
}

func TestMerge_EmptyIsIdentity(t *testing.T) {
	t.Parallel()

	b := batchOf("a", "b", "c")
	require.Equal(t, b, b.Merge(Batch{}))
	require.Equal(t, b, Batch{}.Merge(b))
	require.True(t, Batch{}.Merge(Batch{}).IsEmpty())
}

func TestMerge_Concatenates(t *testing.T) {
	t.Parallel()

	got := batchOf("a", "b").Merge(batchOf("c"))
	require.Equal(t, batchOf("a", "b", "c"), got)
	require.Equal(t, 3, got.Len())
}

type fakeSource struct {
	mu      sync.Mutex
	pending int
	outputs []Batch
}

func (s *fakeSource) Outputs() Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.outputs) == 0 {
		return Batch{}
	}
	b := s.outputs[0]
	s.outputs = s.outputs[1:]
	return b
}

func (s *fakeSource) Pending() int { return s.pending }

type fakeDeliverer struct {
	batches []Batch
	total   int64
	err     error
}

func (d *fakeDeliverer) PushOutputs(_ context.Context, b Batch) (int64, error) {
	if d.err != nil {
		return 0, d.err
	}
	d.batches = append(d.batches, b)
	d.total += int64(b.Len())
	return d.total, nil
}

func TestAggregator_FlushesEveryN(t *testing.T) {
	t.Parallel()

	src := &fakeSource{outputs: []Batch{batchOf("a"), batchOf("b", "c")}}
	del := &fakeDeliverer{}
	agg := NewAggregator([]Source{src}, del, system.NewFrozen(time.Unix(0, 0)), Config{FlushEvery: 3}, zap.NewNop())

	ctx := context.Background()
	require.NoError(t, agg.Observe(ctx, 1))
	require.NoError(t, agg.Observe(ctx, 1))
	require.Empty(t, del.batches)

	require.NoError(t, agg.Observe(ctx, 1))
	require.Len(t, del.batches, 1)
	require.Equal(t, batchOf("a"), del.batches[0])

	require.NoError(t, agg.Observe(ctx, 3))
	require.Len(t, del.batches, 2)

	stats := agg.Stats()
	require.Equal(t, 6, stats.Documents)
	require.Equal(t, 3, stats.Delivered)
	require.Equal(t, int64(3), stats.NewOutputs)
}

func TestAggregator_MergesAllSources(t *testing.T) {
	t.Parallel()

	first := &fakeSource{outputs: []Batch{batchOf("a")}}
	second := &fakeSource{outputs: []Batch{batchOf("b")}}
	del := &fakeDeliverer{}
	agg := NewAggregator([]Source{first, second}, del, nil, Config{}, zap.NewNop())

	require.NoError(t, agg.Flush(context.Background()))
	require.Equal(t, []Batch{batchOf("a", "b")}, del.batches)
}

func TestAggregator_EmptyFlushDeliversNothing(t *testing.T) {
	t.Parallel()

	del := &fakeDeliverer{}
	agg := NewAggregator([]Source{&fakeSource{}}, del, nil, Config{}, zap.NewNop())

	require.NoError(t, agg.Flush(context.Background()))
	require.Empty(t, del.batches)
}

func TestAggregator_FailedDeliveryDroppedByDefault(t *testing.T) {
	t.Parallel()

	src := &fakeSource{outputs: []Batch{batchOf("a"), batchOf("b")}}
	del := &fakeDeliverer{err: errors.New("master down")}
	agg := NewAggregator([]Source{src}, del, nil, Config{}, zap.NewNop())

	require.Error(t, agg.Flush(context.Background()))
	require.Equal(t, 1, agg.Stats().Dropped)
	require.True(t, agg.Retained().IsEmpty())

	del.err = nil
	require.NoError(t, agg.Flush(context.Background()))
	require.Equal(t, []Batch{batchOf("b")}, del.batches)
}

func TestAggregator_RetainFailedMergesIntoNextFlush(t *testing.T) {
	t.Parallel()

	src := &fakeSource{outputs: []Batch{batchOf("a"), batchOf("b")}}
	del := &fakeDeliverer{err: errors.New("master down")}
	agg := NewAggregator([]Source{src}, del, nil, Config{RetainFailed: true}, zap.NewNop())

	require.Error(t, agg.Flush(context.Background()))
	require.Equal(t, batchOf("a"), agg.Retained())

	del.err = nil
	require.NoError(t, agg.Flush(context.Background()))
	require.Equal(t, []Batch{batchOf("a", "b")}, del.batches)
	require.Zero(t, agg.Stats().Dropped)
}

func TestAggregator_ResetStartsNewWindow(t *testing.T) {
	t.Parallel()

	clock := system.NewFrozen(time.Unix(100, 0))
	agg := NewAggregator(nil, &fakeDeliverer{}, clock, Config{FlushEvery: 10}, zap.NewNop())
	require.NoError(t, agg.Observe(context.Background(), 4))
	agg.AddSkipped(2)
	agg.AddLost(1)
	agg.SetBytesDecoded(2048)

	clock.Advance(100 * time.Second)
	agg.Reset()
	require.Equal(t, Stats{Started: time.Unix(200, 0)}, agg.Stats())
}

func TestAggregator_NoDeliverer(t *testing.T) {
	t.Parallel()

	src := &fakeSource{outputs: []Batch{batchOf("a")}}
	agg := NewAggregator([]Source{src}, nil, nil, Config{}, zap.NewNop())
	require.ErrorIs(t, agg.Flush(context.Background()), ErrNoDeliverer)
}
