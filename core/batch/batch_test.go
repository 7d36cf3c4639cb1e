package batch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metakill/metakill/core"
)

func fakeAssets(n int) []core.MediaAsset {
	out := make([]core.MediaAsset, n)
	for i := range out {
		out[i] = core.NewMediaAsset(fmt.Sprintf("%d.jpg", i), fmt.Sprintf("/in/%d.jpg", i), core.KindImage, 100)
	}
	return out
}

func succeed(asset core.MediaAsset) core.CleaningOutcome {
	return core.Completed(asset, nil, nil, time.Millisecond, "/out/"+asset.Name, 50)
}

type progressLog struct {
	mu     sync.Mutex
	values []float64
}

func (p *progressLog) record(f float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values = append(p.values, f)
}

func (p *progressLog) all() []float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]float64(nil), p.values...)
}

func TestOrchestrator_CompletionOrder(t *testing.T) {
	assets := fakeAssets(4)
	// the first item is the slowest so it completes last
	delays := []time.Duration{60 * time.Millisecond, 0, 0, 0}
	runner := RunnerFunc(func(ctx context.Context, a core.MediaAsset, _ core.Configuration) core.CleaningOutcome {
		for i, x := range assets {
			if x.ID == a.ID {
				time.Sleep(delays[i])
			}
		}
		return succeed(a)
	})

	var progress progressLog
	indexOf := map[string]int{}
	outcomes, err := New(runner).Run(context.Background(), assets, core.DefaultConfiguration(), progress.record,
		func(i int, o core.CleaningOutcome) { indexOf[o.Name] = i })
	require.NoError(t, err)
	require.Len(t, outcomes, 4)

	assert.Equal(t, assets[0].ID, outcomes[3].AssetID, "slow item completes last")
	for i, a := range assets {
		assert.Equal(t, i, indexOf[a.Name])
	}
	assert.Equal(t, []float64{0.25, 0.5, 0.75, 1}, progress.all())
}

func TestOrchestrator_ConcurrencyBound(t *testing.T) {
	for _, workers := range []int{1, 2, 3} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			var active, peak atomic.Int32
			runner := RunnerFunc(func(ctx context.Context, a core.MediaAsset, _ core.Configuration) core.CleaningOutcome {
				n := active.Add(1)
				defer active.Add(-1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				return succeed(a)
			})

			outcomes, err := New(runner, WithWorkers(workers)).Run(context.Background(), fakeAssets(12), core.DefaultConfiguration(), nil, nil)
			require.NoError(t, err)
			assert.Len(t, outcomes, 12)
			assert.LessOrEqual(t, int(peak.Load()), workers)
			assert.GreaterOrEqual(t, int(peak.Load()), 1)
		})
	}
}

func TestOrchestrator_FailuresDoNotAbort(t *testing.T) {
	assets := fakeAssets(5)
	runner := RunnerFunc(func(ctx context.Context, a core.MediaAsset, _ core.Configuration) core.CleaningOutcome {
		switch a.ID {
		case assets[2].ID:
			return core.Failed(a, nil, 0, core.NewError(core.KindCorruptedFile, nil))
		case assets[4].ID:
			panic("decoder exploded")
		}
		return succeed(a)
	})

	outcomes, err := New(runner).Run(context.Background(), assets, core.DefaultConfiguration(), nil, nil)
	require.NoError(t, err)
	require.Len(t, outcomes, 5)

	failed := map[string]string{}
	for _, o := range outcomes {
		if !o.Succeeded() {
			failed[o.Name] = o.Error
			assert.Nil(t, o.OutputSize)
		}
	}
	assert.Equal(t, map[string]string{
		"2.jpg": "File is corrupted or unreadable",
		"4.jpg": "Processing failed: decoder exploded",
	}, failed)
}

func TestOrchestrator_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{}, 10)
	var ran atomic.Int32
	runner := RunnerFunc(func(ctx context.Context, a core.MediaAsset, _ core.Configuration) core.CleaningOutcome {
		ran.Add(1)
		started <- struct{}{}
		<-ctx.Done()
		return core.Failed(a, nil, 0, core.NewError(core.KindCancelled, ctx.Err()))
	})

	go func() {
		<-started
		<-started
		cancel()
	}()

	var progress progressLog
	outcomes, err := New(runner, WithWorkers(2)).Run(ctx, fakeAssets(10), core.DefaultConfiguration(), progress.record, nil)
	require.Error(t, err)
	assert.Equal(t, core.KindCancelled, core.KindOf(err))

	assert.Len(t, outcomes, 2, "in-flight items report, queued items never start")
	assert.Equal(t, int32(2), ran.Load())
	for _, o := range outcomes {
		assert.Equal(t, "Operation was cancelled", o.Error)
	}
	assert.Equal(t, []float64{0}, progress.all(), "progress resets on cancellation")
}

func TestOrchestrator_AlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran atomic.Int32
	runner := RunnerFunc(func(ctx context.Context, a core.MediaAsset, _ core.Configuration) core.CleaningOutcome {
		ran.Add(1)
		return succeed(a)
	})
	outcomes, err := New(runner).Run(ctx, fakeAssets(3), core.DefaultConfiguration(), nil, nil)
	assert.Equal(t, core.KindCancelled, core.KindOf(err))
	assert.Empty(t, outcomes)
	assert.Zero(t, ran.Load())
}

func TestOrchestrator_Empty(t *testing.T) {
	called := false
	outcomes, err := New(nil).Run(context.Background(), nil, core.DefaultConfiguration(),
		func(float64) { called = true }, nil)
	require.NoError(t, err)
	assert.Empty(t, outcomes)
	assert.False(t, called)
}

func TestNewDefaults(t *testing.T) {
	assert.Equal(t, DefaultWorkers, New(nil).workers)
	assert.Equal(t, DefaultWorkers, New(nil, WithWorkers(0)).workers)
	assert.Equal(t, 5, New(nil, WithWorkers(5)).workers)
}
