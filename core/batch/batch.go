// Package batch runs sanitizations over many assets with a fixed number
// of workers, reporting outcomes in completion order.
package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/metakill/metakill/core"
)

// DefaultWorkers bounds concurrently active sanitizations. It is separate
// from Configuration.MaxConcurrentOperations, which bounds parallelism
// inside one sanitization.
const DefaultWorkers = 2

// Runner cleans one asset. Failures are reported through the outcome.
type Runner interface {
	Run(ctx context.Context, asset core.MediaAsset, cfg core.Configuration) core.CleaningOutcome
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, asset core.MediaAsset, cfg core.Configuration) core.CleaningOutcome

func (f RunnerFunc) Run(ctx context.Context, asset core.MediaAsset, cfg core.Configuration) core.CleaningOutcome {
	return f(ctx, asset, cfg)
}

// ProgressFunc receives completed/total after every outcome, and 0 once
// when a run is cancelled.
type ProgressFunc func(fraction float64)

// ItemFunc receives each outcome with the submission index of its asset.
type ItemFunc func(index int, outcome core.CleaningOutcome)

// Orchestrator dispatches assets to a fixed pool of workers.
type Orchestrator struct {
	runner  Runner
	workers int
	log     zerolog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithWorkers sets the number of concurrently active sanitizations.
func WithWorkers(n int) Option {
	return func(o *Orchestrator) { o.workers = n }
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

func New(runner Runner, opts ...Option) *Orchestrator {
	o := &Orchestrator{runner: runner, workers: DefaultWorkers, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(o)
	}
	if o.workers < 1 {
		o.workers = DefaultWorkers
	}
	return o
}

type job struct {
	index int
	asset core.MediaAsset
}

type result struct {
	index   int
	outcome core.CleaningOutcome
}

// Run cleans assets and returns their outcomes in completion order. One
// asset failing never stops the batch. Cancelling ctx stops dispatch;
// items already running see the cancelled context and their outcomes are
// still returned, followed by a cancelled error and a progress reset.
func (o *Orchestrator) Run(ctx context.Context, assets []core.MediaAsset, cfg core.Configuration, onProgress ProgressFunc, onItem ItemFunc) ([]core.CleaningOutcome, error) {
	cfg = cfg.Normalized()
	total := len(assets)
	outcomes := make([]core.CleaningOutcome, 0, total)
	if total == 0 {
		return outcomes, nil
	}
	start := time.Now()
	o.log.Info().Int("assets", total).Int("workers", o.workers).Msg("batch started")

	jobs := make(chan job)
	results := make(chan result)

	var wg sync.WaitGroup
	for w := 0; w < min(o.workers, total); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				if ctx.Err() != nil {
					continue
				}
				results <- result{index: j.index, outcome: o.runOne(ctx, j.asset, cfg)}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for i, a := range assets {
			if ctx.Err() != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case jobs <- job{index: i, asset: a}:
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	failed := 0
	for r := range results {
		outcomes = append(outcomes, r.outcome)
		if !r.outcome.Succeeded() {
			failed++
			o.log.Warn().
				Str("asset", r.outcome.AssetID.String()).
				Str("name", r.outcome.Name).
				Str("kind", string(r.outcome.ErrorKind)).
				Str("error", r.outcome.Error).
				Msg("item failed")
		}
		if onItem != nil {
			onItem(r.index, r.outcome)
		}
		if onProgress != nil && ctx.Err() == nil {
			onProgress(float64(len(outcomes)) / float64(total))
		}
	}

	if err := ctx.Err(); err != nil {
		if onProgress != nil {
			onProgress(0)
		}
		o.log.Info().Int("done", len(outcomes)).Int("assets", total).Msg("batch cancelled")
		return outcomes, core.NewError(core.KindCancelled, context.Cause(ctx))
	}
	o.log.Info().
		Int("assets", total).
		Int("failed", failed).
		Dur("elapsed", time.Since(start)).
		Msg("batch finished")
	return outcomes, nil
}

// runOne turns a panicking runner into a failed outcome.
func (o *Orchestrator) runOne(ctx context.Context, asset core.MediaAsset, cfg core.Configuration) (out core.CleaningOutcome) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			o.log.Error().Str("asset", asset.ID.String()).Interface("panic", r).Msg("runner panicked")
			out = core.Failed(asset, nil, time.Since(start), core.ProcessingFailed("%s", fmt.Sprint(r)))
		}
	}()
	return o.runner.Run(ctx, asset, cfg)
}
