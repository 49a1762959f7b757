// Package batch runs session conversions across a bounded worker pool with
// per-session isolation: one worker owns one pipeline end to end, no pipeline
// observes another's state, and a failure in one session never corrupts
// another's output container.
package batch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aopylab/nwbconv/internal/pipeline"
	"github.com/aopylab/nwbconv/pkg/config"
	"github.com/aopylab/nwbconv/pkg/errors"
	"github.com/aopylab/nwbconv/pkg/model"
	"github.com/aopylab/nwbconv/pkg/observability"
)

// Orchestrator converts an ordered collection of sessions with up to
// Parallelism pipelines in flight.
type Orchestrator struct {
	cfg    *config.Config
	logger *zap.Logger

	// memorySampleInterval controls the RSS monitor; zero disables it
	memorySampleInterval time.Duration
}

// Option customizes orchestrator construction.
type Option func(*Orchestrator)

// WithMemorySampling turns on RSS sampling at the given interval for the
// duration of a run.
func WithMemorySampling(interval time.Duration) Option {
	return func(o *Orchestrator) {
		o.memorySampleInterval = interval
	}
}

// New creates an orchestrator. The configuration must already be validated.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run converts the sessions in order and returns the finalized batch report.
// With skip_errors false, the first FAILED session halts submission of
// further sessions while already-running pipelines complete; their results
// still land in the report and later sessions are counted as skipped.
//
// Cancelling the context aborts every in-flight pipeline; each leaves its
// output container marked incomplete, and sessions already finalized are
// untouched.
func (o *Orchestrator) Run(ctx context.Context, sessions []model.Session) *model.BatchReport {
	start := time.Now()
	report := model.NewBatchReport()

	log := o.logger.With(zap.String("run_id", report.RunID))
	log.Info("batch started",
		zap.Int("sessions", len(sessions)),
		zap.Int("parallelism", o.cfg.Batch.Parallelism),
		zap.Bool("skip_errors", o.cfg.Batch.SkipErrors))

	if o.memorySampleInterval > 0 {
		monitor := observability.NewMemoryMonitor(o.memorySampleInterval, log)
		monitor.Start(ctx)
		defer monitor.Stop()
	}

	// results are collected per submission slot, then appended to the
	// report in session order under the single aggregation lock
	results := make([]*model.ConversionResult, len(sessions))

	var (
		wg     sync.WaitGroup
		haltMu sync.Mutex
		halted bool
	)

	sem := make(chan struct{}, o.cfg.Batch.Parallelism)

	shouldHalt := func() bool {
		haltMu.Lock()
		defer haltMu.Unlock()
		return halted
	}

	for i, session := range sessions {
		if ctx.Err() != nil || shouldHalt() {
			break
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
		// a worker may have failed while this loop was blocked on the
		// semaphore; at parallelism 1 that is the only place the failure
		// can surface before the next submission
		if shouldHalt() {
			<-sem
			break
		}

		wg.Add(1)
		go func(idx int, session model.Session) {
			defer wg.Done()
			defer func() { <-sem }()

			res := o.convertOne(ctx, session)
			results[idx] = &res

			if res.Status == model.StatusFailed && !o.cfg.Batch.SkipErrors {
				haltMu.Lock()
				halted = true
				haltMu.Unlock()
			}
		}(i, session)
	}

	wg.Wait()

	// single-writer aggregation: workers never touch the report; only this
	// loop appends, preserving submission order
	for _, res := range results {
		if res != nil {
			report.Add(*res)
		}
	}
	report.Skipped = len(sessions) - countDone(results)
	report.WallTime = time.Since(start)

	log.Info("batch finished",
		zap.Int("succeeded", report.Succeeded),
		zap.Int("warned", report.Warned),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
		zap.Int64("total_bytes", report.TotalBytes),
		zap.Duration("wall_time", report.WallTime))
	return report
}

// convertOne runs a single pipeline, converting panics into FAILED results
// so a defective session can never take the batch down.
func (o *Orchestrator) convertOne(ctx context.Context, session model.Session) (res model.ConversionResult) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("pipeline panic", zap.Any("panic", r), zap.String("session", session.ID.String()))
			res = model.ConversionResult{
				Session: session.ID,
				Status:  model.StatusFailed,
				Err:     errors.Newf(errors.ErrorTypeInternal, "pipeline panic: %v", r).Error(),
			}
		}
	}()

	p := pipeline.New(session, o.cfg, o.logger)
	return p.Run(ctx)
}

func countDone(results []*model.ConversionResult) int {
	n := 0
	for _, r := range results {
		if r != nil {
			n++
		}
	}
	return n
}
