// Package refresher rolls every materialization horizon forward on a cron
// schedule.
package refresher

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/robfig/cron/v3"

	"cadence/internal/engine"
)

// Regenerator is the engine surface the refresher drives.
type Regenerator interface {
	RegenerateAll(ctx context.Context, userID string) (engine.RegenerateSummary, error)
}

type Refresher struct {
	job    Regenerator
	spec   string
	logger *slog.Logger
	runs   atomic.Int64
}

// New validates spec (standard five-field cron or a descriptor such as
// "@daily") and returns a refresher for job.
func New(job Regenerator, spec string, logger *slog.Logger) (*Refresher, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("refresh schedule %q: %w", spec, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{job: job, spec: spec, logger: logger}, nil
}

// Runs reports how many passes have completed.
func (r *Refresher) Runs() int64 { return r.runs.Load() }

// Tick runs one regeneration pass over every user.
func (r *Refresher) Tick(ctx context.Context) {
	summary, err := r.job.RegenerateAll(ctx, "")
	r.runs.Add(1)
	if err != nil {
		r.logger.Error("refresh failed", "activities", summary.Activities, "failed", summary.Failed, "err", err)
		return
	}
	r.logger.Info("refresh complete", "activities", summary.Activities, "created", summary.Created, "discarded", summary.Discarded)
}

// Run schedules Tick until ctx is cancelled. Overlapping ticks are skipped.
func (r *Refresher) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(r.spec, func() { r.Tick(ctx) }); err != nil {
		return err
	}
	r.logger.Info("refresher started", "schedule", r.spec)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	r.logger.Info("refresher stopped")
	return nil
}
