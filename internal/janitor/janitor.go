// Package janitor runs periodic maintenance of refresh sessions.
package janitor

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"helpdesk.org/internal/obs"
)

const (
	defaultSchedule = "@every 1h"
	sweepTimeout    = time.Minute
)

// Sweeper marks sessions past expiry as expired.
type Sweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
}

// Janitor schedules sweeps on a cron expression.
type Janitor struct {
	cron    *cron.Cron
	sweeper Sweeper
}

// New registers the sweep on schedule ("@every 1h" when empty).
func New(sweeper Sweeper, schedule string) (*Janitor, error) {
	if strings.TrimSpace(schedule) == "" {
		schedule = defaultSchedule
	}
	j := &Janitor{cron: cron.New(), sweeper: sweeper}
	if _, err := j.cron.AddFunc(schedule, j.run); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Janitor) run() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	if _, err := j.Sweep(ctx); err != nil {
		obs.Logger().ErrorContext(ctx, "session sweep failed", slog.String("error", err.Error()))
	}
}

// Sweep runs one pass immediately.
func (j *Janitor) Sweep(ctx context.Context) (int64, error) {
	n, err := j.sweeper.SweepExpired(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		obs.SessionsSwept.Add(float64(n))
		obs.Logger().InfoContext(ctx, "expired sessions swept", slog.Int64("count", n))
	}
	return n, nil
}

func (j *Janitor) Start() { j.cron.Start() }

// Stop halts scheduling and waits for a running sweep.
func (j *Janitor) Stop(ctx context.Context) {
	select {
	case <-j.cron.Stop().Done():
	case <-ctx.Done():
	}
}
