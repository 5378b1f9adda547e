// Package scheduler runs aggregation on the configured schedule.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"sentro/internal/aggregator"
	"sentro/internal/model"
	"sentro/internal/storage"
)

// Scheduler periodically checks the schedule singleton and triggers
// aggregation runs when due.
type Scheduler struct {
	store    storage.Storage
	agg      *aggregator.Aggregator
	log      *slog.Logger
	tick     time.Duration
	cooldown time.Duration
}

// New creates a Scheduler with a 1-minute check interval and a 15-minute
// cooldown between runs.
func New(store storage.Storage, agg *aggregator.Aggregator, log *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    store,
		agg:      agg,
		log:      log,
		tick:     1 * time.Minute,
		cooldown: 15 * time.Minute,
	}
}

// SetTickInterval overrides the default 1-minute check interval.
func (s *Scheduler) SetTickInterval(d time.Duration) {
	s.tick = d
}

// SetCooldown overrides the minimum spacing between runs.
func (s *Scheduler) SetCooldown(d time.Duration) {
	s.cooldown = d
}

// Run starts the scheduler loop, blocking until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.checkOnce(ctx)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkOnce(ctx)
		}
	}
}

// checkOnce runs aggregation if the schedule is enabled and due. A run
// gated by the cooldown is recorded as skipped.
func (s *Scheduler) checkOnce(ctx context.Context) {
	sched, err := s.store.GetSchedule(ctx)
	if err != nil {
		s.log.Error("get schedule", "error", err)
		return
	}
	if !sched.Enabled {
		return
	}

	now := time.Now().UTC()
	if sched.NextScheduled != nil && now.Before(*sched.NextScheduled) {
		return
	}

	// Advance next_scheduled before running so a long run does not make
	// the next tick fire again immediately.
	next := now.Add(sched.Frequency.Interval())
	sched.NextScheduled = &next
	if err := s.store.SaveSchedule(ctx, sched); err != nil {
		s.log.Error("save schedule", "error", err)
	}

	if sched.LastRun != nil && now.Sub(*sched.LastRun) < s.cooldown {
		s.log.Info("run skipped by cooldown", "last_run", sched.LastRun, "next_scheduled", next)
		s.logSkipped(ctx, sched, next)
		return
	}

	if _, err := s.agg.Run(ctx, model.EventScheduledAggregation, model.RunOptions{}); err != nil {
		if errors.Is(err, aggregator.ErrRunInProgress) {
			s.log.Debug("scheduled run skipped, another run in progress")
			return
		}
		s.log.Error("scheduled aggregation", "error", err)
	}
}

func (s *Scheduler) logSkipped(ctx context.Context, sched *model.Schedule, next time.Time) {
	details := map[string]any{
		"reason":         "cooldown",
		"next_scheduled": next.Format(time.RFC3339),
	}
	if sched.LastRun != nil {
		details["last_run"] = sched.LastRun.Format(time.RFC3339)
	}
	entry := &model.LogEntry{
		EventType: model.EventScheduledAggregation,
		Status:    model.StatusSkipped,
		Details:   details,
	}
	if err := s.store.AppendLog(ctx, entry); err != nil {
		s.log.Warn("append skipped log", "error", err)
	}
}
