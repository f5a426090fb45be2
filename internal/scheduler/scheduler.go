// Package scheduler triggers workflows that declare a cron schedule in
// their front matter. Next-run times live in memory; a restart simply
// recomputes them from the cron expressions.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// WorkflowRunner starts a scheduled workflow run. Satisfied by the CLI's
// run wiring (avoids an import cycle with the engine).
type WorkflowRunner interface {
	RunScheduled(ctx context.Context, workflow string) error
}

// Source lists the workflows eligible for scheduling.
type Source interface {
	// Schedules returns workflow name -> cron expression for every
	// workflow that declares one.
	Schedules(ctx context.Context) (map[string]string, error)
}

// Scheduler ticks once a minute and runs every workflow whose cron schedule
// is due.
type Scheduler struct {
	source Source
	runner WorkflowRunner
	parser cron.Parser
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	nextMu  sync.Mutex
	nextRun map[string]time.Time

	inflightMu sync.Mutex
	inflight   map[string]struct{} // workflows currently executing (dedup)
}

// New creates a Scheduler.
func New(source Source, runner WorkflowRunner, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		source:   source,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		nextRun:  make(map[string]time.Time),
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick checks every scheduled workflow and runs those that are due.
func (s *Scheduler) tick(ctx context.Context) {
	schedules, err := s.source.Schedules(ctx)
	if err != nil {
		s.logger.Error("failed to list schedules", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for workflow, expr := range schedules {
		due, next, err := s.isDue(workflow, expr, now)
		if err != nil {
			s.logger.Error("bad cron expression",
				slog.String("workflow", workflow),
				slog.String("cron", expr),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !due {
			continue
		}
		if !s.tryAcquire(workflow) {
			continue // previous run still going (dedup)
		}

		s.logger.Info("running scheduled workflow",
			slog.String("workflow", workflow),
			slog.Time("next_run", next))

		go func(workflow string) {
			defer s.release(workflow)
			if err := s.runner.RunScheduled(ctx, workflow); err != nil {
				s.logger.Error("scheduled run failed",
					slog.String("workflow", workflow),
					slog.String("error", err.Error()),
				)
			}
		}(workflow)
	}

	// Drop schedules for workflows that disappeared.
	s.nextMu.Lock()
	for workflow := range s.nextRun {
		if _, ok := schedules[workflow]; !ok {
			delete(s.nextRun, workflow)
		}
	}
	s.nextMu.Unlock()
}

// isDue reports whether the workflow's schedule has elapsed and advances
// its next-run time.
func (s *Scheduler) isDue(workflow, expr string, now time.Time) (bool, time.Time, error) {
	schedule, err := s.parser.Parse(expr)
	if err != nil {
		return false, time.Time{}, err
	}

	s.nextMu.Lock()
	defer s.nextMu.Unlock()

	next, seen := s.nextRun[workflow]
	if !seen {
		// First sighting: arm the schedule, don't fire retroactively.
		s.nextRun[workflow] = schedule.Next(now)
		return false, s.nextRun[workflow], nil
	}
	if next.After(now) {
		return false, next, nil
	}
	s.nextRun[workflow] = schedule.Next(now)
	return true, s.nextRun[workflow], nil
}

// tryAcquire returns true and marks the workflow in-flight if it is not
// already running.
func (s *Scheduler) tryAcquire(workflow string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[workflow]; ok {
		return false
	}
	s.inflight[workflow] = struct{}{}
	return true
}

func (s *Scheduler) release(workflow string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, workflow)
}

// NextRun computes the next fire time for a cron expression.
func (s *Scheduler) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
