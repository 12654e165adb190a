package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/internal/streaming"
	"github.com/rendis/flowrun/pkg/schema"
)

// tickInterval is how often the store is polled for due schedules. Cron has
// minute resolution, so polling faster buys nothing.
const tickInterval = time.Minute

// RunLauncher starts one run of a stored workflow. Satisfied by the serve
// wiring around the engine runner (avoids an import cycle).
type RunLauncher interface {
	LaunchScheduled(ctx context.Context, workflow string) error
}

// Submitter bounds how many scheduled runs execute at once. Satisfied by the
// engine worker pool; nil runs launches inline.
type Submitter interface {
	Submit(ctx context.Context, fn func(ctx context.Context) error) error
}

// ScheduleStore is the slice of store.Store the scheduler reads: scheduled
// workflow definitions plus each workflow's most recent run for missed-run
// detection.
type ScheduleStore interface {
	ListWorkflows(ctx context.Context, filter store.WorkflowFilter) ([]*store.Workflow, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error)
}

// scheduleEntry tracks one workflow's cron state between ticks.
type scheduleEntry struct {
	spec string
	next time.Time
}

// Scheduler polls the store for workflows with a cron schedule and launches
// the due ones. Next-run times are tracked in memory and recomputed whenever
// a schedule changes; restarts recover genuinely missed runs via the runs
// table (RecoverMissed).
type Scheduler struct {
	store    ScheduleStore
	launcher RunLauncher
	pool     Submitter
	hub      streaming.EventHub // optional, schedule_triggered/missed events
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	runningMu sync.Mutex
	running   map[string]struct{} // workflow names currently executing (dedup)

	nextMu sync.Mutex
	next   map[string]*scheduleEntry
}

// NewScheduler creates a Scheduler. pool and hub may be nil.
func NewScheduler(s ScheduleStore, launcher RunLauncher, pool Submitter, hub streaming.EventHub, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		launcher: launcher,
		pool:     pool,
		hub:      hub,
		logger:   logger,
		running:  make(map[string]struct{}),
		next:     make(map[string]*scheduleEntry),
	}
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return errors.New("scheduler already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel, s.done = cancel, make(chan struct{})

	go s.loop(loopCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", tickInterval))
	return nil
}

// loop ticks once right away, so schedules restored at startup are checked
// without waiting out a full interval, then once per tick until cancelled.
func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		s.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tick reconciles the tracked schedules against the store and launches every
// workflow whose fire time has passed.
func (s *Scheduler) tick(ctx context.Context) {
	scheduled := true
	workflows, err := s.store.ListWorkflows(ctx, store.WorkflowFilter{Scheduled: &scheduled})
	if err != nil {
		s.logger.Error("failed to list scheduled workflows", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, name := range s.reconcile(workflows, now) {
		s.launch(ctx, name, schema.EventScheduleTriggered)
	}
}

// reconcile updates the in-memory schedule entries from the stored workflows
// and returns the names due at now. A workflow seen for the first time (or
// with a changed cron spec) is primed for its next fire time, not run
// immediately; workflows deleted from the store drop out of tracking.
func (s *Scheduler) reconcile(workflows []*store.Workflow, now time.Time) []string {
	s.nextMu.Lock()
	defer s.nextMu.Unlock()

	seen := make(map[string]bool, len(workflows))
	var due []string
	for _, wf := range workflows {
		seen[wf.Name] = true

		entry, ok := s.next[wf.Name]
		if !ok || entry.spec != wf.Schedule {
			next, err := s.NextRun(wf.Schedule, now)
			if err != nil {
				s.logger.Warn("invalid schedule ignored",
					slog.String("workflow", wf.Name),
					slog.String("schedule", wf.Schedule),
					slog.String("error", err.Error()))
				delete(s.next, wf.Name)
				continue
			}
			s.next[wf.Name] = &scheduleEntry{spec: wf.Schedule, next: next}
			continue
		}

		if !entry.next.After(now) {
			due = append(due, wf.Name)
			next, err := s.NextRun(entry.spec, now)
			if err != nil {
				delete(s.next, wf.Name)
				continue
			}
			entry.next = next
		}
	}

	for name := range s.next {
		if !seen[name] {
			delete(s.next, name)
		}
	}
	return due
}

// launch starts one run of the named workflow, deduplicating against runs
// still in flight from a previous fire. With a pool configured the run
// executes on a pool worker (bounded concurrency, backpressure on Submit);
// without one it executes inline.
func (s *Scheduler) launch(ctx context.Context, workflow, eventType string) {
	if !s.tryAcquire(workflow) {
		s.logger.Debug("schedule fire skipped, previous run still in flight",
			slog.String("workflow", workflow))
		return
	}

	s.publish(ctx, workflow, eventType)
	s.logger.Info("launching scheduled run",
		slog.String("workflow", workflow),
		slog.String("event", eventType))

	run := func(runCtx context.Context) error {
		defer s.release(workflow)
		err := s.launcher.LaunchScheduled(runCtx, workflow)
		if err != nil {
			s.logger.Error("scheduled run failed",
				slog.String("workflow", workflow),
				slog.String("error", err.Error()))
		}
		return err
	}

	if s.pool == nil {
		_ = run(ctx)
		return
	}
	if err := s.pool.Submit(ctx, run); err != nil {
		s.release(workflow)
		s.logger.Error("failed to submit scheduled run",
			slog.String("workflow", workflow),
			slog.String("error", err.Error()))
	}
}

// tryAcquire returns true and marks the workflow in-flight if it is not
// already running.
func (s *Scheduler) tryAcquire(workflow string) bool {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	if _, ok := s.running[workflow]; ok {
		return false
	}
	s.running[workflow] = struct{}{}
	return true
}

// release removes the workflow from the in-flight set.
func (s *Scheduler) release(workflow string) {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	delete(s.running, workflow)
}

func (s *Scheduler) publish(ctx context.Context, workflow, eventType string) {
	if s.hub == nil {
		return
	}
	_ = s.hub.Publish(ctx, streaming.StreamEvent{
		Workflow:  workflow,
		EventType: eventType,
	})
}

// NextRun computes the next fire time of a cron expression after from.
// Standard five-field expressions and descriptors (@hourly, @daily, ...) are
// accepted, matching the validator.
func (s *Scheduler) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop halts the loop and waits for it to exit. Stopping a scheduler that
// never started is a no-op.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel, s.done = nil, nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed launches one catch-up run for every scheduled workflow whose
// cron fired after its most recent run, covering fire times lost to a process
// restart. Workflows that have never run wait for their first regular fire.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	scheduled := true
	workflows, err := s.store.ListWorkflows(ctx, store.WorkflowFilter{Scheduled: &scheduled})
	if err != nil {
		return fmt.Errorf("list scheduled workflows: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, wf := range workflows {
		runs, err := s.store.ListRuns(ctx, store.RunFilter{WorkflowName: wf.Name, Limit: 1})
		if err != nil {
			s.logger.Error("failed to check last run",
				slog.String("workflow", wf.Name),
				slog.String("error", err.Error()))
			continue
		}
		if len(runs) == 0 {
			continue
		}

		fire, err := s.NextRun(wf.Schedule, runs[0].CreatedAt)
		if err != nil {
			continue
		}
		if fire.Before(now) {
			s.launch(ctx, wf.Name, schema.EventScheduleMissed)
			recovered++
		}
	}

	if recovered > 0 {
		s.logger.Info("recovered missed scheduled runs", slog.Int("count", recovered))
	}
	return nil
}
