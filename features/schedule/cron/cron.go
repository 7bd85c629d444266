// Package cron triggers recurring agent runs on cron expressions or fixed
// intervals. The scheduler owns no run semantics; each entry is a trigger
// callback, typically a closure over runtime.Client.StartRun. Trigger
// failures are logged and counted, never propagated, so a failing run can
// not stop the schedule.
package cron

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ratchet-dev/ratchet/runtime/agent/telemetry"
)

// defaultTriggerTimeout bounds one trigger invocation.
const defaultTriggerTimeout = 5 * time.Minute

type (
	// Trigger fires one scheduled run.
	Trigger func(ctx context.Context) error

	// Scheduler runs triggers on recurring schedules.
	Scheduler struct {
		cron    *cron.Cron
		logger  telemetry.Logger
		metrics telemetry.Metrics
		timeout time.Duration

		mu      sync.Mutex
		entries map[string]cron.EntryID
		started bool
		ctx     context.Context
		cancel  context.CancelFunc
	}

	// Options configures New.
	Options struct {
		// Logger receives trigger diagnostics. Nil means no-op.
		Logger telemetry.Logger
		// Metrics counts trigger outcomes. Nil means no-op.
		Metrics telemetry.Metrics
		// TriggerTimeout bounds each trigger invocation. Zero means 5m.
		TriggerTimeout time.Duration
	}

	// constantDelay implements cron.Schedule for a fixed interval. Unlike
	// cron.Every it supports sub-second durations.
	constantDelay struct {
		delay time.Duration
	}
)

// New constructs a Scheduler.
func New(opts Options) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	timeout := opts.TriggerTimeout
	if timeout <= 0 {
		timeout = defaultTriggerTimeout
	}
	return &Scheduler{
		cron:    cron.New(),
		logger:  logger,
		metrics: metrics,
		timeout: timeout,
		entries: make(map[string]cron.EntryID),
	}
}

// Add schedules trigger under name. The spec is a five-field cron expression,
// a descriptor such as "@hourly", or a Go duration string. Adding an existing
// name is an error; remove it first.
func (s *Scheduler) Add(name, spec string, trigger Trigger) error {
	if name == "" {
		return errors.New("schedule/cron: entry name is required")
	}
	if trigger == nil {
		return errors.New("schedule/cron: trigger is required")
	}
	schedule, err := parseSchedule(spec)
	if err != nil {
		return fmt.Errorf("schedule/cron: entry %q: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[name]; exists {
		return fmt.Errorf("schedule/cron: entry %q already exists", name)
	}
	s.entries[name] = s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.fire(name, trigger)
	}))
	s.logger.Info(context.Background(), "schedule entry added", "entry", name, "spec", spec)
	return nil
}

// Remove deletes the entry. Removing an absent name is not an error.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
		delete(s.entries, name)
	}
}

// NextRun returns the next fire time for the entry, or the zero time when the
// entry does not exist or the scheduler is stopped.
func (s *Scheduler) NextRun(name string) time.Time {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

// Start begins firing entries. Triggers inherit ctx; canceling it stops
// in-flight triggers but not the schedule itself, which Stop ends.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
}

// Stop ends the schedule and waits for running triggers to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.cancel()
	<-s.cron.Stop().Done()
	s.started = false
}

// fire runs one trigger with panic containment. A panicking or failing
// trigger is recorded and the schedule keeps going.
func (s *Scheduler) fire(name string, trigger Trigger) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error(ctx, "scheduled trigger panicked", "entry", name, "panic", fmt.Sprint(r))
			s.metrics.IncCounter("schedule.trigger.failures", 1, "entry", name)
		}
	}()

	start := time.Now()
	if err := trigger(ctx); err != nil {
		s.logger.Warn(ctx, "scheduled trigger failed", "entry", name, "err", err, "duration", time.Since(start))
		s.metrics.IncCounter("schedule.trigger.failures", 1, "entry", name)
		return
	}
	s.logger.Debug(ctx, "scheduled trigger completed", "entry", name, "duration", time.Since(start))
	s.metrics.IncCounter("schedule.trigger.fires", 1, "entry", name)
}

// parseSchedule accepts a cron expression or descriptor first, then falls
// back to a Go duration.
func parseSchedule(spec string) (cron.Schedule, error) {
	if spec == "" {
		return nil, errors.New("empty schedule")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(spec); err == nil {
		return sched, nil
	}
	dur, err := time.ParseDuration(spec)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", spec)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", spec)
	}
	return &constantDelay{delay: dur}, nil
}

func (d *constantDelay) Next(t time.Time) time.Time {
	return t.Add(d.delay)
}
