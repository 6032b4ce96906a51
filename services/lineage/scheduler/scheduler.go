// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scheduler runs named maintenance tasks on fixed intervals.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

var (
	// ErrAlreadyRunning is returned by Start on a running scheduler.
	ErrAlreadyRunning = errors.New("scheduler is already running")

	// ErrUnknownTask is returned by RunNow for an unregistered name.
	ErrUnknownTask = errors.New("unknown task")

	// ErrDuplicateTask is returned when a name is registered twice.
	ErrDuplicateTask = errors.New("task already registered")
)

// TaskFunc is the body of a task. A returned error is logged and the task
// runs again on its next tick.
type TaskFunc func(ctx context.Context) error

// Task is a named periodic job.
type Task struct {
	// Name identifies the task. Required and unique.
	Name string

	// Interval between runs. Must be positive.
	Interval time.Duration

	// Run is the task body. Required.
	Run TaskFunc

	// RunOnStart runs the task once as soon as it starts.
	RunOnStart bool

	// Timeout bounds a single run. Zero means no bound beyond the
	// scheduler context.
	Timeout time.Duration
}

// TaskStatus reports the history of one task.
type TaskStatus struct {
	Name         string        `json:"name"`
	Interval     time.Duration `json:"interval"`
	Active       bool          `json:"active"`
	Runs         int64         `json:"runs"`
	Failures     int64         `json:"failures"`
	LastRun      time.Time     `json:"last_run,omitzero"`
	LastDuration time.Duration `json:"last_duration"`
	LastError    string        `json:"last_error,omitempty"`
}

type task struct {
	Task

	// runMu serializes runs of the same task (tick vs RunNow).
	runMu sync.Mutex

	mu     sync.Mutex
	status TaskStatus
}

// Scheduler owns the goroutines of its tasks.
//
// # Description
//
// Each task runs in its own goroutine using the ticker + done channel
// pattern. Failures and panics are logged and never stop the task.
//
// # Thread Safety
//
// All public methods are safe for concurrent use.
type Scheduler struct {
	logger *slog.Logger

	mu      sync.Mutex
	tasks   map[string]*task
	order   []string
	running bool
	ctx     context.Context
	done    chan struct{}
	wg      sync.WaitGroup
}

// Option is a functional option for configuring Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// New creates a stopped scheduler with no tasks.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		logger: slog.Default(),
		tasks:  make(map[string]*task),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "scheduler")
	return s
}

// Register adds a task. On a running scheduler the task starts at once.
//
// # Errors
//
//   - ErrDuplicateTask: name already registered.
//   - Validation errors for an empty name, nil body or non-positive interval.
func (s *Scheduler) Register(t Task) error {
	if t.Name == "" {
		return fmt.Errorf("task name is required")
	}
	if t.Run == nil {
		return fmt.Errorf("task %q: run function is required", t.Name)
	}
	if t.Interval <= 0 {
		return fmt.Errorf("task %q: interval must be positive, got %s", t.Name, t.Interval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[t.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, t.Name)
	}
	tk := &task{Task: t, status: TaskStatus{Name: t.Name, Interval: t.Interval}}
	s.tasks[t.Name] = tk
	s.order = append(s.order, t.Name)

	if s.running {
		s.launchLocked(tk)
	}
	return nil
}

// Start launches every registered task.
//
// # Inputs
//
//   - ctx: Cancelling ctx stops every task, like Stop.
//
// # Errors
//
//   - ErrAlreadyRunning: Start was called twice without Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}
	s.running = true
	s.ctx = ctx
	s.done = make(chan struct{})

	for _, name := range s.order {
		s.launchLocked(s.tasks[name])
	}
	s.logger.Info("scheduler started", "tasks", len(s.order))
	return nil
}

// Stop signals every task to stop and waits for in-progress runs to
// finish. Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	close(s.done)
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Running reports whether Start has been called without Stop.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RunNow runs a task immediately, outside its schedule, and returns its
// error. The schedule is not affected.
//
// # Errors
//
//   - ErrUnknownTask: no task with that name.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	tk, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return s.execute(ctx, tk)
}

// ActiveTasks returns the names of tasks whose goroutine is running, in
// registration order.
func (s *Scheduler) ActiveTasks() []string {
	s.mu.Lock()
	tasks := make([]*task, 0, len(s.order))
	for _, name := range s.order {
		tasks = append(tasks, s.tasks[name])
	}
	s.mu.Unlock()

	var out []string
	for _, tk := range tasks {
		tk.mu.Lock()
		if tk.status.Active {
			out = append(out, tk.Name)
		}
		tk.mu.Unlock()
	}
	return out
}

// Status returns the status of every task, in registration order.
func (s *Scheduler) Status() []TaskStatus {
	s.mu.Lock()
	names := slices.Clone(s.order)
	tasks := make([]*task, len(names))
	for i, name := range names {
		tasks[i] = s.tasks[name]
	}
	s.mu.Unlock()

	out := make([]TaskStatus, len(tasks))
	for i, tk := range tasks {
		tk.mu.Lock()
		out[i] = tk.status
		tk.mu.Unlock()
	}
	return out
}

// launchLocked starts the goroutine of one task. s.mu must be held.
func (s *Scheduler) launchLocked(tk *task) {
	tk.mu.Lock()
	tk.status.Active = true
	tk.mu.Unlock()

	s.wg.Add(1)
	go s.runLoop(s.ctx, s.done, tk)
}

// runLoop runs one task until the scheduler stops.
func (s *Scheduler) runLoop(ctx context.Context, done <-chan struct{}, tk *task) {
	defer s.wg.Done()
	defer func() {
		tk.mu.Lock()
		tk.status.Active = false
		tk.mu.Unlock()
	}()

	ticker := time.NewTicker(tk.Interval)
	defer ticker.Stop()

	if tk.RunOnStart {
		s.executeLogged(ctx, tk)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("task stopped (context cancelled)", "task", tk.Name)
			return
		case <-done:
			s.logger.Debug("task stopped (stop requested)", "task", tk.Name)
			return
		case <-ticker.C:
			s.executeLogged(ctx, tk)
		}
	}
}

// executeLogged runs a task and logs its failure.
func (s *Scheduler) executeLogged(ctx context.Context, tk *task) {
	if err := s.execute(ctx, tk); err != nil {
		s.logger.Error("task failed", "task", tk.Name, "error", err)
	}
}

// execute runs a task once, recording its status and recovering panics.
func (s *Scheduler) execute(ctx context.Context, tk *task) (err error) {
	tk.runMu.Lock()
	defer tk.runMu.Unlock()

	if tk.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, tk.Timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", tk.Name, r)
		}
		d := time.Since(start)
		taskRuns.WithLabelValues(tk.Name, outcome(err)).Inc()
		taskDuration.WithLabelValues(tk.Name).Observe(d.Seconds())

		tk.mu.Lock()
		tk.status.Runs++
		tk.status.LastRun = start
		tk.status.LastDuration = d
		tk.status.LastError = ""
		if err != nil {
			tk.status.Failures++
			tk.status.LastError = err.Error()
		}
		tk.mu.Unlock()
	}()

	s.logger.Debug("task running", "task", tk.Name)
	return tk.Run(ctx)
}

func outcome(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
