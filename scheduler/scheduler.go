// Package scheduler polls the task store for due scheduled tasks and hands
// them to the processor.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/GoCodeAlone/steward/task"
)

// InterruptedReason is recorded on tasks found running at startup.
const InterruptedReason = "interrupted: process restarted while running"

// Runner executes one task.
type Runner interface {
	Run(ctx context.Context, id string) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, id string) error

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, id string) error { return f(ctx, id) }

// Options wires a Scheduler.
type Options struct {
	Store  task.Store
	Runner Runner
	// Log receives an error record for every reconciled task. Optional.
	Log *task.ExecLog
	// PollInterval defaults to 30s.
	PollInterval time.Duration
	// Reconcile marks tasks left running by a previous process as failed
	// before the first sweep.
	Reconcile bool
	Logger    *slog.Logger
}

// Stats reports scheduler activity.
type Stats struct {
	Running    bool      `json:"running"`
	LastSweep  time.Time `json:"last_sweep,omitempty"`
	Sweeps     int       `json:"sweeps"`
	Dispatched int       `json:"dispatched"`
	Failures   int       `json:"failures"`
	Reconciled int       `json:"reconciled"`
}

// Scheduler is a single-instance polling loop.
type Scheduler struct {
	store     task.Store
	runner    Runner
	log       *task.ExecLog
	interval  time.Duration
	reconcile bool
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	stats  Stats
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Scheduler.
func New(opts Options) *Scheduler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scheduler{
		store:     opts.Store,
		runner:    opts.Runner,
		log:       opts.Log,
		interval:  opts.PollInterval,
		reconcile: opts.Reconcile,
		logger:    opts.Logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Start runs the loop in the background until Stop or ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	return nil
}

// Stop cancels the loop and waits for the current sweep to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run reconciles (when enabled), sweeps once immediately, then sweeps on
// every tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.setRunning(true)
	defer s.setRunning(false)

	if s.reconcile {
		if _, err := s.Reconcile(ctx); err != nil {
			s.logger.Error("reconcile running tasks", "error", err)
		}
	}
	s.logger.Info("scheduler started", "interval", s.interval)

	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Error("sweep", "error", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("sweep", "error", err)
			}
		}
	}
}

// Sweep runs every due scheduled task once, sequentially. A failing or
// panicking task is logged and does not stop the sweep. It returns how many
// tasks were handed to the runner.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	due, err := s.store.ListDue(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("list due tasks: %w", err)
	}
	n, failures := 0, 0
	for _, t := range due {
		if ctx.Err() != nil {
			break
		}
		if t.Type != task.TypeScheduled || t.Status != task.StatusPending {
			continue
		}
		n++
		if err := s.runOne(ctx, t.ID); err != nil {
			failures++
			s.logger.Error("scheduled task failed", "task_id", t.ID, "error", err)
		}
	}

	s.mu.Lock()
	s.stats.Sweeps++
	s.stats.LastSweep = s.now()
	s.stats.Dispatched += n
	s.stats.Failures += failures
	s.mu.Unlock()
	if n > 0 {
		s.logger.Info("sweep finished", "dispatched", n, "failures", failures)
	}
	return n, nil
}

func (s *Scheduler) runOne(ctx context.Context, id string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.runner.Run(ctx, id)
}

// Reconcile marks every task still running as failed. It is meant to run
// before the first sweep, when no execution can legitimately be in flight.
func (s *Scheduler) Reconcile(ctx context.Context) (int, error) {
	stale, err := s.store.List(ctx, task.Filter{Status: task.StatusRunning})
	if err != nil {
		return 0, fmt.Errorf("list running tasks: %w", err)
	}
	failed := task.StatusFailed
	reason := InterruptedReason
	n := 0
	for _, t := range stale {
		if _, err := s.store.Update(ctx, t.ID, task.Patch{Status: &failed, Error: &reason}); err != nil {
			s.logger.Error("reconcile task", "task_id", t.ID, "error", err)
			continue
		}
		if s.log != nil {
			if _, err := s.log.Append(t.LogPath, task.LogRecord{TaskID: t.ID, Role: task.LogError, Content: reason}); err != nil {
				s.logger.Warn("append reconcile record", "task_id", t.ID, "error", err)
			}
		}
		s.logger.Warn("task interrupted by restart", "task_id", t.ID)
		n++
	}
	s.mu.Lock()
	s.stats.Reconciled += n
	s.mu.Unlock()
	return n, nil
}

// Stats returns a snapshot of scheduler activity.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Scheduler) setRunning(v bool) {
	s.mu.Lock()
	s.stats.Running = v
	s.mu.Unlock()
}
