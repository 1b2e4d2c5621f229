// Package executor runs the reasoning step of a task against the brain.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/GoCodeAlone/steward/provider"
	"github.com/GoCodeAlone/steward/task"
)

// ErrNotRunnable is returned when a task cannot be moved to running.
var ErrNotRunnable = errors.New("task is not runnable")

// Config tunes the Executor.
type Config struct {
	// SystemPrompt is sent when a fresh brain session is started.
	SystemPrompt string
	// HistoryTurns is how many prior log turns a recurring task replays
	// into a fresh session.
	HistoryTurns int
}

// Result is the outcome of one execution attempt.
type Result struct {
	// Task is the stored task after execution.
	Task *task.Task
	// Status is running when the reasoning succeeded and delivery may
	// proceed, otherwise needs_review or failed.
	Status      task.Status
	Work        string
	Deliverable string
	// HasDeliverable reports whether the response contained a deliverable block.
	HasDeliverable bool
	// Resumed reports whether a stored brain session was continued.
	Resumed bool
	// Reason explains a needs_review or failed outcome.
	Reason string
}

// Success reports whether delivery may proceed.
func (r *Result) Success() bool { return r.Status == task.StatusRunning }

// Executor produces work and a validated deliverable for one task.
type Executor struct {
	store    task.Store
	log      *task.ExecLog
	brain    provider.Provider
	channels ChannelLookup
	cfg      Config
	logger   *slog.Logger
}

// New creates an Executor.
func New(store task.Store, log *task.ExecLog, brain provider.Provider, channels ChannelLookup, cfg Config, logger *slog.Logger) *Executor {
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{store: store, log: log, brain: brain, channels: channels, cfg: cfg, logger: logger}
}

// Execute runs the task's reasoning step. A returned error means the task
// was marked failed (or never left pending); the Result is still populated
// when the task reached running.
func (e *Executor) Execute(ctx context.Context, t *task.Task) (*Result, error) {
	cur, err := e.store.Claim(ctx, t.ID)
	if errors.Is(err, task.ErrNotPending) {
		return nil, fmt.Errorf("%w: %w", ErrNotRunnable, err)
	}
	if err != nil {
		return nil, fmt.Errorf("start task %s: %w", t.ID, err)
	}
	logger := e.logger.With("task_id", cur.ID)
	logger.Info("task started", "title", cur.Title, "type", cur.Type)

	var prior []task.LogRecord
	if cur.RecurrenceID != "" {
		prior, err = e.log.Recent(cur.LogPath, e.cfg.HistoryTurns)
		if err != nil {
			return e.fail(ctx, cur, fmt.Errorf("load prior turns: %w", err))
		}
	}

	taskPrompt := BuildPrompt(cur, e.channels)
	sent, res, resumed, err := e.query(ctx, cur, taskPrompt, prior, logger)
	if err != nil {
		return e.fail(ctx, cur, err)
	}
	if res.SessionToken != "" {
		if err := e.store.SetBackendToken(ctx, cur.SessionID, res.SessionToken); err != nil {
			return e.fail(ctx, cur, fmt.Errorf("store session token: %w", err))
		}
	}

	if _, err := e.log.Append(cur.LogPath, task.LogRecord{TaskID: cur.ID, Role: task.LogUser, Content: sent}); err != nil {
		return e.fail(ctx, cur, err)
	}
	if _, err := e.log.Append(cur.LogPath, task.LogRecord{TaskID: cur.ID, Role: task.LogAssistant, Content: res.Text}); err != nil {
		return e.fail(ctx, cur, err)
	}

	parsed := ParseResponse(res.Text)
	result := &Result{
		Work:           parsed.Work,
		Deliverable:    parsed.Deliverable,
		HasDeliverable: parsed.Found,
		Resumed:        resumed,
	}

	if cur.NeedsDeliverable() {
		if verr := parsed.Validate(); verr != nil {
			reason := verr.Error()
			status := task.StatusNeedsReview
			updated, err := e.store.Update(ctx, cur.ID, task.Patch{Status: &status, Error: &reason})
			if err != nil {
				return e.fail(ctx, cur, fmt.Errorf("mark needs_review: %w", err))
			}
			logger.Warn("task needs review", "reason", reason)
			result.Task = updated
			result.Status = task.StatusNeedsReview
			result.Reason = reason
			return result, nil
		}
	}

	work := make([]task.WorkItem, len(cur.Work))
	for i, w := range cur.Work {
		w.Status = task.ItemCompleted
		work[i] = w
	}
	updated, err := e.store.Update(ctx, cur.ID, task.Patch{Work: &work})
	if err != nil {
		return e.fail(ctx, cur, fmt.Errorf("record work: %w", err))
	}
	logger.Info("task reasoning complete", "resumed", resumed, "has_deliverable", parsed.Found)
	result.Task = updated
	result.Status = task.StatusRunning
	return result, nil
}

// query runs the prompt, resuming the stored backend session when there is
// one and falling back to a fresh session if the resume fails. It returns
// the prompt actually sent.
func (e *Executor) query(ctx context.Context, t *task.Task, taskPrompt string, prior []task.LogRecord, logger *slog.Logger) (string, provider.Result, bool, error) {
	token, err := e.store.BackendToken(ctx, t.SessionID)
	if err != nil {
		return "", provider.Result{}, false, fmt.Errorf("load session token: %w", err)
	}
	if token != "" {
		res, err := provider.Ask(ctx, e.brain, provider.Request{Prompt: taskPrompt, ResumeToken: token})
		if err == nil {
			return taskPrompt, res, true, nil
		}
		if ctx.Err() != nil {
			return "", provider.Result{}, false, err
		}
		logger.Warn("session resume failed, starting fresh", "session_id", t.SessionID, "error", err)
		if err := e.store.ClearBackendToken(ctx, t.SessionID); err != nil {
			return "", provider.Result{}, false, fmt.Errorf("clear session token: %w", err)
		}
	}

	prompt := contextPreamble(prior) + taskPrompt
	res, err := provider.Ask(ctx, e.brain, provider.Request{Prompt: prompt, System: e.cfg.SystemPrompt})
	if err != nil {
		return "", provider.Result{}, false, fmt.Errorf("query %s: %w", e.brain.Name(), err)
	}
	return prompt, res, false, nil
}

// fail records cause in the execution log and marks the task failed.
func (e *Executor) fail(ctx context.Context, t *task.Task, cause error) (*Result, error) {
	ctx = context.WithoutCancel(ctx)
	logger := e.logger.With("task_id", t.ID)
	if _, err := e.log.Append(t.LogPath, task.LogRecord{TaskID: t.ID, Role: task.LogError, Content: cause.Error()}); err != nil {
		logger.Error("append error record", "error", err)
	}
	status := task.StatusFailed
	reason := cause.Error()
	updated, err := e.store.Update(ctx, t.ID, task.Patch{Status: &status, Error: &reason})
	if err != nil {
		logger.Error("mark task failed", "error", err)
		updated = t
	}
	logger.Error("task failed", "error", cause)
	return &Result{Task: updated, Status: task.StatusFailed, Reason: reason}, cause
}
