// Package processor orchestrates one execution of a task: reasoning,
// validation, delivery, status, and reporting.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/GoCodeAlone/steward/conversation"
	"github.com/GoCodeAlone/steward/delivery"
	"github.com/GoCodeAlone/steward/executor"
	"github.com/GoCodeAlone/steward/notify"
	"github.com/GoCodeAlone/steward/task"
)

// Reasoner runs a task's reasoning step.
type Reasoner interface {
	Execute(ctx context.Context, t *task.Task) (*executor.Result, error)
}

// Deliverer sends a task's pending delivery actions.
type Deliverer interface {
	ExecuteDeliveryActions(ctx context.Context, t *task.Task, deliverable string) delivery.Outcome
}

// TurnAppender writes summary turns onto linked conversations.
type TurnAppender interface {
	AppendTurn(ctx context.Context, conversationID string, turn conversation.Turn) (*conversation.Turn, error)
}

// Observer is told about every finished execution attempt.
type Observer interface {
	Observe(ctx context.Context, r *Report)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, r *Report)

// Observe calls f.
func (f ObserverFunc) Observe(ctx context.Context, r *Report) { f(ctx, r) }

// Report describes one execution attempt.
type Report struct {
	TaskID      string            `json:"task_id"`
	Title       string            `json:"title"`
	Status      task.Status       `json:"status"`
	FastPath    bool              `json:"fast_path"`
	Work        string            `json:"work,omitempty"`
	Deliverable string            `json:"deliverable,omitempty"`
	Delivery    *delivery.Outcome `json:"delivery,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Summary     string            `json:"summary"`
	Task        *task.Task        `json:"task,omitempty"`
}

// Importance grades the report for the notification sink.
func (r *Report) Importance() notify.Importance {
	switch {
	case r.Status == task.StatusFailed, r.Status == task.StatusNeedsReview:
		return notify.ImportanceHigh
	case r.Delivery != nil && !r.Delivery.AllSucceeded:
		return notify.ImportanceNormal
	}
	return notify.ImportanceLow
}

// Options wires a Processor. Log receives the error record of a run
// aborted by a panic.
type Options struct {
	Store         task.Store
	Executor      Reasoner
	Delivery      Deliverer
	Conversations TurnAppender
	Observer      Observer
	Log           *task.ExecLog
	Logger        *slog.Logger
}

// Processor is the single entry point for running a task.
type Processor struct {
	store    task.Store
	exec     Reasoner
	deliver  Deliverer
	convs    TurnAppender
	observer Observer
	log      *task.ExecLog
	logger   *slog.Logger

	wg sync.WaitGroup
}

// New creates a Processor.
func New(opts Options) *Processor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:    opts.Store,
		exec:     opts.Executor,
		deliver:  opts.Delivery,
		convs:    opts.Conversations,
		observer: opts.Observer,
		log:      opts.Log,
		logger:   logger,
	}
}

// ExecuteAndDeliver runs task id once. Tasks whose pending deliveries are
// all pre-composed skip the brain. A returned error means the task was not
// runnable or ended failed; needs_review is reported without an error.
func (p *Processor) ExecuteAndDeliver(ctx context.Context, id string) (*Report, error) {
	t, err := p.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", id, err)
	}
	if t.Status != task.StatusPending {
		return nil, fmt.Errorf("task %s is %s: %w", id, t.Status, executor.ErrNotRunnable)
	}

	var rep *Report
	var runErr error
	if t.AllPrecomposed() {
		rep, runErr = p.fastPath(ctx, t)
	} else {
		rep, runErr = p.standardPath(ctx, t)
	}
	if rep == nil {
		return nil, runErr
	}
	rep.Summary = summarize(rep)
	p.report(ctx, rep)
	return rep, runErr
}

func (p *Processor) fastPath(ctx context.Context, t *task.Task) (*Report, error) {
	cur, err := p.store.Claim(ctx, t.ID)
	if errors.Is(err, task.ErrNotPending) {
		return nil, fmt.Errorf("%w: %w", executor.ErrNotRunnable, err)
	}
	if err != nil {
		return nil, fmt.Errorf("start task %s: %w", t.ID, err)
	}
	p.logger.Info("task fast path", "task_id", cur.ID)
	rep := &Report{TaskID: cur.ID, Title: cur.Title, FastPath: true}
	outcome := p.deliver.ExecuteDeliveryActions(ctx, cur, "")
	return p.finish(ctx, cur, rep, outcome)
}

func (p *Processor) standardPath(ctx context.Context, t *task.Task) (*Report, error) {
	res, err := p.exec.Execute(ctx, t)
	if res == nil {
		return nil, err
	}
	rep := &Report{
		TaskID:      t.ID,
		Title:       t.Title,
		Status:      res.Status,
		Work:        res.Work,
		Deliverable: res.Deliverable,
		Reason:      res.Reason,
		Task:        res.Task,
	}
	if err != nil || !res.Success() {
		return rep, err
	}
	outcome := p.deliver.ExecuteDeliveryActions(ctx, res.Task, res.Deliverable)
	return p.finish(ctx, res.Task, rep, outcome)
}

// finish merges delivery outcomes into the task and marks it completed.
func (p *Processor) finish(ctx context.Context, cur *task.Task, rep *Report, outcome delivery.Outcome) (*Report, error) {
	rep.Delivery = &outcome
	merged := mergeOutcome(cur.Delivery, outcome)
	completed := task.StatusCompleted
	updated, err := p.store.Update(ctx, cur.ID, task.Patch{Status: &completed, Delivery: &merged})
	if err != nil {
		return p.fail(ctx, cur, rep, fmt.Errorf("complete task: %w", err))
	}
	rep.Status = task.StatusCompleted
	rep.Task = updated
	return rep, nil
}

func (p *Processor) fail(ctx context.Context, cur *task.Task, rep *Report, cause error) (*Report, error) {
	ctx = context.WithoutCancel(ctx)
	status := task.StatusFailed
	reason := cause.Error()
	updated, err := p.store.Update(ctx, cur.ID, task.Patch{Status: &status, Error: &reason})
	if err != nil {
		p.logger.Error("mark task failed", "task_id", cur.ID, "error", err)
		updated = cur
	}
	rep.Status = task.StatusFailed
	rep.Reason = reason
	rep.Task = updated
	return rep, cause
}

// mergeOutcome copies per-action results onto the delivery list. Only the
// status of pending actions changes, and only to completed or failed; the
// resolved recipient stays in the Outcome.
func mergeOutcome(actions []task.DeliveryAction, outcome delivery.Outcome) []task.DeliveryAction {
	out := append([]task.DeliveryAction(nil), actions...)
	for _, r := range outcome.Results {
		if r.Index < 0 || r.Index >= len(out) || out[r.Index].Status != task.ItemPending {
			continue
		}
		if r.Success {
			out[r.Index].Status = task.ItemCompleted
		} else {
			out[r.Index].Status = task.ItemFailed
		}
	}
	return out
}

// report writes the summary onto linked conversations and calls the
// observer exactly once.
func (p *Processor) report(ctx context.Context, rep *Report) {
	ctx = context.WithoutCancel(ctx)
	logger := p.logger.With("task_id", rep.TaskID)
	if p.convs != nil {
		links, err := p.store.ConversationsForTask(ctx, rep.TaskID)
		if err != nil {
			logger.Warn("load conversation links", "error", err)
		}
		for _, l := range links {
			_, err := p.convs.AppendTurn(ctx, l.ConversationID, conversation.Turn{
				Role:      conversation.RoleAssistant,
				Direction: conversation.DirectionInternal,
				Content:   rep.Summary,
				TaskID:    rep.TaskID,
			})
			if err != nil {
				logger.Warn("append task summary", "conversation_id", l.ConversationID, "error", err)
			}
		}
	}
	logger.Info("task finished", "status", rep.Status, "fast_path", rep.FastPath)
	if p.observer != nil {
		p.observer.Observe(ctx, rep)
	}
}

// summarize renders a plain-language account of the attempt.
func summarize(rep *Report) string {
	var b strings.Builder
	switch rep.Status {
	case task.StatusCompleted:
		fmt.Fprintf(&b, "Task %q completed.", rep.Title)
	case task.StatusNeedsReview:
		fmt.Fprintf(&b, "Task %q needs review: %s. No messages were sent.", rep.Title, rep.Reason)
		return b.String()
	case task.StatusFailed:
		fmt.Fprintf(&b, "Task %q failed: %s.", rep.Title, rep.Reason)
		return b.String()
	default:
		fmt.Fprintf(&b, "Task %q ended %s.", rep.Title, rep.Status)
		return b.String()
	}
	if rep.Delivery == nil || len(rep.Delivery.Results) == 0 {
		return b.String()
	}
	var sent, failed []string
	for _, r := range rep.Delivery.Results {
		if r.Success {
			sent = append(sent, r.Channel)
		} else {
			failed = append(failed, fmt.Sprintf("%s (%s)", r.Channel, r.Error))
		}
	}
	if len(sent) > 0 {
		fmt.Fprintf(&b, " Delivered to %s.", strings.Join(sent, ", "))
	}
	if len(failed) > 0 {
		fmt.Fprintf(&b, " %d of %d deliveries failed: %s.", len(failed), len(rep.Delivery.Results), strings.Join(failed, "; "))
	}
	return b.String()
}
