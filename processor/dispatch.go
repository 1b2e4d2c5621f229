package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/GoCodeAlone/steward/executor"
	"github.com/GoCodeAlone/steward/task"
)

// Dispatch runs task id in the background. The run is detached from ctx's
// cancellation; failures and panics are logged, never propagated. Wait
// blocks until every dispatched run has finished.
func (p *Processor) Dispatch(ctx context.Context, id string) {
	ctx = context.WithoutCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.Run(ctx, id); err != nil {
			p.logger.Error("dispatched task", "task_id", id, "error", err)
		}
	}()
}

// Run executes task id, converting a panic into an error. A task left
// running by the panic is marked failed and reported.
func (p *Processor) Run(ctx context.Context, id string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", id, r)
			p.abandon(ctx, id, fmt.Sprintf("panic: %v", r))
		}
	}()
	_, err = p.ExecuteAndDeliver(ctx, id)
	if errors.Is(err, executor.ErrNotRunnable) {
		p.logger.Debug("task skipped", "task_id", id, "reason", err)
		return nil
	}
	return err
}

// abandon fails a task that a panic left running. Tasks in any other state
// already reached an outcome, and were reported if they ran.
func (p *Processor) abandon(ctx context.Context, id, reason string) {
	ctx = context.WithoutCancel(ctx)
	logger := p.logger.With("task_id", id)
	t, err := p.store.Get(ctx, id)
	if err != nil {
		logger.Error("load panicked task", "error", err)
		return
	}
	if t.Status != task.StatusRunning {
		return
	}
	if p.log != nil {
		if _, err := p.log.Append(t.LogPath, task.LogRecord{TaskID: t.ID, Role: task.LogError, Content: reason}); err != nil {
			logger.Error("append error record", "error", err)
		}
	}
	rep := &Report{TaskID: t.ID, Title: t.Title}
	_, _ = p.fail(ctx, t, rep, errors.New(reason))
	rep.Summary = summarize(rep)
	p.report(ctx, rep)
}

// Wait blocks until all dispatched runs complete.
func (p *Processor) Wait() {
	p.wg.Wait()
}
