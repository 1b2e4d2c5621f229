package processor

import (
	"context"
	"log/slog"

	"github.com/GoCodeAlone/steward/comms"
	"github.com/GoCodeAlone/steward/notify"
)

// Broadcaster publishes each report on the event bus for live consumers and
// raises it through the notification sink.
type Broadcaster struct {
	Bus    comms.Bus
	Sink   notify.Sink
	Logger *slog.Logger
}

// Observe implements Observer.
func (b Broadcaster) Observe(ctx context.Context, r *Report) {
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if b.Bus != nil {
		err := b.Bus.Publish(ctx, &comms.Event{
			Type:    comms.TypeTaskExecuted,
			TaskID:  r.TaskID,
			Status:  string(r.Status),
			Payload: r,
		})
		if err != nil {
			logger.Warn("broadcast task result", "task_id", r.TaskID, "error", err)
		}
	}
	if b.Sink != nil {
		err := b.Sink.Notify(ctx, notify.Notification{
			Message:    r.Summary,
			Importance: r.Importance(),
			TaskID:     r.TaskID,
		})
		if err != nil {
			logger.Warn("notify task result", "task_id", r.TaskID, "error", err)
		}
	}
}
