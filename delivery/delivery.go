// Package delivery sends a task's validated output to its delivery channels.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/GoCodeAlone/steward/conversation"
	"github.com/GoCodeAlone/steward/task"
)

// ErrNoContent is reported for an action that expects brain-written text
// when no deliverable was produced.
var ErrNoContent = errors.New("no content to deliver")

// Channels sends a message on a channel and returns the recipient used.
type Channels interface {
	Send(ctx context.Context, channelID, recipient, message string) (string, error)
}

// Conversations is the subset of the conversation store used to mirror
// outbound messages.
type Conversations interface {
	MostRecent(ctx context.Context, channelID string) (*conversation.Conversation, error)
	AppendTurn(ctx context.Context, conversationID string, turn conversation.Turn) (*conversation.Turn, error)
}

// ActionResult is the outcome of one delivery action.
type ActionResult struct {
	Index     int    `json:"index"`
	Channel   string `json:"channel"`
	Recipient string `json:"recipient,omitempty"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// Outcome summarizes a delivery run.
type Outcome struct {
	AllSucceeded bool           `json:"all_succeeded"`
	Results      []ActionResult `json:"results"`
}

// Failed returns how many actions failed.
func (o Outcome) Failed() int {
	n := 0
	for _, r := range o.Results {
		if !r.Success {
			n++
		}
	}
	return n
}

// Executor dispatches delivery actions to channels.
type Executor struct {
	channels      Channels
	conversations Conversations
	logger        *slog.Logger
}

// New creates a delivery Executor. conversations may be nil.
func New(channels Channels, conversations Conversations, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{channels: channels, conversations: conversations, logger: logger}
}

// ExecuteDeliveryActions sends every pending action of t in order.
// Pre-composed actions carry their own text; the rest receive deliverable.
// A failing action never stops the others and never returns an error.
func (e *Executor) ExecuteDeliveryActions(ctx context.Context, t *task.Task, deliverable string) Outcome {
	out := Outcome{AllSucceeded: true}
	for _, i := range t.PendingDeliveries() {
		a := t.Delivery[i]
		res := ActionResult{Index: i, Channel: a.Channel}

		content := a.Content
		if !a.Precomposed() {
			content = deliverable
		}
		if content == "" {
			res.Error = ErrNoContent.Error()
		} else {
			to, err := e.channels.Send(ctx, a.Channel, a.Recipient, content)
			res.Recipient = to
			if err != nil {
				res.Error = err.Error()
			} else {
				res.Success = true
				e.mirror(ctx, t.ID, a.Channel, content)
			}
		}

		if !res.Success {
			out.AllSucceeded = false
			e.logger.Warn("delivery failed", "task_id", t.ID, "channel", a.Channel, "error", res.Error)
		} else {
			e.logger.Info("delivered", "task_id", t.ID, "channel", a.Channel, "recipient", res.Recipient)
		}
		out.Results = append(out.Results, res)
	}
	return out
}

// mirror appends a sent message to the channel's live conversation. Errors
// are logged only; the message has already gone out.
func (e *Executor) mirror(ctx context.Context, taskID, channelID, content string) {
	if e.conversations == nil {
		return
	}
	conv, err := e.conversations.MostRecent(ctx, channelID)
	if errors.Is(err, conversation.ErrNotFound) {
		return
	}
	if err == nil {
		_, err = e.conversations.AppendTurn(ctx, conv.ID, conversation.Turn{
			Role:      conversation.RoleAssistant,
			Direction: conversation.DirectionOutbound,
			Content:   content,
			TaskID:    taskID,
		})
	}
	if err != nil {
		e.logger.Warn("mirror delivery to conversation", "task_id", taskID, "channel", channelID, "error", fmt.Errorf("append turn: %w", err))
	}
}
