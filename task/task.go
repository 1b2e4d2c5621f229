// Package task defines the task model, its state machine, and persistence.
package task

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Type distinguishes tasks run on creation from tasks run when due.
type Type string

const (
	TypeImmediate Type = "immediate"
	TypeScheduled Type = "scheduled"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending     Status = "pending"
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusNeedsReview Status = "needs_review"
	StatusPaused      Status = "paused"
	StatusDeleted     Status = "deleted"
)

// Terminal reports whether no further execution can happen in this state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusNeedsReview, StatusDeleted:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed,
		StatusNeedsReview, StatusPaused, StatusDeleted:
		return true
	}
	return false
}

// transitions lists the allowed forward moves. StatusDeleted is reachable
// from every state and handled separately in CanTransition.
var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusPaused},
	StatusPaused:  {StatusPending},
	StatusRunning: {StatusCompleted, StatusFailed, StatusNeedsReview},
}

// CanTransition reports whether a task may move from one status to another.
// Staying in the same status is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	if from == StatusDeleted {
		return false
	}
	if to == StatusDeleted {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ItemStatus tracks a single work item or delivery action.
type ItemStatus string

const (
	ItemPending   ItemStatus = "pending"
	ItemCompleted ItemStatus = "completed"
	ItemFailed    ItemStatus = "failed"
)

// SourceType tags where a task came from.
type SourceType string

const (
	SourceConversation SourceType = "conversation"
	SourceCalendar     SourceType = "calendar"
	SourceManual       SourceType = "manual"
)

// Actor identifies who created a task.
type Actor string

const (
	ActorAgent  Actor = "agent"
	ActorUser   Actor = "user"
	ActorSystem Actor = "system"
)

// WorkItem is an advisory unit of reasoning the brain should perform.
type WorkItem struct {
	Description string     `json:"description"`
	Status      ItemStatus `json:"status"`
}

// DeliveryAction is one outbound send. A non-empty Content means the text
// was composed up front and the brain is not consulted for it.
type DeliveryAction struct {
	Channel   string     `json:"channel"`
	Recipient string     `json:"recipient,omitempty"`
	Content   string     `json:"content,omitempty"`
	Status    ItemStatus `json:"status"`
}

// Precomposed reports whether the action carries its own content.
func (a DeliveryAction) Precomposed() bool { return a.Content != "" }

// Task is a unit of immediate or scheduled work with delivery obligations.
type Task struct {
	ID             string           `json:"id"`
	Type           Type             `json:"type"`
	SourceType     SourceType       `json:"source_type"`
	SourceRef      string           `json:"source_ref,omitempty"`
	Title          string           `json:"title"`
	Instructions   string           `json:"instructions"`
	Work           []WorkItem       `json:"work"`
	Delivery       []DeliveryAction `json:"delivery"`
	Status         Status           `json:"status"`
	SessionID      string           `json:"session_id"`
	RecurrenceID   string           `json:"recurrence_id,omitempty"`
	OccurrenceDate string           `json:"occurrence_date,omitempty"`
	ScheduledFor   *time.Time       `json:"scheduled_for,omitempty"`
	Created        time.Time        `json:"created"`
	UpdatedAt      time.Time        `json:"updated_at"`
	StartedAt      *time.Time       `json:"started_at,omitempty"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
	DeletedAt      *time.Time       `json:"deleted_at,omitempty"`
	CreatedBy      Actor            `json:"created_by"`
	LogPath        string           `json:"log_path"`
	Error          string           `json:"error,omitempty"`
}

// PendingDeliveries returns the indexes of delivery actions still pending.
func (t *Task) PendingDeliveries() []int {
	var idx []int
	for i, a := range t.Delivery {
		if a.Status == ItemPending {
			idx = append(idx, i)
		}
	}
	return idx
}

// NeedsDeliverable reports whether any pending delivery action expects the
// brain to write its text.
func (t *Task) NeedsDeliverable() bool {
	for _, a := range t.Delivery {
		if a.Status == ItemPending && !a.Precomposed() {
			return true
		}
	}
	return false
}

// AllPrecomposed reports whether there is at least one pending delivery and
// every pending delivery already carries its content.
func (t *Task) AllPrecomposed() bool {
	pending := t.PendingDeliveries()
	if len(pending) == 0 {
		return false
	}
	for _, i := range pending {
		if !t.Delivery[i].Precomposed() {
			return false
		}
	}
	return true
}

// CreateInput holds the caller-supplied fields of a new task.
type CreateInput struct {
	Type           Type             `json:"type"`
	SourceType     SourceType       `json:"source_type"`
	SourceRef      string           `json:"source_ref,omitempty"`
	Title          string           `json:"title"`
	Instructions   string           `json:"instructions"`
	Work           []WorkItem       `json:"work"`
	Delivery       []DeliveryAction `json:"delivery"`
	RecurrenceID   string           `json:"recurrence_id,omitempty"`
	OccurrenceDate string           `json:"occurrence_date,omitempty"`
	ScheduledFor   *time.Time       `json:"scheduled_for,omitempty"`
	CreatedBy      Actor            `json:"created_by"`
	Status         Status           `json:"status,omitempty"`
}

// Validate checks the input and fills defaults.
func (in *CreateInput) Validate() error {
	if in.Title == "" {
		return errors.New("title is required")
	}
	switch in.Type {
	case "":
		in.Type = TypeImmediate
	case TypeImmediate, TypeScheduled:
	default:
		return fmt.Errorf("unknown task type %q", in.Type)
	}
	if in.Type == TypeImmediate && in.ScheduledFor != nil {
		return errors.New("immediate tasks cannot have scheduled_for")
	}
	switch in.Status {
	case "":
		in.Status = StatusPending
	case StatusPending, StatusPaused:
	default:
		return fmt.Errorf("new tasks must start pending or paused, got %q", in.Status)
	}
	if in.SourceType == "" {
		in.SourceType = SourceManual
	}
	if in.CreatedBy == "" {
		in.CreatedBy = ActorUser
	}
	if (in.RecurrenceID == "") != (in.OccurrenceDate == "") {
		return errors.New("recurrence_id and occurrence_date must be set together")
	}
	for i := range in.Work {
		if in.Work[i].Status == "" {
			in.Work[i].Status = ItemPending
		}
	}
	for i := range in.Delivery {
		if in.Delivery[i].Channel == "" {
			return fmt.Errorf("delivery[%d]: channel is required", i)
		}
		if in.Delivery[i].Status == "" {
			in.Delivery[i].Status = ItemPending
		}
	}
	return nil
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	Status       *Status           `json:"status,omitempty"`
	Title        *string           `json:"title,omitempty"`
	Instructions *string           `json:"instructions,omitempty"`
	SourceRef    *string           `json:"source_ref,omitempty"`
	Work         *[]WorkItem       `json:"work,omitempty"`
	Delivery     *[]DeliveryAction `json:"delivery,omitempty"`
	ScheduledFor *time.Time        `json:"scheduled_for,omitempty"`
	Error        *string           `json:"error,omitempty"`
}

// Filter controls which tasks are returned by List.
type Filter struct {
	Status         Status     `json:"status,omitempty"`
	Type           Type       `json:"type,omitempty"`
	SourceType     SourceType `json:"source_type,omitempty"`
	RecurrenceID   string     `json:"recurrence_id,omitempty"`
	IncludeDeleted bool       `json:"include_deleted,omitempty"`
	Limit          int        `json:"limit,omitempty"`
	Offset         int        `json:"offset,omitempty"`
}

// ConversationLink joins a task to a conversation.
type ConversationLink struct {
	TaskID         string    `json:"task_id"`
	ConversationID string    `json:"conversation_id"`
	LinkedAt       time.Time `json:"linked_at"`
}

var (
	// ErrNotFound is returned when a task id does not exist.
	ErrNotFound = errors.New("task not found")
	// ErrInvalidTransition is returned when an update would break the state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrNotPending is returned by Claim when the task is no longer pending.
	ErrNotPending = errors.New("task is not pending")
)

// Store persists and retrieves tasks.
type Store interface {
	// Create persists a new task and returns it with its generated fields.
	Create(ctx context.Context, in CreateInput) (*Task, error)

	// Get retrieves a task by ID, including soft-deleted tasks.
	Get(ctx context.Context, id string) (*Task, error)

	// List returns tasks matching the given filter.
	List(ctx context.Context, filter Filter) ([]*Task, error)

	// ListDue returns pending scheduled tasks due at or before now.
	ListDue(ctx context.Context, now time.Time) ([]*Task, error)

	// Update applies a partial update and returns the stored task.
	Update(ctx context.Context, id string, p Patch) (*Task, error)

	// Claim atomically moves a pending task to running. Only one of any
	// number of concurrent claims succeeds; the rest get ErrNotPending.
	Claim(ctx context.Context, id string) (*Task, error)

	// Delete soft-deletes a task.
	Delete(ctx context.Context, id string) error

	// FindOrCreateForOccurrence returns the task for a recurrence occurrence,
	// creating it on first sight. The bool is true when a row was created.
	FindOrCreateForOccurrence(ctx context.Context, recurrenceID, occurrenceDate string, in CreateInput) (*Task, bool, error)

	// LinkConversation records a task↔conversation link; repeats are ignored.
	LinkConversation(ctx context.Context, taskID, conversationID string) error

	// ConversationsForTask returns links for a task, oldest first.
	ConversationsForTask(ctx context.Context, taskID string) ([]ConversationLink, error)

	// TasksForConversation returns the non-deleted tasks linked to a conversation.
	TasksForConversation(ctx context.Context, conversationID string) ([]*Task, error)

	// BackendToken returns the brain session token stored for a session
	// handle, or "" if none.
	BackendToken(ctx context.Context, sessionID string) (string, error)

	// SetBackendToken stores the brain session token for a session handle.
	SetBackendToken(ctx context.Context, sessionID, token string) error

	// ClearBackendToken forgets the brain session token for a session handle.
	ClearBackendToken(ctx context.Context, sessionID string) error
}
