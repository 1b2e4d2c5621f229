// Package conversation stores conversation transcripts that tasks report
// into and that outbound deliveries are mirrored onto.
package conversation

import (
	"context"
	"errors"
	"time"
)

// Role identifies the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Direction tells whether a turn arrived on a channel or was sent out on it.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
	DirectionInternal Direction = "internal"
)

// Conversation is a transcript bound to one channel.
type Conversation struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Turn is one message in a conversation.
type Turn struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Direction      Direction `json:"direction"`
	Content        string    `json:"content"`
	TaskID         string    `json:"task_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("conversation not found")

// Store persists conversations and their turns.
type Store interface {
	// Create starts a new conversation on a channel.
	Create(ctx context.Context, channelID, title string) (*Conversation, error)

	// Get retrieves a conversation by ID.
	Get(ctx context.Context, id string) (*Conversation, error)

	// MostRecent returns the most recently active conversation on a channel.
	MostRecent(ctx context.Context, channelID string) (*Conversation, error)

	// AppendTurn adds a turn and bumps the conversation's activity time.
	AppendTurn(ctx context.Context, conversationID string, turn Turn) (*Turn, error)

	// Turns returns up to limit of the latest turns, oldest first.
	Turns(ctx context.Context, conversationID string, limit int) ([]Turn, error)
}
