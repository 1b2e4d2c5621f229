package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/steward/internal/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	channel_id TEXT NOT NULL,
	title      TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_channel ON conversations (channel_id, updated_at);

CREATE TABLE IF NOT EXISTS turns (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id),
	role            TEXT NOT NULL,
	direction       TEXT NOT NULL DEFAULT 'internal',
	content         TEXT NOT NULL,
	task_id         TEXT NOT NULL DEFAULT '',
	created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns (conversation_id, created_at);
`

// SQLiteStore persists conversations in SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore uses an already-open database and ensures the schema exists.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create conversation schema: %w", err)
	}
	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Create starts a new conversation on channelID.
func (s *SQLiteStore) Create(ctx context.Context, channelID, title string) (*Conversation, error) {
	if channelID == "" {
		return nil, errors.New("create conversation: channel id is required")
	}
	now := s.now()
	c := &Conversation{ID: uuid.NewString(), ChannelID: channelID, Title: title, CreatedAt: now, UpdatedAt: now}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, channel_id, title, created_at, updated_at) VALUES (?,?,?,?,?)`,
		c.ID, c.ChannelID, c.Title, sqlite.FormatTime(now), sqlite.FormatTime(now))
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	return c, nil
}

// Get retrieves a conversation by ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, channel_id, title, created_at, updated_at FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return c, err
}

// MostRecent returns the conversation on channelID with the latest activity.
func (s *SQLiteStore) MostRecent(ctx context.Context, channelID string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, channel_id, title, created_at, updated_at FROM conversations
		WHERE channel_id = ? ORDER BY updated_at DESC, id DESC LIMIT 1`, channelID)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("channel %s: %w", channelID, ErrNotFound)
	}
	return c, err
}

// AppendTurn adds turn to the conversation.
func (s *SQLiteStore) AppendTurn(ctx context.Context, conversationID string, turn Turn) (*Turn, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append turn: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := s.now()
	res, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`,
		sqlite.FormatTime(now), conversationID)
	if err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}

	turn.ID = uuid.NewString()
	turn.ConversationID = conversationID
	turn.CreatedAt = now
	if turn.Direction == "" {
		turn.Direction = DirectionInternal
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO turns (id, conversation_id, role, direction, content, task_id, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		turn.ID, turn.ConversationID, string(turn.Role), string(turn.Direction),
		turn.Content, turn.TaskID, sqlite.FormatTime(now))
	if err != nil {
		return nil, fmt.Errorf("insert turn: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit turn: %w", err)
	}
	return &turn, nil
}

// Turns returns up to limit of the latest turns, oldest first. A limit of
// zero returns every turn.
func (s *SQLiteStore) Turns(ctx context.Context, conversationID string, limit int) ([]Turn, error) {
	q := `SELECT id, conversation_id, role, direction, content, task_id, created_at FROM turns
		WHERE conversation_id = ? ORDER BY created_at DESC, id DESC`
	args := []any{conversationID}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var role, dir, created string
		if err := rows.Scan(&t.ID, &t.ConversationID, &role, &dir, &t.Content, &t.TaskID, &created); err != nil {
			return nil, err
		}
		t.Role = Role(role)
		t.Direction = Direction(dir)
		if t.CreatedAt, err = sqlite.ParseTime(created); err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for l, r := 0, len(turns)-1; l < r; l, r = l+1, r-1 {
		turns[l], turns[r] = turns[r], turns[l]
	}
	return turns, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(s scanner) (*Conversation, error) {
	var c Conversation
	var created, updated string
	if err := s.Scan(&c.ID, &c.ChannelID, &c.Title, &created, &updated); err != nil {
		return nil, err
	}
	var err error
	if c.CreatedAt, err = sqlite.ParseTime(created); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = sqlite.ParseTime(updated); err != nil {
		return nil, err
	}
	return &c, nil
}
