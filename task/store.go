package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/GoCodeAlone/steward/internal/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id              TEXT PRIMARY KEY,
	type            TEXT NOT NULL,
	source_type     TEXT NOT NULL DEFAULT 'manual',
	source_ref      TEXT NOT NULL DEFAULT '',
	title           TEXT NOT NULL,
	instructions    TEXT NOT NULL DEFAULT '',
	work            TEXT NOT NULL DEFAULT '[]',
	delivery        TEXT NOT NULL DEFAULT '[]',
	status          TEXT NOT NULL,
	session_id      TEXT NOT NULL,
	recurrence_id   TEXT NOT NULL DEFAULT '',
	occurrence_date TEXT NOT NULL DEFAULT '',
	scheduled_for   TEXT,
	created         TEXT NOT NULL,
	updated_at      TEXT NOT NULL,
	started_at      TEXT,
	completed_at    TEXT,
	deleted_at      TEXT,
	created_by      TEXT NOT NULL DEFAULT 'user',
	log_path        TEXT NOT NULL DEFAULT '',
	error           TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_occurrence
	ON tasks (recurrence_id, occurrence_date) WHERE recurrence_id != '';
CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks (status, type, scheduled_for);

CREATE TABLE IF NOT EXISTS sessions (
	session_id    TEXT PRIMARY KEY,
	backend_token TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS task_conversations (
	task_id         TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	linked_at       TEXT NOT NULL,
	PRIMARY KEY (task_id, conversation_id)
);
CREATE INDEX IF NOT EXISTS idx_task_conversations_conv ON task_conversations (conversation_id);
`

var taskColumnNames = []string{
	"id", "type", "source_type", "source_ref", "title", "instructions", "work", "delivery",
	"status", "session_id", "recurrence_id", "occurrence_date", "scheduled_for", "created",
	"updated_at", "started_at", "completed_at", "deleted_at", "created_by", "log_path", "error",
}

var taskColumns = strings.Join(taskColumnNames, ", ")

// qualifiedColumns prefixes every task column with a table alias.
func qualifiedColumns(alias string) string {
	cols := make([]string, len(taskColumnNames))
	for i, c := range taskColumnNames {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

// SQLiteStore persists tasks in a SQLite database. Execution logs live in
// logDir, one file per task (or per recurrence).
type SQLiteStore struct {
	db     *sql.DB
	ownsDB bool
	logDir string
	now    func() time.Time
}

// NewSQLiteStore uses an already-open database and ensures the schema exists.
func NewSQLiteStore(db *sql.DB, logDir string) (*SQLiteStore, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create task schema: %w", err)
	}
	return &SQLiteStore{
		db:     db,
		logDir: logDir,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// OpenSQLiteStore opens (or creates) a SQLite database at dbPath. The caller
// is responsible for calling Close.
func OpenSQLiteStore(dbPath, logDir string) (*SQLiteStore, error) {
	db, err := sqlite.Open(dbPath)
	if err != nil {
		return nil, err
	}
	s, err := NewSQLiteStore(db, logDir)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// Close releases the database if the store opened it.
func (s *SQLiteStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying database so other stores can share it.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) logPathFor(id string) string {
	return filepath.Join(s.logDir, id+".jsonl")
}

// Create persists a new task with a fresh id and session handle.
func (s *SQLiteStore) Create(ctx context.Context, in CreateInput) (*Task, error) {
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	id := uuid.NewString()
	t := newTask(id, in, s.now())
	t.SessionID = uuid.NewString()
	t.LogPath = s.logPathFor(id)
	if err := insertTask(ctx, s.db, t); err != nil {
		return nil, err
	}
	return t, nil
}

func newTask(id string, in CreateInput, now time.Time) *Task {
	t := &Task{
		ID:             id,
		Type:           in.Type,
		SourceType:     in.SourceType,
		SourceRef:      in.SourceRef,
		Title:          in.Title,
		Instructions:   in.Instructions,
		Work:           append([]WorkItem{}, in.Work...),
		Delivery:       append([]DeliveryAction{}, in.Delivery...),
		Status:         in.Status,
		RecurrenceID:   in.RecurrenceID,
		OccurrenceDate: in.OccurrenceDate,
		Created:        now,
		UpdatedAt:      now,
		CreatedBy:      in.CreatedBy,
	}
	if in.ScheduledFor != nil {
		sf := in.ScheduledFor.UTC()
		t.ScheduledFor = &sf
	}
	return t
}

func insertTask(ctx context.Context, q queryer, t *Task) error {
	work, _ := json.Marshal(t.Work)
	delivery, _ := json.Marshal(t.Delivery)
	_, err := q.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, string(t.Type), string(t.SourceType), t.SourceRef, t.Title, t.Instructions,
		string(work), string(delivery),
		string(t.Status), t.SessionID, t.RecurrenceID, t.OccurrenceDate,
		sqlite.NullTime(t.ScheduledFor), sqlite.FormatTime(t.Created), sqlite.FormatTime(t.UpdatedAt),
		sqlite.NullTime(t.StartedAt), sqlite.NullTime(t.CompletedAt), sqlite.NullTime(t.DeletedAt),
		string(t.CreatedBy), t.LogPath, t.Error,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// Get retrieves a task by ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Task, error) {
	return getTask(ctx, s.db, id)
}

func getTask(ctx context.Context, q queryer, id string) (*Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, err
}

// List returns tasks matching the filter, oldest first. Soft-deleted tasks
// are excluded unless IncludeDeleted is set or Status asks for them.
func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]*Task, error) {
	q := strings.Builder{}
	q.WriteString("SELECT " + taskColumns + " FROM tasks WHERE 1=1")
	args := []any{}

	if filter.Status != "" {
		q.WriteString(" AND status=?")
		args = append(args, string(filter.Status))
	} else if !filter.IncludeDeleted {
		q.WriteString(" AND status != 'deleted'")
	}
	if filter.Type != "" {
		q.WriteString(" AND type=?")
		args = append(args, string(filter.Type))
	}
	if filter.SourceType != "" {
		q.WriteString(" AND source_type=?")
		args = append(args, string(filter.SourceType))
	}
	if filter.RecurrenceID != "" {
		q.WriteString(" AND recurrence_id=?")
		args = append(args, filter.RecurrenceID)
	}
	q.WriteString(" ORDER BY created ASC, id ASC")
	if filter.Limit > 0 {
		q.WriteString(fmt.Sprintf(" LIMIT %d", filter.Limit))
	} else if filter.Offset > 0 {
		q.WriteString(" LIMIT -1")
	}
	if filter.Offset > 0 {
		q.WriteString(fmt.Sprintf(" OFFSET %d", filter.Offset))
	}
	return s.query(ctx, q.String(), args...)
}

// ListDue returns pending scheduled tasks whose scheduled_for is at or
// before now, or unset.
func (s *SQLiteStore) ListDue(ctx context.Context, now time.Time) ([]*Task, error) {
	return s.query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = ? AND type = ? AND (scheduled_for IS NULL OR scheduled_for <= ?)
		ORDER BY scheduled_for ASC, created ASC`,
		string(StatusPending), string(TypeScheduled), sqlite.FormatTime(now))
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...any) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Update applies p to the task. Status changes must follow CanTransition;
// StartedAt, CompletedAt and DeletedAt are stamped the first time the task
// enters the matching state and never rewritten.
func (s *SQLiteStore) Update(ctx context.Context, id string, p Patch) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	t, err := getTask(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if t.Status == StatusDeleted {
		return nil, fmt.Errorf("task %s is deleted: %w", id, ErrInvalidTransition)
	}
	now := s.now()
	if err := applyPatch(t, p, now); err != nil {
		return nil, err
	}
	t.UpdatedAt = now

	work, _ := json.Marshal(t.Work)
	delivery, _ := json.Marshal(t.Delivery)
	_, err = tx.ExecContext(ctx, `
		UPDATE tasks SET
			source_ref=?, title=?, instructions=?, work=?, delivery=?, status=?,
			scheduled_for=?, updated_at=?, started_at=?, completed_at=?, deleted_at=?, error=?
		WHERE id=?`,
		t.SourceRef, t.Title, t.Instructions, string(work), string(delivery), string(t.Status),
		sqlite.NullTime(t.ScheduledFor), sqlite.FormatTime(t.UpdatedAt),
		sqlite.NullTime(t.StartedAt), sqlite.NullTime(t.CompletedAt), sqlite.NullTime(t.DeletedAt),
		t.Error, t.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return t, nil
}

// Claim moves id from pending to running in a single conditional write.
func (s *SQLiteStore) Claim(ctx context.Context, id string) (*Task, error) {
	now := sqlite.FormatTime(s.now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status=?, started_at=COALESCE(started_at, ?), updated_at=?
		WHERE id=? AND status=?`,
		string(StatusRunning), now, now, id, string(StatusPending),
	)
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("task %s is %s: %w", id, t.Status, ErrNotPending)
	}
	return t, nil
}

func applyPatch(t *Task, p Patch, now time.Time) error {
	if p.Status != nil {
		to := *p.Status
		if !to.Valid() {
			return fmt.Errorf("unknown status %q: %w", to, ErrInvalidTransition)
		}
		if !CanTransition(t.Status, to) {
			return fmt.Errorf("%s -> %s: %w", t.Status, to, ErrInvalidTransition)
		}
		t.Status = to
		switch {
		case to == StatusRunning && t.StartedAt == nil:
			t.StartedAt = &now
		case to == StatusDeleted && t.DeletedAt == nil:
			t.DeletedAt = &now
		case to.Terminal() && to != StatusDeleted && t.CompletedAt == nil:
			t.CompletedAt = &now
		}
	}
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Instructions != nil {
		t.Instructions = *p.Instructions
	}
	if p.SourceRef != nil {
		t.SourceRef = *p.SourceRef
	}
	if p.Work != nil {
		t.Work = append([]WorkItem{}, (*p.Work)...)
	}
	if p.Delivery != nil {
		merged, err := mergeDelivery(t.Delivery, *p.Delivery)
		if err != nil {
			return err
		}
		t.Delivery = merged
	}
	if p.ScheduledFor != nil {
		if t.Type != TypeScheduled {
			return errors.New("scheduled_for only applies to scheduled tasks")
		}
		sf := p.ScheduledFor.UTC()
		t.ScheduledFor = &sf
	}
	if p.Error != nil {
		t.Error = *p.Error
	}
	return nil
}

// mergeDelivery replaces the delivery list while keeping finished actions
// finished: an action that is completed or failed never goes back to pending.
func mergeDelivery(cur, next []DeliveryAction) ([]DeliveryAction, error) {
	out := append([]DeliveryAction{}, next...)
	for i := range out {
		if out[i].Status == "" {
			out[i].Status = ItemPending
		}
		if i < len(cur) && cur[i].Status != ItemPending && out[i].Status == ItemPending {
			return nil, fmt.Errorf("delivery[%d] %s -> pending: %w", i, cur[i].Status, ErrInvalidTransition)
		}
	}
	return out, nil
}

// Delete soft-deletes a task. Its row, log file and links are kept.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	now := sqlite.FormatTime(s.now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status=?, deleted_at=COALESCE(deleted_at, ?), updated_at=?
		WHERE id=?`, string(StatusDeleted), now, now, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// FindOrCreateForOccurrence returns the existing task for the occurrence
// unchanged, or creates it. New occurrences inherit the session handle and
// log path of the earliest sibling; the first occurrence gets fresh ones.
func (s *SQLiteStore) FindOrCreateForOccurrence(ctx context.Context, recurrenceID, occurrenceDate string, in CreateInput) (*Task, bool, error) {
	if recurrenceID == "" || occurrenceDate == "" {
		return nil, false, errors.New("find occurrence: recurrence id and occurrence date are required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin occurrence: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE recurrence_id = ? AND occurrence_date = ?`, recurrenceID, occurrenceDate)
	existing, err := scanTask(row)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("find occurrence: %w", err)
	}

	in.RecurrenceID = recurrenceID
	in.OccurrenceDate = occurrenceDate
	if err := in.Validate(); err != nil {
		return nil, false, fmt.Errorf("create occurrence: %w", err)
	}
	id := uuid.NewString()
	t := newTask(id, in, s.now())

	var sessionID, logPath string
	err = tx.QueryRowContext(ctx, `SELECT session_id, log_path FROM tasks
		WHERE recurrence_id = ? ORDER BY created ASC, id ASC LIMIT 1`, recurrenceID).Scan(&sessionID, &logPath)
	switch {
	case err == nil:
		t.SessionID = sessionID
		t.LogPath = logPath
	case errors.Is(err, sql.ErrNoRows):
		t.SessionID = uuid.NewString()
		t.LogPath = filepath.Join(s.logDir, recurrenceLogName(recurrenceID))
	default:
		return nil, false, fmt.Errorf("find sibling occurrence: %w", err)
	}

	if err := insertTask(ctx, tx, t); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit occurrence: %w", err)
	}
	return t, true, nil
}

// recurrenceLogName derives the shared log file name for a recurrence. The
// hash keeps ids that sanitize alike (e.g. "a/b" and "a_b") apart.
func recurrenceLogName(recurrenceID string) string {
	return fmt.Sprintf("recurrence-%s-%016x.jsonl", sanitize(recurrenceID), xxhash.Sum64String(recurrenceID))
}

// sanitize keeps a recurrence id safe for use in a file name.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}

// LinkConversation links a task to a conversation. Linking twice is a no-op.
func (s *SQLiteStore) LinkConversation(ctx context.Context, taskID, conversationID string) error {
	if _, err := s.Get(ctx, taskID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO task_conversations (task_id, conversation_id, linked_at)
		VALUES (?, ?, ?)`, taskID, conversationID, sqlite.FormatTime(s.now()))
	if err != nil {
		return fmt.Errorf("link conversation: %w", err)
	}
	return nil
}

// ConversationsForTask returns the conversation links of a task.
func (s *SQLiteStore) ConversationsForTask(ctx context.Context, taskID string) ([]ConversationLink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, conversation_id, linked_at FROM task_conversations
		WHERE task_id = ? ORDER BY linked_at ASC, conversation_id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task conversations: %w", err)
	}
	defer rows.Close()

	var links []ConversationLink
	for rows.Next() {
		var l ConversationLink
		var linkedAt string
		if err := rows.Scan(&l.TaskID, &l.ConversationID, &linkedAt); err != nil {
			return nil, err
		}
		if l.LinkedAt, err = sqlite.ParseTime(linkedAt); err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// TasksForConversation returns the non-deleted tasks linked to a conversation.
func (s *SQLiteStore) TasksForConversation(ctx context.Context, conversationID string) ([]*Task, error) {
	return s.query(ctx, `
		SELECT `+qualifiedColumns("t")+` FROM tasks t
		JOIN task_conversations l ON l.task_id = t.id
		WHERE l.conversation_id = ? AND t.status != 'deleted'
		ORDER BY l.linked_at ASC, t.id ASC`, conversationID)
}

// BackendToken returns the stored brain session token for sessionID.
func (s *SQLiteStore) BackendToken(ctx context.Context, sessionID string) (string, error) {
	var token string
	err := s.db.QueryRowContext(ctx,
		`SELECT backend_token FROM sessions WHERE session_id = ?`, sessionID).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get backend token: %w", err)
	}
	return token, nil
}

// SetBackendToken stores the brain session token for sessionID.
func (s *SQLiteStore) SetBackendToken(ctx context.Context, sessionID, token string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, backend_token, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET backend_token = excluded.backend_token, updated_at = excluded.updated_at`,
		sessionID, token, sqlite.FormatTime(s.now()))
	if err != nil {
		return fmt.Errorf("set backend token: %w", err)
	}
	return nil
}

// ClearBackendToken forgets the brain session token for sessionID.
func (s *SQLiteStore) ClearBackendToken(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("clear backend token: %w", err)
	}
	return nil
}

// scanner abstracts sql.Row and sql.Rows for scanTask.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*Task, error) {
	var t Task
	var typ, sourceType, workJSON, deliveryJSON, status, created, updated, createdBy string
	var scheduledFor, startedAt, completedAt, deletedAt sql.NullString

	err := s.Scan(
		&t.ID, &typ, &sourceType, &t.SourceRef, &t.Title, &t.Instructions,
		&workJSON, &deliveryJSON,
		&status, &t.SessionID, &t.RecurrenceID, &t.OccurrenceDate,
		&scheduledFor, &created, &updated,
		&startedAt, &completedAt, &deletedAt,
		&createdBy, &t.LogPath, &t.Error,
	)
	if err != nil {
		return nil, err
	}

	t.Type = Type(typ)
	t.SourceType = SourceType(sourceType)
	t.Status = Status(status)
	t.CreatedBy = Actor(createdBy)

	if err := json.Unmarshal([]byte(workJSON), &t.Work); err != nil {
		return nil, fmt.Errorf("decode work of task %s: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(deliveryJSON), &t.Delivery); err != nil {
		return nil, fmt.Errorf("decode delivery of task %s: %w", t.ID, err)
	}
	if t.Created, err = sqlite.ParseTime(created); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = sqlite.ParseTime(updated); err != nil {
		return nil, err
	}
	for _, f := range []struct {
		src sql.NullString
		dst **time.Time
	}{
		{scheduledFor, &t.ScheduledFor},
		{startedAt, &t.StartedAt},
		{completedAt, &t.CompletedAt},
		{deletedAt, &t.DeletedAt},
	} {
		if *f.dst, err = sqlite.ParseNullTime(f.src); err != nil {
			return nil, err
		}
	}
	return &t, nil
}
