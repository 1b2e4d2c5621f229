package task

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LogRole identifies the author of an execution log record.
type LogRole string

const (
	LogUser      LogRole = "user"
	LogAssistant LogRole = "assistant"
	LogError     LogRole = "error"
	LogSystem    LogRole = "system"
)

// LogRecord is one brain turn (or error) in a task's execution log.
type LogRecord struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Turn      int       `json:"turn"`
	Role      LogRole   `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ExecLog appends JSON-lines records to per-task log files. Records are
// never rewritten or removed.
type ExecLog struct {
	mu     sync.Mutex
	redact func(string) string
}

// NewExecLog creates an ExecLog.
func NewExecLog() *ExecLog {
	return &ExecLog{}
}

// SetRedactor installs fn to scrub record content before it is written.
func (l *ExecLog) SetRedactor(fn func(string) string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.redact = fn
}

// Append writes rec to the log at path, assigning its id, turn number and
// timestamp when unset.
func (l *ExecLog) Append(path string, rec LogRecord) (LogRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if path == "" {
		return rec, errors.New("append log: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return rec, fmt.Errorf("create log dir: %w", err)
	}
	existing, err := readRecords(path)
	if err != nil {
		return rec, err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Turn == 0 {
		rec.Turn = len(existing) + 1
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if l.redact != nil {
		rec.Content = l.redact(rec.Content)
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return rec, fmt.Errorf("encode log record: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return rec, fmt.Errorf("open log %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return rec, fmt.Errorf("write log %s: %w", path, err)
	}
	return rec, nil
}

// Read returns every record in the log, oldest first. A missing log is empty.
func (l *ExecLog) Read(path string) ([]LogRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return readRecords(path)
}

// Recent returns up to n of the latest user/assistant records, oldest first.
func (l *ExecLog) Recent(path string, n int) ([]LogRecord, error) {
	all, err := l.Read(path)
	if err != nil {
		return nil, err
	}
	var turns []LogRecord
	for _, r := range all {
		if r.Role == LogUser || r.Role == LogAssistant {
			turns = append(turns, r)
		}
	}
	if n > 0 && len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	return turns, nil
}

func readRecords(path string) ([]LogRecord, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}
	defer f.Close()

	var recs []LogRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var r LogRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			return nil, fmt.Errorf("decode log %s: %w", path, err)
		}
		recs = append(recs, r)
	}
	return recs, sc.Err()
}
