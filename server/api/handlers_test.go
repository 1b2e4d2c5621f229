package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/GoCodeAlone/steward/channel"
	"github.com/GoCodeAlone/steward/comms"
	"github.com/GoCodeAlone/steward/conversation"
	"github.com/GoCodeAlone/steward/scheduler"
	"github.com/GoCodeAlone/steward/server/api"
	"github.com/GoCodeAlone/steward/task"
)

// --- Test doubles ---

type fakeDispatcher struct {
	mu  sync.Mutex
	ids []string
}

func (d *fakeDispatcher) Dispatch(_ context.Context, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, id)
}

func (d *fakeDispatcher) dispatched() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.ids...)
}

type fakeStats struct{}

func (fakeStats) Stats() scheduler.Stats { return scheduler.Stats{Running: true, Sweeps: 3} }

type env struct {
	mux   *http.ServeMux
	store *task.SQLiteStore
	convs *conversation.SQLiteStore
	disp  *fakeDispatcher
	bus   *comms.InMemoryBus
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	store, err := task.OpenSQLiteStore(filepath.Join(dir, "steward.db"), filepath.Join(dir, "logs"))
	if err != nil {
		t.Fatalf("OpenSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	convs, err := conversation.NewSQLiteStore(store.DB())
	if err != nil {
		t.Fatalf("conversation store: %v", err)
	}

	reg := channel.NewRegistry()
	reg.Register(channel.Config{ID: "sms", Kind: channel.KindLog, Owner: "me"}, channel.SenderFunc(func(context.Context, string, string) error { return nil }))
	reg.Register(channel.Config{ID: "hook", Kind: channel.KindWebhook, Owner: "me"}, channel.SenderFunc(func(context.Context, string, string) error { return nil }))

	e := &env{mux: http.NewServeMux(), store: store, convs: convs, disp: &fakeDispatcher{}, bus: comms.NewInMemoryBus()}
	h := &api.Handlers{
		Tasks:         store,
		Log:           task.NewExecLog(),
		Conversations: convs,
		Dispatcher:    e.disp,
		Scheduler:     fakeStats{},
		Channels:      reg,
		Bus:           e.bus,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Version:       "test",
	}
	h.RegisterRoutes(e.mux)
	e.mux.HandleFunc("GET /api/status", h.StatusHandler())
	return e
}

func (e *env) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	rr := httptest.NewRecorder()
	e.mux.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rr.Body.String())
	}
	return v
}

// --- Tests ---

func TestCreateTask_ImmediateDispatches(t *testing.T) {
	e := newEnv(t)
	rr := e.do(t, http.MethodPost, "/api/tasks", task.CreateInput{
		Title:    "Remind me",
		Delivery: []task.DeliveryAction{{Channel: "sms", Content: "stand up"}},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("status: got %d, want %d (%s)", rr.Code, http.StatusCreated, rr.Body.String())
	}
	created := decode[task.Task](t, rr)
	if created.Status != task.StatusPending || created.Type != task.TypeImmediate {
		t.Errorf("got status %q type %q", created.Status, created.Type)
	}
	if got := e.disp.dispatched(); len(got) != 1 || got[0] != created.ID {
		t.Errorf("dispatched: got %v, want [%s]", got, created.ID)
	}
	hist, _ := e.bus.History(created.ID, 0)
	if len(hist) != 1 || hist[0].Type != comms.TypeTaskCreated {
		t.Errorf("events: got %+v", hist)
	}
}

func TestCreateTask_ScheduledNotDispatched(t *testing.T) {
	e := newEnv(t)
	rr := e.do(t, http.MethodPost, "/api/tasks", map[string]any{
		"title":         "Later",
		"type":          "scheduled",
		"scheduled_for": "2030-01-01T09:00:00Z",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("status: got %d (%s)", rr.Code, rr.Body.String())
	}
	if got := e.disp.dispatched(); len(got) != 0 {
		t.Errorf("dispatched: got %v, want none", got)
	}
}

func TestCreateTask_Invalid(t *testing.T) {
	e := newEnv(t)
	if rr := e.do(t, http.MethodPost, "/api/tasks", task.CreateInput{}); rr.Code != http.StatusBadRequest {
		t.Errorf("missing title: got %d, want 400", rr.Code)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", bytes.NewBufferString("{"))
	rr := httptest.NewRecorder()
	e.mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad json: got %d, want 400", rr.Code)
	}
}

func TestCreateOccurrence_Idempotent(t *testing.T) {
	e := newEnv(t)
	body := map[string]any{"title": "Daily brief", "recurrence_id": "brief", "occurrence_date": "2026-10-19"}

	rr := e.do(t, http.MethodPost, "/api/tasks/occurrences", body)
	if rr.Code != http.StatusCreated {
		t.Fatalf("first: got %d (%s)", rr.Code, rr.Body.String())
	}
	first := decode[task.Task](t, rr)

	rr = e.do(t, http.MethodPost, "/api/tasks/occurrences", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("second: got %d, want 200", rr.Code)
	}
	second := decode[task.Task](t, rr)
	if second.ID != first.ID {
		t.Errorf("got id %q, want %q", second.ID, first.ID)
	}

	body["occurrence_date"] = "2026-10-20"
	next := decode[task.Task](t, e.do(t, http.MethodPost, "/api/tasks/occurrences", body))
	if next.SessionID != first.SessionID || next.LogPath != first.LogPath {
		t.Errorf("sibling did not inherit session/log: %+v vs %+v", next, first)
	}

	if rr := e.do(t, http.MethodPost, "/api/tasks/occurrences", map[string]any{"title": "x"}); rr.Code != http.StatusBadRequest {
		t.Errorf("missing recurrence: got %d, want 400", rr.Code)
	}
}

func TestGetTask_NotFound(t *testing.T) {
	e := newEnv(t)
	if rr := e.do(t, http.MethodGet, "/api/tasks/nope", nil); rr.Code != http.StatusNotFound {
		t.Errorf("got %d, want 404", rr.Code)
	}
}

func TestPauseResumeAndConflict(t *testing.T) {
	e := newEnv(t)
	tk, err := e.store.Create(context.Background(), task.CreateInput{Title: "t", Type: task.TypeScheduled})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	rr := e.do(t, http.MethodPost, "/api/tasks/"+tk.ID+"/pause", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("pause: got %d (%s)", rr.Code, rr.Body.String())
	}
	if got := decode[task.Task](t, rr); got.Status != task.StatusPaused {
		t.Errorf("pause: got %q", got.Status)
	}

	if rr := e.do(t, http.MethodPost, "/api/tasks/"+tk.ID+"/run", nil); rr.Code != http.StatusConflict {
		t.Errorf("run paused: got %d, want 409", rr.Code)
	}

	completed := task.StatusCompleted
	if rr := e.do(t, http.MethodPatch, "/api/tasks/"+tk.ID, task.Patch{Status: &completed}); rr.Code != http.StatusConflict {
		t.Errorf("paused -> completed: got %d, want 409", rr.Code)
	}

	if rr := e.do(t, http.MethodPost, "/api/tasks/"+tk.ID+"/resume", nil); rr.Code != http.StatusOK {
		t.Fatalf("resume: got %d", rr.Code)
	}
	if rr := e.do(t, http.MethodPost, "/api/tasks/"+tk.ID+"/run", nil); rr.Code != http.StatusAccepted {
		t.Errorf("run: got %d, want 202", rr.Code)
	}
	if got := e.disp.dispatched(); len(got) != 1 || got[0] != tk.ID {
		t.Errorf("dispatched: got %v", got)
	}
}

func TestUpdateTask(t *testing.T) {
	e := newEnv(t)
	tk, _ := e.store.Create(context.Background(), task.CreateInput{Title: "old", Type: task.TypeScheduled})
	title := "new"
	rr := e.do(t, http.MethodPatch, "/api/tasks/"+tk.ID, task.Patch{Title: &title})
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d (%s)", rr.Code, rr.Body.String())
	}
	if got := decode[task.Task](t, rr); got.Title != "new" {
		t.Errorf("got title %q, want %q", got.Title, "new")
	}
}

func TestDeleteTask(t *testing.T) {
	e := newEnv(t)
	tk, _ := e.store.Create(context.Background(), task.CreateInput{Title: "t", Type: task.TypeScheduled})
	if rr := e.do(t, http.MethodDelete, "/api/tasks/"+tk.ID, nil); rr.Code != http.StatusNoContent {
		t.Fatalf("delete: got %d", rr.Code)
	}
	got, err := e.store.Get(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != task.StatusDeleted || got.DeletedAt == nil {
		t.Errorf("got status %q deleted_at %v", got.Status, got.DeletedAt)
	}

	list := decode[[]task.Task](t, e.do(t, http.MethodGet, "/api/tasks", nil))
	if len(list) != 0 {
		t.Errorf("list without deleted: got %d tasks", len(list))
	}
	list = decode[[]task.Task](t, e.do(t, http.MethodGet, "/api/tasks?include_deleted=true", nil))
	if len(list) != 1 {
		t.Errorf("list with deleted: got %d tasks", len(list))
	}

	if rr := e.do(t, http.MethodDelete, "/api/tasks/missing", nil); rr.Code != http.StatusNotFound {
		t.Errorf("delete missing: got %d, want 404", rr.Code)
	}
}

func TestTaskLog(t *testing.T) {
	e := newEnv(t)
	tk, _ := e.store.Create(context.Background(), task.CreateInput{Title: "t", Type: task.TypeScheduled})

	if recs := decode[[]task.LogRecord](t, e.do(t, http.MethodGet, "/api/tasks/"+tk.ID+"/log", nil)); len(recs) != 0 {
		t.Fatalf("empty log: got %d records", len(recs))
	}
	log := task.NewExecLog()
	if _, err := log.Append(tk.LogPath, task.LogRecord{TaskID: tk.ID, Role: task.LogUser, Content: "hi"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	recs := decode[[]task.LogRecord](t, e.do(t, http.MethodGet, "/api/tasks/"+tk.ID+"/log", nil))
	if len(recs) != 1 || recs[0].Content != "hi" {
		t.Errorf("got %+v", recs)
	}
}

func TestConversationLinks(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tk, _ := e.store.Create(ctx, task.CreateInput{Title: "t", Type: task.TypeScheduled})
	conv, err := e.convs.Create(ctx, "sms", "chat")
	if err != nil {
		t.Fatalf("conversation Create: %v", err)
	}

	if rr := e.do(t, http.MethodPost, "/api/tasks/"+tk.ID+"/conversations", map[string]string{"conversation_id": "ghost"}); rr.Code != http.StatusNotFound {
		t.Errorf("unknown conversation: got %d, want 404", rr.Code)
	}
	if rr := e.do(t, http.MethodPost, "/api/tasks/"+tk.ID+"/conversations", map[string]string{"conversation_id": conv.ID}); rr.Code != http.StatusNoContent {
		t.Fatalf("link: got %d (%s)", rr.Code, rr.Body.String())
	}

	links := decode[[]task.ConversationLink](t, e.do(t, http.MethodGet, "/api/tasks/"+tk.ID+"/conversations", nil))
	if len(links) != 1 || links[0].ConversationID != conv.ID {
		t.Errorf("links: got %+v", links)
	}
	tasks := decode[[]task.Task](t, e.do(t, http.MethodGet, "/api/conversations/"+conv.ID+"/tasks", nil))
	if len(tasks) != 1 || tasks[0].ID != tk.ID {
		t.Errorf("tasks: got %+v", tasks)
	}
}

func TestConversations_CreateAppendAndLink(t *testing.T) {
	e := newEnv(t)
	tk, err := e.store.Create(context.Background(), task.CreateInput{Title: "t", Type: task.TypeScheduled})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	rr := e.do(t, http.MethodPost, "/api/conversations", map[string]string{"channel_id": "sms", "title": "owner chat"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create conversation: got %d (%s)", rr.Code, rr.Body.String())
	}
	conv := decode[conversation.Conversation](t, rr)
	if conv.ID == "" || conv.ChannelID != "sms" || conv.Title != "owner chat" {
		t.Errorf("conversation: got %+v", conv)
	}

	rr = e.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/turns", map[string]string{"content": "remind me at 8"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("append turn: got %d (%s)", rr.Code, rr.Body.String())
	}
	turn := decode[conversation.Turn](t, rr)
	if turn.Role != conversation.RoleUser || turn.Direction != conversation.DirectionInbound {
		t.Errorf("turn: got %+v, want inbound user turn", turn)
	}

	if rr := e.do(t, http.MethodPost, "/api/tasks/"+tk.ID+"/conversations", map[string]string{"conversation_id": conv.ID}); rr.Code != http.StatusNoContent {
		t.Fatalf("link: got %d (%s)", rr.Code, rr.Body.String())
	}

	got := decode[conversation.Conversation](t, e.do(t, http.MethodGet, "/api/conversations/"+conv.ID, nil))
	if got.ID != conv.ID {
		t.Errorf("get conversation: got %+v", got)
	}
	turns := decode[[]conversation.Turn](t, e.do(t, http.MethodGet, "/api/conversations/"+conv.ID+"/turns", nil))
	if len(turns) != 1 || turns[0].Content != "remind me at 8" {
		t.Errorf("turns: got %+v", turns)
	}
	recent, err := e.convs.MostRecent(context.Background(), "sms")
	if err != nil {
		t.Fatalf("MostRecent: %v", err)
	}
	if recent.ID != conv.ID {
		t.Errorf("MostRecent = %s, want %s", recent.ID, conv.ID)
	}
}

func TestConversations_Validation(t *testing.T) {
	e := newEnv(t)
	cases := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"missing channel", http.MethodPost, "/api/conversations", map[string]string{"title": "x"}, http.StatusBadRequest},
		{"unknown channel", http.MethodPost, "/api/conversations", map[string]string{"channel_id": "fax"}, http.StatusBadRequest},
		{"unknown conversation", http.MethodGet, "/api/conversations/ghost", nil, http.StatusNotFound},
		{"turns of unknown conversation", http.MethodGet, "/api/conversations/ghost/turns", nil, http.StatusNotFound},
		{"turn on unknown conversation", http.MethodPost, "/api/conversations/ghost/turns", map[string]string{"content": "hi"}, http.StatusNotFound},
		{"empty turn", http.MethodPost, "/api/conversations/ghost/turns", map[string]string{}, http.StatusBadRequest},
		{"bad role", http.MethodPost, "/api/conversations/ghost/turns", map[string]string{"content": "hi", "role": "robot"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if rr := e.do(t, tc.method, tc.path, tc.body); rr.Code != tc.want {
				t.Errorf("got %d, want %d (%s)", rr.Code, tc.want, rr.Body.String())
			}
		})
	}
}

func TestChannelsAndStatus(t *testing.T) {
	e := newEnv(t)
	chans := decode[[]channel.Config](t, e.do(t, http.MethodGet, "/api/channels", nil))
	if len(chans) != 2 || chans[0].ID != "hook" || chans[1].ID != "sms" {
		t.Errorf("channels: got %+v", chans)
	}
	hooks := decode[[]channel.Config](t, e.do(t, http.MethodGet, "/api/channels?kind=webhook", nil))
	if len(hooks) != 1 || hooks[0].ID != "hook" {
		t.Errorf("webhook channels: got %+v", hooks)
	}
	none := decode[[]channel.Config](t, e.do(t, http.MethodGet, "/api/channels?kind=redis", nil))
	if len(none) != 0 {
		t.Errorf("redis channels: got %+v, want none", none)
	}
	if rr := e.do(t, http.MethodGet, "/api/channels?kind=pigeon", nil); rr.Code != http.StatusBadRequest {
		t.Errorf("unknown kind: got %d, want 400", rr.Code)
	}

	st := decode[api.Status](t, e.do(t, http.MethodGet, "/api/status", nil))
	if st.Status != "ok" || st.Version != "test" {
		t.Errorf("status: got %+v", st)
	}
	if st.Scheduler == nil || !st.Scheduler.Running || st.Scheduler.Sweeps != 3 {
		t.Errorf("scheduler stats: got %+v", st.Scheduler)
	}
}
