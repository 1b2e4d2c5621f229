package processor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/GoCodeAlone/steward/channel"
	"github.com/GoCodeAlone/steward/comms"
	"github.com/GoCodeAlone/steward/conversation"
	"github.com/GoCodeAlone/steward/delivery"
	"github.com/GoCodeAlone/steward/executor"
	"github.com/GoCodeAlone/steward/notify"
	"github.com/GoCodeAlone/steward/provider/mock"
	"github.com/GoCodeAlone/steward/task"
)

type harness struct {
	store    *task.SQLiteStore
	convs    *conversation.SQLiteStore
	brain    *mock.Provider
	proc     *Processor
	mu       sync.Mutex
	sends    map[string]int
	reports  []*Report
	channels *channel.Registry
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, responses ...string) *harness {
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

	h := &harness{store: store, convs: convs, brain: mock.New(responses...), sends: make(map[string]int)}
	h.channels = channel.NewRegistry()
	for _, id := range []string{"a", "b"} {
		id := id
		h.channels.Register(channel.Config{ID: id, Owner: "owner-" + id}, channel.SenderFunc(func(context.Context, string, string) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.sends[id]++
			return nil
		}))
	}
	h.channels.Register(channel.Config{ID: "down", Owner: "x"}, channel.SenderFunc(func(context.Context, string, string) error {
		return errors.New("transport down")
	}))

	logger := discardLogger()
	ex := executor.New(store, task.NewExecLog(), h.brain, h.channels, executor.Config{}, logger)
	h.proc = New(Options{
		Store:         store,
		Executor:      ex,
		Delivery:      delivery.New(h.channels, convs, logger),
		Conversations: convs,
		Observer: ObserverFunc(func(_ context.Context, r *Report) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.reports = append(h.reports, r)
		}),
		Logger: logger,
	})
	return h
}

func (h *harness) create(t *testing.T, in task.CreateInput) *task.Task {
	t.Helper()
	tk, err := h.store.Create(context.Background(), in)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return tk
}

func (h *harness) get(t *testing.T, id string) *task.Task {
	t.Helper()
	tk, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return tk
}

func TestExecuteAndDeliver_EndToEnd(t *testing.T) {
	h := newHarness(t, "Read it.\n<deliverable>Summary: doc X is fine</deliverable>")
	ctx := context.Background()
	tk := h.create(t, task.CreateInput{
		Title:    "Summarize doc X",
		Work:     []task.WorkItem{{Description: "summarize doc X"}},
		Delivery: []task.DeliveryAction{{Channel: "a", Status: task.ItemPending}},
	})
	conv, err := h.convs.Create(ctx, "a", "owner chat")
	if err != nil {
		t.Fatalf("conversation Create: %v", err)
	}
	if err := h.store.LinkConversation(ctx, tk.ID, conv.ID); err != nil {
		t.Fatalf("LinkConversation: %v", err)
	}

	rep, err := h.proc.ExecuteAndDeliver(ctx, tk.ID)
	if err != nil {
		t.Fatalf("ExecuteAndDeliver: %v", err)
	}
	if rep.Status != task.StatusCompleted || rep.FastPath {
		t.Errorf("report status = %s, fast = %v", rep.Status, rep.FastPath)
	}

	got := h.get(t, tk.ID)
	if got.Status != task.StatusCompleted || got.CompletedAt == nil {
		t.Errorf("status = %s, completed_at = %v", got.Status, got.CompletedAt)
	}
	if got.Delivery[0].Status != task.ItemCompleted {
		t.Errorf("delivery status = %s, want completed", got.Delivery[0].Status)
	}
	if got.Delivery[0].Recipient != "" {
		t.Errorf("stored recipient = %q, want it left unset", got.Delivery[0].Recipient)
	}
	if rep.Delivery == nil || len(rep.Delivery.Results) != 1 || rep.Delivery.Results[0].Recipient != "owner-a" {
		t.Errorf("report delivery = %+v, want recipient owner-a", rep.Delivery)
	}
	if h.sends["a"] != 1 {
		t.Errorf("sends on a = %d, want 1", h.sends["a"])
	}
	if len(h.reports) != 1 {
		t.Fatalf("observer called %d times, want 1", len(h.reports))
	}
	if rep.Importance() != notify.ImportanceLow {
		t.Errorf("importance = %s, want low", rep.Importance())
	}

	turns, err := h.convs.Turns(ctx, conv.ID, 0)
	if err != nil {
		t.Fatalf("Turns: %v", err)
	}
	// Outbound mirror of the delivery plus the summary.
	if len(turns) != 2 {
		t.Fatalf("turns = %d, want 2", len(turns))
	}
	if turns[0].Direction != conversation.DirectionOutbound || turns[0].Content != "Summary: doc X is fine" {
		t.Errorf("mirror turn = %+v", turns[0])
	}
	if !strings.Contains(turns[1].Content, "completed") {
		t.Errorf("summary turn = %q", turns[1].Content)
	}
}

func TestExecuteAndDeliver_FastPath(t *testing.T) {
	h := newHarness(t)
	tk := h.create(t, task.CreateInput{
		Title:    "Reminder",
		Delivery: []task.DeliveryAction{{Channel: "a", Content: "Take out the bins"}},
	})

	rep, err := h.proc.ExecuteAndDeliver(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("ExecuteAndDeliver: %v", err)
	}
	if !rep.FastPath {
		t.Error("expected fast path")
	}
	if h.brain.Calls() != 0 {
		t.Errorf("brain calls = %d, want 0", h.brain.Calls())
	}
	got := h.get(t, tk.ID)
	if got.Status != task.StatusCompleted || got.StartedAt == nil {
		t.Errorf("status = %s, started_at = %v", got.Status, got.StartedAt)
	}
	if got.Delivery[0].Status != task.ItemCompleted || h.sends["a"] != 1 {
		t.Errorf("delivery = %+v, sends = %d", got.Delivery[0], h.sends["a"])
	}
	if len(h.reports) != 1 {
		t.Errorf("observer called %d times, want 1", len(h.reports))
	}
}

func TestExecuteAndDeliver_NeedsReview(t *testing.T) {
	h := newHarness(t, "I could not find the document.")
	tk := h.create(t, task.CreateInput{
		Title:    "Summarize doc X",
		Delivery: []task.DeliveryAction{{Channel: "a"}, {Channel: "b", Content: "fyi"}},
	})

	rep, err := h.proc.ExecuteAndDeliver(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("ExecuteAndDeliver: %v", err)
	}
	if rep.Status != task.StatusNeedsReview {
		t.Fatalf("status = %s, want needs_review", rep.Status)
	}
	if h.sends["a"]+h.sends["b"] != 0 {
		t.Errorf("delivery attempted: %v", h.sends)
	}
	if rep.Delivery != nil {
		t.Errorf("report carries delivery outcome %+v", rep.Delivery)
	}
	got := h.get(t, tk.ID)
	if got.Status != task.StatusNeedsReview {
		t.Errorf("stored status = %s", got.Status)
	}
	if rep.Importance() != notify.ImportanceHigh {
		t.Errorf("importance = %s, want high", rep.Importance())
	}
	if len(h.reports) != 1 {
		t.Errorf("observer called %d times, want 1", len(h.reports))
	}
}

func TestExecuteAndDeliver_PartialDelivery(t *testing.T) {
	h := newHarness(t, "<deliverable>hello</deliverable>")
	tk := h.create(t, task.CreateInput{
		Title:    "Tell everyone",
		Delivery: []task.DeliveryAction{{Channel: "down"}, {Channel: "a"}},
	})

	rep, err := h.proc.ExecuteAndDeliver(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("ExecuteAndDeliver: %v", err)
	}
	if rep.Delivery.AllSucceeded {
		t.Error("AllSucceeded = true, want false")
	}
	got := h.get(t, tk.ID)
	if got.Status != task.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.Delivery[0].Status != task.ItemFailed || got.Delivery[1].Status != task.ItemCompleted {
		t.Errorf("delivery statuses = %s, %s", got.Delivery[0].Status, got.Delivery[1].Status)
	}
	if rep.Importance() != notify.ImportanceNormal {
		t.Errorf("importance = %s, want normal", rep.Importance())
	}
	if !strings.Contains(rep.Summary, "1 of 2 deliveries failed") {
		t.Errorf("summary = %q", rep.Summary)
	}
}

func TestExecuteAndDeliver_BrainFailure(t *testing.T) {
	h := newHarness(t)
	h.brain.Err = errors.New("backend down")
	tk := h.create(t, task.CreateInput{Title: "Research", Delivery: []task.DeliveryAction{{Channel: "a"}}})

	rep, err := h.proc.ExecuteAndDeliver(context.Background(), tk.ID)
	if err == nil {
		t.Fatal("expected error")
	}
	if rep == nil || rep.Status != task.StatusFailed {
		t.Fatalf("report = %+v, want failed", rep)
	}
	if got := h.get(t, tk.ID); got.Status != task.StatusFailed {
		t.Errorf("stored status = %s, want failed", got.Status)
	}
	if len(h.reports) != 1 || h.reports[0].Importance() != notify.ImportanceHigh {
		t.Errorf("reports = %+v", h.reports)
	}
}

func TestExecuteAndDeliver_NotRunnable(t *testing.T) {
	h := newHarness(t)
	tk := h.create(t, task.CreateInput{Title: "Paused", Status: task.StatusPaused})

	if _, err := h.proc.ExecuteAndDeliver(context.Background(), tk.ID); !errors.Is(err, executor.ErrNotRunnable) {
		t.Errorf("err = %v, want ErrNotRunnable", err)
	}
	if len(h.reports) != 0 {
		t.Errorf("observer called for a task that never ran")
	}
}

func TestDispatch(t *testing.T) {
	h := newHarness(t, "<deliverable>async</deliverable>")
	tk := h.create(t, task.CreateInput{Title: "Async", Delivery: []task.DeliveryAction{{Channel: "a"}}})

	ctx, cancel := context.WithCancel(context.Background())
	h.proc.Dispatch(ctx, tk.ID)
	cancel()
	h.proc.Wait()

	if got := h.get(t, tk.ID); got.Status != task.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
}

type panicReasoner struct{}

func (panicReasoner) Execute(context.Context, *task.Task) (*executor.Result, error) {
	panic("boom")
}

func TestRun_RecoversPanic(t *testing.T) {
	h := newHarness(t)
	tk := h.create(t, task.CreateInput{Title: "Explodes", Delivery: []task.DeliveryAction{{Channel: "a"}}})
	p := New(Options{Store: h.store, Executor: panicReasoner{}, Delivery: delivery.New(h.channels, nil, nil), Logger: discardLogger()})

	if err := p.Run(context.Background(), tk.ID); err == nil || !strings.Contains(err.Error(), "panicked") {
		t.Errorf("Run err = %v, want panic error", err)
	}

	p.Dispatch(context.Background(), tk.ID)
	p.Wait()
}

func TestRun_PanicFailsRunningTask(t *testing.T) {
	h := newHarness(t)
	h.channels.Register(channel.Config{ID: "boom", Owner: "x"}, channel.SenderFunc(func(context.Context, string, string) error {
		panic("sender blew up")
	}))
	tk := h.create(t, task.CreateInput{Title: "Remind", Delivery: []task.DeliveryAction{{Channel: "boom", Content: "hi"}}})
	conv, err := h.convs.Create(context.Background(), "a", "owner chat")
	if err != nil {
		t.Fatalf("conversation Create: %v", err)
	}
	if err := h.store.LinkConversation(context.Background(), tk.ID, conv.ID); err != nil {
		t.Fatalf("LinkConversation: %v", err)
	}

	execLog := task.NewExecLog()
	var reports []*Report
	p := New(Options{
		Store:         h.store,
		Executor:      panicReasoner{},
		Delivery:      delivery.New(h.channels, nil, nil),
		Conversations: h.convs,
		Observer:      ObserverFunc(func(_ context.Context, r *Report) { reports = append(reports, r) }),
		Log:           execLog,
		Logger:        discardLogger(),
	})

	if err := p.Run(context.Background(), tk.ID); err == nil || !strings.Contains(err.Error(), "sender blew up") {
		t.Fatalf("Run err = %v, want panic error", err)
	}

	got := h.get(t, tk.ID)
	if got.Status != task.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.Error, "sender blew up") {
		t.Errorf("error = %q, want panic message", got.Error)
	}
	if len(reports) != 1 {
		t.Fatalf("observer calls = %d, want 1", len(reports))
	}
	if reports[0].Status != task.StatusFailed || !strings.Contains(reports[0].Summary, "failed") {
		t.Errorf("report = %+v", reports[0])
	}

	recs, err := execLog.Read(got.LogPath)
	if err != nil {
		t.Fatalf("Read log: %v", err)
	}
	if len(recs) == 0 || recs[len(recs)-1].Role != task.LogError {
		t.Errorf("log records = %+v, want trailing error record", recs)
	}

	turns, err := h.convs.Turns(context.Background(), conv.ID, 0)
	if err != nil {
		t.Fatalf("Turns: %v", err)
	}
	if len(turns) != 1 || !strings.Contains(turns[0].Content, "failed") {
		t.Errorf("turns = %+v, want one failure summary", turns)
	}
}

func TestRun_PanicAfterOutcomeNotReportedTwice(t *testing.T) {
	h := newHarness(t)
	tk := h.create(t, task.CreateInput{Title: "Remind", Delivery: []task.DeliveryAction{{Channel: "a", Content: "hi"}}})
	calls := 0
	p := New(Options{
		Store:    h.store,
		Executor: panicReasoner{},
		Delivery: delivery.New(h.channels, nil, nil),
		Observer: ObserverFunc(func(context.Context, *Report) {
			calls++
			panic("observer blew up")
		}),
		Logger: discardLogger(),
	})

	if err := p.Run(context.Background(), tk.ID); err == nil {
		t.Fatal("Run err = nil, want panic error")
	}
	if calls != 1 {
		t.Errorf("observer calls = %d, want 1", calls)
	}
	if got := h.get(t, tk.ID); got.Status != task.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
}

func TestMergeOutcome(t *testing.T) {
	actions := []task.DeliveryAction{
		{Channel: "a", Status: task.ItemPending},
		{Channel: "b", Status: task.ItemCompleted},
		{Channel: "c", Status: task.ItemPending},
	}
	out := mergeOutcome(actions, delivery.Outcome{Results: []delivery.ActionResult{
		{Index: 0, Success: true, Recipient: "me"},
		{Index: 1, Success: false},
		{Index: 2, Success: false},
		{Index: 9, Success: true},
	}})
	if out[0].Status != task.ItemCompleted {
		t.Errorf("out[0] = %+v", out[0])
	}
	if out[0].Recipient != "" {
		t.Errorf("out[0].Recipient = %q, want unchanged empty recipient", out[0].Recipient)
	}
	if out[1].Status != task.ItemCompleted {
		t.Errorf("completed action regressed to %s", out[1].Status)
	}
	if out[2].Status != task.ItemFailed {
		t.Errorf("out[2] = %s, want failed", out[2].Status)
	}
	if actions[0].Status != task.ItemPending {
		t.Error("mergeOutcome mutated its input")
	}
}

func TestBroadcaster(t *testing.T) {
	bus := comms.NewInMemoryBus()
	var events []*comms.Event
	bus.Subscribe(comms.TypeTaskExecuted, func(_ context.Context, ev *comms.Event) error {
		events = append(events, ev)
		return nil
	})
	var notes []notify.Notification
	sink := sinkFunc(func(_ context.Context, n notify.Notification) error {
		notes = append(notes, n)
		return nil
	})

	b := Broadcaster{Bus: bus, Sink: sink, Logger: discardLogger()}
	b.Observe(context.Background(), &Report{TaskID: "t1", Status: task.StatusFailed, Summary: "Task \"x\" failed: boom."})

	if len(events) != 1 || events[0].TaskID != "t1" || events[0].Status != "failed" {
		t.Errorf("events = %+v", events)
	}
	if len(notes) != 1 || notes[0].Importance != notify.ImportanceHigh {
		t.Errorf("notifications = %+v", notes)
	}
}

type sinkFunc func(ctx context.Context, n notify.Notification) error

func (f sinkFunc) Notify(ctx context.Context, n notify.Notification) error { return f(ctx, n) }
