// Package api implements the steward REST handlers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/GoCodeAlone/steward/channel"
	"github.com/GoCodeAlone/steward/comms"
	"github.com/GoCodeAlone/steward/conversation"
	"github.com/GoCodeAlone/steward/scheduler"
	"github.com/GoCodeAlone/steward/task"
)

// Dispatcher starts a task run in the background.
type Dispatcher interface {
	Dispatch(ctx context.Context, id string)
}

// SchedulerStats reports scheduler activity for the status endpoint.
type SchedulerStats interface {
	Stats() scheduler.Stats
}

// ChannelLister lists configured delivery channels.
type ChannelLister interface {
	List() []channel.Config
	ByKind(kind channel.Kind) []channel.Config
}


// Handlers bundles all REST API handler dependencies. Only Tasks is
// required; missing optional dependencies disable the routes that need them.
type Handlers struct {
	Tasks         task.Store
	Log           *task.ExecLog
	Conversations conversation.Store
	Dispatcher    Dispatcher
	Scheduler     SchedulerStats
	Channels      ChannelLister
	Bus           comms.Bus
	Logger        *slog.Logger
	Version       string
	StartAt       time.Time
}

// RegisterRoutes registers all protected API routes on the given mux.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/tasks", h.listTasks)
	mux.HandleFunc("POST /api/tasks", h.createTask)
	mux.HandleFunc("POST /api/tasks/occurrences", h.createOccurrence)
	mux.HandleFunc("GET /api/tasks/{id}", h.getTask)
	mux.HandleFunc("PATCH /api/tasks/{id}", h.updateTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", h.deleteTask)
	mux.HandleFunc("POST /api/tasks/{id}/run", h.runTask)
	mux.HandleFunc("POST /api/tasks/{id}/pause", h.setStatus(task.StatusPaused))
	mux.HandleFunc("POST /api/tasks/{id}/resume", h.setStatus(task.StatusPending))
	mux.HandleFunc("GET /api/tasks/{id}/log", h.taskLog)
	mux.HandleFunc("GET /api/tasks/{id}/conversations", h.taskConversations)
	mux.HandleFunc("POST /api/tasks/{id}/conversations", h.linkConversation)

	mux.HandleFunc("POST /api/conversations", h.createConversation)
	mux.HandleFunc("GET /api/conversations/{id}", h.getConversation)
	mux.HandleFunc("GET /api/conversations/{id}/turns", h.listTurns)
	mux.HandleFunc("POST /api/conversations/{id}/turns", h.appendTurn)
	mux.HandleFunc("GET /api/conversations/{id}/tasks", h.conversationTasks)
	mux.HandleFunc("GET /api/channels", h.listChannels)
	mux.HandleFunc("GET /api/events", h.listEvents)
	mux.HandleFunc("GET /api/version", h.version)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps task store errors onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, task.ErrNotFound), errors.Is(err, conversation.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, task.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handlers) publish(ctx context.Context, typ comms.EventType, t *task.Task) {
	if h.Bus == nil {
		return
	}
	ev := &comms.Event{Type: typ, TaskID: t.ID, Status: string(t.Status), Payload: t}
	if err := h.Bus.Publish(ctx, ev); err != nil && h.Logger != nil {
		h.Logger.Warn("publish task event", slog.String("type", string(typ)), slog.Any("err", err))
	}
}

// --- Task handlers ---

func (h *Handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := task.Filter{
		Status:       task.Status(q.Get("status")),
		Type:         task.Type(q.Get("type")),
		SourceType:   task.SourceType(q.Get("source_type")),
		RecurrenceID: q.Get("recurrence_id"),
	}
	if v := q.Get("include_deleted"); v != "" {
		filter.IncludeDeleted, _ = strconv.ParseBool(v)
	}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			filter.Limit = n
		}
	}
	if o := q.Get("offset"); o != "" {
		if n, err := strconv.Atoi(o); err == nil {
			filter.Offset = n
		}
	}

	tasks, err := h.Tasks.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Handlers) createTask(w http.ResponseWriter, r *http.Request) {
	var in task.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := in.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	t, err := h.Tasks.Create(r.Context(), in)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.publish(r.Context(), comms.TypeTaskCreated, t)

	if t.Type == task.TypeImmediate && t.Status == task.StatusPending && h.Dispatcher != nil {
		h.Dispatcher.Dispatch(r.Context(), t.ID)
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *Handlers) createOccurrence(w http.ResponseWriter, r *http.Request) {
	var in task.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if in.RecurrenceID == "" || in.OccurrenceDate == "" {
		writeError(w, http.StatusBadRequest, "recurrence_id and occurrence_date are required")
		return
	}
	if in.Type == "" {
		in.Type = task.TypeScheduled
	}
	if err := in.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	t, created, err := h.Tasks.FindOrCreateForOccurrence(r.Context(), in.RecurrenceID, in.OccurrenceDate, in)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !created {
		writeJSON(w, http.StatusOK, t)
		return
	}
	h.publish(r.Context(), comms.TypeTaskCreated, t)
	writeJSON(w, http.StatusCreated, t)
}

func (h *Handlers) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Tasks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) updateTask(w http.ResponseWriter, r *http.Request) {
	var p task.Patch
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	t, err := h.Tasks.Update(r.Context(), r.PathValue("id"), p)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	h.publish(r.Context(), comms.TypeTaskUpdated, t)
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) deleteTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.Tasks.Delete(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	if t, err := h.Tasks.Get(r.Context(), id); err == nil {
		h.publish(r.Context(), comms.TypeTaskDeleted, t)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) runTask(w http.ResponseWriter, r *http.Request) {
	if h.Dispatcher == nil {
		writeError(w, http.StatusServiceUnavailable, "task execution is not available")
		return
	}
	t, err := h.Tasks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if t.Status != task.StatusPending {
		writeError(w, http.StatusConflict, "task is "+string(t.Status)+", not pending")
		return
	}
	h.Dispatcher.Dispatch(r.Context(), t.ID)
	writeJSON(w, http.StatusAccepted, t)
}

func (h *Handlers) setStatus(to task.Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := h.Tasks.Update(r.Context(), r.PathValue("id"), task.Patch{Status: &to})
		if err != nil {
			writeStoreError(w, err)
			return
		}
		h.publish(r.Context(), comms.TypeTaskUpdated, t)
		writeJSON(w, http.StatusOK, t)
	}
}

func (h *Handlers) taskLog(w http.ResponseWriter, r *http.Request) {
	if h.Log == nil {
		writeError(w, http.StatusServiceUnavailable, "execution logs are not available")
		return
	}
	t, err := h.Tasks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	recs, err := h.Log.Read(t.LogPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []task.LogRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// --- Conversations ---

type createConversationRequest struct {
	ChannelID string `json:"channel_id"`
	Title     string `json:"title"`
}

type appendTurnRequest struct {
	Role      conversation.Role      `json:"role"`
	Direction conversation.Direction `json:"direction"`
	Content   string                 `json:"content"`
}

// conversationsReady writes 503 when no conversation store is wired.
func (h *Handlers) conversationsReady(w http.ResponseWriter) bool {
	if h.Conversations == nil {
		writeError(w, http.StatusServiceUnavailable, "conversations are not configured")
		return false
	}
	return true
}

func (h *Handlers) knownChannel(id string) bool {
	if h.Channels == nil {
		return true
	}
	for _, c := range h.Channels.List() {
		if c.ID == id {
			return true
		}
	}
	return false
}

func (h *Handlers) createConversation(w http.ResponseWriter, r *http.Request) {
	if !h.conversationsReady(w) {
		return
	}
	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChannelID == "" {
		writeError(w, http.StatusBadRequest, "channel_id is required")
		return
	}
	if !h.knownChannel(req.ChannelID) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown channel %q", req.ChannelID))
		return
	}
	c, err := h.Conversations.Create(r.Context(), req.ChannelID, req.Title)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *Handlers) getConversation(w http.ResponseWriter, r *http.Request) {
	if !h.conversationsReady(w) {
		return
	}
	c, err := h.Conversations.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handlers) listTurns(w http.ResponseWriter, r *http.Request) {
	if !h.conversationsReady(w) {
		return
	}
	id := r.PathValue("id")
	if _, err := h.Conversations.Get(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			limit = n
		}
	}
	turns, err := h.Conversations.Turns(r.Context(), id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if turns == nil {
		turns = []conversation.Turn{}
	}
	writeJSON(w, http.StatusOK, turns)
}

// appendTurn records a turn on a conversation. Turns default to an inbound
// user message, i.e. something the owner said on the channel.
func (h *Handlers) appendTurn(w http.ResponseWriter, r *http.Request) {
	if !h.conversationsReady(w) {
		return
	}
	var req appendTurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	if req.Role == "" {
		req.Role = conversation.RoleUser
	}
	if req.Direction == "" {
		req.Direction = conversation.DirectionInbound
	}
	switch req.Role {
	case conversation.RoleUser, conversation.RoleAssistant, conversation.RoleSystem:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown role %q", req.Role))
		return
	}
	switch req.Direction {
	case conversation.DirectionInbound, conversation.DirectionOutbound, conversation.DirectionInternal:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown direction %q", req.Direction))
		return
	}
	turn, err := h.Conversations.AppendTurn(r.Context(), r.PathValue("id"), conversation.Turn{
		Role:      req.Role,
		Direction: req.Direction,
		Content:   req.Content,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, turn)
}

// --- Conversation links ---

type linkRequest struct {
	ConversationID string `json:"conversation_id"`
}

func (h *Handlers) taskConversations(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.Tasks.Get(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	links, err := h.Tasks.ConversationsForTask(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if links == nil {
		links = []task.ConversationLink{}
	}
	writeJSON(w, http.StatusOK, links)
}

func (h *Handlers) linkConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req linkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConversationID == "" {
		writeError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}
	if _, err := h.Tasks.Get(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	if h.Conversations != nil {
		if _, err := h.Conversations.Get(r.Context(), req.ConversationID); err != nil {
			writeStoreError(w, err)
			return
		}
	}
	if err := h.Tasks.LinkConversation(r.Context(), id, req.ConversationID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) conversationTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.Tasks.TasksForConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// --- Channels and events ---

// listChannels returns the configured channels, optionally only those of
// ?kind=.
func (h *Handlers) listChannels(w http.ResponseWriter, r *http.Request) {
	kind := channel.Kind(r.URL.Query().Get("kind"))
	if kind != "" && !kind.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown channel kind %q", kind))
		return
	}
	chans := []channel.Config{}
	switch {
	case h.Channels == nil:
	case kind != "":
		chans = append(chans, h.Channels.ByKind(kind)...)
	default:
		chans = append(chans, h.Channels.List()...)
	}
	writeJSON(w, http.StatusOK, chans)
}

func (h *Handlers) listEvents(w http.ResponseWriter, r *http.Request) {
	if h.Bus == nil {
		writeJSON(w, http.StatusOK, []*comms.Event{})
		return
	}
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			limit = n
		}
	}
	events, err := h.Bus.History(r.URL.Query().Get("task_id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []*comms.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Status / version ---

// Status is the body of GET /api/status.
type Status struct {
	Status    string           `json:"status"`
	Version   string           `json:"version"`
	Uptime    string           `json:"uptime"`
	Scheduler *scheduler.Stats `json:"scheduler,omitempty"`
}

func (h *Handlers) status(w http.ResponseWriter, _ *http.Request) {
	st := Status{Status: "ok", Version: h.Version}
	if !h.StartAt.IsZero() {
		st.Uptime = time.Since(h.StartAt).Round(time.Second).String()
	}
	if h.Scheduler != nil {
		stats := h.Scheduler.Stats()
		st.Scheduler = &stats
	}
	writeJSON(w, http.StatusOK, st)
}

// StatusHandler returns the status handler function for external registration.
func (h *Handlers) StatusHandler() http.HandlerFunc {
	return h.status
}

func (h *Handlers) version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": h.Version,
	})
}
