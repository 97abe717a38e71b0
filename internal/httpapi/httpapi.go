// Package httpapi exposes conversational turns over HTTP. Turns are returned
// as JSON, or streamed as server-sent events when the client accepts
// text/event-stream.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"goal-clarifier/handler"
	"goal-clarifier/internal/session"
	"goal-clarifier/internal/usecase"
)

const maxRequestBodySize = 64 << 10

type TurnService interface {
	Turn(ctx context.Context, in usecase.TurnInput) (usecase.TurnOutput, error)
	Stream(ctx context.Context, in usecase.TurnInput) iter.Seq2[usecase.Event, error]
}

type SessionViewer interface {
	View(ctx context.Context, sessionID string) (session.Snapshot, error)
}

type Handler struct {
	turns    TurnService
	sessions SessionViewer
	ready    func(ctx context.Context) error
}

type Option func(*Handler)

// WithReadiness sets the check behind GET /ready, typically a store ping.
func WithReadiness(check func(ctx context.Context) error) Option {
	return func(h *Handler) {
		h.ready = check
	}
}

func NewHandler(turns TurnService, sessions SessionViewer, opts ...Option) (*Handler, error) {
	if turns == nil {
		return nil, errors.New("httpapi: turn service must not be nil")
	}
	if sessions == nil {
		return nil, errors.New("httpapi: session viewer must not be nil")
	}
	h := &Handler{turns: turns, sessions: sessions}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// NewRouter builds the router with the standard middleware stack.
func NewRouter(h *Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	h.RegisterRoutes(r)
	return r
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ready", h.HandleReady)
	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", h.HandleCreateSession)
		r.Get("/{id}", h.HandleGetSession)
		r.Post("/{id}/turns", h.HandleTurn)
	})
}

type turnRequest struct {
	Message string `json:"message"`
}

type strategyEvent struct {
	SessionID   string `json:"sessionId"`
	Strategy    string `json:"strategy"`
	Instruction string `json:"instruction"`
}

type fragmentEvent struct {
	Fragment string `json:"fragment"`
}

type turnView struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Strategy  string    `json:"strategy,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type summaryView struct {
	Text      string    `json:"text"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type sessionView struct {
	SessionID    string       `json:"sessionId"`
	LastStrategy string       `json:"lastStrategy,omitempty"`
	Summary      *summaryView `json:"summary,omitempty"`
	Turns        []turnView   `json:"turns"`
}

// HandleReady reports whether the session store is reachable. /health only
// reports that the process is up.
func (h *Handler) HandleReady(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.ready(ctx); err != nil {
			slog.Warn("readiness check failed", "err", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HandleCreateSession allocates a session id. Nothing is stored until the
// first turn.
func (h *Handler) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusCreated, map[string]string{"sessionId": uuid.NewString()})
}

func (h *Handler) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, err := h.sessions.View(r.Context(), id)
	if errors.Is(err, session.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, handler.ErrorResponse{Error: "NOT_FOUND", SessionID: id})
		return
	}
	if err != nil {
		slog.Error("session view failed", "session_id", id, "err", err)
		writeJSON(w, http.StatusInternalServerError, handler.ErrorResponse{Error: string(usecase.ErrorInternal), SessionID: id})
		return
	}

	view := sessionView{SessionID: snap.SessionID, LastStrategy: snap.LastStrategy, Turns: make([]turnView, 0, len(snap.Turns))}
	if snap.Summary.Text != "" {
		view.Summary = &summaryView{Text: snap.Summary.Text, UpdatedAt: snap.Summary.UpdatedAt}
	}
	for _, t := range snap.Turns {
		tv := turnView{ID: t.ID, Role: string(t.Role), Content: t.Content, Timestamp: t.Timestamp}
		if t.Strategy.Valid() {
			tv.Strategy = t.Strategy.String()
		}
		view.Turns = append(view.Turns, tv)
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) HandleTurn(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, handler.ErrorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "body_too_large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, handler.ErrorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_json"})
		return
	}
	in := usecase.TurnInput{SessionID: chi.URLParam(r, "id"), Message: req.Message}

	slog.Info("turn request",
		"session_id", in.SessionID,
		"request_id", chiMiddleware.GetReqID(r.Context()),
		"message_length", len(req.Message),
	)

	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		h.streamTurn(w, r, in)
		return
	}

	out, err := h.turns.Turn(r.Context(), in)
	if err != nil {
		status, resp := handler.ErrorStatus(err)
		writeJSON(w, status, resp)
		return
	}
	writeJSON(w, http.StatusOK, handler.NewTurnResponse(out))
}

func (h *Handler) streamTurn(w http.ResponseWriter, r *http.Request, in usecase.TurnInput) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, handler.ErrorResponse{Error: string(usecase.ErrorInternal), Reason: "streaming_unsupported"})
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func(event string, payload any) bool {
		data, err := json.Marshal(payload)
		if err != nil {
			slog.Warn("failed to marshal SSE payload", "event", event, "err", err)
			return false
		}
		if err := writeSSE(w, event, string(data)); err != nil {
			slog.Warn("failed to write SSE event", "event", event, "err", err)
			return false
		}
		flusher.Flush()
		return true
	}

	for ev, err := range h.turns.Stream(r.Context(), in) {
		if err != nil {
			_, resp := handler.ErrorStatus(err)
			send("error", resp)
			return
		}
		var sent bool
		switch ev.Kind {
		case usecase.EventStrategy:
			sent = send("strategy", strategyEvent{SessionID: ev.SessionID, Strategy: ev.Strategy.String(), Instruction: ev.Instruction})
		case usecase.EventFragment:
			sent = send("message", fragmentEvent{Fragment: ev.Fragment})
		case usecase.EventDone:
			if ev.Output == nil {
				continue
			}
			sent = send("done", handler.NewTurnResponse(*ev.Output))
		default:
			sent = true
		}
		if !sent {
			// client gone; stopping the stream abandons the turn
			return
		}
	}
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("failed to write JSON response", "err", err)
	}
}
