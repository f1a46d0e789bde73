// Package gatewayhttp exposes the session registry over a small JSON API:
// create-or-get, list, delete, and a blocking pairing-challenge fetch. The
// routing here is deliberately thin; all lifecycle behavior lives in the
// sessions package.
package gatewayhttp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/wamux/wamux/internal/logctx"
	"github.com/wamux/wamux/sessions"
)

var _ http.Handler = (*Handler)(nil)

// Handler serves the session management API.
type Handler struct {
	reg       *sessions.Registry
	log       *slog.Logger
	mux       *http.ServeMux
	qrTimeout time.Duration
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the handler's logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// WithQRTimeout bounds how long a challenge fetch may block, default 60s.
func WithQRTimeout(d time.Duration) Option {
	return func(h *Handler) { h.qrTimeout = d }
}

func New(reg *sessions.Registry, opts ...Option) *Handler {
	h := &Handler{
		reg:       reg,
		log:       slog.Default(),
		qrTimeout: 60 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/sessions", h.handleList)
	mux.HandleFunc("POST /v1/sessions/{id}", h.handleCreateOrGet)
	mux.HandleFunc("DELETE /v1/sessions/{id}", h.handleDelete)
	mux.HandleFunc("GET /v1/sessions/{id}/qr", h.handleQR)
	h.mux = mux
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: r.RemoteAddr,
	})
	h.mux.ServeHTTP(w, r.WithContext(ctx))
}

// sessionStatus is the API view of one session.
type sessionStatus struct {
	ID            string `json:"id"`
	Authenticated bool   `json:"authenticated"`
	Identity      string `json:"identity,omitempty"`
	// Status is "ready" when the session is healthy weighing both identity
	// and its bound cache; otherwise "needs_qr".
	Status string `json:"status"`
}

func (h *Handler) status(ctx context.Context, sess *sessions.Session) sessionStatus {
	st := sessionStatus{
		ID:            sess.ID(),
		Authenticated: sess.Authenticated(),
		Identity:      sess.Identity(),
		Status:        "needs_qr",
	}
	if sess.Healthy(ctx) {
		st.Status = "ready"
	}
	return st
}

func (h *Handler) handleCreateOrGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	sess, err := h.reg.CreateOrGet(ctx, id)
	if err != nil {
		if errors.Is(err, sessions.ErrRegistryClosed) {
			h.writeError(w, http.StatusServiceUnavailable, "registry_closed")
			return
		}
		h.log.ErrorContext(ctx, "session creation failed", "session_id", id, "err", err)
		h.writeError(w, http.StatusBadGateway, "connection_failed")
		return
	}
	h.writeJSON(w, http.StatusOK, h.status(ctx, sess))
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"sessions": h.reg.List(r.Context()),
	})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	if err := h.reg.Delete(ctx, id); err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			h.writeError(w, http.StatusNotFound, "session_not_found")
			return
		}
		h.log.ErrorContext(ctx, "session delete failed", "session_id", id, "err", err)
		h.writeError(w, http.StatusInternalServerError, "delete_failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleQR(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	sess, err := h.reg.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "session_not_found")
		return
	}

	ctx := logctx.WithSessionData(r.Context(), &logctx.SessionData{
		SessionID: sess.ID(),
		State:     sess.State(),
	})
	ctx, cancel := context.WithTimeout(ctx, h.qrTimeout)
	defer cancel()
	code, err := sess.WaitForQR(ctx)
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, map[string]string{"qr": code})
	case errors.Is(err, sessions.ErrAlreadyAuthenticated):
		h.writeError(w, http.StatusConflict, "already_authenticated")
	case errors.Is(err, sessions.ErrChallengeSuperseded):
		h.writeError(w, http.StatusConflict, "superseded")
	case r.Context().Err() != nil:
		// The client went away mid-wait; there is nobody left to answer.
		h.log.DebugContext(ctx, "challenge wait abandoned", "session_id", id)
	case errors.Is(err, context.DeadlineExceeded):
		h.writeError(w, http.StatusGatewayTimeout, "qr_timeout")
	default:
		h.log.ErrorContext(ctx, "challenge wait failed", "session_id", id, "err", err)
		h.writeError(w, http.StatusInternalServerError, "qr_failed")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warn("writing response failed", "err", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code string) {
	h.writeJSON(w, status, map[string]string{"error": code})
}
