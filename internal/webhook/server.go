// internal/webhook/server.go
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/user/interpsync/internal/realtime"
	"github.com/user/interpsync/internal/state"
	"github.com/user/interpsync/internal/types"
)

// API is the part of the sync facade the daemon exposes over HTTP.
type API interface {
	Health() realtime.Health
	Status(owner types.OwnerID) types.EntityStatus
	SetStatus(ctx context.Context, owner types.OwnerID, value types.StatusValue) error
	Messages(ctx context.Context, id types.ChannelID) ([]types.Message, error)
	SendMessage(ctx context.Context, id types.ChannelID, content string, parent types.MessageID) (types.Message, error)
	ForceReconnect(ctx context.Context) error
	SetVisible(visible bool)
}

// Server is the daemon's local control API.
type Server struct {
	api       API
	schedules *state.ScheduleStore
	reload    func() error
	mux       *http.ServeMux
}

// NewServer wires the routes. schedules, reload and gatherer may be nil.
func NewServer(api API, schedules *state.ScheduleStore, reload func() error, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		api:       api,
		schedules: schedules,
		reload:    reload,
		mux:       http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	if gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	s.mux.HandleFunc("GET /api/status/{owner}", s.handleGetStatus)
	s.mux.HandleFunc("POST /api/status/{owner}", s.handleSetStatus)
	s.mux.HandleFunc("GET /api/channels/{id}/messages", s.handleMessages)
	s.mux.HandleFunc("POST /api/channels/{id}/messages", s.handleSend)
	s.mux.HandleFunc("POST /api/reconnect", s.handleReconnect)
	s.mux.HandleFunc("POST /api/visibility", s.handleVisibility)
	s.mux.HandleFunc("GET /api/schedules", s.handleSchedules)
	s.mux.HandleFunc("POST /api/schedules/reload", s.handleReload)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.api.Health()
	status := "ok"
	if !h.Connected {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status, "connection": h})
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.api.Status(types.OwnerID(r.PathValue("owner"))))
}

type setStatusRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	var req setStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	value, err := types.ParseStatusValue(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	owner := types.OwnerID(r.PathValue("owner"))
	if err := s.api.SetStatus(r.Context(), owner, value); err != nil {
		slog.Warn("set status failed", "owner", string(owner), "error", err)
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.api.Status(owner))
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.api.Messages(r.Context(), types.ChannelID(r.PathValue("id")))
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	if msgs == nil {
		msgs = []types.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

type sendRequest struct {
	Content string `json:"content"`
	Parent  string `json:"parent_message_id"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	id := types.ChannelID(r.PathValue("id"))
	msg, err := s.api.SendMessage(r.Context(), id, req.Content, types.MessageID(req.Parent))
	if err != nil {
		slog.Warn("send message failed", "channel", string(id), "error", err)
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.api.ForceReconnect(r.Context()); err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.api.Health())
}

type visibilityRequest struct {
	Visible bool `json:"visible"`
}

func (s *Server) handleVisibility(w http.ResponseWriter, r *http.Request) {
	var req visibilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	s.api.SetVisible(req.Visible)
	writeJSON(w, http.StatusOK, map[string]bool{"visible": req.Visible})
}

func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	if s.schedules == nil {
		writeError(w, http.StatusServiceUnavailable, "schedules not configured")
		return
	}
	list, err := s.schedules.List()
	if err != nil {
		slog.Error("list schedules failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if list == nil {
		list = []*state.Schedule{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.reload == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not running")
		return
	}
	if err := s.reload(); err != nil {
		slog.Error("reload schedules failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

// errorStatus maps sync errors onto HTTP status codes.
func errorStatus(err error) int {
	var wc *types.WriteConflictError
	switch {
	case errors.Is(err, types.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, types.ErrForceReconnectTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &wc):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
