package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/Rajchodisetti/swing-engine/internal/decision"
	"github.com/Rajchodisetti/swing-engine/internal/engine"
	"github.com/Rajchodisetti/swing-engine/internal/lifecycle"
	"github.com/Rajchodisetti/swing-engine/internal/observ"
	"github.com/Rajchodisetti/swing-engine/internal/portfolio"
	"github.com/Rajchodisetti/swing-engine/internal/publish"
)

// UserHeader carries the authenticated user id, set by the fronting proxy.
const UserHeader = "X-User-ID"

// Controls is the engine surface the API drives.
type Controls interface {
	CreateSet(ctx context.Context, userID uint, name string, params decision.Params, scripts []engine.ScriptSpec) (portfolio.StrategySet, error)
	Deploy(ctx context.Context, userID, setID uint) error
	Undeploy(ctx context.Context, userID, setID uint) error
	ToggleSet(ctx context.Context, userID, setID uint) (string, error)
	ToggleScript(ctx context.Context, userID, scriptID uint) (lifecycle.Status, error)
	Retry(ctx context.Context, userID, scriptID uint) (lifecycle.Status, error)
	State(ctx context.Context, userID uint) (map[string]portfolio.ScriptState, error)
}

type Server struct {
	controls Controls
	hub      *publish.Hub
	slack    http.Handler
	mux      *http.ServeMux
}

// NewServer registers the REST, streaming and operational routes. slack may be nil.
func NewServer(controls Controls, hub *publish.Hub, slack http.Handler) *Server {
	s := &Server{controls: controls, hub: hub, slack: slack, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/sets", s.handleCreateSet)
	s.mux.HandleFunc("POST /api/sets/{id}/deploy", s.handleSetAction(func(ctx context.Context, user, id uint) (any, error) {
		return nil, s.controls.Deploy(ctx, user, id)
	}))
	s.mux.HandleFunc("POST /api/sets/{id}/undeploy", s.handleSetAction(func(ctx context.Context, user, id uint) (any, error) {
		return nil, s.controls.Undeploy(ctx, user, id)
	}))
	s.mux.HandleFunc("POST /api/sets/{id}/toggle", s.handleSetAction(func(ctx context.Context, user, id uint) (any, error) {
		status, err := s.controls.ToggleSet(ctx, user, id)
		return statusResponse{Status: status}, err
	}))
	s.mux.HandleFunc("POST /api/scripts/{id}/retry", s.handleSetAction(func(ctx context.Context, user, id uint) (any, error) {
		status, err := s.controls.Retry(ctx, user, id)
		return statusResponse{Status: string(status)}, err
	}))
	s.mux.HandleFunc("POST /api/scripts/{id}/toggle", s.handleSetAction(func(ctx context.Context, user, id uint) (any, error) {
		status, err := s.controls.ToggleScript(ctx, user, id)
		return statusResponse{Status: string(status)}, err
	}))
	s.mux.HandleFunc("GET /api/state", s.handleState)

	s.mux.Handle("GET /events", publish.NewSSEHandler(s.hub, UserFromRequest, 15*time.Second))
	s.mux.Handle("GET /ws", publish.NewWSHandler(s.hub, UserFromRequest))
	s.mux.Handle("GET /metrics", observ.Handler())
	s.mux.Handle("GET /healthz", observ.HealthHandler())
	if s.slack != nil {
		s.mux.Handle("POST /slack/commands", s.slack)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// UserFromRequest reads the user id header.
func UserFromRequest(r *http.Request) (uint, bool) {
	id, err := strconv.ParseUint(r.Header.Get(UserHeader), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

type createSetRequest struct {
	Name    string              `json:"name"`
	Params  decision.Params     `json:"params"`
	Scripts []engine.ScriptSpec `json:"scripts"`
}

type statusResponse struct {
	Status string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleCreateSet(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromRequest(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing or invalid "+UserHeader)
		return
	}
	var req createSetRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	set, err := s.controls.CreateSet(r.Context(), user, req.Name, req.Params, req.Scripts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, set)
}

func (s *Server) handleSetAction(fn func(ctx context.Context, user, id uint) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := UserFromRequest(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing or invalid "+UserHeader)
			return
		}
		id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
		if err != nil || id == 0 {
			writeError(w, http.StatusBadRequest, "invalid id")
			return
		}
		out, err := fn(r.Context(), user, uint(id))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if out == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromRequest(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing or invalid "+UserHeader)
		return
	}
	state, err := s.controls.State(r.Context(), user)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		observ.LogError("http_request_failed", err, map[string]any{"method": r.Method, "path": r.URL.Path})
	}
	observ.IncCounter("http_errors_total", map[string]string{"code": strconv.Itoa(code)})
	writeError(w, code, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, portfolio.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrInvalidTransition), errors.Is(err, engine.ErrArchived):
		return http.StatusConflict
	case errors.Is(err, engine.ErrInvalidSet):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		observ.LogWarn("http_encode_failed", map[string]any{"error": err.Error()})
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}
