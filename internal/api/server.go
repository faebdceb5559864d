package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"fiscal-sync/internal/config"
	"fiscal-sync/internal/dispatch"
	"fiscal-sync/internal/models"
	"fiscal-sync/internal/queue"
	"fiscal-sync/internal/store"
	"fiscal-sync/internal/telemetry"
)

// Server wires HTTP handlers for the producer/operator API.
type Server struct {
	cfg    config.Config
	store  *store.Store
	queue  *queue.RedisQueue
	engine *dispatch.Engine
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store, q *queue.RedisQueue, e *dispatch.Engine) *Server {
	return &Server{cfg: cfg, store: st, queue: q, engine: e}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/dispatches", s.handleEnqueue)
	r.Get("/dispatches/{id}", s.handleGetDispatch)
	r.Get("/dlq", s.handleDLQ)
	r.Get("/tenants/{id}/sync", s.handleSyncState)
	return r
}

type enqueueRequest struct {
	TenantID    string `json:"tenant_id"`
	Target      string `json:"target"`
	Instance    string `json:"instance"`
	OriginLogID string `json:"origin_log_id"`
	Text        string `json:"text"`
}

type enqueueResponse struct {
	DispatchID string `json:"dispatch_id"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.TenantID == "" || req.Target == "" || req.Text == "" {
		http.Error(w, "tenant_id, target and text are required", http.StatusBadRequest)
		return
	}

	id, err := s.engine.Enqueue(r.Context(), dispatch.EnqueueParams{
		TenantID:    req.TenantID,
		Target:      req.Target,
		Instance:    req.Instance,
		OriginLogID: req.OriginLogID,
		Text:        req.Text,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{DispatchID: id})
}

func (s *Server) handleGetDispatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.store.GetDispatch(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleDLQ returns the DLQ contents (ids only).
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type syncStateResponse struct {
	State  models.CursorState `json:"state"`
	Status models.RunStatus   `json:"status"`
}

func (s *Server) handleSyncState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, err := s.store.GetCursorState(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, syncStateResponse{State: st, Status: models.DecodeRunStatus(st.StatusTag)})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
