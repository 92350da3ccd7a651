package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/mailgate/internal/abuse"
	"github.com/foxzi/mailgate/internal/queue"
)

// defaultListLimit is used when a list request has no limit
const defaultListLimit = 50

// QueueResponse is the response for GET /api/admin/email-queue
type QueueResponse struct {
	Stats  *queue.Stats   `json:"stats"`
	Emails []*queue.Email `json:"emails"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string       `json:"status"`
	Version string       `json:"version"`
	Uptime  string       `json:"uptime"`
	Queue   *queue.Stats `json:"queue,omitempty"`
}

// CronErrorResponse is returned when a batch aborts on a storage error
type CronErrorResponse struct {
	Error  string             `json:"error"`
	Result *queue.BatchResult `json:"result"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Version: s.version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	}

	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.logger.Error("health check failed", "error", err)
		resp.Status = "degraded"
		sendJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	resp.Queue = stats

	sendJSON(w, http.StatusOK, resp)
}

// handleProcessQueue handles GET|POST /api/cron/process-email-queue.
// The batch keeps running if the cron client disconnects.
func (s *Server) handleProcessQueue(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())

	result, err := s.processor.RunBatch(ctx)
	if err != nil {
		s.logger.Error("queue batch failed", "error", err)
		sendJSON(w, http.StatusInternalServerError, CronErrorResponse{
			Error:  "Queue processing failed",
			Result: result,
		})
		return
	}

	sendJSON(w, http.StatusOK, result)
}

// handleQueueList handles GET /api/admin/email-queue
func (s *Server) handleQueueList(w http.ResponseWriter, r *http.Request) {
	filter := queue.ListFilter{
		Status: queue.Status(r.URL.Query().Get("status")),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		sendError(w, http.StatusBadRequest, "Invalid status")
		return
	}

	var err error
	if filter.Limit, filter.Offset, err = pagination(r); err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.logger.Error("failed to get queue stats", "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to get queue stats")
		return
	}

	emails, err := s.store.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list emails", "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to list emails")
		return
	}
	if emails == nil {
		emails = []*queue.Email{}
	}

	sendJSON(w, http.StatusOK, QueueResponse{Stats: stats, Emails: emails})
}

// handleQueueGet handles GET /api/admin/email-queue/{id}
func (s *Server) handleQueueGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	email, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to get email", "id", id, "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to get email")
		return
	}
	if email == nil {
		sendError(w, http.StatusNotFound, "Email not found")
		return
	}

	sendJSON(w, http.StatusOK, email)
}

// handleQueueRetry handles POST /api/admin/email-queue/{id}/retry
func (s *Server) handleQueueRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := s.store.Requeue(r.Context(), id, s.now())
	switch {
	case errors.Is(err, queue.ErrNotFound):
		sendError(w, http.StatusNotFound, "Email not found")
		return
	case errors.Is(err, queue.ErrNotFailed):
		sendError(w, http.StatusConflict, "Only failed emails can be retried")
		return
	case err != nil:
		s.logger.Error("failed to requeue email", "id", id, "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to requeue email")
		return
	}

	s.logger.Info("email requeued", "id", id)

	email, err := s.store.Get(r.Context(), id)
	if err != nil || email == nil {
		sendJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(queue.StatusPending)})
		return
	}
	sendJSON(w, http.StatusOK, email)
}

// handleBlockedList handles GET /api/admin/blocked-requests
func (s *Server) handleBlockedList(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		sendJSON(w, http.StatusOK, []*abuse.BlockedRequest{})
		return
	}

	filter := abuse.BlockedFilter{
		Form: r.URL.Query().Get("form"),
		IP:   r.URL.Query().Get("ip"),
	}

	var err error
	if filter.Limit, filter.Offset, err = pagination(r); err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	blocked, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list blocked requests", "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to list blocked requests")
		return
	}
	if blocked == nil {
		blocked = []*abuse.BlockedRequest{}
	}

	sendJSON(w, http.StatusOK, blocked)
}

// pagination reads limit and offset query parameters
func pagination(r *http.Request) (limit, offset int, err error) {
	limit = defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 1 || limit > 1000 {
			return 0, 0, errors.New("limit must be between 1 and 1000")
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		offset, err = strconv.Atoi(v)
		if err != nil || offset < 0 {
			return 0, 0, errors.New("offset must not be negative")
		}
	}
	return limit, offset, nil
}

func sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func sendError(w http.ResponseWriter, status int, message string) {
	sendJSON(w, status, ErrorResponse{Error: message})
}
