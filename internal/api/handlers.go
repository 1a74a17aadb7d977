package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mailtide/mailtide/internal/queue"
	"github.com/mailtide/mailtide/internal/store"
)

// HealthResponse is the response for GET /healthz.
type HealthResponse struct {
	Status string       `json:"status"`
	Uptime string       `json:"uptime"`
	Queue  *queue.Stats `json:"queue"`
}

// JobSummary is one queue entry in GET /api/v1/queue/jobs.
type JobSummary struct {
	ID        string    `json:"id"`
	OwnerKind string    `json:"owner_kind"`
	OwnerID   string    `json:"owner_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	State     string    `json:"state"`
	NotBefore time.Time `json:"not_before"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
}

// StatusChangeResponse reports the result of a pause/resume/trigger call.
type StatusChangeResponse struct {
	ID        string `json:"id"`
	Status    string `json:"status,omitempty"`
	Cancelled int    `json:"cancelled_jobs,omitempty"`
}

// ErrorResponse is the error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "queue unavailable")
		return
	}
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Uptime: time.Since(s.startTime).Round(time.Second).String(),
		Queue:  stats,
	})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.sendJSON(w, http.StatusOK, stats)
}

func (s *Server) handleQueueJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := queue.ListFilter{
		State:     queue.JobState(q.Get("state")),
		OwnerKind: queue.OwnerKind(q.Get("owner_kind")),
		OwnerID:   q.Get("owner_id"),
		Limit:     100,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			s.sendError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.sendError(w, http.StatusBadRequest, "offset must be non-negative")
			return
		}
		filter.Offset = n
	}

	jobs, err := s.queue.List(r.Context(), filter)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]JobSummary, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, JobSummary{
			ID:        j.ID,
			OwnerKind: string(j.OwnerKind),
			OwnerID:   j.OwnerID,
			From:      j.From,
			To:        j.To,
			State:     string(j.State),
			NotBefore: j.NotBefore,
			Attempts:  j.Attempts,
			LastError: j.LastError,
		})
	}
	s.sendJSON(w, http.StatusOK, out)
}

func (s *Server) handleCampaignTrigger(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.trigger.Trigger(r.Context(), id); err != nil {
		s.sendError(w, http.StatusConflict, err.Error())
		return
	}
	s.sendJSON(w, http.StatusAccepted, StatusChangeResponse{ID: id, Status: string(store.CampaignRunning)})
}

func (s *Server) handleCampaignPause(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	if err := s.db.Campaigns.UpdateStatus(ctx, id, store.CampaignPaused); err != nil {
		s.sendError(w, http.StatusConflict, err.Error())
		return
	}

	// Best-effort: already-active jobs finish, everything pending goes.
	cancelled, err := s.queue.CancelPending(ctx, queue.OwnerCampaign, id)
	if err != nil {
		s.logger.Error("failed to cancel pending campaign jobs", "campaign_id", id, "error", err)
	}

	s.logger.Info("campaign paused", "campaign_id", id, "cancelled_jobs", cancelled)
	s.sendJSON(w, http.StatusOK, StatusChangeResponse{
		ID:        id,
		Status:    string(store.CampaignPaused),
		Cancelled: cancelled,
	})
}

func (s *Server) handleCampaignResume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.db.Campaigns.UpdateStatus(r.Context(), id, store.CampaignRunning); err != nil {
		s.sendError(w, http.StatusConflict, err.Error())
		return
	}

	s.logger.Info("campaign resumed", "campaign_id", id)
	s.sendJSON(w, http.StatusOK, StatusChangeResponse{ID: id, Status: string(store.CampaignRunning)})
}

func (s *Server) handleWarmupPause(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	if err := s.db.Warmups.UpdateStatus(ctx, id, store.WarmupPaused); err != nil {
		s.sendError(w, http.StatusConflict, err.Error())
		return
	}

	cancelled, err := s.queue.CancelPending(ctx, queue.OwnerWarmup, id)
	if err != nil {
		s.logger.Error("failed to cancel pending warmup jobs", "mailbox_id", id, "error", err)
	}

	s.logger.Info("warmup paused", "mailbox_id", id, "cancelled_jobs", cancelled)
	s.sendJSON(w, http.StatusOK, StatusChangeResponse{
		ID:        id,
		Status:    string(store.WarmupPaused),
		Cancelled: cancelled,
	})
}

func (s *Server) handleWarmupResume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.db.Warmups.UpdateStatus(r.Context(), id, store.WarmupActive); err != nil {
		s.sendError(w, http.StatusConflict, err.Error())
		return
	}

	s.logger.Info("warmup resumed", "mailbox_id", id)
	s.sendJSON(w, http.StatusOK, StatusChangeResponse{ID: id, Status: string(store.WarmupActive)})
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, status int, msg string) {
	s.sendJSON(w, status, ErrorResponse{Error: msg})
}
