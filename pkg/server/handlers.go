package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odvcencio/agentremote/pkg/approval"
	"github.com/odvcencio/agentremote/pkg/bus"
	"github.com/odvcencio/agentremote/pkg/control"
	agenterrors "github.com/odvcencio/agentremote/pkg/errors"
	"github.com/odvcencio/agentremote/pkg/logging"
	"github.com/odvcencio/agentremote/pkg/storage"
	"github.com/odvcencio/agentremote/pkg/task"
)

const maxBodyBytes = 64 << 10

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return agenterrors.Validation("Request body must be a JSON object with the documented fields")
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

type completionRequest struct {
	Status  string `json:"status"`
	Summary string `json:"summary,omitempty"`
}

func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "taskID"))
	var body completionRequest
	if err := decodeBody(w, r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	status, err := task.ParseStatus(body.Status)
	if err != nil || (status != task.StatusCompleted && status != task.StatusFailed) {
		respondError(w, http.StatusBadRequest, agenterrors.Validation("Completion status must be completed or failed"))
		return
	}

	t, err := s.ctl.Task(r.Context(), taskID)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	if t == nil {
		respondError(w, http.StatusNotFound, agenterrors.New(agenterrors.ErrCodeNotFound, "task not found").WithUserMessage("Task not found"))
		return
	}

	report := bus.Completion{
		TaskID:      t.ID,
		Status:      string(status),
		Summary:     body.Summary,
		Source:      claimsFromContext(r.Context()).Subject,
		CompletedAt: time.Now().UTC(),
	}

	if s.cfg.Bus != nil {
		if err := bus.PublishJSON(r.Context(), s.cfg.Bus, s.cfg.Subjects.TaskCompleted(), report); err != nil {
			s.logger.Error(logging.CategoryNetwork, "publish_failed", "completion not published", map[string]any{
				"task_id": t.ID,
				"error":   err.Error(),
			})
			respondError(w, http.StatusServiceUnavailable, agenterrors.Wrap(err, agenterrors.ErrCodeInternal, "publish completion").WithRetryable(true))
			return
		}
		respondJSON(w, http.StatusAccepted, map[string]string{"task_id": t.ID, "status": "accepted"})
		return
	}

	updated, err := s.ctl.HandleCompletion(r.Context(), report)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

type taskResponse struct {
	*task.Task
	Transitions []storage.Transition `json:"transitions,omitempty"`
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "taskID"))
	t, err := s.ctl.Task(r.Context(), taskID)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	if t == nil {
		respondError(w, http.StatusNotFound, agenterrors.New(agenterrors.ErrCodeNotFound, "task not found").WithUserMessage("Task not found"))
		return
	}
	resp := taskResponse{Task: t}
	if s.cfg.Ledger != nil {
		transitions, err := s.cfg.Ledger.Transitions(r.Context(), t.ID)
		if err != nil {
			s.logger.Warn(logging.CategoryTask, "ledger_read_failed", "could not read task transitions", map[string]any{
				"task_id": t.ID,
				"error":   err.Error(),
			})
		}
		resp.Transitions = transitions
	}
	respondJSON(w, http.StatusOK, resp)
}

type statusResponse struct {
	*control.StatusReport
	TaskCounts map[task.Status]int `json:"task_counts,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.ctl.Snapshot(r.Context(), "")
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	resp := statusResponse{StatusReport: report}
	if s.cfg.Ledger != nil {
		counts, err := s.cfg.Ledger.StatusCounts(r.Context())
		if err != nil {
			s.logger.Warn(logging.CategoryTask, "ledger_read_failed", "could not count tasks", map[string]any{
				"error": err.Error(),
			})
		}
		resp.TaskCounts = counts
	}
	respondJSON(w, http.StatusOK, resp)
}

type approvalRequest struct {
	TaskID  string `json:"task_id,omitempty"`
	Summary string `json:"summary,omitempty"`
}

func (s *Server) handleRequestApproval(w http.ResponseWriter, r *http.Request) {
	var body approvalRequest
	if err := decodeBody(w, r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	h, err := s.ctl.RequestApproval(r.Context(), control.ApprovalRequest{
		TaskID:  body.TaskID,
		Summary: body.Summary,
		Source:  claimsFromContext(r.Context()).Subject,
	})
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	w.Header().Set("Location", "/v1/approvals/"+h.ID)
	respondJSON(w, http.StatusCreated, h)
}

type approvalStatus struct {
	HandleID   string               `json:"handle_id"`
	State      string               `json:"state"`
	Resolution *approval.Resolution `json:"resolution,omitempty"`
}

// handleWaitApproval blocks until the gate is resolved. The only deadline
// is the caller's, or an explicit ?timeout= duration after which the
// response reports the gate as still pending.
func (s *Server) handleWaitApproval(w http.ResponseWriter, r *http.Request) {
	handleID := strings.TrimSpace(chi.URLParam(r, "handleID"))
	ctx := r.Context()

	bounded := false
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			respondError(w, http.StatusBadRequest, agenterrors.Validation("timeout must be a positive duration such as 30s"))
			return
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
		bounded = true
	}

	res, err := s.ctl.WaitApproval(ctx, handleID)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, approvalStatus{HandleID: res.HandleID, State: "resolved", Resolution: res})
	case bounded && errors.Is(err, context.DeadlineExceeded) && r.Context().Err() == nil:
		respondJSON(w, http.StatusAccepted, approvalStatus{HandleID: handleID, State: "pending"})
	case r.Context().Err() != nil:
		// Caller went away; nobody is listening.
	default:
		respondError(w, statusFor(err), err)
	}
}

func (s *Server) handleNextResolution(w http.ResponseWriter, r *http.Request) {
	res, err := s.ctl.NextResolution(r.Context())
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	if res == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	respondJSON(w, http.StatusOK, res)
}
