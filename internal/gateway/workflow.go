package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus-core/internal/errdefs"
	"github.com/haasonsaas/nexus-core/internal/scheduler"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

// maxWebhookBody bounds inbound trigger payloads.
const maxWebhookBody = 1 << 20

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("projectId")
	if projectID == "" {
		s.fail(w, r, errdefs.New(errdefs.CodeValidation, "projectId query parameter is required"))
		return
	}
	pending, err := s.deps.Gate.ListPending(r.Context(), projectID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, pending)
}

type resolveApprovalRequest struct {
	Approve    bool   `json:"approve"`
	ResolvedBy string `json:"resolvedBy"`
	Note       string `json:"note,omitempty"`
}

func (s *Server) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	var req resolveApprovalRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.ResolvedBy == "" {
		s.fail(w, r, errdefs.New(errdefs.CodeValidation, "resolvedBy is required"))
		return
	}
	approval, err := s.deps.Gate.Resolve(r.Context(), r.PathValue("id"), req.Approve, req.ResolvedBy, req.Note)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, approval)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.deps.Store.Tasks.ListByProject(r.Context(), r.PathValue("pid"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, tasks)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var in scheduler.CreateInput
	if err := decode(r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	in.ProjectID = r.PathValue("pid")
	task, err := s.deps.Tasks.Create(r.Context(), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusCreated, task)
}

func (s *Server) handleApproveTask(w http.ResponseWriter, r *http.Request) {
	s.taskTransition(w, r, s.deps.Tasks.Approve)
}

func (s *Server) handleRejectTask(w http.ResponseWriter, r *http.Request) {
	s.taskTransition(w, r, s.deps.Tasks.Reject)
}

func (s *Server) handlePauseTask(w http.ResponseWriter, r *http.Request) {
	s.taskTransition(w, r, s.deps.Tasks.Pause)
}

func (s *Server) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	s.taskTransition(w, r, s.deps.Tasks.Resume)
}

func (s *Server) taskTransition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id string) (*models.ScheduledTask, error)) {
	task, err := fn(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, task)
}

func (s *Server) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	var hook models.Webhook
	if err := decode(r, &hook); err != nil {
		s.fail(w, r, err)
		return
	}
	switch {
	case hook.ProjectID == "":
		s.fail(w, r, errdefs.New(errdefs.CodeValidation, "projectId is required"))
		return
	case hook.Name == "":
		s.fail(w, r, errdefs.New(errdefs.CodeValidation, "name is required"))
		return
	case hook.TriggerPrompt == "":
		s.fail(w, r, errdefs.New(errdefs.CodeValidation, "triggerPrompt is required"))
		return
	}
	if hook.ID == "" {
		hook.ID = uuid.NewString()
	}
	if hook.Status == "" {
		hook.Status = models.WebhookActive
	}
	now := time.Now().UTC()
	hook.CreatedAt = now
	hook.UpdatedAt = now

	if err := s.deps.Store.Webhooks.Create(r.Context(), &hook); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusCreated, hook)
}

// handleTriggerWebhook executes a delivery. With ?async=true and a
// configured queue, the delivery is enqueued and a job id returned.
func (s *Server) handleTriggerWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		s.fail(w, r, errdefs.Wrap(errdefs.CodeValidation, "read body", err))
		return
	}

	var payload map[string]any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			s.fail(w, r, errdefs.Wrap(errdefs.CodeValidation, "invalid JSON payload", err))
			return
		}
	}

	headers := make(map[string]string, len(r.Header))
	for name := range r.Header {
		headers[name] = r.Header.Get(name)
	}

	ev := &models.WebhookEvent{
		WebhookID:  r.PathValue("webhookId"),
		Payload:    payload,
		RawBody:    body,
		Headers:    headers,
		SourceIP:   clientIP(r),
		ReceivedAt: time.Now().UTC(),
	}

	if s.deps.Queue != nil && r.URL.Query().Get("async") == "true" {
		jobID, err := s.deps.Queue.Enqueue(r.Context(), ev)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.respond(w, http.StatusAccepted, map[string]string{"jobId": jobID})
		return
	}

	res, err := s.deps.Hooks.Process(r.Context(), ev)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, res)
}

// handleTestWebhook runs a webhook against a caller-supplied sample payload,
// skipping signature and IP checks.
func (s *Server) handleTestWebhook(w http.ResponseWriter, r *http.Request) {
	hook, err := s.deps.Store.Webhooks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if hook.ProjectID != r.PathValue("pid") {
		s.fail(w, r, errdefs.New(errdefs.CodeNotFound, "webhook not found in project"))
		return
	}

	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && err != io.EOF {
		s.fail(w, r, errdefs.Wrap(errdefs.CodeValidation, "invalid JSON payload", err))
		return
	}

	res, err := s.deps.Hooks.Test(r.Context(), hook, payload)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, res)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
