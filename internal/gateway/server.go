// Package gateway is the HTTP surface of the runtime. Every response is
// shaped {success, data|error{code,message,statusCode}}; error mapping
// follows the unified error codes.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/nexus-core/internal/agent"
	"github.com/haasonsaas/nexus-core/internal/approval"
	"github.com/haasonsaas/nexus-core/internal/errdefs"
	"github.com/haasonsaas/nexus-core/internal/inbound"
	"github.com/haasonsaas/nexus-core/internal/observability"
	"github.com/haasonsaas/nexus-core/internal/prompt"
	"github.com/haasonsaas/nexus-core/internal/scheduler"
	"github.com/haasonsaas/nexus-core/internal/secrets"
	"github.com/haasonsaas/nexus-core/internal/storage"
	"github.com/haasonsaas/nexus-core/internal/webhook"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

const shutdownTimeout = 10 * time.Second

// TurnRunner executes one agent turn. Satisfied by *agent.Runner.
type TurnRunner interface {
	Run(ctx context.Context, in *agent.RunInput) (*models.ExecutionTrace, error)
}

// Deps carries the services the gateway fronts. Queue and Channels are
// optional; the rest are required.
type Deps struct {
	Store    *storage.Store
	Runner   TurnRunner
	Prompts  *prompt.Service
	Gate     *approval.Gate
	Tasks    *scheduler.Service
	Hooks    *webhook.Processor
	Queue    *webhook.Queue
	Secrets  *secrets.Service
	Channels *inbound.Resolver
	Logger   *observability.Logger
	Metrics  *observability.Metrics
}

// Server is the HTTP gateway.
type Server struct {
	deps   Deps
	logger *observability.Logger
	http   *http.Server
}

// NewServer builds a gateway listening on addr.
func NewServer(addr string, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	s := &Server{
		deps:   deps,
		logger: logger.With("component", "gateway"),
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler, exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("POST /chat/stream", s.handleChatStream)

	mux.HandleFunc("GET /projects", s.handleListProjects)
	mux.HandleFunc("POST /projects", s.handleCreateProject)
	mux.HandleFunc("GET /projects/{id}", s.handleGetProject)

	mux.HandleFunc("GET /projects/{pid}/prompt-layers", s.handleListLayers)
	mux.HandleFunc("POST /projects/{pid}/prompt-layers", s.handleCreateLayer)
	mux.HandleFunc("GET /projects/{pid}/prompt-layers/active", s.handleActiveLayers)
	mux.HandleFunc("POST /prompt-layers/{id}/activate", s.handleActivateLayer)

	mux.HandleFunc("GET /projects/{pid}/sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}/messages", s.handleListMessages)
	mux.HandleFunc("GET /traces/{id}", s.handleGetTrace)

	mux.HandleFunc("GET /approvals", s.handleListApprovals)
	mux.HandleFunc("POST /approvals/{id}/resolve", s.handleResolveApproval)

	mux.HandleFunc("GET /projects/{pid}/scheduled-tasks", s.handleListTasks)
	mux.HandleFunc("POST /projects/{pid}/scheduled-tasks", s.handleCreateTask)
	mux.HandleFunc("POST /scheduled-tasks/{id}/approve", s.handleApproveTask)
	mux.HandleFunc("POST /scheduled-tasks/{id}/reject", s.handleRejectTask)
	mux.HandleFunc("POST /scheduled-tasks/{id}/pause", s.handlePauseTask)
	mux.HandleFunc("POST /scheduled-tasks/{id}/resume", s.handleResumeTask)

	mux.HandleFunc("POST /webhooks", s.handleCreateWebhook)
	mux.HandleFunc("POST /trigger/{webhookId}", s.handleTriggerWebhook)
	mux.HandleFunc("POST /projects/{pid}/webhooks/{id}/test", s.handleTestWebhook)

	mux.HandleFunc("GET /projects/{pid}/integrations", s.handleListIntegrations)
	mux.HandleFunc("POST /projects/{pid}/integrations", s.handleRegisterIntegration)

	mux.HandleFunc("GET /projects/{pid}/secrets", s.handleListSecrets)
	mux.HandleFunc("POST /projects/{pid}/secrets", s.handleSetSecret)
	mux.HandleFunc("DELETE /projects/{pid}/secrets/{key}", s.handleDeleteSecret)

	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.deps.Metrics.Registry(), promhttp.HandlerOpts{}))
	} else {
		mux.Handle("GET /metrics", promhttp.Handler())
	}
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	return s.logRequests(mux)
}

// Start serves until ctx is cancelled, then drains connections.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "gateway listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// envelope is the uniform response shape.
type envelope struct {
	Success bool           `json:"success"`
	Data    any            `json:"data,omitempty"`
	Error   *envelopeError `json:"error,omitempty"`
}

type envelopeError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"statusCode"`
}

func (s *Server) respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Success: true, Data: data}); err != nil {
		s.logger.Error(context.Background(), "response encode failed", "error", err)
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := errdefs.StatusOf(err)
	code := string(errdefs.CodeOf(err))
	if errors.Is(err, storage.ErrNotFound) {
		status = http.StatusNotFound
		code = string(errdefs.CodeNotFound)
	}
	if status >= 500 {
		s.logger.Error(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{
		Success: false,
		Error: &envelopeError{
			Code:       code,
			Message:    err.Error(),
			StatusCode: status,
		},
	})
}

// decode parses a JSON request body.
func decode(r *http.Request, into any) error {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return errdefs.Wrap(errdefs.CodeValidation, "invalid request body", err)
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug(r.Context(), "http request",
			"method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
