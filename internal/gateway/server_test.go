package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/haasonsaas/nexus-core/internal/agent"
	"github.com/haasonsaas/nexus-core/internal/approval"
	"github.com/haasonsaas/nexus-core/internal/errdefs"
	"github.com/haasonsaas/nexus-core/internal/inbound"
	"github.com/haasonsaas/nexus-core/internal/prompt"
	"github.com/haasonsaas/nexus-core/internal/scheduler"
	"github.com/haasonsaas/nexus-core/internal/secrets"
	"github.com/haasonsaas/nexus-core/internal/storage"
	"github.com/haasonsaas/nexus-core/internal/webhook"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

type stubRunner struct {
	reply string
	err   error
}

func (s *stubRunner) Run(_ context.Context, in *agent.RunInput) (*models.ExecutionTrace, error) {
	if s.err != nil {
		return nil, s.err
	}
	if in.OnEvent != nil {
		in.OnEvent(agent.ChatEvent{Type: agent.EventMessageStart, MessageID: "m1"})
		in.OnEvent(agent.ChatEvent{Type: agent.EventContentDelta, Text: s.reply})
		in.OnEvent(agent.ChatEvent{Type: agent.EventMessageEnd, StopReason: agent.StopEndTurn})
	}
	return &models.ExecutionTrace{
		ID:        "trace-1",
		ProjectID: in.ProjectID,
		SessionID: in.SessionID,
		Status:    models.TraceCompleted,
		Events: []models.TraceEvent{
			{Sequence: 0, Type: models.EventToolCall, ToolCallID: "c1", ToolID: "echo"},
			{Sequence: 1, Type: models.EventToolResult, ToolCallID: "c1", ToolID: "echo", Output: "pong"},
		},
	}, nil
}

func testServer(t *testing.T, runner TurnRunner) (*Server, *storage.Store) {
	t.Helper()
	store := storage.NewMemoryStore()
	if err := store.Projects.Create(context.Background(), &models.Project{ID: "proj-1", Name: "support"}); err != nil {
		t.Fatal(err)
	}

	sec, err := secrets.NewService(bytes.Repeat([]byte{0xAB}, 32), store.Secrets)
	if err != nil {
		t.Fatal(err)
	}
	hooks := webhook.NewProcessor(store, runner, nil)

	return NewServer("127.0.0.1:0", Deps{
		Store:    store,
		Runner:   runner,
		Prompts:  prompt.NewService(store.Layers),
		Gate:     approval.NewGate(store.Approvals),
		Tasks:    scheduler.NewService(store),
		Hooks:    hooks,
		Secrets:  sec,
		Channels: inbound.NewResolver(nil),
	}), store
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("malformed envelope: %v\n%s", err, rec.Body.String())
	}
	return env
}

func dataMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	env := decodeEnvelope(t, rec)
	if !env.Success {
		t.Fatalf("success=false: %s", rec.Body.String())
	}
	m, ok := env.Data.(map[string]any)
	if !ok {
		t.Fatalf("data is %T", env.Data)
	}
	return m
}

func TestChatEndpoint(t *testing.T) {
	s, store := testServer(t, &stubRunner{reply: "hello"})

	rec := do(t, s, http.MethodPost, "/chat", map[string]string{
		"projectId": "proj-1",
		"message":   "hi",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	data := dataMap(t, rec)
	if data["response"] != "hello" {
		t.Errorf("response = %v", data["response"])
	}
	if data["traceId"] != "trace-1" {
		t.Errorf("traceId = %v", data["traceId"])
	}
	calls, ok := data["toolCalls"].([]any)
	if !ok || len(calls) != 1 {
		t.Fatalf("toolCalls = %v", data["toolCalls"])
	}
	call := calls[0].(map[string]any)
	if call["output"] != "pong" {
		t.Errorf("tool call output = %v", call["output"])
	}

	// The synthesized session exists and is reusable.
	sessionID, _ := data["sessionId"].(string)
	if _, err := store.Sessions.Get(context.Background(), sessionID); err != nil {
		t.Errorf("session not persisted: %v", err)
	}
	rec = do(t, s, http.MethodPost, "/chat", map[string]string{
		"projectId": "proj-1",
		"sessionId": sessionID,
		"message":   "again",
	})
	if got := dataMap(t, rec)["sessionId"]; got != sessionID {
		t.Errorf("session not reused: %v", got)
	}
}

func TestChatValidationEnvelope(t *testing.T) {
	s, _ := testServer(t, &stubRunner{})

	rec := do(t, s, http.MethodPost, "/chat", map[string]string{"projectId": "proj-1"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	if env.Success {
		t.Error("success = true on error")
	}
	if env.Error.Code != string(errdefs.CodeValidation) {
		t.Errorf("code = %s", env.Error.Code)
	}
	if env.Error.StatusCode != http.StatusBadRequest {
		t.Errorf("statusCode = %d", env.Error.StatusCode)
	}
}

func TestChatRunnerErrorMapped(t *testing.T) {
	s, _ := testServer(t, &stubRunner{err: errdefs.New(errdefs.CodeBudgetExceeded, "spent")})

	rec := do(t, s, http.MethodPost, "/chat", map[string]string{
		"projectId": "proj-1",
		"message":   "hi",
	})
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rec.Code)
	}
	if env := decodeEnvelope(t, rec); env.Error.Code != string(errdefs.CodeBudgetExceeded) {
		t.Errorf("code = %s", env.Error.Code)
	}
}

func TestChatStreamSSE(t *testing.T) {
	s, _ := testServer(t, &stubRunner{reply: "streamed"})

	rec := do(t, s, http.MethodPost, "/chat/stream", map[string]string{
		"projectId": "proj-1",
		"message":   "hi",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"type":"content_delta"`) {
		t.Errorf("no content_delta frame in:\n%s", body)
	}
	if !strings.Contains(body, "event: trace") || !strings.Contains(body, "trace-1") {
		t.Errorf("no terminal trace frame in:\n%s", body)
	}
}

func TestProjectRoutes(t *testing.T) {
	s, _ := testServer(t, &stubRunner{})

	rec := do(t, s, http.MethodPost, "/projects", map[string]any{"name": "new app"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	id, _ := dataMap(t, rec)["id"].(string)
	if id == "" {
		t.Fatal("no id assigned")
	}

	rec = do(t, s, http.MethodGet, "/projects/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("get status = %d", rec.Code)
	}

	rec = do(t, s, http.MethodGet, "/projects/ghost", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing project status = %d", rec.Code)
	}
	if env := decodeEnvelope(t, rec); env.Error.Code != string(errdefs.CodeNotFound) {
		t.Errorf("code = %s", env.Error.Code)
	}
}

func TestPromptLayerRoutes(t *testing.T) {
	s, _ := testServer(t, &stubRunner{})

	mk := func(layerType, content string) string {
		rec := do(t, s, http.MethodPost, "/projects/proj-1/prompt-layers", map[string]any{
			"layerType":    layerType,
			"content":      content,
			"createdBy":    "ops",
			"changeReason": "initial",
			"activate":     true,
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("layer create status = %d: %s", rec.Code, rec.Body.String())
		}
		id, _ := dataMap(t, rec)["id"].(string)
		return id
	}
	mk("identity", "You are a support agent.")
	mk("instructions", "Answer briefly.")
	mk("safety", "Never leak secrets.")

	rec := do(t, s, http.MethodGet, "/projects/proj-1/prompt-layers/active", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("active status = %d: %s", rec.Code, rec.Body.String())
	}
	snapshot := dataMap(t, rec)
	if snapshot["identityVersion"] != float64(1) {
		t.Errorf("identityVersion = %v", snapshot["identityVersion"])
	}

	// A second identity version activates over the first.
	v2 := mk("identity", "You are a sales agent.")
	rec = do(t, s, http.MethodPost, "/prompt-layers/"+v2+"/activate", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("activate status = %d", rec.Code)
	}

	rec = do(t, s, http.MethodGet, "/projects/proj-1/prompt-layers?type=identity", nil)
	env := decodeEnvelope(t, rec)
	layers, _ := env.Data.([]any)
	if len(layers) != 2 {
		t.Errorf("identity versions = %d, want 2", len(layers))
	}
}

func TestApprovalRoutes(t *testing.T) {
	s, store := testServer(t, &stubRunner{})
	gate := approval.NewGate(store.Approvals)

	req, err := gate.Request(context.Background(), approval.Request{
		ProjectID: "proj-1",
		SessionID: "sess-1",
		ToolID:    "shell",
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := do(t, s, http.MethodGet, "/approvals?projectId=proj-1", nil)
	env := decodeEnvelope(t, rec)
	if pending, _ := env.Data.([]any); len(pending) != 1 {
		t.Errorf("pending = %d, want 1", len(pending))
	}

	rec = do(t, s, http.MethodPost, "/approvals/"+req.ID+"/resolve", map[string]any{
		"approve":    true,
		"resolvedBy": "ops",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := dataMap(t, rec)["status"]; got != "approved" {
		t.Errorf("status = %v", got)
	}
}

func TestScheduledTaskRoutes(t *testing.T) {
	s, _ := testServer(t, &stubRunner{})

	rec := do(t, s, http.MethodPost, "/projects/proj-1/scheduled-tasks", map[string]any{
		"name":           "digest",
		"cronExpression": "0 9 * * *",
		"taskPayload":    map[string]string{"message": "summarize"},
		"origin":         "agent_proposed",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	data := dataMap(t, rec)
	id, _ := data["id"].(string)
	if data["status"] != "proposed" {
		t.Errorf("status = %v", data["status"])
	}

	rec = do(t, s, http.MethodPost, "/scheduled-tasks/"+id+"/approve", nil)
	if got := dataMap(t, rec)["status"]; got != "active" {
		t.Errorf("approved status = %v", got)
	}

	rec = do(t, s, http.MethodPost, "/scheduled-tasks/"+id+"/pause", nil)
	if got := dataMap(t, rec)["status"]; got != "paused" {
		t.Errorf("paused status = %v", got)
	}

	rec = do(t, s, http.MethodGet, "/projects/proj-1/scheduled-tasks", nil)
	env := decodeEnvelope(t, rec)
	if tasks, _ := env.Data.([]any); len(tasks) != 1 {
		t.Errorf("tasks = %d, want 1", len(tasks))
	}
}

func TestWebhookRoutes(t *testing.T) {
	s, _ := testServer(t, &stubRunner{reply: "handled"})

	rec := do(t, s, http.MethodPost, "/webhooks", map[string]any{
		"projectId":     "proj-1",
		"name":          "alerts",
		"triggerPrompt": "Alert: {{kind}}",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	id, _ := dataMap(t, rec)["id"].(string)

	rec = do(t, s, http.MethodPost, "/trigger/"+id, map[string]any{"kind": "cpu"})
	if rec.Code != http.StatusOK {
		t.Fatalf("trigger status = %d: %s", rec.Code, rec.Body.String())
	}
	data := dataMap(t, rec)
	if data["success"] != true || data["response"] != "handled" {
		t.Errorf("trigger result = %v", data)
	}

	rec = do(t, s, http.MethodPost, "/trigger/ghost", map[string]any{})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown webhook status = %d", rec.Code)
	}

	rec = do(t, s, http.MethodPost, "/projects/proj-1/webhooks/"+id+"/test", map[string]any{"kind": "disk"})
	if rec.Code != http.StatusOK {
		t.Fatalf("test status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSecretRoutes(t *testing.T) {
	s, _ := testServer(t, &stubRunner{})

	rec := do(t, s, http.MethodPost, "/projects/proj-1/secrets", map[string]string{
		"key":         "API_TOKEN",
		"value":       "super-sensitive",
		"description": "upstream token",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("set status = %d: %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "super-sensitive") {
		t.Error("plaintext secret in response")
	}

	rec = do(t, s, http.MethodGet, "/projects/proj-1/secrets", nil)
	if strings.Contains(rec.Body.String(), "super-sensitive") {
		t.Error("plaintext secret in list response")
	}
	env := decodeEnvelope(t, rec)
	if metas, _ := env.Data.([]any); len(metas) != 1 {
		t.Errorf("secrets = %d, want 1", len(metas))
	}

	rec = do(t, s, http.MethodDelete, "/projects/proj-1/secrets/API_TOKEN", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("delete status = %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	s, _ := testServer(t, &stubRunner{})
	rec := do(t, s, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestIntegrationRoutes(t *testing.T) {
	s, _ := testServer(t, &stubRunner{})

	rec := do(t, s, http.MethodGet, "/projects/proj-1/integrations", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}

	// Integrations are wired at startup; creation over HTTP is rejected
	// with an explicit contract rather than a bare router 405.
	rec = do(t, s, http.MethodPost, "/projects/proj-1/integrations", map[string]string{
		"channel": "whatsapp",
	})
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("register status = %d, want 405: %s", rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	if env.Success {
		t.Error("success = true on rejected registration")
	}
	if env.Error.Code != string(errdefs.CodeValidation) {
		t.Errorf("code = %s", env.Error.Code)
	}

	rec = do(t, s, http.MethodPost, "/projects/proj-1/integrations", map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing channel status = %d, want 400", rec.Code)
	}
}
