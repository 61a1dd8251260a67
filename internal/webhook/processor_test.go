package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/haasonsaas/nexus-core/internal/agent"
	"github.com/haasonsaas/nexus-core/internal/errdefs"
	"github.com/haasonsaas/nexus-core/internal/storage"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

type stubRunner struct {
	reply string
	err   error
	last  *agent.RunInput
	calls int
}

func (s *stubRunner) Run(_ context.Context, in *agent.RunInput) (*models.ExecutionTrace, error) {
	s.calls++
	s.last = in
	if s.err != nil {
		return nil, s.err
	}
	if in.OnEvent != nil {
		in.OnEvent(agent.ChatEvent{Type: agent.EventContentDelta, Text: s.reply})
	}
	return &models.ExecutionTrace{ID: "trace-1", SessionID: in.SessionID}, nil
}

func fixture(t *testing.T, runner TurnRunner, mutate func(*models.Webhook)) (*Processor, *storage.Store) {
	t.Helper()
	store := storage.NewMemoryStore()
	hook := &models.Webhook{
		ID:            "hook-1",
		ProjectID:     "proj-1",
		Name:          "deploy alerts",
		TriggerPrompt: "Deployment {{status}} for {{service.name}}",
		Status:        models.WebhookActive,
	}
	if mutate != nil {
		mutate(hook)
	}
	if err := store.Webhooks.Create(context.Background(), hook); err != nil {
		t.Fatal(err)
	}
	secrets := map[string]string{"HOOK_SECRET": "s3cret"}
	p := NewProcessor(store, runner, nil, WithSecretLookup(func(k string) string { return secrets[k] }))
	return p, store
}

func event(payload map[string]any) *models.WebhookEvent {
	return &models.WebhookEvent{
		WebhookID: "hook-1",
		Payload:   payload,
	}
}

func TestProcessRunsExpandedPrompt(t *testing.T) {
	ctx := context.Background()
	runner := &stubRunner{reply: "noted"}
	p, store := fixture(t, runner, nil)

	res, err := p.Process(ctx, event(map[string]any{
		"status":  "failed",
		"service": map[string]any{"name": "billing-api"},
	}))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatalf("Success = false: %s", res.Error)
	}
	if res.Response != "noted" {
		t.Errorf("Response = %q", res.Response)
	}
	if runner.last.Message != "Deployment failed for billing-api" {
		t.Errorf("prompt = %q", runner.last.Message)
	}

	session, err := store.Sessions.Get(ctx, res.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if session.Metadata["source"] != "webhook" || session.Metadata["webhookId"] != "hook-1" {
		t.Errorf("session metadata = %v", session.Metadata)
	}
}

func TestProcessUnknownWebhook(t *testing.T) {
	p, _ := fixture(t, &stubRunner{}, nil)
	ev := event(nil)
	ev.WebhookID = "ghost"
	if _, err := p.Process(context.Background(), ev); !errdefs.IsCode(err, errdefs.CodeNotFound) {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestProcessPausedWebhook(t *testing.T) {
	p, _ := fixture(t, &stubRunner{}, func(h *models.Webhook) { h.Status = models.WebhookPaused })
	_, err := p.Process(context.Background(), event(nil))
	if !errdefs.IsCode(err, errdefs.CodeWebhookPaused) {
		t.Errorf("err = %v, want paused", err)
	}
}

func TestProcessIPAllowlist(t *testing.T) {
	p, _ := fixture(t, &stubRunner{reply: "ok"}, func(h *models.Webhook) {
		h.AllowedIPs = []string{"10.0.0.1", "10.0.0.2"}
	})

	ev := event(nil)
	ev.SourceIP = "203.0.113.9"
	if _, err := p.Process(context.Background(), ev); !errdefs.IsCode(err, errdefs.CodeForbidden) {
		t.Errorf("blocked ip err = %v, want forbidden", err)
	}

	ev.SourceIP = "10.0.0.2"
	if _, err := p.Process(context.Background(), ev); err != nil {
		t.Errorf("allowed ip rejected: %v", err)
	}
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestProcessSignature(t *testing.T) {
	body := []byte(`{"status":"ok"}`)
	good := sign("s3cret", body)

	tests := []struct {
		name     string
		headers  map[string]string
		wantCode errdefs.Code
	}{
		{"plain signature", map[string]string{"x-webhook-signature": good}, ""},
		{"sha256 prefix", map[string]string{"x-hub-signature-256": "sha256=" + good}, ""},
		{"case-insensitive header", map[string]string{"X-Signature": good}, ""},
		{"missing header", map[string]string{}, errdefs.CodeUnauthorized},
		{"wrong secret", map[string]string{"x-signature": sign("other", body)}, errdefs.CodeUnauthorized},
		{"malformed hex", map[string]string{"x-signature": "zzzz"}, errdefs.CodeUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := fixture(t, &stubRunner{reply: "ok"}, func(h *models.Webhook) {
				h.SecretEnvVar = "HOOK_SECRET"
			})
			ev := event(map[string]any{"status": "ok"})
			ev.RawBody = body
			ev.Headers = tt.headers

			_, err := p.Process(context.Background(), ev)
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("unexpected rejection: %v", err)
				}
				return
			}
			if !errdefs.IsCode(err, tt.wantCode) {
				t.Errorf("err = %v, want %s", err, tt.wantCode)
			}
		})
	}
}

func TestProcessSignatureBitFlip(t *testing.T) {
	body := []byte(`{"n":1}`)
	good := sign("s3cret", body)
	raw, _ := hex.DecodeString(good)
	raw[0] ^= 0x01
	flipped := hex.EncodeToString(raw)

	p, _ := fixture(t, &stubRunner{}, func(h *models.Webhook) { h.SecretEnvVar = "HOOK_SECRET" })
	ev := event(nil)
	ev.RawBody = body
	ev.Headers = map[string]string{"x-webhook-signature": flipped}

	if _, err := p.Process(context.Background(), ev); !errdefs.IsCode(err, errdefs.CodeUnauthorized) {
		t.Errorf("bit-flipped signature err = %v, want unauthorized", err)
	}
}

func TestProcessUnsetSecretRejects(t *testing.T) {
	p, _ := fixture(t, &stubRunner{}, func(h *models.Webhook) { h.SecretEnvVar = "MISSING_VAR" })
	ev := event(nil)
	ev.Headers = map[string]string{"x-signature": "00"}
	if _, err := p.Process(context.Background(), ev); !errdefs.IsCode(err, errdefs.CodeUnauthorized) {
		t.Errorf("err = %v, want unauthorized", err)
	}
}

func TestProcessAgentFailureInBody(t *testing.T) {
	runner := &stubRunner{err: errdefs.New(errdefs.CodeBudgetExceeded, "budget spent")}
	p, _ := fixture(t, runner, nil)

	res, err := p.Process(context.Background(), event(nil))
	if err != nil {
		t.Fatalf("agent failure must not reject the delivery: %v", err)
	}
	if res.Success {
		t.Error("Success = true after agent failure")
	}
	if res.Error == "" {
		t.Error("Error not set")
	}
	if res.SessionID == "" {
		t.Error("SessionID not set on failure")
	}
}

func TestExpandTemplate(t *testing.T) {
	payload := map[string]any{
		"user":  map[string]any{"name": "Ada", "admin": true},
		"count": float64(3),
		"items": []any{"a", map[string]any{"id": float64(7)}},
		"meta":  map[string]any{"tags": []any{"x", "y"}},
	}

	tests := []struct {
		tmpl string
		want string
	}{
		{"hello {{user.name}}", "hello Ada"},
		{"{{ user.name }} spaced", "Ada spaced"},
		{"{{count}} items", "3 items"},
		{"admin={{user.admin}}", "admin=true"},
		{"first={{items.0}}", "first=a"},
		{"nested={{items.1.id}}", "nested=7"},
		{"obj={{user}}", `obj={"admin":true,"name":"Ada"}`},
		{"arr={{meta.tags}}", `arr=["x","y"]`},
		{"missing={{nope.deep}}!", "missing=!"},
		{"out of range={{items.9}}", "out of range="},
		{"unclosed {{user.name", "unclosed {{user.name"},
		{"no refs", "no refs"},
	}
	for _, tt := range tests {
		if got := ExpandTemplate(tt.tmpl, payload); got != tt.want {
			t.Errorf("ExpandTemplate(%q) = %q, want %q", tt.tmpl, got, tt.want)
		}
	}
}
