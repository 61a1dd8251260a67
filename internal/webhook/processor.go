// Package webhook turns inbound HTTP triggers into agent turns. A webhook
// binds a trigger prompt template to a project; deliveries are verified
// (IP allowlist, HMAC signature), expanded against the payload, and run
// either synchronously or through the async queue.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus-core/internal/agent"
	"github.com/haasonsaas/nexus-core/internal/errdefs"
	"github.com/haasonsaas/nexus-core/internal/observability"
	"github.com/haasonsaas/nexus-core/internal/storage"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

// signatureHeaders are checked in order for the HMAC signature.
var signatureHeaders = []string{"x-webhook-signature", "x-hub-signature-256", "x-signature"}

// TurnRunner executes one agent turn. Satisfied by *agent.Runner.
type TurnRunner interface {
	Run(ctx context.Context, in *agent.RunInput) (*models.ExecutionTrace, error)
}

// Result is the trigger outcome returned to the caller.
type Result struct {
	Success    bool   `json:"success"`
	SessionID  string `json:"sessionId,omitempty"`
	Response   string `json:"response,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// Processor validates and executes webhook deliveries.
type Processor struct {
	store  *storage.Store
	runner TurnRunner
	logger *observability.Logger
	secret func(envVar string) string
	now    func() time.Time
}

// Option configures a Processor.
type Option func(*Processor)

// WithSecretLookup overrides the signing-secret source (default env vars).
func WithSecretLookup(fn func(envVar string) string) Option {
	return func(p *Processor) { p.secret = fn }
}

// NewProcessor builds a webhook processor.
func NewProcessor(store *storage.Store, runner TurnRunner, logger *observability.Logger, opts ...Option) *Processor {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	p := &Processor{
		store:  store,
		runner: runner,
		logger: logger.With("component", "webhook"),
		secret: os.Getenv,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process runs one delivery. Rejections (unknown, paused, IP, signature)
// return errors that map to the matching HTTP status; agent failures are
// reported inside the Result with Success=false.
func (p *Processor) Process(ctx context.Context, ev *models.WebhookEvent) (*Result, error) {
	started := p.now()

	hook, err := p.store.Webhooks.Get(ctx, ev.WebhookID)
	if err != nil {
		return nil, errdefs.Newf(errdefs.CodeNotFound, "webhook %s not found", ev.WebhookID)
	}
	if hook.Status == models.WebhookPaused {
		return nil, errdefs.Newf(errdefs.CodeWebhookPaused, "webhook %s is paused", hook.ID)
	}
	if err := checkSourceIP(hook, ev.SourceIP); err != nil {
		return nil, err
	}
	if err := p.verifySignature(hook, ev); err != nil {
		return nil, err
	}

	prompt := ExpandTemplate(hook.TriggerPrompt, ev.Payload)
	return p.runTurn(ctx, hook, prompt, "webhook", started)
}

// Test runs a webhook against a sample payload, bypassing IP and signature
// checks. Used by the test endpoint.
func (p *Processor) Test(ctx context.Context, hook *models.Webhook, payload map[string]any) (*Result, error) {
	started := p.now()
	prompt := ExpandTemplate(hook.TriggerPrompt, payload)
	return p.runTurn(ctx, hook, prompt, "webhook-test", started)
}

// runTurn creates the delivery session and executes the expanded prompt.
func (p *Processor) runTurn(ctx context.Context, hook *models.Webhook, prompt, source string, started time.Time) (*Result, error) {
	session := &models.Session{
		ID:        uuid.NewString(),
		ProjectID: hook.ProjectID,
		Status:    models.SessionActive,
		Metadata: map[string]string{
			"source":    source,
			"webhookId": hook.ID,
		},
		CreatedAt: p.now().UTC(),
	}
	if err := p.store.Sessions.Create(ctx, session); err != nil {
		return nil, err
	}

	var reply strings.Builder
	_, runErr := p.runner.Run(ctx, &agent.RunInput{
		ProjectID: hook.ProjectID,
		SessionID: session.ID,
		Message:   prompt,
		OnEvent: func(ev agent.ChatEvent) {
			if ev.Type == agent.EventContentDelta {
				reply.WriteString(ev.Text)
			}
		},
	})

	res := &Result{
		SessionID:  session.ID,
		DurationMs: p.now().Sub(started).Milliseconds(),
	}
	if runErr != nil {
		p.logger.Error(ctx, "webhook turn failed", "webhook", hook.ID, "error", runErr)
		res.Error = runErr.Error()
		return res, nil
	}
	res.Success = true
	res.Response = reply.String()
	return res, nil
}

func checkSourceIP(hook *models.Webhook, sourceIP string) error {
	if len(hook.AllowedIPs) == 0 {
		return nil
	}
	for _, ip := range hook.AllowedIPs {
		if ip == sourceIP {
			return nil
		}
	}
	return errdefs.Newf(errdefs.CodeForbidden, "source ip %q not allowed", sourceIP)
}

// verifySignature checks the HMAC-SHA256 of the raw body against the
// delivery's signature header. A webhook without secretEnvVar skips
// verification.
func (p *Processor) verifySignature(hook *models.Webhook, ev *models.WebhookEvent) error {
	if hook.SecretEnvVar == "" {
		return nil
	}
	secret := p.secret(hook.SecretEnvVar)
	if secret == "" {
		return errdefs.Newf(errdefs.CodeUnauthorized, "signing secret %s is not set", hook.SecretEnvVar)
	}

	provided := signatureFrom(ev.Headers)
	if provided == "" {
		return errdefs.New(errdefs.CodeUnauthorized, "missing signature header")
	}
	provided = strings.TrimPrefix(provided, "sha256=")
	sig, err := hex.DecodeString(provided)
	if err != nil {
		return errdefs.New(errdefs.CodeUnauthorized, "malformed signature")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody(ev))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return errdefs.New(errdefs.CodeUnauthorized, "signature mismatch")
	}
	return nil
}

func signatureFrom(headers map[string]string) string {
	for _, name := range signatureHeaders {
		for k, v := range headers {
			if strings.EqualFold(k, name) {
				return v
			}
		}
	}
	return ""
}

func rawBody(ev *models.WebhookEvent) []byte {
	if len(ev.RawBody) > 0 {
		return ev.RawBody
	}
	body, _ := json.Marshal(ev.Payload)
	return body
}

// ExpandTemplate replaces {{dot.path}} references with values from the
// payload. Missing paths expand to ""; objects and arrays expand to JSON;
// numeric segments index arrays.
func ExpandTemplate(tmpl string, payload map[string]any) string {
	var out strings.Builder
	for {
		open := strings.Index(tmpl, "{{")
		if open < 0 {
			out.WriteString(tmpl)
			return out.String()
		}
		end := strings.Index(tmpl[open:], "}}")
		if end < 0 {
			out.WriteString(tmpl)
			return out.String()
		}
		out.WriteString(tmpl[:open])
		path := strings.TrimSpace(tmpl[open+2 : open+end])
		out.WriteString(renderValue(lookupPath(payload, path)))
		tmpl = tmpl[open+end+2:]
	}
}

func lookupPath(payload map[string]any, path string) any {
	if path == "" {
		return nil
	}
	var current any = payload
	for _, segment := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			v, ok := node[segment]
			if !ok {
				return nil
			}
			current = v
		case []any:
			i, err := strconv.Atoi(segment)
			if err != nil || i < 0 || i >= len(node) {
				return nil
			}
			current = node[i]
		default:
			return nil
		}
	}
	return current
}

func renderValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
