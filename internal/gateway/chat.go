package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus-core/internal/agent"
	"github.com/haasonsaas/nexus-core/internal/errdefs"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

type chatRequest struct {
	ProjectID string `json:"projectId"`
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message"`
}

type chatToolCall struct {
	ToolCallID string          `json:"toolCallId"`
	ToolID     string          `json:"toolId"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     string          `json:"output,omitempty"`
	IsError    bool            `json:"isError,omitempty"`
}

type chatResponse struct {
	SessionID string         `json:"sessionId"`
	TraceID   string         `json:"traceId"`
	Response  string         `json:"response"`
	ToolCalls []chatToolCall `json:"toolCalls"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}

	sessionID, err := s.resolveSession(r, &req)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	var reply strings.Builder
	trace, err := s.deps.Runner.Run(r.Context(), &agent.RunInput{
		ProjectID: req.ProjectID,
		SessionID: sessionID,
		Message:   req.Message,
		OnEvent: func(ev agent.ChatEvent) {
			if ev.Type == agent.EventContentDelta {
				reply.WriteString(ev.Text)
			}
		},
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	s.respond(w, http.StatusOK, chatResponse{
		SessionID: sessionID,
		TraceID:   trace.ID,
		Response:  reply.String(),
		ToolCalls: collectToolCalls(trace),
	})
}

// handleChatStream forwards provider events as server-sent events. Each
// event is one `data:` line; the final trace id is sent as a `trace` event.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}

	sessionID, err := s.resolveSession(r, &req)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.fail(w, r, errdefs.New(errdefs.CodeInternal, "streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	trace, runErr := s.deps.Runner.Run(r.Context(), &agent.RunInput{
		ProjectID: req.ProjectID,
		SessionID: sessionID,
		Message:   req.Message,
		OnEvent: func(ev agent.ChatEvent) {
			w.Write([]byte("data: "))
			w.Write(agent.MarshalEvent(ev))
			w.Write([]byte("\n\n"))
			flusher.Flush()
		},
	})
	if runErr != nil {
		payload, _ := json.Marshal(map[string]string{"error": runErr.Error()})
		w.Write([]byte("event: error\ndata: "))
		w.Write(payload)
		w.Write([]byte("\n\n"))
		flusher.Flush()
		return
	}

	payload, _ := json.Marshal(map[string]string{"traceId": trace.ID, "sessionId": sessionID})
	w.Write([]byte("event: trace\ndata: "))
	w.Write(payload)
	w.Write([]byte("\n\n"))
	flusher.Flush()
}

// resolveSession returns the request's session, creating one when absent.
func (s *Server) resolveSession(r *http.Request, req *chatRequest) (string, error) {
	if req.ProjectID == "" {
		return "", errdefs.New(errdefs.CodeValidation, "projectId is required")
	}
	if strings.TrimSpace(req.Message) == "" {
		return "", errdefs.New(errdefs.CodeValidation, "message is empty")
	}
	if req.SessionID != "" {
		if _, err := s.deps.Store.Sessions.Get(r.Context(), req.SessionID); err != nil {
			return "", err
		}
		return req.SessionID, nil
	}

	session := &models.Session{
		ID:        uuid.NewString(),
		ProjectID: req.ProjectID,
		Status:    models.SessionActive,
		Metadata:  map[string]string{"source": "http"},
		CreatedAt: time.Now().UTC(),
	}
	if err := s.deps.Store.Sessions.Create(r.Context(), session); err != nil {
		return "", err
	}
	return session.ID, nil
}

func collectToolCalls(trace *models.ExecutionTrace) []chatToolCall {
	calls := []chatToolCall{}
	byID := make(map[string]int)
	for _, ev := range trace.Events {
		switch ev.Type {
		case models.EventToolCall:
			byID[ev.ToolCallID] = len(calls)
			calls = append(calls, chatToolCall{
				ToolCallID: ev.ToolCallID,
				ToolID:     ev.ToolID,
				Input:      ev.Input,
			})
		case models.EventToolResult:
			if i, ok := byID[ev.ToolCallID]; ok {
				calls[i].Output = ev.Output
				calls[i].IsError = ev.IsError
			}
		}
	}
	return calls
}
