package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/haasonsaas/nexus-core/internal/agent"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

func TestOpenAIEmptyStreamStillBracketsMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		if _, err := w.Write([]byte("data: [DONE]\n\n")); err != nil {
			t.Errorf("write stream: %v", err)
		}
	}))
	defer srv.Close()

	p, err := NewOpenAI(OpenAIConfig{APIKey: "test-key", BaseURL: srv.URL + "/v1"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	stream, err := p.Chat(context.Background(), &agent.ChatParams{
		Messages: []*models.Message{{Role: models.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	var got []agent.EventType
	for ev := range stream {
		if ev.Type == agent.EventStreamError {
			t.Fatalf("stream error: %v", ev.Err)
		}
		got = append(got, ev.Type)
	}
	if len(got) != 2 || got[0] != agent.EventMessageStart || got[1] != agent.EventMessageEnd {
		t.Fatalf("events = %v, want message_start then message_end", got)
	}
}
