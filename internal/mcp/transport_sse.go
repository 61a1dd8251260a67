package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

const defaultSSETimeout = 30 * time.Second

// SSETransport speaks JSON-RPC to an HTTP endpoint. Requests are POSTed;
// responses arrive either as a plain JSON body or as an SSE stream whose
// data events carry the JSON-RPC response.
type SSETransport struct {
	config *ServerConfig
	client *http.Client

	nextID    atomic.Int64
	connected atomic.Bool
}

// NewSSETransport creates a transport for cfg.URL.
func NewSSETransport(cfg *ServerConfig) *SSETransport {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultSSETimeout
	}
	return &SSETransport{
		config: cfg,
		client: &http.Client{Timeout: timeout},
	}
}

// Connect probes the endpoint. HTTP transports are effectively stateless;
// the handshake happens in the client's initialize call.
func (t *SSETransport) Connect(_ context.Context) error {
	t.connected.Store(true)
	return nil
}

// Close marks the transport disconnected.
func (t *SSETransport) Close() error {
	t.connected.Store(false)
	return nil
}

// Connected reports transport liveness.
func (t *SSETransport) Connected() bool {
	return t.connected.Load()
}

// Call POSTs one JSON-RPC request and decodes its response.
func (t *SSETransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, fmt.Errorf("mcp server %s: not connected", t.config.Name)
	}

	id := t.nextID.Add(1)
	resp, err := t.post(ctx, jsonrpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// Notify POSTs a notification and discards the response.
func (t *SSETransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return fmt.Errorf("mcp server %s: not connected", t.config.Name)
	}
	_, err := t.post(ctx, jsonrpcRequest{JSONRPC: "2.0", Method: method, Params: params})
	return err
}

func (t *SSETransport) post(ctx context.Context, msg jsonrpcRequest) (*jsonrpcResponse, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	httpResp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post to %s: %w", t.config.Name, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return nil, fmt.Errorf("mcp server %s: http %d", t.config.Name, httpResp.StatusCode)
	}

	// Notifications may come back with no content.
	if msg.ID == 0 || httpResp.StatusCode == http.StatusNoContent {
		return &jsonrpcResponse{}, nil
	}

	if strings.HasPrefix(httpResp.Header.Get("Content-Type"), "text/event-stream") {
		return readSSEResponse(bufio.NewScanner(httpResp.Body), msg.ID)
	}

	var resp jsonrpcResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response from %s: %w", t.config.Name, err)
	}
	return &resp, nil
}

// readSSEResponse scans SSE data events until the response matching id
// arrives.
func readSSEResponse(scanner *bufio.Scanner, id int64) (*jsonrpcResponse, error) {
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" {
			continue
		}
		var resp jsonrpcResponse
		if err := json.Unmarshal([]byte(data), &resp); err != nil {
			continue
		}
		if resp.ID == id {
			return &resp, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("sse stream ended without response %d", id)
}
