package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
)

// StdioTransport speaks JSON-RPC over the stdin/stdout of a spawned server
// subprocess, one message per line.
type StdioTransport struct {
	config *ServerConfig

	process *exec.Cmd
	stdin   io.WriteCloser

	pendingMu sync.Mutex
	pending   map[int64]chan *jsonrpcResponse
	nextID    atomic.Int64

	writeMu   sync.Mutex
	connected atomic.Bool
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewStdioTransport creates a transport that will spawn cfg.Command.
func NewStdioTransport(cfg *ServerConfig) *StdioTransport {
	return &StdioTransport{
		config:  cfg,
		pending: make(map[int64]chan *jsonrpcResponse),
		done:    make(chan struct{}),
	}
}

// Connect spawns the subprocess and starts the read loop. Env entries whose
// source variable is unset in the process environment are dropped.
func (t *StdioTransport) Connect(ctx context.Context) error {
	t.process = exec.CommandContext(ctx, t.config.Command, t.config.Args...)
	t.process.Env = os.Environ()
	for name, sourceVar := range t.config.Env {
		value, ok := os.LookupEnv(sourceVar)
		if !ok || value == "" {
			continue
		}
		t.process.Env = append(t.process.Env, fmt.Sprintf("%s=%s", name, value))
	}

	stdin, err := t.process.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	t.stdin = stdin

	stdout, err := t.process.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}

	if err := t.process.Start(); err != nil {
		return fmt.Errorf("start %s: %w", t.config.Command, err)
	}
	t.connected.Store(true)

	t.wg.Add(1)
	go t.readLoop(stdout)
	return nil
}

// Close kills the subprocess and fails any in-flight calls.
func (t *StdioTransport) Close() error {
	if !t.connected.CompareAndSwap(true, false) {
		return nil
	}
	close(t.done)
	if t.stdin != nil {
		t.stdin.Close()
	}
	if t.process != nil && t.process.Process != nil {
		t.process.Process.Kill()
		t.process.Wait()
	}
	t.wg.Wait()
	t.failPending(fmt.Errorf("transport closed"))
	return nil
}

// Call sends a request and waits for its response or ctx cancellation.
func (t *StdioTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, fmt.Errorf("mcp server %s: not connected", t.config.Name)
	}

	id := t.nextID.Add(1)
	ch := make(chan *jsonrpcResponse, 1)
	t.pendingMu.Lock()
	t.pending[id] = ch
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	if err := t.write(jsonrpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, fmt.Errorf("mcp server %s: connection closed", t.config.Name)
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	}
}

// Notify sends a notification without an id.
func (t *StdioTransport) Notify(_ context.Context, method string, params any) error {
	if !t.connected.Load() {
		return fmt.Errorf("mcp server %s: not connected", t.config.Name)
	}
	return t.write(jsonrpcRequest{JSONRPC: "2.0", Method: method, Params: params})
}

// Connected reports transport liveness.
func (t *StdioTransport) Connected() bool {
	return t.connected.Load()
}

func (t *StdioTransport) write(msg jsonrpcRequest) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write to %s: %w", t.config.Name, err)
	}
	return nil
}

func (t *StdioTransport) readLoop(stdout io.Reader) {
	defer t.wg.Done()
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp jsonrpcResponse
		if err := json.Unmarshal(line, &resp); err != nil || resp.ID == 0 {
			// Notification or unparseable line; neither resolves a call.
			continue
		}
		t.pendingMu.Lock()
		ch := t.pending[resp.ID]
		t.pendingMu.Unlock()
		if ch != nil {
			ch <- &resp
		}
	}
	t.connected.Store(false)
}

func (t *StdioTransport) failPending(err error) {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	for id, ch := range t.pending {
		select {
		case ch <- &jsonrpcResponse{ID: id, Error: &jsonrpcError{Code: -1, Message: err.Error()}}:
		default:
		}
	}
}
