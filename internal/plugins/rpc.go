package plugins

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// maxLineBytes bounds a single JSON-RPC frame read from a plugin. Tool results
// carrying screenshots or page dumps can be large.
const maxLineBytes = 16 << 20

// rpcClient speaks line-delimited JSON-RPC 2.0 over a plugin's stdio pipes.
// A single reader goroutine demultiplexes responses to pending calls by id,
// so concurrent actions against the same plugin never steal each other's
// replies. Server-initiated notifications (frames without an id we issued)
// are dropped.
type rpcClient struct {
	stdin   io.WriteCloser
	writeMu sync.Mutex
	nextID  atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan rpcResponse
	readErr error
	closed  bool
}

type rpcResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func newRPCClient(stdin io.WriteCloser, stdout io.Reader) *rpcClient {
	c := &rpcClient{
		stdin:   stdin,
		pending: make(map[int64]chan rpcResponse),
	}
	go c.readLoop(stdout)
	return c
}

func (c *rpcClient) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil || resp.ID == 0 {
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}

	c.mu.Lock()
	c.closed = true
	c.readErr = err
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	c.mu.Unlock()
}

// call issues a request and waits for the matching response.
func (c *rpcClient) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan rpcResponse, 1)

	c.mu.Lock()
	if c.closed {
		err := c.readErr
		c.mu.Unlock()
		return nil, fmt.Errorf("plugin connection closed: %v", err)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(rpcRequest(id, method, params)); err != nil {
		c.forget(id)
		return nil, fmt.Errorf("write %s: %w", method, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("plugin connection closed during %s", method)
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("plugin rpc %s: %s (code %d)", method, resp.Error.Message, resp.Error.Code)
		}
		return resp.Result, nil
	case <-timer.C:
		c.forget(id)
		return nil, fmt.Errorf("%s timed out after %s", method, timeout)
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

// notify issues a fire-and-forget notification (no id, no response).
func (c *rpcClient) notify(method string, params any) error {
	return c.write(rpcRequest(0, method, params))
}

func rpcRequest(id int64, method string, params any) map[string]any {
	req := map[string]any{"jsonrpc": "2.0", "method": method}
	if id != 0 {
		req["id"] = id
	}
	if params != nil {
		req["params"] = params
	}
	return req
}

func (c *rpcClient) write(req map[string]any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	payload = append(payload, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.stdin.Write(payload)
	return err
}

func (c *rpcClient) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// close shuts the write side; the plugin sees EOF on its stdin.
func (c *rpcClient) close() error {
	return c.stdin.Close()
}
