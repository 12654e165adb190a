package plugins

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer speaks line-delimited JSON-RPC over pipes. The handler receives
// each decoded request and returns the raw response line to write, or "" to
// stay silent.
type fakeServer struct {
	clientIn  *io.PipeWriter // server writes responses here
	clientOut *io.PipeReader // server reads requests here
	done      chan struct{}
}

func startFakeServer(t *testing.T, handler func(req map[string]any) string) (*rpcClient, *fakeServer) {
	t.Helper()
	reqR, reqW := io.Pipe()   // client stdin -> server
	respR, respW := io.Pipe() // server -> client stdout

	srv := &fakeServer{clientIn: respW, clientOut: reqR, done: make(chan struct{})}
	go func() {
		defer close(srv.done)
		scanner := bufio.NewScanner(reqR)
		for scanner.Scan() {
			var req map[string]any
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			if line := handler(req); line != "" {
				_, _ = fmt.Fprintln(respW, line)
			}
		}
		_ = respW.Close()
	}()

	client := newRPCClient(reqW, respR)
	t.Cleanup(func() {
		_ = reqW.Close()
		<-srv.done
	})
	return client, srv
}

func reqID(req map[string]any) int64 {
	id, _ := req["id"].(float64)
	return int64(id)
}

func TestRPCClient_Call(t *testing.T) {
	client, _ := startFakeServer(t, func(req map[string]any) string {
		assert.Equal(t, "2.0", req["jsonrpc"])
		assert.Equal(t, "tools/list", req["method"])
		return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"tools":[]}}`, reqID(req))
	})

	result, err := client.call(context.Background(), "tools/list", map[string]any{}, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"tools":[]}`, string(result))
}

func TestRPCClient_ErrorResponse(t *testing.T) {
	client, _ := startFakeServer(t, func(req map[string]any) string {
		return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":{"code":-32601,"message":"method not found"}}`, reqID(req))
	})

	_, err := client.call(context.Background(), "nope", nil, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "method not found")
}

func TestRPCClient_SkipsNotifications(t *testing.T) {
	client, _ := startFakeServer(t, func(req map[string]any) string {
		// Emit a notification before the real response; the client must not
		// mistake it for the reply.
		return fmt.Sprintf(
			"{\"jsonrpc\":\"2.0\",\"method\":\"notifications/progress\",\"params\":{}}\n"+
				`{"jsonrpc":"2.0","id":%d,"result":{"ok":true}}`, reqID(req))
	})

	result, err := client.call(context.Background(), "ping", nil, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))
}

func TestRPCClient_OutOfOrderResponses(t *testing.T) {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	client := newRPCClient(reqW, respR)
	t.Cleanup(func() { _ = reqW.Close() })

	// Collect both requests, then answer them in reverse arrival order. Each
	// caller must still receive the response carrying its own method echo.
	go func() {
		scanner := bufio.NewScanner(reqR)
		var reqs []map[string]any
		for len(reqs) < 2 && scanner.Scan() {
			var req map[string]any
			if json.Unmarshal(scanner.Bytes(), &req) == nil {
				reqs = append(reqs, req)
			}
		}
		for i := len(reqs) - 1; i >= 0; i-- {
			_, _ = fmt.Fprintf(respW, `{"jsonrpc":"2.0","id":%d,"result":{"method":%q}}`+"\n",
				reqID(reqs[i]), reqs[i]["method"])
		}
	}()

	var wg sync.WaitGroup
	for _, method := range []string{"alpha", "beta"} {
		wg.Add(1)
		go func(method string) {
			defer wg.Done()
			raw, err := client.call(context.Background(), method, nil, 2*time.Second)
			require.NoError(t, err)
			var res struct {
				Method string `json:"method"`
			}
			require.NoError(t, json.Unmarshal(raw, &res))
			assert.Equal(t, method, res.Method)
		}(method)
	}
	wg.Wait()
}

func TestRPCClient_Timeout(t *testing.T) {
	client, _ := startFakeServer(t, func(req map[string]any) string {
		return "" // never answer
	})

	_, err := client.call(context.Background(), "slow", nil, 50*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestRPCClient_ContextCancelled(t *testing.T) {
	client, _ := startFakeServer(t, func(req map[string]any) string {
		return ""
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := client.call(ctx, "slow", nil, 5*time.Second)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRPCClient_ServerEOFDrainsPending(t *testing.T) {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	client := newRPCClient(reqW, respR)

	// Swallow the request, then close the response stream.
	go func() {
		scanner := bufio.NewScanner(reqR)
		scanner.Scan()
		_ = respW.Close()
	}()

	_, err := client.call(context.Background(), "ping", nil, 2*time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection closed")

	// Subsequent calls fail fast without touching the dead pipe.
	_, err = client.call(context.Background(), "ping", nil, 2*time.Second)
	require.Error(t, err)
}

func TestRPCClient_Notify(t *testing.T) {
	received := make(chan map[string]any, 1)
	client, _ := startFakeServer(t, func(req map[string]any) string {
		received <- req
		return ""
	})

	require.NoError(t, client.notify("notifications/initialized", nil))

	select {
	case req := <-received:
		assert.Equal(t, "notifications/initialized", req["method"])
		_, hasID := req["id"]
		assert.False(t, hasID, "notifications carry no id")
	case <-time.After(time.Second):
		t.Fatal("notification never reached the server")
	}
}
