package actions

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowrun/pkg/schema"
)

// captured holds what the test server saw on the last request.
type captured struct {
	mu     sync.Mutex
	method string
	header http.Header
	body   []byte
}

func (c *captured) snapshot() (string, http.Header, []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.method, c.header, c.body
}

// captureServer serves a fixed response and records each incoming request.
func captureServer(t *testing.T, status int, contentType, respBody string) (*httptest.Server, *captured) {
	t.Helper()
	rec := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rec.mu.Lock()
		rec.method = r.Method
		rec.header = r.Header.Clone()
		rec.body = body
		rec.mu.Unlock()
		if contentType != "" {
			w.Header().Set("Content-Type", contentType)
		}
		w.WriteHeader(status)
		if respBody != "" {
			io.WriteString(w, respBody)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func doHTTP(t *testing.T, action Action, params map[string]any) (*schema.ActionResult, error) {
	t.Helper()
	return action.Execute(context.Background(), ActionInput{Params: params})
}

func TestHTTPRequestBodies(t *testing.T) {
	request := NewHTTPRequestAction(HTTPConfig{})

	t.Run("json is the default encoding", func(t *testing.T) {
		srv, rec := captureServer(t, 200, "", "")
		_, err := doHTTP(t, request, map[string]any{
			"url":    srv.URL,
			"method": "POST",
			"body":   map[string]any{"query": "mouse pads", "limit": 25},
		})
		require.NoError(t, err)

		_, header, body := rec.snapshot()
		assert.Contains(t, header.Get("Content-Type"), "application/json")
		assert.JSONEq(t, `{"query":"mouse pads","limit":25}`, string(body))
	})

	t.Run("form fields are url-encoded", func(t *testing.T) {
		srv, rec := captureServer(t, 200, "", "")
		_, err := doHTTP(t, request, map[string]any{
			"url":           srv.URL,
			"method":        "POST",
			"body_encoding": "form",
			"body":          map[string]any{"q": "mouse", "page": 2},
		})
		require.NoError(t, err)

		_, header, body := rec.snapshot()
		assert.Contains(t, header.Get("Content-Type"), "application/x-www-form-urlencoded")
		vals, err := url.ParseQuery(string(body))
		require.NoError(t, err)
		assert.Equal(t, "mouse", vals.Get("q"))
		assert.Equal(t, "2", vals.Get("page"))
	})

	t.Run("text sends the value verbatim", func(t *testing.T) {
		srv, rec := captureServer(t, 200, "", "")
		_, err := doHTTP(t, request, map[string]any{
			"url":           srv.URL,
			"method":        "POST",
			"body_encoding": "text",
			"body":          "plain payload",
		})
		require.NoError(t, err)

		_, header, body := rec.snapshot()
		assert.Contains(t, header.Get("Content-Type"), "text/plain")
		assert.Equal(t, "plain payload", string(body))
	})

	t.Run("raw sets no content type", func(t *testing.T) {
		srv, rec := captureServer(t, 200, "", "")
		_, err := doHTTP(t, request, map[string]any{
			"url":           srv.URL,
			"method":        "POST",
			"body_encoding": "raw",
			"body":          "<xml/>",
		})
		require.NoError(t, err)

		_, header, body := rec.snapshot()
		assert.Empty(t, header.Get("Content-Type"))
		assert.Equal(t, "<xml/>", string(body))
	})

	t.Run("no body param sends nothing", func(t *testing.T) {
		srv, rec := captureServer(t, 200, "", "")
		_, err := doHTTP(t, request, map[string]any{"url": srv.URL, "method": "POST"})
		require.NoError(t, err)

		_, header, body := rec.snapshot()
		assert.Empty(t, header.Get("Content-Type"))
		assert.Empty(t, body)
	})
}

func TestHTTPRequestMethods(t *testing.T) {
	request := NewHTTPRequestAction(HTTPConfig{})
	srv, rec := captureServer(t, 200, "", "")

	for _, tt := range []struct{ param, want string }{
		{"GET", "GET"},
		{"PUT", "PUT"},
		{"PATCH", "PATCH"},
		{"DELETE", "DELETE"},
		{"OPTIONS", "OPTIONS"},
		{"delete", "DELETE"}, // lowercase normalizes
	} {
		t.Run(tt.param, func(t *testing.T) {
			res, err := doHTTP(t, request, map[string]any{"url": srv.URL, "method": tt.param})
			require.NoError(t, err)
			assert.Equal(t, 200, res.Payload["status_code"])

			method, _, _ := rec.snapshot()
			assert.Equal(t, tt.want, method)
		})
	}
}

func TestHTTPRequestHeaders(t *testing.T) {
	request := NewHTTPRequestAction(HTTPConfig{})
	srv, rec := captureServer(t, 200, "", "")

	_, err := doHTTP(t, request, map[string]any{
		"url": srv.URL,
		"headers": map[string]any{
			"X-Crawler": "flowrun",
			"X-Retry":   2,
		},
	})
	require.NoError(t, err)

	_, header, _ := rec.snapshot()
	assert.Equal(t, "flowrun", header.Get("X-Crawler"))
	assert.Equal(t, "2", header.Get("X-Retry"), "non-string header values render as text")
}

func TestHTTPRequestAuth(t *testing.T) {
	basic := "Basic " + base64.StdEncoding.EncodeToString([]byte("admin:s3cret"))

	tests := []struct {
		name   string
		auth   map[string]any
		header string
		want   string
	}{
		{
			"bearer token",
			map[string]any{"type": "bearer", "token": "tok-9f31"},
			"Authorization", "Bearer tok-9f31",
		},
		{
			"basic credentials",
			map[string]any{"type": "basic", "username": "admin", "password": "s3cret"},
			"Authorization", basic,
		},
		{
			"api key header",
			map[string]any{"type": "api_key", "header_name": "X-Api-Key", "header_value": "key-1"},
			"X-Api-Key", "key-1",
		},
		{
			"api key without header name is skipped",
			map[string]any{"type": "api_key", "header_value": "key-1"},
			"X-Api-Key", "",
		},
		{
			"unknown auth type is ignored",
			map[string]any{"type": "digest", "token": "x"},
			"Authorization", "",
		},
	}

	request := NewHTTPRequestAction(HTTPConfig{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, rec := captureServer(t, 200, "", "")
			_, err := doHTTP(t, request, map[string]any{"url": srv.URL, "auth": tt.auth})
			require.NoError(t, err)

			_, header, _ := rec.snapshot()
			assert.Equal(t, tt.want, header.Get(tt.header))
		})
	}
}

func TestHTTPResponsePayload(t *testing.T) {
	request := NewHTTPRequestAction(HTTPConfig{})

	t.Run("json body decodes into structured data", func(t *testing.T) {
		srv, _ := captureServer(t, 200, "application/json", `{"greeting":"hello","count":42}`)
		res, err := doHTTP(t, request, map[string]any{"url": srv.URL})
		require.NoError(t, err)
		require.True(t, res.Success)

		assert.Equal(t, 200, res.Payload["status_code"])
		assert.Contains(t, res.Payload["content_type"], "application/json")
		assert.GreaterOrEqual(t, res.Payload["duration_ms"], int64(0))
		assert.Contains(t, res.Message, "returned 200")

		body, ok := res.Payload["body"].(map[string]any)
		require.True(t, ok, "json body should decode to a map")
		assert.Equal(t, "hello", body["greeting"])
		assert.Equal(t, float64(42), body["count"])

		headers, ok := res.Payload["headers"].(map[string]string)
		require.True(t, ok)
		assert.Contains(t, headers["Content-Type"], "application/json")
	})

	t.Run("malformed json stays a string", func(t *testing.T) {
		srv, _ := captureServer(t, 200, "application/json", `{"broken":`)
		res, err := doHTTP(t, request, map[string]any{"url": srv.URL})
		require.NoError(t, err)
		assert.Equal(t, `{"broken":`, res.Payload["body"])
	})

	t.Run("html body stays a string", func(t *testing.T) {
		srv, _ := captureServer(t, 200, "text/html", "<h1>Catalog</h1>")
		res, err := doHTTP(t, request, map[string]any{"url": srv.URL})
		require.NoError(t, err)
		assert.Equal(t, "<h1>Catalog</h1>", res.Payload["body"])
		assert.Contains(t, res.Payload["content_type"], "text/html")
	})

	t.Run("empty response body is nil", func(t *testing.T) {
		srv, _ := captureServer(t, 204, "", "")
		res, err := doHTTP(t, request, map[string]any{"url": srv.URL})
		require.NoError(t, err)
		assert.Equal(t, 204, res.Payload["status_code"])
		assert.Nil(t, res.Payload["body"])
	})

	t.Run("body is capped at MaxResponseBody", func(t *testing.T) {
		srv, _ := captureServer(t, 200, "text/plain", strings.Repeat("X", 1024))
		capped := NewHTTPRequestAction(HTTPConfig{MaxResponseBody: 100})
		res, err := doHTTP(t, capped, map[string]any{"url": srv.URL})
		require.NoError(t, err)

		body, ok := res.Payload["body"].(string)
		require.True(t, ok)
		assert.Len(t, body, 100)
	})
}

func TestHTTPErrorStatus(t *testing.T) {
	request := NewHTTPRequestAction(HTTPConfig{})

	t.Run("statuses pass through by default", func(t *testing.T) {
		srv, _ := captureServer(t, 500, "application/json", `{"error":"server error"}`)
		res, err := doHTTP(t, request, map[string]any{"url": srv.URL})
		require.NoError(t, err)
		require.True(t, res.Success)
		assert.Equal(t, 500, res.Payload["status_code"])

		body, ok := res.Payload["body"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "server error", body["error"])
	})

	t.Run("4xx fails the result", func(t *testing.T) {
		// Deterministic client errors come back as a failed result rather
		// than an error a retry policy would pointlessly re-run.
		srv, _ := captureServer(t, 404, "application/json", `{"error":"not found"}`)
		res, err := doHTTP(t, request, map[string]any{
			"url":                  srv.URL,
			"fail_on_error_status": true,
		})
		require.NoError(t, err)
		require.False(t, res.Success)
		assert.Contains(t, res.Message, "404")
		assert.Equal(t, 404, res.Payload["status_code"])
	})

	t.Run("5xx raises a retryable error", func(t *testing.T) {
		srv, _ := captureServer(t, 503, "text/plain", "overloaded")
		_, err := doHTTP(t, request, map[string]any{
			"url":                  srv.URL,
			"fail_on_error_status": true,
		})
		requireFlowError(t, err, schema.ErrCodeAction)

		var fe *schema.FlowError
		require.ErrorAs(t, err, &fe)
		assert.Contains(t, fe.Message, "503")
		assert.Equal(t, 503, fe.Details["status_code"])
		assert.Equal(t, "overloaded", fe.Details["body"])
	})
}

func TestHTTPRedirectPolicy(t *testing.T) {
	request := NewHTTPRequestAction(HTTPConfig{})

	t.Run("redirects are followed by default", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "/final", http.StatusFound)
		})
		mux.HandleFunc("/final", func(w http.ResponseWriter, _ *http.Request) {
			io.WriteString(w, "landed")
		})
		srv := httptest.NewServer(mux)
		t.Cleanup(srv.Close)

		res, err := doHTTP(t, request, map[string]any{"url": srv.URL})
		require.NoError(t, err)
		assert.Equal(t, 200, res.Payload["status_code"])
		assert.Equal(t, "landed", res.Payload["body"])
	})

	t.Run("follow_redirects false returns the redirect itself", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "/other", http.StatusFound)
		}))
		t.Cleanup(srv.Close)

		res, err := doHTTP(t, request, map[string]any{
			"url":              srv.URL,
			"follow_redirects": false,
		})
		require.NoError(t, err)
		assert.Equal(t, 302, res.Payload["status_code"])
	})

	t.Run("max_redirects stops a loop", func(t *testing.T) {
		hop := 0
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hop++
			http.Redirect(w, r, fmt.Sprintf("/hop-%d", hop), http.StatusFound)
		}))
		t.Cleanup(srv.Close)

		_, err := doHTTP(t, request, map[string]any{
			"url":           srv.URL,
			"max_redirects": 3,
		})
		requireFlowError(t, err, schema.ErrCodeAction)
		assert.Contains(t, err.Error(), "stopped after 3 redirects")
	})
}

func TestHTTPTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done() // block until the client gives up
	}))
	t.Cleanup(srv.Close)

	request := NewHTTPRequestAction(HTTPConfig{})
	_, err := doHTTP(t, request, map[string]any{
		"url":     srv.URL,
		"timeout": "100ms",
	})
	requireFlowError(t, err, schema.ErrCodeAction)
}

func TestHTTPCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	request := NewHTTPRequestAction(HTTPConfig{})
	_, err := request.Execute(ctx, ActionInput{Params: map[string]any{
		"url":     srv.URL,
		"timeout": "10s",
	}})
	requireFlowError(t, err, schema.ErrCodeAction)
}

func TestHTTPValidation(t *testing.T) {
	request := NewHTTPRequestAction(HTTPConfig{})

	tests := []struct {
		name    string
		params  map[string]any
		wantMsg string
	}{
		{"missing url", map[string]any{}, "missing required param 'url'"},
		{"relative url", map[string]any{"url": "not-a-url"}, "invalid url"},
		{"unsupported scheme", map[string]any{"url": "ftp://host/file"}, "invalid url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := request.Validate(tt.params)
			requireFlowError(t, err, schema.ErrCodeValidation)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}

	t.Run("execute validates first", func(t *testing.T) {
		_, err := doHTTP(t, request, nil)
		requireFlowError(t, err, schema.ErrCodeValidation)
	})
}

func TestHTTPVerbShortcuts(t *testing.T) {
	t.Run("http.get pins GET", func(t *testing.T) {
		srv, rec := captureServer(t, 200, "application/json", `{"ok":true}`)
		res, err := doHTTP(t, NewHTTPGetAction(HTTPConfig{}), map[string]any{
			"url":    srv.URL,
			"method": "POST", // overridden
		})
		require.NoError(t, err)
		assert.Equal(t, 200, res.Payload["status_code"])

		method, _, _ := rec.snapshot()
		assert.Equal(t, "GET", method)
	})

	t.Run("http.post pins POST", func(t *testing.T) {
		srv, rec := captureServer(t, 200, "application/json", `{"ok":true}`)
		res, err := doHTTP(t, NewHTTPPostAction(HTTPConfig{}), map[string]any{
			"url":  srv.URL,
			"body": map[string]any{"remember": true},
		})
		require.NoError(t, err)
		assert.Equal(t, 200, res.Payload["status_code"])

		method, _, body := rec.snapshot()
		assert.Equal(t, "POST", method)
		assert.JSONEq(t, `{"remember":true}`, string(body))
	})

	t.Run("caller params stay untouched", func(t *testing.T) {
		srv, _ := captureServer(t, 200, "", "")
		params := map[string]any{"url": srv.URL}
		_, err := doHTTP(t, NewHTTPGetAction(HTTPConfig{}), params)
		require.NoError(t, err)
		assert.NotContains(t, params, "method")
	})

	t.Run("validation delegates", func(t *testing.T) {
		err := NewHTTPPostAction(HTTPConfig{}).Validate(map[string]any{})
		requireFlowError(t, err, schema.ErrCodeValidation)
	})
}

func TestHTTPInputSchemas(t *testing.T) {
	shapes := map[string]json.RawMessage{
		"http.request": httpRequestInput,
		"http.get":     httpGetInput,
		"http.post":    httpPostInput,
	}
	for name, raw := range shapes {
		t.Run(name, func(t *testing.T) {
			var s map[string]any
			require.NoError(t, json.Unmarshal(raw, &s), "composed schema must be valid JSON")

			props, ok := s["properties"].(map[string]any)
			require.True(t, ok)
			for _, shared := range []string{"url", "headers", "auth", "timeout", "follow_redirects", "max_redirects", "tls_skip_verify", "fail_on_error_status"} {
				assert.Contains(t, props, shared)
			}
			assert.Equal(t, []any{"url"}, s["required"])

			_, hasMethod := props["method"]
			assert.Equal(t, name == "http.request", hasMethod)
			_, hasBody := props["body"]
			assert.Equal(t, name != "http.get", hasBody)
		})
	}

	assert.True(t, json.Valid(json.RawMessage(httpOutputSchema)))
}
