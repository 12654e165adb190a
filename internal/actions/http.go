package actions

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/flowrun/pkg/schema"
)

// HTTPConfig bounds outbound requests made by the http.* actions.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
}

const (
	defaultMaxResponseBody int64 = 10 << 20 // 10 MiB
	defaultHTTPTimeout           = 30 * time.Second
)

func (cfg HTTPConfig) withDefaults() HTTPConfig {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	return cfg
}

// HTTPActions returns the http.* builtin set.
func HTTPActions(cfg HTTPConfig) []Action {
	return []Action{
		NewHTTPRequestAction(cfg),
		NewHTTPGetAction(cfg),
		NewHTTPPostAction(cfg),
	}
}

// --- JSON Schemas ---

// httpInputSchema assembles an input schema from the transport properties
// every HTTP action shares. extra carries the action-specific properties and
// must be empty or end with a comma.
func httpInputSchema(extra string) json.RawMessage {
	return json.RawMessage(`{
	"type": "object",
	"required": ["url"],
	"properties": {` + extra + `
		"url": {"type": "string"},
		"headers": {"type": "object", "additionalProperties": {"type": "string"}},
		"auth": {
			"type": "object",
			"properties": {
				"type": {"type": "string", "enum": ["bearer","basic","api_key"]},
				"token": {"type": "string"},
				"username": {"type": "string"},
				"password": {"type": "string"},
				"header_name": {"type": "string"},
				"header_value": {"type": "string"}
			}
		},
		"timeout": {"type": "string"},
		"follow_redirects": {"type": "boolean", "default": true},
		"max_redirects": {"type": "integer", "default": 10},
		"tls_skip_verify": {"type": "boolean", "default": false},
		"fail_on_error_status": {"type": "boolean", "default": false}
	}
}`)
}

const httpBodyProps = `
		"body": {},
		"body_encoding": {"type": "string", "enum": ["json","form","text","raw"], "default": "json"},`

var (
	httpRequestInput = httpInputSchema(`
		"method": {"type": "string", "default": "GET"},` + httpBodyProps)
	httpGetInput  = httpInputSchema("")
	httpPostInput = httpInputSchema(httpBodyProps)
)

const httpOutput = `{
	"type": "object",
	"properties": {
		"status_code": {"type": "integer"},
		"status": {"type": "string"},
		"headers": {"type": "object", "additionalProperties": {"type": "string"}},
		"body": {},
		"content_type": {"type": "string"},
		"duration_ms": {"type": "integer"}
	}
}`

// --- http.request ---

// HTTPRequestAction is the full-control HTTP verb. The convenience verbs
// delegate here with their method pinned.
type HTTPRequestAction struct {
	config HTTPConfig
}

// NewHTTPRequestAction builds the http.request action with config defaults
// applied.
func NewHTTPRequestAction(cfg HTTPConfig) *HTTPRequestAction {
	return &HTTPRequestAction{config: cfg.withDefaults()}
}

func (a *HTTPRequestAction) Name() string { return "http.request" }

func (a *HTTPRequestAction) Schema() ActionSchema {
	return ActionSchema{
		Description:  "Send an HTTP request with explicit method, body, auth, and redirect control",
		InputSchema:  httpRequestInput,
		OutputSchema: json.RawMessage(httpOutput),
	}
}

func (a *HTTPRequestAction) Validate(params map[string]any) error {
	rawURL := stringParam(params, "url", "")
	if rawURL == "" {
		return missingParam("http.request", "url")
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewErrorf(schema.ErrCodeValidation, "http.request: invalid url %q", rawURL)
	}
	return nil
}

func (a *HTTPRequestAction) Execute(ctx context.Context, input ActionInput) (*schema.ActionResult, error) {
	params := actionParams(input)
	if err := a.Validate(params); err != nil {
		return nil, err
	}

	timeout := a.config.DefaultTimeout
	if ts := stringParam(params, "timeout", ""); ts != "" {
		if d, err := time.ParseDuration(ts); err == nil {
			timeout = d
		}
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := buildHTTPRequest(reqCtx, params)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := httpClientFor(params).Do(req)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeAction, "http.request: request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	payload, err := a.responsePayload(resp, elapsed)
	if err != nil {
		return nil, err
	}

	message := fmt.Sprintf("%s %s returned %d", req.Method, stringParam(params, "url", ""), resp.StatusCode)

	if boolParam(params, "fail_on_error_status", false) && resp.StatusCode >= 400 {
		// A 5xx is raised as an error so a per-node retry policy can take
		// another crack at it; a 4xx is deterministic and fails as a value
		// outcome.
		if resp.StatusCode >= 500 {
			return nil, schema.NewErrorf(schema.ErrCodeAction, "http.request: server returned %d", resp.StatusCode).
				WithDetails(payload)
		}
		return schema.Failure(message, payload), nil
	}

	return schema.Success(message, payload), nil
}

// buildHTTPRequest assembles the outgoing request: method, encoded body,
// headers, then auth, so auth always wins over a colliding header.
func buildHTTPRequest(ctx context.Context, params map[string]any) (*http.Request, error) {
	body, contentType, err := encodeRequestBody(params)
	if err != nil {
		return nil, err
	}

	method := strings.ToUpper(stringParam(params, "method", http.MethodGet))
	req, err := http.NewRequestWithContext(ctx, method, stringParam(params, "url", ""), body)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeAction, "http.request: failed to create request").WithCause(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if hm, ok := params["headers"].(map[string]any); ok {
		for k, v := range hm {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}
	applyHTTPAuth(req, params)
	return req, nil
}

// encodeRequestBody renders the body param per body_encoding and reports the
// Content-Type to send, if any.
func encodeRequestBody(params map[string]any) (io.Reader, string, error) {
	raw, ok := params["body"]
	if !ok || raw == nil {
		return nil, "", nil
	}
	switch stringParam(params, "body_encoding", "json") {
	case "form":
		form, ok := raw.(map[string]any)
		if !ok {
			return nil, "", nil
		}
		vals := url.Values{}
		for k, v := range form {
			vals.Set(k, fmt.Sprint(v))
		}
		return strings.NewReader(vals.Encode()), "application/x-www-form-urlencoded", nil
	case "text":
		return strings.NewReader(fmt.Sprint(raw)), "text/plain", nil
	case "raw":
		return strings.NewReader(fmt.Sprint(raw)), "", nil
	default: // json
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, "", schema.NewError(schema.ErrCodeAction, "http.request: failed to marshal body as JSON").WithCause(err)
		}
		return bytes.NewReader(b), "application/json", nil
	}
}

func applyHTTPAuth(req *http.Request, params map[string]any) {
	auth, ok := params["auth"].(map[string]any)
	if !ok {
		return
	}
	switch stringParam(auth, "type", "") {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+stringParam(auth, "token", ""))
	case "basic":
		req.SetBasicAuth(stringParam(auth, "username", ""), stringParam(auth, "password", ""))
	case "api_key":
		if name := stringParam(auth, "header_name", ""); name != "" {
			req.Header.Set(name, stringParam(auth, "header_value", ""))
		}
	}
}

// httpClientFor builds a throwaway client so per-request TLS and redirect
// settings never leak into shared transport state.
func httpClientFor(params map[string]any) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if boolParam(params, "tls_skip_verify", false) {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	client := &http.Client{Transport: transport}

	switch limit := intParam(params, "max_redirects", 10); {
	case !boolParam(params, "follow_redirects", true):
		client.CheckRedirect = func(_ *http.Request, _ []*http.Request) error {
			return http.ErrUseLastResponse
		}
	case limit > 0:
		client.CheckRedirect = func(_ *http.Request, via []*http.Request) error {
			if len(via) >= limit {
				return fmt.Errorf("stopped after %d redirects", limit)
			}
			return nil
		}
	}
	return client
}

// responsePayload drains the response up to MaxResponseBody and shapes the
// action payload. JSON bodies decode into structured data so downstream
// interpolation can reach into them.
func (a *HTTPRequestAction) responsePayload(resp *http.Response, elapsedMs int64) (map[string]any, error) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, a.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeAction, "http.request: failed to read response body").WithCause(err)
	}

	contentType := resp.Header.Get("Content-Type")
	var body any
	switch {
	case len(raw) == 0:
		body = nil
	case strings.Contains(contentType, "application/json"):
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err == nil {
			body = decoded
		} else {
			body = string(raw)
		}
	default:
		body = string(raw)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return map[string]any{
		"status_code":  resp.StatusCode,
		"status":       resp.Status,
		"headers":      headers,
		"body":         body,
		"content_type": contentType,
		"duration_ms":  elapsedMs,
	}, nil
}

// --- http.get / http.post ---

// httpMethodAction pins the method of the underlying http.request action.
type httpMethodAction struct {
	method string
	desc   string
	input  json.RawMessage
	inner  *HTTPRequestAction
}

// NewHTTPGetAction creates the http.get convenience action.
func NewHTTPGetAction(cfg HTTPConfig) Action {
	return &httpMethodAction{
		method: http.MethodGet,
		desc:   "Fetch a URL with HTTP GET",
		input:  httpGetInput,
		inner:  NewHTTPRequestAction(cfg),
	}
}

// NewHTTPPostAction creates the http.post convenience action.
func NewHTTPPostAction(cfg HTTPConfig) Action {
	return &httpMethodAction{
		method: http.MethodPost,
		desc:   "Send an HTTP POST with an encoded body",
		input:  httpPostInput,
		inner:  NewHTTPRequestAction(cfg),
	}
}

func (a *httpMethodAction) Name() string { return "http." + strings.ToLower(a.method) }

func (a *httpMethodAction) Schema() ActionSchema {
	return ActionSchema{Description: a.desc, InputSchema: a.input, OutputSchema: json.RawMessage(httpOutput)}
}

func (a *httpMethodAction) Validate(params map[string]any) error {
	return a.inner.Validate(params)
}

// Execute runs http.request with the method forced, leaving the caller's
// params map untouched.
func (a *httpMethodAction) Execute(ctx context.Context, input ActionInput) (*schema.ActionResult, error) {
	params := maps.Clone(input.Params)
	if params == nil {
		params = map[string]any{}
	}
	params["method"] = a.method
	input.Params = params
	return a.inner.Execute(ctx, input)
}
