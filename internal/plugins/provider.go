package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/flowrun/internal/actions"
	"github.com/rendis/flowrun/pkg/schema"
)

// callTimeout bounds a single tools/call round trip. Browser steps driven by
// a plugin (navigation, downloads) can legitimately take a while.
const callTimeout = 60 * time.Second

// pluginAction adapts one discovered MCP tool to the Action interface. The
// registry stores it under "<prefix>.<tool>", so workflows invoke plugin
// tools exactly like builtin actions.
type pluginAction struct {
	name        string
	description string
	inputSchema json.RawMessage
	client      *rpcClient
}

func (a *pluginAction) Name() string { return a.name }

func (a *pluginAction) Schema() actions.ActionSchema {
	return actions.ActionSchema{
		InputSchema: a.inputSchema,
		Description: a.description,
	}
}

// Validate is a no-op: the plugin owns its tool's input contract and rejects
// bad arguments at call time.
func (a *pluginAction) Validate(_ map[string]any) error { return nil }

func (a *pluginAction) Execute(ctx context.Context, input actions.ActionInput) (*schema.ActionResult, error) {
	raw, err := a.client.call(ctx, "tools/call", map[string]any{
		"name":      a.name,
		"arguments": input.Params,
	}, callTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, schema.NewErrorf(schema.ErrCodePlugin, "tool %q: %s", a.name, err.Error())
	}
	return decodeToolResult(a.name, raw), nil
}

// toolResult is the MCP CallToolResult shape.
type toolResult struct {
	IsError bool `json:"isError"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StructuredContent map[string]any `json:"structuredContent"`
}

// decodeToolResult maps an MCP tool result onto an ActionResult. Tool-level
// failures (isError) become failed results rather than errors, so workflow
// recovery blocks and error strategies see them like any other action failure.
func decodeToolResult(name string, raw json.RawMessage) *schema.ActionResult {
	var res toolResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return schema.Failure(fmt.Sprintf("tool %q returned a malformed result", name), nil)
	}

	var texts []string
	for _, c := range res.Content {
		if c.Type == "text" && c.Text != "" {
			texts = append(texts, c.Text)
		}
	}
	text := strings.Join(texts, "\n")

	payload := res.StructuredContent
	if payload == nil && text != "" {
		var obj map[string]any
		if json.Unmarshal([]byte(text), &obj) == nil {
			payload = obj
		} else {
			payload = map[string]any{"output": text}
		}
	}

	if res.IsError {
		msg := text
		if msg == "" {
			msg = fmt.Sprintf("tool %q failed", name)
		}
		return schema.Failure(msg, payload)
	}
	return schema.Success(fmt.Sprintf("tool %q completed", name), payload)
}
