package actions

import (
	"context"
	"encoding/json"

	"github.com/rendis/flowrun/pkg/schema"
)

// Action is an executable leaf unit dispatched by the engine, keyed by the
// node's type string.
type Action interface {
	Name() string
	Schema() ActionSchema
	Execute(ctx context.Context, input ActionInput) (*schema.ActionResult, error)
	Validate(params map[string]any) error
}

// ActionRegistry manages the lifecycle and lookup of available actions.
type ActionRegistry interface {
	Register(action Action) error
	Get(name string) (Action, error)
	List() []ActionInfo
}

// ActionSchema describes the input/output contract of an action.
type ActionSchema struct {
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Description  string          `json:"description,omitempty"`
}

// ActionInput is the data handed to an action at execution time. Params is an
// interpolated copy the action may consume freely. Vars is the live context
// map of the current scope: writes are visible to every later node in the
// same scope. Driver is the opaque automation driver passed through run
// options, untouched by the engine.
type ActionInput struct {
	Params map[string]any
	Vars   map[string]any
	Driver any
}

// ActionInfo is a summary of a registered action for listing.
type ActionInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}
