package schema

import "encoding/json"

// WorkflowDefinition is the serializable workflow format, loaded from YAML or
// JSON files, the flowrun.run MCP tool, or the store.
type WorkflowDefinition struct {
	Name      string                  `json:"name" yaml:"name"`
	Version   string                  `json:"version,omitempty" yaml:"version,omitempty"`
	Vars      map[string]any          `json:"vars,omitempty" yaml:"vars,omitempty"`
	Templates map[string][]ActionNode `json:"templates,omitempty" yaml:"templates,omitempty"`
	Actions   []ActionNode            `json:"actions" yaml:"actions"`
	OnFailure string                  `json:"on_failure,omitempty" yaml:"on_failure,omitempty"` // stop | continue (default: stop)
	Schedule  string                  `json:"schedule,omitempty" yaml:"schedule,omitempty"`     // cron expression for scheduled runs
	Metadata  map[string]any          `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// ActionNode is one node of the workflow tree. Type selects either a
// control-flow kind (conditional, loop, error_handling, template) or a
// registered leaf action (http.request, shell.exec, click, ...). Control-flow
// nodes carry their nested action lists in Config; leaves carry Params.
type ActionNode struct {
	Name   string          `json:"name" yaml:"name"`
	Type   string          `json:"type" yaml:"type"`
	Params json.RawMessage `json:"params,omitempty" yaml:"params,omitempty"`
	Config json.RawMessage `json:"config,omitempty" yaml:"config,omitempty"`
	Retry  *RetryPolicy    `json:"retry,omitempty" yaml:"retry,omitempty"`
}

// Control-flow node types. Everything else is a leaf action type.
const (
	NodeTypeConditional = "conditional"
	NodeTypeLoop        = "loop"
	NodeTypeRecovery    = "error_handling"
	NodeTypeTemplate    = "template"
)

// Loop modes.
const (
	LoopModeCount   = "count"
	LoopModeForEach = "for_each"
	LoopModeWhile   = "while"
	LoopModeUntil   = "until"
)

// DefaultMaxLoopIterations bounds while/until loops when no ceiling is configured.
const DefaultMaxLoopIterations = 100

// RetryPolicy configures retry behavior for a leaf action node.
type RetryPolicy struct {
	Max     int    `json:"max" yaml:"max"`                             // max retry attempts
	Backoff string `json:"backoff,omitempty" yaml:"backoff,omitempty"` // none | linear | exponential (default: none)
	Delay   string `json:"delay,omitempty" yaml:"delay,omitempty"`     // initial delay (e.g. "1s", "500ms")
}

// ConditionalConfig is the config block for conditional nodes.
type ConditionalConfig struct {
	Condition string       `json:"condition" yaml:"condition"`
	Language  string       `json:"language,omitempty" yaml:"language,omitempty"` // cel (default) | expr | jq
	Then      []ActionNode `json:"then,omitempty" yaml:"then,omitempty"`
	Else      []ActionNode `json:"else,omitempty" yaml:"else,omitempty"`
}

// LoopConfig is the config block for loop nodes.
type LoopConfig struct {
	Mode          string       `json:"mode" yaml:"mode"` // count | for_each | while | until
	Count         int          `json:"count,omitempty" yaml:"count,omitempty"`
	Over          string       `json:"over,omitempty" yaml:"over,omitempty"` // context variable holding a list
	Condition     string       `json:"condition,omitempty" yaml:"condition,omitempty"`
	Language      string       `json:"language,omitempty" yaml:"language,omitempty"`
	Body          []ActionNode `json:"body" yaml:"body"`
	MaxIterations int          `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
}

// RecoveryConfig is the config block for error_handling nodes. Failures inside
// Body are absorbed locally: Fallback runs if present, otherwise the failure
// is swallowed and the run continues.
type RecoveryConfig struct {
	Body     []ActionNode `json:"body" yaml:"body"`
	Fallback []ActionNode `json:"fallback,omitempty" yaml:"fallback,omitempty"`
}

// TemplateConfig is the config block for template nodes.
type TemplateConfig struct {
	Template string `json:"template" yaml:"template"`
}

// Context variable names injected into per-iteration loop scopes.
const (
	LoopVarIndex     = "loop_index"     // 0-based
	LoopVarIteration = "loop_iteration" // 1-based
	LoopVarTotal     = "loop_total"     // count/for_each only
	LoopVarItem      = "loop_item"      // for_each only
)
