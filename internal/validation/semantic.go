package validation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/flowrun/pkg/schema"
)

// maxSaneIterations is the ceiling above which a loop bound draws a warning.
const maxSaneIterations = 100_000

// validateSemantic performs semantic analysis on the workflow definition.
// Checks: action types registered, control-flow configs well formed, loop
// modes and bounds, template references resolvable, retry policies sane.
func validateSemantic(def *schema.WorkflowDefinition, lookup ActionLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if def.Schedule != "" {
		if _, err := cron.ParseStandard(def.Schedule); err != nil {
			result.AddError("schedule", schema.ErrCodeValidation,
				fmt.Sprintf("invalid cron expression %q: %v", def.Schedule, err))
		}
	}

	for i := range def.Actions {
		path := fmt.Sprintf("actions[%d]", i)
		validateNode(&def.Actions[i], path, def, lookup, result)
	}

	for name, nodes := range def.Templates {
		if len(nodes) == 0 {
			result.AddWarning(fmt.Sprintf("templates[%s]", name),
				schema.ErrCodeValidation, fmt.Sprintf("template %q is empty", name))
		}
		for i := range nodes {
			path := fmt.Sprintf("templates[%s][%d]", name, i)
			validateNode(&nodes[i], path, def, lookup, result)
		}
	}

	return result
}

// validateNode checks one node and recurses into nested action lists.
func validateNode(node *schema.ActionNode, path string, def *schema.WorkflowDefinition, lookup ActionLookup, result *schema.ValidationResult) {
	switch node.Type {
	case schema.NodeTypeConditional:
		validateConditionalNode(node, path, def, lookup, result)
	case schema.NodeTypeLoop:
		validateLoopNode(node, path, def, lookup, result)
	case schema.NodeTypeRecovery:
		validateRecoveryNode(node, path, def, lookup, result)
	case schema.NodeTypeTemplate:
		validateTemplateNode(node, path, def, result)
	default:
		// Leaf action: the type must resolve in the registry.
		if lookup != nil && !lookup.Has(node.Type) {
			result.AddError(path+".type", schema.ErrCodeNotFound,
				fmt.Sprintf("action type %q not registered", node.Type))
		}
	}

	validateRetry(node, path, result)
}

func validateConditionalNode(node *schema.ActionNode, path string, def *schema.WorkflowDefinition, lookup ActionLookup, result *schema.ValidationResult) {
	var cfg schema.ConditionalConfig
	if !unmarshalConfig(node, path, "conditional", &cfg, result) {
		return
	}

	if cfg.Condition == "" {
		result.AddError(path+".config.condition", schema.ErrCodeValidation,
			"conditional node requires a condition expression")
	}
	validateLanguage(cfg.Language, path+".config.language", result)

	if len(cfg.Then) == 0 && len(cfg.Else) == 0 {
		result.AddWarning(path+".config", schema.ErrCodeValidation,
			"conditional has no then or else branch")
	}

	for i := range cfg.Then {
		validateNode(&cfg.Then[i], fmt.Sprintf("%s.config.then[%d]", path, i), def, lookup, result)
	}
	for i := range cfg.Else {
		validateNode(&cfg.Else[i], fmt.Sprintf("%s.config.else[%d]", path, i), def, lookup, result)
	}
}

func validateLoopNode(node *schema.ActionNode, path string, def *schema.WorkflowDefinition, lookup ActionLookup, result *schema.ValidationResult) {
	var cfg schema.LoopConfig
	if !unmarshalConfig(node, path, "loop", &cfg, result) {
		return
	}

	switch cfg.Mode {
	case schema.LoopModeCount:
		if cfg.Count < 1 {
			result.AddError(path+".config.count", schema.ErrCodeValidation,
				"count mode requires a count of at least 1")
		}
	case schema.LoopModeForEach:
		if cfg.Over == "" {
			result.AddError(path+".config.over", schema.ErrCodeValidation,
				"for_each mode requires an 'over' context variable name")
		}
	case schema.LoopModeWhile, schema.LoopModeUntil:
		if cfg.Condition == "" {
			result.AddError(path+".config.condition", schema.ErrCodeValidation,
				fmt.Sprintf("%s mode requires a condition expression", cfg.Mode))
		}
		validateLanguage(cfg.Language, path+".config.language", result)
	case "":
		result.AddError(path+".config.mode", schema.ErrCodeValidation,
			"loop node requires a mode (count, for_each, while, until)")
	default:
		result.AddError(path+".config.mode", schema.ErrCodeValidation,
			fmt.Sprintf("unknown loop mode %q", cfg.Mode))
	}

	if cfg.MaxIterations < 0 {
		result.AddError(path+".config.max_iterations", schema.ErrCodeValidation,
			"max_iterations must not be negative")
	} else if cfg.MaxIterations > maxSaneIterations {
		result.AddWarning(path+".config.max_iterations", schema.ErrCodeValidation,
			fmt.Sprintf("iteration ceiling %d is unusually high", cfg.MaxIterations))
	}

	if len(cfg.Body) == 0 {
		result.AddWarning(path+".config.body", schema.ErrCodeValidation, "loop body is empty")
	}
	for i := range cfg.Body {
		validateNode(&cfg.Body[i], fmt.Sprintf("%s.config.body[%d]", path, i), def, lookup, result)
	}
}

func validateRecoveryNode(node *schema.ActionNode, path string, def *schema.WorkflowDefinition, lookup ActionLookup, result *schema.ValidationResult) {
	var cfg schema.RecoveryConfig
	if !unmarshalConfig(node, path, "error_handling", &cfg, result) {
		return
	}

	if len(cfg.Body) == 0 {
		result.AddWarning(path+".config.body", schema.ErrCodeValidation,
			"error_handling body is empty")
	}
	for i := range cfg.Body {
		validateNode(&cfg.Body[i], fmt.Sprintf("%s.config.body[%d]", path, i), def, lookup, result)
	}
	for i := range cfg.Fallback {
		validateNode(&cfg.Fallback[i], fmt.Sprintf("%s.config.fallback[%d]", path, i), def, lookup, result)
	}
}

func validateTemplateNode(node *schema.ActionNode, path string, def *schema.WorkflowDefinition, result *schema.ValidationResult) {
	var cfg schema.TemplateConfig
	if !unmarshalConfig(node, path, "template", &cfg, result) {
		return
	}

	if cfg.Template == "" {
		result.AddError(path+".config.template", schema.ErrCodeValidation,
			"template node requires a template name")
		return
	}
	if _, ok := def.Templates[cfg.Template]; !ok {
		result.AddError(path+".config.template", schema.ErrCodeNotFound,
			fmt.Sprintf("template %q not defined", cfg.Template))
	}
}

// unmarshalConfig decodes a node's config block, recording an error and
// returning false when it is missing or malformed.
func unmarshalConfig(node *schema.ActionNode, path, kind string, out any, result *schema.ValidationResult) bool {
	if len(node.Config) == 0 {
		result.AddError(path+".config", schema.ErrCodeValidation,
			fmt.Sprintf("%s node requires a config block", kind))
		return false
	}
	if err := json.Unmarshal(node.Config, out); err != nil {
		result.AddError(path+".config", schema.ErrCodeValidation,
			fmt.Sprintf("invalid %s config: %v", kind, err))
		return false
	}
	return true
}

func validateLanguage(lang, path string, result *schema.ValidationResult) {
	switch lang {
	case "", "cel", "expr", "jq":
	default:
		result.AddError(path, schema.ErrCodeValidation,
			fmt.Sprintf("unknown expression language %q (expected cel, expr, or jq)", lang))
	}
}

func validateRetry(node *schema.ActionNode, path string, result *schema.ValidationResult) {
	if node.Retry == nil {
		return
	}

	switch node.Type {
	case schema.NodeTypeConditional, schema.NodeTypeLoop, schema.NodeTypeRecovery, schema.NodeTypeTemplate:
		result.AddWarning(path+".retry", schema.ErrCodeValidation,
			"retry on a control-flow node is ignored (retry applies to leaf actions)")
	}

	if node.Retry.Max > 10 {
		result.AddWarning(path+".retry.max", schema.ErrCodeValidation,
			fmt.Sprintf("high retry count (%d) may cause excessive delays", node.Retry.Max))
	}

	switch node.Retry.Backoff {
	case "", "none", "linear", "exponential":
	default:
		result.AddError(path+".retry.backoff", schema.ErrCodeValidation,
			fmt.Sprintf("unknown backoff strategy %q", node.Retry.Backoff))
	}

	if node.Retry.Delay != "" {
		if _, err := time.ParseDuration(node.Retry.Delay); err != nil {
			result.AddError(path+".retry.delay", schema.ErrCodeValidation,
				fmt.Sprintf("invalid retry delay %q", node.Retry.Delay))
		}
	}
}
