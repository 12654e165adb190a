package validation

import (
	"testing"

	"github.com/rendis/flowrun/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func templateRef(t *testing.T, name, target string) schema.ActionNode {
	t.Helper()
	return schema.ActionNode{
		Name:   name,
		Type:   schema.NodeTypeTemplate,
		Config: mustConfig(t, schema.TemplateConfig{Template: target}),
	}
}

func TestTemplateGraph_NoTemplates(t *testing.T) {
	def := leafDef(schema.ActionNode{Name: "a", Type: "wait"})

	result := validateTemplateGraph(def)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

func TestTemplateGraph_AllUsed(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Name: "t",
		Templates: map[string][]schema.ActionNode{
			"setup":    {{Name: "prep", Type: "wait"}},
			"teardown": {{Name: "clean", Type: "wait"}},
		},
		Actions: []schema.ActionNode{
			templateRef(t, "run setup", "setup"),
			templateRef(t, "run teardown", "teardown"),
		},
	}

	result := validateTemplateGraph(def)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

func TestTemplateGraph_TransitiveUse(t *testing.T) {
	// main -> outer -> inner: inner is used even though main never names it.
	def := &schema.WorkflowDefinition{
		Name: "t",
		Templates: map[string][]schema.ActionNode{
			"outer": {templateRef(t, "delegate", "inner")},
			"inner": {{Name: "leaf", Type: "wait"}},
		},
		Actions: []schema.ActionNode{
			templateRef(t, "start", "outer"),
		},
	}

	result := validateTemplateGraph(def)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

func TestTemplateGraph_UnusedTemplateWarns(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Name: "t",
		Templates: map[string][]schema.ActionNode{
			"used":     {{Name: "a", Type: "wait"}},
			"orphaned": {{Name: "b", Type: "wait"}},
		},
		Actions: []schema.ActionNode{
			templateRef(t, "go", "used"),
		},
	}

	result := validateTemplateGraph(def)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Message, "orphaned")
	assert.Equal(t, "templates[orphaned]", result.Warnings[0].Path)
}

func TestTemplateGraph_SelfReferenceCycle(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Name: "t",
		Templates: map[string][]schema.ActionNode{
			"recurse": {templateRef(t, "again", "recurse")},
		},
		Actions: []schema.ActionNode{
			templateRef(t, "start", "recurse"),
		},
	}

	result := validateTemplateGraph(def)
	require.False(t, result.Valid())
	assert.Equal(t, schema.ErrCodeCycleDetected, result.Errors[0].Code)
	assert.Contains(t, result.Errors[0].Message, "recurse")
}

func TestTemplateGraph_MutualCycle(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Name: "t",
		Templates: map[string][]schema.ActionNode{
			"ping": {templateRef(t, "to pong", "pong")},
			"pong": {templateRef(t, "to ping", "ping")},
		},
		Actions: []schema.ActionNode{
			templateRef(t, "start", "ping"),
		},
	}

	result := validateTemplateGraph(def)
	require.False(t, result.Valid())
	assert.Equal(t, schema.ErrCodeCycleDetected, result.Errors[0].Code)
	assert.Contains(t, result.Errors[0].Message, "ping")
	assert.Contains(t, result.Errors[0].Message, "pong")
}

func TestTemplateGraph_CycleBehindAcyclicPrefix(t *testing.T) {
	// entry is clean but hands off into a cycle deeper in the chain.
	def := &schema.WorkflowDefinition{
		Name: "t",
		Templates: map[string][]schema.ActionNode{
			"entry": {templateRef(t, "next", "a")},
			"a":     {templateRef(t, "next", "b")},
			"b":     {templateRef(t, "back", "a")},
		},
		Actions: []schema.ActionNode{
			templateRef(t, "start", "entry"),
		},
	}

	result := validateTemplateGraph(def)
	require.False(t, result.Valid())
	assert.Equal(t, schema.ErrCodeCycleDetected, result.Errors[0].Code)
}

func TestTemplateGraph_RefInsideLoopBody(t *testing.T) {
	// Template references hidden inside control-flow bodies still count.
	def := &schema.WorkflowDefinition{
		Name: "t",
		Templates: map[string][]schema.ActionNode{
			"worker": {{Name: "a", Type: "wait"}},
		},
		Actions: []schema.ActionNode{
			{
				Name: "repeat",
				Type: schema.NodeTypeLoop,
				Config: mustConfig(t, schema.LoopConfig{
					Mode:  schema.LoopModeCount,
					Count: 2,
					Body:  []schema.ActionNode{templateRef(t, "delegate", "worker")},
				}),
			},
		},
	}

	result := validateTemplateGraph(def)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings, "worker is referenced from the loop body")
}

func TestTemplateGraph_RefInsideConditionalAndRecovery(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Name: "t",
		Templates: map[string][]schema.ActionNode{
			"happy": {{Name: "a", Type: "wait"}},
			"sad":   {{Name: "b", Type: "wait"}},
		},
		Actions: []schema.ActionNode{
			{
				Name: "branch",
				Type: schema.NodeTypeConditional,
				Config: mustConfig(t, schema.ConditionalConfig{
					Condition: "vars.ok",
					Then:      []schema.ActionNode{templateRef(t, "yes", "happy")},
				}),
			},
			{
				Name: "guarded",
				Type: schema.NodeTypeRecovery,
				Config: mustConfig(t, schema.RecoveryConfig{
					Body:     []schema.ActionNode{{Name: "try", Type: "wait"}},
					Fallback: []schema.ActionNode{templateRef(t, "no", "sad")},
				}),
			},
		},
	}

	result := validateTemplateGraph(def)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

func TestCollectTemplateRefs_Deduplication(t *testing.T) {
	// collectTemplateRefs itself returns every occurrence; the graph builder
	// dedups edges, so a double reference is not a cycle.
	def := &schema.WorkflowDefinition{
		Name: "t",
		Templates: map[string][]schema.ActionNode{
			"twice": {{Name: "a", Type: "wait"}},
		},
		Actions: []schema.ActionNode{
			templateRef(t, "first", "twice"),
			templateRef(t, "second", "twice"),
		},
	}

	result := validateTemplateGraph(def)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}
