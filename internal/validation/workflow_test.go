package validation

import (
	"errors"
	"testing"

	"github.com/rendis/flowrun/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ Validator = (*WorkflowValidator)(nil)

// newPipeline builds a WorkflowValidator over the given lookup, failing the
// test when construction itself breaks.
func newPipeline(t *testing.T, lookup ActionLookup) *WorkflowValidator {
	t.Helper()
	wv, err := NewWorkflowValidator(lookup)
	require.NoError(t, err)
	return wv
}

// runPipeline pushes def through all three stages.
func runPipeline(t *testing.T, lookup ActionLookup, def *schema.WorkflowDefinition) *schema.ValidationResult {
	t.Helper()
	return newPipeline(t, lookup).Validate(def)
}

func hasCode(issues []schema.ValidationIssue, code string) bool {
	for _, issue := range issues {
		if issue.Code == code {
			return true
		}
	}
	return false
}

// --- All three stages together ---

func TestPipelineValid(t *testing.T) {
	def := leafDef(
		schema.ActionNode{Name: "fetch", Type: "http.get"},
		templateRef(t, "settle", "poll"),
	)
	def.Name = "checkout"
	def.Templates = map[string][]schema.ActionNode{
		"poll": {{Name: "pause", Type: "wait"}},
	}

	result := runPipeline(t, registered("http.get", "wait"), def)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Errors)
	assert.Empty(t, result.Warnings)
}

func TestPipelineNilDefinition(t *testing.T) {
	result := runPipeline(t, nil, nil)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "nil")
}

func TestPipelineNilLookup(t *testing.T) {
	def := leafDef(schema.ActionNode{Name: "a", Type: "nonexistent.action"})
	result := runPipeline(t, nil, def)
	assert.True(t, result.Valid(), "nil lookup skips action checks")
}

// --- Stage short-circuits ---

func TestPipelineStopsAfterStructuralErrors(t *testing.T) {
	// No actions at all: the structural stage rejects the definition and the
	// semantic stage never gets a chance to report unknown types.
	result := runPipeline(t, registered(), &schema.WorkflowDefinition{Name: "t"})
	require.False(t, result.Valid())
	assert.False(t, hasCode(result.Errors, schema.ErrCodeNotFound),
		"semantic stage ran despite structural failure")
}

func TestPipelineStopsBeforeGraphStage(t *testing.T) {
	// An unregistered action inside a self-referencing template: the semantic
	// error surfaces, the cycle check never runs.
	def := leafDef(templateRef(t, "start", "loop-back"))
	def.Templates = map[string][]schema.ActionNode{
		"loop-back": {
			{Name: "bad", Type: "bad.action"},
			templateRef(t, "again", "loop-back"),
		},
	}

	result := runPipeline(t, registered(), def)
	require.False(t, result.Valid())
	assert.False(t, hasCode(result.Errors, schema.ErrCodeCycleDetected),
		"graph stage ran despite semantic errors")
}

func TestPipelineReportsTemplateCycle(t *testing.T) {
	def := leafDef(templateRef(t, "start", "ping"))
	def.Templates = map[string][]schema.ActionNode{
		"ping": {templateRef(t, "to pong", "pong")},
		"pong": {templateRef(t, "to ping", "ping")},
	}

	result := runPipeline(t, registered("wait"), def)
	require.False(t, result.Valid())
	assert.True(t, hasCode(result.Errors, schema.ErrCodeCycleDetected))
}

func TestPipelineKeepsWarnings(t *testing.T) {
	def := leafDef(schema.ActionNode{
		Name:  "stubborn",
		Type:  "wait",
		Retry: &schema.RetryPolicy{Max: 35},
	})

	result := runPipeline(t, registered("wait"), def)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Message, "35")
}

func TestPipelineMixedSeverities(t *testing.T) {
	def := leafDef(schema.ActionNode{
		Name:  "bad",
		Type:  "nope",
		Retry: &schema.RetryPolicy{Max: 20},
	})

	result := runPipeline(t, registered(), def)
	assert.False(t, result.Valid())
	assert.NotEmpty(t, result.Errors)
	assert.NotEmpty(t, result.Warnings, "retry warning should survive alongside errors")
}

func TestPipelineChecksLoopBody(t *testing.T) {
	def := leafDef(schema.ActionNode{
		Name: "repeat",
		Type: schema.NodeTypeLoop,
		Config: mustConfig(t, schema.LoopConfig{
			Mode:  schema.LoopModeCount,
			Count: 5,
			Body:  []schema.ActionNode{{Name: "inner", Type: "missing.op"}},
		}),
	})

	result := runPipeline(t, registered("wait"), def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "missing.op")
}

// --- Validator interface surface ---

func TestWorkflowValidateDefinition(t *testing.T) {
	wv := newPipeline(t, registered("wait"))

	good := leafDef(schema.ActionNode{Name: "a", Type: "wait"})
	assert.NoError(t, wv.ValidateDefinition(good))

	err := wv.ValidateDefinition(leafDef(schema.ActionNode{Name: "a", Type: "missing"}))
	require.Error(t, err)
	var flowErr *schema.FlowError
	require.True(t, errors.As(err, &flowErr))
	assert.Equal(t, schema.ErrCodeValidation, flowErr.Code)
}

func TestWorkflowValidateDefinitionErrorCount(t *testing.T) {
	def := leafDef(
		schema.ActionNode{Name: "one", Type: "nope"},
		schema.ActionNode{Name: "two", Type: "also.nope"},
	)

	err := newPipeline(t, registered()).ValidateDefinition(def)
	require.Error(t, err)
	var flowErr *schema.FlowError
	require.True(t, errors.As(err, &flowErr))
	assert.Equal(t, 2, flowErr.Details["error_count"])
}

func TestWorkflowValidateInput(t *testing.T) {
	wv := newPipeline(t, nil)
	err := wv.ValidateInput(
		map[string]any{"tag": "v1"},
		[]byte(`{"type":"object","required":["tag"],"properties":{"tag":{"type":"string"}}}`),
	)
	assert.NoError(t, err)
}
