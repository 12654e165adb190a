package diagram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rendis/flowrun/pkg/schema"
)

func TestRenderASCIILinear(t *testing.T) {
	out := RenderASCII(Build(linearWorkflow(), nil))

	assert.Contains(t, out, "=== login-check ===")
	assert.Contains(t, out, "open page (http.request)")
	// Boxes are chained with connectors.
	assert.Contains(t, out, "▼")
	assert.Contains(t, out, "┌")
}

func TestRenderASCIIBranchOutline(t *testing.T) {
	out := RenderASCII(Build(conditionalWorkflow(t), nil))

	assert.Contains(t, out, "--- decide ---")
	assert.Contains(t, out, "[then]")
	assert.Contains(t, out, "[else]")
	assert.Contains(t, out, "mark ok (context.set)")
}

func TestRenderASCIIStatusTags(t *testing.T) {
	results := []*schema.ActionResult{
		{ActionName: "open page", Success: true, DurationMs: 150},
		{ActionName: "extract title", Success: false, Message: "no title"},
	}
	out := RenderASCII(Build(linearWorkflow(), results))

	assert.Contains(t, out, "[OK] 150ms")
	assert.Contains(t, out, "[FAIL] no title")
}

func TestRenderASCIILoopAggregation(t *testing.T) {
	results := []*schema.ActionResult{
		{ActionName: "poll", Success: true, DurationMs: 10},
		{ActionName: "poll", Success: true, DurationMs: 20},
	}
	out := RenderASCII(Build(loopWorkflow(t), results))

	assert.Contains(t, out, "[body x3]")
	assert.Contains(t, out, "2x")
	assert.Contains(t, out, "30ms")
}

func TestRenderASCIIBoxWidths(t *testing.T) {
	out := RenderASCII(Build(linearWorkflow(), nil))

	// Every box line for a given box has equal width.
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "│") {
			lines = append(lines, line)
		}
	}
	assert.NotEmpty(t, lines)
	for _, line := range lines {
		assert.True(t, strings.HasSuffix(line, "│"), "box line %q must close", line)
	}
}
