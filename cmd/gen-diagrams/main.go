// gen-diagrams generates sample diagram outputs for README documentation.
// Run: go run ./cmd/gen-diagrams
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rendis/flowrun/internal/diagram"
	"github.com/rendis/flowrun/pkg/schema"
)

func main() {
	// Release gate with one of everything: a for-each loop, a conditional
	// branch, and an error-handling block whose body failed over to the
	// fallback on the sample run.
	def := &schema.WorkflowDefinition{
		Name: "release-gate",
		Actions: []schema.ActionNode{
			{Name: "load manifest", Type: "fs.read"},
			{Name: "verify artifacts", Type: schema.NodeTypeLoop,
				Config: mustJSON(schema.LoopConfig{
					Mode: schema.LoopModeForEach,
					Over: "artifacts",
					Body: []schema.ActionNode{
						{Name: "hash artifact", Type: "crypto.hash"},
					},
				})},
			{Name: "gate decision", Type: schema.NodeTypeConditional,
				Config: mustJSON(schema.ConditionalConfig{
					Condition: `vars.channel == "stable"`,
					Then: []schema.ActionNode{
						{Name: "tag release", Type: "context.set"},
					},
					Else: []schema.ActionNode{
						{Name: "flag preview build", Type: "log.message"},
					},
				})},
			{Name: "publish marker", Type: schema.NodeTypeRecovery,
				Config: mustJSON(schema.RecoveryConfig{
					Body: []schema.ActionNode{
						{Name: "write marker", Type: "fs.write"},
					},
					Fallback: []schema.ActionNode{
						{Name: "note unpublished", Type: "log.message"},
					},
				})},
		},
	}

	results := []*schema.ActionResult{
		{ActionName: "load manifest", Success: true, DurationMs: 4},
		{ActionName: "hash artifact", Success: true, DurationMs: 12},
		{ActionName: "hash artifact", Success: true, DurationMs: 9},
		{ActionName: "hash artifact", Success: true, DurationMs: 11},
		{ActionName: "tag release", Success: true, DurationMs: 1},
		{ActionName: "write marker", Success: false, Message: "permission denied", DurationMs: 2},
		{ActionName: "note unpublished", Success: true, DurationMs: 1},
	}

	model := diagram.Build(def, results)

	outDir := filepath.Join("docs", "assets")
	os.MkdirAll(outDir, 0o755)

	// ASCII (mermaid-ascii with hand-rolled fallback)
	home, _ := os.UserHomeDir()
	binDir := filepath.Join(home, ".flowrun", "bin")
	ascii := diagram.RenderASCIIAuto(model, binDir)
	os.WriteFile(filepath.Join(outDir, "diagram-ascii.txt"), []byte(ascii), 0o644)
	fmt.Println("=== ASCII (mermaid-ascii) ===")
	fmt.Println(ascii)

	// Mermaid
	mermaid := diagram.RenderMermaid(model)
	os.WriteFile(filepath.Join(outDir, "diagram-mermaid.md"), []byte("```mermaid\n"+mermaid+"\n```\n"), 0o644)
	fmt.Println("=== Mermaid ===")
	fmt.Println(mermaid)

	// Image (PNG)
	png, imgErr := diagram.RenderImage(model)
	if imgErr != nil {
		fmt.Fprintf(os.Stderr, "image error: %v\n", imgErr)
	} else {
		pngPath := filepath.Join(outDir, "diagram-sample.png")
		os.WriteFile(pngPath, png, 0o644)
		fmt.Printf("=== Image (PNG) ===\nWritten: %s (%d bytes)\n", pngPath, len(png))
	}
}

func mustJSON(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
