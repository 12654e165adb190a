package diagram

import (
	"fmt"
	"strings"
)

// RenderASCII renders a Model as a text diagram: the top-level sequence as a
// vertical chain of boxes, followed by an indented outline of every
// control-flow branch.
func RenderASCII(model *Model) string {
	var b strings.Builder

	if model.Title != "" {
		b.WriteString(fmt.Sprintf("=== %s ===\n\n", model.Title))
	}

	for i, node := range model.Nodes {
		writeBox(&b, node)
		if i < len(model.Nodes)-1 {
			b.WriteString("       │\n")
			b.WriteString("       ▼\n")
		}
	}

	for _, node := range model.Nodes {
		if len(node.Branches) > 0 {
			b.WriteString(fmt.Sprintf("\n--- %s ---\n", node.Label))
			writeBranches(&b, node, 1)
		}
	}
	return b.String()
}

// writeBox draws one node as a box with its status tag and timing.
func writeBox(b *strings.Builder, node *Node) {
	lines := []string{node.Label}
	if node.Status != nil {
		lines = append(lines, statusLine(node.Status))
	}

	width := 0
	for _, line := range lines {
		if len(line) > width {
			width = len(line)
		}
	}

	b.WriteString("┌" + strings.Repeat("─", width+2) + "┐\n")
	for _, line := range lines {
		b.WriteString("│ " + line + strings.Repeat(" ", width-len(line)) + " │\n")
	}
	b.WriteString("└" + strings.Repeat("─", width+2) + "┘\n")
}

// writeBranches emits the nested outline for a control-flow node, recursing
// into branches of branches.
func writeBranches(b *strings.Builder, node *Node, depth int) {
	pad := strings.Repeat("  ", depth)
	for _, branch := range node.Branches {
		b.WriteString(fmt.Sprintf("%s[%s]\n", pad, branch.Label))
		for _, child := range branch.Nodes {
			tag := ""
			if child.Status != nil {
				tag = " " + statusLine(child.Status)
			}
			b.WriteString(fmt.Sprintf("%s  %s%s\n", pad, child.Label, tag))
			if len(child.Branches) > 0 {
				writeBranches(b, child, depth+2)
			}
		}
	}
}

// statusLine formats an overlay like "[OK] 3x 1240ms" or "[FAIL] timeout".
func statusLine(s *StatusOverlay) string {
	tag := "[OK]"
	if s.Status == "failed" {
		tag = "[FAIL]"
	}
	parts := []string{tag}
	if s.Count > 1 {
		parts = append(parts, fmt.Sprintf("%dx", s.Count))
	}
	if s.DurationMs > 0 {
		parts = append(parts, fmt.Sprintf("%dms", s.DurationMs))
	}
	if s.Error != "" {
		parts = append(parts, s.Error)
	}
	return strings.Join(parts, " ")
}
