package diagram

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// RenderASCIIAuto renders via the mermaid-ascii CLI binary when one is
// installed in binDir, falling back to the built-in RenderASCII renderer.
func RenderASCIIAuto(model *Model, binDir string) string {
	if binDir != "" {
		binPath := filepath.Join(binDir, "mermaid-ascii")
		if _, err := os.Stat(binPath); err == nil {
			if out, err := RenderASCIIViaCLI(model, binPath); err == nil {
				return out
			}
		}
	}
	return RenderASCII(model)
}

// RenderASCIIViaCLI pipes flattened Mermaid syntax through mermaid-ascii.
func RenderASCIIViaCLI(model *Model, binPath string) (string, error) {
	cmd := exec.Command(binPath)
	cmd.Stdin = strings.NewReader(RenderMermaidFlat(model))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("mermaid-ascii: %w: %s", err, stderr.String())
	}
	return stdout.String(), nil
}

// RenderMermaidFlat generates simplified Mermaid without subgraphs or node
// declarations, which the mermaid-ascii tool cannot parse. Branches are
// flattened into labeled edges from their parent, and run status is embedded
// directly in the node IDs.
func RenderMermaidFlat(model *Model) string {
	var b strings.Builder
	b.WriteString("graph TD\n")

	ids := make(map[string]string)
	for _, node := range model.Nodes {
		collectFlatIDs(node, ids)
	}
	resolve := func(id string) string {
		if d, ok := ids[id]; ok {
			return d
		}
		return mermaidSafeID(id)
	}

	for _, edge := range model.Edges {
		writeFlatEdge(&b, edge, resolve)
	}
	for _, node := range model.Nodes {
		writeFlatBranches(&b, node, resolve)
	}
	return b.String()
}

func collectFlatIDs(node *Node, ids map[string]string) {
	ids[node.ID] = flatNodeID(node)
	for _, branch := range node.Branches {
		for _, child := range branch.Nodes {
			collectFlatIDs(child, ids)
		}
	}
}

func writeFlatBranches(b *strings.Builder, node *Node, resolve func(string) string) {
	for _, branch := range node.Branches {
		if len(branch.Nodes) > 0 {
			writeFlatEdge(b, Edge{From: node.ID, To: branch.Nodes[0].ID, Label: branch.Label}, resolve)
		}
		for _, edge := range branch.Edges {
			writeFlatEdge(b, edge, resolve)
		}
		for _, child := range branch.Nodes {
			writeFlatBranches(b, child, resolve)
		}
	}
}

func writeFlatEdge(b *strings.Builder, edge Edge, resolve func(string) string) {
	label := ""
	if edge.Label != "" {
		label = fmt.Sprintf("|%s|", strings.ReplaceAll(edge.Label, " ", "-"))
	}
	b.WriteString(fmt.Sprintf("    %s -->%s %s\n", resolve(edge.From), label, resolve(edge.To)))
}

// flatNodeID builds a display ID carrying the label, status tag, and timing,
// since the flat syntax has nowhere else to show them.
func flatNodeID(node *Node) string {
	id := node.Label
	if id == "" {
		id = node.ID
	}
	// Drop the "(action.type)" suffix for cleaner IDs.
	if idx := strings.Index(id, " ("); idx > 0 {
		id = id[:idx]
	}

	if node.Status != nil {
		if node.Status.Status == "failed" {
			id += "-FAIL"
		} else {
			id += "-OK"
		}
		if node.Status.Count > 1 {
			id += fmt.Sprintf("-%dx", node.Status.Count)
		}
		if node.Status.DurationMs > 0 {
			id += fmt.Sprintf("-%dms", node.Status.DurationMs)
		}
	}
	return strings.ReplaceAll(id, " ", "-")
}
