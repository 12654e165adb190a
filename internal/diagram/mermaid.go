package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a Model as a Mermaid flowchart. Control-flow branches
// become nested subgraphs; nodes with status overlays get colored classes.
func RenderMermaid(model *Model) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		b.WriteString(fmt.Sprintf("    %%%% %s\n", model.Title))
	}

	for _, node := range model.Nodes {
		writeMermaidNode(&b, node, 1)
	}
	for _, edge := range model.Edges {
		writeMermaidEdge(&b, edge, 1)
	}

	b.WriteString("\n")
	b.WriteString("    classDef completed fill:#2e7d32,stroke:#1b5e20,color:#fff\n")
	b.WriteString("    classDef failed fill:#c62828,stroke:#8e0000,color:#fff\n")

	for _, node := range model.Nodes {
		writeMermaidClasses(&b, node)
	}
	return b.String()
}

// writeMermaidNode emits a node definition, then a subgraph per branch,
// recursing so control flow nested inside a branch renders too.
func writeMermaidNode(b *strings.Builder, node *Node, depth int) {
	pad := strings.Repeat("    ", depth)
	b.WriteString(pad + mermaidNodeDef(node) + "\n")

	for _, branch := range node.Branches {
		b.WriteString(fmt.Sprintf("%ssubgraph %s[%q]\n",
			pad, mermaidSafeID(node.ID+"_"+branch.Label), branch.Label))
		for _, child := range branch.Nodes {
			writeMermaidNode(b, child, depth+1)
		}
		for _, edge := range branch.Edges {
			writeMermaidEdge(b, edge, depth+1)
		}
		b.WriteString(pad + "end\n")
	}
}

func writeMermaidEdge(b *strings.Builder, edge Edge, depth int) {
	label := ""
	if edge.Label != "" {
		label = fmt.Sprintf("|%s|", edge.Label)
	}
	b.WriteString(fmt.Sprintf("%s%s -->%s %s\n",
		strings.Repeat("    ", depth), mermaidSafeID(edge.From), label, mermaidSafeID(edge.To)))
}

func writeMermaidClasses(b *strings.Builder, node *Node) {
	if node.Status != nil {
		b.WriteString(fmt.Sprintf("    class %s %s\n", mermaidSafeID(node.ID), node.Status.Status))
	}
	for _, branch := range node.Branches {
		for _, child := range branch.Nodes {
			writeMermaidClasses(b, child)
		}
	}
}

// mermaidNodeDef picks a shape per kind: diamonds for conditionals, double
// brackets for loops, hexagons for recovery, stadiums for templates.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := node.Label

	switch node.Kind {
	case KindConditional:
		return fmt.Sprintf("%s{%q}", id, label)
	case KindLoop:
		return fmt.Sprintf("%s[[%q]]", id, label)
	case KindRecovery:
		return fmt.Sprintf("%s{{%q}}", id, label)
	case KindTemplate:
		return fmt.Sprintf("%s([%q])", id, label)
	case KindStart, KindEnd:
		return fmt.Sprintf("%s((%q))", id, label)
	default:
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

// mermaidSafeID strips characters Mermaid treats as syntax from node IDs.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return r.Replace(id)
}
