// Package diagram renders workflow definitions as Mermaid flowcharts, ASCII
// art, or PNG images, optionally overlaying results from a finished run.
package diagram

// NodeKind classifies a diagram node by its action-node type.
type NodeKind string

const (
	KindAction      NodeKind = "action"
	KindConditional NodeKind = "conditional"
	KindLoop        NodeKind = "loop"
	KindRecovery    NodeKind = "recovery"
	KindTemplate    NodeKind = "template"
	KindStart       NodeKind = "start"
	KindEnd         NodeKind = "end"
)

// Model is the intermediate representation shared by all renderers. Nodes
// holds the top-level action sequence bracketed by virtual start/end nodes;
// Edges chains them in execution order.
type Model struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node is a single diagram node. Control-flow nodes carry their nested
// sequences as Branches: then/else for conditionals, the body for loops,
// body/fallback for error handling, and the expanded steps for templates.
type Node struct {
	ID       string
	Label    string
	Kind     NodeKind
	Status   *StatusOverlay
	Branches []*Branch
}

// Branch is one nested sequence under a control-flow node.
type Branch struct {
	Label string
	Nodes []*Node
	Edges []Edge
}

// StatusOverlay aggregates the run results recorded for a node. Loops produce
// one result per iteration, so Count can exceed 1 and DurationMs is the sum.
type StatusOverlay struct {
	Status     string // completed | failed
	Count      int
	DurationMs int64
	Error      string
}

// Edge is a directed connection between two node IDs.
type Edge struct {
	From  string
	To    string
	Label string
}
