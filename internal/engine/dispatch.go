package engine

import (
	"context"
	"fmt"

	"github.com/rendis/flowrun/pkg/schema"
)

// nodeKind classifies a node for dispatch. Anything that is not a known
// control-flow type is a leaf action resolved through the registry.
type nodeKind int

const (
	kindLeaf nodeKind = iota
	kindConditional
	kindLoop
	kindRecovery
	kindTemplate
)

func classifyNode(node *schema.ActionNode) nodeKind {
	switch node.Type {
	case schema.NodeTypeConditional:
		return kindConditional
	case schema.NodeTypeLoop:
		return kindLoop
	case schema.NodeTypeRecovery:
		return kindRecovery
	case schema.NodeTypeTemplate:
		return kindTemplate
	default:
		return kindLeaf
	}
}

// flowHandler executes one composite node. pos is the node's 1-based position
// within its list; prefix is the accumulated scope prefix for display names.
type flowHandler func(r *Runner, ctx context.Context, run *runState, node *schema.ActionNode, ec map[string]any, prefix string, pos int) error

// flowHandlers is the dispatch table for composite nodes. Leaves are executed
// directly by the dispatch loop.
var flowHandlers map[nodeKind]flowHandler

func init() {
	flowHandlers = map[nodeKind]flowHandler{
		kindConditional: (*Runner).handleConditional,
		kindLoop:        (*Runner).handleLoop,
		kindRecovery:    (*Runner).handleRecovery,
		kindTemplate:    (*Runner).handleTemplate,
	}
}

// displayName renders the deterministic display name of a node:
// "<name> (<type>, <scope-prefix>Step <n>)" with n 1-based in the current
// list. The prefix accumulates loop/branch markers across nesting, so logs
// and reports carry full positional provenance.
func displayName(node *schema.ActionNode, prefix string, pos int) string {
	return fmt.Sprintf("%s (%s, %sStep %d)", node.Name, node.Type, prefix, pos)
}
