package diagram

import (
	"encoding/json"
	"fmt"

	"github.com/rendis/flowrun/pkg/schema"
)

// maxTemplateDepth bounds template expansion while building a diagram, so a
// definition with a template cycle (caught by validation, but diagrams may be
// drawn for unvalidated files) cannot recurse forever.
const maxTemplateDepth = 12

// Build constructs a Model from a workflow definition. results may be nil for
// a static diagram; when given, each node is overlaid with the aggregated
// outcome of the results recorded under its action name.
func Build(def *schema.WorkflowDefinition, results []*schema.ActionResult) *Model {
	b := &builder{
		def:      def,
		byAction: groupResults(results),
	}

	// Mermaid treats a bare "end" node id as block syntax, so the virtual
	// nodes carry underscored ids.
	start := &Node{ID: "__start__", Label: "Start", Kind: KindStart}
	end := &Node{ID: "__end__", Label: "End", Kind: KindEnd}

	nodes := []*Node{start}
	prev := start.ID
	var edges []Edge
	for i := range def.Actions {
		node := b.buildNode(&def.Actions[i], fmt.Sprintf("s%d", i+1), 0)
		nodes = append(nodes, node)
		edges = append(edges, Edge{From: prev, To: node.ID})
		prev = node.ID
	}
	nodes = append(nodes, end)
	edges = append(edges, Edge{From: prev, To: end.ID})

	return &Model{
		Title: def.Name,
		Nodes: nodes,
		Edges: edges,
	}
}

type builder struct {
	def      *schema.WorkflowDefinition
	byAction map[string][]*schema.ActionResult
}

// buildNode maps one action node, recursing into control-flow branches.
func (b *builder) buildNode(action *schema.ActionNode, id string, depth int) *Node {
	node := &Node{
		ID:     id,
		Label:  nodeLabel(action),
		Kind:   nodeKindOf(action.Type),
		Status: b.overlay(action.Name),
	}

	switch action.Type {
	case schema.NodeTypeConditional:
		var cfg schema.ConditionalConfig
		if json.Unmarshal(action.Config, &cfg) != nil {
			return node
		}
		if len(cfg.Then) > 0 {
			node.Branches = append(node.Branches, b.buildBranch("then", id, cfg.Then, depth))
		}
		if len(cfg.Else) > 0 {
			node.Branches = append(node.Branches, b.buildBranch("else", id, cfg.Else, depth))
		}

	case schema.NodeTypeLoop:
		var cfg schema.LoopConfig
		if json.Unmarshal(action.Config, &cfg) != nil {
			return node
		}
		if len(cfg.Body) > 0 {
			node.Branches = append(node.Branches, b.buildBranch(loopBranchLabel(cfg), id, cfg.Body, depth))
		}

	case schema.NodeTypeRecovery:
		var cfg schema.RecoveryConfig
		if json.Unmarshal(action.Config, &cfg) != nil {
			return node
		}
		if len(cfg.Body) > 0 {
			node.Branches = append(node.Branches, b.buildBranch("body", id, cfg.Body, depth))
		}
		if len(cfg.Fallback) > 0 {
			node.Branches = append(node.Branches, b.buildBranch("fallback", id, cfg.Fallback, depth))
		}

	case schema.NodeTypeTemplate:
		var cfg schema.TemplateConfig
		if json.Unmarshal(action.Config, &cfg) != nil {
			return node
		}
		steps, ok := b.def.Templates[cfg.Template]
		if ok && len(steps) > 0 && depth < maxTemplateDepth {
			node.Branches = append(node.Branches, b.buildBranch(cfg.Template, id, steps, depth+1))
		}
	}
	return node
}

// buildBranch maps a nested action sequence, chaining its nodes in order.
func (b *builder) buildBranch(label, parentID string, steps []schema.ActionNode, depth int) *Branch {
	branch := &Branch{Label: label}
	prev := ""
	for i := range steps {
		id := fmt.Sprintf("%s_%s_%d", parentID, label, i+1)
		node := b.buildNode(&steps[i], id, depth)
		branch.Nodes = append(branch.Nodes, node)
		if prev != "" {
			branch.Edges = append(branch.Edges, Edge{From: prev, To: id})
		}
		prev = id
	}
	return branch
}

// overlay aggregates every result recorded under the given action name. A
// loop body node may have one result per iteration: the overlay is failed if
// any iteration failed, and DurationMs sums across them.
func (b *builder) overlay(actionName string) *StatusOverlay {
	rs := b.byAction[actionName]
	if len(rs) == 0 {
		return nil
	}
	overlay := &StatusOverlay{Status: "completed", Count: len(rs)}
	for _, r := range rs {
		overlay.DurationMs += r.DurationMs
		if !r.Success {
			overlay.Status = "failed"
			if overlay.Error == "" {
				overlay.Error = r.Message
			}
		}
	}
	return overlay
}

func groupResults(results []*schema.ActionResult) map[string][]*schema.ActionResult {
	if len(results) == 0 {
		return nil
	}
	byAction := make(map[string][]*schema.ActionResult, len(results))
	for _, r := range results {
		byAction[r.ActionName] = append(byAction[r.ActionName], r)
	}
	return byAction
}

func nodeKindOf(actionType string) NodeKind {
	switch actionType {
	case schema.NodeTypeConditional:
		return KindConditional
	case schema.NodeTypeLoop:
		return KindLoop
	case schema.NodeTypeRecovery:
		return KindRecovery
	case schema.NodeTypeTemplate:
		return KindTemplate
	default:
		return KindAction
	}
}

// nodeLabel renders "name (type)" for leaves and just the name for
// control-flow nodes, whose branch labels already say what they are.
func nodeLabel(action *schema.ActionNode) string {
	switch action.Type {
	case schema.NodeTypeConditional, schema.NodeTypeLoop, schema.NodeTypeRecovery, schema.NodeTypeTemplate:
		return action.Name
	default:
		return fmt.Sprintf("%s (%s)", action.Name, action.Type)
	}
}

// loopBranchLabel names a loop body by its mode: "body x3", "body for_each",
// "body while", "body until".
func loopBranchLabel(cfg schema.LoopConfig) string {
	switch cfg.Mode {
	case schema.LoopModeCount:
		return fmt.Sprintf("body x%d", cfg.Count)
	case schema.LoopModeForEach, schema.LoopModeWhile, schema.LoopModeUntil:
		return "body " + cfg.Mode
	default:
		return "body"
	}
}
