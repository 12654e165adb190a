package validation

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/rendis/flowrun/pkg/schema"
)

// validateTemplateGraph performs graph analysis on template references:
// cycle detection (Kahn's algorithm) over the template-to-template edges and
// unused-template detection (BFS from the main action list). Runs after the
// semantic stage, so every reference is known to resolve.
func validateTemplateGraph(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if len(def.Templates) == 0 {
		return result
	}

	// edges[name] = templates referenced from inside template name.
	edges := make(map[string][]string, len(def.Templates))
	for name, nodes := range def.Templates {
		refs := collectTemplateRefs(nodes, nil)
		seen := make(map[string]bool, len(refs))
		for _, ref := range refs {
			if _, exists := def.Templates[ref]; !exists || seen[ref] {
				continue
			}
			seen[ref] = true
			edges[name] = append(edges[name], ref)
		}
	}

	// Kahn's algorithm: count inbound references per template, repeatedly
	// peel templates nobody references. Leftovers form a cycle.
	inDegree := make(map[string]int, len(def.Templates))
	for name := range def.Templates {
		inDegree[name] = 0
	}
	for _, refs := range edges {
		for _, ref := range refs {
			inDegree[ref]++
		}
	}

	queue := make([]string, 0, len(def.Templates))
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		visited++
		for _, ref := range edges[name] {
			inDegree[ref]--
			if inDegree[ref] == 0 {
				queue = append(queue, ref)
			}
		}
	}

	if visited != len(def.Templates) {
		cyclic := make([]string, 0)
		for name, deg := range inDegree {
			if deg > 0 {
				cyclic = append(cyclic, name)
			}
		}
		sort.Strings(cyclic)
		result.AddError("templates", schema.ErrCodeCycleDetected,
			fmt.Sprintf("template references form a cycle involving %v", cyclic))
		return result // usage analysis is meaningless with a cycle present
	}

	// Usage: BFS from templates referenced by the main action list through
	// template-to-template edges.
	used := make(map[string]bool, len(def.Templates))
	bfsQueue := collectTemplateRefs(def.Actions, nil)
	for _, ref := range bfsQueue {
		used[ref] = true
	}
	for len(bfsQueue) > 0 {
		name := bfsQueue[0]
		bfsQueue = bfsQueue[1:]
		for _, ref := range edges[name] {
			if !used[ref] {
				used[ref] = true
				bfsQueue = append(bfsQueue, ref)
			}
		}
	}

	unused := make([]string, 0)
	for name := range def.Templates {
		if !used[name] {
			unused = append(unused, name)
		}
	}
	sort.Strings(unused)
	for _, name := range unused {
		result.AddWarning(fmt.Sprintf("templates[%s]", name),
			schema.ErrCodeValidation,
			fmt.Sprintf("template %q is never referenced", name))
	}

	return result
}

// collectTemplateRefs walks a node list and gathers every template name
// referenced by template nodes, descending into control-flow bodies.
// Malformed configs are skipped; the semantic stage reports those.
func collectTemplateRefs(nodes []schema.ActionNode, refs []string) []string {
	for i := range nodes {
		node := &nodes[i]
		switch node.Type {
		case schema.NodeTypeTemplate:
			var cfg schema.TemplateConfig
			if err := json.Unmarshal(node.Config, &cfg); err == nil && cfg.Template != "" {
				refs = append(refs, cfg.Template)
			}
		case schema.NodeTypeConditional:
			var cfg schema.ConditionalConfig
			if err := json.Unmarshal(node.Config, &cfg); err == nil {
				refs = collectTemplateRefs(cfg.Then, refs)
				refs = collectTemplateRefs(cfg.Else, refs)
			}
		case schema.NodeTypeLoop:
			var cfg schema.LoopConfig
			if err := json.Unmarshal(node.Config, &cfg); err == nil {
				refs = collectTemplateRefs(cfg.Body, refs)
			}
		case schema.NodeTypeRecovery:
			var cfg schema.RecoveryConfig
			if err := json.Unmarshal(node.Config, &cfg); err == nil {
				refs = collectTemplateRefs(cfg.Body, refs)
				refs = collectTemplateRefs(cfg.Fallback, refs)
			}
		}
	}
	return refs
}
