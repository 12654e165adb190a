package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// RenderImage renders a Model to PNG via graphviz. Branches become dashed
// clusters nested to arbitrary depth.
func RenderImage(model *Model) ([]byte, error) {
	ctx := context.Background()

	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: graphviz init: %w", err)
	}
	defer gv.Close()
	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: new graph: %w", err)
	}
	defer graph.Close()
	graph.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		graph.SetLabel(model.Title)
	}

	gvNodes := make(map[string]*cgraph.Node)
	for _, node := range model.Nodes {
		if err := addGraphvizNode(graph, graph, node, gvNodes); err != nil {
			return nil, err
		}
	}
	for _, edge := range model.Edges {
		addGraphvizEdge(graph, gvNodes, edge)
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, graphviz.PNG, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render: %w", err)
	}
	return buf.Bytes(), nil
}

// addGraphvizNode creates the node inside parent and a dashed cluster per
// branch, recursing for nested control flow. Edges always attach to the root
// graph so cross-cluster connections resolve.
func addGraphvizNode(root *cgraph.Graph, parent *cgraph.Graph, node *Node, gvNodes map[string]*cgraph.Node) error {
	gvNode, err := parent.CreateNodeByName(node.ID)
	if err != nil {
		return fmt.Errorf("diagram: create node %s: %w", node.ID, err)
	}
	gvNode.SetLabel(node.Label)
	applyNodeStyle(gvNode, node)
	gvNodes[node.ID] = gvNode

	for _, branch := range node.Branches {
		cluster, err := parent.CreateSubGraphByName("cluster_" + node.ID + "_" + branch.Label)
		if err != nil {
			continue
		}
		cluster.SetLabel(branch.Label)
		cluster.SetStyle(cgraph.DashedGraphStyle)

		for _, child := range branch.Nodes {
			if err := addGraphvizNode(root, cluster, child, gvNodes); err != nil {
				return err
			}
		}
		for _, edge := range branch.Edges {
			addGraphvizEdge(root, gvNodes, edge)
		}
	}
	return nil
}

func addGraphvizEdge(graph *cgraph.Graph, gvNodes map[string]*cgraph.Node, edge Edge) {
	from, to := gvNodes[edge.From], gvNodes[edge.To]
	if from == nil || to == nil {
		return
	}
	e, err := graph.CreateEdgeByName("", from, to)
	if err == nil && edge.Label != "" {
		e.SetLabel(edge.Label)
	}
}

// applyNodeStyle sets shape by kind and fill color by run status.
func applyNodeStyle(gvNode *cgraph.Node, node *Node) {
	switch node.Kind {
	case KindConditional:
		gvNode.SetShape(cgraph.DiamondShape)
	case KindRecovery:
		gvNode.SetShape(cgraph.HexagonShape)
	case KindTemplate:
		gvNode.SetShape(cgraph.EllipseShape)
	case KindStart, KindEnd:
		gvNode.SetShape(cgraph.CircleShape)
		gvNode.SetWidth(0.5)
		gvNode.SetHeight(0.5)
	default:
		gvNode.SetShape(cgraph.BoxShape)
	}

	if node.Status == nil {
		return
	}
	gvNode.SetStyle(cgraph.FilledNodeStyle)
	switch node.Status.Status {
	case "completed":
		gvNode.SetFillColor("#2e7d32")
		gvNode.SetFontColor("white")
	case "failed":
		gvNode.SetFillColor("#c62828")
		gvNode.SetFontColor("white")
	}
}
