package engine

import (
	"sort"

	"github.com/lyzr/conductor/common/errs"
	"github.com/lyzr/conductor/common/models"
)

// Graph is a workflow spec compiled for the frontier walk: node lookup,
// adjacency by direction, and the stable dispatch order of node ids.
type Graph struct {
	Spec *models.WorkflowSpec

	nodes    map[string]*models.Node
	order    map[string]int
	inbound  map[string][]models.Connection
	outbound map[string][]models.Connection
}

// Compile indexes a spec for execution. Structural validation happened at
// deploy time; this only rejects references that would crash the walk.
func Compile(spec *models.WorkflowSpec) (*Graph, error) {
	g := &Graph{
		Spec:     spec,
		nodes:    make(map[string]*models.Node, len(spec.Nodes)),
		order:    make(map[string]int, len(spec.Nodes)),
		inbound:  make(map[string][]models.Connection),
		outbound: make(map[string][]models.Connection),
	}

	for i := range spec.Nodes {
		node := &spec.Nodes[i]
		g.nodes[node.ID] = node
		g.order[node.ID] = i
	}

	for _, conn := range spec.Connections {
		if _, ok := g.nodes[conn.FromNode]; !ok {
			return nil, errs.Newf(errs.KindValidation, "connection %s references unknown node %s", conn.ID, conn.FromNode)
		}
		if _, ok := g.nodes[conn.ToNode]; !ok {
			return nil, errs.Newf(errs.KindValidation, "connection %s references unknown node %s", conn.ID, conn.ToNode)
		}
		if conn.FromPort == "" {
			conn.FromPort = models.DefaultPort
		}
		if conn.ToPort == "" {
			conn.ToPort = models.DefaultPort
		}
		g.outbound[conn.FromNode] = append(g.outbound[conn.FromNode], conn)
		g.inbound[conn.ToNode] = append(g.inbound[conn.ToNode], conn)
	}

	return g, nil
}

// Node returns a node by id, nil when absent
func (g *Graph) Node(id string) *models.Node {
	return g.nodes[id]
}

// Inbound returns the edges arriving at a node
func (g *Graph) Inbound(id string) []models.Connection {
	return g.inbound[id]
}

// Outbound returns the edges leaving a node
func (g *Graph) Outbound(id string) []models.Connection {
	return g.outbound[id]
}

// SortByOrder sorts node ids by their position in the spec's nodes sequence,
// the walk's stable tie-break.
func (g *Graph) SortByOrder(ids []string) {
	sort.SliceStable(ids, func(i, j int) bool {
		return g.order[ids[i]] < g.order[ids[j]]
	})
}

// Terminal reports whether a node has no outbound edges
func (g *Graph) Terminal(id string) bool {
	return len(g.outbound[id]) == 0
}

// Successors returns the distinct downstream node ids of a node
func (g *Graph) Successors(id string) []string {
	seen := map[string]bool{}
	var out []string
	for _, conn := range g.outbound[id] {
		if !seen[conn.ToNode] {
			seen[conn.ToNode] = true
			out = append(out, conn.ToNode)
		}
	}
	return out
}
