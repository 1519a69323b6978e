package graph

import (
	"errors"
	"fmt"
	"sort"

	"github.com/harun/banca/pkg/roster"
)

// NodeID names a graph node. Agent nodes use the agent ID.
type NodeID string

const (
	Start NodeID = "__start__"
	Human NodeID = "human"
)

var (
	// ErrTriggerCount is returned when the human node is resumed with other
	// than exactly one trigger. The turn is aborted and nothing is saved.
	ErrTriggerCount = errors.New("human node resumed with unexpected trigger count")
	// ErrInvalidEdge is returned when a node routes somewhere the graph has
	// no edge to.
	ErrInvalidEdge = errors.New("invalid graph edge")
	// ErrInvalidRequest is returned for malformed turn requests.
	ErrInvalidRequest = errors.New("invalid turn request")
)

// AgentNode returns the node of an agent.
func AgentNode(id roster.ID) NodeID {
	return NodeID(id)
}

// Agent returns the agent behind n, or roster.Unknown for START and human.
func (n NodeID) Agent() roster.ID {
	return roster.Lookup(string(n))
}

// Edge is a directed graph edge.
type Edge struct {
	From NodeID `json:"from"`
	To   NodeID `json:"to"`
}

// Graph is the static routing topology.
type Graph struct {
	edges map[NodeID]map[NodeID]bool
}

// New builds the topology for the agents in ids.
func New(ids []roster.ID) *Graph {
	g := &Graph{edges: make(map[NodeID]map[NodeID]bool)}
	g.add(Start, AgentNode(roster.Coordinator))

	for _, id := range ids {
		node := AgentNode(id)
		g.add(node, Human)
		g.add(Human, node)
		if id != roster.Coordinator {
			g.add(AgentNode(roster.Coordinator), node)
		}
	}
	return g
}

func (g *Graph) add(from, to NodeID) {
	if g.edges[from] == nil {
		g.edges[from] = make(map[NodeID]bool)
	}
	g.edges[from][to] = true
}

// HasEdge reports whether from routes directly to to.
func (g *Graph) HasEdge(from, to NodeID) bool {
	return g.edges[from][to]
}

// Check returns ErrInvalidEdge unless from routes directly to to.
func (g *Graph) Check(from, to NodeID) error {
	if !g.HasEdge(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidEdge, from, to)
	}
	return nil
}

// Edges lists every edge in a stable order.
func (g *Graph) Edges() []Edge {
	var out []Edge
	for from, targets := range g.edges {
		for to := range targets {
			out = append(out, Edge{From: from, To: to})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}
