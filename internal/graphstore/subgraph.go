package graphstore

import (
	"errors"
	"sort"

	"github.com/opensource-finance/sentinel/internal/domain"
)

var errStoreClosed = errors.New("store is closed")

// subgraphBuilder accumulates a capped, de-duplicated neighbourhood.
type subgraphBuilder struct {
	center   string
	hops     int
	maxEdges int
	nodes    map[string]domain.GraphNode
	edgeSeen map[any]struct{}
	edges    []domain.GraphEdge
}

func newSubgraphBuilder(center string, hops, maxEdges int) *subgraphBuilder {
	return &subgraphBuilder{
		center:   center,
		hops:     hops,
		maxEdges: maxEdges,
		nodes:    make(map[string]domain.GraphNode),
		edgeSeen: make(map[any]struct{}),
	}
}

func (b *subgraphBuilder) full() bool {
	return b.maxEdges > 0 && len(b.edges) >= b.maxEdges
}

// addNode reports whether the account was new to the subgraph.
func (b *subgraphBuilder) addNode(a domain.Account) bool {
	if _, ok := b.nodes[a.ID]; ok {
		return false
	}
	b.nodes[a.ID] = domain.GraphNode{ID: a.ID, Label: a.ID, State: a.State, Risk: a.InitialRiskRating}
	return true
}

// addEdge reports whether the transfer was added; duplicates and edges past
// the cap are rejected.
func (b *subgraphBuilder) addEdge(key any, t domain.Transfer) bool {
	if b.full() {
		return false
	}
	if _, ok := b.edgeSeen[key]; ok {
		return false
	}
	b.edgeSeen[key] = struct{}{}
	b.edges = append(b.edges, domain.GraphEdge{
		From:      t.Source,
		To:        t.Target,
		Amount:    t.Amount,
		IsIllicit: t.IsIllicit,
	})
	return true
}

func (b *subgraphBuilder) build() *domain.Subgraph {
	nodes := make([]domain.GraphNode, 0, len(b.nodes))
	for _, n := range b.nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	edges := b.edges
	if edges == nil {
		edges = []domain.GraphEdge{}
	}
	return &domain.Subgraph{Center: b.center, Hops: b.hops, Nodes: nodes, Edges: edges}
}
