package graph

import (
	"gonum.org/v1/gonum/graph/simple"

	"github.com/ritzau/lineage-index/pkg/model"
)

// TableNode describes a table in the lineage graph
type TableNode struct {
	Key   model.NodeKey
	URL   string // e.g., "/work/jaffle_shop/models/orders.sql"
	Label string // e.g., "orders"
}

// LineageGraph accumulates tables and dependencies for one project and
// produces an immutable model.Snapshot from them.
// An edge from A to B means A depends on B.
type LineageGraph struct {
	graph  *simple.DirectedGraph
	nodes  map[model.NodeKey]*TableNode
	ids    map[model.NodeKey]int64
	keys   map[int64]model.NodeKey
	nextID int64

	// Neighbor order follows insertion order, which gonum does not keep
	dependsOn    map[model.NodeKey][]model.NodeKey
	dependedOnBy map[model.NodeKey][]model.NodeKey
}

// NewLineageGraph creates an empty lineage graph
func NewLineageGraph() *LineageGraph {
	return &LineageGraph{
		graph:        simple.NewDirectedGraph(),
		nodes:        make(map[model.NodeKey]*TableNode),
		ids:          make(map[model.NodeKey]int64),
		keys:         make(map[int64]model.NodeKey),
		dependsOn:    make(map[model.NodeKey][]model.NodeKey),
		dependedOnBy: make(map[model.NodeKey][]model.NodeKey),
	}
}

// AddTable adds a table, or updates its URL and label if it already exists
func (lg *LineageGraph) AddTable(node TableNode) {
	if existing, exists := lg.nodes[node.Key]; exists {
		existing.URL = node.URL
		existing.Label = node.Label
		return
	}

	n := node
	lg.nodes[node.Key] = &n
	lg.ids[node.Key] = lg.nextID
	lg.keys[lg.nextID] = node.Key
	lg.graph.AddNode(simple.Node(lg.nextID))
	lg.nextID++
}

func (lg *LineageGraph) ensure(key model.NodeKey) int64 {
	if _, exists := lg.nodes[key]; !exists {
		lg.AddTable(TableNode{Key: key, Label: key.Name()})
	}
	return lg.ids[key]
}

// AddDependency records that from depends on to.
// Unknown tables are added with their key name as label. Self edges are ignored.
func (lg *LineageGraph) AddDependency(from, to model.NodeKey) {
	if from == to {
		return
	}

	fromID := lg.ensure(from)
	toID := lg.ensure(to)

	if lg.graph.HasEdgeFromTo(fromID, toID) {
		return
	}
	lg.graph.SetEdge(lg.graph.NewEdge(lg.graph.Node(fromID), lg.graph.Node(toID)))
	lg.dependsOn[from] = append(lg.dependsOn[from], to)
	lg.dependedOnBy[to] = append(lg.dependedOnBy[to], from)
}

// GetNode returns a table by key
func (lg *LineageGraph) GetNode(key model.NodeKey) (*TableNode, bool) {
	node, exists := lg.nodes[key]
	return node, exists
}

// GetNodeByID returns a table by its graph ID
func (lg *LineageGraph) GetNodeByID(id int64) *TableNode {
	key, ok := lg.keys[id]
	if !ok {
		return nil
	}
	return lg.nodes[key]
}

// Graph returns the underlying directed graph
func (lg *LineageGraph) Graph() *simple.DirectedGraph {
	return lg.graph
}

// Len returns the number of tables
func (lg *LineageGraph) Len() int {
	return len(lg.nodes)
}

// GetDependencies returns the tables that key depends on, in insertion order
func (lg *LineageGraph) GetDependencies(key model.NodeKey) []model.NodeKey {
	return append([]model.NodeKey(nil), lg.dependsOn[key]...)
}

// GetDependents returns the tables that depend on key, in insertion order
func (lg *LineageGraph) GetDependents(key model.NodeKey) []model.NodeKey {
	return append([]model.NodeKey(nil), lg.dependedOnBy[key]...)
}

// Snapshot builds the immutable two-view snapshot.
// Every table gets an entry in both views, empty when it has no edges.
func (lg *LineageGraph) Snapshot() *model.Snapshot {
	dependsOn := make(map[model.NodeKey][]model.NeighborRef, len(lg.nodes))
	dependedOnBy := make(map[model.NodeKey][]model.NeighborRef, len(lg.nodes))

	for key := range lg.nodes {
		dependsOn[key] = lg.refs(lg.dependsOn[key])
		dependedOnBy[key] = lg.refs(lg.dependedOnBy[key])
	}

	return model.NewSnapshot(dependsOn, dependedOnBy)
}

func (lg *LineageGraph) refs(keys []model.NodeKey) []model.NeighborRef {
	refs := make([]model.NeighborRef, 0, len(keys))
	for _, key := range keys {
		node := lg.nodes[key]
		refs = append(refs, model.NeighborRef{
			Key:   node.Key,
			URL:   node.URL,
			Label: node.Label,
		})
	}
	return refs
}
