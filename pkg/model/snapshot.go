package model

import (
	"slices"
)

// AdjacencyView maps a node to its immediate neighbors in one direction.
// Keys absent from the view have no recorded edges in that direction.
type AdjacencyView struct {
	entries map[NodeKey]AdjacencyEntry
}

func newAdjacencyView(in map[NodeKey][]NeighborRef) AdjacencyView {
	entries := make(map[NodeKey]AdjacencyEntry, len(in))
	for key, neighbors := range in {
		entries[key] = AdjacencyEntry{Neighbors: slices.Clone(neighbors)}
	}
	return AdjacencyView{entries: entries}
}

// Neighbors returns a copy of the neighbor sequence for key
func (v AdjacencyView) Neighbors(key NodeKey) ([]NeighborRef, bool) {
	entry, ok := v.entries[key]
	if !ok {
		return nil, false
	}
	return slices.Clone(entry.Neighbors), true
}

// Degree returns the size of key's neighbor sequence (0 if key has no entry)
func (v AdjacencyView) Degree(key NodeKey) int {
	return len(v.entries[key].Neighbors)
}

// Has reports whether key has an entry in the view
func (v AdjacencyView) Has(key NodeKey) bool {
	_, ok := v.entries[key]
	return ok
}

// Keys returns all primary keys of the view in ascending order
func (v AdjacencyView) Keys() []NodeKey {
	keys := make([]NodeKey, 0, len(v.entries))
	for key := range v.entries {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

// Len returns the number of primary keys in the view
func (v AdjacencyView) Len() int {
	return len(v.entries)
}

// Snapshot is one project's complete dependency graph at a point in time.
// It is immutable after construction; updates replace the whole snapshot.
type Snapshot struct {
	dependsOn    AdjacencyView // upstream view: what each node depends on
	dependedOnBy AdjacencyView // downstream view: what depends on each node
}

// NewSnapshot builds a snapshot from the two adjacency maps.
// The input is copied, so the caller may reuse or modify it afterwards.
func NewSnapshot(dependsOn, dependedOnBy map[NodeKey][]NeighborRef) *Snapshot {
	return &Snapshot{
		dependsOn:    newAdjacencyView(dependsOn),
		dependedOnBy: newAdjacencyView(dependedOnBy),
	}
}

// DependsOn returns the upstream view
func (s *Snapshot) DependsOn() AdjacencyView {
	return s.dependsOn
}

// DependedOnBy returns the downstream view
func (s *Snapshot) DependedOnBy() AdjacencyView {
	return s.dependedOnBy
}

// View returns the adjacency view that backs queries in direction d.
// This is the only place where query direction is mapped to a stored view.
func (s *Snapshot) View(d Direction) AdjacencyView {
	if d == Downstream {
		return s.dependedOnBy
	}
	return s.dependsOn
}

// NodeCount returns the number of distinct primary keys across both views
func (s *Snapshot) NodeCount() int {
	seen := make(map[NodeKey]struct{}, s.dependsOn.Len()+s.dependedOnBy.Len())
	for key := range s.dependsOn.entries {
		seen[key] = struct{}{}
	}
	for key := range s.dependedOnBy.entries {
		seen[key] = struct{}{}
	}
	return len(seen)
}

// EdgeCount returns the number of neighbor references in the upstream view
func (s *Snapshot) EdgeCount() int {
	count := 0
	for _, entry := range s.dependsOn.entries {
		count += len(entry.Neighbors)
	}
	return count
}
