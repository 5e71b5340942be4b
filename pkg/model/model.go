package model

import (
	"fmt"
	"path/filepath"
	"strings"
)

// NodeKey identifies a node within one project's graph.
// Keys are structured as <kind>.<project>.<name> (e.g., "model.jaffle_shop.orders")
// but everything outside the resolver treats them as opaque.
type NodeKey string

// Kind returns the resource type prefix of the key ("model", "seed", "source", ...)
func (k NodeKey) Kind() string {
	kind, _, _ := strings.Cut(string(k), ".")
	return kind
}

// Name returns the last dot-separated segment of the key
func (k NodeKey) Name() string {
	s := string(k)
	if idx := strings.LastIndex(s, "."); idx >= 0 {
		return s[idx+1:]
	}
	return s
}

// ProjectID is the root directory of a project and the Store's primary key
type ProjectID string

// NewProjectID normalizes a project root path into a ProjectID
func NewProjectID(root string) ProjectID {
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	return ProjectID(filepath.Clean(root))
}

// Contains reports whether path lies inside the project root
func (p ProjectID) Contains(path string) bool {
	rel, err := filepath.Rel(string(p), path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// NeighborRef is one endpoint of a directed edge
type NeighborRef struct {
	Key   NodeKey `json:"key"`   // Neighboring node key
	URL   string  `json:"url"`   // Locator used to open the node (file path)
	Label string  `json:"label"` // Human-readable label
}

// AdjacencyEntry holds the out-edges of one node in one direction
type AdjacencyEntry struct {
	Neighbors []NeighborRef `json:"nodes"`
}

// Direction selects which adjacency view a query reads
type Direction int

const (
	Upstream   Direction = iota // Nodes the queried node depends on
	Downstream                  // Nodes that depend on the queried node
)

func (d Direction) String() string {
	switch d {
	case Upstream:
		return "upstream"
	case Downstream:
		return "downstream"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// ParseDirection parses "upstream" or "downstream" (case-insensitive)
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "upstream", "up":
		return Upstream, nil
	case "downstream", "down":
		return Downstream, nil
	default:
		return 0, fmt.Errorf("unknown direction %q", s)
	}
}
