package query

import (
	"slices"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/ritzau/lineage-index/pkg/model"
)

// Table is one immediate neighbor of the queried node
type Table struct {
	Table model.NodeKey `json:"table"`
	URL   string        `json:"url"`
	Label string        `json:"label"`
	Count int           `json:"count"` // Neighbor's own degree in the same direction
}

// Engine answers connected-table queries
type Engine struct {
	tag language.Tag
}

// NewEngine creates an engine that orders labels using the collation rules of tag
func NewEngine(tag language.Tag) *Engine {
	return &Engine{tag: tag}
}

// DefaultEngine orders labels using English collation rules
func DefaultEngine() *Engine {
	return NewEngine(language.English)
}

// Connected returns the immediate neighbors of key in direction d.
// Results are deduplicated by key (first occurrence wins) and sorted by label.
// The returned slice is freshly allocated on every call.
func (e *Engine) Connected(snap *model.Snapshot, d model.Direction, key model.NodeKey) []Table {
	if snap == nil {
		return []Table{}
	}

	view := snap.View(d)
	neighbors, ok := view.Neighbors(key)
	if !ok {
		return []Table{}
	}

	seen := make(map[model.NodeKey]struct{}, len(neighbors))
	tables := make([]Table, 0, len(neighbors))
	for _, n := range neighbors {
		if _, dup := seen[n.Key]; dup {
			continue
		}
		seen[n.Key] = struct{}{}
		tables = append(tables, Table{
			Table: n.Key,
			URL:   n.URL,
			Label: n.Label,
			Count: view.Degree(n.Key),
		})
	}

	// Collators keep internal buffers, so each call gets its own
	c := collate.New(e.tag)
	slices.SortStableFunc(tables, func(a, b Table) int {
		return c.CompareString(a.Label, b.Label)
	})

	return tables
}
