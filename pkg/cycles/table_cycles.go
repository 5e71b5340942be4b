package cycles

import (
	"slices"

	"github.com/ritzau/lineage-index/pkg/graph"
	"github.com/ritzau/lineage-index/pkg/model"
)

// TableCycle is a set of tables that depend on each other
type TableCycle struct {
	Tables []model.NodeKey
}

// FindTableCycles returns every circular dependency in the lineage graph.
// A well-formed dbt project has none; the manifest loader reports them as warnings.
func FindTableCycles(lg *graph.LineageGraph) []TableCycle {
	sccs := NewTarjanSCC(lg.Graph()).FindSCCs()

	cycles := make([]TableCycle, 0, len(sccs))
	for _, scc := range sccs {
		tables := make([]model.NodeKey, 0, len(scc))
		for _, id := range scc {
			if node := lg.GetNodeByID(id); node != nil {
				tables = append(tables, node.Key)
			}
		}
		slices.Sort(tables)

		if len(tables) > 1 {
			cycles = append(cycles, TableCycle{Tables: tables})
		}
	}

	return cycles
}
