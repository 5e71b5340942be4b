package manifest

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"github.com/ritzau/lineage-index/pkg/cycles"
	"github.com/ritzau/lineage-index/pkg/graph"
	"github.com/ritzau/lineage-index/pkg/logging"
	"github.com/ritzau/lineage-index/pkg/model"
)

// tableKinds are the resource types that appear as tables in the lineage graph.
// Tests, macros, exposures and metrics are not tables.
var tableKinds = map[string]bool{
	"model":    true,
	"seed":     true,
	"snapshot": true,
	"source":   true,
	"analysis": true,
}

// manifestNode is the subset of a dbt manifest node that the index needs
type manifestNode struct {
	UniqueID         string `json:"unique_id"`
	ResourceType     string `json:"resource_type"`
	Name             string `json:"name"`
	PackageName      string `json:"package_name"`
	OriginalFilePath string `json:"original_file_path"`
	SourceName       string `json:"source_name"` // sources only
}

type manifestFile struct {
	Nodes     map[string]manifestNode `json:"nodes"`
	Sources   map[string]manifestNode `json:"sources"`
	ParentMap map[string][]string     `json:"parent_map"`
	ChildMap  map[string][]string     `json:"child_map"`
}

// Stats summarizes a loaded manifest
type Stats struct {
	Tables int
	Edges  int
	Cycles []cycles.TableCycle
}

// Load reads the project's manifest.json and builds its snapshot
func Load(project Project) (*model.Snapshot, Stats, error) {
	f, err := os.Open(project.ManifestPath())
	if err != nil {
		return nil, Stats{}, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer f.Close()

	return Parse(f, project)
}

// Parse builds a snapshot from manifest JSON
func Parse(r io.Reader, project Project) (*model.Snapshot, Stats, error) {
	var m manifestFile
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, Stats{}, fmt.Errorf("failed to decode manifest for %s: %w", project.Name, err)
	}

	lg := buildGraph(&m, project)
	snap := lg.Snapshot()

	stats := Stats{
		Tables: lg.Len(),
		Edges:  snap.EdgeCount(),
		Cycles: cycles.FindTableCycles(lg),
	}
	for _, cycle := range stats.Cycles {
		logging.Warn("circular dependency in manifest", "project", project.Name, "tables", cycle.Tables)
	}

	logging.Debug("parsed manifest", "project", project.Name, "tables", stats.Tables, "edges", stats.Edges)
	return snap, stats, nil
}

// buildGraph converts manifest maps into a lineage graph.
// parent_map and child_map describe the same edges; both are merged so a
// partially written map on either side does not lose edges.
func buildGraph(m *manifestFile, project Project) *graph.LineageGraph {
	lg := graph.NewLineageGraph()

	addTables := func(nodes map[string]manifestNode) {
		for id, node := range nodes {
			if !tableKinds[node.ResourceType] {
				continue
			}
			if node.UniqueID == "" {
				node.UniqueID = id
			}
			lg.AddTable(graph.TableNode{
				Key:   model.NodeKey(node.UniqueID),
				URL:   nodeURL(project, node),
				Label: nodeLabel(node),
			})
		}
	}
	addTables(m.Nodes)
	addTables(m.Sources)

	isTable := func(id string) bool {
		_, ok := lg.GetNode(model.NodeKey(id))
		return ok
	}

	for _, child := range sortedKeys(m.ParentMap) {
		if !isTable(child) {
			continue
		}
		for _, parent := range m.ParentMap[child] {
			if isTable(parent) {
				lg.AddDependency(model.NodeKey(child), model.NodeKey(parent))
			}
		}
	}
	for _, parent := range sortedKeys(m.ChildMap) {
		if !isTable(parent) {
			continue
		}
		for _, child := range m.ChildMap[parent] {
			if isTable(child) {
				lg.AddDependency(model.NodeKey(child), model.NodeKey(parent))
			}
		}
	}

	return lg
}

func nodeLabel(node manifestNode) string {
	if node.ResourceType == "source" && node.SourceName != "" {
		return node.SourceName + "." + node.Name
	}
	return node.Name
}

func nodeURL(project Project, node manifestNode) string {
	if node.OriginalFilePath == "" {
		return ""
	}
	root := project.Root()
	if node.PackageName != "" && node.PackageName != project.Name {
		root = filepath.Join(root, project.PackagesInstallPath, node.PackageName)
	}
	return filepath.Join(root, filepath.FromSlash(node.OriginalFilePath))
}

func sortedKeys(m map[string][]string) []string {
	return slices.Sorted(maps.Keys(m))
}
