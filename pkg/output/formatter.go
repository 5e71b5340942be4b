package output

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/ritzau/lineage-index/pkg/model"
	"github.com/ritzau/lineage-index/pkg/query"
	"github.com/ritzau/lineage-index/pkg/resolver"
)

var (
	bold   = color.New(color.Bold)
	red    = color.New(color.FgRed)
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	cyan   = color.New(color.FgCyan)
	faint  = color.New(color.Faint)
)

// ProjectSummary describes one loaded project
type ProjectSummary struct {
	ID     model.ProjectID
	Tables int
	Edges  int
	Loaded bool
}

// PrintHeader prints the report header
func PrintHeader(w io.Writer, workspace string) {
	bold.Fprintln(w, "dbt Lineage Index")
	bold.Fprintln(w, "=================")
	fmt.Fprintf(w, "Workspace: %s\n\n", workspace)
}

// PrintProjects lists the discovered projects and whether a manifest was loaded
func PrintProjects(w io.Writer, projects []ProjectSummary) {
	if len(projects) == 0 {
		yellow.Fprintln(w, "No dbt projects found")
		fmt.Fprintln(w)
		return
	}

	bold.Fprintf(w, "Projects (%d):\n", len(projects))
	for _, p := range projects {
		if !p.Loaded {
			yellow.Fprintf(w, "  %s", p.ID)
			faint.Fprintln(w, "  (no manifest, run dbt compile)")
			continue
		}
		green.Fprintf(w, "  %s", p.ID)
		fmt.Fprintf(w, "  %d tables, %d edges\n", p.Tables, p.Edges)
	}
	fmt.Fprintln(w)
}

// PrintCurrentNode prints the node resolved for file, or a notice when none matched
func PrintCurrentNode(w io.Writer, file string, node *resolver.CurrentNode) {
	if node == nil {
		red.Fprintf(w, "No table for %s\n\n", file)
		return
	}
	bold.Fprint(w, "Current: ")
	cyan.Fprintln(w, node.Table)
	fmt.Fprintf(w, "  File: %s\n", node.URL)
	fmt.Fprintf(w, "  Upstream: %d  Downstream: %d\n\n", node.UpstreamCount, node.DownstreamCount)
}

// PrintTables prints the connected tables of key in direction d
func PrintTables(w io.Writer, d model.Direction, key model.NodeKey, tables []query.Table) {
	bold.Fprintf(w, "%s of %s (%d):\n", directionTitle(d), key, len(tables))
	if len(tables) == 0 {
		faint.Fprintln(w, "  (none)")
		fmt.Fprintln(w)
		return
	}

	for _, t := range tables {
		cyan.Fprintf(w, "  %s", t.Label)
		faint.Fprintf(w, "  %s", t.Table)
		fmt.Fprintf(w, "  [%d]\n", t.Count)
		if t.URL != "" {
			faint.Fprintf(w, "      %s\n", t.URL)
		}
	}
	fmt.Fprintln(w)
}

func directionTitle(d model.Direction) string {
	if d == model.Downstream {
		return "Downstream"
	}
	return "Upstream"
}
