package watcher

import (
	"github.com/ritzau/lineage-index/pkg/model"
)

// ChangeAnalysis describes what a batch of changes requires of the index
type ChangeAnalysis struct {
	Project       model.ProjectID
	RereadProject bool // dbt_project.yml changed, target-path may have moved
	Reload        bool // Parse the manifest and replace the snapshot
	Remove        bool // Drop the project's snapshot
	ChangedFiles  []string
}

// AnalyzeChanges determines how the index must react to a debounced event
func AnalyzeChanges(event ChangeEvent) ChangeAnalysis {
	analysis := ChangeAnalysis{
		Project:      event.Project,
		ChangedFiles: event.Paths,
	}

	switch {
	case event.Type.Has(ChangeManifestRemoved):
		analysis.Remove = true
	case event.Type.Has(ChangeManifestWritten):
		analysis.Reload = true
	}

	if event.Type.Has(ChangeProjectFile) {
		// The manifest location is only known after re-reading the project,
		// so a reload decides between loading and removing
		analysis.RereadProject = true
		analysis.Reload = true
		analysis.Remove = false
	}

	return analysis
}
