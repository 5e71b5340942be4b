package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/ritzau/lineage-index/pkg/logging"
	"github.com/ritzau/lineage-index/pkg/manifest"
	"github.com/ritzau/lineage-index/pkg/model"
	"github.com/ritzau/lineage-index/pkg/store"
)

// Loader turns a project into a snapshot
type Loader func(manifest.Project) (*model.Snapshot, manifest.Stats, error)

// Reloader applies project changes to the store as Added and Removed events
type Reloader struct {
	store *store.Store
	load  Loader

	mu       sync.Mutex
	projects map[model.ProjectID]manifest.Project
}

// NewReloader creates a reloader for the given projects
func NewReloader(st *store.Store, projects []manifest.Project) *Reloader {
	r := &Reloader{
		store:    st,
		load:     manifest.Load,
		projects: make(map[model.ProjectID]manifest.Project, len(projects)),
	}
	for _, p := range projects {
		r.projects[p.ID] = p
	}
	return r
}

// LoadAll loads every project that has a manifest and returns the number loaded
func (r *Reloader) LoadAll() int {
	r.mu.Lock()
	projects := make([]manifest.Project, 0, len(r.projects))
	for _, p := range r.projects {
		projects = append(projects, p)
	}
	r.mu.Unlock()

	loaded := 0
	for _, p := range projects {
		if r.reload(p) {
			loaded++
		}
	}
	return loaded
}

// Handle applies one analysed change. It returns the project as it is known
// after the change, which differs from before when dbt_project.yml moved the
// target directory.
func (r *Reloader) Handle(a ChangeAnalysis) (manifest.Project, bool) {
	r.mu.Lock()
	project, ok := r.projects[a.Project]
	r.mu.Unlock()
	if !ok {
		logging.Warn("change for unknown project", "project", a.Project)
		return manifest.Project{}, false
	}

	if a.RereadProject {
		updated, err := manifest.ReadProject(project.Root())
		if err != nil {
			// Without a project file there is nothing left to index
			logging.Warn("failed to re-read project", "project", a.Project, "error", err)
			r.remove(project.ID)
			return project, true
		}
		project = updated
		r.mu.Lock()
		r.projects[project.ID] = project
		r.mu.Unlock()
	}

	switch {
	case a.Remove:
		r.remove(project.ID)
	case a.Reload:
		r.reload(project)
	}
	return project, true
}

func (r *Reloader) reload(p manifest.Project) bool {
	start := time.Now()
	snap, stats, err := r.load(p)
	if errors.Is(err, fs.ErrNotExist) {
		logging.Info("no manifest for project", "project", p.Name, "path", p.ManifestPath())
		r.remove(p.ID)
		return false
	}
	if err != nil {
		// Keep serving the previous snapshot
		logging.Warn("failed to load manifest, keeping previous snapshot", "project", p.Name, "error", err)
		return false
	}

	if err := r.store.Apply(store.Added{ProjectID: p.ID, Snapshot: snap}); err != nil {
		logging.Error("failed to apply snapshot", "project", p.Name, "error", err)
		return false
	}
	logging.Info("loaded manifest",
		"project", p.Name,
		"tables", stats.Tables,
		"edges", stats.Edges,
		"cycles", len(stats.Cycles),
		"durationMs", time.Since(start).Milliseconds())
	return true
}

func (r *Reloader) remove(id model.ProjectID) {
	if err := r.store.Apply(store.Removed{ProjectID: id}); err != nil {
		logging.Error("failed to remove snapshot", "project", id, "error", err)
	}
}

// ManifestWatcher keeps the store in sync with the manifests on disk
type ManifestWatcher struct {
	files       *FileWatcher
	reloader    *Reloader
	quietPeriod time.Duration
	maxWait     time.Duration
}

// NewManifestWatcher creates a watcher feeding reloader
func NewManifestWatcher(reloader *Reloader, projects []manifest.Project, quietPeriod, maxWait time.Duration) (*ManifestWatcher, error) {
	files, err := NewFileWatcher(projects)
	if err != nil {
		return nil, err
	}
	return &ManifestWatcher{
		files:       files,
		reloader:    reloader,
		quietPeriod: quietPeriod,
		maxWait:     maxWait,
	}, nil
}

// Run processes changes until ctx is cancelled
func (w *ManifestWatcher) Run(ctx context.Context) error {
	if err := w.files.Start(ctx); err != nil {
		return fmt.Errorf("failed to start file watcher: %w", err)
	}

	debouncer := NewDebouncer(w.files.Events(), w.quietPeriod, w.maxWait)
	debouncer.Start(ctx)

	for event := range debouncer.Output() {
		analysis := AnalyzeChanges(event)
		logging.Debug("applying change",
			"project", event.Project,
			"type", event.Type,
			"files", len(event.Paths))

		project, ok := w.reloader.Handle(analysis)
		if ok && analysis.RereadProject {
			w.files.Track(project)
		}
	}
	return ctx.Err()
}
