package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ritzau/lineage-index/pkg/logging"
	"github.com/ritzau/lineage-index/pkg/manifest"
	"github.com/ritzau/lineage-index/pkg/model"
)

// ChangeType is a set of change kinds seen for a project
type ChangeType int

const (
	ChangeManifestWritten ChangeType = 1 << iota // manifest.json created or rewritten
	ChangeManifestRemoved                        // manifest.json or its target dir went away
	ChangeProjectFile                            // dbt_project.yml changed
)

// Has reports whether all kinds in other are set
func (t ChangeType) Has(other ChangeType) bool {
	return t&other == other
}

// Merge combines two change sets where next happened after t.
// A later manifest write cancels an earlier removal and vice versa.
func (t ChangeType) Merge(next ChangeType) ChangeType {
	manifestBits := ChangeManifestWritten | ChangeManifestRemoved
	if next&manifestBits != 0 {
		t &^= manifestBits
	}
	return t | next
}

func (t ChangeType) String() string {
	var s string
	add := func(name string) {
		if s != "" {
			s += "|"
		}
		s += name
	}
	if t.Has(ChangeManifestWritten) {
		add("written")
	}
	if t.Has(ChangeManifestRemoved) {
		add("removed")
	}
	if t.Has(ChangeProjectFile) {
		add("project")
	}
	if s == "" {
		return "none"
	}
	return s
}

// ChangeEvent describes changes to one project
type ChangeEvent struct {
	Type      ChangeType
	Project   model.ProjectID
	Paths     []string
	Timestamp time.Time
}

// FileWatcher watches dbt projects for manifest and project file changes
type FileWatcher struct {
	watcher *fsnotify.Watcher
	events  chan ChangeEvent

	mu       sync.Mutex
	projects map[model.ProjectID]manifest.Project
}

// NewFileWatcher creates a watcher for the given projects
func NewFileWatcher(projects []manifest.Project) (*FileWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	fw := &FileWatcher{
		watcher:  w,
		events:   make(chan ChangeEvent, 100),
		projects: make(map[model.ProjectID]manifest.Project, len(projects)),
	}
	for _, p := range projects {
		fw.projects[p.ID] = p
	}
	return fw, nil
}

// Start adds the watches and processes events until ctx is cancelled
func (fw *FileWatcher) Start(ctx context.Context) error {
	fw.mu.Lock()
	for _, p := range fw.projects {
		fw.watchProjectLocked(p)
	}
	count := len(fw.projects)
	fw.mu.Unlock()

	logging.Info("started watching projects", "count", count)

	go fw.processEvents(ctx)
	return nil
}

// Track registers or updates a project, e.g. after its target-path changed
func (fw *FileWatcher) Track(p manifest.Project) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if old, ok := fw.projects[p.ID]; ok && old.TargetDir() != p.TargetDir() {
		// Missing watches are not an error
		_ = fw.watcher.Remove(old.TargetDir())
	}
	fw.projects[p.ID] = p
	fw.watchProjectLocked(p)
}

// watchProjectLocked watches the project root for dbt_project.yml and the
// target directory for manifest.json. A missing target dir is picked up
// when it is created under the root.
func (fw *FileWatcher) watchProjectLocked(p manifest.Project) {
	if err := fw.watcher.Add(p.Root()); err != nil {
		logging.Warn("failed to watch project root", "path", p.Root(), "error", err)
	}

	if _, err := os.Stat(p.TargetDir()); os.IsNotExist(err) {
		logging.Debug("target directory does not exist yet", "path", p.TargetDir())
		return
	}
	if err := fw.watcher.Add(p.TargetDir()); err != nil {
		logging.Warn("failed to watch target directory", "path", p.TargetDir(), "error", err)
	}
}

func (fw *FileWatcher) processEvents(ctx context.Context) {
	defer close(fw.events)
	defer fw.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			change, ok := fw.classify(event)
			if !ok {
				continue
			}
			logging.Trace("project change", "project", change.Project, "type", change.Type, "path", event.Name)

			select {
			case fw.events <- change:
			case <-ctx.Done():
				return
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("watcher error", "error", err)
		}
	}
}

// classify maps a raw file system event to a project change
func (fw *FileWatcher) classify(event fsnotify.Event) (ChangeEvent, bool) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	path := filepath.Clean(event.Name)
	gone := event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)
	written := event.Has(fsnotify.Write) || event.Has(fsnotify.Create)

	for _, p := range fw.projects {
		var t ChangeType
		switch path {
		case p.ManifestPath():
			if gone {
				t = ChangeManifestRemoved
			} else if written {
				t = ChangeManifestWritten
			}

		case p.TargetDir():
			if gone {
				t = ChangeManifestRemoved
			} else if event.Has(fsnotify.Create) {
				if err := fw.watcher.Add(path); err != nil {
					logging.Warn("failed to watch target directory", "path", path, "error", err)
				}
				// The manifest may have landed before the watch was added
				if _, err := os.Stat(p.ManifestPath()); err == nil {
					t = ChangeManifestWritten
				}
			}

		case filepath.Join(p.Root(), manifest.ProjectFileName):
			if written || gone {
				t = ChangeProjectFile
			}
		}

		if t != 0 {
			return ChangeEvent{
				Type:      t,
				Project:   p.ID,
				Paths:     []string{path},
				Timestamp: time.Now(),
			}, true
		}
	}
	return ChangeEvent{}, false
}

// Events returns the channel of change events. It is closed when the watcher stops.
func (fw *FileWatcher) Events() <-chan ChangeEvent {
	return fw.events
}
