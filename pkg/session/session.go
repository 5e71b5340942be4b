package session

import (
	"path/filepath"
	"sync"

	"github.com/ritzau/lineage-index/pkg/logging"
	"github.com/ritzau/lineage-index/pkg/model"
	"github.com/ritzau/lineage-index/pkg/protocol"
	"github.com/ritzau/lineage-index/pkg/pubsub"
	"github.com/ritzau/lineage-index/pkg/query"
	"github.com/ritzau/lineage-index/pkg/resolver"
	"github.com/ritzau/lineage-index/pkg/store"
)

// Session tracks the focused file and keeps the current node in sync with
// the store. Every store event and every focus change re-derives the current
// node and publishes a render event.
type Session struct {
	store     *store.Store
	resolver  *resolver.Resolver
	engine    *query.Engine
	publisher pubsub.Publisher

	mu      sync.Mutex
	path    string          // Focused file, empty when nothing is focused
	project model.ProjectID // Explicit project for path, empty to derive from the store
	current protocol.RenderArgs

	unsubscribe func()
}

// Option configures a Session
type Option func(*Session)

// WithResolver replaces the default resolver
func WithResolver(r *resolver.Resolver) Option {
	return func(s *Session) { s.resolver = r }
}

// WithEngine replaces the default query engine
func WithEngine(e *query.Engine) Option {
	return func(s *Session) { s.engine = e }
}

// WithPublisher publishes render and project events to p
func WithPublisher(p pubsub.Publisher) Option {
	return func(s *Session) { s.publisher = p }
}

// New creates a session bound to st
func New(st *store.Store, opts ...Option) *Session {
	s := &Session{
		store:    st,
		resolver: resolver.New(),
		engine:   query.DefaultEngine(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.unsubscribe = st.Subscribe(s.onStoreEvent)
	return s
}

// Close detaches the session from the store
func (s *Session) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

// Store returns the store the session reads from
func (s *Session) Store() *store.Store {
	return s.store
}

// Projects returns the roots of all loaded projects
func (s *Session) Projects() []model.ProjectID {
	return s.store.Projects()
}

// Engine returns the query engine
func (s *Session) Engine() *query.Engine {
	return s.engine
}

// Focus makes path the active file. The owning project is the loaded
// project with the longest root containing path, re-derived on every update.
func (s *Session) Focus(path string) protocol.RenderArgs {
	return s.focus(path, "")
}

// FocusInProject makes path the active file of an explicitly known project
func (s *Session) FocusInProject(project model.ProjectID, path string) protocol.RenderArgs {
	return s.focus(path, project)
}

func (s *Session) focus(path string, project model.ProjectID) protocol.RenderArgs {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.path = path
	s.project = project
	logging.Debug("focus changed", "path", path)
	return s.refreshLocked()
}

// Blur clears the active file
func (s *Session) Blur() protocol.RenderArgs {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.path = ""
	s.project = ""
	logging.Debug("focus cleared")
	return s.refreshLocked()
}

// Current returns the last derived render state
func (s *Session) Current() protocol.RenderArgs {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// ActiveProject returns the project that owns the focused file
func (s *Session) ActiveProject() (model.ProjectID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeProjectLocked()
}

// Snapshot returns the active project's snapshot
func (s *Session) Snapshot() (*model.Snapshot, bool) {
	project, ok := s.ActiveProject()
	if !ok {
		return nil, false
	}
	return s.store.Get(project)
}

func (s *Session) activeProjectLocked() (model.ProjectID, bool) {
	if s.path == "" {
		return "", false
	}
	if s.project != "" {
		return s.project, true
	}
	return OwningProject(s.store.Projects(), s.path)
}

// OwningProject returns the project with the longest root containing path
func OwningProject(projects []model.ProjectID, path string) (model.ProjectID, bool) {
	var best model.ProjectID
	for _, p := range projects {
		if p.Contains(path) && len(p) > len(best) {
			best = p
		}
	}
	return best, best != ""
}

func (s *Session) onStoreEvent(ev store.Event) {
	s.publishProjectStatus(ev)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()
}

func (s *Session) refreshLocked() protocol.RenderArgs {
	s.current = s.deriveLocked()
	s.publish(pubsub.TopicRender, protocol.CommandRender, s.current)
	return s.current
}

func (s *Session) deriveLocked() protocol.RenderArgs {
	project, ok := s.activeProjectLocked()
	if !ok {
		return protocol.RenderArgs{}
	}
	snap, ok := s.store.Get(project)
	if !ok {
		return protocol.RenderArgs{}
	}

	node, ok := s.resolver.Resolve(snap, resolver.FileIdentityFromPath(s.path))
	if !ok {
		logging.Debug("no node for focused file", "path", s.path, "project", project)
		return protocol.RenderArgs{}
	}
	return protocol.RenderArgs{Node: &node}
}

func (s *Session) publishProjectStatus(ev store.Event) {
	status := pubsub.ProjectStatus{Project: string(ev.Project())}
	switch e := ev.(type) {
	case store.Added:
		status.State = "added"
		status.Tables = e.Snapshot.NodeCount()
		status.Edges = e.Snapshot.EdgeCount()
	case store.Removed:
		status.State = "removed"
	}
	s.publish(pubsub.TopicProjects, status.State, status)
}

func (s *Session) publish(topic, eventType string, data any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(topic, eventType, data); err != nil {
		logging.Warn("failed to publish event", "topic", topic, "error", err)
	}
}
