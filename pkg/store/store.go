package store

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/ritzau/lineage-index/pkg/logging"
	"github.com/ritzau/lineage-index/pkg/model"
)

// ErrMalformedEvent is returned by Apply for events that do not match the contract.
// A rejected event never changes the store.
var ErrMalformedEvent = errors.New("malformed event")

// Event is an update delivered by the update feed: either Added or Removed
type Event interface {
	Project() model.ProjectID
	isEvent()
}

// Added inserts or replaces the snapshot of a project
type Added struct {
	ProjectID model.ProjectID
	Snapshot  *model.Snapshot
}

func (e Added) Project() model.ProjectID { return e.ProjectID }
func (Added) isEvent()                   {}

// Removed discards the snapshot of a project
type Removed struct {
	ProjectID model.ProjectID
}

func (e Removed) Project() model.ProjectID { return e.ProjectID }
func (Removed) isEvent()                   {}

// Listener is notified after an event has been applied
type Listener func(Event)

// Store holds at most one snapshot per project.
// Snapshots are swapped whole, so readers never observe a partial update.
type Store struct {
	mu        sync.RWMutex
	snapshots map[model.ProjectID]*model.Snapshot

	listenersMu sync.Mutex
	listeners   map[int]Listener
	nextID      int

	// Serializes Apply so listeners see events in apply order
	applyMu sync.Mutex
}

// New creates an empty store
func New() *Store {
	return &Store{
		snapshots: make(map[model.ProjectID]*model.Snapshot),
		listeners: make(map[int]Listener),
	}
}

// Apply applies an update event
func (s *Store) Apply(ev Event) error {
	if err := validate(ev); err != nil {
		logging.Warn("rejected store event", "error", err)
		return err
	}

	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	s.mu.Lock()
	switch e := ev.(type) {
	case Added:
		s.snapshots[e.ProjectID] = e.Snapshot
		logging.Debug("snapshot added", "project", e.ProjectID, "nodes", e.Snapshot.NodeCount())
	case Removed:
		if _, ok := s.snapshots[e.ProjectID]; ok {
			delete(s.snapshots, e.ProjectID)
			logging.Debug("snapshot removed", "project", e.ProjectID)
		}
	}
	s.mu.Unlock()

	s.notify(ev)
	return nil
}

func validate(ev Event) error {
	switch e := ev.(type) {
	case Added:
		if e.ProjectID == "" {
			return fmt.Errorf("%w: added event without project", ErrMalformedEvent)
		}
		if e.Snapshot == nil {
			return fmt.Errorf("%w: added event for %s without snapshot", ErrMalformedEvent, e.ProjectID)
		}
	case Removed:
		if e.ProjectID == "" {
			return fmt.Errorf("%w: removed event without project", ErrMalformedEvent)
		}
	default:
		return fmt.Errorf("%w: unknown event type %T", ErrMalformedEvent, ev)
	}
	return nil
}

// Get returns the snapshot for a project
func (s *Store) Get(id model.ProjectID) (*model.Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[id]
	return snap, ok
}

// Projects returns the ids of all loaded projects in ascending order
func (s *Store) Projects() []model.ProjectID {
	s.mu.RLock()
	ids := make([]model.ProjectID, 0, len(s.snapshots))
	for id := range s.snapshots {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	slices.Sort(ids)
	return ids
}

// Subscribe registers a listener for applied events.
// The returned function removes the listener.
func (s *Store) Subscribe(l Listener) func() {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()

	id := s.nextID
	s.nextID++
	s.listeners[id] = l

	return func() {
		s.listenersMu.Lock()
		defer s.listenersMu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *Store) notify(ev Event) {
	s.listenersMu.Lock()
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	listeners := make([]Listener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, s.listeners[id])
	}
	s.listenersMu.Unlock()

	for _, l := range listeners {
		l(ev)
	}
}
