package pubsub

import (
	"context"
	"encoding/json"
)

// Event represents a pub/sub event
type Event struct {
	Topic   string          `json:"topic"`   // Subscription topic (e.g., "render", "projects")
	Type    string          `json:"type"`    // Event type (e.g., "render", "added", "removed")
	Data    json.RawMessage `json:"data"`    // Event payload
	Version int             `json:"version"` // Version number for ordering
}

// Subscription represents a client subscription to a topic
type Subscription interface {
	// Topic returns the subscription topic
	Topic() string

	// Events returns a channel for receiving events
	Events() <-chan Event

	// Close closes the subscription
	Close() error
}

// Publisher manages pub/sub subscriptions and event publishing
type Publisher interface {
	// Subscribe creates a new subscription to a topic
	// Context cancellation will close the subscription
	Subscribe(ctx context.Context, topic string) (Subscription, error)

	// Publish sends an event to all subscribers of a topic
	Publish(topic string, eventType string, data interface{}) error

	// Close shuts down the publisher and all subscriptions
	Close() error
}

// Topics published by the index
const (
	TopicRender   = "render"   // Current node changed
	TopicProjects = "projects" // A project snapshot was added or removed
)

// ProjectStatus describes a project snapshot change
type ProjectStatus struct {
	Project string `json:"project"` // Project root
	State   string `json:"state"`   // "added" or "removed"
	Tables  int    `json:"tables"`  // Number of tables in the new snapshot
	Edges   int    `json:"edges"`   // Number of dependency edges in the new snapshot
}
