package resolver

import (
	"path/filepath"
	"strings"

	"github.com/ritzau/lineage-index/pkg/model"
)

// DefaultKind is the node kind marker that files are resolved against
const DefaultKind = "model"

// FileIdentity describes the focused file
type FileIdentity struct {
	Path     string // Full locator, reported back as the node URL
	BaseName string // File name without extension
}

// FileIdentityFromPath derives the identity of a file from its path
func FileIdentityFromPath(path string) FileIdentity {
	base := filepath.Base(path)
	return FileIdentity{
		Path:     path,
		BaseName: strings.TrimSuffix(base, filepath.Ext(base)),
	}
}

// CurrentNode is the graph node corresponding to the focused file
type CurrentNode struct {
	Table           model.NodeKey `json:"table"`
	URL             string        `json:"url"`
	UpstreamCount   int           `json:"upstreamCount"`
	DownstreamCount int           `json:"downstreamCount"`
}

// Resolver maps files to node keys
type Resolver struct {
	kind string
}

// Option configures a Resolver
type Option func(*Resolver)

// WithKind sets the node kind marker (default "model")
func WithKind(kind string) Option {
	return func(r *Resolver) {
		if kind != "" {
			r.kind = kind
		}
	}
}

// New creates a resolver
func New(opts ...Option) *Resolver {
	r := &Resolver{kind: DefaultKind}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve finds the node for file in snap.
// Exactly one key starting with "<kind>." and ending with ".<basename>" must exist
// in the downstream view;
// unknown and ambiguous files both resolve to no node.
func (r *Resolver) Resolve(snap *model.Snapshot, file FileIdentity) (CurrentNode, bool) {
	if snap == nil || file.BaseName == "" {
		return CurrentNode{}, false
	}

	prefix := r.kind + "."
	suffix := "." + file.BaseName

	var match model.NodeKey
	matches := 0
	for _, key := range snap.DependedOnBy().Keys() {
		s := string(key)
		// Prefix and suffix may share the dot, so "model.orders" matches "orders"
		if strings.HasPrefix(s, prefix) && strings.HasSuffix(s, suffix) {
			match = key
			matches++
			if matches > 1 {
				return CurrentNode{}, false
			}
		}
	}
	if matches != 1 {
		return CurrentNode{}, false
	}

	return CurrentNode{
		Table:           match,
		URL:             file.Path,
		UpstreamCount:   snap.DependsOn().Degree(match),
		DownstreamCount: snap.DependedOnBy().Degree(match),
	}, true
}
