package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/ritzau/lineage-index/pkg/logging"
	"github.com/ritzau/lineage-index/pkg/model"
	"github.com/ritzau/lineage-index/pkg/protocol"
	"github.com/ritzau/lineage-index/pkg/query"
)

// ErrMalformedRequest is returned by Dispatch for messages that cannot be decoded
var ErrMalformedRequest = errors.New("malformed request")

// ErrOutsideProject is returned by Dispatch for openFile paths that are not
// inside a loaded project
var ErrOutsideProject = errors.New("path outside loaded projects")

// SnapshotSource supplies the snapshot of the active project and the roots
// of all loaded projects
type SnapshotSource interface {
	Snapshot() (*model.Snapshot, bool)
	Projects() []model.ProjectID
}

// OpenFileFunc is called for openFile messages with a cleaned path inside a
// loaded project
type OpenFileFunc func(ctx context.Context, url string)

// Gateway answers connected-table requests against the active project
type Gateway struct {
	source   SnapshotSource
	engine   *query.Engine
	openFile OpenFileFunc
}

// Option configures a Gateway
type Option func(*Gateway)

// WithEngine replaces the default query engine
func WithEngine(e *query.Engine) Option {
	return func(g *Gateway) { g.engine = e }
}

// WithOpenFile sets the handler for openFile messages
func WithOpenFile(fn OpenFileFunc) Option {
	return func(g *Gateway) { g.openFile = fn }
}

// New creates a gateway reading from source
func New(source SnapshotSource, opts ...Option) *Gateway {
	g := &Gateway{
		source: source,
		engine: query.DefaultEngine(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// HandleRequest answers a single request. Unknown URLs succeed without a body.
func (g *Gateway) HandleRequest(ctx context.Context, req protocol.RequestArgs) protocol.ResponseArgs {
	var dir model.Direction
	switch req.URL {
	case protocol.URLUpstreamTables:
		dir = model.Upstream
	case protocol.URLDownstreamTables:
		dir = model.Downstream
	default:
		logging.DebugContext(ctx, "ignoring request for unknown url", "url", req.URL, "id", req.ID)
		return protocol.ResponseArgs{ID: req.ID, Status: true}
	}

	if req.Params.Table == "" {
		logging.WarnContext(ctx, "request without table", "url", req.URL, "id", req.ID)
		return protocol.ResponseArgs{ID: req.ID, Status: false}
	}

	tables := []query.Table{}
	if snap, ok := g.source.Snapshot(); ok {
		tables = g.engine.Connected(snap, dir, model.NodeKey(req.Params.Table))
	}

	logging.DebugContext(ctx, "answered request",
		"url", req.URL,
		"id", req.ID,
		"table", req.Params.Table,
		"count", len(tables))

	return protocol.ResponseArgs{
		ID:     req.ID,
		Status: true,
		Body:   &protocol.TablesBody{Tables: tables},
	}
}

// Dispatch decodes one message envelope and handles it.
// Requests produce a response message; openFile produces none.
func (g *Gateway) Dispatch(ctx context.Context, raw []byte) (*protocol.ResponseMessage, error) {
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}

	switch env.Command {
	case protocol.CommandRequest:
		var args protocol.RequestArgs
		if len(env.Args) == 0 {
			return nil, fmt.Errorf("%w: request without args", ErrMalformedRequest)
		}
		if err := json.Unmarshal(env.Args, &args); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
		}
		resp := protocol.NewResponse(g.HandleRequest(ctx, args))
		return &resp, nil

	case protocol.CommandOpenFile:
		if env.URL == "" {
			return nil, fmt.Errorf("%w: openFile without url", ErrMalformedRequest)
		}
		path, err := g.openablePath(env.URL)
		if err != nil {
			logging.WarnContext(ctx, "refused to open file", "url", env.URL, "error", err)
			return nil, err
		}
		if g.openFile != nil {
			g.openFile(ctx, path)
		} else {
			logging.InfoContext(ctx, "open file requested", "path", path)
		}
		return nil, nil

	default:
		return nil, fmt.Errorf("%w: unknown command %q", ErrMalformedRequest, env.Command)
	}
}

// openablePath accepts only absolute local paths inside a loaded project.
// URLs with a scheme are not absolute paths and are refused.
func (g *Gateway) openablePath(url string) (string, error) {
	if !filepath.IsAbs(url) {
		return "", fmt.Errorf("%w: %q is not an absolute path", ErrOutsideProject, url)
	}
	path := filepath.Clean(url)
	for _, p := range g.source.Projects() {
		if p.Contains(path) {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrOutsideProject, path)
}
