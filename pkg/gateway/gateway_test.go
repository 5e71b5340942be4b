package gateway

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ritzau/lineage-index/pkg/model"
	"github.com/ritzau/lineage-index/pkg/protocol"
)

type fixedSource struct {
	snap     *model.Snapshot
	projects []model.ProjectID
}

func (f fixedSource) Snapshot() (*model.Snapshot, bool) {
	return f.snap, f.snap != nil
}

func (f fixedSource) Projects() []model.ProjectID {
	return f.projects
}

func lineageSnapshot() *model.Snapshot {
	ref := func(key, label string) model.NeighborRef {
		return model.NeighborRef{Key: model.NodeKey(key), URL: "/p/" + label + ".sql", Label: label}
	}
	return model.NewSnapshot(
		map[model.NodeKey][]model.NeighborRef{
			"model.p.orders":     {ref("model.p.stg_orders", "stg_orders"), ref("seed.p.customers", "customers")},
			"model.p.stg_orders": {ref("seed.p.raw_orders", "raw_orders")},
		},
		map[model.NodeKey][]model.NeighborRef{
			"model.p.stg_orders": {ref("model.p.orders", "orders")},
			"seed.p.customers":   {ref("model.p.orders", "orders")},
			"seed.p.raw_orders":  {ref("model.p.stg_orders", "stg_orders")},
		},
	)
}

func TestHandleUpstreamRequest(t *testing.T) {
	g := New(fixedSource{snap: lineageSnapshot()})

	resp := g.HandleRequest(context.Background(), protocol.RequestArgs{
		URL:    protocol.URLUpstreamTables,
		ID:     7,
		Params: protocol.RequestParams{Table: "model.p.orders"},
	})

	assert.Equal(t, 7, resp.ID)
	assert.True(t, resp.Status)
	require.NotNil(t, resp.Body)
	require.Len(t, resp.Body.Tables, 2)
	assert.Equal(t, "customers", resp.Body.Tables[0].Label)
	assert.Equal(t, 0, resp.Body.Tables[0].Count)
	assert.Equal(t, "stg_orders", resp.Body.Tables[1].Label)
	assert.Equal(t, 1, resp.Body.Tables[1].Count)
}

func TestHandleDownstreamRequest(t *testing.T) {
	g := New(fixedSource{snap: lineageSnapshot()})

	resp := g.HandleRequest(context.Background(), protocol.RequestArgs{
		URL:    protocol.URLDownstreamTables,
		ID:     1,
		Params: protocol.RequestParams{Table: "seed.p.raw_orders"},
	})

	require.NotNil(t, resp.Body)
	require.Len(t, resp.Body.Tables, 1)
	assert.Equal(t, model.NodeKey("model.p.stg_orders"), resp.Body.Tables[0].Table)
	assert.Equal(t, 1, resp.Body.Tables[0].Count)
}

func TestHandleRequestEdgeCases(t *testing.T) {
	tests := []struct {
		name       string
		source     SnapshotSource
		req        protocol.RequestArgs
		wantStatus bool
		wantBody   bool
		wantTables int
	}{
		{
			name:       "unknown url",
			source:     fixedSource{snap: lineageSnapshot()},
			req:        protocol.RequestArgs{URL: "columns", ID: 2, Params: protocol.RequestParams{Table: "model.p.orders"}},
			wantStatus: true,
		},
		{
			name:   "missing table",
			source: fixedSource{snap: lineageSnapshot()},
			req:    protocol.RequestArgs{URL: protocol.URLUpstreamTables, ID: 3},
		},
		{
			name:       "no active project",
			source:     fixedSource{},
			req:        protocol.RequestArgs{URL: protocol.URLUpstreamTables, ID: 4, Params: protocol.RequestParams{Table: "model.p.orders"}},
			wantStatus: true,
			wantBody:   true,
		},
		{
			name:       "unknown table",
			source:     fixedSource{snap: lineageSnapshot()},
			req:        protocol.RequestArgs{URL: protocol.URLDownstreamTables, ID: 5, Params: protocol.RequestParams{Table: "model.p.nope"}},
			wantStatus: true,
			wantBody:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := New(tt.source).HandleRequest(context.Background(), tt.req)
			assert.Equal(t, tt.req.ID, resp.ID)
			assert.Equal(t, tt.wantStatus, resp.Status)
			if !tt.wantBody {
				assert.Nil(t, resp.Body)
				return
			}
			require.NotNil(t, resp.Body)
			assert.NotNil(t, resp.Body.Tables)
			assert.Len(t, resp.Body.Tables, tt.wantTables)
		})
	}
}

func TestDispatchRequest(t *testing.T) {
	g := New(fixedSource{snap: lineageSnapshot()})

	msg, err := g.Dispatch(context.Background(),
		[]byte(`{"command":"request","args":{"url":"upstreamTables","id":9,"params":{"table":"model.p.stg_orders"}}}`))
	require.NoError(t, err)
	require.NotNil(t, msg)

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"command": "response",
		"args": {
			"id": 9,
			"status": true,
			"body": {"tables": [{"table": "seed.p.raw_orders", "url": "/p/raw_orders.sql", "label": "raw_orders", "count": 0}]}
		}
	}`, string(data))
}

func TestDispatchUnknownURLOmitsBody(t *testing.T) {
	g := New(fixedSource{snap: lineageSnapshot()})

	msg, err := g.Dispatch(context.Background(),
		[]byte(`{"command":"request","args":{"url":"other","id":1,"params":{"table":"model.p.orders"}}}`))
	require.NoError(t, err)

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"command":"response","args":{"id":1,"status":true}}`, string(data))
}

func TestDispatchOpenFile(t *testing.T) {
	var opened string
	source := fixedSource{projects: []model.ProjectID{"/p"}}
	g := New(source, WithOpenFile(func(_ context.Context, url string) {
		opened = url
	}))

	msg, err := g.Dispatch(context.Background(), []byte(`{"command":"openFile","url":"/p/models/../models/orders.sql"}`))
	require.NoError(t, err)
	assert.Nil(t, msg)
	assert.Equal(t, "/p/models/orders.sql", opened)
}

func TestDispatchOpenFileOutsideProjects(t *testing.T) {
	source := fixedSource{projects: []model.ProjectID{"/p"}}
	for _, url := range []string{
		"/etc/passwd",
		"/p/../etc/passwd",
		"/pp/models/orders.sql",
		"https://example.com/payload",
		"file:///p/models/orders.sql",
		"p/models/orders.sql",
	} {
		t.Run(url, func(t *testing.T) {
			called := false
			g := New(source, WithOpenFile(func(context.Context, string) {
				called = true
			}))

			raw, err := json.Marshal(protocol.Envelope{Command: protocol.CommandOpenFile, URL: url})
			require.NoError(t, err)
			msg, err := g.Dispatch(context.Background(), raw)
			assert.ErrorIs(t, err, ErrOutsideProject)
			assert.Nil(t, msg)
			assert.False(t, called)
		})
	}
}

func TestDispatchOpenFileWithoutProjects(t *testing.T) {
	called := false
	g := New(fixedSource{}, WithOpenFile(func(context.Context, string) {
		called = true
	}))

	_, err := g.Dispatch(context.Background(), []byte(`{"command":"openFile","url":"/p/models/orders.sql"}`))
	assert.ErrorIs(t, err, ErrOutsideProject)
	assert.False(t, called)
}

func TestDispatchRejectsMalformed(t *testing.T) {
	g := New(fixedSource{snap: lineageSnapshot()})

	for _, raw := range []string{
		`not json`,
		`{"command":"render","args":{}}`,
		`{"command":"request"}`,
		`{"command":"request","args":"oops"}`,
		`{"command":"openFile"}`,
		`{}`,
	} {
		msg, err := g.Dispatch(context.Background(), []byte(raw))
		assert.ErrorIs(t, err, ErrMalformedRequest, raw)
		assert.Nil(t, msg, raw)
	}
}
