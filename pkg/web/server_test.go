package web

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ritzau/lineage-index/pkg/gateway"
	"github.com/ritzau/lineage-index/pkg/model"
	"github.com/ritzau/lineage-index/pkg/protocol"
	"github.com/ritzau/lineage-index/pkg/pubsub"
	"github.com/ritzau/lineage-index/pkg/session"
	"github.com/ritzau/lineage-index/pkg/store"
)

const projectRoot = "/work/shop"

type fixture struct {
	store     *store.Store
	session   *session.Session
	publisher *pubsub.SSEPublisher
	server    *httptest.Server
	opened    chan string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st := store.New()
	publisher := NewPublisher()
	sess := session.New(st, session.WithPublisher(publisher))
	opened := make(chan string, 1)
	gw := gateway.New(sess, gateway.WithOpenFile(func(_ context.Context, url string) {
		opened <- url
	}))

	srv := httptest.NewServer(NewServer(sess, gw, publisher).Handler())
	t.Cleanup(func() {
		publisher.Close()
		srv.Close()
		sess.Close()
	})

	return &fixture{store: st, session: sess, publisher: publisher, server: srv, opened: opened}
}

func (f *fixture) load(t *testing.T) {
	t.Helper()
	orders := model.NeighborRef{Key: "model.shop.orders", URL: projectRoot + "/models/orders.sql", Label: "orders"}
	stg := model.NeighborRef{Key: "model.shop.stg_orders", URL: projectRoot + "/models/stg_orders.sql", Label: "stg_orders"}
	snap := model.NewSnapshot(
		map[model.NodeKey][]model.NeighborRef{"model.shop.orders": {stg}},
		map[model.NodeKey][]model.NeighborRef{
			"model.shop.orders":     {},
			"model.shop.stg_orders": {orders},
		},
	)
	require.NoError(t, f.store.Apply(store.Added{ProjectID: projectRoot, Snapshot: snap}))
}

func (f *fixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRequestEndpoint(t *testing.T) {
	f := newFixture(t)
	f.load(t)
	f.session.Focus(projectRoot + "/models/orders.sql")

	resp := f.do(t, http.MethodPost, "/api/request",
		`{"command":"request","args":{"url":"upstreamTables","id":3,"params":{"table":"model.shop.orders"}}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var msg protocol.ResponseMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msg))
	assert.Equal(t, protocol.CommandResponse, msg.Command)
	assert.Equal(t, 3, msg.Args.ID)
	require.NotNil(t, msg.Args.Body)
	require.Len(t, msg.Args.Body.Tables, 1)
	assert.Equal(t, "stg_orders", msg.Args.Body.Tables[0].Label)
}

func TestRequestEndpointRejectsMalformed(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/request", `{"command":"bogus"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/request", `{"command":"openFile","url":"/x.sql"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, f.opened)
}

func TestOpenEndpoint(t *testing.T) {
	f := newFixture(t)
	f.load(t)

	resp := f.do(t, http.MethodPost, "/api/open", `{"command":"openFile","url":"/work/shop/models/orders.sql"}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "/work/shop/models/orders.sql", <-f.opened)
}

func TestOpenEndpointRefusesForeignTargets(t *testing.T) {
	f := newFixture(t)
	f.load(t)

	for _, url := range []string{
		"/etc/passwd",
		"/work/shop/../../etc/passwd",
		"https://example.com/payload",
		"calc.exe",
	} {
		body, err := json.Marshal(protocol.Envelope{Command: protocol.CommandOpenFile, URL: url})
		require.NoError(t, err)
		resp := f.do(t, http.MethodPost, "/api/open", string(body))
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, url)
	}
	assert.Empty(t, f.opened)
}

func TestJSONEndpointsRequireContentType(t *testing.T) {
	f := newFixture(t)
	f.load(t)

	for _, tc := range []struct {
		method, path, body string
	}{
		{http.MethodPost, "/api/open", `{"command":"openFile","url":"/work/shop/models/orders.sql"}`},
		{http.MethodPost, "/api/request", `{"command":"request","args":{"url":"upstreamTables","id":1,"params":{"table":"model.shop.orders"}}}`},
		{http.MethodPut, "/api/context", `{"path":"/work/shop/models/orders.sql"}`},
	} {
		for _, contentType := range []string{"", "text/plain", "application/x-www-form-urlencoded"} {
			req, err := http.NewRequest(tc.method, f.server.URL+tc.path, strings.NewReader(tc.body))
			require.NoError(t, err)
			if contentType != "" {
				req.Header.Set("Content-Type", contentType)
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode, tc.path+" "+contentType)
		}
	}
	assert.Empty(t, f.opened)
	assert.Nil(t, f.session.Current().Node)

	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/api/open",
		strings.NewReader(`{"command":"openFile","url":"/work/shop/models/orders.sql"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "/work/shop/models/orders.sql", <-f.opened)
}

func TestContextEndpoints(t *testing.T) {
	f := newFixture(t)
	f.load(t)

	resp := f.do(t, http.MethodPut, "/api/context", `{"path":"/work/shop/models/orders.sql"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var args protocol.RenderArgs
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&args))
	require.NotNil(t, args.Node)
	assert.Equal(t, model.NodeKey("model.shop.orders"), args.Node.Table)
	assert.Equal(t, 1, args.Node.UpstreamCount)

	resp = f.do(t, http.MethodGet, "/api/current", "")
	args = protocol.RenderArgs{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&args))
	require.NotNil(t, args.Node)

	resp = f.do(t, http.MethodDelete, "/api/context", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, f.session.Current().Node)

	resp = f.do(t, http.MethodPut, "/api/context", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProjectsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.load(t)

	resp := f.do(t, http.MethodGet, "/api/projects", "")
	var body map[string][]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, []string{projectRoot}, body["projects"])
}

func TestSubscribeRenderReplaysCurrent(t *testing.T) {
	f := newFixture(t)
	f.load(t)
	f.session.Focus(projectRoot + "/models/stg_orders.sql")

	resp := f.do(t, http.MethodGet, "/api/subscribe/render", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		assert.Contains(t, line, `"topic":"render"`)
		assert.Contains(t, line, `model.shop.stg_orders`)
		return
	}
}

func TestSubscribeUnknownTopic(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/api/subscribe/other", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebSocketRequestAndRender(t *testing.T) {
	f := newFixture(t)
	f.load(t)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	// Malformed messages are skipped without closing the connection
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"command":"nope"}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"command":"request","args":{"url":"downstreamTables","id":5,"params":{"table":"model.shop.stg_orders"}}}`)))

	var msg protocol.ResponseMessage
	require.NoError(t, json.Unmarshal(readCommand(t, conn, protocol.CommandResponse), &msg))
	assert.Equal(t, 5, msg.Args.ID)
	require.NotNil(t, msg.Args.Body)
	require.Len(t, msg.Args.Body.Tables, 1)
	assert.Equal(t, model.NodeKey("model.shop.orders"), msg.Args.Body.Tables[0].Table)

	f.session.Focus(projectRoot + "/models/orders.sql")

	// Skip the replayed render from before the focus change
	for {
		var render protocol.RenderMessage
		require.NoError(t, json.Unmarshal(readCommand(t, conn, protocol.CommandRender), &render))
		if render.Args.Node == nil {
			continue
		}
		assert.Equal(t, model.NodeKey("model.shop.orders"), render.Args.Node.Table)
		return
	}
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/api/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"vscode-webview://abc123"}})
	require.NoError(t, err)
	conn.Close()
}

func TestWebSocketClosesWhenRenderStreamEnds(t *testing.T) {
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	// Ending the render stream must drop the connection instead of
	// leaving the read loop blocked
	require.NoError(t, f.publisher.Close())

	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) {
			assert.False(t, netErr.Timeout(), "connection stayed open")
		}
		return
	}
}

// readCommand reads messages until one carries command
func readCommand(t *testing.T, conn *websocket.Conn, command string) []byte {
	t.Helper()
	for {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		var env protocol.Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		if env.Command == command {
			return raw
		}
	}
}
