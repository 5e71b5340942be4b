package session

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ritzau/lineage-index/pkg/model"
	"github.com/ritzau/lineage-index/pkg/pubsub"
	"github.com/ritzau/lineage-index/pkg/store"
)

type published struct {
	topic     string
	eventType string
	data      any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) Subscribe(context.Context, string) (pubsub.Subscription, error) {
	return nil, nil
}

func (p *recordingPublisher) Publish(topic, eventType string, data any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{topic, eventType, data})
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) topic(topic string) []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []published
	for _, e := range p.events {
		if e.topic == topic {
			out = append(out, e)
		}
	}
	return out
}

func ordersSnapshot() *model.Snapshot {
	stg := model.NeighborRef{Key: "model.shop.stg_orders", URL: "/p/models/stg_orders.sql", Label: "stg_orders"}
	orders := model.NeighborRef{Key: "model.shop.orders", URL: "/p/models/orders.sql", Label: "orders"}
	return model.NewSnapshot(
		map[model.NodeKey][]model.NeighborRef{
			"model.shop.orders":     {stg},
			"model.shop.stg_orders": {},
		},
		map[model.NodeKey][]model.NeighborRef{
			"model.shop.orders":     {},
			"model.shop.stg_orders": {orders},
		},
	)
}

func TestFocusResolvesCurrentNode(t *testing.T) {
	root := filepath.FromSlash("/work/shop")
	st := store.New()
	require.NoError(t, st.Apply(store.Added{ProjectID: model.ProjectID(root), Snapshot: ordersSnapshot()}))

	pub := &recordingPublisher{}
	s := New(st, WithPublisher(pub))
	defer s.Close()

	path := filepath.Join(root, "models", "orders.sql")
	args := s.Focus(path)
	require.NotNil(t, args.Node)
	assert.Equal(t, model.NodeKey("model.shop.orders"), args.Node.Table)
	assert.Equal(t, path, args.Node.URL)
	assert.Equal(t, 1, args.Node.UpstreamCount)
	assert.Equal(t, 0, args.Node.DownstreamCount)
	assert.Equal(t, args, s.Current())

	renders := pub.topic(pubsub.TopicRender)
	require.Len(t, renders, 1)
	assert.Equal(t, "render", renders[0].eventType)

	project, ok := s.ActiveProject()
	require.True(t, ok)
	assert.Equal(t, model.ProjectID(root), project)
}

func TestFocusOutsideAnyProject(t *testing.T) {
	st := store.New()
	require.NoError(t, st.Apply(store.Added{ProjectID: "/work/shop", Snapshot: ordersSnapshot()}))

	s := New(st)
	defer s.Close()

	args := s.Focus("/elsewhere/models/orders.sql")
	assert.Nil(t, args.Node)
	_, ok := s.ActiveProject()
	assert.False(t, ok)
}

func TestStoreUpdateRefreshesFocusedFile(t *testing.T) {
	root := filepath.FromSlash("/work/shop")
	st := store.New()
	pub := &recordingPublisher{}
	s := New(st, WithPublisher(pub))
	defer s.Close()

	// Focused before any snapshot exists
	args := s.Focus(filepath.Join(root, "models", "orders.sql"))
	assert.Nil(t, args.Node)

	require.NoError(t, st.Apply(store.Added{ProjectID: model.ProjectID(root), Snapshot: ordersSnapshot()}))
	require.NotNil(t, s.Current().Node)
	assert.Equal(t, model.NodeKey("model.shop.orders"), s.Current().Node.Table)

	require.NoError(t, st.Apply(store.Removed{ProjectID: model.ProjectID(root)}))
	assert.Nil(t, s.Current().Node)

	statuses := pub.topic(pubsub.TopicProjects)
	require.Len(t, statuses, 2)
	added := statuses[0].data.(pubsub.ProjectStatus)
	assert.Equal(t, "added", added.State)
	assert.Equal(t, 2, added.Tables)
	assert.Equal(t, 1, added.Edges)
	assert.Equal(t, "removed", statuses[1].eventType)

	assert.Len(t, pub.topic(pubsub.TopicRender), 3)
}

func TestBlurClearsNode(t *testing.T) {
	st := store.New()
	require.NoError(t, st.Apply(store.Added{ProjectID: "/work/shop", Snapshot: ordersSnapshot()}))
	s := New(st)
	defer s.Close()

	require.NotNil(t, s.Focus("/work/shop/models/orders.sql").Node)
	assert.Nil(t, s.Blur().Node)
	assert.Nil(t, s.Current().Node)
}

func TestFocusInProject(t *testing.T) {
	st := store.New()
	require.NoError(t, st.Apply(store.Added{ProjectID: "/work/shop", Snapshot: ordersSnapshot()}))
	s := New(st)
	defer s.Close()

	// The file lives outside the project root, e.g. an editor scratch copy
	args := s.FocusInProject("/work/shop", "/tmp/stg_orders.sql")
	require.NotNil(t, args.Node)
	assert.Equal(t, model.NodeKey("model.shop.stg_orders"), args.Node.Table)
	assert.Equal(t, 1, args.Node.DownstreamCount)
}

func TestOwningProjectPrefersLongestRoot(t *testing.T) {
	projects := []model.ProjectID{"/work", "/work/shop", "/work/shop-legacy"}

	got, ok := OwningProject(projects, "/work/shop/models/orders.sql")
	require.True(t, ok)
	assert.Equal(t, model.ProjectID("/work/shop"), got)

	got, ok = OwningProject(projects, "/work/shop-legacy/models/orders.sql")
	require.True(t, ok)
	assert.Equal(t, model.ProjectID("/work/shop-legacy"), got)

	_, ok = OwningProject(projects, "/other/file.sql")
	assert.False(t, ok)
}

func TestCloseStopsRefreshing(t *testing.T) {
	st := store.New()
	pub := &recordingPublisher{}
	s := New(st, WithPublisher(pub))
	s.Close()

	require.NoError(t, st.Apply(store.Added{ProjectID: "/work/shop", Snapshot: ordersSnapshot()}))
	assert.Empty(t, pub.topic(pubsub.TopicProjects))
}

func TestRenderPayloadShape(t *testing.T) {
	st := store.New()
	s := New(st)
	defer s.Close()

	data, err := json.Marshal(s.Blur())
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(data))
}
