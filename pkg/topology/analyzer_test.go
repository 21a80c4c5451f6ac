package topology_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/illmade-knight/go-robobridge/pkg/cache"
	"github.com/illmade-knight/go-robobridge/pkg/middleware"
	"github.com/illmade-knight/go-robobridge/pkg/topology"
	"github.com/illmade-knight/go-robobridge/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var reliable = middleware.QoSProfile{
	Reliability: middleware.ReliabilityReliable,
	Durability:  middleware.DurabilityVolatile,
	History:     middleware.HistoryKeepLast,
	Depth:       10,
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func threeNodeBus(t *testing.T) *middleware.MemoryBus {
	t.Helper()
	bus := middleware.NewMemoryBus("/bridge")
	require.NoError(t, bus.AddPublisher("/a", "/x", "std_msgs/msg/String", reliable))
	require.NoError(t, bus.AddSubscriber("/b", "/x", "std_msgs/msg/String", reliable))
	bus.AddNode("/c")
	return bus
}

func TestAnalyzer_ThreeNodeGraph(t *testing.T) {
	// Arrange
	analyzer := topology.NewAnalyzer(threeNodeBus(t), zerolog.Nop())

	// Act
	snap, err := analyzer.Snapshot(context.Background(), false)

	// Assert
	require.NoError(t, err)
	require.Len(t, snap.TopicConnections, 1)
	conn := snap.TopicConnections[0]
	assert.Equal(t, "/x", conn.TopicName)
	assert.Equal(t, "std_msgs/msg/String", conn.MessageType)
	assert.Equal(t, []string{"/a"}, conn.Publishers)
	assert.Equal(t, []string{"/b"}, conn.Subscribers)
	assert.Equal(t, 1, conn.ConnectionCount)

	assert.Contains(t, snap.IsolatedNodes, "/c")
	assert.NotContains(t, snap.IsolatedNodes, "/a")
	assert.NotContains(t, snap.IsolatedNodes, "/b")
	assert.Equal(t, 4, snap.NodeCount)
	assert.Equal(t, 1, snap.TopicCount)
	assert.Equal(t, 1, snap.ConnectionCount)

	var a types.NodeTopology
	for _, n := range snap.Nodes {
		if n.NodeName == "/a" {
			a = n
		}
	}
	assert.Equal(t, []string{"/x"}, a.PublishedTopics)
	assert.Empty(t, a.SubscribedTopics)
	assert.Equal(t, "node", a.NodeType)
	assert.True(t, a.IsActive)
}

func TestAnalyzer_CacheTTL(t *testing.T) {
	// Arrange
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	bus := threeNodeBus(t)
	analyzer := topology.NewAnalyzer(bus, zerolog.Nop(), topology.WithClock(clock.Now))
	ctx := context.Background()

	// Act
	first, err := analyzer.Snapshot(ctx, true)
	require.NoError(t, err)
	clock.Advance(2 * time.Second)
	bus.AddNode("/late")
	second, err := analyzer.Snapshot(ctx, true)
	require.NoError(t, err)

	// Assert
	assert.Equal(t, first, second)
	assert.True(t, first.LastUpdated.Equal(second.LastUpdated))

	clock.Advance(topology.DefaultTTL)
	third, err := analyzer.Snapshot(ctx, true)
	require.NoError(t, err)
	assert.True(t, third.LastUpdated.After(first.LastUpdated))
	assert.Equal(t, first.NodeCount+1, third.NodeCount)
}

func TestAnalyzer_BypassCacheReplacesSnapshot(t *testing.T) {
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	bus := threeNodeBus(t)
	analyzer := topology.NewAnalyzer(bus, zerolog.Nop(), topology.WithClock(clock.Now))
	ctx := context.Background()

	_, err := analyzer.Snapshot(ctx, true)
	require.NoError(t, err)
	clock.Advance(time.Second)
	fresh, err := analyzer.Snapshot(ctx, false)
	require.NoError(t, err)
	cached, err := analyzer.Snapshot(ctx, true)
	require.NoError(t, err)

	assert.True(t, fresh.LastUpdated.Equal(cached.LastUpdated))
}

func TestAnalyzer_SnapshotsAreCopies(t *testing.T) {
	analyzer := topology.NewAnalyzer(threeNodeBus(t), zerolog.Nop())
	ctx := context.Background()

	first, err := analyzer.Snapshot(ctx, true)
	require.NoError(t, err)
	first.TopicConnections[0].Publishers[0] = "/mutated"
	first.IsolatedNodes = nil

	second, err := analyzer.Snapshot(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, "/a", second.TopicConnections[0].Publishers[0])
	assert.Contains(t, second.IsolatedNodes, "/c")
}

func TestAnalyzer_PerTopicFailureOmitsTopic(t *testing.T) {
	// Arrange
	bus := threeNodeBus(t)
	require.NoError(t, bus.AddPublisher("/a", "/broken", "std_msgs/msg/Int32", reliable))
	bus.FailDiscovery("/broken", errors.New("endpoint query failed"))
	analyzer := topology.NewAnalyzer(bus, zerolog.Nop())

	// Act
	snap, err := analyzer.Snapshot(context.Background(), false)

	// Assert
	require.NoError(t, err)
	require.Len(t, snap.TopicConnections, 1)
	assert.Equal(t, "/x", snap.TopicConnections[0].TopicName)
}

func TestAnalyzer_ServiceHeuristic(t *testing.T) {
	bus := middleware.NewMemoryBus("/bridge")
	bus.AddService("/camera", "/camera/set_exposure", "std_srvs/srv/Trigger")
	bus.AddNode("/lonely")
	analyzer := topology.NewAnalyzer(bus, zerolog.Nop())

	node, err := analyzer.NodeTopology(context.Background(), "/camera")
	require.NoError(t, err)
	assert.Equal(t, []string{"/camera/set_exposure"}, node.Services)

	snap, err := analyzer.Snapshot(context.Background(), true)
	require.NoError(t, err)
	assert.NotContains(t, snap.IsolatedNodes, "/camera")
	assert.Contains(t, snap.IsolatedNodes, "/lonely")

	_, err = analyzer.NodeTopology(context.Background(), "/missing")
	require.ErrorIs(t, err, topology.ErrNodeNotFound)
}

func TestAnalyzer_TopicConnectionsFilter(t *testing.T) {
	bus := threeNodeBus(t)
	require.NoError(t, bus.AddPublisher("/a", "/y", "std_msgs/msg/Int32", reliable))
	analyzer := topology.NewAnalyzer(bus, zerolog.Nop())
	ctx := context.Background()

	all, err := analyzer.TopicConnections(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	only, err := analyzer.TopicConnections(ctx, "/y")
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, 0, only[0].ConnectionCount)

	none, err := analyzer.TopicConnections(ctx, "/nope")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestAnalyzer_CustomCache(t *testing.T) {
	c := cache.NewInMemoryCache[string, *types.TopologySnapshot](time.Hour)
	analyzer := topology.NewAnalyzer(threeNodeBus(t), zerolog.Nop(), topology.WithCache(c))

	_, err := analyzer.Snapshot(context.Background(), true)
	require.NoError(t, err)

	stored, err := c.Fetch(context.Background(), "system")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.TopicCount)
}

func TestNamespace(t *testing.T) {
	assert.Equal(t, "/", topology.Namespace("talker"))
	assert.Equal(t, "/", topology.Namespace("/talker"))
	assert.Equal(t, "/robot1", topology.Namespace("/robot1/talker"))
	assert.Equal(t, "/ns/sub", topology.Namespace("/ns/sub/a"))
}

// gatedDiscovery holds NodeNames until the gate opens or its context ends.
type gatedDiscovery struct {
	*middleware.MemoryBus
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func (g *gatedDiscovery) NodeNames(ctx context.Context) ([]string, error) {
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.gate:
		return g.MemoryBus.NodeNames(ctx)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestAnalyzer_CancelledCallerDoesNotFailSharedRebuild(t *testing.T) {
	// Arrange
	discovery := &gatedDiscovery{
		MemoryBus: threeNodeBus(t),
		entered:   make(chan struct{}),
		gate:      make(chan struct{}),
	}
	analyzer := topology.NewAnalyzer(discovery, zerolog.Nop())

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := analyzer.Snapshot(firstCtx, false)
		firstErr <- err
	}()
	<-discovery.entered

	type result struct {
		snap *types.TopologySnapshot
		err  error
	}
	second := make(chan result, 1)
	go func() {
		snap, err := analyzer.Snapshot(context.Background(), false)
		second <- result{snap, err}
	}()

	// Act
	cancelFirst()
	require.ErrorIs(t, <-firstErr, context.Canceled)
	close(discovery.gate)

	// Assert
	select {
	case res := <-second:
		require.NoError(t, res.err)
		assert.Contains(t, res.snap.IsolatedNodes, "/c")
	case <-time.After(2 * time.Second):
		t.Fatal("second caller did not receive a snapshot")
	}
}
