package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/illmade-knight/go-robobridge/pkg/codec"
	"github.com/illmade-knight/go-robobridge/pkg/gateway"
	"github.com/illmade-knight/go-robobridge/pkg/middleware"
	"github.com/illmade-knight/go-robobridge/pkg/msgs"
	"github.com/illmade-knight/go-robobridge/pkg/qos"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bridgeNode = "/robobridge"

var reliable = middleware.QoSProfile{
	Reliability: middleware.ReliabilityReliable,
	Durability:  middleware.DurabilityVolatile,
	History:     middleware.HistoryKeepLast,
	Depth:       10,
}

type harness struct {
	gw      *gateway.Gateway
	bus     *middleware.MemoryBus
	srv     *httptest.Server
	metrics *gateway.Metrics
	reg     *prometheus.Registry
}

func newHarness(t *testing.T, mutate func(*gateway.Config)) *harness {
	t.Helper()
	bus := middleware.NewMemoryBus(bridgeNode)
	c := codec.New(msgs.NewRegistry(), codec.DefaultOptions())
	negotiator := qos.NewNegotiator(bus, qos.Config{RetryDelay: 10 * time.Millisecond}, zerolog.Nop())

	cfg := gateway.DefaultConfig()
	cfg.DataCheckDelay = 0
	if mutate != nil {
		mutate(&cfg)
	}
	reg := prometheus.NewRegistry()
	metrics := gateway.NewMetrics(reg)
	gw, err := gateway.New(cfg, bus, c, negotiator, zerolog.Nop(), gateway.WithMetrics(metrics))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, gw.Start(ctx))
	srv := httptest.NewServer(gw)

	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = gw.Stop(stopCtx)
		srv.Close()
		cancel()
	})
	return &harness{gw: gw, bus: bus, srv: srv, metrics: metrics, reg: reg}
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (h *harness) waitForBridgeSubscription(t *testing.T, topic string) {
	t.Helper()
	require.Eventually(t, func() bool {
		infos, err := h.bus.SubscriptionsInfoByTopic(context.Background(), topic)
		if err != nil {
			return false
		}
		for _, info := range infos {
			if info.NodeName == bridgeNode {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func send(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(frame))
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func expectSilence(t *testing.T, conn *websocket.Conn, d time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(d)))
	_, _, err := conn.ReadMessage()
	var netErr net.Error
	require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "expected no frame, got err=%v", err)
}

func TestGateway_SubscribeAndReceive(t *testing.T) {
	// Arrange
	h := newHarness(t, nil)
	require.NoError(t, h.bus.AddPublisher("/talker", "/chatter", "std_msgs/msg/String", reliable))
	conn := h.dial(t)

	// Act
	send(t, conn, map[string]any{"op": "subscribe", "topic": "/chatter", "type": "std_msgs/msg/String"})
	h.waitForBridgeSubscription(t, "/chatter")
	require.NoError(t, h.bus.Inject("/chatter", &msgs.String{Data: "hello"}))

	// Assert
	frame := readFrame(t, conn)
	assert.Equal(t, "publish", frame["op"])
	assert.Equal(t, "/chatter", frame["topic"])
	assert.Equal(t, map[string]any{"data": "hello"}, frame["msg"])

	require.Eventually(t, func() bool {
		return counterValue(t, h.reg, "robobridge_broadcast_recipients_total") == 1
	}, time.Second, 5*time.Millisecond)
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	total := 0.0
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestGateway_PreservesPerTopicOrder(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.bus.AddPublisher("/counter", "/count", "std_msgs/msg/Int32", reliable))
	conn := h.dial(t)
	send(t, conn, map[string]any{"op": "subscribe", "topic": "/count", "type": "std_msgs/Int32"})
	h.waitForBridgeSubscription(t, "/count")

	for i := 0; i < 50; i++ {
		require.NoError(t, h.bus.Inject("/count", &msgs.Int32{Data: int32(i)}))
	}

	for i := 0; i < 50; i++ {
		frame := readFrame(t, conn)
		msg := frame["msg"].(map[string]any)
		require.Equal(t, float64(i), msg["data"])
	}
}

func TestGateway_SubscribeResolvesTypeFromDiscovery(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.bus.AddPublisher("/talker", "/chatter", "std_msgs/msg/String", reliable))
	conn := h.dial(t)

	send(t, conn, map[string]any{"op": "subscribe", "topic": "/chatter"})
	h.waitForBridgeSubscription(t, "/chatter")
	require.NoError(t, h.bus.Inject("/chatter", &msgs.String{Data: "typed"}))

	frame := readFrame(t, conn)
	assert.Equal(t, map[string]any{"data": "typed"}, frame["msg"])
}

func TestGateway_UnsubscribeRoutesToRecentCache(t *testing.T) {
	// Arrange
	h := newHarness(t, nil)
	require.NoError(t, h.bus.AddPublisher("/talker", "/chatter", "std_msgs/msg/String", reliable))
	conn := h.dial(t)
	send(t, conn, map[string]any{"op": "subscribe", "topic": "/chatter", "type": "std_msgs/msg/String"})
	h.waitForBridgeSubscription(t, "/chatter")

	// Act
	send(t, conn, map[string]any{"op": "unsubscribe", "topic": "/chatter"})
	send(t, conn, map[string]any{"op": "get_topic_types", "id": "sync"})
	ack := readFrame(t, conn)
	require.Equal(t, "get_topic_types_result", ack["op"])
	require.NoError(t, h.bus.Inject("/chatter", &msgs.String{Data: "nobody listens"}))

	// Assert
	require.Eventually(t, func() bool {
		recent, err := h.gw.RecentMessages(context.Background(), "/chatter", 10)
		return err == nil && len(recent) == 1
	}, 2*time.Second, 5*time.Millisecond)
	expectSilence(t, conn, 100*time.Millisecond)

	// The bridge keeps its bus subscription after the last client leaves.
	infos, err := h.bus.SubscriptionsInfoByTopic(context.Background(), "/chatter")
	require.NoError(t, err)
	assert.NotEmpty(t, infos)
}

func TestGateway_SharedSubscription(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.bus.AddPublisher("/talker", "/chatter", "std_msgs/msg/String", reliable))
	a := h.dial(t)
	b := h.dial(t)

	send(t, a, map[string]any{"op": "subscribe", "topic": "/chatter", "type": "std_msgs/msg/String"})
	send(t, b, map[string]any{"op": "subscribe", "topic": "/chatter", "type": "std_msgs/msg/String"})
	h.waitForBridgeSubscription(t, "/chatter")
	require.Eventually(t, func() bool {
		conns, err := h.gw.Connections(context.Background())
		if err != nil || len(conns) != 2 {
			return false
		}
		return len(conns[0].SubscribedTopics) == 1 && len(conns[1].SubscribedTopics) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.bus.Inject("/chatter", &msgs.String{Data: "both"}))

	assert.Equal(t, "both", readFrame(t, a)["msg"].(map[string]any)["data"])
	assert.Equal(t, "both", readFrame(t, b)["msg"].(map[string]any)["data"])

	infos, err := h.bus.SubscriptionsInfoByTopic(context.Background(), "/chatter")
	require.NoError(t, err)
	assert.Len(t, infos, 1)
}

func TestGateway_SubscriptionFailureReportsError(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.bus.AddPublisher("/talker", "/chatter", "std_msgs/msg/String", reliable))
	conn := h.dial(t)

	send(t, conn, map[string]any{"op": "subscribe", "id": "s1", "topic": "/chatter", "type": "std_msgs/msg/Int32"})

	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame["op"])
	assert.Equal(t, "s1", frame["id"])
	assert.Contains(t, frame["error"], "subscribe to /chatter failed")

	conns, err := h.gw.Connections(context.Background())
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.Empty(t, conns[0].SubscribedTopics)
}

func TestGateway_ControlErrors(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.dial(t)

	t.Run("unknown op", func(t *testing.T) {
		send(t, conn, map[string]any{"op": "dance", "id": "x"})
		frame := readFrame(t, conn)
		assert.Equal(t, "error", frame["op"])
		assert.Equal(t, "x", frame["id"])
		assert.Equal(t, "unknown operation: dance", frame["error"])
	})

	t.Run("malformed without id is dropped", func(t *testing.T) {
		send(t, conn, map[string]any{"op": "subscribe"})
		send(t, conn, map[string]any{"op": "subscribe", "id": "m1"})
		frame := readFrame(t, conn)
		assert.Equal(t, "m1", frame["id"])
		assert.Contains(t, frame["error"], "malformed control message")
	})

	t.Run("wrongly typed field with id gets an error frame", func(t *testing.T) {
		send(t, conn, map[string]any{"op": "publish", "id": "bad1", "topic": "/x", "msg": 5})
		frame := readFrame(t, conn)
		assert.Equal(t, "error", frame["op"])
		assert.Equal(t, "bad1", frame["id"])
		assert.Contains(t, frame["error"], "invalid msg field")

		send(t, conn, map[string]any{"op": "subscribe", "id": "bad2", "topic": 7})
		frame = readFrame(t, conn)
		assert.Equal(t, "bad2", frame["id"])
		assert.Contains(t, frame["error"], "invalid topic field")
	})

	t.Run("non json frame is dropped", func(t *testing.T) {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
		send(t, conn, map[string]any{"op": "dance", "id": "after"})
		frame := readFrame(t, conn)
		assert.Equal(t, "after", frame["id"])
	})

	t.Run("unsupported type", func(t *testing.T) {
		send(t, conn, map[string]any{"op": "subscribe", "id": "u1", "topic": "/x", "type": "not a type"})
		frame := readFrame(t, conn)
		assert.Equal(t, "u1", frame["id"])
		assert.Contains(t, frame["error"], "unsupported message type")
	})

	t.Run("publish without publisher or type", func(t *testing.T) {
		send(t, conn, map[string]any{"op": "publish", "id": "p1", "topic": "/nowhere", "msg": map[string]any{}})
		frame := readFrame(t, conn)
		assert.Equal(t, "p1", frame["id"])
	})
}

func TestGateway_AdvertiseAndPublish(t *testing.T) {
	// Arrange
	h := newHarness(t, nil)
	var (
		mu       sync.Mutex
		received []string
	)
	_, err := h.bus.Subscribe("/cmd", "std_msgs/msg/String", reliable, func(m msgs.Message) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, m.(*msgs.String).Data)
	})
	require.NoError(t, err)
	conn := h.dial(t)

	// Act
	send(t, conn, map[string]any{"op": "advertise", "topic": "/cmd", "type": "std_msgs/msg/String"})
	send(t, conn, map[string]any{"op": "publish", "topic": "/cmd", "msg": map[string]any{"data": "go"}})
	send(t, conn, map[string]any{"op": "publish", "topic": "/cmd", "msg": map[string]any{"data": "again"}})

	// Assert
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"go", "again"}, received)
	mu.Unlock()

	infos, err := h.bus.PublishersInfoByTopic(context.Background(), "/cmd")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, bridgeNode, infos[0].NodeName)
}

func TestGateway_LatchedTopicPublisher(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.dial(t)

	send(t, conn, map[string]any{"op": "advertise", "topic": "/initialpose", "type": "geometry_msgs/msg/PoseWithCovarianceStamped"})
	send(t, conn, map[string]any{"op": "get_topics", "id": "sync"})
	readFrame(t, conn)

	infos, err := h.bus.PublishersInfoByTopic(context.Background(), "/initialpose")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, middleware.DurabilityTransientLocal, infos[0].QoS.Durability)
	assert.Equal(t, 1, infos[0].QoS.Depth)
}

func TestGateway_Queries(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.bus.AddPublisher("/talker", "/chatter", "std_msgs/msg/String", reliable))
	require.NoError(t, h.bus.AddSubscriber("/listener", "/chatter", "std_msgs/msg/String", reliable))
	h.bus.AddService("/talker", "/talker/describe", "std_srvs/srv/Trigger")
	h.bus.SetParameters("/talker", "rate")
	conn := h.dial(t)

	send(t, conn, map[string]any{"op": "get_topics", "id": "q1"})
	frame := readFrame(t, conn)
	assert.Equal(t, "get_topics_result", frame["op"])
	assert.Equal(t, "q1", frame["id"])
	topics := frame["topics"].([]any)
	require.Len(t, topics, 1)
	topic := topics[0].(map[string]any)
	assert.Equal(t, "/chatter", topic["name"])
	assert.Equal(t, []any{"/talker"}, topic["publishers"])
	assert.Equal(t, []any{"/listener"}, topic["subscribers"])

	send(t, conn, map[string]any{"op": "get_services", "id": "q2"})
	frame = readFrame(t, conn)
	assert.Equal(t, []any{"/talker/describe"}, frame["services"])

	send(t, conn, map[string]any{"op": "get_service_types", "id": "q3"})
	frame = readFrame(t, conn)
	assert.Equal(t, map[string]any{"/talker/describe": "std_srvs/srv/Trigger"}, frame["service_types"])

	send(t, conn, map[string]any{"op": "get_params", "id": "q4"})
	frame = readFrame(t, conn)
	assert.Equal(t, []any{"/talker:rate"}, frame["params"])

	send(t, conn, map[string]any{"op": "get_nodes", "id": "q5"})
	frame = readFrame(t, conn)
	assert.Equal(t, "get_nodes_result", frame["op"])
	assert.NotEmpty(t, frame["nodes"])

	send(t, conn, map[string]any{"op": "get_topic_frequencies"})
	frame = readFrame(t, conn)
	assert.Equal(t, "get_topic_frequencies_result", frame["op"])
	_, hasID := frame["id"]
	assert.False(t, hasID)

	node, err := h.gw.NodeInfo(context.Background(), "/talker")
	require.NoError(t, err)
	assert.Equal(t, []string{"/chatter"}, node.Publishers)
	assert.Contains(t, node.Parameters, "rate")

	_, err = h.gw.TopicInfo(context.Background(), "/missing")
	assert.ErrorIs(t, err, gateway.ErrNotFound)
}

func TestGateway_RejectsAtCapacity(t *testing.T) {
	h := newHarness(t, func(cfg *gateway.Config) { cfg.MaxConnections = 1 })
	h.dial(t)
	require.Eventually(t, func() bool {
		conns, err := h.gw.Connections(context.Background())
		return err == nil && len(conns) == 1
	}, 2*time.Second, 5*time.Millisecond)

	second := h.dial(t)
	require.NoError(t, second.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := second.ReadMessage()

	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, gateway.CloseCodeAtCapacity, closeErr.Code)
	assert.Equal(t, "Max connections reached", closeErr.Text)
}

func TestGateway_StopClosesClients(t *testing.T) {
	// Arrange
	h := newHarness(t, nil)
	conn := h.dial(t)
	require.Eventually(t, func() bool {
		conns, err := h.gw.Connections(context.Background())
		return err == nil && len(conns) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Act
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.gw.Stop(ctx))

	// Assert
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, gateway.CloseCodeShutdown, closeErr.Code)

	_, err = h.bus.TopicNamesAndTypes(context.Background())
	assert.NoError(t, err)
	_, err = h.bus.Subscribe("/late", "std_msgs/msg/String", reliable, func(msgs.Message) {})
	assert.ErrorIs(t, err, middleware.ErrClosed)
}

func TestGateway_SystemStatus(t *testing.T) {
	h := newHarness(t, func(cfg *gateway.Config) { cfg.DomainID = 7 })
	require.NoError(t, h.bus.AddPublisher("/talker", "/chatter", "std_msgs/msg/String", reliable))

	status, err := h.gw.SystemStatus(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 7, status.DomainID)
	assert.Equal(t, 2, status.ActiveNodes)
	assert.Equal(t, 1, status.ActiveTopics)
	assert.Equal(t, 0, status.ActiveConnections)
	assert.Greater(t, status.MemoryUsage, 0.0)
}
