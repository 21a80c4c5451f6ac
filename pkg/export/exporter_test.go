package export_test

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/illmade-knight/go-robobridge/pkg/export"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func sanitizedTestName(t *testing.T) string {
	sanitized := regexp.MustCompile(`[^a-zA-Z0-9-]+`).ReplaceAllString(t.Name(), "-")
	sanitized = regexp.MustCompile(`^-+|-+$`).ReplaceAllString(sanitized, "")
	if len(sanitized) > 20 {
		sanitized = sanitized[:20]
	}
	return sanitized
}

// setupTestPubsub creates an in-process Pub/Sub server, client, topic and subscription.
func setupTestPubsub(t *testing.T, projectID, topicID, subID string) (*pubsub.Client, *pubsub.Subscription) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, projectID, option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, topicID)
	require.NoError(t, err)
	sub, err := client.CreateSubscription(ctx, subID, pubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)
	return client, sub
}

func newExporter(t *testing.T, ctx context.Context, topics ...string) (*export.PubsubExporter, *pubsub.Subscription) {
	t.Helper()
	suffix := fmt.Sprintf("%s-%d", sanitizedTestName(t), time.Now().UnixNano())
	topicID := "topic-" + suffix
	client, sub := setupTestPubsub(t, "proj-"+suffix, topicID, "sub-"+suffix)

	cfg := export.NewPubsubExporterDefaults()
	cfg.TopicID = topicID
	cfg.Topics = topics
	cfg.BatchDelay = 10 * time.Millisecond

	exp, err := export.NewPubsubExporter(ctx, cfg, client, zerolog.Nop())
	require.NoError(t, err)
	return exp, sub
}

func TestPubsubExporter_ExportsFilteredTopics(t *testing.T) {
	// Arrange
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	exp, sub := newExporter(t, ctx, "/chatter")
	exp.Start(ctx)

	// Act
	exp.Offer("/chatter", "std_msgs/msg/String", []byte(`{"op":"publish","topic":"/chatter","msg":{"data":"hi"}}`))
	exp.Offer("/ignored", "std_msgs/msg/String", []byte(`{}`))

	// Assert
	var mu sync.Mutex
	var received []*pubsub.Message
	receiveCtx, receiveCancel := context.WithCancel(ctx)
	t.Cleanup(receiveCancel)
	go func() {
		_ = sub.Receive(receiveCtx, func(_ context.Context, msg *pubsub.Message) {
			mu.Lock()
			received = append(received, msg)
			mu.Unlock()
			msg.Ack()
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	msg := received[0]
	mu.Unlock()
	assert.Equal(t, "/chatter", msg.Attributes["topic"])
	assert.Equal(t, "std_msgs/msg/String", msg.Attributes["type"])
	assert.JSONEq(t, `{"op":"publish","topic":"/chatter","msg":{"data":"hi"}}`, string(msg.Data))

	stopCtx, stopCancel := context.WithTimeout(ctx, 2*time.Second)
	t.Cleanup(stopCancel)
	require.NoError(t, exp.Stop(stopCtx))
	published, failed, dropped := exp.Stats()
	assert.Equal(t, uint64(1), published)
	assert.Zero(t, failed)
	assert.Zero(t, dropped)
}

func TestPubsubExporter_OfferAfterStopIsIgnored(t *testing.T) {
	// Arrange
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	exp, _ := newExporter(t, ctx)
	exp.Start(ctx)
	require.NoError(t, exp.Stop(ctx))

	// Act & Assert
	assert.NotPanics(t, func() { exp.Offer("/chatter", "std_msgs/msg/String", []byte(`{}`)) })
	require.NoError(t, exp.Stop(ctx))
}

func TestNewPubsubExporter_MissingTopic(t *testing.T) {
	// Arrange
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	client, _ := setupTestPubsub(t, "proj-missing", "topic-present", "sub-present")
	cfg := export.NewPubsubExporterDefaults()
	cfg.TopicID = "topic-absent"

	// Act
	_, err := export.NewPubsubExporter(ctx, cfg, client, zerolog.Nop())

	// Assert
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestNewPubsubExporterDefaults_Env(t *testing.T) {
	t.Setenv("PUBSUB_EXPORT_BATCH_SIZE", "7")
	t.Setenv("PUBSUB_EXPORT_BATCH_DELAY", "250ms")

	cfg := export.NewPubsubExporterDefaults()

	assert.Equal(t, 7, cfg.BatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.BatchDelay)
	assert.Equal(t, 1000, cfg.InputBuffer)
}
