package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/illmade-knight/go-robobridge/pkg/codec"
	"github.com/illmade-knight/go-robobridge/pkg/messagepipeline"
	"github.com/illmade-knight/go-robobridge/pkg/msgs"
)

type publishFrame struct {
	Op    string         `json:"op"`
	Topic string         `json:"topic"`
	Msg   map[string]any `json:"msg"`
}

// encode is the dispatcher's transform stage. Codec failures are not
// errors: the failure marker is forwarded in place of the message.
func (g *Gateway) encode(_ context.Context, m *messagepipeline.Message) (*outbound, bool, error) {
	msg, ok := m.Payload.(msgs.Message)
	if !ok {
		return nil, false, fmt.Errorf("unexpected payload %T on %s", m.Payload, m.Topic)
	}
	encoded := g.codec.Encode(msg)
	if codec.IsFailure(encoded) {
		g.metrics.codecFailed()
		g.logger.Warn().Str("topic", m.Topic).Str("type", msg.TypeName()).Interface("error", encoded["error"]).
			Msg("Failed to encode message, forwarding failure marker.")
	}
	frame, err := json.Marshal(publishFrame{Op: "publish", Topic: m.Topic, Msg: encoded})
	if err != nil {
		encoded = map[string]any{"error": err.Error(), "message_type": msg.TypeName()}
		g.metrics.codecFailed()
		if frame, err = json.Marshal(publishFrame{Op: "publish", Topic: m.Topic, Msg: encoded}); err != nil {
			return nil, false, fmt.Errorf("failed to marshal frame for %s: %w", m.Topic, err)
		}
	}
	return &outbound{
		Topic:      m.Topic,
		TypeName:   msg.TypeName(),
		Msg:        encoded,
		Frame:      frame,
		ReceivedAt: m.PublishTime,
	}, false, nil
}

// dispatch is the dispatcher's processor stage.
func (g *Gateway) dispatch(ctx context.Context, _ messagepipeline.Message, out *outbound) error {
	if g.exporter != nil {
		g.exporter.Offer(out.Topic, out.TypeName, out.Frame)
	}
	return g.loop.Call(ctx, func() { g.deliver(out) })
}

// deliver runs on the Loop.
func (g *Gateway) deliver(out *outbound) {
	count := g.stats.Observe(out.Topic, out.ReceivedAt)
	subscribers := g.conns.SubscriberCount(out.Topic)
	if count == 1 || count%g.cfg.LogEvery == 0 {
		g.logger.Info().Str("topic", out.Topic).Uint64("count", count).Int("subscribers", subscribers).
			Msg("Received message on topic.")
	}
	if subscribers == 0 {
		g.recent.Append(out.Topic, out.Msg, out.ReceivedAt)
		g.metrics.dispatch(out.Topic, 0)
		return
	}
	g.metrics.dispatch(out.Topic, g.conns.Broadcast(out.Topic, out.Frame))
}
