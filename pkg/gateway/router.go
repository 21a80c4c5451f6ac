package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// controlFrame is a client to gateway message.
type controlFrame struct {
	Op    string         `json:"op"`
	ID    any            `json:"id,omitempty"`
	Topic string         `json:"topic,omitempty"`
	Type  string         `json:"type,omitempty"`
	Msg   map[string]any `json:"msg,omitempty"`
}

type errorFrame struct {
	Op    string `json:"op"`
	ID    any    `json:"id,omitempty"`
	Error string `json:"error"`
}

func hasID(id any) bool {
	if id == nil {
		return false
	}
	s, ok := id.(string)
	return !ok || s != ""
}

// HandleControl parses and executes one control frame from clientID.
// Errors are answered with an error frame; malformed frames only when they
// carry a request id.
func (g *Gateway) HandleControl(ctx context.Context, clientID string, data []byte) {
	req, err := parseControlFrame(data)
	if req == nil {
		g.logger.Warn().Err(err).Str("client_id", clientID).Msg("Ignoring unparseable control frame.")
		return
	}
	if !g.accepting.Load() {
		return
	}
	if err == nil {
		err = g.route(ctx, clientID, req)
	}
	if err != nil {
		if errors.Is(err, ErrMalformedControlMessage) && !hasID(req.ID) {
			g.logger.Debug().Err(err).Str("client_id", clientID).Str("op", req.Op).Msg("Dropping malformed control frame.")
			return
		}
		if errors.Is(err, ErrConnectionGone) || errors.Is(err, ErrLoopStopped) {
			return
		}
		g.logger.Warn().Err(err).Str("client_id", clientID).Str("op", req.Op).Str("topic", req.Topic).Msg("Control operation failed.")
		g.replyError(ctx, clientID, req.ID, err)
	}
}

// parseControlFrame decodes a frame field by field so that the request id
// survives a badly typed field. It returns a nil frame only when data is not
// a JSON object.
func parseControlFrame(data []byte) (*controlFrame, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	req := &controlFrame{}
	if raw, ok := fields["id"]; ok {
		_ = json.Unmarshal(raw, &req.ID)
	}
	for _, f := range []struct {
		name string
		dst  any
	}{
		{"op", &req.Op},
		{"topic", &req.Topic},
		{"type", &req.Type},
		{"msg", &req.Msg},
	} {
		raw, ok := fields[f.name]
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, f.dst); err != nil {
			return req, fmt.Errorf("%w: invalid %s field", ErrMalformedControlMessage, f.name)
		}
	}
	return req, nil
}

func (g *Gateway) route(ctx context.Context, clientID string, req *controlFrame) error {
	switch req.Op {
	case "subscribe":
		if req.Topic == "" {
			return fmt.Errorf("%w: subscribe requires topic", ErrMalformedControlMessage)
		}
		return g.onLoop(ctx, func() error {
			return g.subs.Subscribe(g.runCtx, clientID, req.Topic, req.Type, req.ID)
		})
	case "unsubscribe":
		if req.Topic == "" {
			return fmt.Errorf("%w: unsubscribe requires topic", ErrMalformedControlMessage)
		}
		return g.onLoop(ctx, func() error { return g.subs.Unsubscribe(clientID, req.Topic) })
	case "advertise":
		if req.Topic == "" || req.Type == "" {
			return fmt.Errorf("%w: advertise requires topic and type", ErrMalformedControlMessage)
		}
		return g.onLoop(ctx, func() error {
			_, err := g.pubs.Ensure(req.Topic, req.Type)
			return err
		})
	case "unadvertise":
		if req.Topic == "" {
			return fmt.Errorf("%w: unadvertise requires topic", ErrMalformedControlMessage)
		}
		return g.onLoop(ctx, func() error {
			g.pubs.Remove(req.Topic)
			return nil
		})
	case "publish":
		if req.Topic == "" || req.Msg == nil {
			return fmt.Errorf("%w: publish requires topic and msg", ErrMalformedControlMessage)
		}
		return g.onLoop(ctx, func() error { return g.pubs.Publish(req.Topic, req.Type, req.Msg) })
	case "get_topics":
		topics, err := g.Topics(ctx)
		if err != nil {
			return err
		}
		return g.reply(ctx, clientID, req, "topics", topics)
	case "get_nodes":
		nodes, err := g.Nodes(ctx)
		if err != nil {
			return err
		}
		return g.reply(ctx, clientID, req, "nodes", nodes)
	case "get_topic_types":
		types, err := g.TopicTypes(ctx)
		if err != nil {
			return err
		}
		return g.reply(ctx, clientID, req, "topic_types", types)
	case "get_topic_frequencies":
		freqs, err := g.TopicFrequencies(ctx)
		if err != nil {
			return err
		}
		return g.reply(ctx, clientID, req, "frequencies", freqs)
	case "get_services":
		services, err := g.Services(ctx)
		if err != nil {
			return err
		}
		return g.reply(ctx, clientID, req, "services", services)
	case "get_service_types":
		types, err := g.ServiceTypes(ctx)
		if err != nil {
			return err
		}
		return g.reply(ctx, clientID, req, "service_types", types)
	case "get_params":
		params, err := g.Params(ctx)
		if err != nil {
			return err
		}
		return g.reply(ctx, clientID, req, "params", params)
	case "":
		return fmt.Errorf("%w: missing op", ErrMalformedControlMessage)
	default:
		return fmt.Errorf("unknown operation: %s", req.Op)
	}
}

// onLoop runs fn on the Loop and returns its error.
func (g *Gateway) onLoop(ctx context.Context, fn func() error) error {
	var err error
	if callErr := g.loop.Call(ctx, func() { err = fn() }); callErr != nil {
		return callErr
	}
	return err
}

func (g *Gateway) reply(ctx context.Context, clientID string, req *controlFrame, key string, value any) error {
	frame := map[string]any{"op": req.Op + "_result", key: value}
	if hasID(req.ID) {
		frame["id"] = req.ID
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal %s result: %w", req.Op, err)
	}
	return g.onLoop(ctx, func() error { return g.conns.SendDirect(clientID, data) })
}

func (g *Gateway) replyError(ctx context.Context, clientID string, id any, cause error) {
	data, err := g.errorFrame(id, cause)
	if err != nil {
		return
	}
	_ = g.onLoop(ctx, func() error { return g.conns.SendDirect(clientID, data) })
}

func (g *Gateway) errorFrame(id any, cause error) ([]byte, error) {
	frame := errorFrame{Op: "error", Error: cause.Error()}
	if hasID(id) {
		frame.ID = id
	}
	return json.Marshal(frame)
}

// subscriptionFailed runs on the Loop for each waiter of a failed creation.
func (g *Gateway) subscriptionFailed(clientID string, requestID any, topic string, cause error) {
	data, err := g.errorFrame(requestID, fmt.Errorf("subscribe to %s failed: %w", topic, cause))
	if err != nil {
		return
	}
	_ = g.conns.SendDirect(clientID, data)
}
