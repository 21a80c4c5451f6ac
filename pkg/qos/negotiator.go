// Package qos picks delivery policies for the gateway's own subscribers and
// publishers so that they stay compatible with the rest of the graph.
package qos

import (
	"context"
	"time"

	"github.com/illmade-knight/go-robobridge/pkg/middleware"
	"github.com/rs/zerolog"
)

// Discoverer is the part of the bus the negotiator needs.
type Discoverer interface {
	PublishersInfoByTopic(ctx context.Context, topic string) ([]middleware.EndpointInfo, error)
}

// Config holds the negotiation parameters.
type Config struct {
	RetryDelay    time.Duration
	DefaultDepth  int
	KeepAllDepth  int
	LatchedTopics []string
}

// DefaultConfig returns the standard negotiation parameters.
func DefaultConfig() Config {
	return Config{
		RetryDelay:    100 * time.Millisecond,
		DefaultDepth:  10,
		KeepAllDepth:  1000,
		LatchedTopics: []string{"/initialpose", "/goal_pose"},
	}
}

// Negotiator is safe for concurrent use.
type Negotiator struct {
	discovery Discoverer
	cfg       Config
	latched   map[string]struct{}
	logger    zerolog.Logger
}

// NewNegotiator creates a Negotiator. Zero config values take their defaults.
func NewNegotiator(discovery Discoverer, cfg Config, logger zerolog.Logger) *Negotiator {
	def := DefaultConfig()
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.DefaultDepth <= 0 {
		cfg.DefaultDepth = def.DefaultDepth
	}
	if cfg.KeepAllDepth <= 0 {
		cfg.KeepAllDepth = def.KeepAllDepth
	}
	if cfg.LatchedTopics == nil {
		cfg.LatchedTopics = def.LatchedTopics
	}
	latched := make(map[string]struct{}, len(cfg.LatchedTopics))
	for _, t := range cfg.LatchedTopics {
		latched[t] = struct{}{}
	}
	return &Negotiator{
		discovery: discovery,
		cfg:       cfg,
		latched:   latched,
		logger:    logger.With().Str("component", "QoSNegotiator").Logger(),
	}
}

// Default is the reliable, volatile, keep-last profile.
func (n *Negotiator) Default() middleware.QoSProfile {
	return middleware.QoSProfile{
		Reliability: middleware.ReliabilityReliable,
		Durability:  middleware.DurabilityVolatile,
		History:     middleware.HistoryKeepLast,
		Depth:       n.cfg.DefaultDepth,
	}
}

// SubscriptionQoS inspects the publishers of topic. When none are visible it
// waits RetryDelay and looks once more, since a publisher may appear just
// after the subscribe request. It blocks for at most RetryDelay.
func (n *Negotiator) SubscriptionQoS(ctx context.Context, topic string) middleware.QoSProfile {
	infos := n.publishers(ctx, topic)
	if len(infos) == 0 {
		n.logger.Debug().Str("topic", topic).Dur("retry_delay", n.cfg.RetryDelay).Msg("No publishers visible yet, retrying discovery.")
		timer := time.NewTimer(n.cfg.RetryDelay)
		select {
		case <-timer.C:
			infos = n.publishers(ctx, topic)
		case <-ctx.Done():
			timer.Stop()
		}
	}
	if len(infos) == 0 {
		n.logger.Info().Str("topic", topic).Msg("No publisher info found, using default QoS.")
		return n.Default()
	}

	for _, info := range infos {
		if IsKeepAllLike(info.QoS.History) {
			profile := middleware.QoSProfile{
				Reliability: middleware.ReliabilityReliable,
				Durability:  middleware.DurabilityVolatile,
				History:     middleware.HistoryKeepAll,
				Depth:       n.cfg.KeepAllDepth,
			}
			n.logger.Info().Str("topic", topic).Str("publisher_node", info.NodeName).
				Str("publisher_history", info.QoS.History.String()).
				Msg("Publisher keeps full history, subscribing with keep-all.")
			return profile
		}
	}
	return n.Default()
}

// PublisherQoS returns the profile for a gateway publisher on topic. Latched
// topics keep their last value for late subscribers.
func (n *Negotiator) PublisherQoS(topic string) middleware.QoSProfile {
	if n.IsLatched(topic) {
		return middleware.QoSProfile{
			Reliability: middleware.ReliabilityReliable,
			Durability:  middleware.DurabilityTransientLocal,
			History:     middleware.HistoryKeepLast,
			Depth:       1,
		}
	}
	return n.Default()
}

// IsLatched reports whether topic is configured as latched.
func (n *Negotiator) IsLatched(topic string) bool {
	_, ok := n.latched[topic]
	return ok
}

// IsKeepAllLike reports whether a discovered history policy is the vendor
// marker for keep-all, a value outside the standard set.
func IsKeepAllLike(h middleware.History) bool {
	return !h.IsStandard()
}

func (n *Negotiator) publishers(ctx context.Context, topic string) []middleware.EndpointInfo {
	infos, err := n.discovery.PublishersInfoByTopic(ctx, topic)
	if err != nil {
		n.logger.Warn().Err(err).Str("topic", topic).Msg("Publisher discovery failed.")
		return nil
	}
	return infos
}
