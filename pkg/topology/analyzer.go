// Package topology builds node/topic connection graphs from bus discovery.
package topology

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/illmade-knight/go-robobridge/pkg/cache"
	"github.com/illmade-knight/go-robobridge/pkg/middleware"
	"github.com/illmade-knight/go-robobridge/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long a snapshot is served from cache.
const DefaultTTL = 5 * time.Second

// DefaultBuildTimeout bounds a single rebuild of the graph.
const DefaultBuildTimeout = 10 * time.Second

const snapshotKey = "system"

// ErrNodeNotFound is returned when a node is not part of the snapshot.
var ErrNodeNotFound = errors.New("node not found")

// Discovery is the subset of the bus the analyzer polls.
type Discovery interface {
	NodeNames(ctx context.Context) ([]string, error)
	TopicNamesAndTypes(ctx context.Context) ([]middleware.NamesAndTypes, error)
	ServiceNamesAndTypes(ctx context.Context) ([]middleware.NamesAndTypes, error)
	PublishersInfoByTopic(ctx context.Context, topic string) ([]middleware.EndpointInfo, error)
	SubscriptionsInfoByTopic(ctx context.Context, topic string) ([]middleware.EndpointInfo, error)
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithCache replaces the default in-memory snapshot cache.
func WithCache(c cache.Cache[string, *types.TopologySnapshot]) Option {
	return func(a *Analyzer) { a.snapshots = c }
}

// WithBuildTimeout bounds each rebuild. A rebuild is shared by concurrent
// callers and does not stop when one of them gives up.
func WithBuildTimeout(d time.Duration) Option {
	return func(a *Analyzer) { a.buildTimeout = d }
}

// WithClock sets the clock used to stamp snapshots.
func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) { a.now = now }
}

// Analyzer builds and caches TopologySnapshots. It is safe for concurrent use;
// concurrent rebuilds are collapsed into one.
type Analyzer struct {
	discovery Discovery
	snapshots cache.Cache[string, *types.TopologySnapshot]
	rebuilds  singleflight.Group
	now       func() time.Time
	logger    zerolog.Logger

	buildTimeout time.Duration
}

// NewAnalyzer creates an Analyzer. Without WithCache snapshots live in memory
// for DefaultTTL.
func NewAnalyzer(discovery Discovery, logger zerolog.Logger, opts ...Option) *Analyzer {
	a := &Analyzer{
		discovery:    discovery,
		now:          time.Now,
		logger:       logger.With().Str("component", "TopologyAnalyzer").Logger(),
		buildTimeout: DefaultBuildTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.snapshots == nil {
		a.snapshots = cache.NewInMemoryCacheWithClock[string, *types.TopologySnapshot](DefaultTTL, a.now)
	}
	return a
}

// Snapshot returns the system topology. With useCache a snapshot younger than
// the TTL is returned unchanged; otherwise the graph is rebuilt and replaces
// the cached one. Callers receive their own copy.
func (a *Analyzer) Snapshot(ctx context.Context, useCache bool) (*types.TopologySnapshot, error) {
	if useCache {
		cached, err := a.snapshots.Fetch(ctx, snapshotKey)
		if err == nil && cached != nil {
			return cached.Clone(), nil
		}
		if err != nil && !errors.Is(err, cache.ErrNotFound) {
			a.logger.Warn().Err(err).Msg("Snapshot cache read failed, rebuilding.")
		}
	}

	results := a.rebuilds.DoChan(snapshotKey, func() (any, error) {
		buildCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.buildTimeout)
		defer cancel()
		snap, err := a.build(buildCtx)
		if err != nil {
			return nil, err
		}
		if err := a.snapshots.Write(buildCtx, snapshotKey, snap); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to store topology snapshot.")
		}
		return snap, nil
	})
	select {
	case res := <-results:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*types.TopologySnapshot).Clone(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// NodeTopology returns one node of the (possibly cached) snapshot.
func (a *Analyzer) NodeTopology(ctx context.Context, name string) (*types.NodeTopology, error) {
	snap, err := a.Snapshot(ctx, true)
	if err != nil {
		return nil, err
	}
	for i := range snap.Nodes {
		if snap.Nodes[i].NodeName == name {
			return &snap.Nodes[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, name)
}

// TopicConnections returns the connections of the snapshot, limited to topic
// when it is not empty.
func (a *Analyzer) TopicConnections(ctx context.Context, topic string) ([]types.TopicConnection, error) {
	snap, err := a.Snapshot(ctx, true)
	if err != nil {
		return nil, err
	}
	if topic == "" {
		return snap.TopicConnections, nil
	}
	out := []types.TopicConnection{}
	for _, c := range snap.TopicConnections {
		if c.TopicName == topic {
			out = append(out, c)
		}
	}
	return out, nil
}

type topicEndpoints struct {
	name        string
	typeName    string
	publishers  []string
	subscribers []string
}

func (a *Analyzer) build(ctx context.Context) (*types.TopologySnapshot, error) {
	nodeNames, err := a.discovery.NodeNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	topics, err := a.discovery.TopicNamesAndTypes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list topics: %w", err)
	}
	services, err := a.discovery.ServiceNamesAndTypes(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Failed to list services, continuing without them.")
		services = nil
	}

	endpoints := make([]topicEndpoints, 0, len(topics))
	for _, t := range topics {
		pubs, err := a.discovery.PublishersInfoByTopic(ctx, t.Name)
		if err != nil {
			a.logger.Warn().Err(err).Str("topic", t.Name).Msg("Failed to analyze topic, omitting it.")
			continue
		}
		subs, err := a.discovery.SubscriptionsInfoByTopic(ctx, t.Name)
		if err != nil {
			a.logger.Warn().Err(err).Str("topic", t.Name).Msg("Failed to analyze topic, omitting it.")
			continue
		}
		endpoints = append(endpoints, topicEndpoints{
			name:        t.Name,
			typeName:    t.FirstType(),
			publishers:  nodeNamesOf(pubs),
			subscribers: nodeNamesOf(subs),
		})
	}

	snap := &types.TopologySnapshot{
		Nodes:            make([]types.NodeTopology, 0, len(nodeNames)),
		TopicConnections: make([]types.TopicConnection, 0, len(endpoints)),
		IsolatedNodes:    []string{},
		LastUpdated:      a.now(),
	}

	for _, name := range nodeNames {
		node := types.NodeTopology{
			NodeName:         name,
			Namespace:        Namespace(name),
			NodeType:         "node",
			PublishedTopics:  []string{},
			SubscribedTopics: []string{},
			Services:         ServicesForNode(name, services),
			Actions:          []string{},
			IsActive:         true,
		}
		for _, ep := range endpoints {
			if contains(ep.publishers, name) {
				node.PublishedTopics = append(node.PublishedTopics, ep.name)
			}
			if contains(ep.subscribers, name) {
				node.SubscribedTopics = append(node.SubscribedTopics, ep.name)
			}
		}
		snap.Nodes = append(snap.Nodes, node)
		if node.IsIsolated() {
			snap.IsolatedNodes = append(snap.IsolatedNodes, name)
		}
	}

	for _, ep := range endpoints {
		conn := types.TopicConnection{
			TopicName:       ep.name,
			MessageType:     ep.typeName,
			Publishers:      ep.publishers,
			Subscribers:     ep.subscribers,
			ConnectionCount: len(ep.publishers) * len(ep.subscribers),
		}
		snap.TopicConnections = append(snap.TopicConnections, conn)
		snap.ConnectionCount += conn.ConnectionCount
	}
	snap.NodeCount = len(snap.Nodes)
	snap.TopicCount = len(snap.TopicConnections)

	a.logger.Info().
		Int("nodes", snap.NodeCount).
		Int("topics", snap.TopicCount).
		Int("connections", snap.ConnectionCount).
		Msg("Updated topology.")
	return snap, nil
}

// Namespace extracts the namespace part of a fully qualified node name.
func Namespace(nodeName string) string {
	if !strings.HasPrefix(nodeName, "/") {
		return "/"
	}
	idx := strings.LastIndex(nodeName, "/")
	if idx <= 0 {
		return "/"
	}
	return nodeName[:idx]
}

// ServicesForNode attributes services to a node when the node name, with
// slashes removed, is a substring of the service name. This is a naming
// heuristic and can attribute a service to the wrong node.
func ServicesForNode(nodeName string, services []middleware.NamesAndTypes) []string {
	out := []string{}
	needle := strings.ReplaceAll(nodeName, "/", "")
	for _, s := range services {
		if strings.Contains(s.Name, needle) {
			out = append(out, s.Name)
		}
	}
	return out
}

func nodeNamesOf(infos []middleware.EndpointInfo) []string {
	out := make([]string, 0, len(infos))
	for _, info := range infos {
		out = append(out, info.NodeName)
	}
	sort.Strings(out)
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
