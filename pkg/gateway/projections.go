package gateway

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/illmade-knight/go-robobridge/pkg/middleware"
	"github.com/illmade-knight/go-robobridge/pkg/types"
)

// Topics lists every discovered topic with its endpoints and local stats.
func (g *Gateway) Topics(ctx context.Context) ([]types.TopicInfo, error) {
	topics, err := g.bus.TopicNamesAndTypes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list topics: %w", err)
	}
	out := make([]types.TopicInfo, 0, len(topics))
	for _, t := range topics {
		out = append(out, g.describeTopic(ctx, t))
	}
	if err := g.fillStats(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// TopicInfo describes a single topic.
func (g *Gateway) TopicInfo(ctx context.Context, name string) (*types.TopicInfo, error) {
	topics, err := g.bus.TopicNamesAndTypes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list topics: %w", err)
	}
	for _, t := range topics {
		if t.Name != name {
			continue
		}
		info := []types.TopicInfo{g.describeTopic(ctx, t)}
		if err := g.fillStats(ctx, info); err != nil {
			return nil, err
		}
		return &info[0], nil
	}
	return nil, fmt.Errorf("topic %s: %w", name, ErrNotFound)
}

func (g *Gateway) describeTopic(ctx context.Context, t middleware.NamesAndTypes) types.TopicInfo {
	info := types.TopicInfo{
		Name:        t.Name,
		MessageType: t.FirstType(),
		Publishers:  []string{},
		Subscribers: []string{},
	}
	if pubs, err := g.bus.PublishersInfoByTopic(ctx, t.Name); err == nil {
		info.Publishers = endpointNodes(pubs)
	}
	if subs, err := g.bus.SubscriptionsInfoByTopic(ctx, t.Name); err == nil {
		info.Subscribers = endpointNodes(subs)
	}
	return info
}

func (g *Gateway) fillStats(ctx context.Context, infos []types.TopicInfo) error {
	return g.loop.Call(ctx, func() {
		for i := range infos {
			if f, ok := g.stats.Frequency(infos[i].Name); ok {
				infos[i].Frequency = &f
			}
			if last, ok := g.stats.LastMessage(infos[i].Name); ok {
				infos[i].LastMessageTime = &last
			}
		}
	})
}

// TopicTypes maps topic names to their first type.
func (g *Gateway) TopicTypes(ctx context.Context) (map[string]string, error) {
	topics, err := g.bus.TopicNamesAndTypes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list topics: %w", err)
	}
	out := make(map[string]string, len(topics))
	for _, t := range topics {
		out[t.Name] = t.FirstType()
	}
	return out, nil
}

// TopicFrequencies returns the observed rate of every topic seen so far.
func (g *Gateway) TopicFrequencies(ctx context.Context) (map[string]float64, error) {
	var out map[string]float64
	if err := g.loop.Call(ctx, func() { out = g.stats.Frequencies() }); err != nil {
		return nil, err
	}
	return out, nil
}

// Nodes lists nodes with their endpoints and parameter names.
func (g *Gateway) Nodes(ctx context.Context) ([]types.NodeInfo, error) {
	snap, err := g.topology.Snapshot(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to build topology: %w", err)
	}
	params := g.paramsByNode(ctx)
	out := make([]types.NodeInfo, 0, len(snap.Nodes))
	for _, n := range snap.Nodes {
		out = append(out, nodeInfo(n, params[n.NodeName]))
	}
	return out, nil
}

// NodeInfo describes one node.
func (g *Gateway) NodeInfo(ctx context.Context, name string) (*types.NodeInfo, error) {
	snap, err := g.topology.Snapshot(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to build topology: %w", err)
	}
	for _, n := range snap.Nodes {
		if n.NodeName == name {
			info := nodeInfo(n, g.paramsByNode(ctx)[name])
			return &info, nil
		}
	}
	return nil, fmt.Errorf("node %s: %w", name, ErrNotFound)
}

func nodeInfo(n types.NodeTopology, params []string) types.NodeInfo {
	info := types.NodeInfo{
		Name:        n.NodeName,
		Namespace:   n.Namespace,
		Publishers:  n.PublishedTopics,
		Subscribers: n.SubscribedTopics,
		Services:    n.Services,
		Actions:     n.Actions,
		Parameters:  make(map[string]any, len(params)),
	}
	for _, p := range params {
		info.Parameters[p] = nil
	}
	return info
}

// paramsByNode groups "node:param" names by node.
func (g *Gateway) paramsByNode(ctx context.Context) map[string][]string {
	names, err := g.bus.ParameterNames(ctx)
	if err != nil {
		g.logger.Debug().Err(err).Msg("Parameter lookup failed.")
		return nil
	}
	out := make(map[string][]string)
	for _, full := range names {
		node, param, ok := strings.Cut(full, ":")
		if !ok {
			continue
		}
		out[node] = append(out[node], param)
	}
	return out
}

// Services lists service names.
func (g *Gateway) Services(ctx context.Context) ([]string, error) {
	services, err := g.bus.ServiceNamesAndTypes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}
	out := make([]string, 0, len(services))
	for _, s := range services {
		out = append(out, s.Name)
	}
	return out, nil
}

// ServiceTypes maps service names to their first type.
func (g *Gateway) ServiceTypes(ctx context.Context) (map[string]string, error) {
	services, err := g.bus.ServiceNamesAndTypes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}
	out := make(map[string]string, len(services))
	for _, s := range services {
		out[s.Name] = s.FirstType()
	}
	return out, nil
}

// Params lists fully qualified parameter names.
func (g *Gateway) Params(ctx context.Context) ([]string, error) {
	params, err := g.bus.ParameterNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list parameters: %w", err)
	}
	if params == nil {
		params = []string{}
	}
	return params, nil
}

// Connections lists the connected clients.
func (g *Gateway) Connections(ctx context.Context) ([]types.ConnectionInfo, error) {
	var out []types.ConnectionInfo
	if err := g.loop.Call(ctx, func() { out = g.conns.Snapshot() }); err != nil {
		return nil, err
	}
	return out, nil
}

// RecentMessages returns cached messages that arrived with no subscriber.
func (g *Gateway) RecentMessages(ctx context.Context, topic string, limit int) ([]types.RecentMessage, error) {
	var out []types.RecentMessage
	if err := g.loop.Call(ctx, func() { out = g.recent.Recent(topic, limit) }); err != nil {
		return nil, err
	}
	return out, nil
}

// SystemStatus summarises the gateway and the discovered graph.
func (g *Gateway) SystemStatus(ctx context.Context) (types.SystemStatus, error) {
	status := types.SystemStatus{
		DomainID:      g.cfg.DomainID,
		SystemTime:    time.Now(),
		IngestDropped: g.queue.Dropped(),
	}
	if !g.startedAt.IsZero() {
		status.Uptime = time.Since(g.startedAt).Seconds()
	}
	nodes, err := g.bus.NodeNames(ctx)
	if err != nil {
		return status, fmt.Errorf("failed to list nodes: %w", err)
	}
	status.ActiveNodes = len(nodes)
	topics, err := g.bus.TopicNamesAndTypes(ctx)
	if err != nil {
		return status, fmt.Errorf("failed to list topics: %w", err)
	}
	status.ActiveTopics = len(topics)
	if err := g.loop.Call(ctx, func() { status.ActiveConnections = g.conns.Len() }); err != nil {
		return status, err
	}
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	status.MemoryUsage = float64(mem.Sys) / (1 << 20)
	return status, nil
}

func endpointNodes(infos []middleware.EndpointInfo) []string {
	out := make([]string, 0, len(infos))
	for _, info := range infos {
		out = append(out, info.NodeName)
	}
	sort.Strings(out)
	return out
}
