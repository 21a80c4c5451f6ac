package types

import (
	"time"
)

// NodeTopology is one node of a TopologySnapshot.
type NodeTopology struct {
	NodeName         string   `json:"node_name"`
	Namespace        string   `json:"namespace"`
	NodeType         string   `json:"node_type"`
	PublishedTopics  []string `json:"published_topics"`
	SubscribedTopics []string `json:"subscribed_topics"`
	Services         []string `json:"services"`
	Actions          []string `json:"actions"`
	IsActive         bool     `json:"is_active"`
}

// IsIsolated reports whether the node has no topic or service relationships.
func (n NodeTopology) IsIsolated() bool {
	return len(n.PublishedTopics) == 0 && len(n.SubscribedTopics) == 0 && len(n.Services) == 0
}

// TopicConnection links the publishers and subscribers of one topic.
// ConnectionCount is always len(Publishers) * len(Subscribers).
type TopicConnection struct {
	TopicName       string   `json:"topic_name"`
	MessageType     string   `json:"message_type"`
	Publishers      []string `json:"publishers"`
	Subscribers     []string `json:"subscribers"`
	ConnectionCount int      `json:"connection_count"`
}

// TopologySnapshot is an immutable view of the node/topic graph.
type TopologySnapshot struct {
	Nodes            []NodeTopology    `json:"nodes"`
	TopicConnections []TopicConnection `json:"topic_connections"`
	IsolatedNodes    []string          `json:"isolated_nodes"`
	NodeCount        int               `json:"node_count"`
	TopicCount       int               `json:"topic_count"`
	ConnectionCount  int               `json:"connection_count"`
	LastUpdated      time.Time         `json:"last_updated"`
}

// Clone returns a deep copy so callers cannot mutate a cached snapshot.
func (s *TopologySnapshot) Clone() *TopologySnapshot {
	if s == nil {
		return nil
	}
	out := *s
	out.Nodes = make([]NodeTopology, len(s.Nodes))
	for i, n := range s.Nodes {
		n.PublishedTopics = cloneStrings(n.PublishedTopics)
		n.SubscribedTopics = cloneStrings(n.SubscribedTopics)
		n.Services = cloneStrings(n.Services)
		n.Actions = cloneStrings(n.Actions)
		out.Nodes[i] = n
	}
	out.TopicConnections = make([]TopicConnection, len(s.TopicConnections))
	for i, c := range s.TopicConnections {
		c.Publishers = cloneStrings(c.Publishers)
		c.Subscribers = cloneStrings(c.Subscribers)
		out.TopicConnections[i] = c
	}
	out.IsolatedNodes = cloneStrings(s.IsolatedNodes)
	return &out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
