package types

import (
	"time"
)

// TopicInfo describes a bus topic as seen by the gateway.
type TopicInfo struct {
	Name            string     `json:"name"`
	MessageType     string     `json:"message_type"`
	Publishers      []string   `json:"publishers"`
	Subscribers     []string   `json:"subscribers"`
	Frequency       *float64   `json:"frequency"`
	LastMessageTime *time.Time `json:"last_message_time"`
}

// NodeInfo describes a bus node and its endpoints.
type NodeInfo struct {
	Name        string         `json:"name"`
	Namespace   string         `json:"namespace"`
	Publishers  []string       `json:"publishers"`
	Subscribers []string       `json:"subscribers"`
	Services    []string       `json:"services"`
	Actions     []string       `json:"actions"`
	Parameters  map[string]any `json:"parameters"`
}

// ConnectionInfo describes one connected WebSocket client.
type ConnectionInfo struct {
	ClientID         string    `json:"client_id"`
	ConnectedAt      time.Time `json:"connected_at"`
	SubscribedTopics []string  `json:"subscribed_topics"`
	MessageCount     uint64    `json:"message_count"`
}

// SystemStatus is a summary of the gateway and the graph it bridges.
type SystemStatus struct {
	DomainID          int       `json:"ros_domain_id"`
	ActiveNodes       int       `json:"active_nodes"`
	ActiveTopics      int       `json:"active_topics"`
	ActiveConnections int       `json:"active_connections"`
	SystemTime        time.Time `json:"system_time"`
	Uptime            float64   `json:"uptime"`
	MemoryUsage       float64   `json:"memory_usage"`
	CPUUsage          float64   `json:"cpu_usage"`
	IngestDropped     uint64    `json:"ingest_dropped"`
}

// RecentMessage is one entry of the recent traffic trace.
type RecentMessage struct {
	Topic     string         `json:"topic"`
	Msg       map[string]any `json:"msg"`
	Timestamp time.Time      `json:"timestamp"`
}

// PluginInfo describes a client side renderer.
type PluginInfo struct {
	ID                    string         `json:"id"`
	Name                  string         `json:"name"`
	Version               string         `json:"version"`
	Description           string         `json:"description"`
	Author                string         `json:"author"`
	PluginType            string         `json:"plugin_type"`
	Status                string         `json:"status"`
	SupportedMessageTypes []string       `json:"supported_message_types"`
	Config                map[string]any `json:"config"`
}
