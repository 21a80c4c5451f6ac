// Package api exposes read-only REST projections of the gateway and the
// topology analyzer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/illmade-knight/go-robobridge/pkg/gateway"
	"github.com/illmade-knight/go-robobridge/pkg/topology"
	"github.com/illmade-knight/go-robobridge/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultRecentLimit is used when /messages/recent has no limit parameter.
const DefaultRecentLimit = 100

// Gateway is the subset of gateway.Gateway served over REST.
type Gateway interface {
	Topics(ctx context.Context) ([]types.TopicInfo, error)
	TopicInfo(ctx context.Context, name string) (*types.TopicInfo, error)
	TopicFrequencies(ctx context.Context) (map[string]float64, error)
	Nodes(ctx context.Context) ([]types.NodeInfo, error)
	NodeInfo(ctx context.Context, name string) (*types.NodeInfo, error)
	SystemStatus(ctx context.Context) (types.SystemStatus, error)
	Connections(ctx context.Context) ([]types.ConnectionInfo, error)
	RecentMessages(ctx context.Context, topic string, limit int) ([]types.RecentMessage, error)
}

// Topology is the subset of topology.Analyzer served over REST.
type Topology interface {
	Snapshot(ctx context.Context, useCache bool) (*types.TopologySnapshot, error)
	NodeTopology(ctx context.Context, name string) (*types.NodeTopology, error)
	TopicConnections(ctx context.Context, topic string) ([]types.TopicConnection, error)
}

// Handlers serves the /api/v1 routes.
type Handlers struct {
	gateway  Gateway
	topology Topology
	plugins  []types.PluginInfo
	logger   zerolog.Logger
}

// NewHandlers creates the REST handlers.
func NewHandlers(gw Gateway, topo Topology, logger zerolog.Logger) *Handlers {
	return &Handlers{
		gateway:  gw,
		topology: topo,
		plugins:  BuiltinPlugins(),
		logger:   logger.With().Str("component", "RestAPI").Logger(),
	}
}

// Register mounts the routes under /api/v1 on r.
func (h *Handlers) Register(r *mux.Router) {
	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/topics", h.getTopics).Methods(http.MethodGet)
	v1.HandleFunc("/topics/frequencies", h.getTopicFrequencies).Methods(http.MethodGet)
	v1.HandleFunc("/topics/{name:.+}", h.getTopic).Methods(http.MethodGet)
	v1.HandleFunc("/nodes", h.getNodes).Methods(http.MethodGet)
	v1.HandleFunc("/nodes/{name:.+}", h.getNode).Methods(http.MethodGet)
	v1.HandleFunc("/status", h.getStatus).Methods(http.MethodGet)
	v1.HandleFunc("/connections", h.getConnections).Methods(http.MethodGet)
	v1.HandleFunc("/messages/recent", h.getRecentMessages).Methods(http.MethodGet)
	v1.HandleFunc("/topology", h.getTopology).Methods(http.MethodGet)
	v1.HandleFunc("/topology/nodes/{name:.+}", h.getNodeTopology).Methods(http.MethodGet)
	v1.HandleFunc("/topology/connections", h.getTopicConnections).Methods(http.MethodGet)
	v1.HandleFunc("/topology/topics/{name:.+}/connections", h.getTopicConnectionDetails).Methods(http.MethodGet)
	v1.HandleFunc("/plugins", h.getPlugins).Methods(http.MethodGet)
}

// BuiltinPlugins lists the renderers every dashboard ships with.
func BuiltinPlugins() []types.PluginInfo {
	return []types.PluginInfo{
		{
			ID:                    "pointcloud_renderer",
			Name:                  "Point Cloud Renderer",
			Version:               "1.0.0",
			Description:           "Renders point cloud data",
			Author:                "robobridge",
			PluginType:            "renderer",
			Status:                "loaded",
			SupportedMessageTypes: []string{"sensor_msgs/msg/PointCloud2"},
			Config:                map[string]any{},
		},
		{
			ID:                    "laserscan_renderer",
			Name:                  "LaserScan Renderer",
			Version:               "1.0.0",
			Description:           "Renders laser scan data",
			Author:                "robobridge",
			PluginType:            "renderer",
			Status:                "loaded",
			SupportedMessageTypes: []string{"sensor_msgs/msg/LaserScan"},
			Config:                map[string]any{},
		},
	}
}

// busName turns a path variable into a bus name. Clients may send names
// with or without the leading slash.
func busName(r *http.Request) string {
	name := mux.Vars(r)["name"]
	if !strings.HasPrefix(name, "/") {
		name = "/" + name
	}
	return name
}

func (h *Handlers) getTopics(w http.ResponseWriter, r *http.Request) {
	topics, err := h.gateway.Topics(r.Context())
	h.respond(w, r, topics, err)
}

func (h *Handlers) getTopicFrequencies(w http.ResponseWriter, r *http.Request) {
	freqs, err := h.gateway.TopicFrequencies(r.Context())
	h.respond(w, r, freqs, err)
}

func (h *Handlers) getTopic(w http.ResponseWriter, r *http.Request) {
	info, err := h.gateway.TopicInfo(r.Context(), busName(r))
	h.respond(w, r, info, err)
}

func (h *Handlers) getNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.gateway.Nodes(r.Context())
	h.respond(w, r, nodes, err)
}

func (h *Handlers) getNode(w http.ResponseWriter, r *http.Request) {
	info, err := h.gateway.NodeInfo(r.Context(), busName(r))
	h.respond(w, r, info, err)
}

func (h *Handlers) getStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.gateway.SystemStatus(r.Context())
	h.respond(w, r, status, err)
}

func (h *Handlers) getConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := h.gateway.Connections(r.Context())
	h.respond(w, r, conns, err)
}

func (h *Handlers) getRecentMessages(w http.ResponseWriter, r *http.Request) {
	limit := DefaultRecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeDetail(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	msgs, err := h.gateway.RecentMessages(r.Context(), r.URL.Query().Get("topic"), limit)
	h.respond(w, r, msgs, err)
}

func (h *Handlers) getTopology(w http.ResponseWriter, r *http.Request) {
	useCache := true
	if raw := r.URL.Query().Get("use_cache"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeDetail(w, http.StatusBadRequest, "use_cache must be a boolean")
			return
		}
		useCache = v
	}
	snap, err := h.topology.Snapshot(r.Context(), useCache)
	h.respond(w, r, snap, err)
}

func (h *Handlers) getNodeTopology(w http.ResponseWriter, r *http.Request) {
	node, err := h.topology.NodeTopology(r.Context(), busName(r))
	h.respond(w, r, node, err)
}

func (h *Handlers) getTopicConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := h.topology.TopicConnections(r.Context(), r.URL.Query().Get("topic"))
	h.respond(w, r, conns, err)
}

// getTopicConnectionDetails is getTopicConnections for one topic, with 404
// when the topic has no connections.
func (h *Handlers) getTopicConnectionDetails(w http.ResponseWriter, r *http.Request) {
	topic := busName(r)
	conns, err := h.topology.TopicConnections(r.Context(), topic)
	if err == nil && len(conns) == 0 {
		writeDetail(w, http.StatusNotFound, "Topic "+topic+" not found")
		return
	}
	h.respond(w, r, conns, err)
}

func (h *Handlers) getPlugins(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, h.plugins, nil)
}

// respond writes body as JSON, or maps err onto 404 or 500 with a detail body.
func (h *Handlers) respond(w http.ResponseWriter, r *http.Request, body any, err error) {
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) || errors.Is(err, topology.ErrNodeNotFound) {
			writeDetail(w, http.StatusNotFound, err.Error())
			return
		}
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("REST request failed.")
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
