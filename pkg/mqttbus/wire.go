package mqttbus

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/illmade-knight/go-robobridge/pkg/middleware"
	"github.com/illmade-knight/go-robobridge/pkg/msgs"
)

// dataFrame is the MQTT payload for one bus message.
type dataFrame struct {
	Type string          `json:"type"`
	Node string          `json:"node"`
	Msg  json.RawMessage `json:"msg"`
}

type endpointAnnouncement struct {
	Topic string                `json:"topic"`
	Type  string                `json:"type"`
	QoS   middleware.QoSProfile `json:"qos"`
}

type serviceAnnouncement struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// announcement is a node's retained description of its endpoints.
type announcement struct {
	Node        string                 `json:"node"`
	Publishers  []endpointAnnouncement `json:"publishers"`
	Subscribers []endpointAnnouncement `json:"subscribers"`
	Services    []serviceAnnouncement  `json:"services"`
	Parameters  []string               `json:"parameters"`
}

func marshalMessage(node string, msg msgs.Message) ([]byte, error) {
	var (
		body []byte
		err  error
	)
	if g, ok := msg.(*msgs.Generic); ok {
		body, err = json.Marshal(g.Fields)
	} else {
		body, err = json.Marshal(msg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", msg.TypeName(), err)
	}
	return json.Marshal(dataFrame{Type: msg.TypeName(), Node: node, Msg: body})
}

func unmarshalMessage(registry *msgs.Registry, payload []byte) (*dataFrame, msgs.Message, error) {
	var frame dataFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return nil, nil, fmt.Errorf("invalid frame: %w", err)
	}
	msg, err := registry.New(frame.Type)
	if err != nil {
		return nil, nil, err
	}
	target := any(msg)
	if g, ok := msg.(*msgs.Generic); ok {
		target = &g.Fields
	}
	if len(frame.Msg) > 0 {
		if err := json.Unmarshal(frame.Msg, target); err != nil {
			return nil, nil, fmt.Errorf("invalid %s body: %w", frame.Type, err)
		}
	}
	return &frame, msg, nil
}

// qosByte maps bus reliability onto MQTT QoS levels.
func qosByte(p middleware.QoSProfile) byte {
	if p.Reliability == middleware.ReliabilityBestEffort {
		return 0
	}
	return 1
}

func levelFor(name string) string {
	name = strings.TrimPrefix(name, "/")
	if name == "" {
		return "_"
	}
	return name
}
