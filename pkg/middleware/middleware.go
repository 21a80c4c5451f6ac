// Package middleware defines the boundary between the gateway and the robot
// pub/sub bus: discovery, subscribe, publish, and single-iteration polling.
package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/illmade-knight/go-robobridge/pkg/msgs"
)

var (
	// ErrClosed is returned by operations on a closed bus or handle.
	ErrClosed = errors.New("bus is closed")
	// ErrTopicTypeMismatch is returned when a topic is used with a type other than its established one.
	ErrTopicTypeMismatch = errors.New("topic type mismatch")
)

type Reliability int

const (
	ReliabilitySystemDefault Reliability = iota
	ReliabilityReliable
	ReliabilityBestEffort
)

type Durability int

const (
	DurabilitySystemDefault Durability = iota
	DurabilityTransientLocal
	DurabilityVolatile
)

// History is kept as a raw value so that vendor specific policies reported
// by discovery survive untouched.
type History int

const (
	HistorySystemDefault History = iota
	HistoryKeepLast
	HistoryKeepAll
)

// IsStandard reports whether h is one of the policies the gateway knows.
func (h History) IsStandard() bool {
	return h == HistorySystemDefault || h == HistoryKeepLast || h == HistoryKeepAll
}

func (r Reliability) String() string {
	switch r {
	case ReliabilityReliable:
		return "reliable"
	case ReliabilityBestEffort:
		return "best_effort"
	}
	return "system_default"
}

func (d Durability) String() string {
	switch d {
	case DurabilityTransientLocal:
		return "transient_local"
	case DurabilityVolatile:
		return "volatile"
	}
	return "system_default"
}

func (h History) String() string {
	switch h {
	case HistorySystemDefault:
		return "system_default"
	case HistoryKeepLast:
		return "keep_last"
	case HistoryKeepAll:
		return "keep_all"
	}
	return "unknown"
}

// QoSProfile is the set of delivery policies attached to an endpoint.
type QoSProfile struct {
	Reliability Reliability `json:"reliability"`
	Durability  Durability  `json:"durability"`
	History     History     `json:"history"`
	Depth       int         `json:"depth"`
}

// EndpointInfo describes one publisher or subscriber found by discovery.
type EndpointInfo struct {
	NodeName      string     `json:"node_name"`
	NodeNamespace string     `json:"node_namespace"`
	TopicType     string     `json:"topic_type"`
	QoS           QoSProfile `json:"qos"`
}

// NamesAndTypes pairs a topic or service name with its type names.
type NamesAndTypes struct {
	Name  string   `json:"name"`
	Types []string `json:"types"`
}

// FirstType returns the first type or "unknown".
func (n NamesAndTypes) FirstType() string {
	if len(n.Types) == 0 {
		return "unknown"
	}
	return n.Types[0]
}

// Callback receives messages for a subscription. It is only invoked from
// within SpinOnce, on the goroutine that called it.
type Callback func(msg msgs.Message)

type Subscription interface {
	Topic() string
	QoS() QoSProfile
	Close() error
}

type Publisher interface {
	Topic() string
	QoS() QoSProfile
	Publish(msg msgs.Message) error
	Close() error
}

// Bus is everything the gateway needs from the middleware. Implementations
// must be safe for concurrent use.
type Bus interface {
	// NodeName is the name the gateway itself appears under in discovery.
	NodeName() string
	TopicNamesAndTypes(ctx context.Context) ([]NamesAndTypes, error)
	NodeNames(ctx context.Context) ([]string, error)
	ServiceNamesAndTypes(ctx context.Context) ([]NamesAndTypes, error)
	PublishersInfoByTopic(ctx context.Context, topic string) ([]EndpointInfo, error)
	SubscriptionsInfoByTopic(ctx context.Context, topic string) ([]EndpointInfo, error)
	ParameterNames(ctx context.Context) ([]string, error)
	Subscribe(topic, typeName string, qos QoSProfile, cb Callback) (Subscription, error)
	CreatePublisher(topic, typeName string, qos QoSProfile) (Publisher, error)
	// SpinOnce runs pending callbacks, waiting at most timeout for one to arrive.
	SpinOnce(ctx context.Context, timeout time.Duration) error
	Close() error
}
