package middleware

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/illmade-knight/go-robobridge/pkg/msgs"
)

type memEndpoint struct {
	topic     string
	typeName  string
	qos       QoSProfile
	publisher bool
}

type memNode struct {
	endpoints []memEndpoint
	services  map[string]string
	params    []string
}

type delivery struct {
	sub *memSubscription
	msg msgs.Message
}

// MemoryBus is an in-process bus. Simulated nodes are declared with AddNode,
// AddPublisher, AddSubscriber and AddService, traffic is injected with
// Inject, and callbacks run when SpinOnce is called.
type MemoryBus struct {
	nodeName string

	mu            sync.Mutex
	nodes         map[string]*memNode
	topicTypes    map[string]string
	subs          map[string][]*memSubscription
	latched       map[string]msgs.Message
	pending       []delivery
	failDiscovery map[string]error
	closed        bool

	notify chan struct{}
}

// NewMemoryBus creates a bus in which the gateway appears as nodeName.
func NewMemoryBus(nodeName string) *MemoryBus {
	b := &MemoryBus{
		nodeName:      nodeName,
		nodes:         make(map[string]*memNode),
		topicTypes:    make(map[string]string),
		subs:          make(map[string][]*memSubscription),
		latched:       make(map[string]msgs.Message),
		failDiscovery: make(map[string]error),
		notify:        make(chan struct{}, 1),
	}
	b.nodes[nodeName] = newMemNode()
	return b
}

func newMemNode() *memNode {
	return &memNode{services: make(map[string]string)}
}

func (b *MemoryBus) NodeName() string { return b.nodeName }

// AddNode declares a node with no endpoints.
func (b *MemoryBus) AddNode(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nodeLocked(name)
}

// RemoveNode drops a simulated node and all of its endpoints.
func (b *MemoryBus) RemoveNode(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if name != b.nodeName {
		delete(b.nodes, name)
	}
}

// AddPublisher declares that node publishes topic.
func (b *MemoryBus) AddPublisher(node, topic, typeName string, qos QoSProfile) error {
	return b.addEndpoint(node, memEndpoint{topic: topic, typeName: typeName, qos: qos, publisher: true})
}

// AddSubscriber declares that node subscribes to topic.
func (b *MemoryBus) AddSubscriber(node, topic, typeName string, qos QoSProfile) error {
	return b.addEndpoint(node, memEndpoint{topic: topic, typeName: typeName, qos: qos})
}

// AddService declares a service offered by node.
func (b *MemoryBus) AddService(node, service, typeName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nodeLocked(node).services[service] = typeName
}

// SetParameters replaces the parameter names declared by node.
func (b *MemoryBus) SetParameters(node string, names ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nodeLocked(node).params = append([]string(nil), names...)
}

// FailDiscovery makes endpoint queries for topic return err. A nil err clears it.
func (b *MemoryBus) FailDiscovery(topic string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failDiscovery, topic)
		return
	}
	b.failDiscovery[topic] = err
}

// Inject delivers msg on topic as if an external node had published it.
func (b *MemoryBus) Inject(topic string, msg msgs.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if err := b.checkTypeLocked(topic, msg.TypeName()); err != nil {
		return err
	}
	b.deliverLocked(topic, msg)
	return nil
}

func (b *MemoryBus) nodeLocked(name string) *memNode {
	n, ok := b.nodes[name]
	if !ok {
		n = newMemNode()
		b.nodes[name] = n
	}
	return n
}

func (b *MemoryBus) addEndpoint(node string, ep memEndpoint) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkTypeLocked(ep.topic, ep.typeName); err != nil {
		return err
	}
	b.topicTypes[ep.topic] = ep.typeName
	n := b.nodeLocked(node)
	n.endpoints = append(n.endpoints, ep)
	return nil
}

func (b *MemoryBus) removeEndpoint(node string, ep memEndpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, ok := b.nodes[node]
	if !ok {
		return
	}
	for i, existing := range n.endpoints {
		if existing == ep {
			n.endpoints = append(n.endpoints[:i], n.endpoints[i+1:]...)
			return
		}
	}
}

func (b *MemoryBus) checkTypeLocked(topic, typeName string) error {
	if existing, ok := b.topicTypes[topic]; ok && existing != typeName && b.topicInUseLocked(topic) {
		return fmt.Errorf("%w: %s is %s, not %s", ErrTopicTypeMismatch, topic, existing, typeName)
	}
	return nil
}

func (b *MemoryBus) topicInUseLocked(topic string) bool {
	for _, n := range b.nodes {
		for _, ep := range n.endpoints {
			if ep.topic == topic {
				return true
			}
		}
	}
	return false
}

func (b *MemoryBus) deliverLocked(topic string, msg msgs.Message) {
	for _, sub := range b.subs[topic] {
		b.pending = append(b.pending, delivery{sub: sub, msg: msg})
	}
	b.signalLocked()
}

func (b *MemoryBus) signalLocked() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *MemoryBus) TopicNamesAndTypes(_ context.Context) ([]NamesAndTypes, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []NamesAndTypes
	for topic, typeName := range b.topicTypes {
		if b.topicInUseLocked(topic) {
			out = append(out, NamesAndTypes{Name: topic, Types: []string{typeName}})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (b *MemoryBus) NodeNames(_ context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.nodes))
	for name := range b.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (b *MemoryBus) ServiceNamesAndTypes(_ context.Context) ([]NamesAndTypes, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []NamesAndTypes
	for _, n := range b.nodes {
		for service, typeName := range n.services {
			out = append(out, NamesAndTypes{Name: service, Types: []string{typeName}})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (b *MemoryBus) PublishersInfoByTopic(_ context.Context, topic string) ([]EndpointInfo, error) {
	return b.endpointsByTopic(topic, true)
}

func (b *MemoryBus) SubscriptionsInfoByTopic(_ context.Context, topic string) ([]EndpointInfo, error) {
	return b.endpointsByTopic(topic, false)
}

func (b *MemoryBus) endpointsByTopic(topic string, publishers bool) ([]EndpointInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err, ok := b.failDiscovery[topic]; ok {
		return nil, err
	}
	var out []EndpointInfo
	for name, n := range b.nodes {
		for _, ep := range n.endpoints {
			if ep.topic == topic && ep.publisher == publishers {
				out = append(out, EndpointInfo{NodeName: name, NodeNamespace: "/", TopicType: ep.typeName, QoS: ep.qos})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeName < out[j].NodeName })
	return out, nil
}

func (b *MemoryBus) ParameterNames(_ context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for name, n := range b.nodes {
		for _, p := range n.params {
			out = append(out, name+":"+p)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (b *MemoryBus) Subscribe(topic, typeName string, qos QoSProfile, cb Callback) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if err := b.checkTypeLocked(topic, typeName); err != nil {
		return nil, err
	}
	ep := memEndpoint{topic: topic, typeName: typeName, qos: qos}
	b.topicTypes[topic] = typeName
	n := b.nodeLocked(b.nodeName)
	n.endpoints = append(n.endpoints, ep)

	sub := &memSubscription{bus: b, ep: ep, cb: cb}
	b.subs[topic] = append(b.subs[topic], sub)
	if last, ok := b.latched[topic]; ok && qos.Durability == DurabilityTransientLocal {
		b.pending = append(b.pending, delivery{sub: sub, msg: last})
		b.signalLocked()
	}
	return sub, nil
}

func (b *MemoryBus) CreatePublisher(topic, typeName string, qos QoSProfile) (Publisher, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if err := b.checkTypeLocked(topic, typeName); err != nil {
		return nil, err
	}
	ep := memEndpoint{topic: topic, typeName: typeName, qos: qos, publisher: true}
	b.topicTypes[topic] = typeName
	n := b.nodeLocked(b.nodeName)
	n.endpoints = append(n.endpoints, ep)
	return &memPublisher{bus: b, ep: ep}, nil
}

func (b *MemoryBus) SpinOnce(ctx context.Context, timeout time.Duration) error {
	batch := b.takePending()
	if len(batch) == 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-b.notify:
			batch = b.takePending()
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, d := range batch {
		d.sub.deliver(d.msg)
	}
	return nil
}

func (b *MemoryBus) takePending() []delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	batch := b.pending
	b.pending = nil
	return batch
}

// Close drops all endpoints owned by the gateway node and refuses further use.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.nodes[b.nodeName] = newMemNode()
	b.subs = make(map[string][]*memSubscription)
	b.pending = nil
	return nil
}

type memSubscription struct {
	bus *MemoryBus
	ep  memEndpoint
	cb  Callback

	mu     sync.Mutex
	closed bool
}

func (s *memSubscription) Topic() string   { return s.ep.topic }
func (s *memSubscription) QoS() QoSProfile { return s.ep.qos }

func (s *memSubscription) deliver(msg msgs.Message) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if !closed {
		s.cb(msg)
	}
}

func (s *memSubscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	b := s.bus
	b.removeEndpoint(b.nodeName, s.ep)
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[s.ep.topic]
	for i, existing := range subs {
		if existing == s {
			b.subs[s.ep.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

type memPublisher struct {
	bus *MemoryBus
	ep  memEndpoint

	mu     sync.Mutex
	closed bool
}

func (p *memPublisher) Topic() string   { return p.ep.topic }
func (p *memPublisher) QoS() QoSProfile { return p.ep.qos }

func (p *memPublisher) Publish(msg msgs.Message) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if msg.TypeName() != p.ep.typeName {
		return fmt.Errorf("%w: publisher for %s carries %s, got %s", ErrTopicTypeMismatch, p.ep.topic, p.ep.typeName, msg.TypeName())
	}

	b := p.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if p.ep.qos.Durability == DurabilityTransientLocal {
		b.latched[p.ep.topic] = msg
	}
	b.deliverLocked(p.ep.topic, msg)
	return nil
}

func (p *memPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.bus.removeEndpoint(p.bus.nodeName, p.ep)
	return nil
}
