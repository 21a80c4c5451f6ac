package mqttbus_test

import (
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// --- Mocks for Paho MQTT Client ---
type mockToken struct{ err error }

func (m *mockToken) Wait() bool                       { return true }
func (m *mockToken) WaitTimeout(_ time.Duration) bool { return true }
func (m *mockToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (m *mockToken) Error() error { return m.err }

type mockMqttMessage struct {
	topic   string
	payload []byte
}

func (m *mockMqttMessage) Topic() string     { return m.topic }
func (m *mockMqttMessage) Payload() []byte   { return m.payload }
func (m *mockMqttMessage) MessageID() uint16 { return 1 }
func (m *mockMqttMessage) Duplicate() bool   { return false }
func (m *mockMqttMessage) Qos() byte         { return 1 }
func (m *mockMqttMessage) Retained() bool    { return false }
func (m *mockMqttMessage) Ack()              {}

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type mockMqttClient struct {
	mu               sync.Mutex
	isConnected      bool
	disconnectCalled bool
	subscribeErr     error
	handlers         map[string]mqtt.MessageHandler
	unsubscribed     []string
	published        []published
}

func newMockClient() *mockMqttClient {
	return &mockMqttClient{handlers: make(map[string]mqtt.MessageHandler)}
}

func (m *mockMqttClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isConnected
}
func (m *mockMqttClient) IsConnectionOpen() bool { return m.IsConnected() }
func (m *mockMqttClient) Connect() mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.isConnected = true
	return &mockToken{}
}
func (m *mockMqttClient) Disconnect(_ uint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.isConnected = false
	m.disconnectCalled = true
}
func (m *mockMqttClient) Subscribe(topic string, _ byte, callback mqtt.MessageHandler) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribeErr != nil {
		return &mockToken{err: m.subscribeErr}
	}
	m.handlers[topic] = callback
	return &mockToken{}
}
func (m *mockMqttClient) Unsubscribe(topics ...string) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range topics {
		delete(m.handlers, t)
		m.unsubscribed = append(m.unsubscribed, t)
	}
	return &mockToken{}
}
func (m *mockMqttClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, _ := payload.([]byte)
	m.published = append(m.published, published{topic: topic, qos: qos, retained: retained, payload: b})
	return &mockToken{}
}

// Add stubs for unused methods to satisfy the interface
func (m *mockMqttClient) SubscribeMultiple(_ map[string]byte, _ mqtt.MessageHandler) mqtt.Token {
	return &mockToken{}
}
func (m *mockMqttClient) AddRoute(_ string, _ mqtt.MessageHandler) {}
func (m *mockMqttClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

func (m *mockMqttClient) handler(topic string) mqtt.MessageHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handlers[topic]
}

// deliver simulates the broker pushing a message to a subscribed filter.
func (m *mockMqttClient) deliver(filter, topic string, payload []byte) {
	if h := m.handler(filter); h != nil {
		h(m, &mockMqttMessage{topic: topic, payload: payload})
	}
}

func (m *mockMqttClient) publishedTo(topic string) []published {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []published
	for _, p := range m.published {
		if p.topic == topic {
			out = append(out, p)
		}
	}
	return out
}
