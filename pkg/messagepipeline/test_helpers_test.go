package messagepipeline_test

import (
	"context"
	"sync"

	"github.com/illmade-knight/go-robobridge/pkg/messagepipeline"
)

// MockMessageConsumer is a mock implementation of the MessageConsumer interface.
type MockMessageConsumer struct {
	msgChan    chan messagepipeline.Message
	doneChan   chan struct{}
	stopOnce   sync.Once
	startErr   error
	mu         sync.Mutex
	startCount int
	stopCount  int
}

// NewMockMessageConsumer creates a new mock consumer with a buffered channel.
func NewMockMessageConsumer(bufferSize int) *MockMessageConsumer {
	return &MockMessageConsumer{
		msgChan:  make(chan messagepipeline.Message, bufferSize),
		doneChan: make(chan struct{}),
	}
}

func (m *MockMessageConsumer) Messages() <-chan messagepipeline.Message {
	return m.msgChan
}

func (m *MockMessageConsumer) Start(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startCount++
	return m.startErr
}

// Stop closes the message channel; buffered messages stay readable.
func (m *MockMessageConsumer) Stop(_ context.Context) error {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.stopCount++
		m.mu.Unlock()
		close(m.msgChan)
		close(m.doneChan)
	})
	return nil
}

func (m *MockMessageConsumer) Done() <-chan struct{} {
	return m.doneChan
}

// Push is a test helper to inject a message into the mock consumer's channel.
func (m *MockMessageConsumer) Push(msg messagepipeline.Message) {
	m.msgChan <- msg
}

func (m *MockMessageConsumer) SetStartError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startErr = err
}

func (m *MockMessageConsumer) GetStartCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startCount
}

func (m *MockMessageConsumer) GetStopCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopCount
}
