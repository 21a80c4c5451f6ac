package mqttbus

import (
	"fmt"
	"sync"

	"github.com/illmade-knight/go-robobridge/pkg/middleware"
	"github.com/illmade-knight/go-robobridge/pkg/msgs"
)

type subscription struct {
	bus      *Bus
	topic    string
	typeName string
	qos      middleware.QoSProfile
	cb       middleware.Callback
	once     sync.Once
}

func (s *subscription) Topic() string               { return s.topic }
func (s *subscription) QoS() middleware.QoSProfile { return s.qos }

// Close drops the subscription and unsubscribes from the broker when it was
// the last one on its topic.
func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		if s.bus.removeSub(s) {
			token := s.bus.pahoClient.Unsubscribe(s.bus.dataTopic(s.topic))
			if token.WaitTimeout(s.bus.cfg.ConnectTimeout) && token.Error() != nil {
				err = fmt.Errorf("failed to unsubscribe from %s: %w", s.topic, token.Error())
			}
		}
		s.bus.announce()
	})
	return err
}

type publisher struct {
	bus      *Bus
	topic    string
	typeName string
	qos      middleware.QoSProfile

	mu     sync.Mutex
	closed bool
}

func (p *publisher) Topic() string               { return p.topic }
func (p *publisher) QoS() middleware.QoSProfile { return p.qos }

// Publish sends msg without waiting for the broker. Transient local
// publishers retain their last message on the broker.
func (p *publisher) Publish(msg msgs.Message) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return middleware.ErrClosed
	}
	if msg.TypeName() != p.typeName {
		return fmt.Errorf("%w: publisher for %s carries %s, got %s", middleware.ErrTopicTypeMismatch, p.topic, p.typeName, msg.TypeName())
	}
	payload, err := marshalMessage(p.bus.nodeName, msg)
	if err != nil {
		return err
	}
	retained := p.qos.Durability == middleware.DurabilityTransientLocal
	p.bus.publishAsync(p.bus.dataTopic(p.topic), qosByte(p.qos), retained, payload)
	return nil
}

func (p *publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	p.bus.removePub(p)
	p.bus.announce()
	return nil
}
