package queue

import (
	"context"
	"sync"

	"github.com/cds-ctf/cds-server/pkg/errs"
)

// Memory is a channel-backed Queue for tests and single-node
// deployments. Nacked messages are requeued, so redelivery behaves
// like a broker.
type Memory struct {
	mu     sync.Mutex
	topics map[string]chan []byte
	closed bool
}

var _ Queue = (*Memory)(nil)

const memoryTopicDepth = 1024

func NewMemory() *Memory {
	return &Memory{topics: map[string]chan []byte{}}
}

func (m *Memory) topic(name string) chan []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.topics[name]
	if !ok {
		ch = make(chan []byte, memoryTopicDepth)
		m.topics[name] = ch
	}
	return ch
}

func (m *Memory) Publish(ctx context.Context, topic string, payload []byte) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return errs.New(errs.QueueError, "queue closed")
	}
	select {
	case m.topic(topic) <- payload:
		return nil
	case <-ctx.Done():
		return errs.Wrap(ctx.Err(), errs.QueueError, "publish")
	}
}

func (m *Memory) Subscribe(ctx context.Context, topic string, handler Handler) error {
	ch := m.topic(topic)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case body := <-ch:
				handler(ctx, &memoryDelivery{body: body, requeue: ch})
			}
		}
	}()
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type memoryDelivery struct {
	body    []byte
	requeue chan []byte
	done    sync.Once
}

func (d *memoryDelivery) Body() []byte { return d.body }

func (d *memoryDelivery) Ack() error {
	d.done.Do(func() {})
	return nil
}

func (d *memoryDelivery) Nack() error {
	d.done.Do(func() {
		select {
		case d.requeue <- d.body:
		default:
		}
	})
	return nil
}
