package queue

import (
	"context"
	"sync"

	"github.com/segmentio/kafka-go"

	"github.com/cds-ctf/cds-server/pkg/errs"
)

// Kafka implements Queue on kafka topics. Ack commits the offset;
// a nacked (uncommitted) message is redelivered after the group
// rebalances, which preserves the at-least-once contract.
type Kafka struct {
	brokers []string
	group   string

	mu      sync.Mutex
	writers map[string]*kafka.Writer
	readers []*kafka.Reader
}

var _ Queue = (*Kafka)(nil)

func NewKafka(brokers []string, group string) *Kafka {
	return &Kafka{
		brokers: brokers,
		group:   group,
		writers: map[string]*kafka.Writer{},
	}
}

func (q *Kafka) writer(topic string) *kafka.Writer {
	q.mu.Lock()
	defer q.mu.Unlock()
	w, ok := q.writers[topic]
	if !ok {
		w = &kafka.Writer{
			Addr:     kafka.TCP(q.brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		}
		q.writers[topic] = w
	}
	return w
}

func (q *Kafka) Publish(ctx context.Context, topic string, payload []byte) error {
	err := q.writer(topic).WriteMessages(ctx, kafka.Message{Value: payload})
	return errs.Wrap(err, errs.QueueError, "publish")
}

func (q *Kafka) Subscribe(ctx context.Context, topic string, handler Handler) error {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: q.brokers,
		GroupID: q.group,
		Topic:   topic,
	})
	q.mu.Lock()
	q.readers = append(q.readers, r)
	q.mu.Unlock()

	go func() {
		for {
			msg, err := r.FetchMessage(ctx)
			if err != nil {
				return
			}
			handler(ctx, &kafkaDelivery{ctx: ctx, reader: r, msg: msg})
		}
	}()
	return nil
}

func (q *Kafka) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	var first error
	for _, w := range q.writers {
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	for _, r := range q.readers {
		if err := r.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type kafkaDelivery struct {
	ctx    context.Context
	reader *kafka.Reader
	msg    kafka.Message
}

func (d *kafkaDelivery) Body() []byte { return d.msg.Value }

func (d *kafkaDelivery) Ack() error {
	return d.reader.CommitMessages(d.ctx, d.msg)
}

// Nack leaves the offset uncommitted; the broker redelivers on rebalance.
func (d *kafkaDelivery) Nack() error { return nil }
