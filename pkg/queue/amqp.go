package queue

import (
	"context"

	"github.com/streadway/amqp"

	"github.com/cds-ctf/cds-server/pkg/errs"
)

// AMQP implements Queue on a RabbitMQ-compatible broker. Topics map to
// durable queues on the default exchange; delivery tags give native
// per-message ack/nack with broker redelivery on nack.
type AMQP struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

var _ Queue = (*AMQP)(nil)

func DialAMQP(url string) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errs.Wrap(err, errs.QueueError, "dial broker")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errs.Wrap(err, errs.QueueError, "open channel")
	}
	return &AMQP{conn: conn, ch: ch}, nil
}

func (q *AMQP) declare(topic string) error {
	_, err := q.ch.QueueDeclare(topic, true, false, false, false, nil)
	return errs.Wrap(err, errs.QueueError, "declare queue")
}

func (q *AMQP) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := q.declare(topic); err != nil {
		return err
	}
	err := q.ch.Publish("", topic, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/octet-stream",
		Body:         payload,
	})
	return errs.Wrap(err, errs.QueueError, "publish")
}

func (q *AMQP) Subscribe(ctx context.Context, topic string, handler Handler) error {
	if err := q.declare(topic); err != nil {
		return err
	}
	// One worker channel per subscription so a slow consumer does not
	// hold up publishes.
	ch, err := q.conn.Channel()
	if err != nil {
		return errs.Wrap(err, errs.QueueError, "open consumer channel")
	}
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		return errs.Wrap(err, errs.QueueError, "set qos")
	}
	deliveries, err := ch.Consume(topic, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return errs.Wrap(err, errs.QueueError, "consume")
	}
	go func() {
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				handler(ctx, amqpDelivery{d: d})
			}
		}
	}()
	return nil
}

func (q *AMQP) Close() error {
	q.ch.Close()
	return q.conn.Close()
}

type amqpDelivery struct {
	d amqp.Delivery
}

func (d amqpDelivery) Body() []byte { return d.d.Body }
func (d amqpDelivery) Ack() error   { return d.d.Ack(false) }
func (d amqpDelivery) Nack() error  { return d.d.Nack(false, true) }
