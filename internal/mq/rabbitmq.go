package mq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jjudge-oj/authgate/config"
	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQBroker routes every channel to the queue of the same name through
// the default exchange. Publishing and consuming use separate AMQP channels
// so a consumer's prefetch window never blocks event publishing.
type RabbitMQBroker struct {
	conn      *amqp.Connection
	publisher *amqp.Channel
	durable   bool
	autoDel   bool
	prefetch  int

	mu       sync.Mutex
	declared map[string]bool
}

func NewRabbitMQBroker(cfg config.RabbitMQConfig) (*RabbitMQBroker, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("rabbitmq url is required")
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, err
	}
	publisher, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	return &RabbitMQBroker{
		conn:      conn,
		publisher: publisher,
		durable:   cfg.QueueDurable,
		autoDel:   cfg.QueueAutoDelete,
		prefetch:  cfg.PrefetchCount,
		declared:  map[string]bool{},
	}, nil
}

// Publish returns the generated message id.
func (r *RabbitMQBroker) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	if strings.TrimSpace(channel) == "" {
		return "", errors.New("rabbitmq channel is required")
	}

	r.mu.Lock()
	if !r.declared[channel] {
		if err := r.declare(r.publisher, channel); err != nil {
			r.mu.Unlock()
			return "", err
		}
		r.declared[channel] = true
	}
	r.mu.Unlock()

	headers := make(amqp.Table, len(attrs))
	for k, v := range attrs {
		headers[k] = v
	}
	mode := amqp.Transient
	if r.durable {
		mode = amqp.Persistent
	}

	id := uuid.NewString()
	err := r.publisher.PublishWithContext(ctx, "", channel, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: mode,
		MessageId:    id,
		Headers:      headers,
		Body:         data,
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Subscribe consumes the queue until ctx is done or the broker drops the
// consumer. A message whose handler fails is requeued once; a second
// failure discards it so a poison message cannot spin the consumer.
func (r *RabbitMQBroker) Subscribe(ctx context.Context, channel string, handler Handler) error {
	if strings.TrimSpace(channel) == "" {
		return errors.New("rabbitmq channel is required")
	}

	ch, err := r.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if r.prefetch > 0 {
		if err := ch.Qos(r.prefetch, 0, false); err != nil {
			return err
		}
	}
	if err := r.declare(ch, channel); err != nil {
		return err
	}

	tag := "authgate-" + uuid.NewString()
	deliveries, err := ch.ConsumeWithContext(ctx, channel, tag, false, false, false, false, nil)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("rabbitmq delivery channel closed")
			}
			msg := Message{ID: d.MessageId, Data: d.Body, Attributes: attributesFromHeaders(d.Headers)}
			if err := handler(ctx, msg); err != nil {
				_ = d.Nack(false, !d.Redelivered)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func (r *RabbitMQBroker) Close() error {
	_ = r.publisher.Close()
	return r.conn.Close()
}

func (r *RabbitMQBroker) declare(ch *amqp.Channel, queue string) error {
	_, err := ch.QueueDeclare(queue, r.durable, r.autoDel, false, false, nil)
	return err
}

func attributesFromHeaders(headers amqp.Table) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	attrs := make(map[string]string, len(headers))
	for k, v := range headers {
		switch v := v.(type) {
		case string:
			attrs[k] = v
		case []byte:
			attrs[k] = string(v)
		default:
			attrs[k] = fmt.Sprint(v)
		}
	}
	return attrs
}
