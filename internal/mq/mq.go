package mq

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jjudge-oj/authgate/config"
)

// Message represents a broker-agnostic payload delivered to subscribers.
type Message struct {
	ID         string
	Data       []byte
	Attributes map[string]string
}

// Handler processes a message. A non-nil error asks the backend to
// redeliver it.
type Handler func(ctx context.Context, msg Message) error

// Backend defines the broker-agnostic operations used by the gateway.
type Backend interface {
	Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error)
	Subscribe(ctx context.Context, channel string, handler Handler) error
	Close() error
}

// Open connects the backend selected by cfg.Backend. The "none" backend
// discards publishes and never delivers.
func Open(ctx context.Context, cfg config.MQConfig, logger *slog.Logger) (Backend, error) {
	if logger != nil {
		logger.Info("message queue backend", slog.String("backend", cfg.Backend))
	}
	switch cfg.Backend {
	case "", config.BackendNone:
		return Noop{}, nil
	case config.BackendRabbitMQ:
		broker, err := NewRabbitMQBroker(cfg.RabbitMQ)
		if err != nil {
			return nil, fmt.Errorf("mq: rabbitmq: %w", err)
		}
		return broker, nil
	case config.BackendPubSub:
		broker, err := NewPubSubBroker(ctx, cfg.PubSub)
		if err != nil {
			return nil, fmt.Errorf("mq: pubsub: %w", err)
		}
		return broker, nil
	default:
		return nil, fmt.Errorf("mq: unknown backend %q", cfg.Backend)
	}
}

// Noop is a Backend that drops everything.
type Noop struct{}

func (Noop) Publish(context.Context, string, []byte, map[string]string) (string, error) {
	return "", nil
}

// Subscribe blocks until ctx is done.
func (Noop) Subscribe(ctx context.Context, _ string, _ Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (Noop) Close() error { return nil }
