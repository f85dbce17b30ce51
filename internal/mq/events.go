package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// User lifecycle event types.
const (
	EventUserRegistered     = "user.registered"
	EventUserUpdated        = "user.updated"
	EventUserDeleted        = "user.deleted"
	EventUserEmailActivated = "user.email_activated"
)

// UserEvent is the JSON body published for every mirror change.
type UserEvent struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	UserID     string    `json:"user_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Fields     []string  `json:"fields,omitempty"`
}

// Publisher encodes user events and publishes them on a single channel.
type Publisher struct {
	backend Backend
	channel string
	logger  *slog.Logger
	now     func() time.Time
}

func NewPublisher(backend Backend, channel string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{backend: backend, channel: channel, logger: logger, now: time.Now}
}

// PublishUserEvent publishes an event of the given type for userID. fields
// carries the names of changed attributes, never their values.
func (p *Publisher) PublishUserEvent(ctx context.Context, eventType, userID string, fields ...string) error {
	event := UserEvent{
		ID:         uuid.NewString(),
		Type:       eventType,
		UserID:     userID,
		OccurredAt: p.now().UTC(),
		Fields:     fields,
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("mq: encode %s: %w", eventType, err)
	}
	msgID, err := p.backend.Publish(ctx, p.channel, data, map[string]string{
		"type":     eventType,
		"event_id": event.ID,
	})
	if err != nil {
		return fmt.Errorf("mq: publish %s: %w", eventType, err)
	}
	p.logger.Debug("user event published",
		slog.String("type", eventType),
		slog.String("user_id", userID),
		slog.String("message_id", msgID),
	)
	return nil
}

// EmailActivator marks a user's email as verified.
type EmailActivator interface {
	ActivateEmail(ctx context.Context, id string) error
}

// EmailVerified is the payload expected on the email-verified channel. The
// user id may carry the provider prefix.
type EmailVerified struct {
	UserID string `json:"user_id"`
}

// EmailVerifiedConsumer applies provider email-verification notifications to
// the mirror.
type EmailVerifiedConsumer struct {
	backend   Backend
	channel   string
	prefix    string
	activator EmailActivator
	logger    *slog.Logger
}

func NewEmailVerifiedConsumer(backend Backend, channel, subjectPrefix string, activator EmailActivator, logger *slog.Logger) *EmailVerifiedConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &EmailVerifiedConsumer{
		backend:   backend,
		channel:   channel,
		prefix:    subjectPrefix,
		activator: activator,
		logger:    logger,
	}
}

// Run consumes until ctx is cancelled.
func (c *EmailVerifiedConsumer) Run(ctx context.Context) error {
	c.logger.Info("email verification consumer started", slog.String("channel", c.channel))
	err := c.backend.Subscribe(ctx, c.channel, c.Handle)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Handle processes one delivery. Malformed payloads are dropped; a failed
// activation is returned so the broker redelivers it.
func (c *EmailVerifiedConsumer) Handle(ctx context.Context, msg Message) error {
	var payload EmailVerified
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		c.logger.Warn("dropping malformed email verification",
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	id := strings.TrimPrefix(strings.TrimSpace(payload.UserID), c.prefix)
	if id == "" {
		c.logger.Warn("dropping email verification without user id", slog.String("message_id", msg.ID))
		return nil
	}

	if err := c.activator.ActivateEmail(ctx, id); err != nil {
		c.logger.Error("email activation failed",
			slog.String("user_id", id),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}
