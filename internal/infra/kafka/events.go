package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/smplatform/mu-auth/internal/core/domain"
	"github.com/smplatform/mu-auth/internal/core/port"
	"github.com/smplatform/mu-auth/internal/infra/config"
)

const schemaVersion = "1.0"

// EventPublisher implements port.EventPublisher using Kafka.
type EventPublisher struct {
	producer *Producer
	logger   *zap.Logger
	appCfg   config.AppSettings
}

// NewEventPublisher constructs a Kafka-backed event publisher.
func NewEventPublisher(producer *Producer, appCfg config.AppSettings, logger *zap.Logger) *EventPublisher {
	return &EventPublisher{producer: producer, appCfg: appCfg, logger: logger}
}

type eventEnvelope struct {
	EventID   string            `json:"event_id"`
	EventType string            `json:"event_type"`
	UserID    string            `json:"user_id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Version   string            `json:"version"`
	Payload   any               `json:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (p *EventPublisher) publish(ctx context.Context, eventID, eventType, userID string, ts time.Time, payload any) error {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	id := eventID
	if id == "" {
		id = uuid.NewString()
	}

	metadata := map[string]string{
		"service":     p.appCfg.Name,
		"environment": p.appCfg.Env,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		metadata["trace_id"] = sc.TraceID().String()
	}

	envelope := eventEnvelope{
		EventID:   id,
		EventType: eventType,
		UserID:    userID,
		Timestamp: ts.UTC(),
		Version:   schemaVersion,
		Payload:   payload,
		Metadata:  metadata,
	}

	encoded, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}

	p.producer.producer.Input() <- &sarama.ProducerMessage{
		Topic: p.producer.TopicName(eventType),
		Key:   sarama.StringEncoder(userID),
		Value: sarama.ByteEncoder(encoded),
	}

	return nil
}

// PublishLoginSucceeded emits auth.login.succeeded.
func (p *EventPublisher) PublishLoginSucceeded(ctx context.Context, event domain.LoginSucceededEvent) error {
	payload := map[string]any{
		"method":   event.Method,
		"mfa_used": event.MFAUsed,
		"ip":       event.IP,
	}
	return p.publish(ctx, event.EventID, "auth.login.succeeded", event.UserID, event.At, payload)
}

// PublishLoginFailed emits auth.login.failed. The identifier carried in the
// event is already masked by the caller.
func (p *EventPublisher) PublishLoginFailed(ctx context.Context, event domain.LoginFailedEvent) error {
	payload := map[string]any{
		"identifier": event.Identifier,
		"reason":     event.Reason,
		"ip":         event.IP,
	}
	return p.publish(ctx, event.EventID, "auth.login.failed", "", event.At, payload)
}

// PublishMFAMethodChanged emits auth.mfa.method_changed.
func (p *EventPublisher) PublishMFAMethodChanged(ctx context.Context, event domain.MFAMethodChangedEvent) error {
	payload := map[string]any{
		"method_id":   event.MethodID,
		"method_type": string(event.MethodType),
		"change":      event.Change,
	}
	return p.publish(ctx, event.EventID, "auth.mfa.method_changed", event.UserID, event.At, payload)
}

// PublishMagicLinkIssued emits auth.magic_link.issued.
func (p *EventPublisher) PublishMagicLinkIssued(ctx context.Context, event domain.MagicLinkIssuedEvent) error {
	payload := map[string]any{
		"link_id":      event.LinkID,
		"masked_email": event.MaskedEmail,
		"action":       string(event.Action),
		"expires_at":   event.ExpiresAt,
	}
	return p.publish(ctx, event.EventID, "auth.magic_link.issued", "", event.At, payload)
}

// PublishAccountLinked emits auth.oauth.account_linked.
func (p *EventPublisher) PublishAccountLinked(ctx context.Context, event domain.AccountLinkedEvent) error {
	payload := map[string]any{
		"provider": string(event.Provider),
		"linked":   event.Linked,
	}
	return p.publish(ctx, event.EventID, "auth.oauth.account_linked", event.UserID, event.At, payload)
}

var _ port.EventPublisher = (*EventPublisher)(nil)

// StubPublisher logs events instead of sending them to Kafka. Used in
// development environments without a broker.
type StubPublisher struct {
	logger *zap.Logger
}

// NewStubPublisher constructs a development-friendly event publisher.
func NewStubPublisher(logger *zap.Logger) *StubPublisher {
	return &StubPublisher{logger: logger}
}

func (p *StubPublisher) logEvent(eventType, userID string, payload any) {
	p.logger.Info("stub event published",
		zap.String("event_type", eventType),
		zap.String("user_id", userID),
		zap.Any("payload", payload),
	)
}

func (p *StubPublisher) PublishLoginSucceeded(_ context.Context, event domain.LoginSucceededEvent) error {
	p.logEvent("auth.login.succeeded", event.UserID, map[string]any{"method": event.Method})
	return nil
}

func (p *StubPublisher) PublishLoginFailed(_ context.Context, event domain.LoginFailedEvent) error {
	p.logEvent("auth.login.failed", "", map[string]any{"reason": event.Reason})
	return nil
}

func (p *StubPublisher) PublishMFAMethodChanged(_ context.Context, event domain.MFAMethodChangedEvent) error {
	p.logEvent("auth.mfa.method_changed", event.UserID, map[string]any{"change": event.Change})
	return nil
}

func (p *StubPublisher) PublishMagicLinkIssued(_ context.Context, event domain.MagicLinkIssuedEvent) error {
	p.logEvent("auth.magic_link.issued", "", map[string]any{"link_id": event.LinkID})
	return nil
}

func (p *StubPublisher) PublishAccountLinked(_ context.Context, event domain.AccountLinkedEvent) error {
	p.logEvent("auth.oauth.account_linked", event.UserID, map[string]any{"provider": string(event.Provider)})
	return nil
}

var _ port.EventPublisher = (*StubPublisher)(nil)
