package kafka

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/IBM/sarama"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap/zaptest"

	"github.com/smplatform/mu-auth/internal/core/domain"
	"github.com/smplatform/mu-auth/internal/infra/config"
)

type fakeAsyncProducer struct {
	input  chan *sarama.ProducerMessage
	errors chan *sarama.ProducerError
}

func newFakeAsyncProducer() *fakeAsyncProducer {
	return &fakeAsyncProducer{
		input:  make(chan *sarama.ProducerMessage, 1),
		errors: make(chan *sarama.ProducerError, 1),
	}
}

func (f *fakeAsyncProducer) AsyncClose() {}

func (f *fakeAsyncProducer) Close() error { return nil }

func (f *fakeAsyncProducer) Input() chan<- *sarama.ProducerMessage { return f.input }

func (f *fakeAsyncProducer) Successes() <-chan *sarama.ProducerMessage { return nil }

func (f *fakeAsyncProducer) Errors() <-chan *sarama.ProducerError { return f.errors }

func (f *fakeAsyncProducer) IsTransactional() bool { return false }

func (f *fakeAsyncProducer) BeginTxn() error { return nil }

func (f *fakeAsyncProducer) CommitTxn() error { return nil }

func (f *fakeAsyncProducer) AbortTxn() error { return nil }

func (f *fakeAsyncProducer) AddOffsetsToTxn(offsets map[string][]*sarama.PartitionOffsetMetadata, groupID string) error {
	return nil
}

func (f *fakeAsyncProducer) AddMessageToTxn(msg *sarama.ConsumerMessage, groupID string, metadata *string) error {
	return nil
}

func (f *fakeAsyncProducer) TxnStatus() sarama.ProducerTxnStatusFlag {
	return sarama.ProducerTxnStatusFlag(0)
}

func newTestPublisher(t *testing.T) (*EventPublisher, *fakeAsyncProducer) {
	t.Helper()

	asyncProducer := newFakeAsyncProducer()
	producer := &Producer{
		producer: asyncProducer,
		logger:   zaptest.NewLogger(t),
		cfg:      config.KafkaSettings{TopicPrefix: "mu-auth"},
		errChan:  make(chan error, 1),
		done:     make(chan struct{}),
	}

	publisher := NewEventPublisher(producer, config.AppSettings{
		Name: "mu-auth",
		Env:  "test",
	}, zaptest.NewLogger(t))

	return publisher, asyncProducer
}

func receiveEnvelope(t *testing.T, asyncProducer *fakeAsyncProducer, wantTopic string) map[string]any {
	t.Helper()

	select {
	case msg := <-asyncProducer.input:
		if msg.Topic != wantTopic {
			t.Fatalf("unexpected topic: %s", msg.Topic)
		}
		bytes, err := msg.Value.Encode()
		if err != nil {
			t.Fatalf("Value.Encode returned error: %v", err)
		}
		var envelope map[string]any
		if err := json.Unmarshal(bytes, &envelope); err != nil {
			t.Fatalf("failed to unmarshal envelope: %v", err)
		}
		return envelope
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message on async producer input channel")
		return nil
	}
}

func TestPublishLoginSucceeded(t *testing.T) {
	publisher, asyncProducer := newTestPublisher(t)

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	event := domain.LoginSucceededEvent{
		EventID: "event-123",
		UserID:  "user-1",
		Method:  "password",
		MFAUsed: true,
		IP:      "203.0.113.7",
		At:      at,
	}

	if err := publisher.PublishLoginSucceeded(context.Background(), event); err != nil {
		t.Fatalf("PublishLoginSucceeded returned error: %v", err)
	}

	envelope := receiveEnvelope(t, asyncProducer, "mu-auth.auth.login.succeeded")

	if got := envelope["event_type"]; got != "auth.login.succeeded" {
		t.Fatalf("unexpected event_type: %v", got)
	}
	if got := envelope["user_id"]; got != event.UserID {
		t.Fatalf("unexpected user_id: %v", got)
	}

	payload, ok := envelope["payload"].(map[string]any)
	if !ok {
		t.Fatalf("payload not a map: %T", envelope["payload"])
	}
	if got := payload["method"]; got != event.Method {
		t.Fatalf("unexpected method: %v", got)
	}
	if got, _ := payload["mfa_used"].(bool); !got {
		t.Fatal("expected mfa_used true")
	}

	metadata, ok := envelope["metadata"].(map[string]any)
	if !ok {
		t.Fatalf("envelope metadata not a map: %T", envelope["metadata"])
	}
	if metadata["service"] != "mu-auth" || metadata["environment"] != "test" {
		t.Fatalf("unexpected envelope metadata: %v", metadata)
	}
	if _, present := metadata["trace_id"]; present {
		t.Fatal("trace_id must be absent without an active span")
	}
}

func TestPublishCarriesTraceID(t *testing.T) {
	publisher, asyncProducer := newTestPublisher(t)

	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ctx, span := tp.Tracer("test").Start(context.Background(), "login")
	defer span.End()

	event := domain.LoginSucceededEvent{
		EventID: "event-456",
		UserID:  "user-2",
		Method:  "magic_link",
		At:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := publisher.PublishLoginSucceeded(ctx, event); err != nil {
		t.Fatalf("PublishLoginSucceeded returned error: %v", err)
	}

	envelope := receiveEnvelope(t, asyncProducer, "mu-auth.auth.login.succeeded")
	metadata, ok := envelope["metadata"].(map[string]any)
	if !ok {
		t.Fatalf("envelope metadata not a map: %T", envelope["metadata"])
	}

	traceID, ok := metadata["trace_id"].(string)
	if !ok || traceID == "" {
		t.Fatalf("expected trace_id in envelope metadata, got %v", metadata)
	}
	if traceID != span.SpanContext().TraceID().String() {
		t.Fatalf("trace_id %s does not match span %s", traceID, span.SpanContext().TraceID())
	}
}
