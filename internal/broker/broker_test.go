package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"shop-api/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []int64
	fetchErr  error
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if r.fetchErr != nil {
		err := r.fetchErr
		r.fetchErr = nil
		r.mu.Unlock()
		return kafka.Message{}, err
	}
	if len(r.queue) > 0 {
		msg := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) offsets() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestEventPublisher_KeysByOrderNumber(t *testing.T) {
	w := &fakeWriter{}
	pub := NewEventPublisher(NewProducerWithWriter(w))

	event := &models.OrderCancelledEvent{
		BaseEvent:   models.NewBaseEvent(models.EventTypeOrderCancelled),
		OrderID:     3,
		OrderNumber: "ORD-20240501-ABCDEF12",
		Reason:      "cancelled by user",
	}
	require.NoError(t, pub.PublishOrderCancelled(context.Background(), event))

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "ORD-20240501-ABCDEF12", string(msg.Key))
	assert.Equal(t, models.EventTypeOrderCancelled, header(msg, headerEventType))

	var decoded models.OrderCancelledEvent
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, event.EventID, decoded.EventID)
	assert.Equal(t, "cancelled by user", decoded.Reason)
}

func TestPublishEvent_WriteFailure(t *testing.T) {
	w := &fakeWriter{err: errors.New("leader not available")}
	p := NewProducerWithWriter(w)

	err := p.PublishEvent(context.Background(), "k", models.EventTypeOrderCreated, map[string]string{})
	assert.ErrorContains(t, err, "leader not available")
}

func TestPublishEvent_PropagatesTraceContext(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer otel.SetTextMapPropagator(prev)

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	w := &fakeWriter{}
	require.NoError(t, NewProducerWithWriter(w).PublishEvent(ctx, "k", models.EventTypeOrderCreated, struct{}{}))
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", header(w.msgs[0], "traceparent"))

	extracted := otel.GetTextMapPropagator().Extract(context.Background(), &headerCarrier{headers: w.msgs[0].Headers})
	assert.Equal(t, traceID, trace.SpanContextFromContext(extracted).TraceID())
}

func TestEventHandler_Routes(t *testing.T) {
	h := NewEventHandler()
	var gotStatus *models.OrderStatusChangedEvent
	var seen []string
	h.OnOrderStatusChanged(func(_ context.Context, e *models.OrderStatusChangedEvent) error {
		gotStatus = e
		return nil
	})
	h.OnAny(func(_ context.Context, e *OrderEvent) error {
		seen = append(seen, e.EventType+":"+e.OrderNumber)
		return nil
	})

	status, _ := json.Marshal(&models.OrderStatusChangedEvent{
		BaseEvent:   models.NewBaseEvent(models.EventTypeOrderStatusChanged),
		OrderNumber: "ORD-1",
		From:        models.OrderStatusPending,
		To:          models.OrderStatusProcessing,
	})
	created, _ := json.Marshal(&models.OrderCreatedEvent{
		BaseEvent:   models.NewBaseEvent(models.EventTypeOrderCreated),
		OrderNumber: "ORD-2",
	})
	unknown, _ := json.Marshal(models.NewBaseEvent("inventory.adjusted"))

	require.NoError(t, h.HandleMessage(context.Background(), kafka.Message{Value: status}))
	require.NoError(t, h.HandleMessage(context.Background(), kafka.Message{Value: created}))
	require.NoError(t, h.HandleMessage(context.Background(), kafka.Message{Value: unknown}))

	require.NotNil(t, gotStatus)
	assert.Equal(t, models.OrderStatusProcessing, gotStatus.To)
	assert.Equal(t, []string{"order.status_changed:ORD-1", "order.created:ORD-2"}, seen)

	assert.Error(t, h.HandleMessage(context.Background(), kafka.Message{Value: []byte("{")}))
}

func TestStartConsuming_CommitsOnlyHandledMessages(t *testing.T) {
	r := &fakeReader{
		fetchErr: errors.New("broker unreachable"),
		queue: []kafka.Message{
			{Offset: 1, Value: []byte("ok")},
			{Offset: 2, Value: []byte("bad")},
			{Offset: 3, Value: []byte("ok")},
		},
	}
	c := NewConsumerWithReader(r, "order-events")
	c.backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	handled := make(chan int64, 3)
	done := make(chan error, 1)
	go func() {
		done <- c.StartConsuming(ctx, func(_ context.Context, msg kafka.Message) error {
			handled <- msg.Offset
			if string(msg.Value) == "bad" {
				return errors.New("cannot handle")
			}
			return nil
		})
	}()

	for i := 0; i < 3; i++ {
		select {
		case <-handled:
		case <-time.After(2 * time.Second):
			t.Fatal("consumer did not deliver messages")
		}
	}
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
	assert.Equal(t, []int64{1, 3}, r.offsets())
}
