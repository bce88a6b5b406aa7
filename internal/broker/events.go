package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"shop-api/internal/models"
	"shop-api/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishOrderCreated publishes OrderCreated event
func (ep *EventPublisher) PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error {
	return ep.producer.PublishEvent(ctx, event.OrderNumber, event.EventType, event)
}

// PublishOrderCancelled publishes OrderCancelled event
func (ep *EventPublisher) PublishOrderCancelled(ctx context.Context, event *models.OrderCancelledEvent) error {
	return ep.producer.PublishEvent(ctx, event.OrderNumber, event.EventType, event)
}

// PublishOrderStatusChanged publishes OrderStatusChanged event
func (ep *EventPublisher) PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error {
	return ep.producer.PublishEvent(ctx, event.OrderNumber, event.EventType, event)
}

// PublishPaymentStatusChanged publishes PaymentStatusChanged event
func (ep *EventPublisher) PublishPaymentStatusChanged(ctx context.Context, event *models.PaymentStatusChangedEvent) error {
	return ep.producer.PublishEvent(ctx, event.OrderNumber, event.EventType, event)
}

// OrderEvent is the envelope every order event shares. It is enough for
// consumers that only need to know which order changed.
type OrderEvent struct {
	models.BaseEvent
	OrderID     int64  `json:"order_id"`
	OrderNumber string `json:"order_number"`
}

// EventHandler handles incoming events
type EventHandler struct {
	onOrderCreated         func(context.Context, *models.OrderCreatedEvent) error
	onOrderCancelled       func(context.Context, *models.OrderCancelledEvent) error
	onOrderStatusChanged   func(context.Context, *models.OrderStatusChangedEvent) error
	onPaymentStatusChanged func(context.Context, *models.PaymentStatusChangedEvent) error
	onAny                  func(context.Context, *OrderEvent) error
	logger                 *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

func (eh *EventHandler) OnOrderCreated(handler func(context.Context, *models.OrderCreatedEvent) error) {
	eh.onOrderCreated = handler
}

func (eh *EventHandler) OnOrderCancelled(handler func(context.Context, *models.OrderCancelledEvent) error) {
	eh.onOrderCancelled = handler
}

func (eh *EventHandler) OnOrderStatusChanged(handler func(context.Context, *models.OrderStatusChangedEvent) error) {
	eh.onOrderStatusChanged = handler
}

func (eh *EventHandler) OnPaymentStatusChanged(handler func(context.Context, *models.PaymentStatusChangedEvent) error) {
	eh.onPaymentStatusChanged = handler
}

// OnAny registers a handler that runs for every order event after the typed
// handler, if any.
func (eh *EventHandler) OnAny(handler func(context.Context, *OrderEvent) error) {
	eh.onAny = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var envelope OrderEvent
	if err := json.Unmarshal(msg.Value, &envelope); err != nil {
		return fmt.Errorf("failed to unmarshal event envelope: %w", err)
	}

	eh.logger.Debug("Handling event",
		zap.String("event_type", envelope.EventType),
		zap.String("event_id", envelope.EventID),
		zap.String("order_number", envelope.OrderNumber))

	var err error
	switch envelope.EventType {
	case models.EventTypeOrderCreated:
		err = dispatch(ctx, msg.Value, eh.onOrderCreated)
	case models.EventTypeOrderCancelled:
		err = dispatch(ctx, msg.Value, eh.onOrderCancelled)
	case models.EventTypeOrderStatusChanged:
		err = dispatch(ctx, msg.Value, eh.onOrderStatusChanged)
	case models.EventTypePaymentStatusChanged:
		err = dispatch(ctx, msg.Value, eh.onPaymentStatusChanged)
	default:
		eh.logger.Warn("Unhandled event type", zap.String("event_type", envelope.EventType))
		return nil
	}
	if err != nil {
		return err
	}

	if eh.onAny != nil {
		return eh.onAny(ctx, &envelope)
	}
	return nil
}

func dispatch[T any](ctx context.Context, value []byte, handler func(context.Context, *T) error) error {
	if handler == nil {
		return nil
	}
	var event T
	if err := json.Unmarshal(value, &event); err != nil {
		return fmt.Errorf("failed to unmarshal %T: %w", event, err)
	}
	return handler(ctx, &event)
}
