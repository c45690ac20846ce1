package events

import "context"

// EventPublisher is the interface for publishing delivery events.
type EventPublisher interface {
	PublishDelivery(ctx context.Context, event *DeliveryEvent) error
}

// NoOpPublisher is an EventPublisher that does nothing (for in-process usage without events).
type NoOpPublisher struct{}

// PublishDelivery is a no-op.
func (p *NoOpPublisher) PublishDelivery(_ context.Context, _ *DeliveryEvent) error {
	return nil
}

// CallbackPublisher is an EventPublisher that calls a callback function (for testing).
type CallbackPublisher struct {
	callback func(ctx context.Context, event *DeliveryEvent) error
}

// NewCallbackPublisher creates a new CallbackPublisher.
func NewCallbackPublisher(cb func(ctx context.Context, event *DeliveryEvent) error) *CallbackPublisher {
	return &CallbackPublisher{callback: cb}
}

// PublishDelivery calls the callback.
func (p *CallbackPublisher) PublishDelivery(ctx context.Context, event *DeliveryEvent) error {
	return p.callback(ctx, event)
}
