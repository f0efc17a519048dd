// Package events publishes car lifecycle notifications for downstream
// consumers (search indexing, audit feeds). Publishing is best-effort and
// must never fail the request that triggered it.
package events

import (
	"context"
	"encoding/json"

	"github.com/carlot-app/apiserver/internal/mq"
)

// ChannelCarEvents is the broker channel carrying car lifecycle events.
const ChannelCarEvents = "car-events"

// Event names emitted on the car-events channel.
const (
	CarCreated = "car.created"
	CarUpdated = "car.updated"
	CarDeleted = "car.deleted"
)

// CarEvent is the payload published on every car lifecycle transition.
type CarEvent struct {
	Event   string `json:"event"`
	CarID   int    `json:"car_id"`
	OwnerID int    `json:"owner_id"`
}

// Publisher emits car lifecycle events.
type Publisher interface {
	PublishCarEvent(ctx context.Context, event CarEvent) error
}

// MQPublisher publishes events through the broker-agnostic mq layer.
type MQPublisher struct {
	mq *mq.MQ
}

// NewMQPublisher constructs a publisher over the given broker.
func NewMQPublisher(m *mq.MQ) *MQPublisher {
	return &MQPublisher{mq: m}
}

// PublishCarEvent sends one event to the car-events channel.
func (p *MQPublisher) PublishCarEvent(ctx context.Context, event CarEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = p.mq.Publish(ctx, ChannelCarEvents, data, map[string]string{
		"event": event.Event,
	})
	return err
}

// CarEventHandler processes one decoded car event.
type CarEventHandler func(ctx context.Context, event CarEvent) error

// MQSubscriber consumes car lifecycle events through the broker-agnostic
// mq layer.
type MQSubscriber struct {
	mq *mq.MQ
}

// NewMQSubscriber constructs a subscriber over the given broker.
func NewMQSubscriber(m *mq.MQ) *MQSubscriber {
	return &MQSubscriber{mq: m}
}

// Run blocks consuming the car-events channel until ctx is done or the
// broker fails. A payload that fails to decode is returned as an error so
// the backend nacks it.
func (s *MQSubscriber) Run(ctx context.Context, handler CarEventHandler) error {
	return s.mq.Subscribe(ctx, ChannelCarEvents, func(ctx context.Context, msg mq.Message) error {
		var event CarEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			return err
		}
		return handler(ctx, event)
	})
}
