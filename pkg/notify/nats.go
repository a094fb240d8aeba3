package notify

import (
	"context"

	"github.com/odvcencio/agentremote/pkg/bus"
)

// BusPublisher mirrors events onto the message bus as
// <prefix>.notify.<type>. With a NATS-backed bus, external consumers can
// subscribe to <prefix>.notify.> for a copy of every requester update.
type BusPublisher struct {
	bus     bus.MessageBus
	subject string
}

// NewBusPublisher creates a publisher rooted at subjects.Notifications().
func NewBusPublisher(b bus.MessageBus, subjects bus.Subjects) *BusPublisher {
	return &BusPublisher{bus: b, subject: subjects.Notifications()}
}

// Publish publishes an event.
func (p *BusPublisher) Publish(ctx context.Context, event *Event) error {
	return p.bus.Publish(ctx, p.subject+"."+string(event.Type), event.JSON())
}

// Close is a no-op; the bus is owned by the caller.
func (p *BusPublisher) Close() error {
	return nil
}
