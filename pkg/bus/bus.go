package bus

import (
	"context"
	"sync"
)

// EventBus carries inbound events from the chat transport to the dispatcher
// and outbound replies back. Both directions are buffered so a slow remote
// execution on one side never wedges the transport's polling loop.
type EventBus struct {
	inbound  chan InboundEvent
	outbound chan OutboundMessage
	closed   bool
	mu       sync.RWMutex
}

func NewEventBus() *EventBus {
	return &EventBus{
		inbound:  make(chan InboundEvent, 100),
		outbound: make(chan OutboundMessage, 100),
	}
}

func (eb *EventBus) PublishInbound(ev InboundEvent) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.closed {
		return
	}
	eb.inbound <- ev
}

// ConsumeInbound returns the next inbound event and whether the read
// succeeded. The bool is false when the context is cancelled or the bus
// is closed.
func (eb *EventBus) ConsumeInbound(ctx context.Context) (InboundEvent, bool) {
	select {
	case ev, ok := <-eb.inbound:
		return ev, ok
	case <-ctx.Done():
		return InboundEvent{}, false
	}
}

func (eb *EventBus) PublishOutbound(msg OutboundMessage) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.closed {
		return
	}
	eb.outbound <- msg
}

// ConsumeOutbound returns the next outbound message and whether the read
// succeeded. The bool is false when the context is cancelled or the bus
// is closed.
func (eb *EventBus) ConsumeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg, ok := <-eb.outbound:
		return msg, ok
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.closed {
		return
	}
	eb.closed = true
	close(eb.inbound)
	close(eb.outbound)
}
