// Package bus moves SMS between backends and the dispatcher workers.
package bus

import (
	"context"
	"errors"
	"sync"
)

// DefaultBuffer is the capacity of each direction.
const DefaultBuffer = 100

// ErrClosed is returned when publishing on a closed bus.
var ErrClosed = errors.New("bus: closed")

type MessageBus struct {
	inbound       chan InboundMessage
	outbound      chan OutboundMessage
	inboundClosed bool
	closed        bool
	mu            sync.RWMutex
}

func NewMessageBus() *MessageBus {
	return NewMessageBusSize(DefaultBuffer)
}

// NewMessageBusSize builds a bus whose channels hold size messages each.
func NewMessageBusSize(size int) *MessageBus {
	if size < 0 {
		size = 0
	}
	return &MessageBus{
		inbound:  make(chan InboundMessage, size),
		outbound: make(chan OutboundMessage, size),
	}
}

// PublishInbound blocks until the message is queued or ctx is done.
func (mb *MessageBus) PublishInbound(ctx context.Context, msg InboundMessage) error {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.inboundClosed {
		return ErrClosed
	}
	select {
	case mb.inbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConsumeInbound returns the next inbound message and whether the read succeeded.
// The bool is false when the context is cancelled or the channel is closed.
func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg, ok := <-mb.inbound:
		return msg, ok
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// PublishOutbound blocks until the message is queued or ctx is done.
func (mb *MessageBus) PublishOutbound(ctx context.Context, msg OutboundMessage) error {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return ErrClosed
	}
	select {
	case mb.outbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubscribeOutbound returns the next outbound message and whether the read succeeded.
// The bool is false when the context is cancelled or the channel is closed.
func (mb *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg, ok := <-mb.outbound:
		return msg, ok
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

// CloseInbound stops inbound publishing while replies can still be
// published. Queued inbound messages can still be consumed.
func (mb *MessageBus) CloseInbound() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.closeInbound()
}

// Close stops publishing in both directions. Queued messages can still be
// consumed.
func (mb *MessageBus) Close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return
	}
	mb.closeInbound()
	mb.closed = true
	close(mb.outbound)
}

func (mb *MessageBus) closeInbound() {
	if mb.inboundClosed {
		return
	}
	mb.inboundClosed = true
	close(mb.inbound)
}
