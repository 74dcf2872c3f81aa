package gateway

import (
	"context"

	"github.com/mctc-health/mctc/pkg/bus"
)

// BusTransport queues replies on the outbound bus for one backend.
type BusTransport struct {
	Bus     *bus.MessageBus
	Backend string
}

func (t BusTransport) Send(ctx context.Context, to, text string) error {
	return t.Bus.PublishOutbound(ctx, bus.OutboundMessage{Backend: t.Backend, To: to, Text: text})
}
