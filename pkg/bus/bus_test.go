package bus

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestInboundRoundTrip(t *testing.T) {
	mb := NewMessageBus()
	ctx := context.Background()

	in := InboundMessage{ID: "1", Backend: "sms", Peer: "+233240000001", Text: "show +18"}
	if err := mb.PublishInbound(ctx, in); err != nil {
		t.Fatalf("PublishInbound: %v", err)
	}
	got, ok := mb.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("ConsumeInbound returned ok=false")
	}
	if got != in {
		t.Fatalf("got %+v, want %+v", got, in)
	}
}

func TestOutboundRoundTrip(t *testing.T) {
	mb := NewMessageBus()
	ctx := context.Background()

	out := OutboundMessage{Backend: "sms", To: "+233240000001", Text: "hi"}
	if err := mb.PublishOutbound(ctx, out); err != nil {
		t.Fatalf("PublishOutbound: %v", err)
	}
	got, ok := mb.SubscribeOutbound(ctx)
	if !ok || got != out {
		t.Fatalf("got %+v ok=%v, want %+v", got, ok, out)
	}
}

func TestConsumeCancelled(t *testing.T) {
	mb := NewMessageBus()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, ok := mb.ConsumeInbound(ctx); ok {
		t.Fatal("expected ok=false after timeout")
	}
}

func TestPublishBlocksUntilContextDone(t *testing.T) {
	mb := NewMessageBusSize(0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := mb.PublishInbound(ctx, InboundMessage{ID: "1"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestClose(t *testing.T) {
	mb := NewMessageBus()
	ctx := context.Background()
	if err := mb.PublishInbound(ctx, InboundMessage{ID: "queued"}); err != nil {
		t.Fatal(err)
	}
	mb.Close()
	mb.Close()

	if err := mb.PublishInbound(ctx, InboundMessage{ID: "late"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("PublishInbound after close = %v, want ErrClosed", err)
	}
	if err := mb.PublishOutbound(ctx, OutboundMessage{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("PublishOutbound after close = %v, want ErrClosed", err)
	}

	got, ok := mb.ConsumeInbound(ctx)
	if !ok || got.ID != "queued" {
		t.Fatalf("queued message lost: %+v ok=%v", got, ok)
	}
	if _, ok := mb.ConsumeInbound(ctx); ok {
		t.Fatal("expected ok=false on drained closed bus")
	}
}

func TestCloseInboundKeepsOutboundOpen(t *testing.T) {
	mb := NewMessageBus()
	ctx := context.Background()

	if err := mb.PublishInbound(ctx, InboundMessage{ID: "queued"}); err != nil {
		t.Fatal(err)
	}
	mb.CloseInbound()
	mb.CloseInbound()

	if err := mb.PublishInbound(ctx, InboundMessage{ID: "late"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("PublishInbound after CloseInbound = %v, want ErrClosed", err)
	}
	if got, ok := mb.ConsumeInbound(ctx); !ok || got.ID != "queued" {
		t.Fatalf("queued inbound = %+v ok=%v", got, ok)
	}
	if _, ok := mb.ConsumeInbound(ctx); ok {
		t.Fatal("ConsumeInbound should report a closed, drained inbound side")
	}

	if err := mb.PublishOutbound(ctx, OutboundMessage{To: "+1", Text: "reply"}); err != nil {
		t.Fatalf("PublishOutbound after CloseInbound: %v", err)
	}
	mb.Close()
	if err := mb.PublishOutbound(ctx, OutboundMessage{To: "+1"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("PublishOutbound after Close = %v, want ErrClosed", err)
	}
}
