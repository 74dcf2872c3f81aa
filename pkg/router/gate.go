package router

import "context"

// Renderer turns a reply key and its data into text.
type Renderer interface {
	Render(key string, data any) string
}

// Gate decides whether a matched command may run. A gate that blocks has
// already replied to the peer.
type Gate interface {
	Check(ctx context.Context, msg *Message) bool
}

type GateFunc func(ctx context.Context, msg *Message) bool

func (f GateFunc) Check(ctx context.Context, msg *Message) bool { return f(ctx, msg) }

// Authenticated passes senders whose mobile identifies a staff user.
func Authenticated(replies Renderer) Gate {
	return GateFunc(func(ctx context.Context, msg *Message) bool {
		if msg.Sender() != nil {
			return true
		}
		msg.Respond(ctx, replies.Render("not_registered_number", map[string]any{"Peer": msg.Peer}))
		return false
	})
}

// Registered passes messages whose connection has a reporter attached.
func Registered(replies Renderer) Gate {
	return GateFunc(func(ctx context.Context, msg *Message) bool {
		if msg.Reporter() != nil {
			return true
		}
		msg.Respond(ctx, replies.Render("registered_only", nil))
		return false
	})
}
