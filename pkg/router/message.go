package router

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mctc-health/mctc/pkg/logger"
	"github.com/mctc-health/mctc/pkg/store"
)

// Transport delivers one outbound text. Implementations may queue.
type Transport interface {
	Send(ctx context.Context, to, text string) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, to, text string) error

func (f TransportFunc) Send(ctx context.Context, to, text string) error { return f(ctx, to, text) }

// Reply is one outbound text produced while handling a message.
type Reply struct {
	To      string
	Text    string
	Forward bool
}

// Message is an inbound SMS in flight through the dispatcher.
type Message struct {
	ID         string
	Backend    string
	Peer       string
	Text       string
	ReceivedAt time.Time

	mu        sync.Mutex
	mobile    string
	sender    *store.User
	conn      *store.Connection
	reporter  *store.Reporter
	handled   bool
	outbox    []Reply
	transport Transport
}

func NewMessage(backend, peer, text string) *Message {
	return &Message{
		ID:         uuid.NewString(),
		Backend:    backend,
		Peer:       peer,
		Text:       text,
		ReceivedAt: time.Now(),
	}
}

// Mobile is the peer normalised to international form.
func (m *Message) Mobile() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mobile == "" {
		return m.Peer
	}
	return m.mobile
}

// Sender is the staff user identified by the mobile, or nil.
func (m *Message) Sender() *store.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sender
}

func (m *Message) Connection() *store.Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

// Reporter is the reporter attached to the message's connection, or nil.
func (m *Message) Reporter() *store.Reporter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reporter
}

// AttachReporter updates the in-flight view after a handler attached r to
// the connection.
func (m *Message) AttachReporter(r *store.Reporter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reporter = r
	if m.conn != nil && r != nil {
		m.conn.ReporterID = r.ID
	}
}

func (m *Message) Handled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handled
}

// Outbox returns the replies produced by the latest dispatch.
func (m *Message) Outbox() []Reply {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Reply, len(m.outbox))
	copy(out, m.outbox)
	return out
}

// Respond sends text back to the peer.
func (m *Message) Respond(ctx context.Context, text string) {
	m.send(ctx, Reply{To: m.Peer, Text: text})
}

// Forward sends text to a third party.
func (m *Message) Forward(ctx context.Context, to, text string) {
	m.send(ctx, Reply{To: to, Text: text, Forward: true})
}

func (m *Message) send(ctx context.Context, r Reply) {
	m.mu.Lock()
	m.outbox = append(m.outbox, r)
	t := m.transport
	m.mu.Unlock()

	if t == nil {
		return
	}
	if err := t.Send(ctx, r.To, r.Text); err != nil {
		logger.WarnCF("router", "Reply delivery failed", map[string]any{
			"message_id": m.ID,
			"to":         r.To,
			"error":      err.Error(),
		})
	}
}

func (m *Message) begin(t Transport, mobile string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transport = t
	m.mobile = mobile
	m.sender = nil
	m.conn = nil
	m.reporter = nil
	m.handled = false
	m.outbox = nil
}

func (m *Message) resolved(user *store.User, conn *store.Connection, rep *store.Reporter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sender = user
	m.conn = conn
	m.reporter = rep
}

func (m *Message) finish(handled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handled = handled
}

// NormalizePeer prepends '+' to a peer that starts with countryCode.
func NormalizePeer(peer, countryCode string) string {
	peer = strings.TrimSpace(peer)
	if countryCode != "" && strings.HasPrefix(peer, countryCode) {
		return "+" + peer
	}
	return peer
}
