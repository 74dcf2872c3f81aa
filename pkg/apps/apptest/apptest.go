// Package apptest runs SMS command modules against a seeded SQLite store
// and a recording transport.
package apptest

import (
	"bytes"
	"context"
	_ "embed"
	"path/filepath"
	"sync"
	"testing"

	"github.com/mctc-health/mctc/pkg/audit"
	"github.com/mctc-health/mctc/pkg/replies"
	"github.com/mctc-health/mctc/pkg/router"
	"github.com/mctc-health/mctc/pkg/store/sqlite"
)

// Peers present in the seed data.
const (
	// StaffPeer is the active provider mobile of user "admin".
	StaffPeer = "+233200000001"
	// Contact is the support number quoted in internal errors.
	Contact = "0733202270"
)

//go:embed seed.yaml
var seedYAML []byte

// Harness is a dispatcher wired to a temporary database.
type Harness struct {
	t          testing.TB
	Store      *sqlite.Store
	Catalog    *replies.Catalog
	Audit      *audit.Memory
	Dispatcher *router.Dispatcher

	mu   sync.Mutex
	sent []router.Reply
}

// New opens a seeded store. Call Start before sending.
func New(t testing.TB) *Harness {
	t.Helper()
	ctx := context.Background()
	s, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "mctc.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	data, err := sqlite.DecodeSeed(bytes.NewReader(seedYAML))
	if err != nil {
		t.Fatalf("decode seed: %v", err)
	}
	if _, err := s.Seed(ctx, data); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return &Harness{t: t, Store: s, Catalog: replies.Default(), Audit: &audit.Memory{}}
}

// Start builds the registry from register funcs, in order, and the
// dispatcher around it.
func (h *Harness) Start(register ...func(*router.Builder)) {
	h.t.Helper()
	b := router.NewBuilder()
	for _, fn := range register {
		fn(b)
	}
	reg, err := b.Build()
	if err != nil {
		h.t.Fatalf("build registry: %v", err)
	}
	h.Dispatcher, err = router.NewDispatcher(reg, router.Options{
		Identities:  h.Store,
		Connections: h.Store,
		Transport:   router.TransportFunc(h.record),
		Audit:       audit.Tee(h.Audit, h.Store),
		Diagnostics: h.Store,
		Replies:     h.Catalog,
		Contact:     Contact,
		CountryCode: "233",
	})
	if err != nil {
		h.t.Fatalf("new dispatcher: %v", err)
	}
}

func (h *Harness) record(_ context.Context, to, text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, router.Reply{To: to, Text: text})
	return nil
}

// Send dispatches text from peer on the "sms" backend.
func (h *Harness) Send(peer, text string) (*router.Message, router.Result) {
	h.t.Helper()
	msg := router.NewMessage("sms", peer, text)
	res, err := h.Dispatcher.Dispatch(context.Background(), msg)
	if err != nil && res.Outcome != router.OutcomeFatal {
		h.t.Fatalf("dispatch %q: %v", text, err)
	}
	return msg, res
}

// Texts returns the texts of msg's replies and forwards, in order.
func Texts(msg *router.Message) []string {
	var out []string
	for _, r := range msg.Outbox() {
		out = append(out, r.Text)
	}
	return out
}

// SentTo returns every text delivered to peer so far.
func (h *Harness) SentTo(peer string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, r := range h.sent {
		if r.To == peer {
			out = append(out, r.Text)
		}
	}
	return out
}
