package router

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mctc-health/mctc/pkg/audit"
	"github.com/mctc-health/mctc/pkg/logger"
	"github.com/mctc-health/mctc/pkg/store"
	"github.com/mctc-health/mctc/pkg/tracing"
)

type Outcome int

const (
	// OutcomeHandled: the handler ran and returned normally.
	OutcomeHandled Outcome = iota
	// OutcomeUnmatched: no pattern matched; a reminder or unknown-command
	// reply was sent.
	OutcomeUnmatched
	// OutcomeBlocked: a gate refused the sender.
	OutcomeBlocked
	// OutcomeRecovered: the handler failed with a *FailedError.
	OutcomeRecovered
	// OutcomeFatal: an internal error or panic.
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeHandled:
		return "handled"
	case OutcomeUnmatched:
		return "unmatched"
	case OutcomeBlocked:
		return "blocked"
	case OutcomeRecovered:
		return "recovered"
	case OutcomeFatal:
		return "fatal"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result describes how a dispatch ended.
type Result struct {
	Outcome Outcome
	Command string
	Handled bool
	Err     error
}

// IdentityResolver maps a normalised mobile to a staff user. It returns
// (nil, nil) when the mobile is unknown.
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, mobile string) (*store.User, error)
}

// ConnectionResolver returns the persistent connection for a peer, creating
// it on first contact, and the reporter attached to it if any.
type ConnectionResolver interface {
	ResolveConnection(ctx context.Context, backend, identity string) (*store.Connection, *store.Reporter, error)
}

// Diagnostic is the error-log record of an internal failure.
type Diagnostic struct {
	ID         string
	Peer       string
	IdentityID *int64
	Text       string
	Err        string
	Stack      string
	CreatedAt  time.Time
}

// Diagnostics stores internal failures apart from the audit log.
type Diagnostics interface {
	Record(ctx context.Context, d Diagnostic) error
}

// Options wires a Dispatcher. Registry, Transport and Replies are required.
type Options struct {
	Identities  IdentityResolver
	Connections ConnectionResolver
	Transport   Transport
	Audit       audit.Sink
	Diagnostics Diagnostics
	Replies     Renderer
	// Contact is the support number quoted in the internal error reply.
	Contact string
	// CountryCode is prepended with '+' to bare international peers.
	CountryCode string
	// Observe, when set, is called once per dispatch.
	Observe func(Result, time.Duration)
	Now     func() time.Time
}

// Dispatcher routes inbound messages to handlers. It is safe for concurrent
// use; each Message must be dispatched by one goroutine at a time.
type Dispatcher struct {
	reg    *Registry
	opts   Options
	tracer trace.Tracer
}

func NewDispatcher(reg *Registry, opts Options) (*Dispatcher, error) {
	switch {
	case reg == nil:
		return nil, errors.New("router: registry is required")
	case opts.Transport == nil:
		return nil, errors.New("router: transport is required")
	case opts.Replies == nil:
		return nil, errors.New("router: replies are required")
	}
	if opts.Audit == nil {
		opts.Audit = audit.Discard
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Dispatcher{
		reg:    reg,
		opts:   opts,
		tracer: tracing.Tracer("github.com/mctc-health/mctc/pkg/router"),
	}, nil
}

func (d *Dispatcher) Registry() *Registry { return d.reg }

// Dispatch runs msg through resolution, matching, gates and the handler,
// then appends exactly one audit entry. The returned error is non-nil for
// fatal failures and for audit failures; the peer has been answered in
// every case.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *Message) (res Result, err error) {
	start := d.opts.Now()
	ctx, span := d.tracer.Start(ctx, "router.dispatch")
	msg.begin(d.opts.Transport, NormalizePeer(msg.Peer, d.opts.CountryCode))

	defer func() {
		msg.finish(res.Handled)
		if aerr := d.appendAudit(ctx, msg, res.Handled); aerr != nil {
			logger.ErrorCF("router", "Audit append failed", map[string]any{
				"message_id": msg.ID,
				"error":      aerr.Error(),
			})
			if err == nil {
				err = fmt.Errorf("audit: %w", aerr)
				res.Err = err
			}
		}

		span.SetAttributes(
			tracing.StringAttr("command", res.Command),
			tracing.StringAttr("outcome", res.Outcome.String()),
			tracing.BoolAttr("handled", res.Handled),
		)
		if res.Outcome == OutcomeFatal {
			span.SetStatus(codes.Error, res.Err.Error())
		}
		span.End()

		if d.opts.Observe != nil {
			d.opts.Observe(res, d.opts.Now().Sub(start))
		}
	}()

	if rerr := d.resolve(ctx, msg); rerr != nil {
		return d.fatal(ctx, msg, "", rerr)
	}

	m, ok := d.reg.Match(msg.Text)
	if !ok {
		d.unmatched(ctx, msg)
		return Result{Outcome: OutcomeUnmatched}, nil
	}
	name := m.Binding.Name

	var passed bool
	if gerr := safely(func() error {
		passed = d.checkGates(ctx, msg, m.Binding.Gates)
		return nil
	}); gerr != nil {
		return d.fatal(ctx, msg, name, gerr)
	}
	if !passed {
		return Result{Outcome: OutcomeBlocked, Command: name, Handled: true}, nil
	}

	var handled bool
	herr := safely(func() error {
		var err error
		handled, err = m.Binding.Handler(ctx, msg, m.Args)
		return err
	})
	if herr == nil {
		return Result{Outcome: OutcomeHandled, Command: name, Handled: handled}, nil
	}
	if failed, ok := AsFailed(herr); ok {
		msg.Respond(ctx, failed.Text)
		logger.DebugCF("router", "Handler failed", map[string]any{
			"command": name,
			"reason":  herr.Error(),
		})
		return Result{Outcome: OutcomeRecovered, Command: name, Handled: true, Err: herr}, nil
	}
	return d.fatal(ctx, msg, name, herr)
}

func (d *Dispatcher) resolve(ctx context.Context, msg *Message) error {
	var (
		user *store.User
		conn *store.Connection
		rep  *store.Reporter
		err  error
	)
	if d.opts.Identities != nil {
		user, err = d.opts.Identities.ResolveIdentity(ctx, msg.Mobile())
		if err != nil {
			return fmt.Errorf("resolve identity: %w", err)
		}
	}
	if d.opts.Connections != nil {
		conn, rep, err = d.opts.Connections.ResolveConnection(ctx, msg.Backend, msg.Peer)
		if err != nil {
			return fmt.Errorf("resolve connection: %w", err)
		}
	}
	msg.resolved(user, conn, rep)
	return nil
}

func (d *Dispatcher) checkGates(ctx context.Context, msg *Message, gates []Gate) bool {
	for _, g := range gates {
		if !g.Check(ctx, msg) {
			return false
		}
	}
	return true
}

func (d *Dispatcher) unmatched(ctx context.Context, msg *Message) {
	if reminder, ok := d.reg.Reminder(msg.Text); ok {
		msg.Respond(ctx, reminder)
		return
	}
	msg.Respond(ctx, d.opts.Replies.Render("unknown_command", map[string]any{
		"Text": truncate(msg.Text, 20),
	}))
}

func (d *Dispatcher) fatal(ctx context.Context, msg *Message, command string, cause error) (Result, error) {
	msg.Respond(ctx, d.opts.Replies.Render("internal_error", map[string]any{
		"Contact": d.opts.Contact,
	}))

	diag := Diagnostic{
		ID:        uuid.NewString(),
		Peer:      msg.Peer,
		Text:      msg.Text,
		Err:       cause.Error(),
		CreatedAt: d.opts.Now().UTC(),
	}
	if u := msg.Sender(); u != nil {
		id := u.ID
		diag.IdentityID = &id
	}
	var p *PanicError
	if errors.As(cause, &p) {
		diag.Stack = string(p.Stack)
	}

	logger.ErrorCF("router", "Command failed", map[string]any{
		"command":    command,
		"message_id": msg.ID,
		"peer":       msg.Peer,
		"error":      cause.Error(),
	})
	if d.opts.Diagnostics != nil {
		if derr := d.opts.Diagnostics.Record(context.WithoutCancel(ctx), diag); derr != nil {
			logger.ErrorCF("router", "Diagnostic record failed", map[string]any{
				"message_id": msg.ID,
				"error":      derr.Error(),
			})
		}
	}

	return Result{Outcome: OutcomeFatal, Command: command, Handled: true, Err: cause}, cause
}

func (d *Dispatcher) appendAudit(ctx context.Context, msg *Message, handled bool) error {
	e := audit.Entry{
		ID:        uuid.NewString(),
		Peer:      msg.Peer,
		Text:      msg.Text,
		Handled:   handled,
		CreatedAt: d.opts.Now().UTC(),
	}
	if u := msg.Sender(); u != nil {
		id := u.ID
		e.IdentityID = &id
	}
	if r := msg.Reporter(); r != nil {
		id := r.ID
		e.ReporterID = &id
	}
	return d.opts.Audit.Append(context.WithoutCancel(ctx), e)
}

// safely runs fn, converting a panic into a *PanicError.
func safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn()
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
