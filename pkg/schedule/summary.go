// Package schedule triggers recurring commands through the dispatcher.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"

	"github.com/mctc-health/mctc/pkg/logger"
	"github.com/mctc-health/mctc/pkg/router"
)

// SummaryCommand is the text dispatched on every tick.
const SummaryCommand = "msummary"

type Dispatcher interface {
	Dispatch(ctx context.Context, msg *router.Message) (router.Result, error)
}

// Summary sends the measles summary on a cron schedule, as if Peer had
// texted the command over Backend.
type Summary struct {
	expr       string
	backend    string
	peer       string
	dispatcher Dispatcher

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

func NewSummary(expr, backend, peer string, d Dispatcher) (*Summary, error) {
	expr = strings.TrimSpace(expr)
	if !gronx.New().IsValid(expr) {
		return nil, fmt.Errorf("invalid cron expression %q", expr)
	}
	if strings.TrimSpace(peer) == "" {
		return nil, errors.New("summary peer is required")
	}
	if d == nil {
		return nil, errors.New("summary dispatcher is required")
	}
	return &Summary{
		expr:       expr,
		backend:    backend,
		peer:       peer,
		dispatcher: d,
		now:        time.Now,
		after:      time.After,
	}, nil
}

// Next returns the first tick strictly after from.
func (s *Summary) Next(from time.Time) (time.Time, error) {
	return gronx.NextTickAfter(s.expr, from, false)
}

// Fire dispatches the summary command once. A fire that has started
// finishes its fan-out even if ctx is cancelled.
func (s *Summary) Fire(ctx context.Context) (router.Result, error) {
	msg := router.NewMessage(s.backend, s.peer, SummaryCommand)
	res, err := s.dispatcher.Dispatch(context.WithoutCancel(ctx), msg)
	if err != nil {
		return res, fmt.Errorf("dispatch %s: %w", SummaryCommand, err)
	}
	logger.InfoCF("schedule", "Summary dispatched", map[string]any{
		"message_id": msg.ID,
		"outcome":    res.Outcome.String(),
		"replies":    len(msg.Outbox()),
	})
	return res, nil
}

// Run fires on every tick until ctx is done. Dispatch failures are logged
// and the schedule continues.
func (s *Summary) Run(ctx context.Context) error {
	logger.InfoCF("schedule", "Summary schedule started", map[string]any{
		"schedule": s.expr,
		"peer":     s.peer,
	})
	for {
		now := s.now()
		next, err := s.Next(now)
		if err != nil {
			return fmt.Errorf("next tick: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.after(next.Sub(now)):
		}
		if _, err := s.Fire(ctx); err != nil {
			logger.ErrorCF("schedule", "Summary dispatch failed", map[string]any{
				"error": err.Error(),
			})
		}
	}
}
