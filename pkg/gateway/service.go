// Package gateway runs the dispatch workers between the inbound bus and the
// command router.
package gateway

import (
	"context"
	"errors"
	"sync"

	"github.com/mctc-health/mctc/pkg/bus"
	"github.com/mctc-health/mctc/pkg/logger"
	"github.com/mctc-health/mctc/pkg/router"
)

// DefaultWorkers is used when Options.Workers is not positive.
const DefaultWorkers = 4

// Dispatcher is the part of *router.Dispatcher the service needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg *router.Message) (router.Result, error)
}

type Options struct {
	Bus        *bus.MessageBus
	Dispatcher Dispatcher
	Workers    int
}

// Service consumes inbound SMS with a fixed pool of workers.
type Service struct {
	bus        *bus.MessageBus
	dispatcher Dispatcher
	workers    int
}

func New(opts Options) (*Service, error) {
	if opts.Bus == nil {
		return nil, errors.New("gateway: bus is required")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("gateway: dispatcher is required")
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	return &Service{bus: opts.Bus, dispatcher: opts.Dispatcher, workers: opts.Workers}, nil
}

// Run blocks until ctx is done or the inbound bus is closed and drained,
// then waits for in-flight messages to finish.
func (s *Service) Run(ctx context.Context) error {
	logger.InfoCF("gateway", "Dispatch workers starting", map[string]any{
		"workers": s.workers,
	})

	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			s.work(ctx, id)
		}(i)
	}
	wg.Wait()

	logger.InfoC("gateway", "Dispatch workers stopped")
	return ctx.Err()
}

func (s *Service) work(ctx context.Context, id int) {
	for {
		in, ok := s.bus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		s.handle(ctx, id, in)
	}
}

func (s *Service) handle(ctx context.Context, worker int, in bus.InboundMessage) {
	msg := router.NewMessage(in.Backend, in.Peer, in.Text)
	if in.ID != "" {
		msg.ID = in.ID
	}
	if !in.ReceivedAt.IsZero() {
		msg.ReceivedAt = in.ReceivedAt
	}

	// A message already taken off the bus is finished even during shutdown.
	res, err := s.dispatcher.Dispatch(context.WithoutCancel(ctx), msg)
	if err != nil {
		logger.ErrorCF("gateway", "Dispatch failed", map[string]any{
			"worker":     worker,
			"message_id": msg.ID,
			"peer":       msg.Peer,
			"command":    res.Command,
			"error":      err.Error(),
		})
		return
	}
	logger.DebugCF("gateway", "Message dispatched", map[string]any{
		"worker":     worker,
		"message_id": msg.ID,
		"command":    res.Command,
		"outcome":    res.Outcome.String(),
	})
}
