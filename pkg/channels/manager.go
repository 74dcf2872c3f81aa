package channels

import (
	"context"
	"fmt"
	"sync"

	"github.com/mctc-health/mctc/pkg/bus"
	"github.com/mctc-health/mctc/pkg/logger"
)

const defaultChannelQueueSize = 100

// Channel is one SMS backend.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	IsRunning() bool
}

type channelWorker struct {
	ch    Channel
	queue chan bus.OutboundMessage
	done  chan struct{}
}

// Manager starts channels and routes outbound messages from the bus to the
// channel named by OutboundMessage.Backend, one worker per channel.
type Manager struct {
	channels     map[string]Channel
	workers      map[string]*channelWorker
	bus          *bus.MessageBus
	dispatchTask *asyncTask
	onDelivered  func(error)
	mu           sync.RWMutex
}

type asyncTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewManager(messageBus *bus.MessageBus) *Manager {
	return &Manager{
		channels: make(map[string]Channel),
		workers:  make(map[string]*channelWorker),
		bus:      messageBus,
	}
}

// OnDelivered sets a callback run after every send attempt. Call it
// before StartAll.
func (m *Manager) OnDelivered(fn func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDelivered = fn
}

func (m *Manager) RegisterChannel(channel Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := channel.Name()
	m.channels[name] = channel
	m.workers[name] = &channelWorker{
		ch:    channel,
		queue: make(chan bus.OutboundMessage, defaultChannelQueueSize),
		done:  make(chan struct{}),
	}
}

func (m *Manager) GetStatus() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]any)
	for name, channel := range m.channels {
		status[name] = map[string]any{
			"running": channel.IsRunning(),
		}
	}
	return status
}

// StartAll starts every channel and the outbound dispatcher. A channel that
// fails to start aborts the whole start. Cancelling ctx does not stop
// delivery; the dispatcher runs until the bus is closed and drained or
// StopAll is called.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.channels) == 0 {
		logger.WarnC("channels", "No channels registered")
	}

	runCtx := context.WithoutCancel(ctx)
	for name, channel := range m.channels {
		logger.InfoCF("channels", "Starting channel", map[string]any{
			"channel": name,
		})
		if err := channel.Start(runCtx); err != nil {
			return fmt.Errorf("start channel %s: %w", name, err)
		}
	}

	dispatchCtx, cancel := context.WithCancel(runCtx)
	m.dispatchTask = &asyncTask{cancel: cancel, done: make(chan struct{})}

	for name, w := range m.workers {
		go runWorker(runCtx, name, w, m.onDelivered)
	}
	go m.dispatchOutbound(dispatchCtx, m.dispatchTask.done)

	logger.InfoC("channels", "All channels started")
	return nil
}

// Drain waits until the outbound dispatcher has emptied a closed bus, or
// ctx is done.
func (m *Manager) Drain(ctx context.Context) error {
	m.mu.RLock()
	task := m.dispatchTask
	m.mu.RUnlock()
	if task == nil {
		return nil
	}
	select {
	case <-task.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopAll stops the dispatcher, drains the worker queues and stops every
// channel. Messages still on an open bus are left there; close the bus and
// Drain first to deliver them. The manager cannot be restarted.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	task := m.dispatchTask
	m.dispatchTask = nil
	m.mu.Unlock()

	logger.InfoC("channels", "Stopping all channels")

	if task != nil {
		task.cancel()
		<-task.done
	}

	m.mu.Lock()
	workers := m.workers
	m.workers = map[string]*channelWorker{}
	channels := make(map[string]Channel, len(m.channels))
	for name, channel := range m.channels {
		channels[name] = channel
	}
	m.mu.Unlock()

	for _, w := range workers {
		close(w.queue)
	}
	if task != nil {
		for _, w := range workers {
			<-w.done
		}
	}

	for name, channel := range channels {
		if err := channel.Stop(ctx); err != nil {
			logger.ErrorCF("channels", "Error stopping channel", map[string]any{
				"channel": name,
				"error":   err.Error(),
			})
		}
	}

	logger.InfoC("channels", "All channels stopped")
	return nil
}

func runWorker(ctx context.Context, name string, w *channelWorker, onDelivered func(error)) {
	defer close(w.done)
	for msg := range w.queue {
		err := w.ch.Send(ctx, msg)
		if err != nil {
			logger.ErrorCF("channels", "Error sending message", map[string]any{
				"channel": name,
				"to":      msg.To,
				"error":   err.Error(),
			})
		}
		if onDelivered != nil {
			onDelivered(err)
		}
	}
}

func (m *Manager) dispatchOutbound(ctx context.Context, done chan struct{}) {
	defer close(done)
	logger.InfoC("channels", "Outbound dispatcher started")

	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			logger.InfoC("channels", "Outbound dispatcher stopped")
			return
		}

		m.mu.RLock()
		w, exists := m.workers[msg.Backend]
		m.mu.RUnlock()

		if !exists {
			logger.WarnCF("channels", "Unknown backend for outbound message", map[string]any{
				"backend": msg.Backend,
			})
			continue
		}

		select {
		case w.queue <- msg:
		case <-ctx.Done():
			return
		}
	}
}
