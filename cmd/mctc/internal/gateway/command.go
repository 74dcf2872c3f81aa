package gateway

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mctc-health/mctc/cmd/mctc/internal"
	"github.com/mctc-health/mctc/pkg/bus"
	"github.com/mctc-health/mctc/pkg/channels"
	"github.com/mctc-health/mctc/pkg/config"
	"github.com/mctc-health/mctc/pkg/gateway"
	"github.com/mctc-health/mctc/pkg/logger"
	"github.com/mctc-health/mctc/pkg/metrics"
	"github.com/mctc-health/mctc/pkg/schedule"
	"github.com/mctc-health/mctc/pkg/tracing"
)

const shutdownTimeout = 15 * time.Second

func NewGatewayCommand() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:     "gateway",
		Aliases: []string{"g"},
		Short:   "Run the SMS gateway",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := internal.LoadConfig()
			if err != nil {
				return err
			}
			if debug {
				logger.SetLevel(logger.DEBUG)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	if cfg.Tracing.Enabled {
		if err := tracing.Init(ctx, "mctc", cfg.Tracing.Endpoint); err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = tracing.Shutdown(sctx)
		}()
	}

	mb := bus.NewMessageBus()
	met := metrics.New()

	rt, err := internal.NewRuntime(ctx, cfg, internal.RuntimeOptions{
		Transport: gateway.BusTransport{Bus: mb, Backend: cfg.SMS.Backend},
		Observe:   met.Observe,
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	sms, err := channels.NewSMSWebhook(cfg.SMS, mb)
	if err != nil {
		return err
	}
	sms.Handle("/metrics", met.Handler())

	manager := channels.NewManager(mb)
	manager.OnDelivered(met.Delivered)
	manager.RegisterChannel(sms)
	sms.SetStatus(manager.GetStatus)

	svc, err := gateway.New(gateway.Options{
		Bus:        mb,
		Dispatcher: rt.Dispatcher,
		Workers:    cfg.Gateway.Workers,
	})
	if err != nil {
		return err
	}

	var summary *schedule.Summary
	if cfg.Summary.Enabled {
		summary, err = schedule.NewSummary(cfg.Summary.Schedule, cfg.SMS.Backend, cfg.Summary.Peer, rt.Dispatcher)
		if err != nil {
			return err
		}
	}

	if err := manager.StartAll(ctx); err != nil {
		return err
	}

	// Workers outlive the signal: they stop once the closed inbound side is
	// drained, or when the shutdown timeout cancels them.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	workersDone := make(chan error, 1)
	go func() { workersDone <- svc.Run(workCtx) }()

	summaryDone := make(chan error, 1)
	if summary != nil {
		go func() { summaryDone <- summary.Run(ctx) }()
	} else {
		summaryDone <- nil
	}

	logger.InfoCF("gateway", "Gateway started", map[string]any{
		"address":   sms.Addr(),
		"workers":   cfg.Gateway.Workers,
		"commands":  rt.Dispatcher.Registry().Len(),
		"summary":   cfg.Summary.Enabled,
		"redaction": logger.IsRedactionEnabled(),
	})

	<-ctx.Done()
	logger.InfoC("gateway", "Shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Refuse new inbound first so nothing is accepted that will not be
	// dispatched.
	if err := sms.Stop(sctx); err != nil {
		logger.WarnCF("gateway", "Webhook shutdown failed", map[string]any{"error": err.Error()})
	}
	mb.CloseInbound()

	select {
	case err := <-workersDone:
		logWorkerExit("dispatch", err)
	case <-sctx.Done():
		logger.WarnC("gateway", "Dispatch workers did not drain in time")
		cancelWork()
		logWorkerExit("dispatch", <-workersDone)
	}
	logWorkerExit("summary", <-summaryDone)

	mb.Close()
	dctx, cancelDrain := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelDrain()
	if err := manager.Drain(dctx); err != nil {
		logger.WarnCF("gateway", "Outbound queue not drained", map[string]any{"error": err.Error()})
	}
	return manager.StopAll(dctx)
}

func logWorkerExit(name string, err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.ErrorCF("gateway", "Worker exited", map[string]any{
			"worker": name,
			"error":  err.Error(),
		})
	}
}
