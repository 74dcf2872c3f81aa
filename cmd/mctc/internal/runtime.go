package internal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mctc-health/mctc/pkg/apps/mctc"
	"github.com/mctc-health/mctc/pkg/apps/measles"
	"github.com/mctc-health/mctc/pkg/audit"
	"github.com/mctc-health/mctc/pkg/config"
	"github.com/mctc-health/mctc/pkg/logger"
	"github.com/mctc-health/mctc/pkg/replies"
	"github.com/mctc-health/mctc/pkg/router"
	"github.com/mctc-health/mctc/pkg/store/sqlite"
)

// Runtime is the store, reply catalog and dispatcher shared by every
// command that handles messages.
type Runtime struct {
	Config     *config.Config
	Store      *sqlite.Store
	Catalog    *replies.Catalog
	Dispatcher *router.Dispatcher

	auditLog *audit.FileLog
}

// RuntimeOptions carries what differs between the gateway and the local
// send/console commands.
type RuntimeOptions struct {
	Transport router.Transport
	Observe   func(router.Result, time.Duration)
}

// Registrations returns the command modules in dispatch order: mctc first,
// then measles.
func Registrations(repo *sqlite.Store, catalog *replies.Catalog, cfg *config.Config) []func(*router.Builder) {
	m := measles.New(repo, catalog)
	m.MaxLength = cfg.SMS.MaxMessageLength
	return []func(*router.Builder){
		mctc.New(repo, catalog).Register,
		m.Register,
	}
}

func NewRuntime(ctx context.Context, cfg *config.Config, opts RuntimeOptions) (*Runtime, error) {
	if opts.Transport == nil {
		return nil, errors.New("runtime: transport is required")
	}

	catalog, err := replies.Load(cfg.RepliesPath())
	if err != nil {
		return nil, err
	}

	st, err := sqlite.Open(ctx, cfg.StoragePath())
	if err != nil {
		return nil, err
	}
	rt := &Runtime{Config: cfg, Store: st, Catalog: catalog}

	sink := audit.Sink(st)
	if cfg.Audit.Enabled && cfg.AuditPath() != "" {
		rt.auditLog, err = audit.OpenFile(cfg.AuditPath(), []byte(cfg.Audit.SecretKey))
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		sink = audit.Tee(st, rt.auditLog)
	}

	b := router.NewBuilder()
	for _, register := range Registrations(st, catalog, cfg) {
		register(b)
	}
	reg, err := b.Build()
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("build command registry: %w", err)
	}

	rt.Dispatcher, err = router.NewDispatcher(reg, router.Options{
		Identities:  st,
		Connections: st,
		Transport:   opts.Transport,
		Audit:       sink,
		Diagnostics: st,
		Replies:     catalog,
		Contact:     cfg.Support.Contact,
		CountryCode: cfg.Identity.CountryCode,
		Observe:     opts.Observe,
	})
	if err != nil {
		_ = rt.Close()
		return nil, err
	}

	logger.DebugCF("runtime", "Runtime ready", map[string]any{
		"storage":  cfg.StoragePath(),
		"commands": reg.Len(),
		"audit":    cfg.Audit.Enabled,
	})
	return rt, nil
}

func (r *Runtime) Close() error {
	var errs []error
	if r.auditLog != nil {
		errs = append(errs, r.auditLog.Close())
	}
	if r.Store != nil {
		errs = append(errs, r.Store.Close())
	}
	return errors.Join(errs...)
}
