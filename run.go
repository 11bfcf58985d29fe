package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/batalabs/masix/internal/agent"
	"github.com/batalabs/masix/internal/config"
	"github.com/batalabs/masix/internal/cron"
	"github.com/batalabs/masix/internal/daemon"
	"github.com/batalabs/masix/internal/mcp"
	"github.com/batalabs/masix/internal/metrics"
	"github.com/batalabs/masix/internal/pipeline"
	"github.com/batalabs/masix/internal/policy"
	"github.com/batalabs/masix/internal/profile"
	"github.com/batalabs/masix/internal/provider"
	"github.com/batalabs/masix/internal/sms"
	"github.com/batalabs/masix/internal/store"
	"github.com/batalabs/masix/internal/telegram"
	"github.com/batalabs/masix/internal/whatsapp"
)

const shutdownTimeout = 10 * time.Second

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the messaging runtime",
		Long: `Start every configured channel adapter, the reminder scheduler, the MCP
servers and the ingress listener, and process events until interrupted.`,
		Args: cobra.NoArgs,
		RunE: runRuntime,
	}
}

func runRuntime(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, logCloser, err := config.NewLogger(cfg)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	dataDir, err := cfg.DataDir()
	if err != nil {
		return fmt.Errorf("data dir: %w", err)
	}
	lock, err := daemon.AcquireLock(dataDir, cfg.Ingress.Listen)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := store.Open(filepath.Join(dataDir, store.DefaultFileName))
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := buildRuntime(ctx, cfg, dataDir, st, logger)
	if err != nil {
		return err
	}
	defer rt.mcp.StopAll()

	logger.Info().
		Str("version", version).
		Str("config", cfg.Path()).
		Str("data_dir", dataDir).
		Int("adapters", len(rt.pipeline.Adapters())).
		Msg("masix starting")

	serverErr := make(chan error, 1)
	if rt.server != nil {
		go func() { serverErr <- rt.server.Start() }()
	}

	rt.scheduler.Start(ctx)
	defer rt.scheduler.Stop()

	runErr := make(chan error, 1)
	go func() { runErr <- rt.pipeline.Run(ctx) }()

	select {
	case err = <-runErr:
	case err = <-serverErr:
		if err == nil {
			err = errors.New("ingress listener stopped")
		}
		cancel()
		<-runErr
	}

	if rt.server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if serr := rt.server.Shutdown(shutdownCtx); serr != nil {
			logger.Warn().Err(serr).Msg("ingress shutdown")
		}
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info().Msg("masix stopped")
	return err
}

// instance holds the wired components of a running instance.
type instance struct {
	pipeline  *pipeline.Pipeline
	scheduler *cron.Scheduler
	mcp       *mcp.Manager
	server    *daemon.Server
}

// buildRuntime wires configuration, storage and adapters into a pipeline.
// MCP servers are connected before it returns.
func buildRuntime(ctx context.Context, cfg *config.Config, dataDir string, st *store.Store, logger zerolog.Logger) (*instance, error) {
	m := metrics.New()

	router, err := provider.NewRouter(cfg, &http.Client{}, logger)
	if err != nil {
		return nil, err
	}
	router.SetObserver(m)

	mgr := mcp.NewManager(logger)
	mgr.SetAdminOnly(slices.Concat(cfg.MCP.AdminOnlyServers, mcp.LoadAdminOnlyPlugins(dataDir)))
	if cfg.MCP.Enabled {
		servers, err := mcp.LoadServers(cfg.MCP, filepath.Dir(cfg.Path()))
		if err != nil {
			return nil, err
		}
		mgr.StartAll(ctx, servers)
	}

	profiles, err := profile.NewResolver(cfg, dataDir)
	if err != nil {
		mgr.StopAll()
		return nil, err
	}
	evaluator := policy.NewEvaluator(cfg, st, logger)

	loc, err := cfg.Cron.Location()
	if err != nil {
		mgr.StopAll()
		return nil, fmt.Errorf("cron timezone: %w", err)
	}
	sched := cron.New(st, cron.Options{
		Interval:           cfg.Cron.TickInterval(),
		MaxFailures:        cfg.Cron.MaxFailures(),
		Location:           loc,
		DefaultTelegramTag: cfg.DefaultTelegramAccountTag(),
	}, logger)
	sched.SetObserver(m)

	p := pipeline.New(pipeline.Deps{
		Config:    cfg,
		Store:     st,
		Gate:      policy.NewGate(cfg.Policy),
		Policy:    evaluator,
		Profiles:  profiles,
		Engine:    agent.NewEngine(router, mgr, evaluator, logger),
		Catalog:   mgr,
		MCP:       mgr,
		Vision:    router,
		Reminders: sched,
		Observer:  m,
	}, logger)

	pollTimeout := time.Duration(cfg.Telegram.PollTimeoutSecs) * time.Second
	for _, acct := range cfg.Telegram.Accounts {
		a, err := telegram.New(acct, pollTimeout, logger)
		if err != nil {
			mgr.StopAll()
			return nil, err
		}
		sched.Register(a.Channel(), a.AccountTag(), a)
		p.AddAdapter(a)
	}

	opts := daemon.Options{
		Listen: cfg.Ingress.Listen,
		Status: func() map[string]any {
			return map[string]any{
				"version":     version,
				"mcp_servers": mgr.ServerStatuses(),
			}
		},
	}
	if cfg.Ingress.Metrics {
		opts.Metrics = m.Handler()
	}
	if cfg.WhatsApp.Enabled {
		wa := whatsapp.New(cfg.WhatsApp, logger)
		sched.Register(wa.Channel(), wa.AccountTag(), wa)
		p.AddAdapter(wa)
		opts.WhatsApp = wa.Handler()
	}
	if cfg.SMS.Enabled {
		sm := sms.New(cfg.SMS, logger)
		sched.Register(sm.Channel(), sm.AccountTag(), sm)
		// Any account may schedule "sms to <number>" reminders.
		sched.Register(sm.Channel(), "", sm)
		p.AddAdapter(sm)
		opts.SMS = sm.Handler()
	}

	rt := &instance{pipeline: p, scheduler: sched, mcp: mgr}
	if cfg.Ingress.Listen != "" {
		rt.server = daemon.NewServer(opts, logger)
	} else if cfg.WhatsApp.Enabled || cfg.SMS.Enabled {
		logger.Warn().Msg("whatsapp/sms enabled without ingress.listen, no inbound events will arrive")
	}
	return rt, nil
}
