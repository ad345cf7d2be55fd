package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"ledgerflow/agreement"
	"ledgerflow/auth"
	"ledgerflow/chain"
	"ledgerflow/config"
	"ledgerflow/db"
	"ledgerflow/intent"
	"ledgerflow/ledger"
	"ledgerflow/metrics"
	"ledgerflow/notify"
	"ledgerflow/ops"
	"ledgerflow/reconcile"
	"ledgerflow/repeat"
	"ledgerflow/scheduler"
	"ledgerflow/scheduler/sqlitestore"
	"ledgerflow/wallet"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", slog.Any("err", err))
		os.Exit(1)
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("orchestrator stopped", slog.Any("err", err))
		os.Exit(1)
	}
	logger.Info("orchestrator stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("bootstrap database pool: %w", err)
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		return err
	}

	collectors := metrics.New()

	chainClient, err := chain.Dial(ctx, cfg.Chain(), logger.With(slog.String("component", "chain")))
	if err != nil {
		return err
	}
	defer chainClient.Close()

	scheduleStore, closeStore, err := openScheduleStore(cfg, pool)
	if err != nil {
		return err
	}
	defer closeStore()

	sched := scheduler.New(scheduleStore, scheduler.Options{
		PollInterval: cfg.SchedulerPollInterval,
		Observe:      collectors.ObserveSchedule,
		Logger:       logger.With(slog.String("component", "scheduler")),
	})

	var artifact agreement.Artifact
	if cfg.AgreementArtifact != "" {
		if artifact, err = config.LoadArtifact(cfg.AgreementArtifact); err != nil {
			return err
		}
	} else {
		logger.Warn("AGREEMENT_ARTIFACT not set; agreement deployment is unavailable")
	}

	intents := intent.NewRepository(pool)
	notifier := notify.NewOutboxNotifier(pool)
	wallets := wallet.NewRepository(pool)

	var (
		gateway *ledger.Gateway
		channel *ledger.PushChannel
	)
	if cfg.LedgerProfile != "" {
		gateway, channel, err = newLedger(cfg, collectors, logger)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("LEDGER_PROFILE not set; permissioned ledger is disabled")
	}

	submitter := intent.NewSubmitter(intent.SubmitterDeps{
		Store:   intents,
		Chain:   chainClient,
		Ledger:  ledgerOrUnavailable(gateway),
		Wallets: wallets,
		Keys:    wallet.NewSigner(),
	}, cfg.EthGasPriceGwei, logger.With(slog.String("component", "intent.submitter")))

	manager := agreement.NewManager(agreement.Deps{
		Store:     agreement.NewRepository(pool),
		Chain:     chainClient,
		Wallets:   wallets,
		Keys:      wallet.NewSigner(),
		Schedules: sched,
		Intents:   intents,
	}, agreement.Options{
		Artifact:       artifact,
		GasPriceGwei:   cfg.EthGasPriceGwei,
		DeployGasLimit: cfg.EthGasLimit,
		OnTransition: func(to agreement.Status) {
			collectors.AgreementTransition.WithLabelValues(string(to)).Inc()
		},
		Logger: logger.With(slog.String("component", "agreement")),
	})
	sched.Handle(agreement.ScheduleKind, manager.Disburse)

	if err := manager.RecreateSchedules(ctx); err != nil {
		// partial recovery still leaves the loops useful
		logger.Error("recreate schedules", slog.Any("err", err))
	}

	poller := reconcile.NewPoller(intents, chainClient, notifier, collectors, logger.With(slog.String("component", "reconcile.chain")))
	watcher := agreement.NewReceiptWatcher(agreement.NewRepository(pool), chainClient, manager, logger.With(slog.String("component", "agreement.watcher")))

	tasks := []*repeat.Task{
		poller.Task(cfg.ReconcileInterval),
		{Name: "agreement-receipts", Interval: cfg.ReconcileInterval, Fn: func(ctx context.Context) error {
			_, err := watcher.Tick(ctx)
			return err
		}, Logger: logger},
		{Name: "signature-sweep", Interval: cfg.SweepInterval, Fn: manager.SweepSignatures, Logger: logger},
		{Name: "deployment-sweep", Interval: cfg.SweepInterval, Fn: manager.SweepDeployments, Logger: logger},
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, task := range tasks {
		g.Go(func() error { return task.Run(gctx) })
	}
	g.Go(func() error { return manager.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error {
		router := ops.NewRouter(ops.Deps{Gatherer: collectors.Registry, DB: pool, Submitter: submitter, Agreements: manager, Logger: logger})
		return ops.Serve(gctx, cfg.OpsAddr, router, logger)
	})

	if channel != nil {
		push := reconcile.NewPushPath(intents, notifier, collectors, cfg.PushStatusInterval, logger.With(slog.String("component", "reconcile.push")))
		g.Go(func() error { return channel.Run(gctx, push.Session) })
	}

	logger.Info("orchestrator started",
		slog.String("rpc_type", cfg.RPCType),
		slog.String("schedule_store", cfg.ScheduleStore),
		slog.String("ops_addr", cfg.OpsAddr))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openScheduleStore(cfg config.Config, pool *pgxpool.Pool) (scheduler.Store, func(), error) {
	if cfg.ScheduleStore == config.StoreSQLite {
		store, err := sqlitestore.Open(cfg.ScheduleSQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	}
	return scheduler.NewPGStore(pool), func() {}, nil
}

func newLedger(cfg config.Config, collectors *metrics.Collectors, logger *slog.Logger) (*ledger.Gateway, *ledger.PushChannel, error) {
	profile, err := ledger.LoadProfile(cfg.LedgerProfile)
	if err != nil {
		return nil, nil, err
	}
	tokens := auth.NewStaticTokenSource(cfg.AuthAccessJWT)
	if cfg.AuthAccessJWT == "" {
		tokens = auth.NewIssuingTokenSource(cfg.AuthSigningSecret, cfg.AuthLogin, cfg.AuthTokenTTL)
	}
	gateway := ledger.NewGateway(profile, tokens, ledger.GatewayOptions{
		RPS:    cfg.LedgerRPS,
		Logger: logger.With(slog.String("component", "ledger.gateway")),
	})
	channel := ledger.NewPushChannel(profile, tokens, ledger.PushOptions{
		Backoff:     cfg.PushReconnectBackoff,
		OnReconnect: collectors.PushReconnects.Inc,
		Logger:      logger.With(slog.String("component", "ledger.push")),
	})
	return gateway, channel, nil
}

var errLedgerDisabled = errors.New("permissioned ledger not configured")

// unavailableLedger refuses JCR submissions when no ledger profile is set.
type unavailableLedger struct{}

func (unavailableLedger) Transfer(context.Context, string, string) (string, error) {
	return "", errLedgerDisabled
}

func ledgerOrUnavailable(g *ledger.Gateway) intent.LedgerTransferer {
	if g == nil {
		return unavailableLedger{}
	}
	return g
}
