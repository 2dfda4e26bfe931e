// Command execution_bot runs the order management core: it acquires the
// single-instance lock, reconciles state against the venue, and executes
// approved intents on a fixed cycle.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"execution_bot/internal/config"
	"execution_bot/internal/core"
	"execution_bot/internal/engine"
	"execution_bot/internal/exchange/btcturk"
	"execution_bot/internal/exchange/mockx"
	"execution_bot/internal/ledger"
	"execution_bot/internal/lock"
	"execution_bot/internal/reconcile"
	"execution_bot/internal/store"
	"execution_bot/pkg/concurrency"
	"execution_bot/pkg/logging"
	"execution_bot/pkg/telemetry"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Exit codes.
const (
	exitOK             = 0
	exitConfigError    = 2
	exitLockContention = 3
	exitUnsafeArming   = 4
	exitReconcileFatal = 10
)

// unresolvedFatalThreshold aborts the run when this many orders stay UNKNOWN
// after the startup reconciliation pass.
const unresolvedFatalThreshold = 25

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath    = flag.String("config", "", "path to YAML config file")
		intentsPath   = flag.String("intents", "", "path to approved intents JSON, re-read each cycle")
		cycleInterval = flag.Duration("cycle-interval", 30*time.Second, "delay between cycles")
		once          = flag.Bool("once", false, "run a single cycle and exit")
	)
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return exitConfigError
	}

	if err := cfg.CheckArming(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUnsafeArming
	}

	tel, err := telemetry.Setup("execution_bot")
	if err != nil {
		fmt.Fprintln(os.Stderr, "telemetry setup failed:", err)
		return exitConfigError
	}
	defer tel.Shutdown(context.Background())

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger setup failed:", err)
		return exitConfigError
	}
	logging.SetGlobalLogger(logger)
	defer logger.Sync()

	logger.Info("Starting execution bot",
		"db_path", cfg.App.DBPath,
		"dry_run", cfg.Safety.DryRun,
		"symbols", cfg.App.Symbols)

	instanceLock, err := lock.Acquire(cfg.App.DBPath, cfg.App.AccountID)
	if err != nil {
		logger.Error("Single-instance lock unavailable", "error", err.Error())
		return exitLockContention
	}
	defer func() {
		if err := instanceLock.Release(); err != nil {
			logger.Error("Lock release failed", "error", err.Error())
		}
	}()

	st, err := store.Open(cfg.App.DBPath, logger)
	if err != nil {
		logger.Error("State store open failed", "error", err.Error())
		return exitConfigError
	}
	defer st.Close()
	st.SetDedupeBucketSeconds(cfg.Engine.ActionDedupeBucketSeconds)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	exchange, fillStream, err := buildExchange(ctx, cfg, logger)
	if err != nil {
		logger.Error("Exchange adapter setup failed", "error", err.Error())
		return exitConfigError
	}

	rules, err := exchange.GetExchangeInfo(ctx)
	if err != nil {
		logger.Error("Exchange info fetch failed", "error", err.Error())
		return exitConfigError
	}

	safety := engine.NewSafetyContext(cfg.Safety)
	executor := engine.NewExecutor(st, exchange, safety, rules, cfg.Engine, nil, logger)

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:       "reconcile",
		MaxWorkers: 4,
	}, logger)
	defer pool.Stop()

	reconciler := reconcile.NewReconciler(
		st, st, exchange, pool, safety,
		time.Duration(cfg.Reconcile.WindowSeconds)*time.Second,
		time.Duration(cfg.Reconcile.WindowMaxSeconds)*time.Second,
		nil, logger)
	reconciler.WatchSymbols(cfg.App.Symbols...)

	reducer := ledger.NewReducer(st, cfg.App.AccountID, cfg.Ledger.SnapshotVersion, logger)

	eng := engine.NewEngine(executor, reconciler, reducer, st, safety, cfg.App.Symbols, nil, logger)

	var metricsServer *telemetry.MetricsServer
	if cfg.Telemetry.EnableMetrics {
		metricsServer = telemetry.NewMetricsServer(cfg.Telemetry.MetricsPort, logger)
		metricsServer.Start()
		defer metricsServer.Stop(context.Background())
	}

	if fillStream != nil {
		if err := fillStream.Start(ctx, func(fill core.Fill) {
			if err := executor.ApplyFill(ctx, fill); err != nil {
				logger.Error("Stream fill apply failed", "fill_id", fill.FillID, "error", err.Error())
			}
		}); err != nil {
			logger.Error("Fill stream start failed", "error", err.Error())
		}
		defer fillStream.Stop()
	}

	// Startup reconciliation: too many unresolved orders means local state
	// and the venue disagree beyond what unattended trading should tolerate.
	startupResult, err := reconciler.Run(ctx)
	if err != nil {
		logger.Error("Startup reconciliation failed", "error", err.Error())
		return exitReconcileFatal
	}
	if startupResult.StillUnknown >= unresolvedFatalThreshold {
		logger.Error("Too many unresolved orders after startup reconciliation",
			"still_unknown", startupResult.StillUnknown,
			"threshold", unresolvedFatalThreshold)
		return exitReconcileFatal
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return cycleLoop(gctx, eng, logger, *intentsPath, *cycleInterval, *once)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Run loop failed", "error", err.Error())
		return exitReconcileFatal
	}

	logger.Info("Shutdown complete")
	return exitOK
}

// buildExchange returns the live adapter, or the mock venue in dry-run so no
// network side effects are possible at all.
func buildExchange(ctx context.Context, cfg *config.Config, logger core.Logger) (core.Exchange, core.FillStream, error) {
	if cfg.Safety.DryRun {
		mock := mockx.NewMockExchange("dry-run")
		for _, symbol := range cfg.App.Symbols {
			mock.SetSymbolRules(core.SymbolRules{
				Symbol:    symbol,
				PriceTick: decimal.New(1, -2),
				QtyStep:   decimal.New(1, -8),
			})
		}
		return mock, nil, nil
	}

	client, err := btcturk.NewClient(cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	if err := client.SyncClock(ctx); err != nil {
		logger.Warn("Initial clock sync failed", "error", err.Error())
	}

	var stream core.FillStream
	if cfg.Exchange.WSURL != "" && cfg.Exchange.APIKey != "" {
		signer, err := btcturk.NewSigner(cfg.Exchange.APIKey, cfg.Exchange.SecretKey, client.Clock())
		if err != nil {
			return nil, nil, err
		}
		stream = btcturk.NewFillStream(cfg.Exchange.WSURL, signer, logger)
	}

	return client, stream, nil
}

func cycleLoop(ctx context.Context, eng *engine.Engine, logger core.Logger, intentsPath string, interval time.Duration, once bool) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		intents, err := loadIntents(intentsPath)
		if err != nil {
			logger.Error("Intent load failed", "path", intentsPath, "error", err.Error())
		}

		report := eng.RunCycle(ctx, intents)
		logger.Info("Cycle report",
			"cycle_id", report.CycleID,
			"submitted", report.Submitted,
			"canceled", report.Canceled,
			"rejected", report.Rejected,
			"unknown", report.Unknown,
			"skipped", report.Skipped,
			"reasons", report.Reasons)

		if once {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// intentFile is the on-disk shape of an approved intent batch produced by
// the decision layer.
type intentFile struct {
	Intents []struct {
		IntentID   string `json:"intent_id"`
		Symbol     string `json:"symbol"`
		Side       string `json:"side"`
		LimitPrice string `json:"limit_price"`
		Qty        string `json:"qty"`
		CreatedAt  string `json:"created_at"`
	} `json:"intents"`
}

func loadIntents(path string) ([]core.OrderIntent, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var file intentFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, err
	}

	intents := make([]core.OrderIntent, 0, len(file.Intents))
	for _, raw := range file.Intents {
		price, err := decimal.NewFromString(raw.LimitPrice)
		if err != nil {
			return nil, fmt.Errorf("intent %s: bad limit_price: %w", raw.IntentID, err)
		}
		qty, err := decimal.NewFromString(raw.Qty)
		if err != nil {
			return nil, fmt.Errorf("intent %s: bad qty: %w", raw.IntentID, err)
		}
		createdAt := time.Now().UTC()
		if raw.CreatedAt != "" {
			if parsed, err := time.Parse(time.RFC3339, raw.CreatedAt); err == nil {
				createdAt = parsed.UTC()
			}
		}

		intents = append(intents, core.OrderIntent{
			IntentID:   raw.IntentID,
			Symbol:     raw.Symbol,
			Side:       core.Side(raw.Side),
			LimitPrice: price,
			Qty:        qty,
			CreatedAt:  createdAt,
			Origin:     core.OriginLocal,
		})
	}
	return intents, nil
}
