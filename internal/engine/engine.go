// Package engine wires every component into one root value with explicit
// dependencies and runs the process lifecycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"crypto-signal-pipeline/config"
	"crypto-signal-pipeline/internal/api"
	"crypto-signal-pipeline/internal/events"
	"crypto-signal-pipeline/internal/exchange"
	"crypto-signal-pipeline/internal/executor"
	"crypto-signal-pipeline/internal/lifecycle"
	"crypto-signal-pipeline/internal/market"
	"crypto-signal-pipeline/internal/monitor"
	"crypto-signal-pipeline/internal/oracle"
	strategyruntime "crypto-signal-pipeline/internal/runtime"
	"crypto-signal-pipeline/internal/scheduler"
	"crypto-signal-pipeline/internal/store"
	"crypto-signal-pipeline/internal/vault"
)

const (
	heartbeatInterval = 30 * time.Second
	shutdownGrace     = 30 * time.Second
)

// ErrTransportLost is returned by Run when the market stream is
// unrecoverable; the process exits with code 2.
var ErrTransportLost = errors.New("unrecoverable transport loss")

// Engine is the assembled signal pipeline.
type Engine struct {
	cfg *config.Config

	bus       *events.Bus
	cache     *market.Cache
	rest      *exchange.Client
	aggregator *market.Aggregator
	runtime   *strategyruntime.Runtime
	scheduler *scheduler.Scheduler
	lifecycle *lifecycle.Manager
	executor  executor.Executor
	liveExec  *executor.LiveExecutor // non-nil in live mode
	monitor   *monitor.Monitor
	gateway   *store.Gateway
	server    *api.Server

	shutdownCh chan struct{}
}

// New assembles the engine from configuration. Store connection failures
// here are fatal init errors; at runtime the gateway degrades instead.
func New(ctx context.Context, cfg *config.Config) (*Engine, error) {
	zl := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()

	var primary store.Store
	if cfg.StoreConfig.DatabaseURL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.StoreConfig.DatabaseURL, zl)
		if err != nil {
			return nil, fmt.Errorf("store init: %w", err)
		}
		primary = pg
	}

	var rdb *redis.Client
	if cfg.StoreConfig.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.StoreConfig.RedisAddr})
	}
	gateway := store.NewGateway(primary, rdb, zl)

	bus := events.NewBus()
	cache := market.NewCache(cfg.MarketConfig.CacheCapacity)
	rest := exchange.NewClient(cfg.ExchangeConfig.APIURL)

	e := &Engine{
		cfg:        cfg,
		bus:        bus,
		cache:      cache,
		rest:       rest,
		gateway:    gateway,
		runtime:    strategyruntime.New(time.Duration(cfg.TradingConfig.EvalBudgetMs) * time.Millisecond),
		shutdownCh: make(chan struct{}),
	}

	// Executor: live only when credentials resolve and paper-only is off.
	exec, liveExec, err := e.buildExecutor(ctx, cfg, gateway, bus, zl)
	if err != nil {
		return nil, err
	}
	e.executor = exec
	e.liveExec = liveExec

	// Intervals for the stream: the configured set plus every enabled
	// strategy's required intervals.
	intervals, err := e.collectIntervals(ctx, cfg)
	if err != nil {
		return nil, err
	}
	e.aggregator = market.NewAggregator(cfg.ExchangeConfig.WSURL, cfg.MarketConfig.Symbols, intervals, rest, cache, bus)

	e.scheduler = scheduler.New(cfg.MarketConfig.Symbols, cache, e.runtime, gateway, bus)
	orc := oracle.NewClient(cfg.OracleConfig.URL, cfg.OracleConfig.Timeout)
	e.lifecycle = lifecycle.New(cache, gateway, orc, exec, bus)
	e.scheduler.SetDisableListener(e.lifecycle)
	e.monitor = monitor.New(cache, exec)
	e.server = api.NewServer(e, cfg.ServerConfig.HealthPort)

	return e, nil
}

func (e *Engine) buildExecutor(ctx context.Context, cfg *config.Config, gateway *store.Gateway, bus *events.Bus, zl zerolog.Logger) (executor.Executor, *executor.LiveExecutor, error) {
	if cfg.TradingConfig.PaperOnly {
		return executor.NewPaperExecutor(cfg.TradingConfig.PaperBalance, gateway, bus), nil, nil
	}

	vc, err := vault.NewClient(vault.Config{
		Enabled:      cfg.VaultConfig.Enabled,
		Address:      cfg.VaultConfig.Address,
		Token:        cfg.VaultConfig.Token,
		MountPath:    cfg.VaultConfig.MountPath,
		KeyPath:      cfg.VaultConfig.KeyPath,
		EnvAPIKey:    cfg.ExchangeConfig.APIKey,
		EnvSecretKey: cfg.ExchangeConfig.SecretKey,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("vault init: %w", err)
	}

	creds, err := vc.ExchangeCredentials(ctx)
	if err != nil {
		log.Printf("[Engine] credential lookup degraded: %v", err)
	}
	if creds.APIKey == "" || creds.SecretKey == "" {
		log.Printf("[Engine] no exchange credentials, forcing paper mode")
		return executor.NewPaperExecutor(cfg.TradingConfig.PaperBalance, gateway, bus), nil, nil
	}

	live := executor.NewLiveExecutor(creds.APIKey, creds.SecretKey, cfg.TradingConfig.PaperBalance, gateway, bus, zl)
	return live, live, nil
}

func (e *Engine) collectIntervals(ctx context.Context, cfg *config.Config) ([]string, error) {
	seen := make(map[string]bool)
	var intervals []string
	add := func(iv string) {
		if iv != "" && !seen[iv] {
			seen[iv] = true
			intervals = append(intervals, iv)
		}
	}
	for _, iv := range cfg.MarketConfig.Intervals {
		add(iv)
	}

	strategies, err := e.gateway.ListEnabledStrategies(ctx)
	if err != nil {
		return nil, fmt.Errorf("strategy scan: %w", err)
	}
	for _, s := range strategies {
		add(s.TriggerInterval)
		for _, iv := range s.RequiredIntervals {
			add(iv)
		}
	}
	return intervals, nil
}

// Run bootstraps the caches and drives the engine until ctx is cancelled
// or shutdown is requested.
func (e *Engine) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := e.aggregator.Bootstrap(runCtx); err != nil {
		return fmt.Errorf("market bootstrap: %w: %w", ErrTransportLost, err)
	}
	if err := e.scheduler.Reload(runCtx); err != nil {
		log.Printf("[Engine] initial strategy load failed: %v", err)
	}

	e.aggregator.Start(runCtx)
	e.scheduler.Start(runCtx)
	e.lifecycle.Start(runCtx)
	e.monitor.Start(runCtx)
	if e.liveExec != nil {
		e.liveExec.Start(runCtx)
	}

	go e.heartbeatLoop(runCtx)

	serverErr := make(chan error, 1)
	go func() { serverErr <- e.server.Start() }()

	log.Printf("[Engine] running: %d symbols, health port %d, mode=%s",
		len(e.cfg.MarketConfig.Symbols), e.cfg.ServerConfig.HealthPort, e.executor.Mode())

	select {
	case <-ctx.Done():
	case <-e.shutdownCh:
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("health server: %w", err)
		}
	}

	e.shutdown(cancel)
	return nil
}

// shutdown stops accepting work, flushes in-flight state and closes the
// socket within the grace window.
func (e *Engine) shutdown(cancel context.CancelFunc) {
	log.Printf("[Engine] shutting down")
	graceCtx, graceCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer graceCancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.scheduler.Stop()
		e.lifecycle.Stop()
		e.monitor.Stop()
		if e.liveExec != nil {
			e.liveExec.Stop()
		}
		e.aggregator.Stop()
		cancel()

		// Flush open positions so a restart can re-adopt them.
		for _, pos := range e.executor.OpenPositions() {
			if err := e.gateway.UpsertPosition(graceCtx, pos); err != nil {
				log.Printf("[Engine] position flush failed for %s: %v", pos.ID, err)
			}
		}
	}()

	select {
	case <-done:
	case <-graceCtx.Done():
		log.Printf("[Engine] shutdown grace period exceeded")
	}

	if err := e.server.Shutdown(graceCtx); err != nil {
		log.Printf("[Engine] server shutdown: %v", err)
	}
	e.gateway.Close()
}

func (e *Engine) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hb := &store.Heartbeat{
				MachineID:   e.cfg.ServerConfig.MachineID,
				Timestamp:   time.Now(),
				LastUpdates: e.cache.LastUpdates(),
			}
			if err := e.gateway.RecordHeartbeat(ctx, hb); err != nil {
				log.Printf("[Engine] heartbeat failed: %v", err)
			}
		}
	}
}

// Healthy implements api.Engine.
func (e *Engine) Healthy(ctx context.Context) (bool, bool) {
	return e.aggregator.Healthy(), e.gateway.Ping(ctx) == nil
}

// MetricsSnapshot implements api.Engine.
func (e *Engine) MetricsSnapshot() map[string]interface{} {
	evaluations, signals, evalErrors := e.scheduler.Stats()
	sweeps, triggers := e.monitor.Stats()
	aggStats := e.aggregator.Stats()

	return map[string]interface{}{
		"candles_processed": aggStats.CandlesProcessed,
		"signals_emitted":   signals,
		"decisions_made":    e.lifecycle.DecisionsMade(),
		"positions_open":    len(e.executor.OpenPositions()),
		"errors": map[string]interface{}{
			"parse":          aggStats.ParseErrors,
			"evaluation":     evalErrors,
			"store_failures": e.gateway.Failures(),
		},
		"aggregator":     aggStats,
		"evaluations":    evaluations,
		"live_signals":   e.lifecycle.LiveSignals(),
		"monitor_sweeps": sweeps,
		"monitor_triggers": triggers,
		"events_dropped": e.bus.Dropped(),
		"balance":        e.executor.Balance(),
		"mode":           e.executor.Mode(),
	}
}

// ReloadStrategies implements api.Engine.
func (e *Engine) ReloadStrategies(ctx context.Context) error {
	return e.scheduler.Reload(ctx)
}

// RequestShutdown implements api.Engine.
func (e *Engine) RequestShutdown() {
	select {
	case <-e.shutdownCh:
	default:
		close(e.shutdownCh)
	}
}
