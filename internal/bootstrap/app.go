// Package bootstrap assembles the trading server from configuration:
// stores, event bus, risk stack, execution stack, strategy engine and the
// operational endpoints, with ordered startup and shutdown.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"options_trader/internal/alert"
	"options_trader/internal/config"
	"options_trader/internal/core"
	"options_trader/internal/eventbus"
	"options_trader/internal/indicator"
	"options_trader/internal/infrastructure/health"
	"options_trader/internal/infrastructure/metrics"
	"options_trader/internal/market"
	"options_trader/internal/mock"
	"options_trader/internal/risk"
	"options_trader/internal/store"
	"options_trader/internal/trading/execution"
	"options_trader/internal/trading/margin"
	"options_trader/internal/trading/morph"
	"options_trader/internal/trading/position"
	"options_trader/internal/trading/reconcile"
	"options_trader/internal/trading/router"
	"options_trader/internal/trading/strategy"
	"options_trader/pkg/concurrency"
	"options_trader/pkg/logging"
	"options_trader/pkg/telemetry"
)

// monitorInterval paces the periodic account-limit and margin-utilization
// checks.
const monitorInterval = 30 * time.Second

// App holds every assembled component of the trading server.
type App struct {
	Cfg    *config.Config
	Logger core.ILogger

	Bus        *eventbus.Bus
	Gateway    core.IBrokerGateway
	Journal    *store.SQLiteJournalStore
	Audit      *store.SQLiteAuditStore
	Positions  core.IPositionStore
	Orders     core.IOrderStore
	TimeSeries core.ITimeSeriesStore

	WriteBehind *store.WriteBehindStore
	Tracker     *position.Tracker
	Cache       *indicator.Cache
	Indicators  *indicator.Engine
	Strategies  *strategy.Engine
	Executor    *execution.MultiLegExecutor
	Router      *router.Router
	Fills       *execution.FillTracker
	Gate        *risk.Gate
	Account     *risk.AccountRiskChecker
	KillSwitch  *risk.KillSwitch
	Margins     *margin.Service
	Reconciler  *reconcile.Reconciler
	Morpher     *morph.Engine
	Alerts      *alert.AlertManager
	Calendar    *market.Calendar
	Health      *health.Manager
	Metrics     *metrics.Server

	telemetry *telemetry.Telemetry
	redis     *redis.Client
	pool      *concurrency.WorkerPool
	paper     *paperFiller
}

// NewApp loads configuration and wires every component. Nothing is started
// yet; Run owns the lifecycle.
func NewApp(configPath string) (*App, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	logging.SetGlobalLogger(logger)

	tel, err := telemetry.Setup("options_trader")
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	a := &App{Cfg: cfg, Logger: logger, telemetry: tel}
	if err := a.wire(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) wire() error {
	cfg := a.Cfg
	logger := a.Logger

	a.Bus = eventbus.NewBus(logger)
	a.Alerts = alert.NewAlertManager(logger)
	if url := os.Getenv("SLACK_WEBHOOK_URL"); url != "" {
		a.Alerts.AddChannel(alert.NewSlackChannel(url))
	}
	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" {
		a.Alerts.AddChannel(alert.NewTelegramChannel(token, os.Getenv("TELEGRAM_CHAT_ID")))
	}

	calendar, err := market.NewCalendar(
		cfg.System.MarketTimezone, cfg.System.MarketOpen, cfg.System.MarketClose, nil)
	if err != nil {
		return fmt.Errorf("market calendar: %w", err)
	}
	a.Calendar = calendar

	// Stores.
	a.Journal, err = store.NewSQLiteJournalStore(cfg.Stores.JournalPath, logger)
	if err != nil {
		return fmt.Errorf("journal store: %w", err)
	}
	a.Audit, err = store.NewSQLiteAuditStore(cfg.Stores.AuditPath, logger)
	if err != nil {
		return fmt.Errorf("audit store: %w", err)
	}
	a.redis = redis.NewClient(&redis.Options{
		Addr: cfg.Stores.RedisAddr,
		DB:   cfg.Stores.RedisDB,
	})
	a.Positions = store.NewRedisPositionStore(a.redis, logger)
	a.Orders = store.NewRedisOrderStore(a.redis, logger)
	a.TimeSeries = store.NewRedisTimeSeriesStore(a.redis,
		time.Duration(cfg.Stores.TimeSeries.RetentionHours)*time.Hour, logger)
	a.WriteBehind = store.NewWriteBehindStore(a.Audit, a.Audit,
		cfg.Stores.WriteBehind.AuditQueueSize,
		time.Duration(cfg.Stores.WriteBehind.FlushIntervalSeconds)*time.Second, logger)

	// Broker gateway. Only paper trading is wired; a live session adapter
	// drops in behind core.IBrokerGateway.
	gw := mock.NewBrokerGateway()
	a.Gateway = gw
	if !cfg.App.PaperTrading {
		logger.Warn("No live broker adapter configured, orders will fill as paper trades")
	}
	a.paper = newPaperFiller(a.Bus, a.Orders, logger)
	gw.OnPlace = a.paper.fillAsync

	// Risk stack.
	limits := riskLimitsFromConfig(cfg.Risk.Limits)
	a.Account = risk.NewAccountRiskChecker(limits, a.Positions, a.Orders, a.Bus, logger)
	positionChecker := risk.NewPositionRiskChecker(limits, logger)
	underlyingChecker := risk.NewUnderlyingRiskChecker(underlyingLimitsFromConfig(cfg.Risk.Underlyings), a.Positions, logger)
	a.Gate = risk.NewGate(a.Bus, logger, positionChecker, a.Account, underlyingChecker)

	// Order egress.
	limiter := rate.NewLimiter(
		rate.Limit(cfg.Execution.RouterRateLimitPerSec), cfg.Execution.RouterRateLimitBurst)
	a.Router = router.NewRouter(a.Gate, a.Gateway, a.Orders, a.Bus, limiter, logger)

	// Execution stack.
	a.Fills = execution.NewFillTracker(logger)
	a.pool = concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "execution",
		MaxWorkers:  cfg.Concurrency.BrokerPoolSize,
		MaxCapacity: cfg.Concurrency.BrokerPoolBuffer,
	}, logger)
	a.Executor = execution.NewMultiLegExecutor(a.Journal, a.Router, a.Fills, a.Bus, a.pool, logger)

	// Strategy layer.
	a.Cache = indicator.NewCache()
	a.Strategies = strategy.NewEngine(a.Bus, logger)
	a.KillSwitch = risk.NewKillSwitch(a.Gateway, a.Router, a.Strategies, a.Bus, logger)
	a.Margins = margin.NewService(a.Gateway, a.Bus, margin.Config{
		CacheTTL:             time.Duration(cfg.Execution.MarginCacheTTLSeconds) * time.Second,
		MaxMarginUtilization: decimalPtr(cfg.Risk.Limits.MaxMarginUtilization),
	}, logger)
	a.Morpher = morph.NewEngine(a.Strategies, a.Audit, a.Executor, a.Bus,
		a.morphFactory(), morph.Config{
			Enabled:        cfg.Morph.Enabled,
			MaxLegsToClose: cfg.Morph.MaxLegsToClose,
		}, logger)

	a.Tracker = position.NewTracker(a.Positions, a.Bus, a.WriteBehind, a.Account, a.Strategies, logger)

	a.Reconciler = reconcile.NewReconciler(a.Gateway, a.Positions, a.Calendar, a.Bus, a.Alerts,
		reconcile.Config{
			Interval:            time.Duration(cfg.Reconciliation.IntervalSeconds) * time.Second,
			PriceDriftTolerance: decimal.NewFromFloat(cfg.Reconciliation.PriceDriftPercent / 100),
		}, logger)

	// Indicator engine: bar geometry comes from the first configured
	// instrument, remaining instruments share it.
	barDuration := time.Minute
	maxBars := 500
	if len(cfg.Indicators.Instruments) > 0 {
		first := cfg.Indicators.Instruments[0]
		if d, err := config.ParseISODuration(first.BarDuration); err == nil {
			barDuration = d
		}
		maxBars = first.MaxBars
	}
	a.Indicators = indicator.NewEngine(a.Bus, a.Cache, barDuration, maxBars, calendar.Location(), logger)

	a.Health = health.NewManager(logger)
	a.Health.Register("redis", func() error { return a.redis.Ping(context.Background()).Err() })
	a.Health.Register("kill_switch", func() error {
		if a.KillSwitch.IsActive() {
			return fmt.Errorf("kill switch active")
		}
		return nil
	})
	if cfg.Telemetry.EnableMetrics {
		a.Metrics = metrics.NewServer(cfg.Telemetry.MetricsPort, logger)
	}
	return nil
}

// Run starts every component, performs startup recovery, and blocks until
// SIGINT/SIGTERM. Shutdown is the reverse of startup.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.WriteBehind.Start(ctx)
	if err := a.Tracker.Load(ctx); err != nil {
		return fmt.Errorf("load position book: %w", err)
	}
	a.Tracker.Start()
	a.Fills.Subscribe(a.Bus)
	a.Strategies.Start()
	if a.paper != nil {
		a.paper.Start()
	}

	for _, inst := range a.Cfg.Indicators.Instruments {
		defs := make([]indicator.Definition, 0, len(inst.Indicators))
		for _, d := range inst.Indicators {
			defs = append(defs, indicator.Definition{Type: indicator.Type(d.Type), Params: d.Params})
		}
		a.Indicators.Track(inst.InstrumentToken, inst.TradingSymbol, defs)
		if err := a.Indicators.Activate(inst.InstrumentToken); err != nil {
			a.Logger.Error("Indicator activation failed",
				"instrument_token", inst.InstrumentToken, "error", err)
		}
	}
	a.Indicators.Start()

	a.recordTimeSeries(ctx)
	a.watchCriticalRisk(ctx)

	// Startup recovery: report what a previous run left behind.
	if n, err := execution.ReportInterrupted(ctx, a.Journal, a.Bus, a.Logger); err != nil {
		a.Logger.Error("Journal recovery scan failed", "error", err)
	} else if n > 0 {
		a.Logger.Warn("Interrupted execution groups reported", "groups", n)
	}
	if n, err := a.Morpher.RecoverInterrupted(ctx); err != nil {
		a.Logger.Error("Morph recovery failed", "error", err)
	} else if n > 0 {
		a.Logger.Warn("Interrupted morph plans marked", "plans", n)
	}

	if _, err := a.Reconciler.Reconcile(ctx, reconcile.TriggerStartup); err != nil {
		a.Logger.Error("Startup reconciliation failed", "error", err)
	}
	if err := a.Reconciler.Start(ctx); err != nil {
		return fmt.Errorf("start reconciler: %w", err)
	}

	go a.monitorLoop(ctx)

	if a.Metrics != nil {
		a.Metrics.Start()
	}
	a.Health.Serve(a.Cfg.Telemetry.MetricsPort + 1)

	a.Bus.Publish(core.SystemEvent{Kind: "STARTUP", Message: "trading server started"})
	a.Logger.Info("Trading server started",
		"paper_trading", a.Cfg.App.PaperTrading,
		"instruments", len(a.Cfg.Indicators.Instruments))

	<-ctx.Done()
	return a.shutdown()
}

// monitorLoop drives the periodic account-limit and margin-utilization
// checks while the market is open.
func (a *App) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if !a.Calendar.IsMarketOpen(now) {
				continue
			}
			a.Account.CheckAccountLimits(ctx)
			if err := a.Margins.CheckUtilization(ctx); err != nil {
				a.Logger.Warn("Margin utilization check failed", "error", err)
			}
		}
	}
}

// watchCriticalRisk trips the kill switch on critical account-level
// breaches. Routine WARNING events only alert.
func (a *App) watchCriticalRisk(ctx context.Context) {
	a.Bus.Subscribe(core.EventTypeRisk, 90, "kill_switch_trigger", func(ev core.Event) {
		re, ok := ev.(core.RiskEvent)
		if !ok || re.Level != core.RiskLevelCritical {
			return
		}
		a.Alerts.Alert(ctx, "Critical risk event", re.Message, alert.Critical, re.Detail)
		if re.Code != risk.CodeDailyLossLimitBreached {
			return
		}
		if a.KillSwitch.IsActive() {
			return
		}
		go func() {
			if _, err := a.KillSwitch.Activate(context.Background(), re.Code); err != nil {
				a.Logger.Error("Kill switch activation failed", "error", err)
			}
		}()
	})
}

// recordTimeSeries appends spot prices and per-position unrealised P&L to
// the time-series store for later range queries.
func (a *App) recordTimeSeries(ctx context.Context) {
	a.Bus.Subscribe(core.EventTypeTick, 95, "timeseries_recorder", func(ev core.Event) {
		te, ok := ev.(core.TickEvent)
		if !ok {
			return
		}
		if err := a.TimeSeries.Append(ctx, "ltp", te.Tick.InstrumentToken, te.Tick.Timestamp, te.Tick.LastPrice); err != nil {
			a.Logger.Debug("Time-series append failed", "metric", "ltp", "error", err)
		}
	})
	a.Bus.Subscribe(core.EventTypePosition, 95, "timeseries_pnl_recorder", func(ev core.Event) {
		pe, ok := ev.(core.PositionEvent)
		if !ok || pe.Position.UnrealizedPnl == nil {
			return
		}
		if err := a.TimeSeries.Append(ctx, "unrealised_pnl", pe.Position.InstrumentToken, time.Now(), *pe.Position.UnrealizedPnl); err != nil {
			a.Logger.Debug("Time-series append failed", "metric", "unrealised_pnl", "error", err)
		}
	})
}

func (a *App) shutdown() error {
	a.Logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := a.Reconciler.Stop(); err != nil {
		a.Logger.Error("Reconciler stop failed", "error", err)
	}
	a.pool.Stop()
	if err := a.Tracker.PersistDailyPnl(shutdownCtx, a.Audit, a.Account.DailyRealisedPnl()); err != nil {
		a.Logger.Error("Daily P&L persist failed", "error", err)
	}
	a.WriteBehind.Stop()

	if a.Metrics != nil {
		if err := a.Metrics.Stop(shutdownCtx); err != nil {
			a.Logger.Error("Metrics server stop failed", "error", err)
		}
	}
	if err := a.Health.Shutdown(shutdownCtx); err != nil {
		a.Logger.Error("Health server stop failed", "error", err)
	}

	if err := a.Journal.Close(); err != nil {
		a.Logger.Error("Journal close failed", "error", err)
	}
	if err := a.Audit.Close(); err != nil {
		a.Logger.Error("Audit close failed", "error", err)
	}
	if err := a.redis.Close(); err != nil {
		a.Logger.Error("Redis close failed", "error", err)
	}
	if err := a.telemetry.Shutdown(shutdownCtx); err != nil {
		a.Logger.Error("Telemetry shutdown failed", "error", err)
	}
	a.Logger.Info("Shutdown complete")
	return nil
}

func riskLimitsFromConfig(c config.RiskLimitsConfig) core.RiskLimits {
	return core.RiskLimits{
		DailyLossLimit:            decimalPtr(c.DailyLossLimit),
		DailyLossWarningThreshold: decimalPtr(c.DailyLossWarningThreshold),
		MaxMarginUtilization:      decimalPtr(c.MaxMarginUtilization),
		MaxOpenPositions:          c.MaxOpenPositions,
		MaxOpenOrders:             c.MaxOpenOrders,
		MaxActiveStrategies:       c.MaxActiveStrategies,
		MaxLossPerPosition:        decimalPtr(c.MaxLossPerPosition),
		MaxProfitPerPosition:      decimalPtr(c.MaxProfitPerPosition),
		MaxLotsPerPosition:        c.MaxLotsPerPosition,
		MaxPositionValue:          decimalPtr(c.MaxPositionValue),
		MaxLossPerStrategy:        decimalPtr(c.MaxLossPerStrategy),
		MaxLegsPerStrategy:        c.MaxLegsPerStrategy,
	}
}

func underlyingLimitsFromConfig(cs []config.UnderlyingLimitConfig) []core.UnderlyingRiskLimits {
	out := make([]core.UnderlyingRiskLimits, 0, len(cs))
	for _, c := range cs {
		out = append(out, core.UnderlyingRiskLimits{Underlying: c.Underlying, MaxLots: c.MaxLots})
	}
	return out
}

func decimalPtr(f *float64) *decimal.Decimal {
	if f == nil {
		return nil
	}
	d := decimal.NewFromFloat(*f)
	return &d
}
