package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricOrdersRoutedTotal     = "options_trader_orders_routed_total"
	MetricOrdersRejectedTotal   = "options_trader_orders_rejected_total"
	MetricOrderFillsTotal       = "options_trader_order_fills_total"
	MetricBarsCompletedTotal    = "options_trader_bars_completed_total"
	MetricIndicatorUpdatesTotal = "options_trader_indicator_updates_total"
	MetricMultiLegGroupsTotal   = "options_trader_multileg_groups_total"
	MetricLegFailuresTotal      = "options_trader_multileg_leg_failures_total"
	MetricRollbacksTotal        = "options_trader_multileg_rollbacks_total"
	MetricDeadLettersTotal      = "options_trader_dead_letters_total"
	MetricDailyRealisedPnl      = "options_trader_daily_realised_pnl"
	MetricKillSwitchActive      = "options_trader_kill_switch_active"
	MetricActiveStrategies      = "options_trader_active_strategies"
	MetricOpenPositions         = "options_trader_open_positions"
	MetricReconMismatchesTotal  = "options_trader_reconciliation_mismatches_total"
	MetricStrategyErrorsTotal   = "options_trader_strategy_errors_total"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	OrdersRoutedTotal     metric.Int64Counter
	OrdersRejectedTotal   metric.Int64Counter
	OrderFillsTotal       metric.Int64Counter
	BarsCompletedTotal    metric.Int64Counter
	IndicatorUpdatesTotal metric.Int64Counter
	MultiLegGroupsTotal   metric.Int64Counter
	LegFailuresTotal      metric.Int64Counter
	RollbacksTotal        metric.Int64Counter
	DeadLettersTotal      metric.Int64Counter
	ReconMismatchesTotal  metric.Int64Counter
	StrategyErrorsTotal   metric.Int64Counter
	DailyRealisedPnl      metric.Float64ObservableGauge
	KillSwitchActive      metric.Int64ObservableGauge
	ActiveStrategies      metric.Int64ObservableGauge
	OpenPositions         metric.Int64ObservableGauge

	// State for observable gauges
	mu               sync.RWMutex
	dailyPnl         float64
	killSwitchOn     int64
	activeStrategies int64
	openPositions    int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{}
		// Initialization of instruments happens in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.OrdersRoutedTotal, err = meter.Int64Counter(MetricOrdersRoutedTotal, metric.WithDescription("Total orders accepted by the router"))
	if err != nil {
		return err
	}

	m.OrdersRejectedTotal, err = meter.Int64Counter(MetricOrdersRejectedTotal, metric.WithDescription("Total orders rejected before reaching the broker"))
	if err != nil {
		return err
	}

	m.OrderFillsTotal, err = meter.Int64Counter(MetricOrderFillsTotal, metric.WithDescription("Total order fills observed"))
	if err != nil {
		return err
	}

	m.BarsCompletedTotal, err = meter.Int64Counter(MetricBarsCompletedTotal, metric.WithDescription("Total bars finalized across instruments"))
	if err != nil {
		return err
	}

	m.IndicatorUpdatesTotal, err = meter.Int64Counter(MetricIndicatorUpdatesTotal, metric.WithDescription("Total indicator cache writes"))
	if err != nil {
		return err
	}

	m.MultiLegGroupsTotal, err = meter.Int64Counter(MetricMultiLegGroupsTotal, metric.WithDescription("Total multi-leg execution groups"))
	if err != nil {
		return err
	}

	m.LegFailuresTotal, err = meter.Int64Counter(MetricLegFailuresTotal, metric.WithDescription("Total failed legs across execution groups"))
	if err != nil {
		return err
	}

	m.RollbacksTotal, err = meter.Int64Counter(MetricRollbacksTotal, metric.WithDescription("Total rollback orders routed"))
	if err != nil {
		return err
	}

	m.DeadLettersTotal, err = meter.Int64Counter(MetricDeadLettersTotal, metric.WithDescription("Total dead-letter entries written"))
	if err != nil {
		return err
	}

	m.ReconMismatchesTotal, err = meter.Int64Counter(MetricReconMismatchesTotal, metric.WithDescription("Total reconciliation mismatches by type"))
	if err != nil {
		return err
	}

	m.StrategyErrorsTotal, err = meter.Int64Counter(MetricStrategyErrorsTotal, metric.WithDescription("Total strategy evaluation errors and recovered panics"))
	if err != nil {
		return err
	}

	// Observables
	m.DailyRealisedPnl, err = meter.Float64ObservableGauge(MetricDailyRealisedPnl, metric.WithDescription("Realised P&L for the current trading day"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.dailyPnl)
			return nil
		}))
	if err != nil {
		return err
	}

	m.KillSwitchActive, err = meter.Int64ObservableGauge(MetricKillSwitchActive, metric.WithDescription("Kill switch state (1=active, 0=normal)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.killSwitchOn)
			return nil
		}))
	if err != nil {
		return err
	}

	m.ActiveStrategies, err = meter.Int64ObservableGauge(MetricActiveStrategies, metric.WithDescription("Number of strategies in ARMED or ACTIVE state"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.activeStrategies)
			return nil
		}))
	if err != nil {
		return err
	}

	m.OpenPositions, err = meter.Int64ObservableGauge(MetricOpenPositions, metric.WithDescription("Number of open positions in the local book"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.openPositions)
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Counter increment helpers. Safe to call before InitMetrics; they no-op
// when instruments are not yet initialized (tests, early startup).

func addCounter(ctx context.Context, c metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	c.Add(ctx, n, metric.WithAttributes(attrs...))
}

func (m *MetricsHolder) IncOrdersRouted(ctx context.Context, attrs ...attribute.KeyValue) {
	addCounter(ctx, m.OrdersRoutedTotal, 1, attrs...)
}

func (m *MetricsHolder) IncOrdersRejected(ctx context.Context, attrs ...attribute.KeyValue) {
	addCounter(ctx, m.OrdersRejectedTotal, 1, attrs...)
}

func (m *MetricsHolder) IncOrderFills(ctx context.Context, attrs ...attribute.KeyValue) {
	addCounter(ctx, m.OrderFillsTotal, 1, attrs...)
}

func (m *MetricsHolder) IncBarsCompleted(ctx context.Context, attrs ...attribute.KeyValue) {
	addCounter(ctx, m.BarsCompletedTotal, 1, attrs...)
}

func (m *MetricsHolder) AddIndicatorUpdates(ctx context.Context, n int64, attrs ...attribute.KeyValue) {
	addCounter(ctx, m.IndicatorUpdatesTotal, n, attrs...)
}

func (m *MetricsHolder) IncMultiLegGroups(ctx context.Context, attrs ...attribute.KeyValue) {
	addCounter(ctx, m.MultiLegGroupsTotal, 1, attrs...)
}

func (m *MetricsHolder) IncLegFailures(ctx context.Context, attrs ...attribute.KeyValue) {
	addCounter(ctx, m.LegFailuresTotal, 1, attrs...)
}

func (m *MetricsHolder) IncRollbacks(ctx context.Context, attrs ...attribute.KeyValue) {
	addCounter(ctx, m.RollbacksTotal, 1, attrs...)
}

func (m *MetricsHolder) IncDeadLetters(ctx context.Context, attrs ...attribute.KeyValue) {
	addCounter(ctx, m.DeadLettersTotal, 1, attrs...)
}

func (m *MetricsHolder) IncReconMismatches(ctx context.Context, attrs ...attribute.KeyValue) {
	addCounter(ctx, m.ReconMismatchesTotal, 1, attrs...)
}

func (m *MetricsHolder) IncStrategyErrors(ctx context.Context, attrs ...attribute.KeyValue) {
	addCounter(ctx, m.StrategyErrorsTotal, 1, attrs...)
}

// Helpers to update observable state

func (m *MetricsHolder) SetDailyRealisedPnl(value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dailyPnl = value
}

func (m *MetricsHolder) SetKillSwitchActive(active bool) {
	val := int64(0)
	if active {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.killSwitchOn = val
}

func (m *MetricsHolder) SetActiveStrategies(count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeStrategies = count
}

func (m *MetricsHolder) SetOpenPositions(count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openPositions = count
}
