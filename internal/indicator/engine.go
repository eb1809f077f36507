package indicator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"options_trader/internal/core"
	"options_trader/internal/market"
	"options_trader/pkg/telemetry"
)

// instrumentState bundles one instrument's series with its configured
// indicator definitions.
type instrumentState struct {
	series *market.BarSeriesManager
	defs   []Definition
	active bool
}

// Engine consumes ticks, folds them into per-instrument bar series, and
// recomputes the configured indicators on every bar close. Values land in
// the shared cache and go out as IndicatorUpdateEvents. Activation is a
// per-instrument flag rather than a separate set: a tracked but
// deactivated instrument keeps buffering bars and only skips the
// recompute step.
type Engine struct {
	bus      core.IEventBus
	cache    *Cache
	logger   core.ILogger
	location *time.Location

	barDuration time.Duration
	maxBars     int

	mu          sync.RWMutex
	instruments map[int64]*instrumentState
}

// NewEngine creates the indicator engine. Instruments are registered with
// Track and begin computing once activated.
func NewEngine(bus core.IEventBus, cache *Cache, barDuration time.Duration, maxBars int, loc *time.Location, logger core.ILogger) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	return &Engine{
		bus:         bus,
		cache:       cache,
		logger:      logger.WithField("component", "indicator_engine"),
		location:    loc,
		barDuration: barDuration,
		maxBars:     maxBars,
		instruments: make(map[int64]*instrumentState),
	}
}

// Start subscribes the engine to the tick stream. Indicator recompute runs
// ahead of strategy evaluation so strategies read fresh values.
func (e *Engine) Start() {
	e.bus.Subscribe(core.EventTypeTick, 10, "indicator_engine", func(ev core.Event) {
		tick, ok := ev.(core.TickEvent)
		if !ok {
			return
		}
		e.ProcessTick(tick.Tick)
	})
}

// Track registers an instrument with its indicator definitions. Re-tracking
// an instrument replaces its definitions but keeps the accumulated series.
func (e *Engine) Track(token int64, symbol string, defs []Definition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.instruments[token]; ok {
		st.defs = defs
		return
	}
	e.instruments[token] = &instrumentState{
		series: market.NewBarSeriesManager(token, symbol, e.barDuration, e.maxBars, e.location),
		defs:   defs,
	}
	e.logger.Info("Instrument tracked", "token", token, "symbol", symbol, "indicators", len(defs))
}

// Activate enables indicator computation for a tracked instrument. Bars keep
// accumulating for inactive instruments; only the compute step is gated.
func (e *Engine) Activate(token int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.instruments[token]
	if !ok {
		return fmt.Errorf("activate: instrument %d is not tracked", token)
	}
	st.active = true
	return nil
}

// Deactivate stops computation for an instrument and drops its cached values.
func (e *Engine) Deactivate(token int64) {
	e.mu.Lock()
	st, ok := e.instruments[token]
	if ok {
		st.active = false
	}
	e.mu.Unlock()
	if ok {
		e.cache.Clear(token)
	}
}

// SeedHistory loads pre-built bars into an instrument's series, then runs an
// immediate recompute so values are available before the first live bar.
func (e *Engine) SeedHistory(token int64, bars []core.Bar) error {
	e.mu.RLock()
	st, ok := e.instruments[token]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("seed: instrument %d is not tracked", token)
	}
	for _, b := range bars {
		st.series.AddHistoricalBar(b)
	}
	e.recompute(st)
	return nil
}

// Series exposes the bar series for query surfaces. Returns nil when the
// instrument is not tracked.
func (e *Engine) Series(token int64) *market.BarSeriesManager {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if st, ok := e.instruments[token]; ok {
		return st.series
	}
	return nil
}

// ProcessTick folds one tick into its instrument's series. Ticks for
// untracked instruments are ignored. On bar close the instrument's
// indicators recompute and publish.
func (e *Engine) ProcessTick(tick core.Tick) {
	e.mu.RLock()
	st, ok := e.instruments[tick.InstrumentToken]
	e.mu.RUnlock()
	if !ok {
		return
	}

	closed := st.series.ProcessTick(tick.LastPrice, tick.Volume, tick.Timestamp)
	if !closed {
		return
	}

	telemetry.GetGlobalMetrics().IncBarsCompleted(context.Background(),
		attribute.String("symbol", st.series.TradingSymbol()))

	e.mu.RLock()
	active := st.active
	e.mu.RUnlock()
	if !active {
		return
	}

	e.recompute(st)
}

// recompute evaluates every configured indicator against the current series
// under the series read lock, writes results to the cache, and publishes one
// IndicatorUpdateEvent covering the batch. Indicators still short on bars
// are skipped; other compute errors are logged and skipped.
func (e *Engine) recompute(st *instrumentState) {
	values := make(map[string]decimal.Decimal)

	st.series.View(func(bars []core.Bar) {
		for _, def := range st.defs {
			result, err := def.Compute(bars)
			if err != nil {
				if errors.Is(err, ErrInsufficientBars) {
					e.logger.Debug("Indicator warming up",
						"symbol", st.series.TradingSymbol(),
						"type", def.Type,
						"bars", len(bars))
				} else {
					e.logger.Error("Indicator computation failed",
						"symbol", st.series.TradingSymbol(),
						"type", def.Type,
						"error", err)
				}
				continue
			}
			for k, v := range result {
				values[k] = v
			}
		}
	})

	if len(values) == 0 {
		return
	}

	token := st.series.InstrumentToken()
	e.cache.PutAll(token, values)
	telemetry.GetGlobalMetrics().AddIndicatorUpdates(context.Background(), int64(len(values)))
	e.bus.Publish(core.NewIndicatorUpdateEvent(token, st.series.TradingSymbol(), values))
}
