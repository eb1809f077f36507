package indicator

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"options_trader/internal/core"
	"options_trader/internal/eventbus"
	"options_trader/internal/mock"
)

func TestDefinitionKeys(t *testing.T) {
	assert.Equal(t, []string{"RSI:14"}, Definition{Type: TypeRSI}.Keys())
	assert.Equal(t, []string{"SMA:5"}, Definition{Type: TypeSMA, Params: map[string]float64{"period": 5}}.Keys())
	assert.Equal(t,
		[]string{"BOLLINGER:20:upper", "BOLLINGER:20:middle", "BOLLINGER:20:lower"},
		Definition{Type: TypeBollinger}.Keys())
	assert.Equal(t, []string{"MACD:26:value", "MACD:26:signal"}, Definition{Type: TypeMACD}.Keys())
	assert.Equal(t, []string{"STOCHASTIC:14:k", "STOCHASTIC:14:d"}, Definition{Type: TypeStochastic}.Keys())
	assert.Equal(t, []string{"VWAP"}, Definition{Type: TypeVWAP}.Keys())
	assert.Equal(t, []string{"LTP"}, Definition{Type: TypeLTP}.Keys())
}

func TestComputeRoundsHalfUpTo4dp(t *testing.T) {
	// Closes chosen so SMA(3) = 10.00005, which rounds half-up to 10.0001.
	bars := barsFromCloses(10.0001, 10.0001, 9.99995)
	got, err := Definition{Type: TypeSMA, Params: map[string]float64{"period": 3}}.Compute(bars)
	require.NoError(t, err)
	assert.True(t, got["SMA:3"].Equal(decimal.RequireFromString("10.0001")), "got %s", got["SMA:3"])
}

func newTestEngine(t *testing.T) (*Engine, *eventbus.Bus, *Cache) {
	t.Helper()
	logger := mock.NewLogger()
	bus := eventbus.NewBus(logger)
	cache := NewCache()
	eng := NewEngine(bus, cache, time.Minute, 500, time.UTC, logger)
	eng.Start()
	return eng, bus, cache
}

func tick(token int64, price float64, vol int64, ts time.Time) core.TickEvent {
	return core.TickEvent{Tick: core.Tick{
		InstrumentToken: token,
		LastPrice:       decimal.NewFromFloat(price),
		Volume:          vol,
		Timestamp:       ts,
	}}
}

func TestEngineComputesOnBarClose(t *testing.T) {
	eng, bus, cache := newTestEngine(t)
	eng.Track(1, "NIFTY", []Definition{
		{Type: TypeSMA, Params: map[string]float64{"period": 2}},
		{Type: TypeLTP},
	})
	require.NoError(t, eng.Activate(1))

	var updates []core.IndicatorUpdateEvent
	bus.Subscribe(core.EventTypeIndicatorUpdate, 50, "test", func(ev core.Event) {
		updates = append(updates, ev.(core.IndicatorUpdateEvent))
	})

	t0 := time.Date(2026, 1, 5, 9, 15, 0, 0, time.UTC)
	bus.Publish(tick(1, 100, 10, t0))
	bus.Publish(tick(1, 102, 10, t0.Add(time.Minute))) // closes bar 1 (C=100)

	// SMA(2) still warming up after one bar; the update carries only LTP.
	require.Len(t, updates, 1)
	assert.NotContains(t, updates[0].Values, "SMA:2")
	v, ok := cache.Get(1, "LTP")
	require.True(t, ok)
	assert.True(t, v.Equal(decimal.NewFromInt(100)))

	bus.Publish(tick(1, 104, 10, t0.Add(2*time.Minute))) // closes bar 2 (C=102)

	sma, ok := cache.Get(1, "SMA:2")
	require.True(t, ok)
	assert.True(t, sma.Equal(decimal.NewFromInt(101)), "got %s", sma)

	require.NotEmpty(t, updates)
	last := updates[len(updates)-1]
	assert.Equal(t, int64(1), last.InstrumentToken)
	assert.Equal(t, "NIFTY", last.TradingSymbol)
	assert.Contains(t, last.Values, "SMA:2")
	assert.Contains(t, last.Values, "LTP")
}

func TestEngineIgnoresUntrackedInstruments(t *testing.T) {
	_, bus, cache := newTestEngine(t)
	t0 := time.Date(2026, 1, 5, 9, 15, 0, 0, time.UTC)
	bus.Publish(tick(99, 100, 10, t0))
	bus.Publish(tick(99, 101, 10, t0.Add(time.Minute)))
	assert.Empty(t, cache.Snapshot(99))
}

func TestEngineInactiveInstrumentAccumulatesBarsOnly(t *testing.T) {
	eng, bus, cache := newTestEngine(t)
	eng.Track(1, "NIFTY", []Definition{{Type: TypeLTP}})

	t0 := time.Date(2026, 1, 5, 9, 15, 0, 0, time.UTC)
	bus.Publish(tick(1, 100, 10, t0))
	bus.Publish(tick(1, 101, 10, t0.Add(time.Minute)))

	assert.Empty(t, cache.Snapshot(1), "inactive instrument must not compute")
	assert.Equal(t, 1, eng.Series(1).Count(), "bars still accumulate while inactive")

	require.NoError(t, eng.Activate(1))
	bus.Publish(tick(1, 102, 10, t0.Add(2*time.Minute)))
	_, ok := cache.Get(1, "LTP")
	assert.True(t, ok)
}

func TestEngineDeactivateClearsCache(t *testing.T) {
	eng, bus, cache := newTestEngine(t)
	eng.Track(1, "NIFTY", []Definition{{Type: TypeLTP}})
	require.NoError(t, eng.Activate(1))

	t0 := time.Date(2026, 1, 5, 9, 15, 0, 0, time.UTC)
	bus.Publish(tick(1, 100, 10, t0))
	bus.Publish(tick(1, 101, 10, t0.Add(time.Minute)))
	require.NotEmpty(t, cache.Snapshot(1))

	eng.Deactivate(1)
	assert.Empty(t, cache.Snapshot(1))
}

func TestEngineSeedHistoryComputesImmediately(t *testing.T) {
	eng, _, cache := newTestEngine(t)
	eng.Track(1, "NIFTY", []Definition{{Type: TypeSMA, Params: map[string]float64{"period": 3}}})
	require.NoError(t, eng.Activate(1))

	require.NoError(t, eng.SeedHistory(1, barsFromCloses(10, 20, 30)))

	sma, ok := cache.Get(1, "SMA:3")
	require.True(t, ok)
	assert.True(t, sma.Equal(decimal.NewFromInt(20)))
}

func TestEngineActivateUntracked(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	assert.Error(t, eng.Activate(404))
}
