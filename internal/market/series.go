// Package market maintains per-instrument bar series built from live ticks.
package market

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"options_trader/internal/core"
)

// pendingBar accumulates the bar currently being built.
type pendingBar struct {
	open     decimal.Decimal
	high     decimal.Decimal
	low      decimal.Decimal
	close    decimal.Decimal
	volume   int64
	openTime time.Time
	lastTime time.Time
	hasData  bool
}

func (p *pendingBar) apply(price decimal.Decimal, volume int64, ts time.Time) {
	if !p.hasData {
		p.open = price
		p.high = price
		p.low = price
		p.close = price
		p.volume = volume
		p.lastTime = ts
		p.hasData = true
		return
	}
	if price.GreaterThan(p.high) {
		p.high = price
	}
	if price.LessThan(p.low) {
		p.low = price
	}
	p.close = price
	p.volume += volume
	p.lastTime = ts
}

// BarSeriesManager owns the bounded bar ring and pending bar for one
// instrument. Writers are tick ingestion and historical seeding; readers are
// indicator recompute and snapshot queries.
type BarSeriesManager struct {
	instrumentToken int64
	tradingSymbol   string
	barDuration     time.Duration
	maxBars         int
	location        *time.Location

	mu      sync.RWMutex
	bars    []core.Bar
	pending pendingBar
}

// NewBarSeriesManager creates a manager for one instrument. Bar close times
// are recorded in the given market zone.
func NewBarSeriesManager(token int64, symbol string, barDuration time.Duration, maxBars int, loc *time.Location) *BarSeriesManager {
	if loc == nil {
		loc = time.UTC
	}
	return &BarSeriesManager{
		instrumentToken: token,
		tradingSymbol:   symbol,
		barDuration:     barDuration,
		maxBars:         maxBars,
		location:        loc,
		bars:            make([]core.Bar, 0, maxBars),
	}
}

// InstrumentToken returns the instrument this series tracks.
func (m *BarSeriesManager) InstrumentToken() int64 { return m.instrumentToken }

// TradingSymbol returns the instrument's trading symbol.
func (m *BarSeriesManager) TradingSymbol() string { return m.tradingSymbol }

// BarDuration returns the configured bar period.
func (m *BarSeriesManager) BarDuration() time.Duration { return m.barDuration }

// ProcessTick folds one tick into the pending bar. When the tick's timestamp
// is at or past the pending bar's boundary the pending bar is finalized, a
// fresh one starts with this tick, and true is returned.
func (m *BarSeriesManager) ProcessTick(price decimal.Decimal, volume int64, ts time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.pending.hasData {
		m.pending = pendingBar{openTime: ts}
		m.pending.apply(price, volume, ts)
		return false
	}

	if ts.Sub(m.pending.openTime) >= m.barDuration {
		m.finalizeLocked()
		m.pending = pendingBar{openTime: ts}
		m.pending.apply(price, volume, ts)
		return true
	}

	m.pending.apply(price, volume, ts)
	return false
}

// finalizeLocked appends the pending bar to the ring, evicting the oldest
// bar at capacity. Caller holds the write lock.
func (m *BarSeriesManager) finalizeLocked() {
	bar := core.Bar{
		Open:      m.pending.open,
		High:      m.pending.high,
		Low:       m.pending.low,
		Close:     m.pending.close,
		Volume:    m.pending.volume,
		OpenTime:  m.pending.openTime,
		CloseTime: m.pending.lastTime.In(m.location),
		Period:    m.barDuration,
	}
	m.appendLocked(bar)
}

func (m *BarSeriesManager) appendLocked(bar core.Bar) {
	if len(m.bars) == m.maxBars {
		copy(m.bars, m.bars[1:])
		m.bars = m.bars[:len(m.bars)-1]
	}
	m.bars = append(m.bars, bar)
}

// AddHistoricalBar pushes a pre-built bar into the ring, bypassing the
// pending-bar path. Used when seeding from broker historical data.
func (m *BarSeriesManager) AddHistoricalBar(bar core.Bar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bar.CloseTime = bar.CloseTime.In(m.location)
	m.appendLocked(bar)
}

// Count returns the number of finalized bars.
func (m *BarSeriesManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.bars)
}

// Bars returns a snapshot copy of the finalized bars, oldest first.
func (m *BarSeriesManager) Bars() []core.Bar {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.Bar, len(m.bars))
	copy(out, m.bars)
	return out
}

// LastBar returns the most recent finalized bar, if any.
func (m *BarSeriesManager) LastBar() (core.Bar, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.bars) == 0 {
		return core.Bar{}, false
	}
	return m.bars[len(m.bars)-1], true
}

// View runs fn under the read lock against the live bar slice so indicator
// computation sees a consistent series. fn must not retain the slice.
func (m *BarSeriesManager) View(fn func(bars []core.Bar)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn(m.bars)
}

// PendingSnapshot returns a copy of the accumulating bar for UI queries.
// The boolean is false before the first tick of an interval.
func (m *BarSeriesManager) PendingSnapshot() (core.Bar, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.pending.hasData {
		return core.Bar{}, false
	}
	return core.Bar{
		Open:      m.pending.open,
		High:      m.pending.high,
		Low:       m.pending.low,
		Close:     m.pending.close,
		Volume:    m.pending.volume,
		OpenTime:  m.pending.openTime,
		CloseTime: m.pending.lastTime.In(m.location),
		Period:    m.barDuration,
	}, true
}
