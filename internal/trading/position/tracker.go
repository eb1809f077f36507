// Package position maintains the local position book. Fills mutate it,
// ticks mark it to market, and every change fans out as a PositionEvent.
package position

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"options_trader/internal/core"
	"options_trader/pkg/telemetry"
)

// FillSink receives every fill for asynchronous audit persistence.
type FillSink interface {
	EnqueueFill(fill core.OrderFill)
}

// RealisedPnlSink accumulates realised P&L from reducing fills.
type RealisedPnlSink interface {
	AddRealisedPnl(amount decimal.Decimal)
}

// Linker maintains the position -> strategy reverse index.
type Linker interface {
	RegisterPositionLink(positionID, strategyID string)
	UnregisterPositionLink(positionID, strategyID string)
}

// Tracker folds order fills into net positions keyed by trading symbol.
// Average price is the volume-weighted open price; a reducing fill realises
// P&L against it and a fill through zero flips the book at the fill price.
type Tracker struct {
	store  core.IPositionStore
	bus    core.IEventBus
	fills  FillSink
	pnl    RealisedPnlSink
	links  Linker
	logger core.ILogger

	mu        sync.Mutex
	positions map[string]*core.Position
}

func NewTracker(store core.IPositionStore, bus core.IEventBus, fills FillSink, pnl RealisedPnlSink, links Linker, logger core.ILogger) *Tracker {
	return &Tracker{
		store:     store,
		bus:       bus,
		fills:     fills,
		pnl:       pnl,
		links:     links,
		logger:    logger.WithField("component", "position_tracker"),
		positions: make(map[string]*core.Position),
	}
}

// Load seeds the in-memory book from the KV store. Called once at startup
// before the tracker subscribes.
func (t *Tracker) Load(ctx context.Context) error {
	stored, err := t.store.FindAll(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range stored {
		cp := p
		t.positions[p.ID] = &cp
	}
	t.logger.Info("Position book loaded", "positions", len(t.positions))
	t.setOpenGauge()
	return nil
}

// Start subscribes the tracker to order and tick events. Fills run before
// the fill tracker resolves execution futures so the book is current when a
// group completes.
func (t *Tracker) Start() {
	t.bus.Subscribe(core.EventTypeOrder, 20, "position_tracker", func(ev core.Event) {
		oe, ok := ev.(core.OrderEvent)
		if !ok {
			return
		}
		t.onOrderEvent(oe)
	})
	t.bus.Subscribe(core.EventTypeTick, 30, "position_tracker_marks", func(ev core.Event) {
		te, ok := ev.(core.TickEvent)
		if !ok {
			return
		}
		t.onTick(te.Tick)
	})
}

// Snapshot returns a copy of the current book.
func (t *Tracker) Snapshot() []core.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]core.Position, 0, len(t.positions))
	for _, p := range t.positions {
		out = append(out, *p)
	}
	return out
}

func (t *Tracker) onOrderEvent(ev core.OrderEvent) {
	if ev.Kind != core.OrderEventFilled && ev.Kind != core.OrderEventPartiallyFilled {
		return
	}
	if ev.Fill == nil {
		return
	}
	if t.fills != nil {
		t.fills.EnqueueFill(*ev.Fill)
	}

	signed := ev.Fill.Quantity
	if ev.Order.Side == core.SideSell {
		signed = -signed
	}
	t.apply(ev.Order, signed, ev.Fill.Price)
}

// apply folds one signed fill into the book and publishes the transition.
func (t *Tracker) apply(order core.Order, fillQty int64, fillPrice decimal.Decimal) {
	id := order.TradingSymbol

	t.mu.Lock()
	pos, exists := t.positions[id]
	if !exists {
		pos = &core.Position{
			ID:              id,
			InstrumentToken: order.InstrumentToken,
			TradingSymbol:   order.TradingSymbol,
			Exchange:        order.Exchange,
			Quantity:        0,
			AveragePrice:    decimal.Zero,
		}
		t.positions[id] = pos
	}

	prevQty := pos.Quantity
	realised := decimal.Zero

	switch {
	case prevQty == 0 || sameSign(prevQty, fillQty):
		// Opening or adding: volume-weighted average.
		oldAbs := decimal.NewFromInt(abs(prevQty))
		addAbs := decimal.NewFromInt(abs(fillQty))
		total := oldAbs.Add(addAbs)
		pos.AveragePrice = pos.AveragePrice.Mul(oldAbs).Add(fillPrice.Mul(addAbs)).Div(total)
		pos.Quantity = prevQty + fillQty
	default:
		// Reducing: realise against the open average.
		closed := min64(abs(prevQty), abs(fillQty))
		diff := fillPrice.Sub(pos.AveragePrice)
		if prevQty < 0 {
			diff = diff.Neg() // shorts profit when price falls
		}
		realised = diff.Mul(decimal.NewFromInt(closed))
		pos.Quantity = prevQty + fillQty
		if !sameSign(pos.Quantity, prevQty) && pos.Quantity != 0 {
			// Flipped through zero: the remainder opened at the fill price.
			pos.AveragePrice = fillPrice
		}
	}

	var kind core.PositionEventKind
	switch {
	case prevQty == 0:
		kind = core.PositionEventOpened
	case pos.Quantity == 0:
		kind = core.PositionEventClosed
	default:
		kind = core.PositionEventUpdated
	}

	prevPnl := pos.UnrealizedPnl
	if pos.Quantity == 0 {
		pos.UnrealizedPnl = nil
		delete(t.positions, id)
	}
	snapshot := *pos
	t.setOpenGauge()
	t.mu.Unlock()

	ctx := context.Background()
	if snapshot.Quantity == 0 {
		if err := t.store.Delete(ctx, id); err != nil {
			t.logger.Error("Position delete failed", "position_id", id, "error", err)
		}
	} else {
		if err := t.store.Save(ctx, snapshot); err != nil {
			t.logger.Error("Position save failed", "position_id", id, "error", err)
		}
	}

	if t.links != nil && order.StrategyID != "" {
		if kind == core.PositionEventOpened {
			t.links.RegisterPositionLink(id, order.StrategyID)
		}
		if kind == core.PositionEventClosed {
			t.links.UnregisterPositionLink(id, order.StrategyID)
		}
	}

	if !realised.IsZero() && t.pnl != nil {
		t.pnl.AddRealisedPnl(realised)
	}

	t.bus.Publish(core.PositionEvent{Kind: kind, Position: snapshot, PreviousPnl: prevPnl})
	t.logger.Info("Position updated",
		"position_id", id, "kind", kind,
		"quantity", snapshot.Quantity, "avg_price", snapshot.AveragePrice,
		"realised", realised)
}

// onTick re-marks every position on the tick's instrument and republishes
// it so owning strategies see fresh unrealised P&L. Marks stay in memory;
// the KV store only changes on fills.
func (t *Tracker) onTick(tick core.Tick) {
	t.mu.Lock()
	var updated []core.PositionEvent
	for _, pos := range t.positions {
		if pos.InstrumentToken != tick.InstrumentToken {
			continue
		}
		prev := pos.UnrealizedPnl
		pnl := tick.LastPrice.Sub(pos.AveragePrice).Mul(decimal.NewFromInt(pos.Quantity))
		pos.UnrealizedPnl = &pnl
		updated = append(updated, core.PositionEvent{
			Kind:        core.PositionEventUpdated,
			Position:    *pos,
			PreviousPnl: prev,
		})
	}
	t.mu.Unlock()

	for _, ev := range updated {
		t.bus.Publish(ev)
	}
}

// PersistDailyPnl writes today's realised P&L audit row, called at shutdown
// and at end-of-day.
func (t *Tracker) PersistDailyPnl(ctx context.Context, audit core.IAuditStore, realised decimal.Decimal) error {
	return audit.SaveDailyPnl(ctx, core.DailyPnlSnapshot{
		Date:        time.Now().Format("2006-01-02"),
		RealisedPnl: realised,
		RecordedAt:  time.Now(),
	})
}

// setOpenGauge is called with t.mu held.
func (t *Tracker) setOpenGauge() {
	telemetry.GetGlobalMetrics().SetOpenPositions(int64(len(t.positions)))
}

func sameSign(a, b int64) bool { return (a > 0) == (b > 0) }

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
