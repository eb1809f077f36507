package strategy

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"options_trader/internal/core"
)

// BaseStrategy carries the identity, status, and position book shared by
// every concrete strategy. Embedders provide Evaluate and ForceAdjust.
type BaseStrategy struct {
	id   string
	name string
	typ  core.StrategyType

	mu        sync.RWMutex
	status    core.StrategyStatus
	positions map[string]core.Position
}

func newBase(id, name string, typ core.StrategyType) BaseStrategy {
	return BaseStrategy{
		id:        id,
		name:      name,
		typ:       typ,
		status:    core.StrategyStatusCreated,
		positions: make(map[string]core.Position),
	}
}

func (b *BaseStrategy) ID() string              { return b.id }
func (b *BaseStrategy) Name() string            { return b.name }
func (b *BaseStrategy) Type() core.StrategyType { return b.typ }

func (b *BaseStrategy) Status() core.StrategyStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

func (b *BaseStrategy) SetStatus(status core.StrategyStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = status
}

func (b *BaseStrategy) Positions() []core.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]core.Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, p)
	}
	return out
}

func (b *BaseStrategy) UpsertPosition(p core.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p.Quantity == 0 {
		delete(b.positions, p.ID)
		return
	}
	b.positions[p.ID] = p
}

// UnrealizedPnl sums the tracked positions' unrealized P&L, skipping
// positions the feed has not priced yet.
func (b *BaseStrategy) UnrealizedPnl() decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	total := decimal.Zero
	for _, p := range b.positions {
		if p.UnrealizedPnl != nil {
			total = total.Add(*p.UnrealizedPnl)
		}
	}
	return total
}

// closingLegs builds opposite-side MARKET orders for every open position.
func (b *BaseStrategy) closingLegs() []core.OrderRequest {
	b.mu.RLock()
	defer b.mu.RUnlock()
	legs := make([]core.OrderRequest, 0, len(b.positions))
	for _, p := range b.positions {
		side := core.SideSell
		if p.Quantity < 0 {
			side = core.SideBuy
		}
		qty := p.Quantity
		if qty < 0 {
			qty = -qty
		}
		legs = append(legs, core.OrderRequest{
			InstrumentToken: p.InstrumentToken,
			TradingSymbol:   p.TradingSymbol,
			Exchange:        p.Exchange,
			Side:            side,
			OrderType:       core.OrderTypeMarket,
			Product:         p.Product,
			Quantity:        qty,
			StrategyID:      b.id,
		})
	}
	return legs
}

// exitAll routes closing orders for every open position and walks the
// strategy to CLOSED. With no positions it just finishes the lifecycle.
func (b *BaseStrategy) exitAll(ctx context.Context, exec core.IMultiLegExecutor, logger core.ILogger, reason string) error {
	legs := b.closingLegs()
	b.SetStatus(core.StrategyStatusClosing)
	if len(legs) > 0 {
		result, err := exec.ExecuteParallel(ctx, b.id, "EXIT", legs)
		if err != nil {
			return err
		}
		if !result.Success {
			logger.Error("Exit group did not fully complete",
				"strategy_id", b.id, "group_id", result.GroupID, "reason", reason)
		}
	}
	b.SetStatus(core.StrategyStatusClosed)
	logger.Info("Strategy exited", "strategy_id", b.id, "reason", reason, "legs", len(legs))
	return nil
}
