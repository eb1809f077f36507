// Package risk implements the pre-trade risk gate, its checkers, the
// account-level monitor, and the kill switch.
package risk

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"options_trader/internal/core"
)

// Violation codes raised by the checkers.
const (
	CodePositionSizeExceeded   = "POSITION_SIZE_EXCEEDED"
	CodePositionValueExceeded  = "POSITION_VALUE_EXCEEDED"
	CodePositionLossBreached   = "POSITION_LOSS_BREACHED"
	CodePositionProfitTarget   = "POSITION_PROFIT_TARGET"
	CodeDailyLossLimitBreached = "DAILY_LOSS_LIMIT_BREACHED"
	CodeMaxOpenPositions       = "MAX_OPEN_POSITIONS_EXCEEDED"
	CodeMaxOpenOrders          = "MAX_OPEN_ORDERS_EXCEEDED"
	CodeUnderlyingLotLimit     = "UNDERLYING_LOT_LIMIT_EXCEEDED"
)

// PositionRiskChecker validates order size and value against RiskLimits and
// keeps a concurrent instrument->positions index for tick-scoped loss and
// profit checks.
type PositionRiskChecker struct {
	logger core.ILogger

	mu     sync.RWMutex
	limits core.RiskLimits
	// byInstrument[token][positionID]
	byInstrument map[int64]map[string]core.Position
}

func NewPositionRiskChecker(limits core.RiskLimits, logger core.ILogger) *PositionRiskChecker {
	return &PositionRiskChecker{
		logger:       logger.WithField("component", "position_risk_checker"),
		limits:       limits,
		byInstrument: make(map[int64]map[string]core.Position),
	}
}

func (c *PositionRiskChecker) Name() string { return "position" }

// SetLimits swaps in a new limit snapshot.
func (c *PositionRiskChecker) SetLimits(limits core.RiskLimits) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limits = limits
}

// Subscribe wires the checker's position index to the bus.
func (c *PositionRiskChecker) Subscribe(bus core.IEventBus) {
	bus.Subscribe(core.EventTypePosition, 20, "position_risk_checker", func(ev core.Event) {
		pe, ok := ev.(core.PositionEvent)
		if !ok {
			return
		}
		c.OnPositionEvent(pe)
	})
}

// OnPositionEvent maintains the instrument index. Closed or zero-quantity
// positions drop out of it.
func (c *PositionRiskChecker) OnPositionEvent(ev core.PositionEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := ev.Position
	if ev.Kind == core.PositionEventClosed || p.Quantity == 0 {
		if m, ok := c.byInstrument[p.InstrumentToken]; ok {
			delete(m, p.ID)
			if len(m) == 0 {
				delete(c.byInstrument, p.InstrumentToken)
			}
		}
		return
	}
	m, ok := c.byInstrument[p.InstrumentToken]
	if !ok {
		m = make(map[string]core.Position)
		c.byInstrument[p.InstrumentToken] = m
	}
	m[p.ID] = p
}

// Validate checks order quantity and (for priced orders) order value.
// A quantity exactly at the limit passes; only a strict excess violates.
func (c *PositionRiskChecker) Validate(ctx context.Context, req core.OrderRequest) []core.RiskViolation {
	c.mu.RLock()
	limits := c.limits
	c.mu.RUnlock()

	var out []core.RiskViolation
	if limits.MaxLotsPerPosition != nil && req.Quantity > *limits.MaxLotsPerPosition {
		out = append(out, core.RiskViolation{
			Code: CodePositionSizeExceeded,
			Message: fmt.Sprintf("quantity %d exceeds max %d for %s",
				req.Quantity, *limits.MaxLotsPerPosition, req.TradingSymbol),
		})
	}
	// Market orders carry no price; the value check does not apply to them.
	if limits.MaxPositionValue != nil && req.Price != nil {
		value := req.Price.Mul(decimal.NewFromInt(req.Quantity))
		if value.GreaterThan(*limits.MaxPositionValue) {
			out = append(out, core.RiskViolation{
				Code: CodePositionValueExceeded,
				Message: fmt.Sprintf("order value %s exceeds max %s for %s",
					value, *limits.MaxPositionValue, req.TradingSymbol),
			})
		}
	}
	return out
}

// CheckPosition applies the per-position loss and profit thresholds to one
// live position. Nil thresholds and positions without P&L pass.
func (c *PositionRiskChecker) CheckPosition(p core.Position) []core.RiskViolation {
	c.mu.RLock()
	limits := c.limits
	c.mu.RUnlock()

	if p.UnrealizedPnl == nil {
		return nil
	}
	var out []core.RiskViolation
	if limits.MaxLossPerPosition != nil && p.UnrealizedPnl.LessThanOrEqual(limits.MaxLossPerPosition.Neg()) {
		out = append(out, core.RiskViolation{
			Code: CodePositionLossBreached,
			Message: fmt.Sprintf("position %s unrealized pnl %s breaches max loss %s",
				p.ID, p.UnrealizedPnl, limits.MaxLossPerPosition),
		})
	}
	if limits.MaxProfitPerPosition != nil && p.UnrealizedPnl.GreaterThanOrEqual(*limits.MaxProfitPerPosition) {
		out = append(out, core.RiskViolation{
			Code: CodePositionProfitTarget,
			Message: fmt.Sprintf("position %s unrealized pnl %s reached profit target %s",
				p.ID, p.UnrealizedPnl, limits.MaxProfitPerPosition),
		})
	}
	return out
}

// PositionsForInstrument returns the indexed positions for one instrument.
func (c *PositionRiskChecker) PositionsForInstrument(token int64) []core.Position {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m := c.byInstrument[token]
	out := make([]core.Position, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	return out
}
