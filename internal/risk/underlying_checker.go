package risk

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"unicode"

	"options_trader/internal/core"
)

// ExtractUnderlying returns the longest leading run of non-digit characters
// of a trading symbol: NIFTY24FEB22000CE -> NIFTY.
func ExtractUnderlying(symbol string) string {
	for i, r := range symbol {
		if unicode.IsDigit(r) {
			return symbol[:i]
		}
	}
	return symbol
}

// UnderlyingRiskChecker bounds total lot exposure per underlying. An
// underlying with no configured limit passes unconditionally.
type UnderlyingRiskChecker struct {
	positions core.IPositionStore
	logger    core.ILogger

	mu     sync.RWMutex
	limits map[string]core.UnderlyingRiskLimits
}

func NewUnderlyingRiskChecker(limits []core.UnderlyingRiskLimits, positions core.IPositionStore, logger core.ILogger) *UnderlyingRiskChecker {
	byName := make(map[string]core.UnderlyingRiskLimits, len(limits))
	for _, l := range limits {
		byName[l.Underlying] = l
	}
	return &UnderlyingRiskChecker{
		positions: positions,
		logger:    logger.WithField("component", "underlying_risk_checker"),
		limits:    byName,
	}
}

func (c *UnderlyingRiskChecker) Name() string { return "underlying" }

// SetLimit adds or replaces the limit for one underlying.
func (c *UnderlyingRiskChecker) SetLimit(limit core.UnderlyingRiskLimits) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limits[limit.Underlying] = limit
}

// Validate sums absolute position quantities under the request's underlying
// plus the requested quantity, and rejects a strict excess over maxLots.
func (c *UnderlyingRiskChecker) Validate(ctx context.Context, req core.OrderRequest) []core.RiskViolation {
	underlying := ExtractUnderlying(req.TradingSymbol)

	c.mu.RLock()
	limit, ok := c.limits[underlying]
	c.mu.RUnlock()
	if !ok {
		return nil
	}

	positions, err := c.positions.FindAll(ctx)
	if err != nil {
		c.logger.Error("Position lookup failed, failing closed", "underlying", underlying, "error", err)
		return []core.RiskViolation{{
			Code:    CodeUnderlyingLotLimit,
			Message: "position lookup unavailable: " + err.Error(),
		}}
	}

	total := req.Quantity
	for _, p := range positions {
		if strings.HasPrefix(p.TradingSymbol, underlying) {
			q := p.Quantity
			if q < 0 {
				q = -q
			}
			total += q
		}
	}
	if total > limit.MaxLots {
		return []core.RiskViolation{{
			Code: CodeUnderlyingLotLimit,
			Message: fmt.Sprintf("total exposure %d exceeds max %d lots for %s",
				total, limit.MaxLots, underlying),
		}}
	}
	return nil
}
