package risk

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"options_trader/internal/core"
	"options_trader/internal/mock"
)

func ptrInt64(v int64) *int64 { return &v }

func ptrDec(v string) *decimal.Decimal {
	d := decimal.RequireFromString(v)
	return &d
}

func TestPositionSizeBoundary(t *testing.T) {
	c := NewPositionRiskChecker(core.RiskLimits{MaxLotsPerPosition: ptrInt64(100)}, mock.NewLogger())
	ctx := context.Background()

	// Exactly at the limit passes; only a strict excess violates.
	assert.Empty(t, c.Validate(ctx, core.OrderRequest{TradingSymbol: "NIFTY24FEB22000CE", Quantity: 100}))

	violations := c.Validate(ctx, core.OrderRequest{TradingSymbol: "NIFTY24FEB22000CE", Quantity: 101})
	require.Len(t, violations, 1)
	assert.Equal(t, CodePositionSizeExceeded, violations[0].Code)
}

func TestPositionValueCheckSkippedForMarketOrders(t *testing.T) {
	c := NewPositionRiskChecker(core.RiskLimits{MaxPositionValue: ptrDec("10000")}, mock.NewLogger())
	ctx := context.Background()

	// No price: market order, value check does not apply.
	assert.Empty(t, c.Validate(ctx, core.OrderRequest{Quantity: 1000, OrderType: core.OrderTypeMarket}))

	violations := c.Validate(ctx, core.OrderRequest{Quantity: 1000, Price: ptrDec("20")})
	require.Len(t, violations, 1)
	assert.Equal(t, CodePositionValueExceeded, violations[0].Code)

	assert.Empty(t, c.Validate(ctx, core.OrderRequest{Quantity: 100, Price: ptrDec("100")}),
		"value exactly at the limit passes")
}

func TestPositionIndexFollowsEvents(t *testing.T) {
	c := NewPositionRiskChecker(core.RiskLimits{}, mock.NewLogger())

	c.OnPositionEvent(core.PositionEvent{Kind: core.PositionEventOpened, Position: core.Position{
		ID: "p1", InstrumentToken: 101, Quantity: -50,
	}})
	c.OnPositionEvent(core.PositionEvent{Kind: core.PositionEventOpened, Position: core.Position{
		ID: "p2", InstrumentToken: 101, Quantity: 25,
	}})
	assert.Len(t, c.PositionsForInstrument(101), 2)

	c.OnPositionEvent(core.PositionEvent{Kind: core.PositionEventClosed, Position: core.Position{
		ID: "p1", InstrumentToken: 101,
	}})
	assert.Len(t, c.PositionsForInstrument(101), 1)

	// A quantity update to zero also drops the entry.
	c.OnPositionEvent(core.PositionEvent{Kind: core.PositionEventUpdated, Position: core.Position{
		ID: "p2", InstrumentToken: 101, Quantity: 0,
	}})
	assert.Empty(t, c.PositionsForInstrument(101))
}

func TestCheckPositionLossAndProfit(t *testing.T) {
	c := NewPositionRiskChecker(core.RiskLimits{
		MaxLossPerPosition:   ptrDec("1000"),
		MaxProfitPerPosition: ptrDec("5000"),
	}, mock.NewLogger())

	noPnl := core.Position{ID: "p1"}
	assert.Empty(t, c.CheckPosition(noPnl))

	losing := core.Position{ID: "p2", UnrealizedPnl: ptrDec("-1000")}
	violations := c.CheckPosition(losing)
	require.Len(t, violations, 1)
	assert.Equal(t, CodePositionLossBreached, violations[0].Code)

	winning := core.Position{ID: "p3", UnrealizedPnl: ptrDec("5000")}
	violations = c.CheckPosition(winning)
	require.Len(t, violations, 1)
	assert.Equal(t, CodePositionProfitTarget, violations[0].Code)

	fine := core.Position{ID: "p4", UnrealizedPnl: ptrDec("-999.99")}
	assert.Empty(t, c.CheckPosition(fine))
}

func TestCheckPositionNilThresholdsDisable(t *testing.T) {
	c := NewPositionRiskChecker(core.RiskLimits{}, mock.NewLogger())
	p := core.Position{ID: "p1", UnrealizedPnl: ptrDec("-1000000")}
	assert.Empty(t, c.CheckPosition(p))
}
