package risk

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"options_trader/internal/core"
	"options_trader/internal/mock"
)

func TestExtractUnderlying(t *testing.T) {
	assert.Equal(t, "NIFTY", ExtractUnderlying("NIFTY24FEB22000CE"))
	assert.Equal(t, "BANKNIFTY", ExtractUnderlying("BANKNIFTY24FEB48000PE"))
	assert.Equal(t, "RELIANCE", ExtractUnderlying("RELIANCE"))
	assert.Equal(t, "", ExtractUnderlying("123"))
}

func TestUnderlyingLimitAbsentPasses(t *testing.T) {
	c := NewUnderlyingRiskChecker(nil, mock.NewPositionStore(), mock.NewLogger())
	assert.Empty(t, c.Validate(context.Background(), core.OrderRequest{
		TradingSymbol: "NIFTY24FEB22000CE", Quantity: 1_000_000,
	}))
}

func TestUnderlyingExposureSumsAbsoluteQuantities(t *testing.T) {
	positions := mock.NewPositionStore()
	ctx := context.Background()
	require.NoError(t, positions.Save(ctx, core.Position{ID: "p1", TradingSymbol: "NIFTY24FEB22000CE", Quantity: -100}))
	require.NoError(t, positions.Save(ctx, core.Position{ID: "p2", TradingSymbol: "NIFTY24FEB21800PE", Quantity: 150}))
	require.NoError(t, positions.Save(ctx, core.Position{ID: "p3", TradingSymbol: "BANKNIFTY24FEB48000CE", Quantity: 999}))

	c := NewUnderlyingRiskChecker([]core.UnderlyingRiskLimits{
		{Underlying: "NIFTY", MaxLots: 300},
	}, positions, mock.NewLogger())

	// 100 + 150 existing; 50 more lands exactly on the limit and passes.
	assert.Empty(t, c.Validate(ctx, core.OrderRequest{TradingSymbol: "NIFTY24FEB22200CE", Quantity: 50}))

	violations := c.Validate(ctx, core.OrderRequest{TradingSymbol: "NIFTY24FEB22200CE", Quantity: 51})
	require.Len(t, violations, 1)
	assert.Equal(t, CodeUnderlyingLotLimit, violations[0].Code)
}
