package margin

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"options_trader/internal/core"
	"options_trader/internal/eventbus"
	"options_trader/internal/mock"
	apperrors "options_trader/pkg/errors"
)

func newService(t *testing.T, cfg Config) (*Service, *mock.BrokerGateway, *eventbus.Bus) {
	t.Helper()
	gateway := mock.NewBrokerGateway()
	bus := eventbus.NewBus(mock.NewLogger())
	return NewService(gateway, bus, cfg, mock.NewLogger()), gateway, bus
}

func TestSnapshotServesFromCacheWithinTTL(t *testing.T) {
	s, gateway, _ := newService(t, Config{CacheTTL: time.Minute})
	gateway.Margins = core.MarginSnapshot{Available: decimal.NewFromInt(500), FetchedAt: time.Now()}

	first, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	assert.True(t, first.Available.Equal(decimal.NewFromInt(500)))

	// A broker-side change is invisible while the cache is warm.
	gateway.Margins = core.MarginSnapshot{Available: decimal.NewFromInt(900), FetchedAt: time.Now()}
	second, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	assert.True(t, second.Available.Equal(decimal.NewFromInt(500)))
}

func TestSnapshotRefreshesAfterTTL(t *testing.T) {
	s, gateway, _ := newService(t, Config{CacheTTL: time.Minute})
	gateway.Margins = core.MarginSnapshot{Available: decimal.NewFromInt(500), FetchedAt: time.Now()}

	_, err := s.Snapshot(context.Background())
	require.NoError(t, err)

	gateway.Margins = core.MarginSnapshot{Available: decimal.NewFromInt(900), FetchedAt: time.Now()}
	s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	refreshed, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	assert.True(t, refreshed.Available.Equal(decimal.NewFromInt(900)))
}

func TestSnapshotServesStaleOnRefreshFailure(t *testing.T) {
	s, gateway, _ := newService(t, Config{CacheTTL: time.Minute})
	gateway.Margins = core.MarginSnapshot{Available: decimal.NewFromInt(500), FetchedAt: time.Now()}

	_, err := s.Snapshot(context.Background())
	require.NoError(t, err)

	gateway.FailMargins = apperrors.ErrSessionExpired
	s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	stale, err := s.Snapshot(context.Background())
	require.NoError(t, err, "stale beats nothing")
	assert.True(t, stale.Available.Equal(decimal.NewFromInt(500)))
}

func TestSnapshotErrorsWithNothingCached(t *testing.T) {
	s, gateway, _ := newService(t, Config{CacheTTL: time.Minute})
	gateway.FailMargins = apperrors.ErrSessionExpired

	_, err := s.Snapshot(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrSessionExpired)
}

func TestInvalidateForcesRefetch(t *testing.T) {
	s, gateway, _ := newService(t, Config{CacheTTL: time.Hour})
	gateway.Margins = core.MarginSnapshot{Available: decimal.NewFromInt(500), FetchedAt: time.Now()}
	_, err := s.Snapshot(context.Background())
	require.NoError(t, err)

	gateway.Margins = core.MarginSnapshot{Available: decimal.NewFromInt(900), FetchedAt: time.Now()}
	s.Invalidate()

	refreshed, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	assert.True(t, refreshed.Available.Equal(decimal.NewFromInt(900)))
}

func TestBasketMarginPassthrough(t *testing.T) {
	s, gateway, _ := newService(t, Config{})
	gateway.OrderMargin = decimal.NewFromInt(75000)
	gateway.BasketMargin = decimal.NewFromInt(120000)

	om, err := s.OrderMargin(context.Background(), core.OrderRequest{TradingSymbol: "NIFTY-CE"})
	require.NoError(t, err)
	assert.True(t, om.Equal(decimal.NewFromInt(75000)))

	bm, err := s.BasketMargin(context.Background(), []core.OrderRequest{{}, {}})
	require.NoError(t, err)
	assert.True(t, bm.Equal(decimal.NewFromInt(120000)))
}

func TestCheckUtilizationPublishesOnBreach(t *testing.T) {
	ceiling := decimal.NewFromFloat(0.8)
	s, gateway, bus := newService(t, Config{CacheTTL: time.Minute, MaxMarginUtilization: &ceiling})

	var events []core.RiskEvent
	bus.Subscribe(core.EventTypeRisk, 10, "test", func(ev core.Event) {
		events = append(events, ev.(core.RiskEvent))
	})

	// 90% used: breach.
	gateway.Margins = core.MarginSnapshot{
		Used:      decimal.NewFromInt(900_000),
		Available: decimal.NewFromInt(100_000),
		FetchedAt: time.Now(),
	}
	err := s.CheckUtilization(context.Background())
	require.Error(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, core.RiskLevelCritical, events[0].Level)
	assert.Equal(t, "MARGIN_UTILIZATION_EXCEEDED", events[0].Code)
}

func TestCheckUtilizationPassesUnderCeiling(t *testing.T) {
	ceiling := decimal.NewFromFloat(0.8)
	s, gateway, _ := newService(t, Config{CacheTTL: time.Minute, MaxMarginUtilization: &ceiling})
	gateway.Margins = core.MarginSnapshot{
		Used:      decimal.NewFromInt(500_000),
		Available: decimal.NewFromInt(500_000),
		FetchedAt: time.Now(),
	}
	require.NoError(t, s.CheckUtilization(context.Background()))
}

func TestCheckUtilizationDisabledWithoutCeiling(t *testing.T) {
	s, gateway, _ := newService(t, Config{CacheTTL: time.Minute})
	gateway.Margins = core.MarginSnapshot{
		Used:      decimal.NewFromInt(999_999),
		Available: decimal.NewFromInt(1),
		FetchedAt: time.Now(),
	}
	require.NoError(t, s.CheckUtilization(context.Background()))
}
