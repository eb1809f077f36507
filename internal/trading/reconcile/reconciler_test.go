package reconcile

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
)

type alwaysOpen struct{}

func (alwaysOpen) IsMarketOpen(time.Time) bool { return true }

func newReconciler(t *testing.T) (*Reconciler, *mock.BrokerGateway, *mock.PositionStore, *eventbus.Bus) {
	t.Helper()
	gateway := mock.NewBrokerGateway()
	positions := mock.NewPositionStore()
	bus := eventbus.NewBus(mock.NewLogger())
	r := NewReconciler(gateway, positions, alwaysOpen{}, bus, nil,
		Config{Interval: time.Hour}, mock.NewLogger())
	return r, gateway, positions, bus
}

func pos(id string, token int64, symbol string, qty int64, avg float64) core.Position {
	return core.Position{
		ID:              id,
		InstrumentToken: token,
		TradingSymbol:   symbol,
		Quantity:        qty,
		AveragePrice:    decimal.NewFromFloat(avg),
	}
}

func TestReconcileMatchedBookReportsNothing(t *testing.T) {
	r, gateway, positions, _ := newReconciler(t)
	gateway.Positions = []core.Position{pos("", 101, "NIFTY-CE", -50, 120)}
	require.NoError(t, positions.Save(context.Background(), pos("p1", 101, "NIFTY-CE", -50, 120)))

	result, err := r.Reconcile(context.Background(), TriggerManual)
	require.NoError(t, err)
	assert.Empty(t, result.Mismatches)
	assert.Equal(t, 1, result.BrokerCount)
	assert.Equal(t, 1, result.LocalCount)
}

func TestQuantityMismatchSyncsFromBroker(t *testing.T) {
	r, gateway, positions, _ := newReconciler(t)
	gateway.Positions = []core.Position{pos("p1", 101, "NIFTY-CE", -100, 120)}
	require.NoError(t, positions.Save(context.Background(), pos("p1", 101, "NIFTY-CE", -50, 120)))

	result, err := r.Reconcile(context.Background(), TriggerManual)
	require.NoError(t, err)
	require.Len(t, result.Mismatches, 1)
	m := result.Mismatches[0]
	assert.Equal(t, core.MismatchQuantity, m.Type)
	assert.Equal(t, core.ResolutionAutoSync, m.Resolution)

	synced, err := positions.FindAll(context.Background())
	require.NoError(t, err)
	require.Len(t, synced, 1)
	assert.Equal(t, int64(-100), synced[0].Quantity, "broker is authoritative")
}

func TestMissingLocalSavesBrokerPosition(t *testing.T) {
	r, gateway, positions, _ := newReconciler(t)
	gateway.Positions = []core.Position{pos("", 101, "NIFTY-CE", -50, 120)}

	result, err := r.Reconcile(context.Background(), TriggerStartup)
	require.NoError(t, err)
	require.Len(t, result.Mismatches, 1)
	assert.Equal(t, core.MismatchMissingLocal, result.Mismatches[0].Type)

	synced, _ := positions.FindAll(context.Background())
	require.Len(t, synced, 1)
	assert.Equal(t, "NIFTY-CE", synced[0].TradingSymbol)
}

func TestMissingBrokerDeletesLocalPosition(t *testing.T) {
	r, _, positions, _ := newReconciler(t)
	require.NoError(t, positions.Save(context.Background(), pos("p1", 101, "NIFTY-CE", -50, 120)))

	result, err := r.Reconcile(context.Background(), TriggerScheduled)
	require.NoError(t, err)
	require.Len(t, result.Mismatches, 1)
	assert.Equal(t, core.MismatchMissingBroker, result.Mismatches[0].Type)

	synced, _ := positions.FindAll(context.Background())
	assert.Empty(t, synced)
}

func TestPriceDriftIsAlertOnly(t *testing.T) {
	r, gateway, positions, _ := newReconciler(t)
	// 3% drift: above the 2% tolerance.
	gateway.Positions = []core.Position{pos("", 101, "NIFTY-CE", -50, 103)}
	require.NoError(t, positions.Save(context.Background(), pos("p1", 101, "NIFTY-CE", -50, 100)))

	result, err := r.Reconcile(context.Background(), TriggerManual)
	require.NoError(t, err)
	require.Len(t, result.Mismatches, 1)
	m := result.Mismatches[0]
	assert.Equal(t, core.MismatchPriceDrift, m.Type)
	assert.Equal(t, core.ResolutionAlertOnly, m.Resolution)

	// Local state untouched.
	synced, _ := positions.FindAll(context.Background())
	require.Len(t, synced, 1)
	assert.True(t, synced[0].AveragePrice.Equal(decimal.NewFromInt(100)))
}

func TestDriftAtExactlyToleranceIsNotAMismatch(t *testing.T) {
	r, gateway, positions, _ := newReconciler(t)
	// Exactly 2%: strict greater-than, so no mismatch.
	gateway.Positions = []core.Position{pos("", 101, "NIFTY-CE", -50, 102)}
	require.NoError(t, positions.Save(context.Background(), pos("p1", 101, "NIFTY-CE", -50, 100)))

	result, err := r.Reconcile(context.Background(), TriggerManual)
	require.NoError(t, err)
	assert.Empty(t, result.Mismatches)
}

func TestZeroQuantityBrokerPositionsAreIgnored(t *testing.T) {
	r, gateway, _, _ := newReconciler(t)
	gateway.Positions = []core.Position{pos("", 101, "NIFTY-CE", 0, 120)}

	result, err := r.Reconcile(context.Background(), TriggerManual)
	require.NoError(t, err)
	assert.Zero(t, result.BrokerCount)
	assert.Empty(t, result.Mismatches)
}

func TestReconcilePublishesEvent(t *testing.T) {
	r, gateway, _, bus := newReconciler(t)
	gateway.Positions = []core.Position{pos("", 101, "NIFTY-CE", -50, 120)}

	var events []core.ReconciliationEvent
	bus.Subscribe(core.EventTypeReconciliation, 10, "test", func(ev core.Event) {
		events = append(events, ev.(core.ReconciliationEvent))
	})

	_, err := r.Reconcile(context.Background(), TriggerManual)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Manual)
	assert.Equal(t, TriggerManual, events[0].Result.Trigger)
	assert.Len(t, events[0].Result.Mismatches, 1)
}

func TestStartStopLifecycle(t *testing.T) {
	r, _, _, _ := newReconciler(t)
	require.NoError(t, r.Start(context.Background()))
	require.Error(t, r.Start(context.Background()), "double start")
	require.NoError(t, r.Stop())
	require.NoError(t, r.Stop(), "stop is idempotent")
}
