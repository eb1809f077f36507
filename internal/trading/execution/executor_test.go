package execution

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"options_trader/internal/core"
	"options_trader/internal/eventbus"
	"options_trader/internal/mock"
	"options_trader/pkg/concurrency"
)

// scriptedRouter accepts everything except symbols listed in reject, and
// records every request it sees.
type scriptedRouter struct {
	mu      sync.Mutex
	reject  map[string]string // symbol -> rejection reason
	routed  []core.OrderRequest
	onRoute func(core.OrderRequest, core.RouteResult)
}

func newScriptedRouter() *scriptedRouter {
	return &scriptedRouter{reject: make(map[string]string)}
}

func (r *scriptedRouter) Route(ctx context.Context, req core.OrderRequest) (core.RouteResult, error) {
	r.mu.Lock()
	r.routed = append(r.routed, req)
	reason, rejected := r.reject[req.TradingSymbol]
	var result core.RouteResult
	if rejected {
		result = core.RouteResult{Accepted: false, RejectionReason: reason, Tag: req.CorrelationID}
	} else {
		result = core.RouteResult{Accepted: true, BrokerOrderID: "ORD-" + req.TradingSymbol, Tag: req.CorrelationID}
	}
	cb := r.onRoute
	r.mu.Unlock()
	if cb != nil {
		cb(req, result)
	}
	return result, nil
}

func (r *scriptedRouter) ActivateKillSwitch()    {}
func (r *scriptedRouter) DeactivateKillSwitch()  {}
func (r *scriptedRouter) KillSwitchActive() bool { return false }

func (r *scriptedRouter) requests() []core.OrderRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.OrderRequest, len(r.routed))
	copy(out, r.routed)
	return out
}

func (r *scriptedRouter) rollbacksRouted() []core.OrderRequest {
	var out []core.OrderRequest
	for _, req := range r.requests() {
		if strings.HasPrefix(req.CorrelationID, "ROLLBACK-") {
			out = append(out, req)
		}
	}
	return out
}

func legsForCondor() []core.OrderRequest {
	return []core.OrderRequest{
		{InstrumentToken: 1, TradingSymbol: "SELL-PE", Side: core.SideSell, Quantity: 50},
		{InstrumentToken: 2, TradingSymbol: "BUY-PE", Side: core.SideBuy, Quantity: 50},
		{InstrumentToken: 3, TradingSymbol: "SELL-CE", Side: core.SideSell, Quantity: 50},
	}
}

func newExecutor(t *testing.T, router core.IOrderRouter) (*MultiLegExecutor, *mock.JournalStore, *FillTracker, *eventbus.Bus) {
	t.Helper()
	logger := mock.NewLogger()
	journal := mock.NewJournalStore()
	tracker := NewFillTracker(logger)
	bus := eventbus.NewBus(logger)
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{Name: "test", MaxWorkers: 4}, logger)
	t.Cleanup(pool.Stop)
	return NewMultiLegExecutor(journal, router, tracker, bus, pool, logger), journal, tracker, bus
}

func TestSequentialSuccessJournalsAllLegsBeforeRouting(t *testing.T) {
	router := newScriptedRouter()
	journal := mock.NewJournalStore()
	logger := mock.NewLogger()
	tracker := NewFillTracker(logger)
	bus := eventbus.NewBus(logger)
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{Name: "test", MaxWorkers: 4}, logger)
	t.Cleanup(pool.Stop)

	// Observe the journal at the moment the first routing call happens:
	// all three PENDING entries must already exist.
	var entriesAtFirstRoute int
	router.onRoute = func(req core.OrderRequest, _ core.RouteResult) {
		if entriesAtFirstRoute == 0 {
			entries, _ := journal.FindByGroupID(context.Background(), req.CorrelationID[:len(req.CorrelationID)-2])
			entriesAtFirstRoute = len(entries)
		}
	}

	exec := NewMultiLegExecutor(journal, router, tracker, bus, pool, logger)
	result, err := exec.ExecuteSequential(context.Background(), "strat-1", "DEPLOY", legsForCondor())
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.False(t, result.RolledBack)
	assert.Equal(t, 3, entriesAtFirstRoute, "every leg journaled before any routing")

	entries, err := journal.FindByGroupID(context.Background(), result.GroupID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, i, e.LegIndex)
		assert.Equal(t, core.JournalStatusCompleted, e.Status)
		assert.Equal(t, result.GroupID, e.GroupID)
	}
}

func TestSequentialSecondLegFailureSkipsAndRollsBack(t *testing.T) {
	router := newScriptedRouter()
	router.reject["BUY-PE"] = "insufficient margin"
	exec, journal, _, _ := newExecutor(t, router)

	result, err := exec.ExecuteSequential(context.Background(), "strat-1", "DEPLOY", legsForCondor())
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.True(t, result.RolledBack)
	require.Len(t, result.Legs, 3)
	assert.True(t, result.Legs[0].Accepted)
	assert.False(t, result.Legs[1].Accepted)
	assert.Equal(t, "insufficient margin", result.Legs[1].Error)
	assert.True(t, result.Legs[2].Skipped)
	assert.Equal(t, skipReason, result.Legs[2].Error)

	entries, _ := journal.FindByGroupID(context.Background(), result.GroupID)
	assert.Equal(t, core.JournalStatusCompleted, entries[0].Status)
	assert.Equal(t, core.JournalStatusFailed, entries[1].Status)
	assert.Equal(t, core.JournalStatusFailed, entries[2].Status)
	assert.Equal(t, skipReason, entries[2].FailureReason)

	// Leg 0 completed, so exactly one opposite-side rollback goes out.
	rollbacks := router.rollbacksRouted()
	require.Len(t, rollbacks, 1)
	assert.Equal(t, "SELL-PE", rollbacks[0].TradingSymbol)
	assert.Equal(t, core.SideBuy, rollbacks[0].Side, "rollback flips the side")
	assert.Equal(t, int64(50), rollbacks[0].Quantity)
}

func TestParallelAllLegsRoutedDespiteFailure(t *testing.T) {
	router := newScriptedRouter()
	router.reject["SELL-CE"] = "rejected"
	exec, _, _, _ := newExecutor(t, router)

	result, err := exec.ExecuteParallel(context.Background(), "strat-1", "DEPLOY", legsForCondor())
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.True(t, result.RolledBack)

	// Parallel mode routes every leg; no skips.
	for _, lr := range result.Legs {
		assert.False(t, lr.Skipped)
	}
	assert.Len(t, router.rollbacksRouted(), 2, "both accepted legs unwound")
}

func TestParallelSuccessEmitsDecision(t *testing.T) {
	router := newScriptedRouter()
	exec, _, _, bus := newExecutor(t, router)

	var decisions []core.DecisionEvent
	bus.Subscribe(core.EventTypeDecision, 10, "test", func(ev core.Event) {
		decisions = append(decisions, ev.(core.DecisionEvent))
	})

	result, err := exec.ExecuteParallel(context.Background(), "strat-1", "DEPLOY", legsForCondor())
	require.NoError(t, err)
	assert.True(t, result.Success)

	require.Len(t, decisions, 1)
	assert.Equal(t, "EXECUTION", decisions[0].Category)
	assert.Equal(t, "true", decisions[0].Context["success"])
	assert.Equal(t, "3", decisions[0].Context["legs"])
}

func TestBuyFirstRoutesSellsOnlyAfterFills(t *testing.T) {
	router := newScriptedRouter()
	exec, _, tracker, _ := newExecutor(t, router)

	// Simulate the broker filling each BUY right after routing accepts it.
	router.onRoute = func(req core.OrderRequest, result core.RouteResult) {
		if result.Accepted && req.Side == core.SideBuy {
			go tracker.OnOrderEvent(core.OrderEvent{
				Kind:  core.OrderEventFilled,
				Order: core.Order{BrokerOrderID: result.BrokerOrderID, Tag: result.Tag},
			})
		}
	}

	legs := []core.OrderRequest{
		{InstrumentToken: 1, TradingSymbol: "BUY-PE", Side: core.SideBuy, Quantity: 50},
		{InstrumentToken: 2, TradingSymbol: "SELL-PE", Side: core.SideSell, Quantity: 50},
	}
	result, err := exec.ExecuteBuyFirst(context.Background(), "strat-1", "DEPLOY", legs, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, result.Success)

	requests := router.requests()
	require.Len(t, requests, 2)
	assert.Equal(t, core.SideBuy, requests[0].Side, "buys routed first")
	assert.Equal(t, core.SideSell, requests[1].Side)
}

func TestBuyFirstTimeoutSkipsSellsAndKeepsBuysOpen(t *testing.T) {
	router := newScriptedRouter()
	exec, journal, _, _ := newExecutor(t, router)

	legs := []core.OrderRequest{
		{InstrumentToken: 1, TradingSymbol: "BUY-PE", Side: core.SideBuy, Quantity: 50},
		{InstrumentToken: 2, TradingSymbol: "SELL-PE", Side: core.SideSell, Quantity: 50},
	}
	// No fills ever arrive; a short timeout trips phase 3.
	result, err := exec.ExecuteBuyFirst(context.Background(), "strat-1", "DEPLOY", legs, 50*time.Millisecond)
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.False(t, result.RolledBack, "buy positions stay open for manual handling")
	assert.True(t, result.Legs[0].Accepted)
	assert.True(t, result.Legs[1].Skipped)
	assert.Empty(t, router.rollbacksRouted())

	entries, _ := journal.FindByGroupID(context.Background(), result.GroupID)
	assert.Equal(t, core.JournalStatusCompleted, entries[0].Status)
	assert.Equal(t, core.JournalStatusFailed, entries[1].Status)
}

func TestBuyFirstBuyRouteFailureRollsBackAndSkipsSells(t *testing.T) {
	router := newScriptedRouter()
	router.reject["BUY-CE"] = "rejected"
	exec, _, _, _ := newExecutor(t, router)

	legs := []core.OrderRequest{
		{InstrumentToken: 1, TradingSymbol: "BUY-PE", Side: core.SideBuy, Quantity: 50},
		{InstrumentToken: 2, TradingSymbol: "BUY-CE", Side: core.SideBuy, Quantity: 50},
		{InstrumentToken: 3, TradingSymbol: "SELL-PE", Side: core.SideSell, Quantity: 50},
	}
	result, err := exec.ExecuteBuyFirst(context.Background(), "strat-1", "DEPLOY", legs, time.Second)
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.True(t, result.RolledBack)
	assert.True(t, result.Legs[2].Skipped)
	require.Len(t, router.rollbacksRouted(), 1)
	assert.Equal(t, "BUY-PE", router.rollbacksRouted()[0].TradingSymbol)
}

func TestBuyFirstSingleSideFallsBackToParallel(t *testing.T) {
	router := newScriptedRouter()
	exec, _, _, _ := newExecutor(t, router)

	legs := []core.OrderRequest{
		{InstrumentToken: 1, TradingSymbol: "SELL-PE", Side: core.SideSell, Quantity: 50},
		{InstrumentToken: 2, TradingSymbol: "SELL-CE", Side: core.SideSell, Quantity: 50},
	}
	// All-sell group: no fill await, straight to parallel.
	result, err := exec.ExecuteBuyFirst(context.Background(), "strat-1", "DEPLOY", legs, time.Millisecond)
	require.NoError(t, err)
	assert.True(t, result.Success)
}
