package strategy

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"options_trader/internal/core"
	"options_trader/internal/eventbus"
	"options_trader/internal/mock"
)

// stubStrategy records evaluations and can be scripted to fail or panic.
type stubStrategy struct {
	BaseStrategy
	evaluated   []core.MarketSnapshot
	evalErr     error
	panicOnEval bool
	adjusted    []string
}

func newStub(id string) *stubStrategy {
	return &stubStrategy{BaseStrategy: newBase(id, id, core.StrategyTypeScalper)}
}

func (s *stubStrategy) Evaluate(ctx context.Context, snapshot core.MarketSnapshot) error {
	if s.panicOnEval {
		panic("scripted panic")
	}
	s.evaluated = append(s.evaluated, snapshot)
	return s.evalErr
}

func (s *stubStrategy) ForceAdjust(ctx context.Context, action string) error {
	s.adjusted = append(s.adjusted, action)
	return nil
}

func newEngine(t *testing.T) (*Engine, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.NewBus(mock.NewLogger())
	e := NewEngine(bus, mock.NewLogger())
	e.Start()
	return e, bus
}

func tickEvent(token int64, price float64) core.TickEvent {
	return core.TickEvent{Tick: core.Tick{
		InstrumentToken: token,
		LastPrice:       decimal.NewFromFloat(price),
	}}
}

func TestRegisterRejectsDuplicateID(t *testing.T) {
	e, _ := newEngine(t)
	require.NoError(t, e.Register(newStub("s1")))
	require.Error(t, e.Register(newStub("s1")))
}

func TestLifecycleHappyPath(t *testing.T) {
	e, _ := newEngine(t)
	s := newStub("s1")
	require.NoError(t, e.Register(s))

	ctx := context.Background()
	require.NoError(t, e.Arm(ctx, "s1"))
	assert.Equal(t, core.StrategyStatusArmed, s.Status())

	s.SetStatus(core.StrategyStatusActive) // entry fills
	require.NoError(t, e.Pause(ctx, "s1"))
	require.NoError(t, e.Resume(ctx, "s1"))
	require.NoError(t, e.Close(ctx, "s1"))
	assert.Equal(t, core.StrategyStatusClosing, s.Status())
}

func TestInvalidTransitionsError(t *testing.T) {
	e, _ := newEngine(t)
	s := newStub("s1")
	require.NoError(t, e.Register(s))

	ctx := context.Background()
	require.Error(t, e.Resume(ctx, "s1"), "CREATED cannot resume")
	require.Error(t, e.Close(ctx, "s1"), "CREATED cannot close")
	require.Error(t, e.Pause(ctx, "s1"), "CREATED cannot pause")
	require.Error(t, e.Arm(ctx, "missing"))

	s.SetStatus(core.StrategyStatusClosed)
	require.Error(t, e.Arm(ctx, "s1"), "CLOSED is terminal")
}

func TestLifecycleChangePublishesEvents(t *testing.T) {
	e, bus := newEngine(t)
	var strategyEvents []core.StrategyEvent
	var decisions []core.DecisionEvent
	bus.Subscribe(core.EventTypeStrategy, 10, "test", func(ev core.Event) {
		strategyEvents = append(strategyEvents, ev.(core.StrategyEvent))
	})
	bus.Subscribe(core.EventTypeDecision, 10, "test", func(ev core.Event) {
		decisions = append(decisions, ev.(core.DecisionEvent))
	})

	require.NoError(t, e.Register(newStub("s1")))
	require.NoError(t, e.Arm(context.Background(), "s1"))

	require.Len(t, strategyEvents, 1)
	assert.Equal(t, core.StrategyStatusArmed, strategyEvents[0].Status)
	require.Len(t, decisions, 1)
	assert.Equal(t, "LIFECYCLE", decisions[0].Category)
	assert.Equal(t, string(core.StrategyStatusCreated), decisions[0].Context["from"])
	assert.Equal(t, string(core.StrategyStatusArmed), decisions[0].Context["to"])
}

func TestTickDispatchOnlyReachesArmedAndActive(t *testing.T) {
	e, bus := newEngine(t)
	armed, active, created, paused := newStub("armed"), newStub("active"), newStub("created"), newStub("paused")
	armed.SetStatus(core.StrategyStatusArmed)
	active.SetStatus(core.StrategyStatusActive)
	paused.SetStatus(core.StrategyStatusPaused)
	for _, s := range []*stubStrategy{armed, active, created, paused} {
		require.NoError(t, e.Register(s))
	}

	bus.Publish(tickEvent(101, 22000))

	assert.Len(t, armed.evaluated, 1)
	assert.Len(t, active.evaluated, 1)
	assert.Empty(t, created.evaluated)
	assert.Empty(t, paused.evaluated)
	assert.Equal(t, decimal.NewFromFloat(22000.0), active.evaluated[0].SpotPrice)
}

func TestPanickingStrategyDoesNotBlockOthers(t *testing.T) {
	e, bus := newEngine(t)
	bad, good := newStub("bad"), newStub("good")
	bad.panicOnEval = true
	bad.SetStatus(core.StrategyStatusActive)
	good.SetStatus(core.StrategyStatusActive)
	require.NoError(t, e.Register(bad))
	require.NoError(t, e.Register(good))

	require.NotPanics(t, func() { bus.Publish(tickEvent(101, 22000)) })
	assert.Len(t, good.evaluated, 1)
}

func TestPauseAllPausesOnlyArmedAndActive(t *testing.T) {
	e, _ := newEngine(t)
	armed, active, closed := newStub("armed"), newStub("active"), newStub("closed")
	armed.SetStatus(core.StrategyStatusArmed)
	active.SetStatus(core.StrategyStatusActive)
	closed.SetStatus(core.StrategyStatusClosed)
	for _, s := range []*stubStrategy{armed, active, closed} {
		require.NoError(t, e.Register(s))
	}

	count := e.PauseAll(context.Background())
	assert.Equal(t, 2, count)
	assert.Equal(t, core.StrategyStatusPaused, armed.Status())
	assert.Equal(t, core.StrategyStatusPaused, active.Status())
	assert.Equal(t, core.StrategyStatusClosed, closed.Status())
}

func TestForceAdjustmentRequiresActive(t *testing.T) {
	e, _ := newEngine(t)
	s := newStub("s1")
	require.NoError(t, e.Register(s))

	require.Error(t, e.ForceAdjustment(context.Background(), "s1", "CLOSE_ALL"))

	s.SetStatus(core.StrategyStatusActive)
	require.NoError(t, e.ForceAdjustment(context.Background(), "s1", "CLOSE_ALL"))
	assert.Equal(t, []string{"CLOSE_ALL"}, s.adjusted)
	assert.Equal(t, core.StrategyStatusClosing, s.Status())
}

func TestUndeployRequiresClosed(t *testing.T) {
	e, _ := newEngine(t)
	s := newStub("s1")
	require.NoError(t, e.Register(s))

	require.Error(t, e.Undeploy("s1"))
	s.SetStatus(core.StrategyStatusClosed)
	require.NoError(t, e.Undeploy("s1"))
	_, ok := e.Get("s1")
	assert.False(t, ok)
	require.Error(t, e.Undeploy("s1"), "already removed")
}

func TestPositionIndexRoutesUpdatesToOwners(t *testing.T) {
	e, bus := newEngine(t)
	owner, other := newStub("owner"), newStub("other")
	require.NoError(t, e.Register(owner))
	require.NoError(t, e.Register(other))

	e.RegisterPositionLink("pos-1", "owner")
	e.RegisterPositionLink("pos-1", "owner") // idempotent

	bus.Publish(core.PositionEvent{
		Kind:     core.PositionEventUpdated,
		Position: core.Position{ID: "pos-1", InstrumentToken: 101, Quantity: -50},
	})

	require.Len(t, owner.Positions(), 1)
	assert.Empty(t, other.Positions())

	// Unindexed positions are dropped silently.
	bus.Publish(core.PositionEvent{
		Kind:     core.PositionEventUpdated,
		Position: core.Position{ID: "pos-unknown", Quantity: 25},
	})
	assert.Len(t, owner.Positions(), 1)
}

func TestUnregisterPositionLinkToleratesMissing(t *testing.T) {
	e, _ := newEngine(t)
	e.UnregisterPositionLink("pos-x", "nobody") // no-op

	e.RegisterPositionLink("pos-1", "s1")
	e.UnregisterPositionLink("pos-1", "s1")
	assert.Empty(t, e.StrategiesForPosition("pos-1"))
}

func TestPopulatePositionIndexClearsAndRebuilds(t *testing.T) {
	e, _ := newEngine(t)
	e.RegisterPositionLink("stale", "s-old")

	e.PopulatePositionIndex(map[string][]string{
		"pos-1": {"s1", "s2"},
		"pos-2": {"s2"},
	})

	assert.Empty(t, e.StrategiesForPosition("stale"))
	assert.ElementsMatch(t, []string{"s1", "s2"}, e.StrategiesForPosition("pos-1"))
	assert.Equal(t, []string{"s2"}, e.StrategiesForPosition("pos-2"))
}
