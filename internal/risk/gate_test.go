package risk

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"options_trader/internal/core"
	"options_trader/internal/eventbus"
	"options_trader/internal/mock"
)

type stubChecker struct {
	name       string
	violations []core.RiskViolation
	calls      int
}

func (s *stubChecker) Name() string { return s.name }

func (s *stubChecker) Validate(ctx context.Context, req core.OrderRequest) []core.RiskViolation {
	s.calls++
	return s.violations
}

func TestGateRunsEveryCheckerDespiteViolations(t *testing.T) {
	bus := eventbus.NewBus(mock.NewLogger())
	first := &stubChecker{name: "first", violations: []core.RiskViolation{{Code: "A", Message: "a"}}}
	second := &stubChecker{name: "second", violations: []core.RiskViolation{{Code: "B", Message: "b"}}}
	third := &stubChecker{name: "third"}

	gate := NewGate(bus, mock.NewLogger(), first, second, third)
	result := gate.Validate(context.Background(), core.OrderRequest{TradingSymbol: "NIFTY24FEB22000CE"})

	assert.False(t, result.Passed())
	assert.Len(t, result.Violations, 2)
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 1, second.calls, "second checker must run even after the first violation")
	assert.Equal(t, 1, third.calls)
}

func TestGatePublishesSingleWarningWithFirstViolation(t *testing.T) {
	bus := eventbus.NewBus(mock.NewLogger())
	var events []core.RiskEvent
	bus.Subscribe(core.EventTypeRisk, 10, "test", func(ev core.Event) {
		events = append(events, ev.(core.RiskEvent))
	})

	gate := NewGate(bus, mock.NewLogger(),
		&stubChecker{name: "a", violations: []core.RiskViolation{{Code: "FIRST", Message: "m1"}}},
		&stubChecker{name: "b", violations: []core.RiskViolation{{Code: "SECOND", Message: "m2"}}},
	)
	gate.Validate(context.Background(), core.OrderRequest{})

	require.Len(t, events, 1)
	assert.Equal(t, core.RiskLevelWarning, events[0].Level)
	assert.Equal(t, "FIRST", events[0].Code)
	assert.Equal(t, "2", events[0].Detail["total_violations"])
}

func TestGatePassesCleanRequest(t *testing.T) {
	bus := eventbus.NewBus(mock.NewLogger())
	var published int
	bus.Subscribe(core.EventTypeRisk, 10, "test", func(core.Event) { published++ })

	gate := NewGate(bus, mock.NewLogger(), &stubChecker{name: "a"})
	result := gate.Validate(context.Background(), core.OrderRequest{})

	assert.True(t, result.Passed())
	assert.Nil(t, result.First())
	assert.Zero(t, published)
}
