package execution

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"options_trader/internal/core"
	"options_trader/internal/mock"
)

func filledEvent(tag string) core.OrderEvent {
	return core.OrderEvent{
		Kind:  core.OrderEventFilled,
		Order: core.Order{BrokerOrderID: "ORD-1", Tag: tag, Status: core.OrderStatusComplete},
	}
}

func TestAwaitFillsCompletesAtExpectedCount(t *testing.T) {
	tr := NewFillTracker(mock.NewLogger())
	done := tr.AwaitFills("grp-1", 2)

	tr.OnOrderEvent(filledEvent("grp-1-0"))
	select {
	case <-done:
		t.Fatal("completed before expected count")
	default:
	}

	tr.OnOrderEvent(filledEvent("grp-1-1"))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("await did not complete")
	}
}

func TestAwaitFillsRejectionFailsFuture(t *testing.T) {
	tr := NewFillTracker(mock.NewLogger())
	done := tr.AwaitFills("grp-1", 2)

	tr.OnOrderEvent(core.OrderEvent{
		Kind:  core.OrderEventRejected,
		Order: core.Order{BrokerOrderID: "ORD-9", Tag: "grp-1-1", Status: core.OrderStatusRejected},
	})

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("rejection did not fail the future")
	}
}

func TestAwaitFillsIgnoresOtherGroups(t *testing.T) {
	tr := NewFillTracker(mock.NewLogger())
	done := tr.AwaitFills("grp-1", 1)

	tr.OnOrderEvent(filledEvent("grp-2-0"))
	select {
	case <-done:
		t.Fatal("foreign group fill must not count")
	default:
	}
}

func TestCancelAwaitDropsRegistration(t *testing.T) {
	tr := NewFillTracker(mock.NewLogger())
	done := tr.AwaitFills("grp-1", 1)
	tr.CancelAwait("grp-1")

	tr.OnOrderEvent(filledEvent("grp-1-0"))
	select {
	case <-done:
		t.Fatal("cancelled await must never complete")
	default:
	}
}

func TestAwaitFillsZeroExpectedCompletesImmediately(t *testing.T) {
	tr := NewFillTracker(mock.NewLogger())
	done := tr.AwaitFills("grp-1", 0)
	select {
	case err := <-done:
		assert.NoError(t, err)
	default:
		t.Fatal("zero expected fills should complete immediately")
	}
}
