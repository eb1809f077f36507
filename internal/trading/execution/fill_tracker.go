// Package execution implements WAL-journaled multi-leg order placement with
// sequential, parallel, and buy-first-then-sell modes, plus fill tracking.
package execution

import (
	"fmt"
	"strings"
	"sync"

	"options_trader/internal/core"
)

// await tracks one group's outstanding fills.
type await struct {
	groupID  string
	expected int
	got      int
	done     chan error
}

// FillTracker implements core.IFillTracker. Order tags carry the execution
// group id as a prefix; FILLED events count toward the group, a REJECTED
// event fails it immediately.
type FillTracker struct {
	logger core.ILogger

	mu     sync.Mutex
	awaits map[string]*await
}

func NewFillTracker(logger core.ILogger) *FillTracker {
	return &FillTracker{
		logger: logger.WithField("component", "fill_tracker"),
		awaits: make(map[string]*await),
	}
}

// Subscribe wires the tracker to order events on the bus.
func (t *FillTracker) Subscribe(bus core.IEventBus) {
	bus.Subscribe(core.EventTypeOrder, 30, "fill_tracker", func(ev core.Event) {
		oe, ok := ev.(core.OrderEvent)
		if !ok {
			return
		}
		t.OnOrderEvent(oe)
	})
}

// AwaitFills registers interest in a group's fills BEFORE its orders are
// routed, closing the lost-wakeup window. The channel yields nil once the
// expected count is reached, or the rejection error.
func (t *FillTracker) AwaitFills(groupID string, expected int) <-chan error {
	t.mu.Lock()
	defer t.mu.Unlock()
	a := &await{
		groupID:  groupID,
		expected: expected,
		done:     make(chan error, 1),
	}
	t.awaits[groupID] = a
	if expected <= 0 {
		a.done <- nil
		delete(t.awaits, groupID)
	}
	return a.done
}

// CancelAwait drops a registration; the channel never completes after this.
func (t *FillTracker) CancelAwait(groupID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.awaits, groupID)
}

// OnOrderEvent feeds one order transition into the tracker.
func (t *FillTracker) OnOrderEvent(ev core.OrderEvent) {
	if ev.Kind != core.OrderEventFilled && ev.Kind != core.OrderEventRejected {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for groupID, a := range t.awaits {
		if !strings.HasPrefix(ev.Order.Tag, groupID) {
			continue
		}
		switch ev.Kind {
		case core.OrderEventFilled:
			a.got++
			t.logger.Debug("Fill counted toward group",
				"group_id", groupID, "got", a.got, "expected", a.expected)
			if a.got >= a.expected {
				a.done <- nil
				delete(t.awaits, groupID)
			}
		case core.OrderEventRejected:
			a.done <- fmt.Errorf("order %s rejected while awaiting fills for group %s",
				ev.Order.BrokerOrderID, groupID)
			delete(t.awaits, groupID)
		}
		return
	}
}
