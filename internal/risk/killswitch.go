package risk

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"golang.org/x/sync/errgroup"

	"options_trader/internal/core"
	"options_trader/pkg/telemetry"
)

const (
	killSwitchDeadline   = 30 * time.Second
	killSwitchRetries    = 3
	killSwitchRetryDelay = 100 * time.Millisecond
)

// KillSwitch is the emergency stop. Activation pauses all strategies, flips
// the router's rejection flag, cancels every pending broker order, and
// closes every open position with direct MARKET counter-orders. Closures go
// straight to the broker gateway: the router and risk gate are deliberately
// out of the path when flattening the book.
type KillSwitch struct {
	gateway    core.IBrokerGateway
	router     core.IOrderRouter
	strategies core.IStrategyEngine
	bus        core.IEventBus
	logger     core.ILogger

	active atomic.Bool
	retry  retrypolicy.RetryPolicy[any]
}

func NewKillSwitch(gateway core.IBrokerGateway, router core.IOrderRouter, strategies core.IStrategyEngine, bus core.IEventBus, logger core.ILogger) *KillSwitch {
	return &KillSwitch{
		gateway:    gateway,
		router:     router,
		strategies: strategies,
		bus:        bus,
		logger:     logger.WithField("component", "kill_switch"),
		retry: retrypolicy.NewBuilder[any]().
			WithDelay(killSwitchRetryDelay).
			WithMaxRetries(killSwitchRetries).
			Build(),
	}
}

// IsActive reports whether the switch is currently engaged.
func (k *KillSwitch) IsActive() bool { return k.active.Load() }

// Activate engages the switch. A second concurrent or repeated call returns
// immediately with AlreadyActive set; the atomic flag makes the whole
// operation run at most once per engagement.
func (k *KillSwitch) Activate(ctx context.Context, reason string) (*core.KillSwitchResult, error) {
	result := &core.KillSwitchResult{StartedAt: time.Now()}
	if !k.active.CompareAndSwap(false, true) {
		result.AlreadyActive = true
		result.CompletedAt = time.Now()
		return result, nil
	}

	k.logger.Warn("Kill switch activated", "reason", reason)
	telemetry.GetGlobalMetrics().SetKillSwitchActive(true)

	paused := k.strategies.PauseAll(ctx)
	k.logger.Info("Strategies paused", "count", paused)

	k.router.ActivateKillSwitch()

	ctx, cancel := context.WithTimeout(ctx, killSwitchDeadline)
	defer cancel()

	var mu sync.Mutex
	appendErr := func(format string, args ...interface{}) {
		mu.Lock()
		result.Errors = append(result.Errors, fmt.Sprintf(format, args...))
		mu.Unlock()
	}

	k.cancelPendingOrders(ctx, result, appendErr)
	k.closeOpenPositions(ctx, result, appendErr)

	result.CompletedAt = time.Now()
	k.bus.Publish(core.NewRiskEvent(core.RiskLevelCritical, "KILL_SWITCH_ACTIVATED",
		"kill switch engaged: "+reason,
		map[string]string{
			"reason":           reason,
			"orders_cancelled": fmt.Sprintf("%d", result.OrdersCancelled),
			"positions_closed": fmt.Sprintf("%d", result.PositionsClosed),
			"errors":           fmt.Sprintf("%d", len(result.Errors)),
		}))
	return result, nil
}

func (k *KillSwitch) cancelPendingOrders(ctx context.Context, result *core.KillSwitchResult, appendErr func(string, ...interface{})) {
	pending, err := k.gateway.GetPendingOrders(ctx)
	if err != nil {
		appendErr("fetch pending orders: %v", err)
		return
	}

	var cancelled atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	for _, order := range pending {
		if order.BrokerOrderID == "" {
			continue
		}
		order := order
		g.Go(func() error {
			err := failsafe.With[any](k.retry).RunWithExecution(func(_ failsafe.Execution[any]) error {
				return k.gateway.CancelOrder(ctx, order.BrokerOrderID)
			})
			if err != nil {
				appendErr("cancel %s: %v", order.BrokerOrderID, err)
				return nil // collect, never abort the fan-out
			}
			cancelled.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	result.OrdersCancelled = int(cancelled.Load())
}

func (k *KillSwitch) closeOpenPositions(ctx context.Context, result *core.KillSwitchResult, appendErr func(string, ...interface{})) {
	positions, err := k.gateway.GetPositions(ctx)
	if err != nil {
		appendErr("fetch positions: %v", err)
		return
	}

	var closed atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	for _, pos := range positions {
		if pos.Quantity == 0 {
			continue
		}
		pos := pos
		g.Go(func() error {
			req := counterOrder(pos)
			err := failsafe.With[any](k.retry).RunWithExecution(func(_ failsafe.Execution[any]) error {
				_, err := k.gateway.PlaceOrder(ctx, req)
				return err
			})
			if err != nil {
				appendErr("close %s: %v", pos.TradingSymbol, err)
				return nil
			}
			closed.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	result.PositionsClosed = int(closed.Load())
}

// counterOrder builds the MARKET order that flattens one position: BUY to
// cover shorts, SELL to unwind longs.
func counterOrder(pos core.Position) core.OrderRequest {
	side := core.SideSell
	qty := pos.Quantity
	if qty < 0 {
		side = core.SideBuy
		qty = -qty
	}
	return core.OrderRequest{
		InstrumentToken: pos.InstrumentToken,
		TradingSymbol:   pos.TradingSymbol,
		Exchange:        pos.Exchange,
		Side:            side,
		OrderType:       core.OrderTypeMarket,
		Product:         pos.Product,
		Quantity:        qty,
		CorrelationID:   "KILLSWITCH-" + pos.ID,
		KillSwitchOrder: true,
	}
}

// Deactivate clears the switch and the router flag.
func (k *KillSwitch) Deactivate(ctx context.Context) error {
	if !k.active.CompareAndSwap(true, false) {
		return nil
	}
	k.router.DeactivateKillSwitch()
	telemetry.GetGlobalMetrics().SetKillSwitchActive(false)
	k.logger.Info("Kill switch deactivated")
	return nil
}

// PauseAllStrategies is the milder intervention: strategies stop trading
// but nothing is cancelled or closed.
func (k *KillSwitch) PauseAllStrategies(ctx context.Context) error {
	paused := k.strategies.PauseAll(ctx)
	k.logger.Warn("All strategies paused", "count", paused)
	return nil
}
