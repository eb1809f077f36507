package risk

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"options_trader/internal/core"
	"options_trader/pkg/telemetry"
)

// AccountRiskChecker enforces account-wide limits: daily realised loss,
// open-position count, and pending-order count. The P&L accumulator is a
// lock-free CAS loop so fill handlers never contend with the tick path.
type AccountRiskChecker struct {
	positions core.IPositionStore
	orders    core.IOrderStore
	bus       core.IEventBus
	logger    core.ILogger
	now       func() time.Time

	limits atomic.Pointer[core.RiskLimits]
	pnl    atomic.Pointer[decimal.Decimal]
	date   atomic.Pointer[string]
}

func NewAccountRiskChecker(limits core.RiskLimits, positions core.IPositionStore, orders core.IOrderStore, bus core.IEventBus, logger core.ILogger) *AccountRiskChecker {
	c := &AccountRiskChecker{
		positions: positions,
		orders:    orders,
		bus:       bus,
		logger:    logger.WithField("component", "account_risk_checker"),
		now:       time.Now,
	}
	c.limits.Store(&limits)
	zero := decimal.Zero
	c.pnl.Store(&zero)
	today := c.today()
	c.date.Store(&today)
	return c
}

func (c *AccountRiskChecker) Name() string { return "account" }

// SetLimits swaps in a new limit snapshot.
func (c *AccountRiskChecker) SetLimits(limits core.RiskLimits) {
	c.limits.Store(&limits)
}

func (c *AccountRiskChecker) today() string {
	return c.now().Format("2006-01-02")
}

// rollOverIfNewDay resets the accumulator when the trading date advances.
func (c *AccountRiskChecker) rollOverIfNewDay() {
	today := c.today()
	current := c.date.Load()
	if *current == today {
		return
	}
	if c.date.CompareAndSwap(current, &today) {
		zero := decimal.Zero
		c.pnl.Store(&zero)
		c.logger.Info("Daily P&L counter reset", "date", today)
	}
}

// AddRealisedPnl folds one realised amount into the daily accumulator.
func (c *AccountRiskChecker) AddRealisedPnl(amount decimal.Decimal) {
	c.rollOverIfNewDay()
	for {
		old := c.pnl.Load()
		updated := old.Add(amount)
		if c.pnl.CompareAndSwap(old, &updated) {
			f, _ := updated.Float64()
			telemetry.GetGlobalMetrics().SetDailyRealisedPnl(f)
			return
		}
	}
}

// DailyRealisedPnl returns the accumulator for the current trading day.
func (c *AccountRiskChecker) DailyRealisedPnl() decimal.Decimal {
	c.rollOverIfNewDay()
	return *c.pnl.Load()
}

// SetDailyRealisedPnl overwrites the accumulator, used when restoring state
// at startup.
func (c *AccountRiskChecker) SetDailyRealisedPnl(amount decimal.Decimal) {
	c.rollOverIfNewDay()
	c.pnl.Store(&amount)
	f, _ := amount.Float64()
	telemetry.GetGlobalMetrics().SetDailyRealisedPnl(f)
}

// Validate applies the account-wide checks to one outgoing request.
func (c *AccountRiskChecker) Validate(ctx context.Context, req core.OrderRequest) []core.RiskViolation {
	limits := c.limits.Load()
	var out []core.RiskViolation

	if limits.DailyLossLimit != nil {
		pnl := c.DailyRealisedPnl()
		if pnl.LessThanOrEqual(limits.DailyLossLimit.Neg()) {
			out = append(out, core.RiskViolation{
				Code:    CodeDailyLossLimitBreached,
				Message: fmt.Sprintf("daily realised pnl %s breaches loss limit %s", pnl, limits.DailyLossLimit),
			})
		}
	}

	if limits.MaxOpenPositions != nil {
		positions, err := c.positions.FindAll(ctx)
		if err != nil {
			c.logger.Error("Open-position count unavailable, failing closed", "error", err)
			out = append(out, core.RiskViolation{
				Code:    CodeMaxOpenPositions,
				Message: "open-position count unavailable: " + err.Error(),
			})
		} else {
			open := 0
			for _, p := range positions {
				if p.Quantity != 0 {
					open++
				}
			}
			if open >= *limits.MaxOpenPositions {
				out = append(out, core.RiskViolation{
					Code:    CodeMaxOpenPositions,
					Message: fmt.Sprintf("open positions %d at limit %d", open, *limits.MaxOpenPositions),
				})
			}
		}
	}

	if limits.MaxOpenOrders != nil {
		pending, err := c.orders.CountPending(ctx)
		if err != nil {
			c.logger.Error("Pending-order count unavailable, failing closed", "error", err)
			out = append(out, core.RiskViolation{
				Code:    CodeMaxOpenOrders,
				Message: "pending-order count unavailable: " + err.Error(),
			})
		} else if pending >= *limits.MaxOpenOrders {
			out = append(out, core.RiskViolation{
				Code:    CodeMaxOpenOrders,
				Message: fmt.Sprintf("pending orders %d at limit %d", pending, *limits.MaxOpenOrders),
			})
		}
	}

	return out
}

// CheckAccountLimits is the periodic real-time monitor. It publishes a
// CRITICAL RiskEvent on a daily-loss breach and a WARNING once the loss
// passes the warning fraction of the limit.
func (c *AccountRiskChecker) CheckAccountLimits(ctx context.Context) {
	limits := c.limits.Load()
	if limits.DailyLossLimit == nil {
		return
	}
	pnl := c.DailyRealisedPnl()
	limit := *limits.DailyLossLimit

	if pnl.LessThanOrEqual(limit.Neg()) {
		c.bus.Publish(core.NewRiskEvent(core.RiskLevelCritical, CodeDailyLossLimitBreached,
			fmt.Sprintf("daily realised pnl %s breaches loss limit %s", pnl, limit),
			map[string]string{"pnl": pnl.String(), "limit": limit.String()}))
		return
	}

	if limits.DailyLossWarningThreshold != nil {
		warnAt := limit.Mul(*limits.DailyLossWarningThreshold).Neg()
		if pnl.LessThanOrEqual(warnAt) {
			c.bus.Publish(core.NewRiskEvent(core.RiskLevelWarning, CodeDailyLossLimitBreached,
				fmt.Sprintf("daily realised pnl %s approaching loss limit %s", pnl, limit),
				map[string]string{"pnl": pnl.String(), "limit": limit.String()}))
		}
	}
}
