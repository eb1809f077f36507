package risk

import (
	"context"
	"strconv"

	"options_trader/internal/core"
)

// Gate composes the risk checkers. Every checker runs on every request so a
// rejection carries the full failure picture, not just the first problem.
type Gate struct {
	checkers []core.IRiskChecker
	bus      core.IEventBus
	logger   core.ILogger
}

func NewGate(bus core.IEventBus, logger core.ILogger, checkers ...core.IRiskChecker) *Gate {
	return &Gate{
		checkers: checkers,
		bus:      bus,
		logger:   logger.WithField("component", "risk_gate"),
	}
}

// Validate runs all checkers without short-circuiting. On any violation it
// publishes one WARNING RiskEvent naming the first violation.
func (g *Gate) Validate(ctx context.Context, req core.OrderRequest) core.RiskValidationResult {
	var result core.RiskValidationResult
	for _, checker := range g.checkers {
		violations := checker.Validate(ctx, req)
		if len(violations) > 0 {
			g.logger.Warn("Risk checker flagged request",
				"checker", checker.Name(),
				"symbol", req.TradingSymbol,
				"violations", len(violations))
		}
		result.Violations = append(result.Violations, violations...)
	}

	if first := result.First(); first != nil {
		g.bus.Publish(core.NewRiskEvent(core.RiskLevelWarning, first.Code, first.Message,
			map[string]string{
				"symbol":           req.TradingSymbol,
				"strategy_id":      req.StrategyID,
				"total_violations": strconv.Itoa(len(result.Violations)),
			}))
	}
	return result
}
