package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"options_trader/internal/core"
	"options_trader/internal/indicator"
)

// SpreadDirection selects which vertical structure the strategy deploys.
type SpreadDirection string

const (
	SpreadBullPut  SpreadDirection = "BULL_PUT"
	SpreadBearCall SpreadDirection = "BEAR_CALL"
)

// VerticalSpreadConfig drives a two-leg credit spread whose entry follows
// the EMA/SMA trend signal.
type VerticalSpreadConfig struct {
	InstrumentToken int64
	Direction       SpreadDirection
	Legs            []core.OrderRequest // short leg + protective long leg
	MaxLoss         decimal.Decimal
	ProfitTarget    decimal.Decimal
	FillTimeout     time.Duration
}

// VerticalSpread sells a bull put spread in uptrends (EMA above SMA) or a
// bear call spread in downtrends.
type VerticalSpread struct {
	BaseStrategy
	cfg    VerticalSpreadConfig
	cache  *indicator.Cache
	exec   core.IMultiLegExecutor
	logger core.ILogger
}

func spreadType(dir SpreadDirection) core.StrategyType {
	if dir == SpreadBearCall {
		return core.StrategyTypeBearCallSpread
	}
	return core.StrategyTypeBullPutSpread
}

func NewVerticalSpread(id, name string, cfg VerticalSpreadConfig, cache *indicator.Cache, exec core.IMultiLegExecutor, logger core.ILogger) *VerticalSpread {
	return &VerticalSpread{
		BaseStrategy: newBase(id, name, spreadType(cfg.Direction)),
		cfg:          cfg,
		cache:        cache,
		exec:         exec,
		logger:       logger.WithField("component", "vertical_spread").WithField("strategy_id", id),
	}
}

func (s *VerticalSpread) Evaluate(ctx context.Context, snapshot core.MarketSnapshot) error {
	if snapshot.InstrumentToken != s.cfg.InstrumentToken {
		return nil
	}
	switch s.Status() {
	case core.StrategyStatusArmed:
		return s.tryEnter(ctx)
	case core.StrategyStatusActive:
		return s.checkExit(ctx)
	}
	return nil
}

// trendUp reports whether the fast EMA sits above the slow SMA.
func (s *VerticalSpread) trendUp() (bool, bool) {
	ema, okE := s.cache.Get(s.cfg.InstrumentToken, "EMA:21")
	sma, okS := s.cache.Get(s.cfg.InstrumentToken, "SMA:20")
	if !okE || !okS {
		return false, false
	}
	return ema.GreaterThan(sma), true
}

func (s *VerticalSpread) tryEnter(ctx context.Context) error {
	up, ready := s.trendUp()
	if !ready {
		return nil
	}
	if (s.cfg.Direction == SpreadBullPut) != up {
		return nil // trend disagrees with the structure
	}

	result, err := s.exec.ExecuteBuyFirst(ctx, s.ID(), "DEPLOY", s.cfg.Legs, s.cfg.FillTimeout)
	if err != nil {
		return fmt.Errorf("spread entry: %w", err)
	}
	if !result.Success {
		s.logger.Warn("Entry group failed, staying armed", "group_id", result.GroupID)
		return nil
	}
	s.SetStatus(core.StrategyStatusActive)
	s.logger.Info("Vertical spread entered",
		"group_id", result.GroupID, "direction", s.cfg.Direction)
	return nil
}

func (s *VerticalSpread) checkExit(ctx context.Context) error {
	pnl := s.UnrealizedPnl()
	if s.cfg.MaxLoss.IsPositive() && pnl.LessThanOrEqual(s.cfg.MaxLoss.Neg()) {
		return s.exitAll(ctx, s.exec, s.logger, "max loss hit")
	}
	if s.cfg.ProfitTarget.IsPositive() && pnl.GreaterThanOrEqual(s.cfg.ProfitTarget) {
		return s.exitAll(ctx, s.exec, s.logger, "profit target reached")
	}
	return nil
}

func (s *VerticalSpread) ForceAdjust(ctx context.Context, action string) error {
	switch action {
	case "CLOSE_ALL":
		return s.exitAll(ctx, s.exec, s.logger, "forced close")
	default:
		return fmt.Errorf("vertical spread does not support adjustment %q", action)
	}
}
