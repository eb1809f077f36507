package strategy

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"options_trader/internal/core"
	"options_trader/internal/indicator"
)

// ScalperConfig drives a single-leg momentum scalp on one option contract.
type ScalperConfig struct {
	InstrumentToken int64
	Leg             core.OrderRequest // BUY leg placed on a momentum trigger
	// Momentum trigger: supertrend flips below spot and RSI above this.
	EntryRSI     decimal.Decimal
	TargetPoints decimal.Decimal // exit above entry by this many points
	StopPoints   decimal.Decimal // exit below entry by this many points
}

// Scalper buys premium on a supertrend/RSI momentum trigger and exits on a
// fixed point target or stop. One position at a time.
type Scalper struct {
	BaseStrategy
	cfg    ScalperConfig
	cache  *indicator.Cache
	exec   core.IMultiLegExecutor
	logger core.ILogger

	entryPrice decimal.Decimal
}

func NewScalper(id, name string, cfg ScalperConfig, cache *indicator.Cache, exec core.IMultiLegExecutor, logger core.ILogger) *Scalper {
	return &Scalper{
		BaseStrategy: newBase(id, name, core.StrategyTypeScalper),
		cfg:          cfg,
		cache:        cache,
		exec:         exec,
		logger:       logger.WithField("component", "scalper").WithField("strategy_id", id),
	}
}

func (s *Scalper) Evaluate(ctx context.Context, snapshot core.MarketSnapshot) error {
	if snapshot.InstrumentToken != s.cfg.InstrumentToken {
		return nil
	}
	switch s.Status() {
	case core.StrategyStatusArmed:
		return s.tryEnter(ctx, snapshot.SpotPrice)
	case core.StrategyStatusActive:
		return s.checkExit(ctx, snapshot.SpotPrice)
	}
	return nil
}

func (s *Scalper) tryEnter(ctx context.Context, spot decimal.Decimal) error {
	st, okST := s.cache.Get(s.cfg.InstrumentToken, "SUPERTREND:10:value")
	rsi, okRSI := s.cache.Get(s.cfg.InstrumentToken, "RSI:14")
	if !okST || !okRSI {
		return nil
	}
	if st.GreaterThanOrEqual(spot) || rsi.LessThan(s.cfg.EntryRSI) {
		return nil
	}

	result, err := s.exec.ExecuteSequential(ctx, s.ID(), "DEPLOY", []core.OrderRequest{s.cfg.Leg})
	if err != nil {
		return fmt.Errorf("scalper entry: %w", err)
	}
	if !result.Success {
		return nil
	}
	s.entryPrice = spot
	s.SetStatus(core.StrategyStatusActive)
	s.logger.Info("Scalp entered", "group_id", result.GroupID, "entry_spot", spot, "rsi", rsi)
	return nil
}

func (s *Scalper) checkExit(ctx context.Context, spot decimal.Decimal) error {
	move := spot.Sub(s.entryPrice)
	switch {
	case move.GreaterThanOrEqual(s.cfg.TargetPoints):
		return s.exitAll(ctx, s.exec, s.logger, "target hit")
	case move.LessThanOrEqual(s.cfg.StopPoints.Neg()):
		return s.exitAll(ctx, s.exec, s.logger, "stop hit")
	}
	return nil
}

func (s *Scalper) ForceAdjust(ctx context.Context, action string) error {
	switch action {
	case "CLOSE_ALL":
		return s.exitAll(ctx, s.exec, s.logger, "forced close")
	default:
		return fmt.Errorf("scalper does not support adjustment %q", action)
	}
}
