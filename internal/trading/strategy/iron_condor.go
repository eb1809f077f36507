package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"options_trader/internal/core"
	"options_trader/internal/indicator"
)

// IronCondorConfig drives one four-leg range-bound premium structure.
// Legs are pre-built at deploy time from strike selection.
type IronCondorConfig struct {
	InstrumentToken int64
	Legs            []core.OrderRequest // SELL PE, BUY PE, SELL CE, BUY CE
	EntryRSILow     decimal.Decimal     // enter only while RSI sits inside this band
	EntryRSIHigh    decimal.Decimal
	LowerBreakeven  decimal.Decimal // spot breach on either side exits the structure
	UpperBreakeven  decimal.Decimal
	MaxLoss         decimal.Decimal // positive number of currency units
	FillTimeout     time.Duration
}

// IronCondor sells an OTM strangle hedged by further-OTM wings. Entry waits
// for a neutral RSI; exit fires on breakeven breach or max-loss.
type IronCondor struct {
	BaseStrategy
	cfg    IronCondorConfig
	cache  *indicator.Cache
	exec   core.IMultiLegExecutor
	logger core.ILogger
}

func NewIronCondor(id, name string, cfg IronCondorConfig, cache *indicator.Cache, exec core.IMultiLegExecutor, logger core.ILogger) *IronCondor {
	return &IronCondor{
		BaseStrategy: newBase(id, name, core.StrategyTypeIronCondor),
		cfg:          cfg,
		cache:        cache,
		exec:         exec,
		logger:       logger.WithField("component", "iron_condor").WithField("strategy_id", id),
	}
}

func (s *IronCondor) Evaluate(ctx context.Context, snapshot core.MarketSnapshot) error {
	if snapshot.InstrumentToken != s.cfg.InstrumentToken {
		return nil
	}
	switch s.Status() {
	case core.StrategyStatusArmed:
		return s.tryEnter(ctx)
	case core.StrategyStatusActive:
		return s.checkExit(ctx, snapshot.SpotPrice)
	}
	return nil
}

func (s *IronCondor) tryEnter(ctx context.Context) error {
	rsi, ok := s.cache.Get(s.cfg.InstrumentToken, "RSI:14")
	if !ok {
		return nil // indicators still warming up
	}
	if rsi.LessThan(s.cfg.EntryRSILow) || rsi.GreaterThan(s.cfg.EntryRSIHigh) {
		return nil
	}

	result, err := s.exec.ExecuteBuyFirst(ctx, s.ID(), "DEPLOY", s.cfg.Legs, s.cfg.FillTimeout)
	if err != nil {
		return fmt.Errorf("iron condor entry: %w", err)
	}
	if !result.Success {
		s.logger.Warn("Entry group failed, staying armed", "group_id", result.GroupID)
		return nil
	}
	s.SetStatus(core.StrategyStatusActive)
	s.logger.Info("Iron condor entered", "group_id", result.GroupID, "rsi", rsi)
	return nil
}

func (s *IronCondor) checkExit(ctx context.Context, spot decimal.Decimal) error {
	if spot.LessThan(s.cfg.LowerBreakeven) || spot.GreaterThan(s.cfg.UpperBreakeven) {
		return s.exitAll(ctx, s.exec, s.logger, "breakeven breached")
	}
	if s.cfg.MaxLoss.IsPositive() && s.UnrealizedPnl().LessThanOrEqual(s.cfg.MaxLoss.Neg()) {
		return s.exitAll(ctx, s.exec, s.logger, "max loss hit")
	}
	return nil
}

func (s *IronCondor) ForceAdjust(ctx context.Context, action string) error {
	switch action {
	case "CLOSE_ALL":
		return s.exitAll(ctx, s.exec, s.logger, "forced close")
	default:
		return fmt.Errorf("iron condor does not support adjustment %q", action)
	}
}
