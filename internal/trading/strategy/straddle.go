package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"options_trader/internal/core"
	"options_trader/internal/indicator"
)

// ShortStraddleConfig drives a two-leg ATM premium sale.
type ShortStraddleConfig struct {
	InstrumentToken int64
	Legs            []core.OrderRequest // SELL CE + SELL PE at the same strike
	Strike          decimal.Decimal
	// Entry requires the Bollinger band width (upper-lower as a fraction of
	// the middle band) below this; wide bands mean the move already happened.
	MaxBandWidth decimal.Decimal
	ExitPoints   decimal.Decimal // spot distance from strike that exits
	MaxLoss      decimal.Decimal
	FillTimeout  time.Duration
}

// ShortStraddle sells the ATM call and put and exits when spot drifts too
// far from the sold strike.
type ShortStraddle struct {
	BaseStrategy
	cfg    ShortStraddleConfig
	cache  *indicator.Cache
	exec   core.IMultiLegExecutor
	logger core.ILogger
}

func NewShortStraddle(id, name string, cfg ShortStraddleConfig, cache *indicator.Cache, exec core.IMultiLegExecutor, logger core.ILogger) *ShortStraddle {
	return &ShortStraddle{
		BaseStrategy: newBase(id, name, core.StrategyTypeShortStraddle),
		cfg:          cfg,
		cache:        cache,
		exec:         exec,
		logger:       logger.WithField("component", "short_straddle").WithField("strategy_id", id),
	}
}

func (s *ShortStraddle) Evaluate(ctx context.Context, snapshot core.MarketSnapshot) error {
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

func (s *ShortStraddle) tryEnter(ctx context.Context) error {
	upper, okU := s.cache.Get(s.cfg.InstrumentToken, "BOLLINGER:20:upper")
	middle, okM := s.cache.Get(s.cfg.InstrumentToken, "BOLLINGER:20:middle")
	lower, okL := s.cache.Get(s.cfg.InstrumentToken, "BOLLINGER:20:lower")
	if !okU || !okM || !okL || middle.IsZero() {
		return nil
	}
	width := upper.Sub(lower).Div(middle)
	if width.GreaterThan(s.cfg.MaxBandWidth) {
		return nil
	}

	// A straddle is short both sides; execution degrades to parallel mode
	// inside the executor when no BUY legs exist.
	result, err := s.exec.ExecuteBuyFirst(ctx, s.ID(), "DEPLOY", s.cfg.Legs, s.cfg.FillTimeout)
	if err != nil {
		return fmt.Errorf("straddle entry: %w", err)
	}
	if !result.Success {
		s.logger.Warn("Entry group failed, staying armed", "group_id", result.GroupID)
		return nil
	}
	s.SetStatus(core.StrategyStatusActive)
	s.logger.Info("Short straddle entered", "group_id", result.GroupID, "band_width", width)
	return nil
}

func (s *ShortStraddle) checkExit(ctx context.Context, spot decimal.Decimal) error {
	drift := spot.Sub(s.cfg.Strike).Abs()
	if drift.GreaterThanOrEqual(s.cfg.ExitPoints) {
		return s.exitAll(ctx, s.exec, s.logger, "spot drifted from strike")
	}
	if s.cfg.MaxLoss.IsPositive() && s.UnrealizedPnl().LessThanOrEqual(s.cfg.MaxLoss.Neg()) {
		return s.exitAll(ctx, s.exec, s.logger, "max loss hit")
	}
	return nil
}

func (s *ShortStraddle) ForceAdjust(ctx context.Context, action string) error {
	switch action {
	case "CLOSE_ALL":
		return s.exitAll(ctx, s.exec, s.logger, "forced close")
	default:
		return fmt.Errorf("short straddle does not support adjustment %q", action)
	}
}
