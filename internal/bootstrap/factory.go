package bootstrap

import (
	"fmt"
	"strings"

	"options_trader/internal/core"
	"options_trader/internal/trading/morph"
	"options_trader/internal/trading/strategy"
)

// morphFactory maps morph targets onto the real strategy constructors. A
// target created purely from reassigned legs has no new legs to take an
// instrument token from; it starts with token 0 and picks up instruments as
// positions are retargeted onto it.
func (a *App) morphFactory() morph.StrategyFactory {
	return func(id string, target core.MorphTarget) (core.IStrategy, error) {
		var token int64
		if len(target.NewLegs) > 0 {
			token = target.NewLegs[0].InstrumentToken
		}
		name := childName(target.TargetType, id)

		switch target.TargetType {
		case core.StrategyTypeIronCondor, core.StrategyTypeIronButterfly:
			return strategy.NewIronCondor(id, name, strategy.IronCondorConfig{
				InstrumentToken: token,
				Legs:            target.NewLegs,
			}, a.Cache, a.Executor, a.Logger), nil
		case core.StrategyTypeShortStraddle:
			return strategy.NewShortStraddle(id, name, strategy.ShortStraddleConfig{
				InstrumentToken: token,
				Legs:            target.NewLegs,
			}, a.Cache, a.Executor, a.Logger), nil
		case core.StrategyTypeBullPutSpread:
			return strategy.NewVerticalSpread(id, name, strategy.VerticalSpreadConfig{
				InstrumentToken: token,
				Direction:       strategy.SpreadBullPut,
				Legs:            target.NewLegs,
			}, a.Cache, a.Executor, a.Logger), nil
		case core.StrategyTypeBearCallSpread:
			return strategy.NewVerticalSpread(id, name, strategy.VerticalSpreadConfig{
				InstrumentToken: token,
				Direction:       strategy.SpreadBearCall,
				Legs:            target.NewLegs,
			}, a.Cache, a.Executor, a.Logger), nil
		case core.StrategyTypeScalper:
			var leg core.OrderRequest
			if len(target.NewLegs) > 0 {
				leg = target.NewLegs[0]
			}
			return strategy.NewScalper(id, name, strategy.ScalperConfig{
				InstrumentToken: token,
				Leg:             leg,
			}, a.Cache, a.Executor, a.Logger), nil
		default:
			return nil, fmt.Errorf("no constructor for strategy type %s", target.TargetType)
		}
	}
}

func childName(t core.StrategyType, id string) string {
	short := id
	if len(short) > 8 {
		short = short[:8]
	}
	return strings.ToLower(string(t)) + "-" + short
}
