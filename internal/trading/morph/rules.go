package morph

import (
	"fmt"

	"options_trader/internal/core"
)

// Rule is a pre-baked (source, target) morph sketch. Rules with
// RequiresStrikeSelection cannot be auto-converted into an executable
// request; a caller has to pick strikes and build the new legs first.
type Rule struct {
	Source                  core.StrategyType
	Target                  core.StrategyType
	RetainedLegs            []string // SIDE_OPTIONTYPE classifications kept by the target
	RequiresStrikeSelection bool
}

var rules = []Rule{
	{
		Source:       core.StrategyTypeIronCondor,
		Target:       core.StrategyTypeBullPutSpread,
		RetainedLegs: []string{"SELL_PE", "BUY_PE"},
	},
	{
		Source:       core.StrategyTypeIronCondor,
		Target:       core.StrategyTypeBearCallSpread,
		RetainedLegs: []string{"SELL_CE", "BUY_CE"},
	},
	{
		// Close all four legs and sell a fresh ATM straddle plus wings;
		// the new strikes depend on where spot sits at morph time.
		Source:                  core.StrategyTypeIronCondor,
		Target:                  core.StrategyTypeIronButterfly,
		RequiresStrikeSelection: true,
	},
	{
		Source:                  core.StrategyTypeShortStraddle,
		Target:                  core.StrategyTypeIronButterfly,
		RetainedLegs:            []string{"SELL_PE", "SELL_CE"},
		RequiresStrikeSelection: true, // protective wings still need strikes
	},
}

// ResolveRule looks up the sketch for one (source, target) pair.
func ResolveRule(source, target core.StrategyType) (Rule, error) {
	for _, r := range rules {
		if r.Source == source && r.Target == target {
			return r, nil
		}
	}
	return Rule{}, fmt.Errorf("no morph rule for %s -> %s", source, target)
}

// ToRequest converts a rule into an executable request. Rules needing
// strike selection cannot be converted automatically.
func (r Rule) ToRequest(sourceStrategyID, reason string) (core.MorphRequest, error) {
	if r.RequiresStrikeSelection {
		return core.MorphRequest{}, fmt.Errorf(
			"morph %s -> %s requires strike selection and cannot be auto-converted", r.Source, r.Target)
	}
	return core.MorphRequest{
		SourceStrategyID: sourceStrategyID,
		Targets: []core.MorphTarget{{
			TargetType:   r.Target,
			RetainedLegs: r.RetainedLegs,
		}},
		Reason: reason,
	}, nil
}
