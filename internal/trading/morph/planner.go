// Package morph plans and executes strategy transformations: closing the
// legs a target does not keep, reassigning the ones it does, and opening
// whatever the new structure adds.
package morph

import (
	"strings"

	"github.com/google/uuid"

	"options_trader/internal/core"
)

// ClassifyLeg grades one position as SIDE_OPTIONTYPE, e.g. "SELL_PE".
// Short quantity means the leg was sold. Non-option symbols classify by
// side alone.
func ClassifyLeg(p core.Position) string {
	side := "BUY"
	if p.Quantity < 0 {
		side = "SELL"
	}
	switch {
	case strings.HasSuffix(p.TradingSymbol, string(core.OptionTypeCall)):
		return side + "_" + string(core.OptionTypeCall)
	case strings.HasSuffix(p.TradingSymbol, string(core.OptionTypePut)):
		return side + "_" + string(core.OptionTypePut)
	default:
		return side
	}
}

// buildPlan grades every source position against the targets' retained
// sets. A leg is retained iff its classification appears in any target's
// set; the first target naming it wins the reassignment.
func buildPlan(sourceID string, positions []core.Position, targets []core.MorphTarget) *core.MorphExecutionPlan {
	plan := &core.MorphExecutionPlan{
		PlanID:             uuid.NewString(),
		SourceStrategyID:   sourceID,
		StrategiesToCreate: targets,
	}

	for _, p := range positions {
		class := ClassifyLeg(p)
		retainedBy := -1
		for i, target := range targets {
			for _, keep := range target.RetainedLegs {
				if keep == class {
					retainedBy = i
					break
				}
			}
			if retainedBy >= 0 {
				break
			}
		}

		if retainedBy >= 0 {
			plan.LegsToReassign = append(plan.LegsToReassign, core.MorphLegReassign{
				Position:    p,
				TargetIndex: retainedBy,
			})
			continue
		}

		qty := p.Quantity
		if qty < 0 {
			qty = -qty
		}
		side := core.SideSell
		if p.Quantity < 0 {
			side = core.SideBuy // closing a short leg buys it back
		}
		plan.LegsToClose = append(plan.LegsToClose, core.MorphLegClose{
			Position:  p,
			CloseSide: side,
			Quantity:  qty,
		})
	}

	for _, target := range targets {
		plan.LegsToOpen = append(plan.LegsToOpen, target.NewLegs...)
		// A target that keeps nothing and brings no concrete legs is a
		// shell: its strikes have not been selected yet.
		if len(target.RetainedLegs) == 0 && len(target.NewLegs) == 0 {
			plan.RequiresStrikeSelection = true
		}
	}
	return plan
}
