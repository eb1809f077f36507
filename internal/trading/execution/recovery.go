package execution

import (
	"context"
	"fmt"

	"options_trader/internal/core"
)

// ReportInterrupted scans the journal for legs a previous run left
// non-terminal and raises one WARNING RiskEvent per affected group. Legs
// are never re-driven automatically; an operator decides whether the
// broker actually received them. Returns the number of affected groups.
func ReportInterrupted(ctx context.Context, journal core.IJournalStore, bus core.IEventBus, logger core.ILogger) (int, error) {
	groups := make(map[string][]core.ExecutionJournalEntry)
	for _, status := range []core.JournalStatus{core.JournalStatusPending, core.JournalStatusInProgress} {
		entries, err := journal.FindByStatus(ctx, status)
		if err != nil {
			return 0, fmt.Errorf("scan journal for %s legs: %w", status, err)
		}
		for _, e := range entries {
			groups[e.GroupID] = append(groups[e.GroupID], e)
		}
	}

	for groupID, entries := range groups {
		symbols := make([]string, 0, len(entries))
		for _, e := range entries {
			symbols = append(symbols, e.TradingSymbol)
		}
		logger.Warn("Interrupted execution group found",
			"group_id", groupID,
			"operation", entries[0].Operation,
			"strategy_id", entries[0].StrategyID,
			"open_legs", len(entries))
		bus.Publish(core.NewRiskEvent(core.RiskLevelWarning, "EXECUTION_INTERRUPTED",
			fmt.Sprintf("group %s has %d non-terminal legs from a previous run", groupID, len(entries)),
			map[string]string{
				"group_id":  groupID,
				"operation": entries[0].Operation,
				"symbols":   fmt.Sprintf("%v", symbols),
			}))
	}
	return len(groups), nil
}
