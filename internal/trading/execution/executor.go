package execution

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"options_trader/internal/core"
	"options_trader/pkg/concurrency"
	"options_trader/pkg/telemetry"
)

const skipReason = "skipped due to prior leg failure"

// MultiLegExecutor implements core.IMultiLegExecutor. Every mode shares the
// write-ahead protocol: one PENDING journal entry per leg is durable before
// any leg is routed, and each leg moves PENDING -> IN_PROGRESS ->
// COMPLETED/FAILED as it is worked.
type MultiLegExecutor struct {
	journal core.IJournalStore
	router  core.IOrderRouter
	fills   core.IFillTracker
	bus     core.IEventBus
	pool    *concurrency.WorkerPool
	logger  core.ILogger
}

func NewMultiLegExecutor(journal core.IJournalStore, router core.IOrderRouter, fills core.IFillTracker, bus core.IEventBus, pool *concurrency.WorkerPool, logger core.ILogger) *MultiLegExecutor {
	return &MultiLegExecutor{
		journal: journal,
		router:  router,
		fills:   fills,
		bus:     bus,
		pool:    pool,
		logger:  logger.WithField("component", "multi_leg_executor"),
	}
}

// legTag builds the per-leg correlation tag; the group id prefix is what
// the fill tracker matches on.
func legTag(groupID string, legIndex int) string {
	return groupID + "-" + strconv.Itoa(legIndex)
}

// journalAll persists one PENDING entry per leg before anything is routed.
// A journal failure aborts the whole group: nothing has touched the broker
// yet.
func (e *MultiLegExecutor) journalAll(ctx context.Context, strategyID, operation string, legs []core.OrderRequest) (string, []*core.ExecutionJournalEntry, error) {
	groupID := uuid.NewString()
	entries := make([]*core.ExecutionJournalEntry, len(legs))
	for i, leg := range legs {
		entry := &core.ExecutionJournalEntry{
			StrategyID:      strategyID,
			GroupID:         groupID,
			Operation:       operation,
			LegIndex:        i,
			TotalLegs:       len(legs),
			InstrumentToken: leg.InstrumentToken,
			TradingSymbol:   leg.TradingSymbol,
			Side:            leg.Side,
			Quantity:        leg.Quantity,
			Status:          core.JournalStatusPending,
		}
		if err := e.journal.Save(ctx, entry); err != nil {
			return "", nil, fmt.Errorf("journal leg %d of group %s: %w", i, groupID, err)
		}
		entries[i] = entry
	}
	telemetry.GetGlobalMetrics().IncMultiLegGroups(ctx, attribute.String("operation", operation))
	return groupID, entries, nil
}

// routeLeg works one journaled leg through the router.
func (e *MultiLegExecutor) routeLeg(ctx context.Context, groupID string, entry *core.ExecutionJournalEntry, leg core.OrderRequest) core.LegResult {
	entry.Status = core.JournalStatusInProgress
	if err := e.journal.Update(ctx, entry); err != nil {
		e.logger.Error("Journal IN_PROGRESS update failed, continuing",
			"group_id", groupID, "leg", entry.LegIndex, "error", err)
	}

	leg.CorrelationID = legTag(groupID, entry.LegIndex)
	result, err := e.router.Route(ctx, leg)

	lr := core.LegResult{LegIndex: entry.LegIndex, Request: leg}
	switch {
	case err != nil:
		entry.Status = core.JournalStatusFailed
		entry.FailureReason = err.Error()
		lr.Error = err.Error()
	case !result.Accepted:
		entry.Status = core.JournalStatusFailed
		entry.FailureReason = result.RejectionReason
		lr.Error = result.RejectionReason
	default:
		entry.Status = core.JournalStatusCompleted
		lr.Accepted = true
		lr.BrokerOrderID = result.BrokerOrderID
	}
	if uerr := e.journal.Update(ctx, entry); uerr != nil {
		e.logger.Error("Journal terminal update failed",
			"group_id", groupID, "leg", entry.LegIndex, "status", entry.Status, "error", uerr)
	}
	if !lr.Accepted {
		telemetry.GetGlobalMetrics().IncLegFailures(ctx, attribute.String("symbol", leg.TradingSymbol))
	}
	return lr
}

// skipLeg marks one unstarted leg failed without routing it.
func (e *MultiLegExecutor) skipLeg(ctx context.Context, entry *core.ExecutionJournalEntry, leg core.OrderRequest, reason string) core.LegResult {
	entry.Status = core.JournalStatusFailed
	entry.FailureReason = reason
	if err := e.journal.Update(ctx, entry); err != nil {
		e.logger.Error("Journal skip update failed", "leg", entry.LegIndex, "error", err)
	}
	return core.LegResult{LegIndex: entry.LegIndex, Request: leg, Skipped: true, Error: reason}
}

// rollback routes an opposite-side order for every COMPLETED leg. Failures
// are logged and do not halt the unwinding of the remaining legs.
func (e *MultiLegExecutor) rollback(ctx context.Context, groupID string, entries []*core.ExecutionJournalEntry, legs []core.OrderRequest) {
	for i, entry := range entries {
		if entry.Status != core.JournalStatusCompleted {
			continue
		}
		original := legs[i]
		counter := core.OrderRequest{
			InstrumentToken: original.InstrumentToken,
			TradingSymbol:   original.TradingSymbol,
			Exchange:        original.Exchange,
			Side:            original.Side.Opposite(),
			OrderType:       original.OrderType,
			Product:         original.Product,
			Quantity:        original.Quantity,
			Price:           original.Price,
			StrategyID:      original.StrategyID,
			CorrelationID:   "ROLLBACK-" + legTag(groupID, entry.LegIndex),
		}
		result, err := e.router.Route(ctx, counter)
		if err != nil || !result.Accepted {
			reason := result.RejectionReason
			if err != nil {
				reason = err.Error()
			}
			e.logger.Error("Rollback leg failed, continuing",
				"group_id", groupID, "leg", entry.LegIndex, "symbol", counter.TradingSymbol, "reason", reason)
			continue
		}
		telemetry.GetGlobalMetrics().IncRollbacks(ctx, attribute.String("symbol", counter.TradingSymbol))
		e.logger.Warn("Rollback order routed",
			"group_id", groupID, "leg", entry.LegIndex, "symbol", counter.TradingSymbol)
	}
}

// finish publishes the terminal audit decision for one group.
func (e *MultiLegExecutor) finish(strategyID string, result *core.MultiLegResult) *core.MultiLegResult {
	e.bus.Publish(core.NewDecisionEvent("EXECUTION", strategyID, map[string]string{
		"group_id":    result.GroupID,
		"operation":   result.Operation,
		"success":     strconv.FormatBool(result.Success),
		"legs":        strconv.Itoa(len(result.Legs)),
		"rolled_back": strconv.FormatBool(result.RolledBack),
	}))
	return result
}

// ExecuteSequential places legs strictly in order, aborting on the first
// failure: the remaining legs are skipped and any completed legs unwound.
func (e *MultiLegExecutor) ExecuteSequential(ctx context.Context, strategyID, operation string, legs []core.OrderRequest) (*core.MultiLegResult, error) {
	groupID, entries, err := e.journalAll(ctx, strategyID, operation, legs)
	if err != nil {
		return nil, err
	}
	result := &core.MultiLegResult{GroupID: groupID, Operation: operation, Legs: make([]core.LegResult, len(legs))}

	failedAt := -1
	for i, leg := range legs {
		lr := e.routeLeg(ctx, groupID, entries[i], leg)
		result.Legs[i] = lr
		if !lr.Accepted {
			failedAt = i
			break
		}
	}

	if failedAt < 0 {
		result.Success = true
		return e.finish(strategyID, result), nil
	}

	for i := failedAt + 1; i < len(legs); i++ {
		result.Legs[i] = e.skipLeg(ctx, entries[i], legs[i], skipReason)
	}
	e.rollback(ctx, groupID, entries, legs)
	result.RolledBack = true
	return e.finish(strategyID, result), nil
}

// ExecuteParallel fans all legs out concurrently; a failure of any leg
// unwinds every leg that completed.
func (e *MultiLegExecutor) ExecuteParallel(ctx context.Context, strategyID, operation string, legs []core.OrderRequest) (*core.MultiLegResult, error) {
	groupID, entries, err := e.journalAll(ctx, strategyID, operation, legs)
	if err != nil {
		return nil, err
	}
	result := &core.MultiLegResult{GroupID: groupID, Operation: operation, Legs: make([]core.LegResult, len(legs))}

	e.routeParallel(ctx, groupID, entries, legs, result.Legs)

	anyFailed := false
	for _, lr := range result.Legs {
		if !lr.Accepted {
			anyFailed = true
			break
		}
	}
	if anyFailed {
		e.rollback(ctx, groupID, entries, legs)
		result.RolledBack = true
	} else {
		result.Success = true
	}
	return e.finish(strategyID, result), nil
}

// routeParallel runs routeLeg for each leg on the worker pool and waits.
func (e *MultiLegExecutor) routeParallel(ctx context.Context, groupID string, entries []*core.ExecutionJournalEntry, legs []core.OrderRequest, out []core.LegResult) {
	group := e.pool.Group()
	for i := range legs {
		i := i
		group.Submit(func() {
			out[i] = e.routeLeg(ctx, groupID, entries[i], legs[i])
		})
	}
	group.Wait()
}

// ExecuteBuyFirst routes BUY legs, waits for their fills, and only then
// routes SELL legs, so short legs never sit naked while the long hedges
// are unconfirmed. With only one side present there is no margin benefit
// and the group degrades to parallel mode.
func (e *MultiLegExecutor) ExecuteBuyFirst(ctx context.Context, strategyID, operation string, legs []core.OrderRequest, fillTimeout time.Duration) (*core.MultiLegResult, error) {
	var buyIdx, sellIdx []int
	for i, leg := range legs {
		if leg.Side == core.SideBuy {
			buyIdx = append(buyIdx, i)
		} else {
			sellIdx = append(sellIdx, i)
		}
	}
	if len(buyIdx) == 0 || len(sellIdx) == 0 {
		return e.ExecuteParallel(ctx, strategyID, operation, legs)
	}

	groupID, entries, err := e.journalAll(ctx, strategyID, operation, legs)
	if err != nil {
		return nil, err
	}
	result := &core.MultiLegResult{GroupID: groupID, Operation: operation, Legs: make([]core.LegResult, len(legs))}

	// Register before routing: a fill that lands between the broker call
	// and a later registration would otherwise be lost.
	fillDone := e.fills.AwaitFills(groupID, len(buyIdx))

	buyEntries := make([]*core.ExecutionJournalEntry, len(buyIdx))
	buyLegs := make([]core.OrderRequest, len(buyIdx))
	buyResults := make([]core.LegResult, len(buyIdx))
	for j, i := range buyIdx {
		buyEntries[j] = entries[i]
		buyLegs[j] = legs[i]
	}
	e.routeParallel(ctx, groupID, buyEntries, buyLegs, buyResults)

	buyRouteFailed := false
	for j, i := range buyIdx {
		result.Legs[i] = buyResults[j]
		if !buyResults[j].Accepted {
			buyRouteFailed = true
		}
	}

	if buyRouteFailed {
		e.fills.CancelAwait(groupID)
		for _, i := range sellIdx {
			result.Legs[i] = e.skipLeg(ctx, entries[i], legs[i], skipReason)
		}
		e.rollback(ctx, groupID, entries, legs)
		result.RolledBack = true
		return e.finish(strategyID, result), nil
	}

	select {
	case ferr := <-fillDone:
		if ferr != nil {
			return e.abandonSells(ctx, strategyID, groupID, entries, legs, sellIdx, result,
				"buy leg rejected before fill: "+ferr.Error()), nil
		}
	case <-time.After(fillTimeout):
		e.fills.CancelAwait(groupID)
		return e.abandonSells(ctx, strategyID, groupID, entries, legs, sellIdx, result,
			"buy fills not confirmed within timeout"), nil
	case <-ctx.Done():
		e.fills.CancelAwait(groupID)
		return e.abandonSells(ctx, strategyID, groupID, entries, legs, sellIdx, result,
			"cancelled while awaiting buy fills"), nil
	}

	sellEntries := make([]*core.ExecutionJournalEntry, len(sellIdx))
	sellLegs := make([]core.OrderRequest, len(sellIdx))
	sellResults := make([]core.LegResult, len(sellIdx))
	for j, i := range sellIdx {
		sellEntries[j] = entries[i]
		sellLegs[j] = legs[i]
	}
	e.routeParallel(ctx, groupID, sellEntries, sellLegs, sellResults)

	sellFailed := false
	for j, i := range sellIdx {
		result.Legs[i] = sellResults[j]
		if !sellResults[j].Accepted {
			sellFailed = true
		}
	}

	if sellFailed {
		// Unwind the SELL side only; the filled BUY positions stay open.
		e.rollback(ctx, groupID, sellEntries, sellLegs)
		result.RolledBack = true
		e.logger.Warn("Sell legs failed after buy fills; buy positions remain open",
			"group_id", groupID)
		return e.finish(strategyID, result), nil
	}

	result.Success = true
	return e.finish(strategyID, result), nil
}

// abandonSells handles fill-await failure: the filled BUY positions are
// left open for manual handling and every SELL leg is skipped.
func (e *MultiLegExecutor) abandonSells(ctx context.Context, strategyID, groupID string, entries []*core.ExecutionJournalEntry, legs []core.OrderRequest, sellIdx []int, result *core.MultiLegResult, reason string) *core.MultiLegResult {
	e.logger.Error("Buy fills not confirmed; buy positions left open for manual handling",
		"group_id", groupID, "reason", reason)
	for _, i := range sellIdx {
		result.Legs[i] = e.skipLeg(ctx, entries[i], legs[i], reason)
	}
	return e.finish(strategyID, result)
}
