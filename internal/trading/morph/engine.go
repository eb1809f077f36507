package morph

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"options_trader/internal/core"
)

// Config gates morph execution.
type Config struct {
	Enabled        bool
	MaxLegsToClose int
}

// StrategyFactory builds a strategy instance for one morph target. The
// bootstrap wires in the real constructors; tests substitute stubs.
type StrategyFactory func(id string, target core.MorphTarget) (core.IStrategy, error)

// Engine implements core.IMorphEngine.
type Engine struct {
	strategies core.IStrategyEngine
	audit      core.IAuditStore
	exec       core.IMultiLegExecutor
	bus        core.IEventBus
	factory    StrategyFactory
	cfg        Config
	logger     core.ILogger
}

func NewEngine(strategies core.IStrategyEngine, audit core.IAuditStore, exec core.IMultiLegExecutor, bus core.IEventBus, factory StrategyFactory, cfg Config, logger core.ILogger) *Engine {
	if cfg.MaxLegsToClose <= 0 {
		cfg.MaxLegsToClose = 8
	}
	return &Engine{
		strategies: strategies,
		audit:      audit,
		exec:       exec,
		bus:        bus,
		factory:    factory,
		cfg:        cfg,
		logger:     logger.WithField("component", "morph_engine"),
	}
}

// Preview builds the execution plan without side effects.
func (e *Engine) Preview(ctx context.Context, req core.MorphRequest) (*core.MorphExecutionPlan, error) {
	source, ok := e.strategies.Get(req.SourceStrategyID)
	if !ok {
		return nil, fmt.Errorf("source strategy %s not found", req.SourceStrategyID)
	}
	if len(req.Targets) == 0 {
		return nil, fmt.Errorf("morph request for %s names no targets", req.SourceStrategyID)
	}
	return buildPlan(req.SourceStrategyID, source.Positions(), req.Targets), nil
}

// Execute runs one morph end to end. The plan is persisted as EXECUTING
// before anything moves so a crash mid-way is visible at the next startup.
func (e *Engine) Execute(ctx context.Context, req core.MorphRequest) (*core.MorphExecutionPlan, error) {
	if !e.cfg.Enabled {
		return nil, fmt.Errorf("morphing is disabled")
	}
	source, ok := e.strategies.Get(req.SourceStrategyID)
	if !ok {
		return nil, fmt.Errorf("source strategy %s not found", req.SourceStrategyID)
	}
	status := source.Status()
	if status != core.StrategyStatusActive && status != core.StrategyStatusPaused {
		return nil, fmt.Errorf("source strategy %s is %s, morph requires ACTIVE or PAUSED",
			req.SourceStrategyID, status)
	}

	plan, err := e.Preview(ctx, req)
	if err != nil {
		return nil, err
	}
	if plan.RequiresStrikeSelection {
		return nil, fmt.Errorf("plan %s requires strike selection and cannot execute automatically", plan.PlanID)
	}
	if len(plan.LegsToClose) > e.cfg.MaxLegsToClose {
		return nil, fmt.Errorf("plan closes %d legs, limit is %d", len(plan.LegsToClose), e.cfg.MaxLegsToClose)
	}

	// Parent P&L is captured before any leg moves.
	parentPnl := sumUnrealized(source.Positions())

	entry := &core.MorphPlanEntry{
		ID:               plan.PlanID,
		SourceStrategyID: plan.SourceStrategyID,
		Status:           core.MorphPlanStatusExecuting,
		CreatedAt:        time.Now(),
	}
	if err := e.audit.SaveMorphPlan(ctx, entry); err != nil {
		return nil, fmt.Errorf("persist morph plan: %w", err)
	}

	if err := e.run(ctx, req, plan, source, parentPnl); err != nil {
		e.markPartial(ctx, entry, err)
		return plan, err
	}

	entry.Status = core.MorphPlanStatusCompleted
	entry.UpdatedAt = time.Now()
	if uerr := e.audit.UpdateMorphPlan(ctx, entry); uerr != nil {
		e.logger.Error("Morph plan COMPLETED update failed", "plan_id", plan.PlanID, "error", uerr)
	}
	e.bus.Publish(core.NewDecisionEvent("MORPH", req.SourceStrategyID, map[string]string{
		"plan_id":    plan.PlanID,
		"closed":     fmt.Sprintf("%d", len(plan.LegsToClose)),
		"reassigned": fmt.Sprintf("%d", len(plan.LegsToReassign)),
		"opened":     fmt.Sprintf("%d", len(plan.LegsToOpen)),
		"reason":     req.Reason,
	}))
	e.logger.Info("Morph completed", "plan_id", plan.PlanID, "source", req.SourceStrategyID)
	return plan, nil
}

// run walks the ordered morph steps after the plan is durable.
func (e *Engine) run(ctx context.Context, req core.MorphRequest, plan *core.MorphExecutionPlan, source core.IStrategy, parentPnl *decimal.Decimal) error {
	if source.Status() == core.StrategyStatusActive {
		if err := e.strategies.Pause(ctx, source.ID()); err != nil {
			return fmt.Errorf("pause source: %w", err)
		}
	}

	childIDs, children, err := e.createTargets(req.Targets)
	if err != nil {
		return err
	}

	if len(plan.LegsToClose) > 0 {
		legs := make([]core.OrderRequest, len(plan.LegsToClose))
		for i, lc := range plan.LegsToClose {
			legs[i] = core.OrderRequest{
				InstrumentToken: lc.Position.InstrumentToken,
				TradingSymbol:   lc.Position.TradingSymbol,
				Exchange:        lc.Position.Exchange,
				Side:            lc.CloseSide,
				OrderType:       core.OrderTypeMarket,
				Product:         lc.Position.Product,
				Quantity:        lc.Quantity,
				StrategyID:      source.ID(),
			}
		}
		result, cerr := e.exec.ExecuteParallel(ctx, source.ID(), "MORPH_CLOSE", legs)
		if cerr != nil {
			return fmt.Errorf("close non-retained legs: %w", cerr)
		}
		if !result.Success {
			return fmt.Errorf("close group %s did not fully complete", result.GroupID)
		}
		for _, lc := range plan.LegsToClose {
			e.strategies.UnregisterPositionLink(lc.Position.ID, source.ID())
		}
	}

	for _, ra := range plan.LegsToReassign {
		childID := childIDs[ra.TargetIndex]
		e.strategies.UnregisterPositionLink(ra.Position.ID, source.ID())
		e.strategies.RegisterPositionLink(ra.Position.ID, childID)
		children[ra.TargetIndex].UpsertPosition(ra.Position)
	}

	if len(plan.LegsToOpen) > 0 {
		result, oerr := e.exec.ExecuteParallel(ctx, source.ID(), "MORPH_OPEN", plan.LegsToOpen)
		if oerr != nil {
			return fmt.Errorf("open new legs: %w", oerr)
		}
		if !result.Success {
			return fmt.Errorf("open group %s did not fully complete", result.GroupID)
		}
	}

	// Children carrying live positions go straight to ACTIVE.
	for i, child := range children {
		if err := e.strategies.Arm(ctx, child.ID()); err != nil {
			return fmt.Errorf("arm child %s: %w", child.ID(), err)
		}
		if hasReassigned(plan, i) {
			child.SetStatus(core.StrategyStatusActive)
		}
	}

	if err := e.strategies.Close(ctx, source.ID()); err != nil {
		return fmt.Errorf("close source: %w", err)
	}
	source.SetStatus(core.StrategyStatusClosed)

	for i, child := range children {
		history := core.MorphHistoryEntry{
			ParentStrategyID: source.ID(),
			ChildStrategyID:  child.ID(),
			ParentType:       source.Type(),
			ChildType:        req.Targets[i].TargetType,
			ParentPnlAtMorph: parentPnl,
			Reason:           req.Reason,
			MorphedAt:        time.Now(),
		}
		if herr := e.audit.SaveMorphHistory(ctx, history); herr != nil {
			return fmt.Errorf("record morph history for %s: %w", child.ID(), herr)
		}
	}
	return nil
}

func (e *Engine) createTargets(targets []core.MorphTarget) ([]string, []core.IStrategy, error) {
	ids := make([]string, len(targets))
	children := make([]core.IStrategy, len(targets))
	for i, target := range targets {
		id := uuid.NewString()
		child, err := e.factory(id, target)
		if err != nil {
			return nil, nil, fmt.Errorf("create %s target: %w", target.TargetType, err)
		}
		if err := e.strategies.Register(child); err != nil {
			return nil, nil, fmt.Errorf("register %s target: %w", target.TargetType, err)
		}
		ids[i] = id
		children[i] = child
	}
	return ids, children, nil
}

func hasReassigned(plan *core.MorphExecutionPlan, targetIndex int) bool {
	for _, ra := range plan.LegsToReassign {
		if ra.TargetIndex == targetIndex {
			return true
		}
	}
	return false
}

func sumUnrealized(positions []core.Position) *decimal.Decimal {
	total := decimal.Zero
	priced := false
	for _, p := range positions {
		if p.UnrealizedPnl != nil {
			total = total.Add(*p.UnrealizedPnl)
			priced = true
		}
	}
	if !priced {
		return nil
	}
	return &total
}

func (e *Engine) markPartial(ctx context.Context, entry *core.MorphPlanEntry, cause error) {
	entry.Status = core.MorphPlanStatusPartiallyDone
	entry.Detail = cause.Error()
	entry.UpdatedAt = time.Now()
	if uerr := e.audit.UpdateMorphPlan(ctx, entry); uerr != nil {
		e.logger.Error("Morph plan PARTIALLY_DONE update failed",
			"plan_id", entry.ID, "error", uerr)
	}
	e.logger.Error("Morph did not complete", "plan_id", entry.ID, "error", cause)
}

// RecoverInterrupted marks every plan still EXECUTING as PARTIALLY_DONE.
// There is no automatic re-drive; the advisory tells an operator what to
// inspect.
func (e *Engine) RecoverInterrupted(ctx context.Context) (int, error) {
	plans, err := e.audit.FindMorphPlansByStatus(ctx, core.MorphPlanStatusExecuting)
	if err != nil {
		return 0, fmt.Errorf("find interrupted morph plans: %w", err)
	}
	for i := range plans {
		entry := plans[i]
		entry.Status = core.MorphPlanStatusPartiallyDone
		entry.Detail = "interrupted by restart; manual review required"
		entry.UpdatedAt = time.Now()
		if uerr := e.audit.UpdateMorphPlan(ctx, &entry); uerr != nil {
			return i, fmt.Errorf("mark plan %s partially done: %w", entry.ID, uerr)
		}
		e.logger.Warn("Interrupted morph plan found",
			"plan_id", entry.ID, "source", entry.SourceStrategyID)
	}
	if len(plans) > 0 {
		e.bus.Publish(core.SystemEvent{
			Kind:    "MORPH_RECOVERY",
			Message: fmt.Sprintf("%d interrupted morph plans marked PARTIALLY_DONE", len(plans)),
		})
	}
	return len(plans), nil
}

// LineageTree walks one strategy's ancestry (child -> parent, one parent
// per generation) and its descendant fan-out.
func (e *Engine) LineageTree(ctx context.Context, strategyID string) (*core.LineageTree, error) {
	tree := &core.LineageTree{StrategyID: strategyID}

	seen := map[string]struct{}{strategyID: {}}
	current := strategyID
	for {
		edge, err := e.audit.FindMorphHistoryByChild(ctx, current)
		if err != nil {
			return nil, fmt.Errorf("walk ancestors of %s: %w", strategyID, err)
		}
		if edge == nil {
			break
		}
		tree.Ancestors = append(tree.Ancestors, *edge)
		if _, cycle := seen[edge.ParentStrategyID]; cycle {
			break
		}
		seen[edge.ParentStrategyID] = struct{}{}
		current = edge.ParentStrategyID
	}

	if err := e.collectDescendants(ctx, strategyID, seen, tree); err != nil {
		return nil, err
	}
	return tree, nil
}

func (e *Engine) collectDescendants(ctx context.Context, parentID string, seen map[string]struct{}, tree *core.LineageTree) error {
	edges, err := e.audit.FindMorphHistoryByParent(ctx, parentID)
	if err != nil {
		return fmt.Errorf("walk descendants of %s: %w", parentID, err)
	}
	for _, edge := range edges {
		if _, cycle := seen[edge.ChildStrategyID]; cycle {
			continue
		}
		seen[edge.ChildStrategyID] = struct{}{}
		tree.Descendants = append(tree.Descendants, edge)
		if err := e.collectDescendants(ctx, edge.ChildStrategyID, seen, tree); err != nil {
			return err
		}
	}
	return nil
}

// CumulativePnl sums parent P&L captured at each ancestral morph, skipping
// edges where no position was priced at morph time.
func (e *Engine) CumulativePnl(ctx context.Context, strategyID string) (decimal.Decimal, error) {
	tree, err := e.LineageTree(ctx, strategyID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, edge := range tree.Ancestors {
		if edge.ParentPnlAtMorph != nil {
			total = total.Add(*edge.ParentPnlAtMorph)
		}
	}
	return total, nil
}
