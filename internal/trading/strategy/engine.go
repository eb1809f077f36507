// Package strategy owns the registry of live strategies, their lifecycle
// state machine, and tick dispatch.
package strategy

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"options_trader/internal/core"
	"options_trader/pkg/telemetry"
)

// Valid lifecycle edges. Anything else is an error.
//
//	CREATED --arm--> ARMED --entry-fills--> ACTIVE
//	ARMED/ACTIVE --pause--> PAUSED --resume--> ACTIVE
//	ACTIVE --close--> CLOSING --exit-complete--> CLOSED
var transitions = map[core.StrategyStatus][]core.StrategyStatus{
	core.StrategyStatusCreated: {core.StrategyStatusArmed},
	core.StrategyStatusArmed:   {core.StrategyStatusActive, core.StrategyStatusPaused},
	core.StrategyStatusActive:  {core.StrategyStatusPaused, core.StrategyStatusClosing},
	core.StrategyStatusPaused:  {core.StrategyStatusActive, core.StrategyStatusClosing},
	core.StrategyStatusClosing: {core.StrategyStatusClosed},
	core.StrategyStatusClosed:  {},
}

func canTransition(from, to core.StrategyStatus) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Engine implements core.IStrategyEngine.
type Engine struct {
	bus    core.IEventBus
	logger core.ILogger

	mu         sync.RWMutex
	strategies map[string]core.IStrategy
	// positionID -> owning strategy ids. Position updates fan out through
	// this index; updates for unindexed positions are dropped.
	posIndex map[string]map[string]struct{}
}

func NewEngine(bus core.IEventBus, logger core.ILogger) *Engine {
	return &Engine{
		bus:        bus,
		logger:     logger.WithField("component", "strategy_engine"),
		strategies: make(map[string]core.IStrategy),
		posIndex:   make(map[string]map[string]struct{}),
	}
}

// Start subscribes the engine to tick and position events.
func (e *Engine) Start() {
	e.bus.Subscribe(core.EventTypeTick, 40, "strategy_engine", func(ev core.Event) {
		te, ok := ev.(core.TickEvent)
		if !ok {
			return
		}
		e.dispatchTick(te.Tick)
	})
	e.bus.Subscribe(core.EventTypePosition, 40, "strategy_engine_positions", func(ev core.Event) {
		pe, ok := ev.(core.PositionEvent)
		if !ok {
			return
		}
		e.onPositionEvent(pe)
	})
}

// Register adds a strategy in CREATED state. Duplicate ids are rejected.
func (e *Engine) Register(s core.IStrategy) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.strategies[s.ID()]; exists {
		return fmt.Errorf("strategy %s already registered", s.ID())
	}
	e.strategies[s.ID()] = s
	e.logger.Info("Strategy registered",
		"strategy_id", s.ID(), "name", s.Name(), "type", s.Type())
	telemetry.GetGlobalMetrics().SetActiveStrategies(int64(len(e.strategies)))
	return nil
}

func (e *Engine) Get(id string) (core.IStrategy, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.strategies[id]
	return s, ok
}

func (e *Engine) All() []core.IStrategy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]core.IStrategy, 0, len(e.strategies))
	for _, s := range e.strategies {
		out = append(out, s)
	}
	return out
}

// transition moves one strategy along a lifecycle edge, publishing the
// change. The caller supplies the reason recorded in the audit trail.
func (e *Engine) transition(id string, to core.StrategyStatus, reason string) error {
	s, ok := e.Get(id)
	if !ok {
		return fmt.Errorf("strategy %s not found", id)
	}
	from := s.Status()
	if !canTransition(from, to) {
		return fmt.Errorf("invalid strategy transition %s -> %s for %s", from, to, id)
	}
	s.SetStatus(to)
	e.logger.Info("Strategy transition",
		"strategy_id", id, "from", from, "to", to, "reason", reason)
	e.bus.Publish(core.StrategyEvent{
		StrategyID: id,
		Name:       s.Name(),
		Type:       s.Type(),
		Status:     to,
		Detail:     reason,
	})
	e.bus.Publish(core.NewDecisionEvent("LIFECYCLE", id, map[string]string{
		"from":   string(from),
		"to":     string(to),
		"reason": reason,
	}))
	return nil
}

func (e *Engine) Arm(ctx context.Context, id string) error {
	return e.transition(id, core.StrategyStatusArmed, "arm requested")
}

func (e *Engine) Pause(ctx context.Context, id string) error {
	return e.transition(id, core.StrategyStatusPaused, "pause requested")
}

func (e *Engine) Resume(ctx context.Context, id string) error {
	return e.transition(id, core.StrategyStatusActive, "resume requested")
}

func (e *Engine) Close(ctx context.Context, id string) error {
	return e.transition(id, core.StrategyStatusClosing, "close requested")
}

// PauseAll pauses every ARMED or ACTIVE strategy, leaving the rest
// untouched, and returns how many were paused.
func (e *Engine) PauseAll(ctx context.Context) int {
	var eligible []string
	e.mu.RLock()
	for id, s := range e.strategies {
		st := s.Status()
		if st == core.StrategyStatusArmed || st == core.StrategyStatusActive {
			eligible = append(eligible, id)
		}
	}
	e.mu.RUnlock()

	paused := 0
	for _, id := range eligible {
		if err := e.transition(id, core.StrategyStatusPaused, "pause all"); err != nil {
			e.logger.Warn("Pause-all skipped strategy", "strategy_id", id, "error", err)
			continue
		}
		paused++
	}
	e.logger.Info("Paused all strategies", "count", paused)
	return paused
}

// Undeploy removes a CLOSED strategy from the registry and drops its
// position links.
func (e *Engine) Undeploy(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.strategies[id]
	if !ok {
		return fmt.Errorf("strategy %s not found", id)
	}
	if s.Status() != core.StrategyStatusClosed {
		return fmt.Errorf("strategy %s is %s, only CLOSED strategies can be undeployed", id, s.Status())
	}
	delete(e.strategies, id)
	for posID, owners := range e.posIndex {
		delete(owners, id)
		if len(owners) == 0 {
			delete(e.posIndex, posID)
		}
	}
	e.logger.Info("Strategy undeployed", "strategy_id", id)
	telemetry.GetGlobalMetrics().SetActiveStrategies(int64(len(e.strategies)))
	return nil
}

// ForceAdjustment pushes a manual action into an ACTIVE strategy. CLOSE_ALL
// additionally moves the strategy to CLOSING.
func (e *Engine) ForceAdjustment(ctx context.Context, id, action string) error {
	s, ok := e.Get(id)
	if !ok {
		return fmt.Errorf("strategy %s not found", id)
	}
	if s.Status() != core.StrategyStatusActive {
		return fmt.Errorf("strategy %s is %s, adjustments require ACTIVE", id, s.Status())
	}
	e.bus.Publish(core.NewAdjustmentEvent(id, action))
	if err := s.ForceAdjust(ctx, action); err != nil {
		return fmt.Errorf("force adjust %s on %s: %w", action, id, err)
	}
	e.bus.Publish(core.NewDecisionEvent("ADJUSTMENT", id, map[string]string{
		"action": action,
	}))
	// CLOSE_ALL moves the strategy to CLOSING unless its exit handler
	// already walked the lifecycle further.
	if action == "CLOSE_ALL" && s.Status() == core.StrategyStatusActive {
		return e.transition(id, core.StrategyStatusClosing, "forced close all")
	}
	return nil
}

// dispatchTick evaluates every ARMED or ACTIVE strategy against a fresh
// market snapshot. One strategy's panic or error never blocks the rest.
func (e *Engine) dispatchTick(tick core.Tick) {
	snapshot := core.MarketSnapshot{
		InstrumentToken: tick.InstrumentToken,
		SpotPrice:       tick.LastPrice,
		Timestamp:       tick.Timestamp,
	}

	e.mu.RLock()
	eligible := make([]core.IStrategy, 0, len(e.strategies))
	for _, s := range e.strategies {
		st := s.Status()
		if st == core.StrategyStatusArmed || st == core.StrategyStatusActive {
			eligible = append(eligible, s)
		}
	}
	e.mu.RUnlock()

	for _, s := range eligible {
		e.evaluateGuarded(s, snapshot)
	}
}

func (e *Engine) evaluateGuarded(s core.IStrategy, snapshot core.MarketSnapshot) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Strategy evaluation panic recovered",
				"strategy_id", s.ID(), "panic", r, "stack", string(debug.Stack()))
			telemetry.GetGlobalMetrics().IncStrategyErrors(context.Background(),
				attribute.String("strategy_id", s.ID()))
		}
	}()
	if err := s.Evaluate(context.Background(), snapshot); err != nil {
		e.logger.Error("Strategy evaluation failed",
			"strategy_id", s.ID(), "error", err)
		telemetry.GetGlobalMetrics().IncStrategyErrors(context.Background(),
			attribute.String("strategy_id", s.ID()))
	}
}

// RegisterPositionLink adds one position -> strategy edge. Idempotent.
func (e *Engine) RegisterPositionLink(positionID, strategyID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	owners, ok := e.posIndex[positionID]
	if !ok {
		owners = make(map[string]struct{})
		e.posIndex[positionID] = owners
	}
	owners[strategyID] = struct{}{}
}

// UnregisterPositionLink removes one edge, tolerating a missing link.
func (e *Engine) UnregisterPositionLink(positionID, strategyID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	owners, ok := e.posIndex[positionID]
	if !ok {
		return
	}
	delete(owners, strategyID)
	if len(owners) == 0 {
		delete(e.posIndex, positionID)
	}
}

// StrategiesForPosition returns the ids currently linked to a position.
func (e *Engine) StrategiesForPosition(positionID string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	owners := e.posIndex[positionID]
	out := make([]string, 0, len(owners))
	for id := range owners {
		out = append(out, id)
	}
	return out
}

// PopulatePositionIndex clears and rebuilds the reverse index, used at
// startup from persisted position records.
func (e *Engine) PopulatePositionIndex(links map[string][]string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.posIndex = make(map[string]map[string]struct{}, len(links))
	for posID, strategyIDs := range links {
		owners := make(map[string]struct{}, len(strategyIDs))
		for _, id := range strategyIDs {
			owners[id] = struct{}{}
		}
		e.posIndex[posID] = owners
	}
	e.logger.Info("Position index populated", "positions", len(e.posIndex))
}

// onPositionEvent pushes the fresh position snapshot into every owning
// strategy. Updates for unindexed positions are dropped silently.
func (e *Engine) onPositionEvent(ev core.PositionEvent) {
	e.mu.RLock()
	owners := e.posIndex[ev.Position.ID]
	targets := make([]core.IStrategy, 0, len(owners))
	for id := range owners {
		if s, ok := e.strategies[id]; ok {
			targets = append(targets, s)
		}
	}
	e.mu.RUnlock()

	for _, s := range targets {
		s.UpsertPosition(ev.Position)
	}
}
