package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// IBrokerGateway is the opaque outbound broker interface. Implementations
// own their own timeouts; callers must not block the tick thread on these.
type IBrokerGateway interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
	GetMargins(ctx context.Context) (*MarginSnapshot, error)
	GetOrderMargin(ctx context.Context, req OrderRequest) (decimal.Decimal, error)
	GetBasketMargin(ctx context.Context, reqs []OrderRequest) (decimal.Decimal, error)
	GetPositions(ctx context.Context) ([]Position, error)
	GetPendingOrders(ctx context.Context) ([]Order, error)
	GetHistoricalData(ctx context.Context, instrumentToken int64, interval string, from, to time.Time) ([]Bar, error)
}

// IEventBus is the process-local typed publish/subscribe dispatcher.
// Dispatch is synchronous on the publishing goroutine; handlers run in
// ascending priority order and one handler's failure does not stop the rest.
type IEventBus interface {
	Subscribe(eventType EventType, priority int, name string, handler func(Event))
	Publish(event Event)
}

// IOrderRouter is the single authoritative egress for outgoing orders.
type IOrderRouter interface {
	Route(ctx context.Context, req OrderRequest) (RouteResult, error)
	ActivateKillSwitch()
	DeactivateKillSwitch()
	KillSwitchActive() bool
}

// IRiskChecker validates one outgoing request against one rule family.
type IRiskChecker interface {
	Name() string
	Validate(ctx context.Context, req OrderRequest) []RiskViolation
}

// IRiskGate aggregates every checker and never short-circuits.
type IRiskGate interface {
	Validate(ctx context.Context, req OrderRequest) RiskValidationResult
}

// IKillSwitch is the emergency stop orchestrator.
type IKillSwitch interface {
	Activate(ctx context.Context, reason string) (*KillSwitchResult, error)
	Deactivate(ctx context.Context) error
	PauseAllStrategies(ctx context.Context) error
	IsActive() bool
}

// KillSwitchResult reports per-item outcomes of one activation.
type KillSwitchResult struct {
	AlreadyActive   bool
	OrdersCancelled int
	PositionsClosed int
	Errors          []string
	StartedAt       time.Time
	CompletedAt     time.Time
}

// IStrategy is one live strategy instance.
type IStrategy interface {
	ID() string
	Name() string
	Type() StrategyType
	Status() StrategyStatus
	SetStatus(status StrategyStatus)
	Evaluate(ctx context.Context, snapshot MarketSnapshot) error
	Positions() []Position
	UpsertPosition(p Position)
	ForceAdjust(ctx context.Context, action string) error
}

// IStrategyEngine owns the strategy registry, lifecycle and dispatch.
type IStrategyEngine interface {
	Register(s IStrategy) error
	Get(id string) (IStrategy, bool)
	All() []IStrategy
	Arm(ctx context.Context, id string) error
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Close(ctx context.Context, id string) error
	PauseAll(ctx context.Context) int
	Undeploy(id string) error
	ForceAdjustment(ctx context.Context, id, action string) error
	RegisterPositionLink(positionID, strategyID string)
	UnregisterPositionLink(positionID, strategyID string)
	StrategiesForPosition(positionID string) []string
	PopulatePositionIndex(links map[string][]string)
}

// IMultiLegExecutor places N-leg option orders under the WAL protocol.
type IMultiLegExecutor interface {
	ExecuteSequential(ctx context.Context, strategyID, operation string, legs []OrderRequest) (*MultiLegResult, error)
	ExecuteParallel(ctx context.Context, strategyID, operation string, legs []OrderRequest) (*MultiLegResult, error)
	ExecuteBuyFirst(ctx context.Context, strategyID, operation string, legs []OrderRequest, fillTimeout time.Duration) (*MultiLegResult, error)
}

// IFillTracker resolves futures when expected fills arrive for a group.
type IFillTracker interface {
	AwaitFills(groupID string, expected int) <-chan error
	CancelAwait(groupID string)
}

// IMarginService serves cached margin snapshots and watches utilization.
type IMarginService interface {
	Snapshot(ctx context.Context) (*MarginSnapshot, error)
	OrderMargin(ctx context.Context, req OrderRequest) (decimal.Decimal, error)
	BasketMargin(ctx context.Context, reqs []OrderRequest) (decimal.Decimal, error)
	CheckUtilization(ctx context.Context) error
}

// IReconciler periodically diffs broker positions against local state.
type IReconciler interface {
	Start(ctx context.Context) error
	Stop() error
	Reconcile(ctx context.Context, trigger string) (*ReconciliationResult, error)
}

// IMorphEngine plans and executes strategy transformations.
type IMorphEngine interface {
	Preview(ctx context.Context, req MorphRequest) (*MorphExecutionPlan, error)
	Execute(ctx context.Context, req MorphRequest) (*MorphExecutionPlan, error)
	RecoverInterrupted(ctx context.Context) (int, error)
	LineageTree(ctx context.Context, strategyID string) (*LineageTree, error)
	CumulativePnl(ctx context.Context, strategyID string) (decimal.Decimal, error)
}

// MorphTarget names one new strategy to create from a source.
type MorphTarget struct {
	TargetType   StrategyType
	RetainedLegs []string // SIDE_OPTIONTYPE classifications, e.g. "SELL_PE"
	NewLegs      []OrderRequest
}

// MorphRequest asks for one source strategy to become one or more targets.
type MorphRequest struct {
	SourceStrategyID string
	Targets          []MorphTarget
	Reason           string
}

// MorphLegClose is a planned closing order for a non-retained leg.
type MorphLegClose struct {
	Position  Position
	CloseSide Side
	Quantity  int64
}

// MorphLegReassign retargets a retained position to a new strategy.
type MorphLegReassign struct {
	Position    Position
	TargetIndex int
}

// MorphExecutionPlan is the ordered work list for one morph.
type MorphExecutionPlan struct {
	PlanID                  string
	SourceStrategyID        string
	LegsToClose             []MorphLegClose
	LegsToReassign          []MorphLegReassign
	LegsToOpen              []OrderRequest
	StrategiesToCreate      []MorphTarget
	RequiresStrikeSelection bool
}

// LineageTree is the ancestor chain and descendant fan-out of one strategy.
type LineageTree struct {
	StrategyID  string
	Ancestors   []MorphHistoryEntry
	Descendants []MorphHistoryEntry
}

// IJournalStore persists execution journal entries. Writes are durable
// before Save returns.
type IJournalStore interface {
	Save(ctx context.Context, entry *ExecutionJournalEntry) error
	Update(ctx context.Context, entry *ExecutionJournalEntry) error
	FindByStatus(ctx context.Context, status JournalStatus) ([]ExecutionJournalEntry, error)
	FindByGroupID(ctx context.Context, groupID string) ([]ExecutionJournalEntry, error)
}

// IPositionStore is the KV store for local positions.
type IPositionStore interface {
	Save(ctx context.Context, p Position) error
	Delete(ctx context.Context, id string) error
	FindAll(ctx context.Context) ([]Position, error)
}

// IOrderStore is the KV store for routed orders.
type IOrderStore interface {
	Save(ctx context.Context, o Order) error
	Delete(ctx context.Context, brokerOrderID string) error
	FindAll(ctx context.Context) ([]Order, error)
	FindPending(ctx context.Context) ([]Order, error)
	CountPending(ctx context.Context) (int, error)
}

// IAuditStore is the relational sink for audit records.
type IAuditStore interface {
	SaveDecision(ctx context.Context, rec DecisionRecord) error
	SaveMorphPlan(ctx context.Context, entry *MorphPlanEntry) error
	UpdateMorphPlan(ctx context.Context, entry *MorphPlanEntry) error
	FindMorphPlansByStatus(ctx context.Context, status MorphPlanStatus) ([]MorphPlanEntry, error)
	SaveMorphHistory(ctx context.Context, entry MorphHistoryEntry) error
	FindMorphHistoryByChild(ctx context.Context, childID string) (*MorphHistoryEntry, error)
	FindMorphHistoryByParent(ctx context.Context, parentID string) ([]MorphHistoryEntry, error)
	SaveFill(ctx context.Context, fill OrderFill) error
	// SaveFills and SaveDecisions persist a whole batch atomically: on
	// error no row of the batch has been written, so the caller may
	// replay the batch without duplicating rows.
	SaveFills(ctx context.Context, fills []OrderFill) error
	SaveDecisions(ctx context.Context, recs []DecisionRecord) error
	SaveDailyPnl(ctx context.Context, snapshot DailyPnlSnapshot) error
}

// ITimeSeriesStore is an append-only numeric series sink keyed as
// algo:ts:<metric>:<instrument>.
type ITimeSeriesStore interface {
	Append(ctx context.Context, metric string, instrumentToken int64, at time.Time, value decimal.Decimal) error
	Range(ctx context.Context, metric string, instrumentToken int64, from, to time.Time, aggregator string, bucket time.Duration) ([]TimeSeriesPoint, error)
}

// TimeSeriesPoint is one sample out of a range query.
type TimeSeriesPoint struct {
	At    time.Time
	Value decimal.Decimal
}

// IDeadLetterStore captures batches the write-behind store could not flush.
type IDeadLetterStore interface {
	Save(ctx context.Context, entry DeadLetterEntry) error
}

// IMarketCalendar answers whether the market is currently open.
type IMarketCalendar interface {
	IsMarketOpen(at time.Time) bool
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
