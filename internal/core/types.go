// Package core defines the domain types and service interfaces shared across
// the trading system.
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or position leg.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the counter side, used for rollbacks and position closes.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType is the broker order type.
type OrderType string

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStopLoss  OrderType = "SL"
	OrderTypeStopLossM OrderType = "SL-M"
)

// OrderStatus is the broker-side lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusOpen            OrderStatus = "OPEN"
	OrderStatusComplete        OrderStatus = "COMPLETE"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
)

// OptionType distinguishes calls from puts in a trading symbol.
type OptionType string

const (
	OptionTypeCall OptionType = "CE"
	OptionTypePut  OptionType = "PE"
)

// StrategyStatus is the lifecycle state of a strategy instance.
type StrategyStatus string

const (
	StrategyStatusCreated StrategyStatus = "CREATED"
	StrategyStatusArmed   StrategyStatus = "ARMED"
	StrategyStatusActive  StrategyStatus = "ACTIVE"
	StrategyStatusPaused  StrategyStatus = "PAUSED"
	StrategyStatusClosing StrategyStatus = "CLOSING"
	StrategyStatusClosed  StrategyStatus = "CLOSED"
)

// StrategyType identifies the kind of derivatives structure a strategy runs.
type StrategyType string

const (
	StrategyTypeIronCondor     StrategyType = "IRON_CONDOR"
	StrategyTypeIronButterfly  StrategyType = "IRON_BUTTERFLY"
	StrategyTypeShortStraddle  StrategyType = "SHORT_STRADDLE"
	StrategyTypeBullPutSpread  StrategyType = "BULL_PUT_SPREAD"
	StrategyTypeBearCallSpread StrategyType = "BEAR_CALL_SPREAD"
	StrategyTypeScalper        StrategyType = "SCALPER"
)

// Tick is a single market snapshot from the broker feed. Immutable after
// creation.
type Tick struct {
	InstrumentToken int64
	LastPrice       decimal.Decimal
	Volume          int64
	Timestamp       time.Time
}

// Bar is one completed OHLCV interval for an instrument.
type Bar struct {
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    int64           `json:"volume"`
	OpenTime  time.Time       `json:"open_time"`
	CloseTime time.Time       `json:"close_time"`
	Period    time.Duration   `json:"period"`
}

// MarketSnapshot is the per-tick view handed to strategies.
type MarketSnapshot struct {
	InstrumentToken int64
	SpotPrice       decimal.Decimal
	Timestamp       time.Time
}

// OrderRequest describes a desired outgoing order before it reaches the
// broker. Quantity is pre-multiplied by lot size.
type OrderRequest struct {
	InstrumentToken int64
	TradingSymbol   string
	Exchange        string
	Side            Side
	OrderType       OrderType
	Product         string
	Quantity        int64
	Price           *decimal.Decimal
	TriggerPrice    *decimal.Decimal
	StrategyID      string
	CorrelationID   string

	// KillSwitchOrder marks orders issued by the kill switch itself so the
	// router does not reject them while the switch is active.
	KillSwitchOrder bool
}

// Order is a live order after broker acceptance.
type Order struct {
	BrokerOrderID    string
	InstrumentToken  int64
	TradingSymbol    string
	Exchange         string
	Side             Side
	OrderType        OrderType
	Quantity         int64
	Price            *decimal.Decimal
	Status           OrderStatus
	FilledQuantity   int64
	AverageFillPrice decimal.Decimal
	Tag              string
	StrategyID       string
	PlacedAt         time.Time
	UpdatedAt        time.Time
}

// OrderFill is one incremental fill against an order.
type OrderFill struct {
	OrderID         string
	InstrumentToken int64
	Quantity        int64
	Price           decimal.Decimal
	FilledAt        time.Time
}

// Position is the net holding for one instrument under one strategy.
// Quantity is signed: positive long, negative short, zero closed.
type Position struct {
	ID              string
	InstrumentToken int64
	TradingSymbol   string
	Exchange        string
	Product         string
	Quantity        int64
	AveragePrice    decimal.Decimal
	UnrealizedPnl   *decimal.Decimal
}

// MarginSnapshot is a point-in-time view of account margins.
type MarginSnapshot struct {
	Cash       decimal.Decimal
	Available  decimal.Decimal
	Used       decimal.Decimal
	Collateral decimal.Decimal
	FetchedAt  time.Time
}

// JournalStatus is the write-ahead state of one execution leg.
type JournalStatus string

const (
	JournalStatusPending    JournalStatus = "PENDING"
	JournalStatusInProgress JournalStatus = "IN_PROGRESS"
	JournalStatusCompleted  JournalStatus = "COMPLETED"
	JournalStatusFailed     JournalStatus = "FAILED"
)

// ExecutionJournalEntry records one planned leg of a multi-leg operation.
// Entries are persisted before any leg is routed.
type ExecutionJournalEntry struct {
	ID              int64
	StrategyID      string
	GroupID         string
	Operation       string
	LegIndex        int
	TotalLegs       int
	InstrumentToken int64
	TradingSymbol   string
	Side            Side
	Quantity        int64
	Status          JournalStatus
	FailureReason   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// MorphPlanStatus is the persisted state of a morph execution plan.
type MorphPlanStatus string

const (
	MorphPlanStatusExecuting     MorphPlanStatus = "EXECUTING"
	MorphPlanStatusCompleted     MorphPlanStatus = "COMPLETED"
	MorphPlanStatusPartiallyDone MorphPlanStatus = "PARTIALLY_DONE"
)

// MorphPlanEntry is the persisted record of a morph execution, used for
// crash recovery at startup.
type MorphPlanEntry struct {
	ID               string
	SourceStrategyID string
	Status           MorphPlanStatus
	Detail           string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// MorphHistoryEntry is one parent->child edge in the morph lineage DAG.
type MorphHistoryEntry struct {
	ParentStrategyID string
	ChildStrategyID  string
	ParentType       StrategyType
	ChildType        StrategyType
	ParentPnlAtMorph *decimal.Decimal
	Reason           string
	MorphedAt        time.Time
}

// MismatchType classifies a broker-vs-local position difference.
type MismatchType string

const (
	MismatchQuantity      MismatchType = "QUANTITY_MISMATCH"
	MismatchMissingLocal  MismatchType = "MISSING_LOCAL"
	MismatchMissingBroker MismatchType = "MISSING_BROKER"
	MismatchPriceDrift    MismatchType = "PRICE_DRIFT"
)

// MismatchResolution is how a mismatch was (or should be) handled.
type MismatchResolution string

const (
	ResolutionAutoSync  MismatchResolution = "AUTO_SYNC"
	ResolutionAlertOnly MismatchResolution = "ALERT_ONLY"
)

// PositionMismatch is one classified reconciliation difference.
type PositionMismatch struct {
	Type            MismatchType
	Resolution      MismatchResolution
	InstrumentToken int64
	TradingSymbol   string
	BrokerQuantity  int64
	LocalQuantity   int64
	BrokerAvgPrice  decimal.Decimal
	LocalAvgPrice   decimal.Decimal
}

// ReconciliationResult summarises one reconciliation pass.
type ReconciliationResult struct {
	Trigger     string
	RunAt       time.Time
	BrokerCount int
	LocalCount  int
	Mismatches  []PositionMismatch
}

// RiskLimits is an immutable-at-a-time snapshot of account-wide thresholds.
// Nil pointers disable the corresponding check.
type RiskLimits struct {
	DailyLossLimit            *decimal.Decimal
	DailyLossWarningThreshold *decimal.Decimal
	MaxMarginUtilization      *decimal.Decimal
	MaxOpenPositions          *int
	MaxOpenOrders             *int
	MaxActiveStrategies       *int
	MaxLossPerPosition        *decimal.Decimal
	MaxProfitPerPosition      *decimal.Decimal
	MaxLotsPerPosition        *int64
	MaxPositionValue          *decimal.Decimal
	MaxLossPerStrategy        *decimal.Decimal
	MaxLegsPerStrategy        *int
}

// UnderlyingRiskLimits bounds total exposure per underlying symbol.
type UnderlyingRiskLimits struct {
	Underlying string
	MaxLots    int64
}

// RiskViolation is one failed pre-trade check.
type RiskViolation struct {
	Code    string
	Message string
}

// RiskValidationResult aggregates every checker's findings for one request.
type RiskValidationResult struct {
	Violations []RiskViolation
}

// Passed reports whether no checker flagged the request.
func (r RiskValidationResult) Passed() bool {
	return len(r.Violations) == 0
}

// First returns the primary violation shown to callers.
func (r RiskValidationResult) First() *RiskViolation {
	if len(r.Violations) == 0 {
		return nil
	}
	return &r.Violations[0]
}

// RouteResult is the order router's answer for one request.
type RouteResult struct {
	Accepted        bool
	RejectionReason string
	BrokerOrderID   string
	Tag             string
}

// LegResult is the outcome of one leg of a multi-leg operation.
type LegResult struct {
	LegIndex      int
	Request       OrderRequest
	Accepted      bool
	Skipped       bool
	BrokerOrderID string
	Error         string
}

// MultiLegResult is the terminal outcome of one execution group.
type MultiLegResult struct {
	GroupID    string
	Operation  string
	Success    bool
	Legs       []LegResult
	RolledBack bool
}

// DeadLetterEntry captures a failed persistence batch for later replay.
type DeadLetterEntry struct {
	EventType  string
	Payload    string
	Status     string
	RetryCount int
	MaxRetries int
	Error      string
	StackTrace string
	CreatedAt  time.Time
}

// DecisionRecord is an audit row for a DecisionEvent.
type DecisionRecord struct {
	Category   string
	StrategyID string
	Context    map[string]string
	DecidedAt  time.Time
}

// DailyPnlSnapshot is an audit row of realised P&L for one trading day.
type DailyPnlSnapshot struct {
	Date        string
	RealisedPnl decimal.Decimal
	RecordedAt  time.Time
}
