package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType identifies an event family on the bus.
type EventType string

const (
	EventTypeTick            EventType = "TICK"
	EventTypeIndicatorUpdate EventType = "INDICATOR_UPDATE"
	EventTypeOrder           EventType = "ORDER"
	EventTypePosition        EventType = "POSITION"
	EventTypeStrategy        EventType = "STRATEGY"
	EventTypeRisk            EventType = "RISK"
	EventTypeAdjustment      EventType = "ADJUSTMENT"
	EventTypeSession         EventType = "SESSION"
	EventTypeMarketStatus    EventType = "MARKET_STATUS"
	EventTypeReconciliation  EventType = "RECONCILIATION"
	EventTypeSystem          EventType = "SYSTEM"
	EventTypeDecision        EventType = "DECISION"
)

// Event is anything publishable on the bus. Event values are immutable after
// construction.
type Event interface {
	EventType() EventType
}

// TickEvent carries one market tick.
type TickEvent struct {
	Tick Tick
}

func (TickEvent) EventType() EventType { return EventTypeTick }

// IndicatorUpdateEvent carries a fresh indicator snapshot for one instrument.
type IndicatorUpdateEvent struct {
	InstrumentToken int64
	TradingSymbol   string
	Values          map[string]decimal.Decimal
}

func (IndicatorUpdateEvent) EventType() EventType { return EventTypeIndicatorUpdate }

// NewIndicatorUpdateEvent copies the snapshot so later cache writes cannot
// mutate a published event.
func NewIndicatorUpdateEvent(token int64, symbol string, values map[string]decimal.Decimal) IndicatorUpdateEvent {
	copied := make(map[string]decimal.Decimal, len(values))
	for k, v := range values {
		copied[k] = v
	}
	return IndicatorUpdateEvent{InstrumentToken: token, TradingSymbol: symbol, Values: copied}
}

// OrderEventKind is the kind of order transition being announced.
type OrderEventKind string

const (
	OrderEventPlaced          OrderEventKind = "PLACED"
	OrderEventFilled          OrderEventKind = "FILLED"
	OrderEventPartiallyFilled OrderEventKind = "PARTIALLY_FILLED"
	OrderEventRejected        OrderEventKind = "REJECTED"
	OrderEventCancelled       OrderEventKind = "CANCELLED"
)

// OrderEvent announces an order transition, carrying the previous status.
type OrderEvent struct {
	Kind           OrderEventKind
	Order          Order
	PreviousStatus OrderStatus
	Fill           *OrderFill
}

func (OrderEvent) EventType() EventType { return EventTypeOrder }

// PositionEventKind is the kind of position transition being announced.
type PositionEventKind string

const (
	PositionEventOpened  PositionEventKind = "OPENED"
	PositionEventUpdated PositionEventKind = "UPDATED"
	PositionEventClosed  PositionEventKind = "CLOSED"
)

// PositionEvent announces a position change, carrying the previous P&L.
type PositionEvent struct {
	Kind        PositionEventKind
	Position    Position
	PreviousPnl *decimal.Decimal
}

func (PositionEvent) EventType() EventType { return EventTypePosition }

// StrategyEvent announces a strategy lifecycle transition.
type StrategyEvent struct {
	StrategyID string
	Name       string
	Type       StrategyType
	Status     StrategyStatus
	Detail     string
}

func (StrategyEvent) EventType() EventType { return EventTypeStrategy }

// RiskLevel grades risk events.
type RiskLevel string

const (
	RiskLevelInfo     RiskLevel = "INFO"
	RiskLevelWarning  RiskLevel = "WARNING"
	RiskLevelCritical RiskLevel = "CRITICAL"
)

// RiskEvent announces a risk finding. Detail is defensively copied at
// construction; use NewRiskEvent.
type RiskEvent struct {
	Level   RiskLevel
	Code    string
	Message string
	Detail  map[string]string
}

func (RiskEvent) EventType() EventType { return EventTypeRisk }

// NewRiskEvent builds a RiskEvent with a private copy of detail.
func NewRiskEvent(level RiskLevel, code, message string, detail map[string]string) RiskEvent {
	copied := make(map[string]string, len(detail))
	for k, v := range detail {
		copied[k] = v
	}
	return RiskEvent{Level: level, Code: code, Message: message, Detail: copied}
}

// AdjustmentEvent requests or reports a forced strategy adjustment.
type AdjustmentEvent struct {
	StrategyID string
	Action     string
	Status     string
}

func (AdjustmentEvent) EventType() EventType { return EventTypeAdjustment }

// NewAdjustmentEvent defaults the status to PENDING.
func NewAdjustmentEvent(strategyID, action string) AdjustmentEvent {
	return AdjustmentEvent{StrategyID: strategyID, Action: action, Status: "PENDING"}
}

// SessionEvent announces broker session changes (login, expiry).
type SessionEvent struct {
	Kind    string
	Message string
}

func (SessionEvent) EventType() EventType { return EventTypeSession }

// MarketStatusEvent announces market open/close transitions.
type MarketStatusEvent struct {
	Open bool
	At   time.Time
}

func (MarketStatusEvent) EventType() EventType { return EventTypeMarketStatus }

// ReconciliationEvent carries the result of one reconciliation pass.
type ReconciliationEvent struct {
	Result ReconciliationResult
	Manual bool
}

func (ReconciliationEvent) EventType() EventType { return EventTypeReconciliation }

// SystemEvent announces process-level happenings (startup, shutdown, recovery).
type SystemEvent struct {
	Kind    string
	Message string
}

func (SystemEvent) EventType() EventType { return EventTypeSystem }

// DecisionEvent is an audit-only record of why the system did something.
// Context is defensively copied at construction; use NewDecisionEvent.
type DecisionEvent struct {
	Category   string
	StrategyID string
	Context    map[string]string
	DecidedAt  time.Time
}

func (DecisionEvent) EventType() EventType { return EventTypeDecision }

// NewDecisionEvent builds a DecisionEvent with a private copy of context.
func NewDecisionEvent(category, strategyID string, context map[string]string) DecisionEvent {
	copied := make(map[string]string, len(context))
	for k, v := range context {
		copied[k] = v
	}
	return DecisionEvent{Category: category, StrategyID: strategyID, Context: copied, DecidedAt: time.Now()}
}
