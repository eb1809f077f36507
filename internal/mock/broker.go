package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"options_trader/internal/core"
	apperrors "options_trader/pkg/errors"
)

// BrokerGateway is a scriptable in-memory core.IBrokerGateway. Tests arm
// failure switches and seed broker-side state; every call is recorded.
type BrokerGateway struct {
	mu sync.Mutex

	nextOrderID  int
	Placed       []core.OrderRequest
	PlacedOrders []core.Order
	Cancelled    []string

	// Scripted broker-side state.
	Positions     []core.Position
	PendingOrders []core.Order
	Margins       core.MarginSnapshot
	OrderMargin   decimal.Decimal
	BasketMargin  decimal.Decimal
	Historical    []core.Bar

	// Failure switches.
	FailPlace        error
	FailPlaceAfter   int // fail placements once this many have succeeded; 0 disables
	FailCancel       error
	FailMargins      error
	FailPositions    error
	TransientCancels int // next N cancels fail with a transient error, then succeed

	// OnPlace, when set, observes each accepted placement.
	OnPlace func(core.Order)
}

func NewBrokerGateway() *BrokerGateway {
	return &BrokerGateway{
		Margins: core.MarginSnapshot{
			Cash:      decimal.NewFromInt(1_000_000),
			Available: decimal.NewFromInt(1_000_000),
			FetchedAt: time.Now(),
		},
	}
}

func (b *BrokerGateway) PlaceOrder(ctx context.Context, req core.OrderRequest) (*core.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.FailPlace != nil {
		return nil, b.FailPlace
	}
	if b.FailPlaceAfter > 0 && len(b.Placed) >= b.FailPlaceAfter {
		return nil, apperrors.ErrOrderRejected
	}

	b.nextOrderID++
	order := core.Order{
		BrokerOrderID:   fmt.Sprintf("ORD-%04d", b.nextOrderID),
		InstrumentToken: req.InstrumentToken,
		TradingSymbol:   req.TradingSymbol,
		Exchange:        req.Exchange,
		Side:            req.Side,
		OrderType:       req.OrderType,
		Quantity:        req.Quantity,
		Price:           req.Price,
		Status:          core.OrderStatusOpen,
		Tag:             req.CorrelationID,
		StrategyID:      req.StrategyID,
		PlacedAt:        time.Now(),
		UpdatedAt:       time.Now(),
	}
	b.Placed = append(b.Placed, req)
	b.PlacedOrders = append(b.PlacedOrders, order)
	if b.OnPlace != nil {
		b.OnPlace(order)
	}
	return &order, nil
}

func (b *BrokerGateway) CancelOrder(ctx context.Context, brokerOrderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.TransientCancels > 0 {
		b.TransientCancels--
		return apperrors.ErrNetwork
	}
	if b.FailCancel != nil {
		return b.FailCancel
	}
	b.Cancelled = append(b.Cancelled, brokerOrderID)
	return nil
}

func (b *BrokerGateway) GetMargins(ctx context.Context) (*core.MarginSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailMargins != nil {
		return nil, b.FailMargins
	}
	snap := b.Margins
	return &snap, nil
}

func (b *BrokerGateway) GetOrderMargin(ctx context.Context, req core.OrderRequest) (decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.OrderMargin, nil
}

func (b *BrokerGateway) GetBasketMargin(ctx context.Context, reqs []core.OrderRequest) (decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.BasketMargin, nil
}

func (b *BrokerGateway) GetPositions(ctx context.Context) ([]core.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailPositions != nil {
		return nil, b.FailPositions
	}
	out := make([]core.Position, len(b.Positions))
	copy(out, b.Positions)
	return out, nil
}

func (b *BrokerGateway) GetPendingOrders(ctx context.Context) ([]core.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]core.Order, len(b.PendingOrders))
	copy(out, b.PendingOrders)
	return out, nil
}

func (b *BrokerGateway) GetHistoricalData(ctx context.Context, instrumentToken int64, interval string, from, to time.Time) ([]core.Bar, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]core.Bar, len(b.Historical))
	copy(out, b.Historical)
	return out, nil
}

// PlacedCount returns how many placements the broker accepted.
func (b *BrokerGateway) PlacedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Placed)
}

// CancelledCount returns how many cancels succeeded.
func (b *BrokerGateway) CancelledCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Cancelled)
}
