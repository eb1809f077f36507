package bootstrap

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"options_trader/internal/core"
)

// fillDelay approximates broker round-trip latency for simulated fills.
const fillDelay = 50 * time.Millisecond

// paperFiller completes orders the mock gateway accepts while no live broker
// session is configured. Limit orders fill at their limit price; market
// orders fill at the last traded price seen on the bus.
type paperFiller struct {
	bus    core.IEventBus
	orders core.IOrderStore
	logger core.ILogger

	queue chan core.Order

	mu        sync.Mutex
	lastPrice map[int64]decimal.Decimal
}

func newPaperFiller(bus core.IEventBus, orders core.IOrderStore, logger core.ILogger) *paperFiller {
	return &paperFiller{
		bus:       bus,
		orders:    orders,
		logger:    logger.WithField("component", "paper_filler"),
		queue:     make(chan core.Order, 256),
		lastPrice: make(map[int64]decimal.Decimal),
	}
}

// fillAsync is installed as the gateway's placement observer. It must not
// block: placement runs on the routing path.
func (p *paperFiller) fillAsync(order core.Order) {
	select {
	case p.queue <- order:
	default:
		p.logger.Warn("Paper fill queue full, order left open",
			"broker_order_id", order.BrokerOrderID)
	}
}

// Start subscribes the price cache and launches the fill loop. The loop
// lives for the rest of the process; pending simulated fills at shutdown
// are abandoned the same way in-flight broker orders would be.
func (p *paperFiller) Start() {
	p.bus.Subscribe(core.EventTypeTick, 5, "paper_filler_prices", func(ev core.Event) {
		te, ok := ev.(core.TickEvent)
		if !ok {
			return
		}
		p.mu.Lock()
		p.lastPrice[te.Tick.InstrumentToken] = te.Tick.LastPrice
		p.mu.Unlock()
	})
	go p.loop()
}

func (p *paperFiller) loop() {
	for order := range p.queue {
		time.Sleep(fillDelay)
		p.fill(order)
	}
}

func (p *paperFiller) fill(order core.Order) {
	price, ok := p.fillPrice(order)
	if !ok {
		p.logger.Warn("No price available for paper fill, order left open",
			"broker_order_id", order.BrokerOrderID,
			"instrument_token", order.InstrumentToken)
		return
	}

	prev := order.Status
	now := time.Now()
	order.Status = core.OrderStatusComplete
	order.FilledQuantity = order.Quantity
	order.AverageFillPrice = price
	order.UpdatedAt = now

	if err := p.orders.Save(context.Background(), order); err != nil {
		p.logger.Error("Paper fill KV save failed",
			"broker_order_id", order.BrokerOrderID, "error", err)
	}

	fill := core.OrderFill{
		OrderID:         order.BrokerOrderID,
		InstrumentToken: order.InstrumentToken,
		Quantity:        order.Quantity,
		Price:           price,
		FilledAt:        now,
	}
	p.bus.Publish(core.OrderEvent{
		Kind:           core.OrderEventFilled,
		Order:          order,
		PreviousStatus: prev,
		Fill:           &fill,
	})
	p.logger.Debug("Paper fill published",
		"broker_order_id", order.BrokerOrderID,
		"symbol", order.TradingSymbol,
		"price", price)
}

func (p *paperFiller) fillPrice(order core.Order) (decimal.Decimal, bool) {
	if order.Price != nil && !order.Price.IsZero() {
		return *order.Price, true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	price, ok := p.lastPrice[order.InstrumentToken]
	return price, ok
}
