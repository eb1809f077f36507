// Package router implements the single authoritative egress for outgoing
// orders: kill-switch check, risk gate, tagging, rate-limited broker
// placement, and KV recording.
package router

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"options_trader/internal/core"
	apperrors "options_trader/pkg/errors"
	"options_trader/pkg/telemetry"
)

// Router implements core.IOrderRouter. Routing is the point where a request
// becomes an order.
type Router struct {
	gate    core.IRiskGate
	gateway core.IBrokerGateway
	orders  core.IOrderStore
	bus     core.IEventBus
	limiter *rate.Limiter
	logger  core.ILogger
	tracer  trace.Tracer

	killSwitch atomic.Bool
}

func NewRouter(gate core.IRiskGate, gateway core.IBrokerGateway, orders core.IOrderStore, bus core.IEventBus, limiter *rate.Limiter, logger core.ILogger) *Router {
	return &Router{
		gate:    gate,
		gateway: gateway,
		orders:  orders,
		bus:     bus,
		limiter: limiter,
		logger:  logger.WithField("component", "order_router"),
		tracer:  telemetry.GetTracer("order-router"),
	}
}

// ActivateKillSwitch makes the router reject everything except orders the
// kill switch itself issues.
func (r *Router) ActivateKillSwitch() { r.killSwitch.Store(true) }

// DeactivateKillSwitch restores normal routing.
func (r *Router) DeactivateKillSwitch() { r.killSwitch.Store(false) }

// KillSwitchActive reports the flag.
func (r *Router) KillSwitchActive() bool { return r.killSwitch.Load() }

// Route runs the full egress pipeline for one request. Pre-broker
// rejections come back with Accepted=false and a nil error; broker failures
// additionally return the error.
func (r *Router) Route(ctx context.Context, req core.OrderRequest) (core.RouteResult, error) {
	ctx, span := r.tracer.Start(ctx, "route_order")
	defer span.End()
	span.SetAttributes(
		attribute.String("symbol", req.TradingSymbol),
		attribute.String("side", string(req.Side)),
		attribute.Int64("quantity", req.Quantity),
	)

	if r.killSwitch.Load() && !req.KillSwitchOrder {
		return r.reject(ctx, req, "kill switch active"), nil
	}

	if result := r.gate.Validate(ctx, req); !result.Passed() {
		return r.reject(ctx, req, result.First().Message), nil
	}

	tag := req.CorrelationID
	if tag == "" {
		tag = uuid.NewString()
		req.CorrelationID = tag
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return r.reject(ctx, req, apperrors.ErrRateLimitExceeded.Error()), fmt.Errorf("rate limiter: %w", err)
	}

	order, err := r.gateway.PlaceOrder(ctx, req)
	if err != nil {
		return r.reject(ctx, req, err.Error()), fmt.Errorf("place order %s: %w", req.TradingSymbol, err)
	}

	order.Tag = tag
	if err := r.orders.Save(ctx, *order); err != nil {
		// The broker accepted; a KV failure must not lose the acceptance.
		r.logger.Error("Order accepted but KV save failed",
			"broker_order_id", order.BrokerOrderID, "error", err)
	}

	telemetry.GetGlobalMetrics().IncOrdersRouted(ctx, attribute.String("symbol", req.TradingSymbol))
	r.bus.Publish(core.OrderEvent{Kind: core.OrderEventPlaced, Order: *order})
	r.logger.Info("Order routed",
		"broker_order_id", order.BrokerOrderID,
		"symbol", req.TradingSymbol,
		"side", req.Side,
		"quantity", req.Quantity,
		"tag", tag)

	return core.RouteResult{
		Accepted:      true,
		BrokerOrderID: order.BrokerOrderID,
		Tag:           tag,
	}, nil
}

func (r *Router) reject(ctx context.Context, req core.OrderRequest, reason string) core.RouteResult {
	telemetry.GetGlobalMetrics().IncOrdersRejected(ctx, attribute.String("symbol", req.TradingSymbol))
	r.logger.Warn("Order rejected",
		"symbol", req.TradingSymbol,
		"side", req.Side,
		"quantity", req.Quantity,
		"reason", reason)
	return core.RouteResult{Accepted: false, RejectionReason: reason, Tag: req.CorrelationID}
}
