// Package reconcile periodically diffs broker positions against the local
// KV store and heals the differences, with the broker as the authoritative
// side for everything except price drift.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"options_trader/internal/alert"
	"options_trader/internal/core"
	"options_trader/pkg/telemetry"
)

// Trigger values recorded on ReconciliationResult.
const (
	TriggerManual    = "MANUAL"
	TriggerScheduled = "SCHEDULED"
	TriggerStartup   = "STARTUP"
)

// Config bounds one reconciler instance.
type Config struct {
	Interval time.Duration
	// PriceDriftTolerance is the relative average-price difference above
	// which a PRICE_DRIFT mismatch is raised. Exactly at the tolerance is
	// not a mismatch.
	PriceDriftTolerance decimal.Decimal
}

// Reconciler implements core.IReconciler.
type Reconciler struct {
	gateway   core.IBrokerGateway
	positions core.IPositionStore
	calendar  core.IMarketCalendar
	bus       core.IEventBus
	alerts    *alert.AlertManager
	cfg       Config
	logger    core.ILogger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewReconciler(gateway core.IBrokerGateway, positions core.IPositionStore, calendar core.IMarketCalendar, bus core.IEventBus, alerts *alert.AlertManager, cfg Config, logger core.ILogger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.PriceDriftTolerance.IsZero() {
		cfg.PriceDriftTolerance = decimal.NewFromFloat(0.02)
	}
	return &Reconciler{
		gateway:   gateway,
		positions: positions,
		calendar:  calendar,
		bus:       bus,
		alerts:    alerts,
		cfg:       cfg,
		logger:    logger.WithField("component", "reconciler"),
	}
}

// Start launches the periodic loop. Runs are skipped while the market is
// closed; broker positions are frozen then and a diff would only find what
// the trading day already left behind.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return fmt.Errorf("reconciler already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case now := <-ticker.C:
				if !r.calendar.IsMarketOpen(now) {
					r.logger.Debug("Market closed, skipping reconciliation")
					continue
				}
				if _, err := r.Reconcile(loopCtx, TriggerScheduled); err != nil {
					r.logger.Error("Scheduled reconciliation failed", "error", err)
				}
			}
		}
	}()
	r.logger.Info("Reconciler started", "interval", r.cfg.Interval)
	return nil
}

func (r *Reconciler) Stop() error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	r.logger.Info("Reconciler stopped")
	return nil
}

// Reconcile runs one full pass and resolves what it finds.
func (r *Reconciler) Reconcile(ctx context.Context, trigger string) (*core.ReconciliationResult, error) {
	brokerAll, err := r.gateway.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch broker positions: %w", err)
	}
	broker := make([]core.Position, 0, len(brokerAll))
	for _, p := range brokerAll {
		if p.Quantity != 0 {
			broker = append(broker, p)
		}
	}

	local, err := r.positions.FindAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch local positions: %w", err)
	}

	result := &core.ReconciliationResult{
		Trigger:     trigger,
		RunAt:       time.Now(),
		BrokerCount: len(broker),
		LocalCount:  len(local),
		Mismatches:  r.classify(broker, local),
	}

	for i := range result.Mismatches {
		r.resolve(ctx, &result.Mismatches[i], broker, local)
	}

	r.publish(ctx, result)
	r.logger.Info("Reconciliation completed",
		"trigger", trigger, "broker", len(broker), "local", len(local),
		"mismatches", len(result.Mismatches))
	return result, nil
}

// classify pairs broker and local positions by instrument token and grades
// every difference.
func (r *Reconciler) classify(broker, local []core.Position) []core.PositionMismatch {
	localByToken := make(map[int64]core.Position, len(local))
	for _, p := range local {
		localByToken[p.InstrumentToken] = p
	}

	var mismatches []core.PositionMismatch
	seen := make(map[int64]struct{}, len(broker))
	for _, bp := range broker {
		seen[bp.InstrumentToken] = struct{}{}
		lp, ok := localByToken[bp.InstrumentToken]
		if !ok {
			mismatches = append(mismatches, core.PositionMismatch{
				Type:            core.MismatchMissingLocal,
				Resolution:      core.ResolutionAutoSync,
				InstrumentToken: bp.InstrumentToken,
				TradingSymbol:   bp.TradingSymbol,
				BrokerQuantity:  bp.Quantity,
				BrokerAvgPrice:  bp.AveragePrice,
			})
			continue
		}
		if bp.Quantity != lp.Quantity {
			mismatches = append(mismatches, core.PositionMismatch{
				Type:            core.MismatchQuantity,
				Resolution:      core.ResolutionAutoSync,
				InstrumentToken: bp.InstrumentToken,
				TradingSymbol:   bp.TradingSymbol,
				BrokerQuantity:  bp.Quantity,
				LocalQuantity:   lp.Quantity,
				BrokerAvgPrice:  bp.AveragePrice,
				LocalAvgPrice:   lp.AveragePrice,
			})
			continue
		}
		if r.priceDrifted(bp.AveragePrice, lp.AveragePrice) {
			mismatches = append(mismatches, core.PositionMismatch{
				Type:            core.MismatchPriceDrift,
				Resolution:      core.ResolutionAlertOnly,
				InstrumentToken: bp.InstrumentToken,
				TradingSymbol:   bp.TradingSymbol,
				BrokerQuantity:  bp.Quantity,
				LocalQuantity:   lp.Quantity,
				BrokerAvgPrice:  bp.AveragePrice,
				LocalAvgPrice:   lp.AveragePrice,
			})
		}
	}

	for _, lp := range local {
		if _, ok := seen[lp.InstrumentToken]; ok {
			continue
		}
		mismatches = append(mismatches, core.PositionMismatch{
			Type:            core.MismatchMissingBroker,
			Resolution:      core.ResolutionAutoSync,
			InstrumentToken: lp.InstrumentToken,
			TradingSymbol:   lp.TradingSymbol,
			LocalQuantity:   lp.Quantity,
			LocalAvgPrice:   lp.AveragePrice,
		})
	}
	return mismatches
}

// priceDrifted is strictly greater-than: a drift of exactly the tolerance
// passes.
func (r *Reconciler) priceDrifted(brokerPrice, localPrice decimal.Decimal) bool {
	if localPrice.IsZero() {
		return false
	}
	drift := brokerPrice.Sub(localPrice).Abs().Div(localPrice)
	return drift.GreaterThan(r.cfg.PriceDriftTolerance)
}

// resolve heals one mismatch. The broker side is authoritative for
// AUTO_SYNC; PRICE_DRIFT never mutates local state.
func (r *Reconciler) resolve(ctx context.Context, m *core.PositionMismatch, broker, local []core.Position) {
	telemetry.GetGlobalMetrics().IncReconMismatches(ctx, attribute.String("type", string(m.Type)))

	if m.Resolution != core.ResolutionAutoSync {
		return
	}
	switch m.Type {
	case core.MismatchQuantity, core.MismatchMissingLocal:
		for _, bp := range broker {
			if bp.InstrumentToken != m.InstrumentToken {
				continue
			}
			if bp.ID == "" {
				bp.ID = bp.TradingSymbol
			}
			if err := r.positions.Save(ctx, bp); err != nil {
				r.logger.Error("Auto-sync save failed",
					"symbol", m.TradingSymbol, "error", err)
			}
			return
		}
	case core.MismatchMissingBroker:
		for _, lp := range local {
			if lp.InstrumentToken != m.InstrumentToken {
				continue
			}
			if err := r.positions.Delete(ctx, lp.ID); err != nil {
				r.logger.Error("Auto-sync delete failed",
					"symbol", m.TradingSymbol, "error", err)
			}
			return
		}
	}
}

func mismatchSeverity(t core.MismatchType) alert.AlertLevel {
	switch t {
	case core.MismatchMissingBroker:
		return alert.Critical
	case core.MismatchQuantity, core.MismatchMissingLocal:
		return alert.Warning
	default:
		return alert.Info
	}
}

func (r *Reconciler) publish(ctx context.Context, result *core.ReconciliationResult) {
	r.bus.Publish(core.ReconciliationEvent{
		Result: *result,
		Manual: result.Trigger == TriggerManual,
	})
	if r.alerts == nil {
		return
	}
	for _, m := range result.Mismatches {
		r.alerts.Alert(ctx, "Position mismatch",
			fmt.Sprintf("%s on %s: broker qty %d, local qty %d",
				m.Type, m.TradingSymbol, m.BrokerQuantity, m.LocalQuantity),
			mismatchSeverity(m.Type),
			map[string]string{
				"symbol":     m.TradingSymbol,
				"resolution": string(m.Resolution),
			})
	}
}
