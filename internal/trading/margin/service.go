// Package margin serves cached account margin snapshots and watches
// utilization against the configured ceiling.
package margin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"options_trader/internal/core"
	apperrors "options_trader/pkg/errors"
	"options_trader/pkg/retry"
)

// Config bounds the snapshot cache and the utilization check.
type Config struct {
	CacheTTL             time.Duration
	MaxMarginUtilization *decimal.Decimal // fraction of total margin, nil disables the check
}

// Service implements core.IMarginService. Broker margin calls are slow and
// rate-limited, so snapshots are cached for a short TTL.
type Service struct {
	gateway core.IBrokerGateway
	bus     core.IEventBus
	cfg     Config
	logger  core.ILogger
	now     func() time.Time

	mu     sync.Mutex
	cached *core.MarginSnapshot
}

func NewService(gateway core.IBrokerGateway, bus core.IEventBus, cfg Config, logger core.ILogger) *Service {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Second
	}
	return &Service{
		gateway: gateway,
		bus:     bus,
		cfg:     cfg,
		logger:  logger.WithField("component", "margin_service"),
		now:     time.Now,
	}
}

// Snapshot returns the cached margin view, refreshing from the broker when
// the cache has gone stale. A stale snapshot is served only if the refresh
// itself fails and something is cached at all.
func (s *Service) Snapshot(ctx context.Context) (*core.MarginSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil && s.now().Sub(s.cached.FetchedAt) < s.cfg.CacheTTL {
		return s.cached, nil
	}

	var fresh *core.MarginSnapshot
	err := retry.Do(ctx, retry.DefaultPolicy, apperrors.IsTransient, func() error {
		var gerr error
		fresh, gerr = s.gateway.GetMargins(ctx)
		return gerr
	})
	if err != nil {
		if s.cached != nil {
			s.logger.Warn("Margin refresh failed, serving stale snapshot",
				"age", s.now().Sub(s.cached.FetchedAt), "error", err)
			return s.cached, nil
		}
		return nil, fmt.Errorf("fetch margins: %w", err)
	}

	if fresh.FetchedAt.IsZero() {
		fresh.FetchedAt = s.now()
	}
	s.cached = fresh
	s.logger.Debug("Margin snapshot refreshed",
		"available", fresh.Available, "used", fresh.Used)
	return fresh, nil
}

// Invalidate drops the cache so the next Snapshot refetches, used after
// large fills change the margin picture.
func (s *Service) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = nil
}

func (s *Service) OrderMargin(ctx context.Context, req core.OrderRequest) (decimal.Decimal, error) {
	m, err := s.gateway.GetOrderMargin(ctx, req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("order margin for %s: %w", req.TradingSymbol, err)
	}
	return m, nil
}

func (s *Service) BasketMargin(ctx context.Context, reqs []core.OrderRequest) (decimal.Decimal, error) {
	m, err := s.gateway.GetBasketMargin(ctx, reqs)
	if err != nil {
		return decimal.Zero, fmt.Errorf("basket margin for %d legs: %w", len(reqs), err)
	}
	return m, nil
}

// CheckUtilization compares used margin against the total and publishes a
// RiskEvent when the configured ceiling is crossed. The error return lets
// periodic monitors surface the breach.
func (s *Service) CheckUtilization(ctx context.Context) error {
	if s.cfg.MaxMarginUtilization == nil {
		return nil
	}
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return err
	}

	total := snap.Used.Add(snap.Available)
	if !total.IsPositive() {
		return nil
	}
	utilization := snap.Used.Div(total)
	if utilization.LessThanOrEqual(*s.cfg.MaxMarginUtilization) {
		return nil
	}

	s.logger.Warn("Margin utilization above ceiling",
		"utilization", utilization, "ceiling", *s.cfg.MaxMarginUtilization)
	s.bus.Publish(core.NewRiskEvent(core.RiskLevelCritical, "MARGIN_UTILIZATION_EXCEEDED",
		fmt.Sprintf("margin utilization %s exceeds ceiling %s",
			utilization.Round(4), s.cfg.MaxMarginUtilization),
		map[string]string{
			"used":      snap.Used.String(),
			"available": snap.Available.String(),
		}))
	return fmt.Errorf("margin utilization %s exceeds ceiling %s",
		utilization.Round(4), s.cfg.MaxMarginUtilization)
}
