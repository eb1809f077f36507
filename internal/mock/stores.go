package mock

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"options_trader/internal/core"
)

// ErrInjected is returned by mock stores when failure injection is armed.
var ErrInjected = errors.New("injected store failure")

// JournalStore is an in-memory core.IJournalStore.
type JournalStore struct {
	mu      sync.Mutex
	nextID  int64
	Entries []core.ExecutionJournalEntry

	FailSave   bool
	FailUpdate bool
}

func NewJournalStore() *JournalStore { return &JournalStore{} }

func (s *JournalStore) Save(ctx context.Context, entry *core.ExecutionJournalEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSave {
		return ErrInjected
	}
	s.nextID++
	entry.ID = s.nextID
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	entry.UpdatedAt = time.Now()
	s.Entries = append(s.Entries, *entry)
	return nil
}

func (s *JournalStore) Update(ctx context.Context, entry *core.ExecutionJournalEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailUpdate {
		return ErrInjected
	}
	for i := range s.Entries {
		if s.Entries[i].ID == entry.ID {
			entry.UpdatedAt = time.Now()
			s.Entries[i] = *entry
			return nil
		}
	}
	return errors.New("journal entry not found")
}

func (s *JournalStore) FindByStatus(ctx context.Context, status core.JournalStatus) ([]core.ExecutionJournalEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.ExecutionJournalEntry
	for _, e := range s.Entries {
		if e.Status == status {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *JournalStore) FindByGroupID(ctx context.Context, groupID string) ([]core.ExecutionJournalEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.ExecutionJournalEntry
	for _, e := range s.Entries {
		if e.GroupID == groupID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LegIndex < out[j].LegIndex })
	return out, nil
}

// PositionStore is an in-memory core.IPositionStore.
type PositionStore struct {
	mu        sync.Mutex
	positions map[string]core.Position

	FailSave bool
}

func NewPositionStore() *PositionStore {
	return &PositionStore{positions: make(map[string]core.Position)}
}

func (s *PositionStore) Save(ctx context.Context, p core.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSave {
		return ErrInjected
	}
	s.positions[p.ID] = p
	return nil
}

func (s *PositionStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.positions, id)
	return nil
}

func (s *PositionStore) FindAll(ctx context.Context) ([]core.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// OrderStore is an in-memory core.IOrderStore.
type OrderStore struct {
	mu     sync.Mutex
	orders map[string]core.Order
}

func NewOrderStore() *OrderStore {
	return &OrderStore{orders: make(map[string]core.Order)}
}

func (s *OrderStore) Save(ctx context.Context, o core.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.BrokerOrderID] = o
	return nil
}

func (s *OrderStore) Delete(ctx context.Context, brokerOrderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.orders, brokerOrderID)
	return nil
}

func (s *OrderStore) FindAll(ctx context.Context) ([]core.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BrokerOrderID < out[j].BrokerOrderID })
	return out, nil
}

func (s *OrderStore) FindPending(ctx context.Context) ([]core.Order, error) {
	all, _ := s.FindAll(ctx)
	var out []core.Order
	for _, o := range all {
		if o.Status == core.OrderStatusOpen || o.Status == core.OrderStatusPartiallyFilled {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *OrderStore) CountPending(ctx context.Context) (int, error) {
	pending, _ := s.FindPending(ctx)
	return len(pending), nil
}

// AuditStore is an in-memory core.IAuditStore with per-method failure
// injection.
type AuditStore struct {
	mu           sync.Mutex
	Decisions    []core.DecisionRecord
	MorphPlans   map[string]core.MorphPlanEntry
	MorphHistory []core.MorphHistoryEntry
	Fills        []core.OrderFill
	DailyPnl     map[string]core.DailyPnlSnapshot

	FailSaveFill     bool
	FailSaveDecision bool
	// FailSaveFillsAt makes SaveFills fail when it reaches the Nth fill
	// (1-based). The batch is all-or-nothing, so nothing is persisted.
	FailSaveFillsAt int
}

func NewAuditStore() *AuditStore {
	return &AuditStore{
		MorphPlans: make(map[string]core.MorphPlanEntry),
		DailyPnl:   make(map[string]core.DailyPnlSnapshot),
	}
}

func (s *AuditStore) SaveDecision(ctx context.Context, rec core.DecisionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSaveDecision {
		return ErrInjected
	}
	s.Decisions = append(s.Decisions, rec)
	return nil
}

func (s *AuditStore) SaveMorphPlan(ctx context.Context, entry *core.MorphPlanEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	entry.UpdatedAt = time.Now()
	s.MorphPlans[entry.ID] = *entry
	return nil
}

func (s *AuditStore) UpdateMorphPlan(ctx context.Context, entry *core.MorphPlanEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.MorphPlans[entry.ID]; !ok {
		return errors.New("morph plan not found")
	}
	entry.UpdatedAt = time.Now()
	s.MorphPlans[entry.ID] = *entry
	return nil
}

func (s *AuditStore) FindMorphPlansByStatus(ctx context.Context, status core.MorphPlanStatus) ([]core.MorphPlanEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.MorphPlanEntry
	for _, p := range s.MorphPlans {
		if p.Status == status {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *AuditStore) SaveMorphHistory(ctx context.Context, entry core.MorphHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.MorphedAt.IsZero() {
		entry.MorphedAt = time.Now()
	}
	s.MorphHistory = append(s.MorphHistory, entry)
	return nil
}

func (s *AuditStore) FindMorphHistoryByChild(ctx context.Context, childID string) (*core.MorphHistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.MorphHistory) - 1; i >= 0; i-- {
		if s.MorphHistory[i].ChildStrategyID == childID {
			e := s.MorphHistory[i]
			return &e, nil
		}
	}
	return nil, nil
}

func (s *AuditStore) FindMorphHistoryByParent(ctx context.Context, parentID string) ([]core.MorphHistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.MorphHistoryEntry
	for _, e := range s.MorphHistory {
		if e.ParentStrategyID == parentID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *AuditStore) SaveFill(ctx context.Context, fill core.OrderFill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSaveFill {
		return ErrInjected
	}
	s.Fills = append(s.Fills, fill)
	return nil
}

func (s *AuditStore) SaveFills(ctx context.Context, fills []core.OrderFill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSaveFill {
		return ErrInjected
	}
	if s.FailSaveFillsAt > 0 && len(fills) >= s.FailSaveFillsAt {
		return ErrInjected
	}
	s.Fills = append(s.Fills, fills...)
	return nil
}

func (s *AuditStore) SaveDecisions(ctx context.Context, recs []core.DecisionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSaveDecision {
		return ErrInjected
	}
	s.Decisions = append(s.Decisions, recs...)
	return nil
}

func (s *AuditStore) SaveDailyPnl(ctx context.Context, snapshot core.DailyPnlSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DailyPnl[snapshot.Date] = snapshot
	return nil
}

// DeadLetterStore is an in-memory core.IDeadLetterStore.
type DeadLetterStore struct {
	mu      sync.Mutex
	Entries []core.DeadLetterEntry

	FailSave bool
}

func NewDeadLetterStore() *DeadLetterStore { return &DeadLetterStore{} }

func (s *DeadLetterStore) Save(ctx context.Context, entry core.DeadLetterEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSave {
		return ErrInjected
	}
	s.Entries = append(s.Entries, entry)
	return nil
}

func (s *DeadLetterStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Entries)
}

// TimeSeriesStore is an in-memory core.ITimeSeriesStore keeping raw points.
type TimeSeriesStore struct {
	mu     sync.Mutex
	points map[string][]core.TimeSeriesPoint
}

func NewTimeSeriesStore() *TimeSeriesStore {
	return &TimeSeriesStore{points: make(map[string][]core.TimeSeriesPoint)}
}

func (s *TimeSeriesStore) Append(ctx context.Context, metric string, instrumentToken int64, at time.Time, value decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := metric + ":" + strconv.FormatInt(instrumentToken, 10)
	s.points[key] = append(s.points[key], core.TimeSeriesPoint{At: at, Value: value})
	return nil
}

func (s *TimeSeriesStore) Range(ctx context.Context, metric string, instrumentToken int64, from, to time.Time, aggregator string, bucket time.Duration) ([]core.TimeSeriesPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := metric + ":" + strconv.FormatInt(instrumentToken, 10)
	var out []core.TimeSeriesPoint
	for _, p := range s.points[key] {
		if !p.At.Before(from) && !p.At.After(to) {
			out = append(out, p)
		}
	}
	return out, nil
}
