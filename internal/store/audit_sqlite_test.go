package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"options_trader/internal/core"
	"options_trader/internal/mock"
)

func newAudit(t *testing.T) *SQLiteAuditStore {
	t.Helper()
	s, err := NewSQLiteAuditStore(filepath.Join(t.TempDir(), "audit.db"), mock.NewLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMorphPlanLifecycle(t *testing.T) {
	s := newAudit(t)
	ctx := context.Background()

	plan := &core.MorphPlanEntry{
		ID:               "plan-1",
		SourceStrategyID: "strat-1",
		Status:           core.MorphPlanStatusExecuting,
	}
	require.NoError(t, s.SaveMorphPlan(ctx, plan))

	executing, err := s.FindMorphPlansByStatus(ctx, core.MorphPlanStatusExecuting)
	require.NoError(t, err)
	require.Len(t, executing, 1)

	plan.Status = core.MorphPlanStatusCompleted
	require.NoError(t, s.UpdateMorphPlan(ctx, plan))

	executing, err = s.FindMorphPlansByStatus(ctx, core.MorphPlanStatusExecuting)
	require.NoError(t, err)
	assert.Empty(t, executing)
}

func TestMorphHistoryLineageQueries(t *testing.T) {
	s := newAudit(t)
	ctx := context.Background()
	pnl := decimal.NewFromInt(1500)

	require.NoError(t, s.SaveMorphHistory(ctx, core.MorphHistoryEntry{
		ParentStrategyID: "strat-1",
		ChildStrategyID:  "strat-2",
		ParentType:       core.StrategyTypeIronCondor,
		ChildType:        core.StrategyTypeBullPutSpread,
		ParentPnlAtMorph: &pnl,
		Reason:           "breached call side",
	}))
	require.NoError(t, s.SaveMorphHistory(ctx, core.MorphHistoryEntry{
		ParentStrategyID: "strat-1",
		ChildStrategyID:  "strat-3",
		ParentType:       core.StrategyTypeIronCondor,
		ChildType:        core.StrategyTypeBearCallSpread,
	}))

	edge, err := s.FindMorphHistoryByChild(ctx, "strat-2")
	require.NoError(t, err)
	require.NotNil(t, edge)
	assert.Equal(t, "strat-1", edge.ParentStrategyID)
	require.NotNil(t, edge.ParentPnlAtMorph)
	assert.True(t, edge.ParentPnlAtMorph.Equal(pnl))

	children, err := s.FindMorphHistoryByParent(ctx, "strat-1")
	require.NoError(t, err)
	assert.Len(t, children, 2)

	missing, err := s.FindMorphHistoryByChild(ctx, "strat-404")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestDailyPnlUpsert(t *testing.T) {
	s := newAudit(t)
	ctx := context.Background()

	require.NoError(t, s.SaveDailyPnl(ctx, core.DailyPnlSnapshot{
		Date:        "2026-01-05",
		RealisedPnl: decimal.NewFromInt(100),
	}))
	require.NoError(t, s.SaveDailyPnl(ctx, core.DailyPnlSnapshot{
		Date:        "2026-01-05",
		RealisedPnl: decimal.NewFromInt(250),
	}))

	row := s.db.QueryRow(`SELECT realised_pnl FROM daily_pnl WHERE date = ?`, "2026-01-05")
	var pnl string
	require.NoError(t, row.Scan(&pnl))
	assert.Equal(t, "250", pnl)
}

func TestDecisionAndFillRows(t *testing.T) {
	s := newAudit(t)
	ctx := context.Background()

	require.NoError(t, s.SaveDecision(ctx, core.DecisionRecord{
		Category:   "EXECUTION",
		StrategyID: "strat-1",
		Context:    map[string]string{"group": "grp-1", "outcome": "COMPLETED"},
	}))
	require.NoError(t, s.SaveFill(ctx, core.OrderFill{
		OrderID:         "ORD-0001",
		InstrumentToken: 101,
		Quantity:        50,
		Price:           decimal.NewFromFloat(120.5),
		FilledAt:        time.Now(),
	}))

	var decisions, fills int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM decisions`).Scan(&decisions))
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM fills`).Scan(&fills))
	assert.Equal(t, 1, decisions)
	assert.Equal(t, 1, fills)
}

func TestBatchSavesWriteAllRows(t *testing.T) {
	s := newAudit(t)
	ctx := context.Background()

	require.NoError(t, s.SaveFills(ctx, []core.OrderFill{
		{OrderID: "ORD-0001", InstrumentToken: 101, Quantity: 50, Price: decimal.NewFromInt(100), FilledAt: time.Now()},
		{OrderID: "ORD-0002", InstrumentToken: 101, Quantity: 25, Price: decimal.NewFromInt(101), FilledAt: time.Now()},
	}))
	require.NoError(t, s.SaveDecisions(ctx, []core.DecisionRecord{
		{Category: "EXECUTION", StrategyID: "strat-1"},
		{Category: "RISK", StrategyID: "strat-1"},
	}))
	require.NoError(t, s.SaveFills(ctx, nil), "empty batch is a no-op")

	var fills, decisions int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM fills`).Scan(&fills))
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM decisions`).Scan(&decisions))
	assert.Equal(t, 2, fills)
	assert.Equal(t, 2, decisions)
}

func TestDeadLetterRow(t *testing.T) {
	s := newAudit(t)
	require.NoError(t, s.Save(context.Background(), core.DeadLetterEntry{
		EventType:  "TRADE_FLUSH",
		Payload:    `{"sequence":1,"items":[]}`,
		Status:     "PENDING",
		MaxRetries: 3,
		Error:      "disk full",
	}))
	var n int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM dead_letters`).Scan(&n))
	assert.Equal(t, 1, n)
}
