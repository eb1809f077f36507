package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"options_trader/internal/core"
	"options_trader/internal/indicator"
	"options_trader/internal/mock"
)

// fakeExecutor records executed groups and reports scripted success.
type fakeExecutor struct {
	groups  [][]core.OrderRequest
	ops     []string
	succeed bool
}

func (f *fakeExecutor) record(operation string, legs []core.OrderRequest) (*core.MultiLegResult, error) {
	f.groups = append(f.groups, legs)
	f.ops = append(f.ops, operation)
	return &core.MultiLegResult{GroupID: "grp-1", Operation: operation, Success: f.succeed}, nil
}

func (f *fakeExecutor) ExecuteSequential(ctx context.Context, strategyID, operation string, legs []core.OrderRequest) (*core.MultiLegResult, error) {
	return f.record(operation, legs)
}

func (f *fakeExecutor) ExecuteParallel(ctx context.Context, strategyID, operation string, legs []core.OrderRequest) (*core.MultiLegResult, error) {
	return f.record(operation, legs)
}

func (f *fakeExecutor) ExecuteBuyFirst(ctx context.Context, strategyID, operation string, legs []core.OrderRequest, fillTimeout time.Duration) (*core.MultiLegResult, error) {
	return f.record(operation, legs)
}

func condorConfig() IronCondorConfig {
	return IronCondorConfig{
		InstrumentToken: 101,
		Legs: []core.OrderRequest{
			{TradingSymbol: "NIFTY-SELL-PE", Side: core.SideSell, Quantity: 50},
			{TradingSymbol: "NIFTY-BUY-PE", Side: core.SideBuy, Quantity: 50},
			{TradingSymbol: "NIFTY-SELL-CE", Side: core.SideSell, Quantity: 50},
			{TradingSymbol: "NIFTY-BUY-CE", Side: core.SideBuy, Quantity: 50},
		},
		EntryRSILow:    decimal.NewFromInt(40),
		EntryRSIHigh:   decimal.NewFromInt(60),
		LowerBreakeven: decimal.NewFromInt(21500),
		UpperBreakeven: decimal.NewFromInt(22500),
		MaxLoss:        decimal.NewFromInt(10000),
		FillTimeout:    time.Second,
	}
}

func snap(token int64, spot float64) core.MarketSnapshot {
	return core.MarketSnapshot{InstrumentToken: token, SpotPrice: decimal.NewFromFloat(spot)}
}

func TestIronCondorEntersOnNeutralRSI(t *testing.T) {
	cache := indicator.NewCache()
	exec := &fakeExecutor{succeed: true}
	s := NewIronCondor("ic-1", "condor", condorConfig(), cache, exec, mock.NewLogger())
	s.SetStatus(core.StrategyStatusArmed)

	// No RSI yet: stays armed.
	require.NoError(t, s.Evaluate(context.Background(), snap(101, 22000)))
	assert.Equal(t, core.StrategyStatusArmed, s.Status())

	// Trending RSI: no entry.
	cache.Put(101, "RSI:14", decimal.NewFromInt(75))
	require.NoError(t, s.Evaluate(context.Background(), snap(101, 22000)))
	assert.Empty(t, exec.groups)

	// Neutral RSI: all four legs go out and the strategy activates.
	cache.Put(101, "RSI:14", decimal.NewFromInt(52))
	require.NoError(t, s.Evaluate(context.Background(), snap(101, 22000)))
	require.Len(t, exec.groups, 1)
	assert.Len(t, exec.groups[0], 4)
	assert.Equal(t, "DEPLOY", exec.ops[0])
	assert.Equal(t, core.StrategyStatusActive, s.Status())
}

func TestIronCondorStaysArmedWhenEntryFails(t *testing.T) {
	cache := indicator.NewCache()
	cache.Put(101, "RSI:14", decimal.NewFromInt(50))
	exec := &fakeExecutor{succeed: false}
	s := NewIronCondor("ic-1", "condor", condorConfig(), cache, exec, mock.NewLogger())
	s.SetStatus(core.StrategyStatusArmed)

	require.NoError(t, s.Evaluate(context.Background(), snap(101, 22000)))
	assert.Equal(t, core.StrategyStatusArmed, s.Status())
}

func TestIronCondorExitsOnBreakevenBreach(t *testing.T) {
	cache := indicator.NewCache()
	exec := &fakeExecutor{succeed: true}
	s := NewIronCondor("ic-1", "condor", condorConfig(), cache, exec, mock.NewLogger())
	s.SetStatus(core.StrategyStatusActive)
	s.UpsertPosition(core.Position{ID: "p1", InstrumentToken: 1, TradingSymbol: "NIFTY-SELL-PE", Quantity: -50})

	// Inside the range: nothing happens.
	require.NoError(t, s.Evaluate(context.Background(), snap(101, 22000)))
	assert.Empty(t, exec.groups)

	// Upper breach: closing legs flip the position side.
	require.NoError(t, s.Evaluate(context.Background(), snap(101, 22600)))
	require.Len(t, exec.groups, 1)
	require.Len(t, exec.groups[0], 1)
	assert.Equal(t, core.SideBuy, exec.groups[0][0].Side, "short position closes with a BUY")
	assert.Equal(t, int64(50), exec.groups[0][0].Quantity)
	assert.Equal(t, "EXIT", exec.ops[0])
	assert.Equal(t, core.StrategyStatusClosed, s.Status())
}

func TestIronCondorExitsOnMaxLoss(t *testing.T) {
	cache := indicator.NewCache()
	exec := &fakeExecutor{succeed: true}
	s := NewIronCondor("ic-1", "condor", condorConfig(), cache, exec, mock.NewLogger())
	s.SetStatus(core.StrategyStatusActive)
	loss := decimal.NewFromInt(-12000)
	s.UpsertPosition(core.Position{ID: "p1", Quantity: -50, UnrealizedPnl: &loss})

	require.NoError(t, s.Evaluate(context.Background(), snap(101, 22000)))
	assert.Equal(t, core.StrategyStatusClosed, s.Status())
}

func TestIronCondorIgnoresForeignInstrument(t *testing.T) {
	cache := indicator.NewCache()
	cache.Put(101, "RSI:14", decimal.NewFromInt(50))
	exec := &fakeExecutor{succeed: true}
	s := NewIronCondor("ic-1", "condor", condorConfig(), cache, exec, mock.NewLogger())
	s.SetStatus(core.StrategyStatusArmed)

	require.NoError(t, s.Evaluate(context.Background(), snap(999, 22000)))
	assert.Empty(t, exec.groups)
}

func TestShortStraddleEntersOnNarrowBands(t *testing.T) {
	cache := indicator.NewCache()
	exec := &fakeExecutor{succeed: true}
	cfg := ShortStraddleConfig{
		InstrumentToken: 101,
		Legs: []core.OrderRequest{
			{TradingSymbol: "NIFTY-CE", Side: core.SideSell, Quantity: 50},
			{TradingSymbol: "NIFTY-PE", Side: core.SideSell, Quantity: 50},
		},
		Strike:       decimal.NewFromInt(22000),
		MaxBandWidth: decimal.NewFromFloat(0.01),
		ExitPoints:   decimal.NewFromInt(200),
		FillTimeout:  time.Second,
	}
	s := NewShortStraddle("ss-1", "straddle", cfg, cache, exec, mock.NewLogger())
	s.SetStatus(core.StrategyStatusArmed)

	// Wide bands: width 400/22000 > 1%.
	cache.PutAll(101, map[string]decimal.Decimal{
		"BOLLINGER:20:upper":  decimal.NewFromInt(22200),
		"BOLLINGER:20:middle": decimal.NewFromInt(22000),
		"BOLLINGER:20:lower":  decimal.NewFromInt(21800),
	})
	require.NoError(t, s.Evaluate(context.Background(), snap(101, 22000)))
	assert.Empty(t, exec.groups)

	// Narrow bands: 100/22000 < 1%.
	cache.PutAll(101, map[string]decimal.Decimal{
		"BOLLINGER:20:upper": decimal.NewFromInt(22050),
		"BOLLINGER:20:lower": decimal.NewFromInt(21950),
	})
	require.NoError(t, s.Evaluate(context.Background(), snap(101, 22000)))
	require.Len(t, exec.groups, 1)
	assert.Equal(t, core.StrategyStatusActive, s.Status())
}

func TestShortStraddleExitsOnDrift(t *testing.T) {
	cache := indicator.NewCache()
	exec := &fakeExecutor{succeed: true}
	cfg := ShortStraddleConfig{
		InstrumentToken: 101,
		Strike:          decimal.NewFromInt(22000),
		ExitPoints:      decimal.NewFromInt(200),
	}
	s := NewShortStraddle("ss-1", "straddle", cfg, cache, exec, mock.NewLogger())
	s.SetStatus(core.StrategyStatusActive)

	require.NoError(t, s.Evaluate(context.Background(), snap(101, 22150)))
	assert.Equal(t, core.StrategyStatusActive, s.Status())

	require.NoError(t, s.Evaluate(context.Background(), snap(101, 21799)))
	assert.Equal(t, core.StrategyStatusClosed, s.Status())
}

func TestVerticalSpreadEntryFollowsTrend(t *testing.T) {
	cache := indicator.NewCache()
	exec := &fakeExecutor{succeed: true}
	cfg := VerticalSpreadConfig{
		InstrumentToken: 101,
		Direction:       SpreadBullPut,
		Legs: []core.OrderRequest{
			{TradingSymbol: "NIFTY-SELL-PE", Side: core.SideSell, Quantity: 50},
			{TradingSymbol: "NIFTY-BUY-PE", Side: core.SideBuy, Quantity: 50},
		},
		FillTimeout: time.Second,
	}
	s := NewVerticalSpread("vs-1", "bull put", cfg, cache, exec, mock.NewLogger())
	assert.Equal(t, core.StrategyTypeBullPutSpread, s.Type())
	s.SetStatus(core.StrategyStatusArmed)

	// Downtrend: bull put stays out.
	cache.Put(101, "EMA:21", decimal.NewFromInt(21900))
	cache.Put(101, "SMA:20", decimal.NewFromInt(22000))
	require.NoError(t, s.Evaluate(context.Background(), snap(101, 21950)))
	assert.Empty(t, exec.groups)

	// Uptrend: enter.
	cache.Put(101, "EMA:21", decimal.NewFromInt(22100))
	require.NoError(t, s.Evaluate(context.Background(), snap(101, 22050)))
	require.Len(t, exec.groups, 1)
	assert.Equal(t, core.StrategyStatusActive, s.Status())
}

func TestVerticalSpreadExitsOnProfitTarget(t *testing.T) {
	cache := indicator.NewCache()
	exec := &fakeExecutor{succeed: true}
	cfg := VerticalSpreadConfig{
		InstrumentToken: 101,
		Direction:       SpreadBearCall,
		ProfitTarget:    decimal.NewFromInt(5000),
	}
	s := NewVerticalSpread("vs-1", "bear call", cfg, cache, exec, mock.NewLogger())
	assert.Equal(t, core.StrategyTypeBearCallSpread, s.Type())
	s.SetStatus(core.StrategyStatusActive)
	gain := decimal.NewFromInt(6000)
	s.UpsertPosition(core.Position{ID: "p1", Quantity: -50, UnrealizedPnl: &gain})

	require.NoError(t, s.Evaluate(context.Background(), snap(101, 22000)))
	assert.Equal(t, core.StrategyStatusClosed, s.Status())
}

func TestScalperEntryAndStop(t *testing.T) {
	cache := indicator.NewCache()
	exec := &fakeExecutor{succeed: true}
	cfg := ScalperConfig{
		InstrumentToken: 101,
		Leg:             core.OrderRequest{TradingSymbol: "NIFTY-CE", Side: core.SideBuy, Quantity: 50},
		EntryRSI:        decimal.NewFromInt(60),
		TargetPoints:    decimal.NewFromInt(30),
		StopPoints:      decimal.NewFromInt(15),
	}
	s := NewScalper("sc-1", "scalper", cfg, cache, exec, mock.NewLogger())
	s.SetStatus(core.StrategyStatusArmed)

	// Supertrend above spot: no momentum entry.
	cache.Put(101, "SUPERTREND:10:value", decimal.NewFromInt(22100))
	cache.Put(101, "RSI:14", decimal.NewFromInt(65))
	require.NoError(t, s.Evaluate(context.Background(), snap(101, 22000)))
	assert.Empty(t, exec.groups)

	// Trigger: supertrend below spot, RSI above threshold.
	cache.Put(101, "SUPERTREND:10:value", decimal.NewFromInt(21900))
	require.NoError(t, s.Evaluate(context.Background(), snap(101, 22000)))
	require.Len(t, exec.groups, 1)
	assert.Equal(t, core.StrategyStatusActive, s.Status())

	// Stop: 16 points against the entry.
	require.NoError(t, s.Evaluate(context.Background(), snap(101, 21984)))
	assert.Equal(t, core.StrategyStatusClosed, s.Status())
}

func TestBasePositionBookDropsFlatPositions(t *testing.T) {
	b := newBase("s1", "s1", core.StrategyTypeScalper)
	b.UpsertPosition(core.Position{ID: "p1", Quantity: 50})
	b.UpsertPosition(core.Position{ID: "p1", Quantity: 0})
	assert.Empty(t, b.Positions())
}
