package store

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"options_trader/internal/core"
)

func TestTimeSeriesKeyFormat(t *testing.T) {
	assert.Equal(t, "algo:ts:spot_price:256265", tsKey("spot_price", 256265))
}

func TestParseMember(t *testing.T) {
	p, err := parseMember("1736066700000:123.45")
	require.NoError(t, err)
	assert.Equal(t, int64(1736066700000), p.At.UnixMilli())
	assert.True(t, p.Value.Equal(decimal.RequireFromString("123.45")))

	_, err = parseMember("no-colon")
	assert.Error(t, err)
}

func TestAggregateBuckets(t *testing.T) {
	base := time.Date(2026, 1, 5, 9, 15, 0, 0, time.UTC)
	points := []core.TimeSeriesPoint{
		{At: base, Value: decimal.NewFromInt(10)},
		{At: base.Add(30 * time.Second), Value: decimal.NewFromInt(20)},
		{At: base.Add(90 * time.Second), Value: decimal.NewFromInt(40)},
	}

	avg, err := aggregate(points, "avg", time.Minute)
	require.NoError(t, err)
	require.Len(t, avg, 2)
	assert.True(t, avg[0].Value.Equal(decimal.NewFromInt(15)))
	assert.True(t, avg[1].Value.Equal(decimal.NewFromInt(40)))

	max, err := aggregate(points, "max", time.Minute)
	require.NoError(t, err)
	assert.True(t, max[0].Value.Equal(decimal.NewFromInt(20)))

	sum, err := aggregate(points, "sum", time.Minute)
	require.NoError(t, err)
	assert.True(t, sum[0].Value.Equal(decimal.NewFromInt(30)))

	_, err = aggregate(points, "median", time.Minute)
	assert.Error(t, err)
}
