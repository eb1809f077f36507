package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"options_trader/internal/core"
)

const timeSeriesKeyPrefix = "algo:ts:"

// RedisTimeSeriesStore implements core.ITimeSeriesStore on redis sorted
// sets: one set per algo:ts:<metric>:<instrument> key, scored by unix
// milliseconds. Samples older than the retention window are trimmed on
// every append.
type RedisTimeSeriesStore struct {
	client    *redis.Client
	retention time.Duration
	logger    core.ILogger
}

func NewRedisTimeSeriesStore(client *redis.Client, retention time.Duration, logger core.ILogger) *RedisTimeSeriesStore {
	return &RedisTimeSeriesStore{
		client:    client,
		retention: retention,
		logger:    logger.WithField("component", "timeseries_store"),
	}
}

func tsKey(metric string, token int64) string {
	return timeSeriesKeyPrefix + metric + ":" + strconv.FormatInt(token, 10)
}

// Append writes one sample and trims anything past the retention window.
// The member embeds the timestamp so equal values at different instants
// remain distinct set members.
func (s *RedisTimeSeriesStore) Append(ctx context.Context, metric string, instrumentToken int64, at time.Time, value decimal.Decimal) error {
	key := tsKey(metric, instrumentToken)
	ms := at.UnixMilli()
	member := strconv.FormatInt(ms, 10) + ":" + value.String()

	pipe := s.client.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(ms), Member: member})
	if s.retention > 0 {
		cutoff := at.Add(-s.retention).UnixMilli()
		pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(cutoff, 10))
		pipe.Expire(ctx, key, s.retention)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append %s: %w", key, err)
	}
	return nil
}

// Range queries samples in [from, to] and aggregates them into fixed
// buckets. Supported aggregators: avg, min, max, sum, last. A zero bucket
// returns the raw samples.
func (s *RedisTimeSeriesStore) Range(ctx context.Context, metric string, instrumentToken int64, from, to time.Time, aggregator string, bucket time.Duration) ([]core.TimeSeriesPoint, error) {
	key := tsKey(metric, instrumentToken)
	members, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: strconv.FormatInt(from.UnixMilli(), 10),
		Max: strconv.FormatInt(to.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("range %s: %w", key, err)
	}

	raw := make([]core.TimeSeriesPoint, 0, len(members))
	for _, m := range members {
		p, err := parseMember(m)
		if err != nil {
			return nil, fmt.Errorf("range %s: %w", key, err)
		}
		raw = append(raw, p)
	}
	if bucket <= 0 {
		return raw, nil
	}
	return aggregate(raw, aggregator, bucket)
}

func parseMember(m string) (core.TimeSeriesPoint, error) {
	idx := strings.IndexByte(m, ':')
	if idx < 0 {
		return core.TimeSeriesPoint{}, fmt.Errorf("malformed sample %q", m)
	}
	ms, err := strconv.ParseInt(m[:idx], 10, 64)
	if err != nil {
		return core.TimeSeriesPoint{}, fmt.Errorf("malformed sample timestamp %q", m)
	}
	v, err := decimal.NewFromString(m[idx+1:])
	if err != nil {
		return core.TimeSeriesPoint{}, fmt.Errorf("malformed sample value %q", m)
	}
	return core.TimeSeriesPoint{At: time.UnixMilli(ms), Value: v}, nil
}

func aggregate(points []core.TimeSeriesPoint, aggregator string, bucket time.Duration) ([]core.TimeSeriesPoint, error) {
	if len(points) == 0 {
		return nil, nil
	}
	groups := make(map[int64][]decimal.Decimal)
	for _, p := range points {
		b := p.At.Truncate(bucket).UnixMilli()
		groups[b] = append(groups[b], p.Value)
	}

	keys := make([]int64, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	out := make([]core.TimeSeriesPoint, 0, len(keys))
	for _, k := range keys {
		vals := groups[k]
		var v decimal.Decimal
		switch strings.ToLower(aggregator) {
		case "avg", "":
			sum := decimal.Zero
			for _, x := range vals {
				sum = sum.Add(x)
			}
			v = sum.Div(decimal.NewFromInt(int64(len(vals))))
		case "sum":
			for _, x := range vals {
				v = v.Add(x)
			}
		case "min":
			v = vals[0]
			for _, x := range vals[1:] {
				if x.LessThan(v) {
					v = x
				}
			}
		case "max":
			v = vals[0]
			for _, x := range vals[1:] {
				if x.GreaterThan(v) {
					v = x
				}
			}
		case "last":
			v = vals[len(vals)-1]
		default:
			return nil, fmt.Errorf("unknown aggregator %q", aggregator)
		}
		out = append(out, core.TimeSeriesPoint{At: time.UnixMilli(k), Value: v})
	}
	return out, nil
}
