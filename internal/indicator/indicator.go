// Package indicator implements the tick-to-bar-to-indicator pipeline and its
// concurrent value cache.
package indicator

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"options_trader/internal/core"
)

// Type tags the supported indicator families.
type Type string

const (
	TypeRSI        Type = "RSI"
	TypeEMA        Type = "EMA"
	TypeSMA        Type = "SMA"
	TypeMACD       Type = "MACD"
	TypeBollinger  Type = "BOLLINGER"
	TypeSupertrend Type = "SUPERTREND"
	TypeVWAP       Type = "VWAP"
	TypeATR        Type = "ATR"
	TypeStochastic Type = "STOCHASTIC"
	TypeLTP        Type = "LTP"
)

// ErrInsufficientBars signals that the series is still too short for the
// requested period. Callers log at debug and move on.
var ErrInsufficientBars = errors.New("insufficient bars for indicator period")

// Definition is one configured indicator: a type tag plus its parameters.
type Definition struct {
	Type   Type
	Params map[string]float64
}

// param returns a parameter or its default.
func (d Definition) param(name string, def float64) float64 {
	if v, ok := d.Params[name]; ok {
		return v
	}
	return def
}

// Period returns the definition's primary period with type defaults applied
// (RSI 14, EMA 21, SMA 20, MACD 12/26/9, BOLLINGER 20/2.0, SUPERTREND
// 10/3.0, ATR 14, STOCHASTIC 14).
func (d Definition) Period() int {
	switch d.Type {
	case TypeRSI:
		return int(d.param("period", 14))
	case TypeEMA:
		return int(d.param("period", 21))
	case TypeSMA:
		return int(d.param("period", 20))
	case TypeMACD:
		return int(d.param("slow", 26))
	case TypeBollinger:
		return int(d.param("period", 20))
	case TypeSupertrend:
		return int(d.param("period", 10))
	case TypeATR:
		return int(d.param("period", 14))
	case TypeStochastic:
		return int(d.param("period", 14))
	default:
		return 0
	}
}

// Keys lists the cache keys this definition produces. Single-output
// indicators produce TYPE:period; multi-output produce TYPE:period:field.
// VWAP and LTP have no period and use the bare type tag.
func (d Definition) Keys() []string {
	base := string(d.Type) + ":" + strconv.Itoa(d.Period())
	switch d.Type {
	case TypeBollinger:
		return []string{base + ":upper", base + ":middle", base + ":lower"}
	case TypeMACD:
		return []string{base + ":value", base + ":signal"}
	case TypeSupertrend:
		return []string{base + ":value", base + ":upper", base + ":lower"}
	case TypeStochastic:
		return []string{base + ":k", base + ":d"}
	case TypeVWAP, TypeLTP:
		return []string{string(d.Type)}
	default:
		return []string{base}
	}
}

// Compute evaluates the indicator at the last bar of the series. The result
// maps each cache key to its value rounded to 4 decimal places, half-up.
func (d Definition) Compute(bars []core.Bar) (map[string]decimal.Decimal, error) {
	var raw map[string]float64
	var err error

	switch d.Type {
	case TypeRSI:
		raw, err = computeRSI(bars, d.Period())
	case TypeEMA:
		raw, err = computeEMA(bars, d.Period())
	case TypeSMA:
		raw, err = computeSMA(bars, d.Period())
	case TypeMACD:
		raw, err = computeMACD(bars, int(d.param("fast", 12)), int(d.param("slow", 26)), int(d.param("signal", 9)))
	case TypeBollinger:
		raw, err = computeBollinger(bars, d.Period(), d.param("stddev", 2.0))
	case TypeSupertrend:
		raw, err = computeSupertrend(bars, d.Period(), d.param("multiplier", 3.0))
	case TypeVWAP:
		raw, err = computeVWAP(bars)
	case TypeATR:
		raw, err = computeATR(bars, d.Period())
	case TypeStochastic:
		raw, err = computeStochastic(bars, d.Period(), int(d.param("smooth", 3)))
	case TypeLTP:
		raw, err = computeLTP(bars)
	default:
		return nil, fmt.Errorf("unknown indicator type: %s", d.Type)
	}
	if err != nil {
		return nil, err
	}

	keys := d.Keys()
	out := make(map[string]decimal.Decimal, len(keys))
	for _, key := range keys {
		field := fieldOf(key)
		v, ok := raw[field]
		if !ok {
			return nil, fmt.Errorf("indicator %s produced no field %q", d.Type, field)
		}
		out[key] = decimal.NewFromFloat(v).Round(4)
	}
	return out, nil
}

// fieldOf extracts the output field from a cache key; single-output keys map
// to the "value" field.
func fieldOf(key string) string {
	colons := 0
	last := ""
	start := 0
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			colons++
			start = i + 1
		}
	}
	last = key[start:]
	if colons < 2 {
		return "value"
	}
	return last
}

// Metadata describes one indicator family for enumeration by UIs.
type Metadata struct {
	Type          Type
	DisplayName   string
	ValueRange    string
	OutputFields  []string
	DefaultParams map[string]float64
}

// AllMetadata enumerates every supported indicator with defaults.
func AllMetadata() []Metadata {
	return []Metadata{
		{TypeRSI, "Relative Strength Index", "0-100", []string{"value"}, map[string]float64{"period": 14}},
		{TypeEMA, "Exponential Moving Average", "price", []string{"value"}, map[string]float64{"period": 21}},
		{TypeSMA, "Simple Moving Average", "price", []string{"value"}, map[string]float64{"period": 20}},
		{TypeMACD, "MACD", "unbounded", []string{"value", "signal"}, map[string]float64{"fast": 12, "slow": 26, "signal": 9}},
		{TypeBollinger, "Bollinger Bands", "price", []string{"upper", "middle", "lower"}, map[string]float64{"period": 20, "stddev": 2.0}},
		{TypeSupertrend, "Supertrend", "price", []string{"value", "upper", "lower"}, map[string]float64{"period": 10, "multiplier": 3.0}},
		{TypeVWAP, "Volume Weighted Average Price", "price", []string{"value"}, nil},
		{TypeATR, "Average True Range", ">=0", []string{"value"}, map[string]float64{"period": 14}},
		{TypeStochastic, "Stochastic Oscillator", "0-100", []string{"k", "d"}, map[string]float64{"period": 14, "smooth": 3}},
		{TypeLTP, "Last Traded Price", "price", []string{"value"}, nil},
	}
}
