// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App            AppConfig            `yaml:"app"`
	System         SystemConfig         `yaml:"system"`
	Indicators     IndicatorsConfig     `yaml:"indicators"`
	Risk           RiskConfig           `yaml:"risk"`
	Morph          MorphConfig          `yaml:"morph"`
	PositionSizing PositionSizingConfig `yaml:"position_sizing"`
	Execution      ExecutionConfig      `yaml:"execution"`
	Stores         StoresConfig         `yaml:"stores"`
	Reconciliation ReconciliationConfig `yaml:"reconciliation"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	Concurrency    ConcurrencyConfig    `yaml:"concurrency"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name           string `yaml:"name"`
	BrokerAPIKey   string `yaml:"broker_api_key"`
	BrokerSecret   string `yaml:"broker_secret"`
	PaperTrading   bool   `yaml:"paper_trading"`
	DefaultProduct string `yaml:"default_product"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel       string `yaml:"log_level"`
	MarketTimezone string `yaml:"market_timezone"`
	MarketOpen     string `yaml:"market_open"`
	MarketClose    string `yaml:"market_close"`
}

// IndicatorsConfig enables the indicator engine and lists tracked instruments
type IndicatorsConfig struct {
	Enabled     bool               `yaml:"enabled"`
	Instruments []InstrumentConfig `yaml:"instruments"`
}

// InstrumentConfig describes one tracked instrument
type InstrumentConfig struct {
	InstrumentToken int64                  `yaml:"instrument_token"`
	TradingSymbol   string                 `yaml:"trading_symbol"`
	BarDuration     string                 `yaml:"bar_duration"` // ISO-8601 period, e.g. PT1M
	MaxBars         int                    `yaml:"max_bars"`
	Indicators      []IndicatorDefinition  `yaml:"indicators"`
}

// IndicatorDefinition names one indicator and its parameters
type IndicatorDefinition struct {
	Type   string             `yaml:"type"`
	Params map[string]float64 `yaml:"params"`
}

// RiskConfig holds account-wide and per-underlying limits
type RiskConfig struct {
	Limits      RiskLimitsConfig        `yaml:"limits"`
	Underlyings []UnderlyingLimitConfig `yaml:"underlyings"`
}

// RiskLimitsConfig mirrors core.RiskLimits; nil values disable a check
type RiskLimitsConfig struct {
	DailyLossLimit            *float64 `yaml:"daily_loss_limit"`
	DailyLossWarningThreshold *float64 `yaml:"daily_loss_warning_threshold"`
	MaxMarginUtilization      *float64 `yaml:"max_margin_utilization"`
	MaxOpenPositions          *int     `yaml:"max_open_positions"`
	MaxOpenOrders             *int     `yaml:"max_open_orders"`
	MaxActiveStrategies       *int     `yaml:"max_active_strategies"`
	MaxLossPerPosition        *float64 `yaml:"max_loss_per_position"`
	MaxProfitPerPosition      *float64 `yaml:"max_profit_per_position"`
	MaxLotsPerPosition        *int64   `yaml:"max_lots_per_position"`
	MaxPositionValue          *float64 `yaml:"max_position_value"`
	MaxLossPerStrategy        *float64 `yaml:"max_loss_per_strategy"`
	MaxLegsPerStrategy        *int     `yaml:"max_legs_per_strategy"`
}

// UnderlyingLimitConfig bounds exposure for one underlying
type UnderlyingLimitConfig struct {
	Underlying string `yaml:"underlying"`
	MaxLots    int64  `yaml:"max_lots"`
}

// MorphConfig controls the morph engine
type MorphConfig struct {
	Enabled         bool `yaml:"enabled"`
	MaxLegsToClose  int  `yaml:"max_legs_to_close"`
}

// PositionSizingConfig selects exactly one sizing mode
type PositionSizingConfig struct {
	FixedLots         *int64   `yaml:"fixed_lots"`
	CapitalPercentage *float64 `yaml:"capital_percentage"`
	RiskPercentage    *float64 `yaml:"risk_percentage"`
}

// ExecutionConfig controls the multi-leg executor defaults
type ExecutionConfig struct {
	DefaultMode            string `yaml:"default_mode"` // sequential | parallel | buy_first
	FillAwaitTimeoutSecs   int    `yaml:"fill_await_timeout_seconds"`
	MarginCacheTTLSeconds  int    `yaml:"margin_cache_ttl_seconds"`
	RouterRateLimitPerSec  int    `yaml:"router_rate_limit_per_second"`
	RouterRateLimitBurst   int    `yaml:"router_rate_limit_burst"`
}

// StoresConfig wires the persistence backends
type StoresConfig struct {
	JournalPath string            `yaml:"journal_path"`
	AuditPath   string            `yaml:"audit_path"`
	RedisAddr   string            `yaml:"redis_addr"`
	RedisDB     int               `yaml:"redis_db"`
	WriteBehind WriteBehindConfig `yaml:"write_behind"`
	TimeSeries  TimeSeriesConfig  `yaml:"time_series"`
}

// WriteBehindConfig bounds the async persistence queues
type WriteBehindConfig struct {
	TradeQueueSize       int `yaml:"trade_queue_size"`
	AuditQueueSize       int `yaml:"audit_queue_size"`
	FlushIntervalSeconds int `yaml:"flush_interval_seconds"`
}

// TimeSeriesConfig sets the retention hint for appended series
type TimeSeriesConfig struct {
	RetentionHours int `yaml:"retention_hours"`
}

// ReconciliationConfig controls the periodic reconciliation job
type ReconciliationConfig struct {
	IntervalSeconds   int     `yaml:"interval_seconds"`
	PriceDriftPercent float64 `yaml:"price_drift_percent"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// ConcurrencyConfig contains worker pool settings
type ConcurrencyConfig struct {
	BrokerPoolSize   int `yaml:"broker_pool_size"`
	BrokerPoolBuffer int `yaml:"broker_pool_buffer"`
	FlushPoolSize    int `yaml:"flush_pool_size"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expandedData := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// expandEnvVars replaces ${VAR} references with environment values
func expandEnvVars(content string) string {
	re := regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)
	return re.ReplaceAllStringFunc(content, func(match string) string {
		name := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return match
	})
}

func (c *Config) applyDefaults() {
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
	if c.System.MarketTimezone == "" {
		c.System.MarketTimezone = "Asia/Kolkata"
	}
	if c.System.MarketOpen == "" {
		c.System.MarketOpen = "09:15"
	}
	if c.System.MarketClose == "" {
		c.System.MarketClose = "15:30"
	}
	if c.Execution.DefaultMode == "" {
		c.Execution.DefaultMode = "sequential"
	}
	if c.Execution.FillAwaitTimeoutSecs == 0 {
		c.Execution.FillAwaitTimeoutSecs = 30
	}
	if c.Execution.MarginCacheTTLSeconds == 0 {
		c.Execution.MarginCacheTTLSeconds = 30
	}
	if c.Execution.RouterRateLimitPerSec == 0 {
		c.Execution.RouterRateLimitPerSec = 10
	}
	if c.Execution.RouterRateLimitBurst == 0 {
		c.Execution.RouterRateLimitBurst = 15
	}
	if c.Morph.MaxLegsToClose == 0 {
		c.Morph.MaxLegsToClose = 4
	}
	if c.Reconciliation.IntervalSeconds == 0 {
		c.Reconciliation.IntervalSeconds = 300
	}
	if c.Reconciliation.PriceDriftPercent == 0 {
		c.Reconciliation.PriceDriftPercent = 2.0
	}
	if c.Stores.WriteBehind.TradeQueueSize == 0 {
		c.Stores.WriteBehind.TradeQueueSize = 1000
	}
	if c.Stores.WriteBehind.AuditQueueSize == 0 {
		c.Stores.WriteBehind.AuditQueueSize = 1000
	}
	if c.Stores.WriteBehind.FlushIntervalSeconds == 0 {
		c.Stores.WriteBehind.FlushIntervalSeconds = 5
	}
	if c.Stores.TimeSeries.RetentionHours == 0 {
		c.Stores.TimeSeries.RetentionHours = 168 // 7 days
	}
	if c.Concurrency.BrokerPoolSize == 0 {
		c.Concurrency.BrokerPoolSize = 10
	}
	if c.Concurrency.BrokerPoolBuffer == 0 {
		c.Concurrency.BrokerPoolBuffer = 100
	}
	if c.Concurrency.FlushPoolSize == 0 {
		c.Concurrency.FlushPoolSize = 2
	}
	for i := range c.Indicators.Instruments {
		if c.Indicators.Instruments[i].MaxBars == 0 {
			c.Indicators.Instruments[i].MaxBars = 500
		}
		if c.Indicators.Instruments[i].BarDuration == "" {
			c.Indicators.Instruments[i].BarDuration = "PT1M"
		}
	}
}

// Validate checks the configuration for inconsistencies
func (c *Config) Validate() error {
	switch strings.ToUpper(c.System.LogLevel) {
	case "DEBUG", "INFO", "WARN", "ERROR", "FATAL":
	default:
		return ValidationError{Field: "system.log_level", Value: c.System.LogLevel, Message: "must be one of DEBUG INFO WARN ERROR FATAL"}
	}

	if _, err := time.LoadLocation(c.System.MarketTimezone); err != nil {
		return ValidationError{Field: "system.market_timezone", Value: c.System.MarketTimezone, Message: "unknown time zone"}
	}

	switch c.Execution.DefaultMode {
	case "sequential", "parallel", "buy_first":
	default:
		return ValidationError{Field: "execution.default_mode", Value: c.Execution.DefaultMode, Message: "must be sequential, parallel or buy_first"}
	}

	if c.Morph.MaxLegsToClose < 1 || c.Morph.MaxLegsToClose > 16 {
		return ValidationError{Field: "morph.max_legs_to_close", Value: c.Morph.MaxLegsToClose, Message: "must be between 1 and 16"}
	}

	if c.Reconciliation.IntervalSeconds < 10 {
		return ValidationError{Field: "reconciliation.interval_seconds", Value: c.Reconciliation.IntervalSeconds, Message: "must be at least 10"}
	}

	sizingModes := 0
	if c.PositionSizing.FixedLots != nil {
		sizingModes++
	}
	if c.PositionSizing.CapitalPercentage != nil {
		sizingModes++
	}
	if c.PositionSizing.RiskPercentage != nil {
		sizingModes++
	}
	if sizingModes > 1 {
		return ValidationError{Field: "position_sizing", Value: sizingModes, Message: "at most one sizing mode may be set"}
	}

	if t := c.Risk.Limits.DailyLossWarningThreshold; t != nil && (*t <= 0 || *t > 1) {
		return ValidationError{Field: "risk.limits.daily_loss_warning_threshold", Value: *t, Message: "must be a fraction in (0, 1]"}
	}

	seen := make(map[int64]bool)
	for _, inst := range c.Indicators.Instruments {
		if inst.InstrumentToken == 0 {
			return ValidationError{Field: "indicators.instruments.instrument_token", Value: inst.InstrumentToken, Message: "must be non-zero"}
		}
		if inst.TradingSymbol == "" {
			return ValidationError{Field: "indicators.instruments.trading_symbol", Value: inst.TradingSymbol, Message: "must not be empty"}
		}
		if seen[inst.InstrumentToken] {
			return ValidationError{Field: "indicators.instruments", Value: inst.InstrumentToken, Message: "duplicate instrument token"}
		}
		seen[inst.InstrumentToken] = true
		if _, err := ParseISODuration(inst.BarDuration); err != nil {
			return ValidationError{Field: "indicators.instruments.bar_duration", Value: inst.BarDuration, Message: err.Error()}
		}
		if inst.MaxBars < 2 {
			return ValidationError{Field: "indicators.instruments.max_bars", Value: inst.MaxBars, Message: "must be at least 2"}
		}
	}

	for _, u := range c.Risk.Underlyings {
		if u.Underlying == "" {
			return ValidationError{Field: "risk.underlyings.underlying", Value: u.Underlying, Message: "must not be empty"}
		}
		if u.MaxLots <= 0 {
			return ValidationError{Field: "risk.underlyings.max_lots", Value: u.MaxLots, Message: "must be positive"}
		}
	}

	return nil
}

var isoDurationRe = regexp.MustCompile(`^PT(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?$`)

// ParseISODuration parses a subset of ISO-8601 durations (PT#H#M#S) used for
// bar periods.
func ParseISODuration(s string) (time.Duration, error) {
	m := isoDurationRe.FindStringSubmatch(strings.ToUpper(s))
	if m == nil || (m[1] == "" && m[2] == "" && m[3] == "") {
		return 0, fmt.Errorf("invalid ISO-8601 duration: %s", s)
	}
	var d time.Duration
	if m[1] != "" {
		h, _ := strconv.Atoi(m[1])
		d += time.Duration(h) * time.Hour
	}
	if m[2] != "" {
		min, _ := strconv.Atoi(m[2])
		d += time.Duration(min) * time.Minute
	}
	if m[3] != "" {
		sec, _ := strconv.Atoi(m[3])
		d += time.Duration(sec) * time.Second
	}
	if d <= 0 {
		return 0, fmt.Errorf("bar duration must be positive: %s", s)
	}
	return d, nil
}
