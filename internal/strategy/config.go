package strategy

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Preset is the parameter set a strategy name selects
type Preset struct {
	Name             string
	MaxPositionSize  float64 // Fraction of equity
	StopLoss         float64 // Fraction of entry price
	TakeProfit       float64 // Fraction of entry price
	RiskPerTrade     float64 // Fraction of equity risked per trade
	MinConfidence    float64 // 0-1
	TradingFrequency time.Duration
	CandleInterval   string

	RSIPeriod       int
	RSIOversold     float64
	RSIOverbought   float64
	MACDFast        int
	MACDSlow        int
	MACDSignal      int
	SMAPeriod       int
	RSIWeight       float64
	MACDWeight      float64
	TrendWeight     float64
	OrderBookWeight float64
}

var presets = map[string]Preset{
	"conservative": {
		MaxPositionSize: 0.05, StopLoss: 0.02, TakeProfit: 0.04, RiskPerTrade: 0.005, MinConfidence: 0.7,
		TradingFrequency: 15 * time.Minute, CandleInterval: "1h",
		RSIPeriod: 14, RSIOversold: 25, RSIOverbought: 75, MACDFast: 12, MACDSlow: 26, MACDSignal: 9, SMAPeriod: 20,
		RSIWeight: 0.35, MACDWeight: 0.35, TrendWeight: 0.3,
	},
	"moderate": {
		MaxPositionSize: 0.1, StopLoss: 0.03, TakeProfit: 0.06, RiskPerTrade: 0.01, MinConfidence: 0.6,
		TradingFrequency: 5 * time.Minute, CandleInterval: "15m",
		RSIPeriod: 14, RSIOversold: 30, RSIOverbought: 70, MACDFast: 12, MACDSlow: 26, MACDSignal: 9, SMAPeriod: 20,
		RSIWeight: 0.35, MACDWeight: 0.35, TrendWeight: 0.2, OrderBookWeight: 0.1,
	},
	"aggressive": {
		MaxPositionSize: 0.2, StopLoss: 0.05, TakeProfit: 0.1, RiskPerTrade: 0.02, MinConfidence: 0.5,
		TradingFrequency: 2 * time.Minute, CandleInterval: "5m",
		RSIPeriod: 14, RSIOversold: 35, RSIOverbought: 65, MACDFast: 12, MACDSlow: 26, MACDSignal: 9, SMAPeriod: 20,
		RSIWeight: 0.3, MACDWeight: 0.4, TrendWeight: 0.15, OrderBookWeight: 0.15,
	},
	"scalping": {
		MaxPositionSize: 0.1, StopLoss: 0.005, TakeProfit: 0.01, RiskPerTrade: 0.005, MinConfidence: 0.55,
		TradingFrequency: time.Minute, CandleInterval: "1m",
		RSIPeriod: 7, RSIOversold: 30, RSIOverbought: 70, MACDFast: 6, MACDSlow: 13, MACDSignal: 5, SMAPeriod: 20,
		RSIWeight: 0.3, MACDWeight: 0.3, TrendWeight: 0.1, OrderBookWeight: 0.3,
	},
	"swing": {
		MaxPositionSize: 0.15, StopLoss: 0.06, TakeProfit: 0.15, RiskPerTrade: 0.01, MinConfidence: 0.65,
		TradingFrequency: time.Hour, CandleInterval: "4h",
		RSIPeriod: 14, RSIOversold: 30, RSIOverbought: 70, MACDFast: 12, MACDSlow: 26, MACDSignal: 9, SMAPeriod: 50,
		RSIWeight: 0.25, MACDWeight: 0.35, TrendWeight: 0.4,
	},
	"dca": {
		MaxPositionSize: 0.05, StopLoss: 0.1, TakeProfit: 0.05, RiskPerTrade: 0.005, MinConfidence: 0.4,
		TradingFrequency: 30 * time.Minute, CandleInterval: "1h",
		RSIPeriod: 14, RSIOversold: 40, RSIOverbought: 75, MACDFast: 12, MACDSlow: 26, MACDSignal: 9, SMAPeriod: 20,
		RSIWeight: 0.6, MACDWeight: 0.2, TrendWeight: 0.2,
	},
}

// DefaultPresetName is used for unknown or empty strategy names
const DefaultPresetName = "moderate"

// LookupPreset returns the preset for name, falling back to the default preset
func LookupPreset(name string) Preset {
	key := strings.ToLower(strings.TrimSpace(name))
	p, ok := presets[key]
	if !ok {
		key = DefaultPresetName
		p = presets[key]
	}
	p.Name = key
	return p
}

// PresetNames lists the known strategy names
func PresetNames() []string {
	return []string{"conservative", "moderate", "aggressive", "scalping", "swing", "dca"}
}

// Config is the typed strategy configuration of one bot, decoded once at start
type Config struct {
	Preset

	StrategyName string
	Symbol       string
	Paper        bool
}

// RequiredCandles is the longest indicator lookback of the configuration
func (c Config) RequiredCandles() int {
	n := c.SMAPeriod
	if c.RSIPeriod+1 > n {
		n = c.RSIPeriod + 1
	}
	if macd := c.MACDSlow + c.MACDSignal; macd > n {
		n = macd
	}
	return n
}

// rawConfig mirrors the serialized bot configuration. Pointers distinguish absent fields.
type rawConfig struct {
	Symbol           string          `json:"symbol"`
	TradingPair      string          `json:"trading_pair"`
	Strategy         string          `json:"strategy"`
	TradingFrequency json.RawMessage `json:"trading_frequency"`
	CandleInterval   string          `json:"candle_interval"`
	MaxPositionSize  *float64        `json:"max_position_size"`
	StopLoss         *float64        `json:"stop_loss"`
	TakeProfit       *float64        `json:"take_profit"`
	RiskPerTrade     *float64        `json:"risk_per_trade"`
	MinConfidence    *float64        `json:"min_confidence"`
	SMAPeriod        *int            `json:"sma_period"`
	RSIPeriod        *int            `json:"rsi_period"`
	Paper            bool            `json:"paper"`
}

// DefaultSymbol is traded when the bot configuration names no pair
const DefaultSymbol = "BTCUSDT"

// ParseConfig decodes a serialized bot configuration. strategyName comes from the bot
// record and selects the preset unless the blob overrides it. An empty blob yields the
// preset defaults.
func ParseConfig(strategyName string, serialized []byte) (Config, error) {
	var raw rawConfig
	if len(strings.TrimSpace(string(serialized))) > 0 {
		if err := json.Unmarshal(serialized, &raw); err != nil {
			return Config{}, fmt.Errorf("invalid bot config: %w", err)
		}
	}

	name := strategyName
	if raw.Strategy != "" {
		name = raw.Strategy
	}

	cfg := Config{
		Preset:       LookupPreset(name),
		StrategyName: name,
		Symbol:       strings.ToUpper(strings.TrimSpace(raw.Symbol)),
		Paper:        raw.Paper,
	}
	if cfg.Symbol == "" {
		cfg.Symbol = strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(raw.TradingPair), "/", ""))
	}
	if cfg.Symbol == "" {
		cfg.Symbol = DefaultSymbol
	}

	if len(raw.TradingFrequency) > 0 && string(raw.TradingFrequency) != "null" {
		d, err := parseFrequency(raw.TradingFrequency)
		if err != nil {
			return Config{}, err
		}
		cfg.TradingFrequency = d
	}
	if raw.CandleInterval != "" {
		cfg.CandleInterval = raw.CandleInterval
	}

	setFraction := func(dst *float64, v *float64, field string) error {
		if v == nil {
			return nil
		}
		if *v <= 0 || *v > 1 {
			return fmt.Errorf("invalid bot config: %s must be in (0, 1], got %v", field, *v)
		}
		*dst = *v
		return nil
	}
	if err := setFraction(&cfg.MaxPositionSize, raw.MaxPositionSize, "max_position_size"); err != nil {
		return Config{}, err
	}
	if err := setFraction(&cfg.StopLoss, raw.StopLoss, "stop_loss"); err != nil {
		return Config{}, err
	}
	if err := setFraction(&cfg.TakeProfit, raw.TakeProfit, "take_profit"); err != nil {
		return Config{}, err
	}
	if err := setFraction(&cfg.RiskPerTrade, raw.RiskPerTrade, "risk_per_trade"); err != nil {
		return Config{}, err
	}
	if err := setFraction(&cfg.MinConfidence, raw.MinConfidence, "min_confidence"); err != nil {
		return Config{}, err
	}
	if raw.SMAPeriod != nil && *raw.SMAPeriod > 0 {
		cfg.SMAPeriod = *raw.SMAPeriod
	}
	if raw.RSIPeriod != nil && *raw.RSIPeriod > 0 {
		cfg.RSIPeriod = *raw.RSIPeriod
	}

	return cfg, nil
}

// parseFrequency accepts a Go duration string ("5m") or a number of seconds
func parseFrequency(raw json.RawMessage) (time.Duration, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			return d, nil
		}
		if secs, err := strconv.ParseFloat(s, 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second)), nil
		}
		return 0, fmt.Errorf("invalid bot config: trading_frequency %q", s)
	}

	var secs float64
	if err := json.Unmarshal(raw, &secs); err != nil || secs <= 0 {
		return 0, fmt.Errorf("invalid bot config: trading_frequency %s", string(raw))
	}
	return time.Duration(secs * float64(time.Second)), nil
}
