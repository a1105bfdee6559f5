package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// StrategyKind 策略类型
type StrategyKind string

const (
	MACrossover    StrategyKind = "moving_average_crossover"
	RSIBand        StrategyKind = "rsi"
	BollingerBands StrategyKind = "bollinger_bands"
)

// 策略参数缺省值
const (
	DefaultShortPeriod     = 10
	DefaultLongPeriod      = 20
	DefaultRSIPeriod       = 14
	DefaultOversold        = 30.0
	DefaultOverbought      = 70.0
	DefaultBollingerPeriod = 20
	DefaultDeviations      = 2.0
	DefaultTradeAmount     = 0.001
)

// ErrUnknownStrategy 表示无法识别的策略类型
var ErrUnknownStrategy = errors.New("unknown strategy kind")

// StrategyParams 是策略参数的封闭和类型, 每种策略对应一个实现。
type StrategyParams interface {
	Kind() StrategyKind
	// MinSamples 返回产生信号所需的最少价格样本数
	MinSamples() int
	strategyParams()
}

// MACrossoverParams 均线交叉策略参数
type MACrossoverParams struct {
	ShortPeriod int `json:"shortPeriod"`
	LongPeriod  int `json:"longPeriod"`
}

func (MACrossoverParams) Kind() StrategyKind { return MACrossover }
func (p MACrossoverParams) MinSamples() int {
	// 需要上一个点来判断交叉
	return max(p.ShortPeriod, p.LongPeriod) + 1
}
func (MACrossoverParams) strategyParams() {}

// RSIParams RSI 超买超卖策略参数
type RSIParams struct {
	Period     int     `json:"period"`
	Oversold   float64 `json:"oversoldThreshold"`
	Overbought float64 `json:"overboughtThreshold"`
}

func (RSIParams) Kind() StrategyKind { return RSIBand }
func (p RSIParams) MinSamples() int  { return p.Period + 1 }
func (RSIParams) strategyParams()    {}

// BollingerParams 布林带策略参数
type BollingerParams struct {
	Period     int     `json:"period"`
	Deviations float64 `json:"deviations"`
}

func (BollingerParams) Kind() StrategyKind { return BollingerBands }
func (p BollingerParams) MinSamples() int  { return p.Period }
func (BollingerParams) strategyParams()    {}

// StrategyConfig 一次策略运行的配置, 运行开始后不可变
type StrategyConfig struct {
	Symbol   string         `json:"symbol"`
	Mode     TradingMode    `json:"mode"`
	Amount   float64        `json:"amount"`   // 每次交易数量 (基础货币)
	Interval int64          `json:"interval"` // 轮询间隔 (毫秒)
	Params   StrategyParams `json:"-"`
}

// Kind 返回策略类型
func (c StrategyConfig) Kind() StrategyKind {
	if c.Params == nil {
		return ""
	}
	return c.Params.Kind()
}

// IntervalDuration 返回轮询间隔
func (c StrategyConfig) IntervalDuration() time.Duration {
	return time.Duration(c.Interval) * time.Millisecond
}

type strategyConfigJSON struct {
	Symbol   string          `json:"symbol"`
	Mode     TradingMode     `json:"mode,omitempty"`
	Strategy StrategyKind    `json:"strategy"`
	Amount   float64         `json:"amount"`
	Interval int64           `json:"interval"`
	Params   json.RawMessage `json:"params,omitempty"`
}

// MarshalJSON 将参数与策略类型一起序列化
func (c StrategyConfig) MarshalJSON() ([]byte, error) {
	raw := strategyConfigJSON{
		Symbol:   c.Symbol,
		Mode:     c.Mode,
		Strategy: c.Kind(),
		Amount:   c.Amount,
		Interval: c.Interval,
	}
	if c.Params != nil {
		params, err := json.Marshal(c.Params)
		if err != nil {
			return nil, err
		}
		raw.Params = params
	}
	return json.Marshal(raw)
}

// UnmarshalJSON 根据 strategy 字段解析对应的参数, 缺失字段使用缺省值
func (c *StrategyConfig) UnmarshalJSON(data []byte) error {
	var raw strategyConfigJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	params, err := decodeParams(raw.Strategy, raw.Params)
	if err != nil {
		return err
	}

	*c = StrategyConfig{
		Symbol:   raw.Symbol,
		Mode:     raw.Mode,
		Amount:   raw.Amount,
		Interval: raw.Interval,
		Params:   params,
	}
	c.ApplyDefaults()
	return nil
}

func decodeParams(kind StrategyKind, data json.RawMessage) (StrategyParams, error) {
	if len(data) == 0 || string(data) == "null" {
		data = []byte("{}")
	}
	switch kind {
	case MACrossover:
		var p MACrossoverParams
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("解析均线参数失败: %w", err)
		}
		return p, nil
	case RSIBand:
		var p RSIParams
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("解析RSI参数失败: %w", err)
		}
		return p, nil
	case BollingerBands:
		var p BollingerParams
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("解析布林带参数失败: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, kind)
	}
}

// ApplyDefaults 为缺失或非法(<=0)的字段填充缺省值
func (c *StrategyConfig) ApplyDefaults() {
	if c.Mode == "" {
		c.Mode = PaperMode
	}
	if c.Amount == 0 {
		c.Amount = DefaultTradeAmount
	}

	switch p := c.Params.(type) {
	case MACrossoverParams:
		if p.ShortPeriod <= 0 {
			p.ShortPeriod = DefaultShortPeriod
		}
		if p.LongPeriod <= 0 {
			p.LongPeriod = DefaultLongPeriod
		}
		c.Params = p
	case RSIParams:
		if p.Period <= 1 {
			p.Period = DefaultRSIPeriod
		}
		if p.Oversold <= 0 {
			p.Oversold = DefaultOversold
		}
		if p.Overbought <= 0 {
			p.Overbought = DefaultOverbought
		}
		c.Params = p
	case BollingerParams:
		if p.Period <= 1 {
			p.Period = DefaultBollingerPeriod
		}
		if p.Deviations <= 0 {
			p.Deviations = DefaultDeviations
		}
		c.Params = p
	}
}
