package models

import "time"

// Side 定义了交易方向的类型
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Signal 策略评估结果
type Signal string

const (
	SignalNone Signal = ""
	SignalBuy  Signal = "buy"
	SignalSell Signal = "sell"
)

// Side 将信号转换为交易方向, SignalNone 返回空字符串
func (s Signal) Side() Side {
	switch s {
	case SignalBuy:
		return Buy
	case SignalSell:
		return Sell
	}
	return ""
}

// PriceSample 一次价格采样
type PriceSample struct {
	Time  time.Time `json:"time"`
	Price float64   `json:"price"`
}

// Closes 提取价格序列
func Closes(samples []PriceSample) []float64 {
	closes := make([]float64, len(samples))
	for i, s := range samples {
		closes[i] = s.Price
	}
	return closes
}
