// Package strategy turns a bounded price history into a trading signal.
// Evaluation is pure: it reads the history and the strategy parameters only.
package strategy

import (
	"binance-strategy-bot-go/internal/models"
	"errors"
	"fmt"
)

// ErrMissingParams is returned for a configuration that carries no parameter variant.
var ErrMissingParams = errors.New("strategy config has no parameters")

// Evaluator adapts Evaluate to the scheduler's dependency.
type Evaluator struct{}

// Evaluate implements the scheduler's evaluator dependency.
func (Evaluator) Evaluate(history []models.PriceSample, cfg models.StrategyConfig) (models.Signal, error) {
	return Evaluate(history, cfg)
}

// Evaluate returns the signal for the latest sample in history.
// A history shorter than the strategy's lookback yields SignalNone.
// Missing or non-positive parameters take their defaults.
func Evaluate(history []models.PriceSample, cfg models.StrategyConfig) (models.Signal, error) {
	if cfg.Params == nil {
		return models.SignalNone, ErrMissingParams
	}
	cfg.ApplyDefaults()
	if len(history) < cfg.Params.MinSamples() {
		return models.SignalNone, nil
	}

	closes := models.Closes(history)

	switch p := cfg.Params.(type) {
	case models.MACrossoverParams:
		return maCrossover(closes, p), nil
	case models.RSIParams:
		return rsiBand(closes, p), nil
	case models.BollingerParams:
		return bollinger(closes, p), nil
	default:
		return models.SignalNone, fmt.Errorf("%w: %T", models.ErrUnknownStrategy, p)
	}
}

func maCrossover(closes []float64, p models.MACrossoverParams) models.Signal {
	window := trailing(closes, p.MinSamples())
	shortNow, shortPrev := smaPair(window, p.ShortPeriod)
	longNow, longPrev := smaPair(window, p.LongPeriod)

	switch {
	case shortPrev <= longPrev && shortNow > longNow:
		return models.SignalBuy
	case shortPrev >= longPrev && shortNow < longNow:
		return models.SignalSell
	}
	return models.SignalNone
}

// rsiBand is a level check on the latest value; it fires on every tick while
// the oscillator stays beyond a threshold.
func rsiBand(closes []float64, p models.RSIParams) models.Signal {
	value, ok := rsiLatest(closes, p.Period)
	if !ok {
		return models.SignalNone
	}
	switch {
	case value < p.Oversold:
		return models.SignalBuy
	case value > p.Overbought:
		return models.SignalSell
	}
	return models.SignalNone
}

func bollinger(closes []float64, p models.BollingerParams) models.Signal {
	upper, _, lower := bollingerLatest(closes, p.Period, p.Deviations)
	latest := closes[len(closes)-1]

	switch {
	case latest < lower:
		return models.SignalBuy
	case latest > upper:
		return models.SignalSell
	}
	return models.SignalNone
}
