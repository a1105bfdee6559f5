package exchange

import (
	"binance-strategy-bot-go/internal/models"
	"context"
	"fmt"
	"sync"
	"time"
)

// ReplayExchange 按顺序重放历史价格, 用于回测。
// 它只作为价格源, 成交由模拟账本完成。
type ReplayExchange struct {
	symbol  string
	samples []models.PriceSample

	mu     sync.Mutex
	cursor int // 下一个待重放样本的位置
}

// NewReplayExchange 创建一个重放交易所实例
func NewReplayExchange(symbol string, samples []models.PriceSample) *ReplayExchange {
	return &ReplayExchange{symbol: symbol, samples: samples}
}

// Advance 前进到下一个样本, 没有更多样本时返回 false
func (e *ReplayExchange) Advance() (models.PriceSample, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cursor >= len(e.samples) {
		return models.PriceSample{}, false
	}
	s := e.samples[e.cursor]
	e.cursor++
	return s, true
}

// Current 返回当前样本
func (e *ReplayExchange) Current() (models.PriceSample, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cursor == 0 {
		return models.PriceSample{}, false
	}
	return e.samples[e.cursor-1], true
}

// CurrentTime 返回当前样本时间, 作为回测时钟
func (e *ReplayExchange) CurrentTime() time.Time {
	s, _ := e.Current()
	return s.Time
}

// Len 返回样本总数
func (e *ReplayExchange) Len() int {
	return len(e.samples)
}

// GetPrice 返回当前样本价格
func (e *ReplayExchange) GetPrice(_ context.Context, symbol string) (float64, error) {
	if symbol != e.symbol {
		return 0, fmt.Errorf("%w: 重放数据只包含 %s, 请求的是 %s", ErrPriceUnavailable, e.symbol, symbol)
	}
	s, ok := e.Current()
	if !ok {
		return 0, fmt.Errorf("%w: 重放尚未开始", ErrPriceUnavailable)
	}
	return s.Price, nil
}
