package exchange

import (
	"binance-strategy-bot-go/internal/models"
	"context"
	"errors"
)

var (
	// ErrOrderRejected 交易所拒绝或未执行订单
	ErrOrderRejected = errors.New("order rejected by exchange")
	// ErrPriceUnavailable 当前无法获得有效价格
	ErrPriceUnavailable = errors.New("price unavailable")
)

// PriceSource 提供交易对的最新价格。
// 实盘、WebSocket 缓存与回测重放都实现该接口, 使调度器可以在它们之间切换。
type PriceSource interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
}

// OrderExecutor 在交易所执行市价单, 失败时不会被重试
type OrderExecutor interface {
	Execute(ctx context.Context, side models.Side, symbol string, amount float64) error
}

// PriceSourceFunc 允许用普通函数实现 PriceSource
type PriceSourceFunc func(ctx context.Context, symbol string) (float64, error)

// GetPrice 调用函数本身
func (f PriceSourceFunc) GetPrice(ctx context.Context, symbol string) (float64, error) {
	return f(ctx, symbol)
}
