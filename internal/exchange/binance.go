package exchange

import (
	"binance-strategy-bot-go/internal/models"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/google/uuid"
	"github.com/jxskiss/base62"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// clientOrderPrefix 标记由本程序下的订单
const clientOrderPrefix = "sb"

// maxClockSkew 本地时钟与服务器的最大允许偏差
const maxClockSkew = time.Second

// BinanceExchange 通过币安现货 REST 接口获取价格并下市价单。
type BinanceExchange struct {
	client     *binance.Client
	logger     *zap.Logger
	timeOffset int64
}

// NewBinanceExchange 创建一个新的 BinanceExchange 实例。
// baseURL 为空时使用 go-binance 的默认地址。
func NewBinanceExchange(apiKey, secretKey, baseURL string, logger *zap.Logger) *BinanceExchange {
	client := binance.NewClient(apiKey, secretKey)
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	return &BinanceExchange{client: client, logger: logger}
}

// SyncTime 与币安服务器同步时间, 计算时间偏移。偏差过大时记录警告。
func (e *BinanceExchange) SyncTime(ctx context.Context) error {
	// go-binance 保存 本地-服务器 的偏移, 并在每个签名请求的 timestamp 中扣除
	localAhead, err := e.client.NewSetServerTimeService().Do(ctx)
	if err != nil {
		return fmt.Errorf("与币安服务器同步时间失败: %w", err)
	}
	e.timeOffset = -localAhead

	if time.Duration(abs(e.timeOffset))*time.Millisecond > maxClockSkew {
		e.logger.Warn("本地时间与服务器时间偏差较大", zap.Int64("timeOffset (ms)", e.timeOffset))
	} else {
		e.logger.Info("与币安服务器时间同步完成", zap.Int64("timeOffset (ms)", e.timeOffset))
	}
	return nil
}

// TimeOffset 返回最近一次同步得到的时间偏移(毫秒), 即服务器时间减本地时间
func (e *BinanceExchange) TimeOffset() int64 {
	return e.timeOffset
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// GetPrice 获取指定交易对的当前价格。
func (e *BinanceExchange) GetPrice(ctx context.Context, symbol string) (float64, error) {
	prices, err := e.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrPriceUnavailable, symbol, err)
	}

	for _, p := range prices {
		if p.Symbol != symbol {
			continue
		}
		price, err := decimal.NewFromString(p.Price)
		if err != nil {
			return 0, fmt.Errorf("%w: 无法解析价格 %q: %v", ErrPriceUnavailable, p.Price, err)
		}
		if !price.IsPositive() {
			return 0, fmt.Errorf("%w: %s 价格为 %s", ErrPriceUnavailable, symbol, p.Price)
		}
		return price.InexactFloat64(), nil
	}
	return 0, fmt.Errorf("%w: 响应中没有 %s", ErrPriceUnavailable, symbol)
}

// Execute 下一个市价单。交易所返回业务错误或订单被拒绝/过期时返回 ErrOrderRejected。
func (e *BinanceExchange) Execute(ctx context.Context, side models.Side, symbol string, amount float64) error {
	clientOrderID := NewClientOrderID()
	quantity := decimal.NewFromFloat(amount).String()

	var sideType binance.SideType
	switch side {
	case models.Buy:
		sideType = binance.SideTypeBuy
	case models.Sell:
		sideType = binance.SideTypeSell
	default:
		return fmt.Errorf("未知的交易方向: %q", side)
	}

	resp, err := e.client.NewCreateOrderService().
		Symbol(symbol).
		Side(sideType).
		Type(binance.OrderTypeMarket).
		Quantity(quantity).
		NewClientOrderID(clientOrderID).
		Do(ctx)
	if err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) {
			return fmt.Errorf("%w: code=%d %s", ErrOrderRejected, apiErr.Code, apiErr.Message)
		}
		return fmt.Errorf("下单失败 %s %s %s: %w", side, quantity, symbol, err)
	}

	switch resp.Status {
	case binance.OrderStatusTypeRejected, binance.OrderStatusTypeExpired:
		return fmt.Errorf("%w: 订单 %s 状态 %s", ErrOrderRejected, clientOrderID, resp.Status)
	}

	e.logger.Info("市价单已提交",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.String("quantity", quantity),
		zap.String("clientOrderId", clientOrderID),
		zap.Int64("orderId", resp.OrderID),
		zap.String("status", string(resp.Status)))
	return nil
}

// NewClientOrderID 生成一个紧凑的唯一客户端订单ID (base62 编码的 UUID)
func NewClientOrderID() string {
	id := uuid.New()
	return clientOrderPrefix + base62.EncodeToString(id[:])
}
