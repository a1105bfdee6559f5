package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10 // Must be less than pongWait
	reconnectDelay = 5 * time.Second
)

type cachedPrice struct {
	price float64
	at    time.Time
}

// StreamPriceSource 通过 aggTrade WebSocket 维护各交易对的最新成交价。
// 缓存价格超过 maxAge 或尚未收到推送时回退到 REST 价格源。
type StreamPriceSource struct {
	wsBaseURL string
	fallback  PriceSource
	maxAge    time.Duration
	logger    *zap.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	prices  map[string]cachedPrice
	streams map[string]bool
}

// NewStreamPriceSource 创建价格流, 调用 Close 停止所有连接
func NewStreamPriceSource(wsBaseURL string, fallback PriceSource, maxAge time.Duration, logger *zap.Logger) *StreamPriceSource {
	ctx, cancel := context.WithCancel(context.Background())
	return &StreamPriceSource{
		wsBaseURL: strings.TrimRight(wsBaseURL, "/"),
		fallback:  fallback,
		maxAge:    maxAge,
		logger:    logger,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		prices:    make(map[string]cachedPrice),
		streams:   make(map[string]bool),
	}
}

// Subscribe 为交易对启动 WebSocket 循环, 重复订阅无效果
func (s *StreamPriceSource) Subscribe(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streams[symbol] || s.ctx.Err() != nil {
		return
	}
	s.streams[symbol] = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.webSocketLoop(symbol)
	}()
}

// GetPrice 优先返回足够新的推送价格, 否则使用回退价格源
func (s *StreamPriceSource) GetPrice(ctx context.Context, symbol string) (float64, error) {
	s.Subscribe(symbol)

	s.mu.RLock()
	cached, ok := s.prices[symbol]
	fresh := ok && s.now().Sub(cached.at) <= s.maxAge
	s.mu.RUnlock()
	if fresh {
		return cached.price, nil
	}

	if s.fallback == nil {
		return 0, fmt.Errorf("%w: %s 没有最新推送价格", ErrPriceUnavailable, symbol)
	}
	return s.fallback.GetPrice(ctx, symbol)
}

// Close 停止所有 WebSocket 循环并等待其退出
func (s *StreamPriceSource) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *StreamPriceSource) setPrice(symbol string, price float64) {
	s.mu.Lock()
	s.prices[symbol] = cachedPrice{price: price, at: s.now()}
	s.mu.Unlock()
}

// webSocketLoop 负责维持WebSocket的连接和重连
func (s *StreamPriceSource) webSocketLoop(symbol string) {
	wsURL := fmt.Sprintf("%s/ws/%s@aggTrade", s.wsBaseURL, strings.ToLower(symbol))
	for {
		conn, _, err := websocket.DefaultDialer.DialContext(s.ctx, wsURL, nil)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Warn("WebSocket连接失败, 5秒后重试", zap.String("symbol", symbol), zap.Error(err))
		} else {
			s.logger.Info("WebSocket连接成功", zap.String("symbol", symbol))
			// handleMessages 会阻塞直到连接断开
			if err := s.handleMessages(conn, symbol); err != nil {
				s.logger.Warn("WebSocket处理时发生错误", zap.String("symbol", symbol), zap.Error(err))
			}
			conn.Close()
		}

		select {
		case <-s.ctx.Done():
			s.logger.Info("WebSocket循环已停止", zap.String("symbol", symbol))
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// handleMessages 为一个已建立的连接处理消息，并实现心跳机制
func (s *StreamPriceSource) handleMessages(conn *websocket.Conn, symbol string) error {
	// 设置Pong处理器来延长读取超时
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)

	var writeMu sync.Mutex
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				writeMu.Lock()
				err := conn.WriteMessage(websocket.PingMessage, nil)
				writeMu.Unlock()
				if err != nil {
					s.logger.Warn("发送Ping失败", zap.Error(err))
					return
				}
			case <-s.ctx.Done():
				// 优雅关闭, 随后 ReadMessage 会返回错误
				writeMu.Lock()
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				writeMu.Unlock()
				conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			// 任何读取错误都意味着连接已损坏，返回错误让 webSocketLoop 处理重连
			return fmt.Errorf("读取消息失败: %w", err)
		}

		var trade struct {
			Price json.Number `json:"p"` // "p"代表价格
		}
		if err := json.Unmarshal(message, &trade); err != nil {
			s.logger.Debug("解析价格信息失败", zap.Error(err))
			continue
		}
		price, err := trade.Price.Float64()
		if err != nil || price <= 0 {
			s.logger.Debug("转换价格失败", zap.String("raw", string(trade.Price)))
			continue
		}
		s.setPrice(symbol, price)
	}
}
