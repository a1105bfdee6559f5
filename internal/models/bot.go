package models

import "time"

// BotStatus 机器人生命周期状态
type BotStatus string

const (
	BotActive  BotStatus = "active"
	BotPaused  BotStatus = "paused"
	BotStopped BotStatus = "stopped"
)

// TradingMode 交易模式
type TradingMode string

const (
	PaperMode TradingMode = "paper"
	LiveMode  TradingMode = "live"
)

// Bot 持久化的策略机器人记录。
// 同一 (UserID, Symbol) 同一时间最多只有一个 active 的机器人。
type Bot struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Symbol    string         `json:"symbol"`
	Strategy  StrategyKind   `json:"strategy"`
	Status    BotStatus      `json:"status"`
	Mode      TradingMode    `json:"mode"`
	Config    StrategyConfig `json:"config"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// BotRuntime 机器人运行时的可观测快照
type BotRuntime struct {
	BotID       string       `json:"bot_id"`
	UserID      string       `json:"user_id"`
	Symbol      string       `json:"symbol"`
	Strategy    StrategyKind `json:"strategy"`
	Status      BotStatus    `json:"status"`
	Ticks       int64        `json:"ticks"`
	LastPrice   float64      `json:"last_price"`
	LastSignal  Signal       `json:"last_signal,omitempty"`
	Trades      int64        `json:"trades"`
	LastTradeID string       `json:"last_trade_id,omitempty"`
	LastError   string       `json:"last_error,omitempty"`
	StartedAt   time.Time    `json:"started_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}
