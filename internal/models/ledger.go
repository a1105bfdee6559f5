package models

import "time"

// Position 实盘持仓, 数量为 0 时不存在该记录
type Position struct {
	UserID    string    `json:"user_id"`
	Symbol    string    `json:"symbol"`
	Quantity  float64   `json:"quantity"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PaperAccount 模拟交易账户
type PaperAccount struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Balance   float64   `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PaperPosition 模拟持仓, 均价只在买入时重新计算
type PaperPosition struct {
	AccountID    string    `json:"account_id"`
	Symbol       string    `json:"symbol"`
	Quantity     float64   `json:"quantity"`
	AveragePrice float64   `json:"average_price"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Trade 不可变的成交记录, 只有模拟卖出会在插入后补写 PnL
type Trade struct {
	ID         string      `json:"id"`
	UserID     string      `json:"user_id"`
	BotID      string      `json:"bot_id,omitempty"`
	Symbol     string      `json:"symbol"`
	Side       Side        `json:"side"`
	Amount     float64     `json:"amount"`
	Price      float64     `json:"price"`
	Mode       TradingMode `json:"mode"`
	PnL        *float64    `json:"pnl,omitempty"`
	ExecutedAt time.Time   `json:"executed_at"`
}
