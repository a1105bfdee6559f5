// Package ledger defines the transactional store that owns balances, positions and trades.
package ledger

import (
	"binance-strategy-bot-go/internal/models"
	"context"
)

// TradeFilter narrows a trade query. Empty fields match everything.
// A positive Limit keeps the most recent trades; results are always oldest first.
type TradeFilter struct {
	UserID string
	BotID  string
	Symbol string
	Limit  int
}

// Tx is a single ledger transaction. Lookups return (nil, nil) when the row does not exist.
type Tx interface {
	PaperAccount(userID string) (*models.PaperAccount, error)
	CreatePaperAccount(account *models.PaperAccount) error
	UpdatePaperBalance(accountID string, balance float64) error

	PaperPosition(accountID, symbol string) (*models.PaperPosition, error)
	SavePaperPosition(position *models.PaperPosition) error
	DeletePaperPosition(accountID, symbol string) error

	Position(userID, symbol string) (*models.Position, error)
	SavePosition(position *models.Position) error
	DeletePosition(userID, symbol string) error

	InsertTrade(trade *models.Trade) error
	// SetTradePnL is the only mutation allowed on an existing trade.
	SetTradePnL(tradeID string, pnl float64) error
	Trades(filter TradeFilter) ([]models.Trade, error)
}

// Store runs functions inside ledger transactions.
// Update commits when fn returns nil and rolls back otherwise.
type Store interface {
	Update(ctx context.Context, fn func(tx Tx) error) error
	View(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}
