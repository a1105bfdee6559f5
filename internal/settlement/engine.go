// Package settlement turns a signal into a recorded trade and the matching
// balance and position changes.
package settlement

import (
	"binance-strategy-bot-go/internal/exchange"
	"binance-strategy-bot-go/internal/ledger"
	"binance-strategy-bot-go/internal/models"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrBotNotFound          = errors.New("no active bot for user and symbol")
	ErrPaperAccountNotFound = errors.New("paper account not found")
	ErrInsufficientBalance  = errors.New("insufficient paper balance")
	ErrInsufficientPosition = errors.New("insufficient paper position")
)

// BotFinder looks up the active bot record for a (user, symbol) pair.
type BotFinder interface {
	FindActive(userID, symbol string) (*models.Bot, error)
}

// Engine settles signals against the paper ledger or the live exchange.
type Engine struct {
	store          ledger.Store
	bots           BotFinder
	executor       exchange.OrderExecutor
	initialBalance float64
	logger         *zap.Logger

	now   func() time.Time
	newID func() string
}

// NewEngine creates a settlement engine. executor may be nil when no live bots run.
func NewEngine(store ledger.Store, bots BotFinder, executor exchange.OrderExecutor, initialBalance float64, logger *zap.Logger) *Engine {
	return &Engine{
		store:          store,
		bots:           bots,
		executor:       executor,
		initialBalance: initialBalance,
		logger:         logger,
		now:            time.Now,
		newID:          uuid.NewString,
	}
}

// WithClock replaces the time source used for trade and account timestamps.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Settle records the trade for signal at price. SignalNone is a no-op returning (nil, nil).
func (e *Engine) Settle(ctx context.Context, userID string, cfg models.StrategyConfig, signal models.Signal, price float64) (*models.Trade, error) {
	side := signal.Side()
	if side == "" {
		return nil, nil
	}

	bot, err := e.bots.FindActive(userID, cfg.Symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to look up bot for %s/%s: %w", userID, cfg.Symbol, err)
	}
	if bot == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrBotNotFound, userID, cfg.Symbol)
	}

	trade := &models.Trade{
		ID:         e.newID(),
		UserID:     userID,
		BotID:      bot.ID,
		Symbol:     cfg.Symbol,
		Side:       side,
		Amount:     cfg.Amount,
		Price:      price,
		Mode:       bot.Mode,
		ExecutedAt: e.now(),
	}

	switch bot.Mode {
	case models.LiveMode:
		err = e.settleLive(ctx, trade)
	case models.PaperMode:
		err = e.settlePaper(ctx, trade)
	default:
		err = fmt.Errorf("unknown trading mode %q for bot %s", bot.Mode, bot.ID)
	}
	if err != nil {
		return nil, err
	}

	e.logger.Info("Trade settled",
		zap.String("tradeID", trade.ID),
		zap.String("botID", trade.BotID),
		zap.String("user", userID),
		zap.String("symbol", trade.Symbol),
		zap.String("side", string(trade.Side)),
		zap.Float64("amount", trade.Amount),
		zap.Float64("price", trade.Price),
		zap.String("mode", string(trade.Mode)))
	return trade, nil
}

// settleLive executes on the exchange first; a failed order leaves the ledger untouched.
func (e *Engine) settleLive(ctx context.Context, trade *models.Trade) error {
	if e.executor == nil {
		return errors.New("live trading is not configured")
	}
	if err := e.executor.Execute(ctx, trade.Side, trade.Symbol, trade.Amount); err != nil {
		return fmt.Errorf("failed to execute %s %s: %w", trade.Side, trade.Symbol, err)
	}

	return e.store.Update(ctx, func(tx ledger.Tx) error {
		if err := tx.InsertTrade(trade); err != nil {
			return err
		}

		pos, err := tx.Position(trade.UserID, trade.Symbol)
		if err != nil {
			return err
		}
		if pos == nil {
			// A sell without a recorded position leaves positions untouched.
			if trade.Side == models.Sell {
				e.logger.Warn("Live sell without a recorded position",
					zap.String("user", trade.UserID), zap.String("symbol", trade.Symbol))
				return nil
			}
			pos = &models.Position{UserID: trade.UserID, Symbol: trade.Symbol}
		}

		qty := decimal.NewFromFloat(pos.Quantity)
		delta := decimal.NewFromFloat(trade.Amount)
		if trade.Side == models.Sell {
			delta = delta.Neg()
		}
		qty = qty.Add(delta)

		if qty.IsZero() {
			return tx.DeletePosition(trade.UserID, trade.Symbol)
		}
		pos.Quantity = qty.InexactFloat64()
		pos.UpdatedAt = trade.ExecutedAt
		return tx.SavePosition(pos)
	})
}

// settlePaper checks and mutates the paper account inside a single transaction.
func (e *Engine) settlePaper(ctx context.Context, trade *models.Trade) error {
	return e.store.Update(ctx, func(tx ledger.Tx) error {
		acc, err := tx.PaperAccount(trade.UserID)
		if err != nil {
			return err
		}
		if acc == nil {
			return fmt.Errorf("%w: user %s", ErrPaperAccountNotFound, trade.UserID)
		}

		pos, err := tx.PaperPosition(acc.ID, trade.Symbol)
		if err != nil {
			return err
		}

		amount := decimal.NewFromFloat(trade.Amount)
		price := decimal.NewFromFloat(trade.Price)
		value := amount.Mul(price)
		balance := decimal.NewFromFloat(acc.Balance)

		if trade.Side == models.Buy {
			if balance.LessThan(value) {
				return fmt.Errorf("%w: balance %s, required %s", ErrInsufficientBalance, balance, value)
			}
			if err := tx.UpdatePaperBalance(acc.ID, balance.Sub(value).InexactFloat64()); err != nil {
				return err
			}

			if pos == nil {
				pos = &models.PaperPosition{AccountID: acc.ID, Symbol: trade.Symbol, Quantity: trade.Amount, AveragePrice: trade.Price}
			} else {
				qty := decimal.NewFromFloat(pos.Quantity)
				avg := decimal.NewFromFloat(pos.AveragePrice)
				newQty := qty.Add(amount)
				pos.AveragePrice = qty.Mul(avg).Add(value).Div(newQty).InexactFloat64()
				pos.Quantity = newQty.InexactFloat64()
			}
			pos.UpdatedAt = trade.ExecutedAt
			if err := tx.SavePaperPosition(pos); err != nil {
				return err
			}
			return tx.InsertTrade(trade)
		}

		if pos == nil || decimal.NewFromFloat(pos.Quantity).LessThan(amount) {
			held := 0.0
			if pos != nil {
				held = pos.Quantity
			}
			return fmt.Errorf("%w: holding %v %s, selling %v", ErrInsufficientPosition, held, trade.Symbol, trade.Amount)
		}

		if err := tx.UpdatePaperBalance(acc.ID, balance.Add(value).InexactFloat64()); err != nil {
			return err
		}

		avg := decimal.NewFromFloat(pos.AveragePrice)
		pnl := price.Sub(avg).Mul(amount).InexactFloat64()

		remaining := decimal.NewFromFloat(pos.Quantity).Sub(amount)
		if remaining.IsZero() {
			err = tx.DeletePaperPosition(acc.ID, trade.Symbol)
		} else {
			pos.Quantity = remaining.InexactFloat64()
			pos.UpdatedAt = trade.ExecutedAt
			err = tx.SavePaperPosition(pos)
		}
		if err != nil {
			return err
		}

		if err := tx.InsertTrade(trade); err != nil {
			return err
		}
		if err := tx.SetTradePnL(trade.ID, pnl); err != nil {
			return err
		}
		trade.PnL = &pnl
		return nil
	})
}

// EnsurePaperAccount returns the user's paper account, creating it with the
// configured initial balance when it does not exist yet.
func (e *Engine) EnsurePaperAccount(ctx context.Context, userID string) (*models.PaperAccount, error) {
	var account *models.PaperAccount
	err := e.store.Update(ctx, func(tx ledger.Tx) error {
		acc, err := tx.PaperAccount(userID)
		if err != nil {
			return err
		}
		if acc != nil {
			account = acc
			return nil
		}

		now := e.now()
		account = &models.PaperAccount{
			ID:        e.newID(),
			UserID:    userID,
			Balance:   e.initialBalance,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return tx.CreatePaperAccount(account)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure paper account for %s: %w", userID, err)
	}
	return account, nil
}
