package backtest

import (
	"binance-strategy-bot-go/internal/bot"
	"binance-strategy-bot-go/internal/exchange"
	"binance-strategy-bot-go/internal/ledger"
	"binance-strategy-bot-go/internal/models"
	"binance-strategy-bot-go/internal/persistence"
	"binance-strategy-bot-go/internal/settlement"
	"binance-strategy-bot-go/internal/storage"
	"binance-strategy-bot-go/internal/strategy"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// backtestUser owns the throwaway paper account of a replay.
const backtestUser = "backtest"

// Result is the outcome of one replay.
type Result struct {
	Symbol         string
	Strategy       models.StrategyKind
	InitialBalance float64
	Samples        int
	Start          time.Time
	End            time.Time

	Trades   []models.Trade
	Rejected int // signals the paper ledger refused (balance or position too small)

	// EquityCurve holds cash plus position value after every sample.
	EquityCurve []float64
	FinalCash   float64
	FinalQty    float64
	LastPrice   float64
}

// Runner replays historical samples through the evaluator and a paper ledger.
type Runner struct {
	initialBalance float64
	logger         *zap.Logger
}

func NewRunner(initialBalance float64, logger *zap.Logger) *Runner {
	return &Runner{initialBalance: initialBalance, logger: logger}
}

// Run replays samples for cfg. Every run uses fresh in-memory stores, so runs never share state.
func (r *Runner) Run(ctx context.Context, cfg models.StrategyConfig, samples []models.PriceSample) (*Result, error) {
	cfg.Mode = models.PaperMode
	if err := bot.Validate(cfg); err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, errors.New("no samples to replay")
	}
	cfg.ApplyDefaults()

	store, err := storage.NewLedger(storage.MemoryPath)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	repo, err := persistence.NewBadgerRepository("")
	if err != nil {
		return nil, fmt.Errorf("failed to open bot repository: %w", err)
	}
	defer repo.Close()

	replay := exchange.NewReplayExchange(cfg.Symbol, samples)
	engine := settlement.NewEngine(store, repo, nil, r.initialBalance, r.logger).WithClock(replay.CurrentTime)

	account, err := engine.EnsurePaperAccount(ctx, backtestUser)
	if err != nil {
		return nil, err
	}
	record := &models.Bot{
		ID:       uuid.NewString(),
		UserID:   backtestUser,
		Symbol:   cfg.Symbol,
		Strategy: cfg.Kind(),
		Mode:     models.PaperMode,
		Config:   cfg,
	}
	if err := repo.Activate(record); err != nil {
		return nil, fmt.Errorf("failed to activate backtest bot: %w", err)
	}

	result := &Result{
		Symbol:         cfg.Symbol,
		Strategy:       cfg.Kind(),
		InitialBalance: r.initialBalance,
		Samples:        replay.Len(),
		Start:          samples[0].Time,
		End:            samples[len(samples)-1].Time,
		EquityCurve:    make([]float64, 0, len(samples)),
		FinalCash:      account.Balance,
	}

	history := bot.NewHistory(bot.MaxHistory)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sample, ok := replay.Advance()
		if !ok {
			break
		}

		price, err := replay.GetPrice(ctx, cfg.Symbol)
		if err != nil {
			return nil, err
		}
		window := history.Append(models.PriceSample{Time: sample.Time, Price: price})

		signal, err := strategy.Evaluate(window, cfg)
		if err != nil {
			return nil, err
		}

		trade, err := engine.Settle(ctx, backtestUser, cfg, signal, price)
		switch {
		case errors.Is(err, settlement.ErrInsufficientBalance), errors.Is(err, settlement.ErrInsufficientPosition):
			result.Rejected++
			r.logger.Debug("Signal rejected by paper ledger", zap.Time("time", sample.Time), zap.Error(err))
		case err != nil:
			return nil, fmt.Errorf("settlement failed at %s: %w", sample.Time.Format(time.RFC3339), err)
		case trade != nil:
			result.Trades = append(result.Trades, *trade)
			if result.FinalCash, result.FinalQty, err = holdings(ctx, store, account.ID, cfg.Symbol); err != nil {
				return nil, err
			}
		}

		result.LastPrice = price
		result.EquityCurve = append(result.EquityCurve, result.FinalCash+result.FinalQty*price)
	}

	r.logger.Info("Backtest finished",
		zap.String("symbol", result.Symbol),
		zap.String("strategy", string(result.Strategy)),
		zap.Int("samples", result.Samples),
		zap.Int("trades", len(result.Trades)),
		zap.Int("rejected", result.Rejected))
	return result, nil
}

func holdings(ctx context.Context, store ledger.Store, accountID, symbol string) (cash, qty float64, err error) {
	err = store.View(ctx, func(tx ledger.Tx) error {
		acc, err := tx.PaperAccount(backtestUser)
		if err != nil {
			return err
		}
		cash = acc.Balance
		pos, err := tx.PaperPosition(accountID, symbol)
		if err != nil {
			return err
		}
		if pos != nil {
			qty = pos.Quantity
		}
		return nil
	})
	return cash, qty, err
}
