package settlement

import (
	"binance-strategy-bot-go/internal/ledger"
	"binance-strategy-bot-go/internal/models"
	"binance-strategy-bot-go/internal/storage"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeBots is a mutex-guarded in-memory BotFinder.
type fakeBots struct {
	mu   sync.Mutex
	bots map[string]*models.Bot
}

func newFakeBots() *fakeBots {
	return &fakeBots{bots: make(map[string]*models.Bot)}
}

func (f *fakeBots) add(userID, symbol string, mode models.TradingMode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bots[userID+"/"+symbol] = &models.Bot{ID: "bot-" + userID + "-" + symbol, UserID: userID, Symbol: symbol, Mode: mode, Status: models.BotActive}
}

func (f *fakeBots) FindActive(userID, symbol string) (*models.Bot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bots[userID+"/"+symbol], nil
}

// fakeExecutor records executed orders and can be told to fail.
type fakeExecutor struct {
	mu     sync.Mutex
	err    error
	orders []models.Side
}

func (f *fakeExecutor) Execute(_ context.Context, side models.Side, _ string, _ float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.orders = append(f.orders, side)
	return nil
}

type fixture struct {
	engine   *Engine
	store    ledger.Store
	bots     *fakeBots
	executor *fakeExecutor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewLedger(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bots := newFakeBots()
	executor := &fakeExecutor{}
	return &fixture{
		engine:   NewEngine(store, bots, executor, 10000, zap.NewNop()),
		store:    store,
		bots:     bots,
		executor: executor,
	}
}

func strategyConfig(symbol string, amount float64) models.StrategyConfig {
	cfg := models.StrategyConfig{Symbol: symbol, Amount: amount, Interval: 1000, Params: models.RSIParams{}}
	cfg.ApplyDefaults()
	return cfg
}

type paperState struct {
	balance  float64
	position *models.PaperPosition
	trades   []models.Trade
}

func (f *fixture) paperState(t *testing.T, userID, symbol string) paperState {
	t.Helper()
	var st paperState
	require.NoError(t, f.store.View(context.Background(), func(tx ledger.Tx) error {
		acc, err := tx.PaperAccount(userID)
		require.NoError(t, err)
		require.NotNil(t, acc)
		st.balance = acc.Balance
		st.position, err = tx.PaperPosition(acc.ID, symbol)
		require.NoError(t, err)
		st.trades, err = tx.Trades(ledger.TradeFilter{UserID: userID, Symbol: symbol})
		return err
	}))
	return st
}

func TestPaperBuyBuySell(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.bots.add("u1", "BTCUSDT", models.PaperMode)
	_, err := f.engine.EnsurePaperAccount(ctx, "u1")
	require.NoError(t, err)
	cfg := strategyConfig("BTCUSDT", 1)

	trade, err := f.engine.Settle(ctx, "u1", cfg, models.SignalBuy, 100)
	require.NoError(t, err)
	require.NotNil(t, trade)
	assert.Equal(t, models.Buy, trade.Side)
	assert.Equal(t, "bot-u1-BTCUSDT", trade.BotID)
	assert.Nil(t, trade.PnL)

	st := f.paperState(t, "u1", "BTCUSDT")
	assert.Equal(t, 9900.0, st.balance)
	require.NotNil(t, st.position)
	assert.Equal(t, 1.0, st.position.Quantity)
	assert.Equal(t, 100.0, st.position.AveragePrice)

	_, err = f.engine.Settle(ctx, "u1", cfg, models.SignalBuy, 200)
	require.NoError(t, err)

	st = f.paperState(t, "u1", "BTCUSDT")
	assert.Equal(t, 9700.0, st.balance)
	require.NotNil(t, st.position)
	assert.Equal(t, 2.0, st.position.Quantity)
	assert.Equal(t, 150.0, st.position.AveragePrice)

	trade, err = f.engine.Settle(ctx, "u1", cfg, models.SignalSell, 180)
	require.NoError(t, err)
	require.NotNil(t, trade.PnL)
	assert.Equal(t, 30.0, *trade.PnL)

	st = f.paperState(t, "u1", "BTCUSDT")
	assert.Equal(t, 9880.0, st.balance)
	require.NotNil(t, st.position)
	assert.Equal(t, 1.0, st.position.Quantity)
	assert.Equal(t, 150.0, st.position.AveragePrice, "average price only changes on buys")

	require.Len(t, st.trades, 3)
	require.NotNil(t, st.trades[2].PnL)
	assert.Equal(t, 30.0, *st.trades[2].PnL)

	// selling the remainder removes the position row
	_, err = f.engine.Settle(ctx, "u1", cfg, models.SignalSell, 150)
	require.NoError(t, err)
	st = f.paperState(t, "u1", "BTCUSDT")
	assert.Nil(t, st.position)
	assert.Equal(t, 10030.0, st.balance)
}

func TestPaperOversellIsRejectedWithoutMutation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.bots.add("u1", "BTCUSDT", models.PaperMode)
	_, err := f.engine.EnsurePaperAccount(ctx, "u1")
	require.NoError(t, err)

	_, err = f.engine.Settle(ctx, "u1", strategyConfig("BTCUSDT", 1), models.SignalBuy, 100)
	require.NoError(t, err)
	before := f.paperState(t, "u1", "BTCUSDT")

	_, err = f.engine.Settle(ctx, "u1", strategyConfig("BTCUSDT", 2), models.SignalSell, 120)
	assert.ErrorIs(t, err, ErrInsufficientPosition)

	after := f.paperState(t, "u1", "BTCUSDT")
	assert.Equal(t, before, after)
}

func TestPaperSellWithoutPosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.bots.add("u1", "ETHUSDT", models.PaperMode)
	_, err := f.engine.EnsurePaperAccount(ctx, "u1")
	require.NoError(t, err)

	_, err = f.engine.Settle(ctx, "u1", strategyConfig("ETHUSDT", 1), models.SignalSell, 10)
	assert.ErrorIs(t, err, ErrInsufficientPosition)
	assert.Empty(t, f.paperState(t, "u1", "ETHUSDT").trades)
}

func TestPaperInsufficientBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.bots.add("u1", "BTCUSDT", models.PaperMode)
	_, err := f.engine.EnsurePaperAccount(ctx, "u1")
	require.NoError(t, err)

	_, err = f.engine.Settle(ctx, "u1", strategyConfig("BTCUSDT", 1), models.SignalBuy, 10001)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	st := f.paperState(t, "u1", "BTCUSDT")
	assert.Equal(t, 10000.0, st.balance)
	assert.Nil(t, st.position)
	assert.Empty(t, st.trades)
}

func TestPaperAccountMissing(t *testing.T) {
	f := newFixture(t)
	f.bots.add("u1", "BTCUSDT", models.PaperMode)

	_, err := f.engine.Settle(context.Background(), "u1", strategyConfig("BTCUSDT", 1), models.SignalBuy, 100)
	assert.ErrorIs(t, err, ErrPaperAccountNotFound)
}

func TestBotNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Settle(context.Background(), "u1", strategyConfig("BTCUSDT", 1), models.SignalBuy, 100)
	assert.ErrorIs(t, err, ErrBotNotFound)
}

func TestSignalNoneIsNoop(t *testing.T) {
	f := newFixture(t)
	trade, err := f.engine.Settle(context.Background(), "u1", strategyConfig("BTCUSDT", 1), models.SignalNone, 100)
	assert.NoError(t, err)
	assert.Nil(t, trade)
}

func livePosition(t *testing.T, store ledger.Store, userID, symbol string) *models.Position {
	t.Helper()
	var pos *models.Position
	require.NoError(t, store.View(context.Background(), func(tx ledger.Tx) error {
		var err error
		pos, err = tx.Position(userID, symbol)
		return err
	}))
	return pos
}

func TestLiveBuyThenSellRemovesPosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.bots.add("u1", "BTCUSDT", models.LiveMode)
	cfg := strategyConfig("BTCUSDT", 5)

	trade, err := f.engine.Settle(ctx, "u1", cfg, models.SignalBuy, 100)
	require.NoError(t, err)
	assert.Equal(t, models.LiveMode, trade.Mode)

	pos := livePosition(t, f.store, "u1", "BTCUSDT")
	require.NotNil(t, pos)
	assert.Equal(t, 5.0, pos.Quantity)

	_, err = f.engine.Settle(ctx, "u1", cfg, models.SignalSell, 110)
	require.NoError(t, err)
	assert.Nil(t, livePosition(t, f.store, "u1", "BTCUSDT"))

	f.executor.mu.Lock()
	assert.Equal(t, []models.Side{models.Buy, models.Sell}, f.executor.orders)
	f.executor.mu.Unlock()
}

func TestLiveOrderFailureLeavesLedgerUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.bots.add("u1", "BTCUSDT", models.LiveMode)
	f.executor.err = errors.New("exchange down")

	_, err := f.engine.Settle(ctx, "u1", strategyConfig("BTCUSDT", 1), models.SignalBuy, 100)
	require.Error(t, err)

	assert.Nil(t, livePosition(t, f.store, "u1", "BTCUSDT"))
	require.NoError(t, f.store.View(ctx, func(tx ledger.Tx) error {
		trades, err := tx.Trades(ledger.TradeFilter{UserID: "u1"})
		require.NoError(t, err)
		assert.Empty(t, trades)
		return nil
	}))
}

func TestLiveSellWithoutPositionRecordsTradeOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.bots.add("u1", "BTCUSDT", models.LiveMode)

	_, err := f.engine.Settle(ctx, "u1", strategyConfig("BTCUSDT", 1), models.SignalSell, 100)
	require.NoError(t, err)

	assert.Nil(t, livePosition(t, f.store, "u1", "BTCUSDT"))
	require.NoError(t, f.store.View(ctx, func(tx ledger.Tx) error {
		trades, err := tx.Trades(ledger.TradeFilter{UserID: "u1"})
		require.NoError(t, err)
		assert.Len(t, trades, 1)
		return nil
	}))
}

func TestEnsurePaperAccountIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.engine.EnsurePaperAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 10000.0, first.Balance)

	second, err := f.engine.EnsurePaperAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestConcurrentPaperBuysNeverOverspend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.bots.add("u1", "BTCUSDT", models.PaperMode)
	_, err := f.engine.EnsurePaperAccount(ctx, "u1")
	require.NoError(t, err)
	cfg := strategyConfig("BTCUSDT", 1)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, rejected int
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Settle(ctx, "u1", cfg, models.SignalBuy, 2000)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrInsufficientBalance):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, ok)
	assert.Equal(t, 7, rejected)

	st := f.paperState(t, "u1", "BTCUSDT")
	assert.Equal(t, 0.0, st.balance)
	require.NotNil(t, st.position)
	assert.Equal(t, 5.0, st.position.Quantity)
}
