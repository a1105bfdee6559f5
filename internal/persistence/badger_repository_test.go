package persistence

import (
	"binance-strategy-bot-go/internal/models"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) BadgerRepository {
	t.Helper()
	repo, err := NewBadgerRepository("")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func newBot(id, user, symbol string) *models.Bot {
	cfg := models.StrategyConfig{Symbol: symbol, Interval: 1000, Params: models.RSIParams{}}
	cfg.ApplyDefaults()
	return &models.Bot{
		ID:       id,
		UserID:   user,
		Symbol:   symbol,
		Strategy: cfg.Kind(),
		Mode:     cfg.Mode,
		Config:   cfg,
	}
}

func TestActivateReplacesPreviousActiveBot(t *testing.T) {
	repo := newTestRepo(t)

	require.NoError(t, repo.Activate(newBot("b1", "u1", "BTCUSDT")))
	require.NoError(t, repo.Activate(newBot("b2", "u1", "BTCUSDT")))

	active, err := repo.FindActive("u1", "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "b2", active.ID)
	assert.Equal(t, models.BotActive, active.Status)
	assert.Equal(t, models.RSIParams{Period: 14, Oversold: 30, Overbought: 70}, active.Config.Params)

	prev, err := repo.Get("b1")
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, models.BotStopped, prev.Status)

	bots, err := repo.List("u1")
	require.NoError(t, err)
	activeCount := 0
	for _, b := range bots {
		if b.Status == models.BotActive {
			activeCount++
		}
	}
	assert.Equal(t, 1, activeCount)
}

func TestConcurrentActivateKeepsOneActive(t *testing.T) {
	repo := newTestRepo(t)

	var wg sync.WaitGroup
	ids := []string{"b1", "b2", "b3", "b4"}
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = repo.Activate(newBot(id, "u1", "ETHUSDT"))
		}(id)
	}
	wg.Wait()

	bots, err := repo.List("u1")
	require.NoError(t, err)
	require.NotEmpty(t, bots)

	active, err := repo.FindActive("u1", "ETHUSDT")
	require.NoError(t, err)
	require.NotNil(t, active)

	for _, b := range bots {
		if b.ID == active.ID {
			assert.Equal(t, models.BotActive, b.Status)
		} else {
			assert.NotEqual(t, models.BotActive, b.Status, "bot %s", b.ID)
		}
	}
}

func TestSetStatusClearsActiveIndex(t *testing.T) {
	repo := newTestRepo(t)
	require.NoError(t, repo.Activate(newBot("b1", "u1", "BTCUSDT")))

	require.NoError(t, repo.SetStatus("b1", models.BotPaused))

	active, err := repo.FindActive("u1", "BTCUSDT")
	require.NoError(t, err)
	assert.Nil(t, active)

	bot, err := repo.Get("b1")
	require.NoError(t, err)
	assert.Equal(t, models.BotPaused, bot.Status)

	assert.Error(t, repo.SetStatus("missing", models.BotStopped))
}

func TestSetStatusOfReplacedBotKeepsNewActive(t *testing.T) {
	repo := newTestRepo(t)
	require.NoError(t, repo.Activate(newBot("b1", "u1", "BTCUSDT")))
	require.NoError(t, repo.Activate(newBot("b2", "u1", "BTCUSDT")))

	// a late failure report for the old bot must not clear the new one
	require.NoError(t, repo.SetStatus("b1", models.BotPaused))

	active, err := repo.FindActive("u1", "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "b2", active.ID)
}

func TestListFiltersByUser(t *testing.T) {
	repo := newTestRepo(t)
	require.NoError(t, repo.Activate(newBot("b1", "u1", "BTCUSDT")))
	require.NoError(t, repo.Activate(newBot("b2", "u2", "BTCUSDT")))
	require.NoError(t, repo.Activate(newBot("b3", "u1", "ETHUSDT")))

	bots, err := repo.List("u1")
	require.NoError(t, err)
	assert.Len(t, bots, 2)

	all, err := repo.List("")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestRuntimeSnapshots(t *testing.T) {
	repo := newTestRepo(t)

	missing, err := repo.LoadRuntime("b1")
	require.NoError(t, err)
	assert.Nil(t, missing)

	rt := &models.BotRuntime{BotID: "b1", UserID: "u1", Symbol: "BTCUSDT", Status: models.BotActive, Ticks: 7, LastPrice: 42000, LastSignal: models.SignalBuy, UpdatedAt: time.Now().UTC()}
	require.NoError(t, repo.SaveRuntime(rt))

	loaded, err := repo.LoadRuntime("b1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, int64(7), loaded.Ticks)
	assert.Equal(t, models.SignalBuy, loaded.LastSignal)
	assert.True(t, rt.UpdatedAt.Equal(loaded.UpdatedAt))
}
