package exchange

import (
	"binance-strategy-bot-go/internal/models"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplayExchange(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ex := NewReplayExchange("BTCUSDT", []models.PriceSample{
		{Time: start, Price: 100},
		{Time: start.Add(time.Minute), Price: 101},
	})
	ctx := context.Background()

	_, err := ex.GetPrice(ctx, "BTCUSDT")
	assert.ErrorIs(t, err, ErrPriceUnavailable)

	s, ok := ex.Advance()
	require.True(t, ok)
	assert.Equal(t, 100.0, s.Price)

	price, err := ex.GetPrice(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 100.0, price)

	_, err = ex.GetPrice(ctx, "ETHUSDT")
	assert.ErrorIs(t, err, ErrPriceUnavailable)

	_, ok = ex.Advance()
	require.True(t, ok)
	assert.Equal(t, start.Add(time.Minute), ex.CurrentTime())

	_, ok = ex.Advance()
	assert.False(t, ok)
	assert.Equal(t, 2, ex.Len())
}
