package bot

import (
	"binance-strategy-bot-go/internal/models"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHistoryEvictsOldestSamples(t *testing.T) {
	h := NewHistory(3)
	var window []models.PriceSample
	for i := 1; i <= 5; i++ {
		window = h.Append(models.PriceSample{Price: float64(i)})
	}

	assert.Equal(t, 3, h.Len())
	assert.Equal(t, []float64{3, 4, 5}, models.Closes(window))

	// the returned window is a copy
	window[0].Price = 99
	assert.Equal(t, []float64{3, 4, 5}, models.Closes(h.Samples()))
}

func TestHistoryDefaultsToMaxHistory(t *testing.T) {
	h := NewHistory(0)
	for i := 0; i < MaxHistory+10; i++ {
		h.Append(models.PriceSample{Price: float64(i)})
	}
	samples := h.Samples()
	assert.Len(t, samples, MaxHistory)
	assert.Equal(t, 10.0, samples[0].Price)
	assert.Equal(t, float64(MaxHistory+9), samples[len(samples)-1].Price)
}
