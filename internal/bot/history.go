package bot

import "binance-strategy-bot-go/internal/models"

// MaxHistory is the number of samples kept per running bot.
const MaxHistory = 100

// History is a bounded window of the most recent price samples, oldest first.
// It is owned by a single bot goroutine and is not safe for concurrent use.
type History struct {
	samples []models.PriceSample
	limit   int
}

// NewHistory creates a window holding at most limit samples.
func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = MaxHistory
	}
	return &History{samples: make([]models.PriceSample, 0, limit), limit: limit}
}

// Append adds sample, evicting the oldest one when the window is full, and
// returns a copy of the window.
func (h *History) Append(sample models.PriceSample) []models.PriceSample {
	if len(h.samples) == h.limit {
		copy(h.samples, h.samples[1:])
		h.samples[len(h.samples)-1] = sample
	} else {
		h.samples = append(h.samples, sample)
	}
	return h.Samples()
}

// Samples returns a copy of the window.
func (h *History) Samples() []models.PriceSample {
	out := make([]models.PriceSample, len(h.samples))
	copy(out, h.samples)
	return out
}

// Len returns the number of samples in the window.
func (h *History) Len() int {
	return len(h.samples)
}
