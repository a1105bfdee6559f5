package strategy

import (
	"math"

	"github.com/markcheno/go-talib"
)

// flatEpsilon is the smallest total price movement treated as movement.
const flatEpsilon = 1e-12

// trailing returns the last n values of closes. Callers check len(closes) >= n.
func trailing(closes []float64, n int) []float64 {
	return closes[len(closes)-n:]
}

// smaPair returns the simple moving average at the latest and the previous point.
// closes must hold at least period+1 values.
func smaPair(closes []float64, period int) (current, previous float64) {
	out := talib.Sma(closes, period)
	return out[len(out)-1], out[len(out)-2]
}

// rsiLatest computes RSI over the trailing period+1 closes. ok is false when the
// window has no price movement, in which case the oscillator is undefined.
func rsiLatest(closes []float64, period int) (value float64, ok bool) {
	window := trailing(closes, period+1)

	var movement float64
	for i := 1; i < len(window); i++ {
		movement += math.Abs(window[i] - window[i-1])
	}
	if movement < flatEpsilon {
		return 0, false
	}

	out := talib.Rsi(window, period)
	return out[len(out)-1], true
}

// bollingerLatest returns the bands for the trailing period closes.
func bollingerLatest(closes []float64, period int, deviations float64) (upper, middle, lower float64) {
	window := trailing(closes, period)
	u, m, l := talib.BBands(window, period, deviations, deviations, talib.SMA)
	last := len(window) - 1
	return u[last], m[last], l[last]
}
