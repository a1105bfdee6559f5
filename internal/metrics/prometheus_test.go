package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordTick(t *testing.T) {
	before := testutil.ToFloat64(Ticks.WithLabelValues("rsi", "error"))
	RecordTick("rsi", 10*time.Millisecond, errors.New("boom"))
	assert.Equal(t, before+1, testutil.ToFloat64(Ticks.WithLabelValues("rsi", "error")))
}

func TestRecordSettlement(t *testing.T) {
	before := testutil.ToFloat64(Settlements.WithLabelValues("paper", "BUY", "success"))
	RecordSettlement("paper", "BUY", nil)
	assert.Equal(t, before+1, testutil.ToFloat64(Settlements.WithLabelValues("paper", "BUY", "success")))
}

func TestHandlerExposesRegisteredMetrics(t *testing.T) {
	Init()
	Init() // registering twice must not panic

	RecordFailure("bollinger_bands")
	ActiveBots.Set(3)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `strategy_bot_failures_total{strategy="bollinger_bands"}`)
	assert.Contains(t, string(body), "strategy_bot_active_bots 3")
}
