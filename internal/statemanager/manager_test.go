package statemanager

import (
	"binance-strategy-bot-go/internal/models"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockRuntimeRepository is a mock implementation of the RuntimeRepository interface for testing.
type mockRuntimeRepository struct {
	sync.Mutex
	saved        map[string]models.BotRuntime
	saveCount    int
	saveDoneChan chan string // Receives the bot ID of each completed save
}

func newMockRuntimeRepository() *mockRuntimeRepository {
	return &mockRuntimeRepository{
		saved:        make(map[string]models.BotRuntime),
		saveDoneChan: make(chan string, 64),
	}
}

func (m *mockRuntimeRepository) SaveRuntime(rt *models.BotRuntime) error {
	m.Lock()
	m.saved[rt.BotID] = *rt
	m.saveCount++
	m.Unlock()

	// Signal that save is complete
	m.saveDoneChan <- rt.BotID
	return nil
}

func (m *mockRuntimeRepository) LoadRuntime(botID string) (*models.BotRuntime, error) {
	m.Lock()
	defer m.Unlock()
	rt, ok := m.saved[botID]
	if !ok {
		return nil, nil
	}
	return &rt, nil
}

func (m *mockRuntimeRepository) getSaved(botID string) (models.BotRuntime, bool) {
	m.Lock()
	defer m.Unlock()
	rt, ok := m.saved[botID]
	return rt, ok
}

func (m *mockRuntimeRepository) waitSaves(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-m.saveDoneChan:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for save %d of %d", i+1, n)
		}
	}
}

func testBot() *models.Bot {
	return &models.Bot{ID: "bot-1", UserID: "u1", Symbol: "BTCUSDT", Strategy: models.RSIBand, Status: models.BotActive, Mode: models.PaperMode}
}

// TestNewStateManager verifies that the StateManager is initialized correctly.
func TestNewStateManager(t *testing.T) {
	sm := NewStateManager(newMockRuntimeRepository(), zap.NewNop())
	require.NotNil(t, sm, "StateManager should not be nil")

	assert.Nil(t, sm.GetSnapshot("missing"))
	assert.Empty(t, sm.Snapshots())

	// Check if channels are created
	assert.NotNil(t, sm.eventChannel, "eventChannel should be created")
	assert.NotNil(t, sm.persistenceChan, "persistenceChan should be created")
	assert.NotNil(t, sm.stopChan, "stopChan should be created")
}

// TestRuntimeLifecycle runs a bot through start, ticks, a trade and a failure.
func TestRuntimeLifecycle(t *testing.T) {
	repo := newMockRuntimeRepository()
	sm := NewStateManager(repo, zap.NewNop())
	sm.Start()
	defer sm.Stop()

	started := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	sm.DispatchEvent(NormalizedEvent{Type: BotStartedEvent, Timestamp: started, Data: BotStartedData{Bot: testBot()}})
	sm.DispatchEvent(NormalizedEvent{Type: PriceSampledEvent, Data: PriceSampledData{BotID: "bot-1", Price: 100}})
	sm.DispatchEvent(NormalizedEvent{Type: PriceSampledEvent, Data: PriceSampledData{BotID: "bot-1", Price: 101}})
	sm.DispatchEvent(NormalizedEvent{Type: SignalEvent, Data: SignalData{BotID: "bot-1", Signal: models.SignalBuy}})
	sm.DispatchEvent(NormalizedEvent{Type: TradeSettledEvent, Data: TradeSettledData{BotID: "bot-1", Trade: &models.Trade{ID: "trade-1"}}})
	sm.DispatchEvent(NormalizedEvent{Type: BotFailedEvent, Data: BotFailedData{BotID: "bot-1", Err: "price unavailable"}})

	repo.waitSaves(t, 6)

	snapshot := sm.GetSnapshot("bot-1")
	require.NotNil(t, snapshot)
	assert.Equal(t, int64(2), snapshot.Ticks)
	assert.Equal(t, 101.0, snapshot.LastPrice)
	assert.Equal(t, models.SignalBuy, snapshot.LastSignal)
	assert.Equal(t, int64(1), snapshot.Trades)
	assert.Equal(t, "trade-1", snapshot.LastTradeID)
	assert.Equal(t, models.BotPaused, snapshot.Status)
	assert.Equal(t, "price unavailable", snapshot.LastError)
	assert.True(t, started.Equal(snapshot.StartedAt))

	// Verify that the last state was persisted
	saved, ok := repo.getSaved("bot-1")
	require.True(t, ok)
	assert.Equal(t, *snapshot, saved)
}

// TestUnknownBotEventsAreIgnored verifies events for unknown bots don't create runtimes.
func TestUnknownBotEventsAreIgnored(t *testing.T) {
	repo := newMockRuntimeRepository()
	sm := NewStateManager(repo, zap.NewNop())
	sm.Start()

	sm.DispatchEvent(NormalizedEvent{Type: PriceSampledEvent, Data: PriceSampledData{BotID: "ghost", Price: 1}})
	sm.DispatchEvent(NormalizedEvent{Type: SignalEvent, Data: "not signal data"})
	sm.Stop()

	assert.Nil(t, sm.GetSnapshot("ghost"))
	repo.Lock()
	assert.Equal(t, 0, repo.saveCount)
	repo.Unlock()
}

// TestAsyncPersistence verifies that persistence happens off the dispatching goroutine.
func TestAsyncPersistence(t *testing.T) {
	repo := newMockRuntimeRepository()
	sm := NewStateManager(repo, zap.NewNop())
	sm.Start()
	defer sm.Stop()

	sm.DispatchEvent(NormalizedEvent{Type: BotStartedEvent, Data: BotStartedData{Bot: testBot()}})

	select {
	case id := <-repo.saveDoneChan:
		// This confirms that SaveRuntime was eventually called by the persistenceLoop.
		assert.Equal(t, "bot-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for async SaveRuntime call")
	}

	saved, ok := repo.getSaved("bot-1")
	require.True(t, ok)
	assert.Equal(t, models.BotActive, saved.Status)
}

// TestStopFlushesQueuedEvents verifies Stop drains what was dispatched before it.
func TestStopFlushesQueuedEvents(t *testing.T) {
	repo := newMockRuntimeRepository()
	sm := NewStateManager(repo, zap.NewNop())
	sm.Start()

	sm.DispatchEvent(NormalizedEvent{Type: BotStartedEvent, Data: BotStartedData{Bot: testBot()}})
	for i := 0; i < 20; i++ {
		sm.DispatchEvent(NormalizedEvent{Type: PriceSampledEvent, Data: PriceSampledData{BotID: "bot-1", Price: float64(i)}})
	}
	sm.DispatchEvent(NormalizedEvent{Type: BotStoppedEvent, Data: BotStoppedData{BotID: "bot-1"}})
	sm.Stop()

	saved, ok := repo.getSaved("bot-1")
	require.True(t, ok)
	assert.Equal(t, models.BotStopped, saved.Status)
	assert.Equal(t, int64(20), saved.Ticks)

	// dispatching after stop must not block
	sm.DispatchEvent(NormalizedEvent{Type: BotStoppedEvent, Data: BotStoppedData{BotID: "bot-1"}})
}

func TestSnapshotsOrderedByStart(t *testing.T) {
	sm := NewStateManager(nil, zap.NewNop())
	sm.Start()

	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	second := testBot()
	second.ID = "bot-2"
	sm.DispatchEvent(NormalizedEvent{Type: BotStartedEvent, Timestamp: base.Add(time.Minute), Data: BotStartedData{Bot: second}})
	sm.DispatchEvent(NormalizedEvent{Type: BotStartedEvent, Timestamp: base, Data: BotStartedData{Bot: testBot()}})
	sm.Stop()

	snaps := sm.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "bot-1", snaps[0].BotID)
	assert.Equal(t, "bot-2", snaps[1].BotID)
}
