package statemanager

import (
	"binance-strategy-bot-go/internal/models"
	"binance-strategy-bot-go/internal/persistence"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType defines the type of a normalized event
type EventType int

const (
	BotStartedEvent EventType = iota
	PriceSampledEvent
	SignalEvent
	TradeSettledEvent
	BotFailedEvent
	BotStoppedEvent
)

func (t EventType) String() string {
	switch t {
	case BotStartedEvent:
		return "BotStarted"
	case PriceSampledEvent:
		return "PriceSampled"
	case SignalEvent:
		return "Signal"
	case TradeSettledEvent:
		return "TradeSettled"
	case BotFailedEvent:
		return "BotFailed"
	case BotStoppedEvent:
		return "BotStopped"
	}
	return "Unknown"
}

// NormalizedEvent is a standardized internal representation of an event
type NormalizedEvent struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

// BotStartedData carries the freshly activated bot record.
type BotStartedData struct {
	Bot *models.Bot
}

// PriceSampledData is emitted once per successful price fetch.
type PriceSampledData struct {
	BotID string
	Price float64
}

// SignalData is emitted for every evaluation that produced a signal.
type SignalData struct {
	BotID  string
	Signal models.Signal
}

// TradeSettledData carries the recorded trade.
type TradeSettledData struct {
	BotID string
	Trade *models.Trade
}

// BotFailedData describes the error that deactivated a bot.
type BotFailedData struct {
	BotID string
	Err   string
}

// BotStoppedData marks an explicit stop.
type BotStoppedData struct {
	BotID string
}

// StateManager is responsible for all runtime snapshot mutations and persistence.
// It ensures that all state changes are processed serially.
type StateManager struct {
	mu              sync.RWMutex
	runtimes        map[string]*models.BotRuntime
	repo            persistence.RuntimeRepository
	eventChannel    chan NormalizedEvent
	persistenceChan chan models.BotRuntime
	stopChan        chan struct{}
	stopOnce        sync.Once
	wg              sync.WaitGroup
	logger          *zap.Logger
}

// NewStateManager creates a new StateManager. repo may be nil to keep snapshots in memory only.
func NewStateManager(repo persistence.RuntimeRepository, logger *zap.Logger) *StateManager {
	return &StateManager{
		runtimes:        make(map[string]*models.BotRuntime),
		repo:            repo,
		eventChannel:    make(chan NormalizedEvent, 1024), // Buffered channel
		persistenceChan: make(chan models.BotRuntime, 128), // Buffered channel for snapshots to be persisted
		stopChan:        make(chan struct{}),
		logger:          logger,
	}
}

// Start begins the state manager's event processing and persistence loops.
func (sm *StateManager) Start() {
	sm.wg.Add(2)
	go sm.eventLoop()
	go sm.persistenceLoop()
	sm.logger.Sugar().Info("StateManager started.")
}

// Stop gracefully shuts down the StateManager after draining queued events.
func (sm *StateManager) Stop() {
	sm.stopOnce.Do(func() {
		close(sm.stopChan)
		sm.wg.Wait()
		sm.logger.Sugar().Info("StateManager stopped.")
	})
}

// DispatchEvent sends an event to the StateManager for processing.
// Events dispatched after Stop are dropped.
func (sm *StateManager) DispatchEvent(event NormalizedEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case <-sm.stopChan:
		sm.logger.Sugar().Debugf("Dropping %s event after stop.", event.Type)
	case sm.eventChannel <- event:
	}
}

// GetSnapshot returns a copy of a bot's runtime, or nil when the bot is unknown.
func (sm *StateManager) GetSnapshot(botID string) *models.BotRuntime {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	rt, ok := sm.runtimes[botID]
	if !ok {
		return nil
	}
	rtCopy := *rt
	return &rtCopy
}

// Snapshots returns copies of all known runtimes ordered by start time.
func (sm *StateManager) Snapshots() []models.BotRuntime {
	sm.mu.RLock()
	out := make([]models.BotRuntime, 0, len(sm.runtimes))
	for _, rt := range sm.runtimes {
		out = append(out, *rt)
	}
	sm.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].BotID < out[j].BotID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// eventLoop is the core processing loop that handles all incoming events serially.
func (sm *StateManager) eventLoop() {
	defer sm.wg.Done()
	// Closing the persistence channel lets persistenceLoop flush and exit.
	defer close(sm.persistenceChan)
	for {
		select {
		case event := <-sm.eventChannel:
			sm.processEvent(event)
		case <-sm.stopChan:
			for {
				select {
				case event := <-sm.eventChannel:
					sm.processEvent(event)
				default:
					return
				}
			}
		}
	}
}

// persistenceLoop handles the asynchronous saving of runtime snapshots.
func (sm *StateManager) persistenceLoop() {
	defer sm.wg.Done()
	for rt := range sm.persistenceChan {
		sm.save(rt)
	}
}

func (sm *StateManager) save(rt models.BotRuntime) {
	if sm.repo == nil {
		return
	}
	if err := sm.repo.SaveRuntime(&rt); err != nil {
		sm.logger.Sugar().Errorf("Failed to save runtime of bot %s: %v", rt.BotID, err)
	}
}

// processEvent contains the logic to mutate the state based on an event.
func (sm *StateManager) processEvent(event NormalizedEvent) {
	sm.mu.Lock()
	rt := sm.apply(event)
	var snapshot models.BotRuntime
	if rt != nil {
		rt.UpdatedAt = event.Timestamp
		snapshot = *rt
	}
	sm.mu.Unlock()

	// After processing, send a copy of the new runtime to the persistence channel.
	if rt != nil {
		sm.persistenceChan <- snapshot
	}
}

// apply mutates the runtime addressed by event and returns it. Must be called with mu held.
func (sm *StateManager) apply(event NormalizedEvent) *models.BotRuntime {
	switch event.Type {
	case BotStartedEvent:
		data, ok := event.Data.(BotStartedData)
		if !ok || data.Bot == nil {
			sm.logger.Sugar().Warnf("Received BotStartedEvent with unexpected data type: %T", event.Data)
			return nil
		}
		rt := &models.BotRuntime{
			BotID:     data.Bot.ID,
			UserID:    data.Bot.UserID,
			Symbol:    data.Bot.Symbol,
			Strategy:  data.Bot.Strategy,
			Status:    models.BotActive,
			StartedAt: event.Timestamp,
		}
		sm.runtimes[rt.BotID] = rt
		return rt

	case PriceSampledEvent:
		data, ok := event.Data.(PriceSampledData)
		if !ok {
			sm.logger.Sugar().Warnf("Received PriceSampledEvent with unexpected data type: %T", event.Data)
			return nil
		}
		rt := sm.lookup(data.BotID, event.Type)
		if rt != nil {
			rt.Ticks++
			rt.LastPrice = data.Price
		}
		return rt

	case SignalEvent:
		data, ok := event.Data.(SignalData)
		if !ok {
			sm.logger.Sugar().Warnf("Received SignalEvent with unexpected data type: %T", event.Data)
			return nil
		}
		rt := sm.lookup(data.BotID, event.Type)
		if rt != nil {
			rt.LastSignal = data.Signal
		}
		return rt

	case TradeSettledEvent:
		data, ok := event.Data.(TradeSettledData)
		if !ok || data.Trade == nil {
			sm.logger.Sugar().Warnf("Received TradeSettledEvent with unexpected data type: %T", event.Data)
			return nil
		}
		rt := sm.lookup(data.BotID, event.Type)
		if rt != nil {
			rt.Trades++
			rt.LastTradeID = data.Trade.ID
		}
		return rt

	case BotFailedEvent:
		data, ok := event.Data.(BotFailedData)
		if !ok {
			sm.logger.Sugar().Warnf("Received BotFailedEvent with unexpected data type: %T", event.Data)
			return nil
		}
		rt := sm.lookup(data.BotID, event.Type)
		if rt != nil {
			rt.Status = models.BotPaused
			rt.LastError = data.Err
		}
		return rt

	case BotStoppedEvent:
		data, ok := event.Data.(BotStoppedData)
		if !ok {
			sm.logger.Sugar().Warnf("Received BotStoppedEvent with unexpected data type: %T", event.Data)
			return nil
		}
		rt := sm.lookup(data.BotID, event.Type)
		if rt != nil {
			rt.Status = models.BotStopped
		}
		return rt
	}

	sm.logger.Sugar().Warnf("Received unknown event type %d", event.Type)
	return nil
}

func (sm *StateManager) lookup(botID string, t EventType) *models.BotRuntime {
	rt, ok := sm.runtimes[botID]
	if !ok {
		sm.logger.Sugar().Warnf("Received %s event for unknown bot %s.", t, botID)
		return nil
	}
	return rt
}
