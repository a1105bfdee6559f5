package bot

import (
	"binance-strategy-bot-go/internal/exchange"
	"binance-strategy-bot-go/internal/metrics"
	"binance-strategy-bot-go/internal/models"
	"binance-strategy-bot-go/internal/persistence"
	"binance-strategy-bot-go/internal/statemanager"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"
)

var (
	// ErrInvalidConfig is returned by StartStrategy for a config that cannot run.
	ErrInvalidConfig = errors.New("invalid strategy config")
	// ErrSchedulerClosed is returned by StartStrategy after Shutdown.
	ErrSchedulerClosed = errors.New("scheduler is shut down")
)

// maxRetryDelay caps the backoff between retried ticks.
const maxRetryDelay = time.Minute

// Evaluator turns a price history into a signal.
type Evaluator interface {
	Evaluate(history []models.PriceSample, cfg models.StrategyConfig) (models.Signal, error)
}

// Settler applies a signal to the ledger.
type Settler interface {
	Settle(ctx context.Context, userID string, cfg models.StrategyConfig, signal models.Signal, price float64) (*models.Trade, error)
	EnsurePaperAccount(ctx context.Context, userID string) (*models.PaperAccount, error)
}

// EventSink receives runtime events. *statemanager.StateManager implements it.
type EventSink interface {
	DispatchEvent(event statemanager.NormalizedEvent)
}

// Options tunes failure handling. The zero value deactivates a bot on its first failed tick.
type Options struct {
	RetryAttempts     int
	RetryInitialDelay time.Duration
}

type botKey struct {
	userID string
	symbol string
}

// runningBot is the in-memory state of one bot loop.
type runningBot struct {
	bot      models.Bot
	cfg      models.StrategyConfig
	history  *History
	stop     chan struct{}
	stopOnce sync.Once
}

func (rb *runningBot) key() botKey {
	return botKey{userID: rb.bot.UserID, symbol: rb.bot.Symbol}
}

func (rb *runningBot) halt() {
	rb.stopOnce.Do(func() { close(rb.stop) })
}

// Scheduler runs one polling loop per (user, symbol) and owns the registry of running bots.
type Scheduler struct {
	prices    exchange.PriceSource
	evaluator Evaluator
	settler   Settler
	repo      persistence.BotRepository
	events    EventSink
	logger    *zap.Logger
	opts      Options

	// baseCtx outlives individual bots so that stopping a bot never aborts a running settlement.
	baseCtx    context.Context
	cancelBase context.CancelFunc

	opsMu    sync.Mutex // serializes StartStrategy, StopStrategy and Shutdown
	mu       sync.Mutex // guards registry and closed
	registry map[botKey]*runningBot
	closed   bool
	wg       sync.WaitGroup

	now   func() time.Time
	newID func() string
}

// NewScheduler creates a scheduler. events may be nil.
func NewScheduler(prices exchange.PriceSource, evaluator Evaluator, settler Settler, repo persistence.BotRepository, events EventSink, logger *zap.Logger, opts Options) *Scheduler {
	if opts.RetryAttempts < 0 {
		opts.RetryAttempts = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		prices:     prices,
		evaluator:  evaluator,
		settler:    settler,
		repo:       repo,
		events:     events,
		logger:     logger,
		opts:       opts,
		baseCtx:    ctx,
		cancelBase: cancel,
		registry:   make(map[botKey]*runningBot),
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

func validate(cfg models.StrategyConfig) error {
	if cfg.Interval <= 0 {
		return fmt.Errorf("%w: interval must be positive, got %d", ErrInvalidConfig, cfg.Interval)
	}
	return Validate(cfg)
}

// Validate checks everything about cfg except the polling interval, which only a live loop uses.
func Validate(cfg models.StrategyConfig) error {
	switch {
	case strings.TrimSpace(cfg.Symbol) == "":
		return fmt.Errorf("%w: symbol is required", ErrInvalidConfig)
	case cfg.Amount < 0:
		return fmt.Errorf("%w: negative amount %v", ErrInvalidConfig, cfg.Amount)
	case cfg.Params == nil:
		return fmt.Errorf("%w: no strategy parameters", ErrInvalidConfig)
	}
	switch cfg.Mode {
	case "", models.PaperMode, models.LiveMode:
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, cfg.Mode)
	}
	if need := cfg.Params.MinSamples(); need > MaxHistory {
		return fmt.Errorf("%w: %s needs %d samples, history keeps %d", ErrInvalidConfig, cfg.Kind(), need, MaxHistory)
	}
	return nil
}

// StartStrategy persists a new active bot for (userID, cfg.Symbol), replaces any bot
// already running for that pair and launches its loop. The first tick fires immediately
// and StartStrategy returns without waiting for it.
func (s *Scheduler) StartStrategy(ctx context.Context, userID string, cfg models.StrategyConfig) (*models.Bot, error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()

	s.opsMu.Lock()
	defer s.opsMu.Unlock()

	if s.isClosed() {
		return nil, ErrSchedulerClosed
	}

	if cfg.Mode == models.PaperMode {
		if _, err := s.settler.EnsurePaperAccount(ctx, userID); err != nil {
			return nil, err
		}
	}

	bot := &models.Bot{
		ID:       s.newID(),
		UserID:   userID,
		Symbol:   cfg.Symbol,
		Strategy: cfg.Kind(),
		Mode:     cfg.Mode,
		Config:   cfg,
	}
	if err := s.repo.Activate(bot); err != nil {
		return nil, fmt.Errorf("failed to persist bot for %s/%s: %w", userID, cfg.Symbol, err)
	}

	rb := &runningBot{
		bot:     *bot,
		cfg:     cfg,
		history: NewHistory(MaxHistory),
		stop:    make(chan struct{}),
	}

	s.mu.Lock()
	prev := s.registry[rb.key()]
	s.registry[rb.key()] = rb
	s.wg.Add(1)
	s.mu.Unlock()

	if prev != nil {
		prev.halt()
		s.dispatch(statemanager.BotStoppedEvent, statemanager.BotStoppedData{BotID: prev.bot.ID})
		s.logger.Info("Replaced running bot",
			zap.String("previousBotID", prev.bot.ID),
			zap.String("botID", bot.ID))
	} else {
		metrics.ActiveBots.Inc()
	}

	started := *bot
	s.dispatch(statemanager.BotStartedEvent, statemanager.BotStartedData{Bot: &started})
	s.logger.Info("Bot started",
		zap.String("botID", bot.ID),
		zap.String("user", userID),
		zap.String("symbol", cfg.Symbol),
		zap.String("strategy", string(cfg.Kind())),
		zap.String("mode", string(cfg.Mode)),
		zap.Duration("interval", cfg.IntervalDuration()))

	go s.run(rb)
	return bot, nil
}

// StopStrategy stops the bot running for (userID, symbol) and marks its record stopped.
// Stopping a pair with no running bot is a no-op. A tick already in progress completes.
func (s *Scheduler) StopStrategy(ctx context.Context, userID, symbol string) error {
	s.opsMu.Lock()
	defer s.opsMu.Unlock()

	key := botKey{userID: userID, symbol: symbol}
	s.mu.Lock()
	rb := s.registry[key]
	delete(s.registry, key)
	s.mu.Unlock()

	if rb == nil {
		return nil
	}
	rb.halt()
	metrics.ActiveBots.Dec()

	if err := s.repo.SetStatus(rb.bot.ID, models.BotStopped); err != nil {
		return fmt.Errorf("failed to mark bot %s stopped: %w", rb.bot.ID, err)
	}
	s.dispatch(statemanager.BotStoppedEvent, statemanager.BotStoppedData{BotID: rb.bot.ID})
	s.logger.Info("Bot stopped", zap.String("botID", rb.bot.ID), zap.String("user", userID), zap.String("symbol", symbol))
	return nil
}

// Running returns the bots currently in the registry ordered by user and symbol.
func (s *Scheduler) Running() []models.Bot {
	s.mu.Lock()
	out := make([]models.Bot, 0, len(s.registry))
	for _, rb := range s.registry {
		out = append(out, rb.bot)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID == out[j].UserID {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// Shutdown stops every bot, marks them stopped and waits for their loops to exit.
// In-flight ticks are allowed to finish until ctx expires.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.opsMu.Lock()
	defer s.opsMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	bots := make([]*runningBot, 0, len(s.registry))
	for key, rb := range s.registry {
		bots = append(bots, rb)
		delete(s.registry, key)
	}
	s.mu.Unlock()

	for _, rb := range bots {
		rb.halt()
		metrics.ActiveBots.Dec()
		if err := s.repo.SetStatus(rb.bot.ID, models.BotStopped); err != nil {
			s.logger.Error("Failed to mark bot stopped during shutdown", zap.String("botID", rb.bot.ID), zap.Error(err))
		}
		s.dispatch(statemanager.BotStoppedEvent, statemanager.BotStoppedData{BotID: rb.bot.ID})
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	defer s.cancelBase()
	select {
	case <-done:
		s.logger.Info("Scheduler shut down", zap.Int("bots", len(bots)))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler shutdown interrupted: %w", ctx.Err())
	}
}

func (s *Scheduler) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// isCurrent reports whether rb is still the registered bot for its pair.
func (s *Scheduler) isCurrent(rb *runningBot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry[rb.key()] == rb
}

// run drives one bot: a tick fires immediately, the next one Interval after it completes.
func (s *Scheduler) run(rb *runningBot) {
	defer s.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	retry := &backoff.Backoff{
		Min:    s.opts.RetryInitialDelay,
		Max:    max(maxRetryDelay, s.opts.RetryInitialDelay),
		Factor: 2,
	}
	failures := 0

	for {
		select {
		case <-rb.stop:
			return
		case <-timer.C:
		}

		if !s.isCurrent(rb) {
			return
		}

		next := rb.cfg.IntervalDuration()
		if err := s.tick(rb); err != nil {
			failures++
			if failures > s.opts.RetryAttempts {
				s.deactivate(rb, err)
				return
			}
			delay := retry.Duration()
			next += delay
			metrics.RecordRetry(string(rb.cfg.Kind()))
			s.logger.Warn("Tick failed, retrying",
				zap.String("botID", rb.bot.ID),
				zap.Int("failures", failures),
				zap.Int("retryAttempts", s.opts.RetryAttempts),
				zap.Duration("delay", delay),
				zap.Error(err))
		} else if failures > 0 {
			failures = 0
			retry.Reset()
		}

		timer.Reset(next)
	}
}

func (s *Scheduler) tick(rb *runningBot) error {
	start := time.Now()
	err := s.evaluateAndSettle(rb)
	metrics.RecordTick(string(rb.cfg.Kind()), time.Since(start), err)
	return err
}

func (s *Scheduler) evaluateAndSettle(rb *runningBot) error {
	ctx := s.baseCtx

	price, err := s.prices.GetPrice(ctx, rb.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("failed to fetch price of %s: %w", rb.cfg.Symbol, err)
	}
	history := rb.history.Append(models.PriceSample{Time: s.now(), Price: price})
	s.dispatch(statemanager.PriceSampledEvent, statemanager.PriceSampledData{BotID: rb.bot.ID, Price: price})

	signal, err := s.evaluator.Evaluate(history, rb.cfg)
	if err != nil {
		return fmt.Errorf("failed to evaluate %s: %w", rb.cfg.Kind(), err)
	}
	if signal == models.SignalNone {
		return nil
	}
	metrics.RecordSignal(string(rb.cfg.Kind()), string(signal))
	s.dispatch(statemanager.SignalEvent, statemanager.SignalData{BotID: rb.bot.ID, Signal: signal})
	s.logger.Debug("Signal generated",
		zap.String("botID", rb.bot.ID),
		zap.String("signal", string(signal)),
		zap.Float64("price", price))

	trade, err := s.settler.Settle(ctx, rb.bot.UserID, rb.cfg, signal, price)
	metrics.RecordSettlement(string(rb.cfg.Mode), string(signal.Side()), err)
	if err != nil {
		return fmt.Errorf("failed to settle %s signal: %w", signal, err)
	}
	if trade != nil {
		s.dispatch(statemanager.TradeSettledEvent, statemanager.TradeSettledData{BotID: rb.bot.ID, Trade: trade})
	}
	return nil
}

// deactivate removes a failed bot and pauses its record. A bot that was stopped or
// replaced while its tick ran is left alone.
func (s *Scheduler) deactivate(rb *runningBot, cause error) {
	s.mu.Lock()
	if s.registry[rb.key()] != rb {
		s.mu.Unlock()
		s.logger.Debug("Ignoring failure of a bot that is no longer running", zap.String("botID", rb.bot.ID), zap.Error(cause))
		return
	}
	delete(s.registry, rb.key())
	s.mu.Unlock()

	metrics.ActiveBots.Dec()
	metrics.RecordFailure(string(rb.cfg.Kind()))
	s.logger.Error("Bot deactivated after failed tick",
		zap.String("botID", rb.bot.ID),
		zap.String("user", rb.bot.UserID),
		zap.String("symbol", rb.bot.Symbol),
		zap.Error(cause))

	if err := s.repo.SetStatus(rb.bot.ID, models.BotPaused); err != nil {
		s.logger.Error("Failed to pause bot record", zap.String("botID", rb.bot.ID), zap.Error(err))
	}
	s.dispatch(statemanager.BotFailedEvent, statemanager.BotFailedData{BotID: rb.bot.ID, Err: cause.Error()})
}

func (s *Scheduler) dispatch(t statemanager.EventType, data interface{}) {
	if s.events == nil {
		return
	}
	s.events.DispatchEvent(statemanager.NormalizedEvent{Type: t, Timestamp: s.now(), Data: data})
}
