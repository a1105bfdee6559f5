package persistence

import (
	"binance-strategy-bot-go/internal/models"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v3"
)

const (
	botPrefix     = "bot/"
	activePrefix  = "active/"
	runtimePrefix = "runtime/"

	// maxConflictRetries bounds how often a transaction is replayed after badger.ErrConflict.
	maxConflictRetries = 3
)

// badgerRepository is the BadgerDB implementation of BotRepository and RuntimeRepository.
type badgerRepository struct {
	db  *badger.DB
	now func() time.Time
}

// BadgerRepository is the combined repository handed to the scheduler and the state manager.
type BadgerRepository interface {
	BotRepository
	RuntimeRepository
}

// NewBadgerRepository creates and returns a new repository instance connected to a BadgerDB database.
// An empty dbPath opens an in-memory database.
func NewBadgerRepository(dbPath string) (BadgerRepository, error) {
	opts := badger.DefaultOptions(dbPath)
	if dbPath == "" {
		opts = opts.WithInMemory(true)
	}
	// For this use case, we can disable Badger's own logging to keep our app's logs clean.
	// Errors will still be returned from DB operations.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &badgerRepository{db: db, now: time.Now}, nil
}

func botKey(id string) []byte {
	return []byte(botPrefix + id)
}

func activeKey(userID, symbol string) []byte {
	return []byte(activePrefix + userID + "/" + symbol)
}

func runtimeKey(botID string) []byte {
	return []byte(runtimePrefix + botID)
}

// update runs fn in a read-write transaction, replaying it on conflicts.
func (r *badgerRepository) update(fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt <= maxConflictRetries; attempt++ {
		err = r.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func getJSON(txn *badger.Txn, key []byte, v interface{}) error {
	item, err := txn.Get(key)
	if err != nil {
		// The caller checks for badger.ErrKeyNotFound outside the transaction.
		return err
	}
	return item.Value(func(val []byte) error {
		if len(val) == 0 {
			return fmt.Errorf("value of %s is empty in database", key)
		}
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func getString(txn *badger.Txn, key []byte) (string, error) {
	item, err := txn.Get(key)
	if err != nil {
		return "", err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return "", err
	}
	return string(val), nil
}

// Activate stores bot as active and stops whichever bot previously held the (user, symbol) slot.
func (r *badgerRepository) Activate(bot *models.Bot) error {
	now := r.now()
	return r.update(func(txn *badger.Txn) error {
		key := activeKey(bot.UserID, bot.Symbol)

		prevID, err := getString(txn, key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		case prevID != bot.ID:
			var prev models.Bot
			if err := getJSON(txn, botKey(prevID), &prev); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			} else if err == nil {
				prev.Status = models.BotStopped
				prev.UpdatedAt = now
				if err := setJSON(txn, botKey(prevID), &prev); err != nil {
					return err
				}
			}
		}

		bot.Status = models.BotActive
		if bot.CreatedAt.IsZero() {
			bot.CreatedAt = now
		}
		bot.UpdatedAt = now
		if err := setJSON(txn, botKey(bot.ID), bot); err != nil {
			return err
		}
		return txn.Set(key, []byte(bot.ID))
	})
}

// FindActive returns the active bot for (userID, symbol), or (nil, nil).
func (r *badgerRepository) FindActive(userID, symbol string) (*models.Bot, error) {
	var bot models.Bot

	err := r.db.View(func(txn *badger.Txn) error {
		id, err := getString(txn, activeKey(userID, symbol))
		if err != nil {
			return err
		}
		return getJSON(txn, botKey(id), &bot)
	})

	// After the transaction, check for the specific "key not found" error.
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &bot, nil
}

// Get loads a bot by ID, or (nil, nil) when it does not exist.
func (r *badgerRepository) Get(botID string) (*models.Bot, error) {
	var bot models.Bot
	err := r.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, botKey(botID), &bot)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &bot, nil
}

// SetStatus updates a bot's status and keeps the active index consistent.
func (r *badgerRepository) SetStatus(botID string, status models.BotStatus) error {
	if status == models.BotActive {
		bot, err := r.Get(botID)
		if err != nil {
			return err
		}
		if bot == nil {
			return fmt.Errorf("bot %s not found", botID)
		}
		return r.Activate(bot)
	}

	now := r.now()
	err := r.update(func(txn *badger.Txn) error {
		var bot models.Bot
		if err := getJSON(txn, botKey(botID), &bot); err != nil {
			return err
		}
		bot.Status = status
		bot.UpdatedAt = now
		if err := setJSON(txn, botKey(botID), &bot); err != nil {
			return err
		}

		key := activeKey(bot.UserID, bot.Symbol)
		activeID, err := getString(txn, key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if activeID == botID {
			return txn.Delete(key)
		}
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("bot %s not found", botID)
	}
	return err
}

// List returns the bots of userID (all bots when userID is empty), oldest first.
func (r *badgerRepository) List(userID string) ([]*models.Bot, error) {
	var bots []*models.Bot
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(botPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var bot models.Bot
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &bot)
			}); err != nil {
				return err
			}
			if userID == "" || bot.UserID == userID {
				bots = append(bots, &bot)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(bots, func(i, j int) bool {
		return bots[i].CreatedAt.Before(bots[j].CreatedAt)
	})
	return bots, nil
}

// SaveRuntime atomically saves a runtime snapshot.
func (r *badgerRepository) SaveRuntime(runtime *models.BotRuntime) error {
	return r.update(func(txn *badger.Txn) error {
		return setJSON(txn, runtimeKey(runtime.BotID), runtime)
	})
}

// LoadRuntime loads a runtime snapshot.
// If the key is not found, it returns (nil, nil) to indicate no snapshot is present.
func (r *badgerRepository) LoadRuntime(botID string) (*models.BotRuntime, error) {
	var runtime models.BotRuntime
	err := r.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, runtimeKey(botID), &runtime)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &runtime, nil
}

// Close gracefully closes the connection to the database.
func (r *badgerRepository) Close() error {
	return r.db.Close()
}
