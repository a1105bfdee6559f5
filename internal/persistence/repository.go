package persistence

import "binance-strategy-bot-go/internal/models"

// BotRepository defines the interface for bot record persistence.
// It abstracts the underlying storage mechanism (e.g., BadgerDB, in-memory)
// from the rest of the application.
type BotRepository interface {
	// Activate stores bot as the single active bot for its (user, symbol) pair.
	// A previously active bot for the same pair is marked stopped in the same transaction.
	Activate(bot *models.Bot) error

	// FindActive returns the active bot for (userID, symbol).
	// If none is active, it returns (nil, nil).
	FindActive(userID, symbol string) (*models.Bot, error)

	// Get loads a bot by ID, or (nil, nil) when it does not exist.
	Get(botID string) (*models.Bot, error)

	// SetStatus changes a bot's status. Leaving active also clears the active index
	// when it still points at this bot.
	SetStatus(botID string, status models.BotStatus) error

	// List returns every bot owned by userID, or every bot when userID is empty.
	List(userID string) ([]*models.Bot, error)

	Close() error
}

// RuntimeRepository persists observable runtime snapshots.
type RuntimeRepository interface {
	SaveRuntime(runtime *models.BotRuntime) error

	// LoadRuntime returns (nil, nil) when no snapshot exists.
	LoadRuntime(botID string) (*models.BotRuntime, error)
}
