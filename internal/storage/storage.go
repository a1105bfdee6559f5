package storage

import (
	"binance-strategy-bot-go/internal/ledger"
	"binance-strategy-bot-go/internal/models"
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // Import the sqlite3 driver
)

// MemoryPath opens a private in-memory ledger.
const MemoryPath = ":memory:"

// SQLiteLedger is the SQLite implementation of ledger.Store.
type SQLiteLedger struct {
	db *sql.DB
}

// NewLedger opens the ledger at path, creating the schema when needed.
func NewLedger(path string) (*SQLiteLedger, error) {
	db, err := InitDB(dataSourceName(path))
	if err != nil {
		return nil, err
	}
	if path == MemoryPath {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	return &SQLiteLedger{db: db}, nil
}

// dataSourceName takes the write lock at BEGIN so concurrent settlements serialize
// instead of failing on lock upgrade.
func dataSourceName(path string) string {
	if path == MemoryPath {
		return "file::memory:?_txlock=immediate"
	}
	return "file:" + path + "?_txlock=immediate&_busy_timeout=5000"
}

// InitDB initializes the database connection and creates necessary tables.
func InitDB(dataSourceName string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err = createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return db, nil
}

// createTables creates the necessary database tables if they don't exist.
func createTables(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS paper_accounts (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL UNIQUE,
			balance REAL NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS paper_positions (
			account_id TEXT NOT NULL REFERENCES paper_accounts(id),
			symbol TEXT NOT NULL,
			quantity REAL NOT NULL,
			average_price REAL NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (account_id, symbol)
		);`,
		// Live positions only exist while the quantity is non-zero.
		`CREATE TABLE IF NOT EXISTS positions (
			user_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			quantity REAL NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (user_id, symbol)
		);`,
		`CREATE TABLE IF NOT EXISTS trades (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			bot_id TEXT,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			amount REAL NOT NULL,
			price REAL NOT NULL,
			mode TEXT NOT NULL,
			pnl REAL,
			executed_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_user_symbol ON trades(user_id, symbol, executed_at);`,
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Update runs fn inside a write transaction.
func (l *SQLiteLedger) Update(ctx context.Context, fn func(tx ledger.Tx) error) error {
	return l.run(ctx, fn, true)
}

// View runs fn inside a transaction that is always rolled back.
func (l *SQLiteLedger) View(ctx context.Context, fn func(tx ledger.Tx) error) error {
	return l.run(ctx, fn, false)
}

func (l *SQLiteLedger) run(ctx context.Context, fn func(tx ledger.Tx) error, commit bool) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin ledger transaction: %w", err)
	}
	defer tx.Rollback() // Rollback on any error

	if err := fn(&sqlTx{tx: tx}); err != nil {
		return err
	}
	if !commit {
		return nil
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ledger transaction: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

type sqlTx struct {
	tx *sql.Tx
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func (t *sqlTx) PaperAccount(userID string) (*models.PaperAccount, error) {
	row := t.tx.QueryRow(`SELECT id, user_id, balance, created_at, updated_at FROM paper_accounts WHERE user_id = ?`, userID)

	var acc models.PaperAccount
	var created, updated int64
	if err := row.Scan(&acc.ID, &acc.UserID, &acc.Balance, &created, &updated); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load paper account for %s: %w", userID, err)
	}
	acc.CreatedAt = fromMillis(created)
	acc.UpdatedAt = fromMillis(updated)
	return &acc, nil
}

func (t *sqlTx) CreatePaperAccount(acc *models.PaperAccount) error {
	_, err := t.tx.Exec(`INSERT INTO paper_accounts (id, user_id, balance, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		acc.ID, acc.UserID, acc.Balance, millis(acc.CreatedAt), millis(acc.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert paper account %s: %w", acc.ID, err)
	}
	return nil
}

func (t *sqlTx) UpdatePaperBalance(accountID string, balance float64) error {
	res, err := t.tx.Exec(`UPDATE paper_accounts SET balance = ?, updated_at = ? WHERE id = ?`,
		balance, millis(time.Now()), accountID)
	if err != nil {
		return fmt.Errorf("failed to update balance of %s: %w", accountID, err)
	}
	return expectOneRow(res, "paper account "+accountID)
}

func (t *sqlTx) PaperPosition(accountID, symbol string) (*models.PaperPosition, error) {
	row := t.tx.QueryRow(`SELECT account_id, symbol, quantity, average_price, updated_at FROM paper_positions WHERE account_id = ? AND symbol = ?`,
		accountID, symbol)

	var pos models.PaperPosition
	var updated int64
	if err := row.Scan(&pos.AccountID, &pos.Symbol, &pos.Quantity, &pos.AveragePrice, &updated); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load paper position %s/%s: %w", accountID, symbol, err)
	}
	pos.UpdatedAt = fromMillis(updated)
	return &pos, nil
}

func (t *sqlTx) SavePaperPosition(pos *models.PaperPosition) error {
	_, err := t.tx.Exec(`
	INSERT INTO paper_positions (account_id, symbol, quantity, average_price, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(account_id, symbol) DO UPDATE SET
		quantity = excluded.quantity,
		average_price = excluded.average_price,
		updated_at = excluded.updated_at;`,
		pos.AccountID, pos.Symbol, pos.Quantity, pos.AveragePrice, millis(pos.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save paper position %s/%s: %w", pos.AccountID, pos.Symbol, err)
	}
	return nil
}

func (t *sqlTx) DeletePaperPosition(accountID, symbol string) error {
	if _, err := t.tx.Exec(`DELETE FROM paper_positions WHERE account_id = ? AND symbol = ?`, accountID, symbol); err != nil {
		return fmt.Errorf("failed to delete paper position %s/%s: %w", accountID, symbol, err)
	}
	return nil
}

func (t *sqlTx) Position(userID, symbol string) (*models.Position, error) {
	row := t.tx.QueryRow(`SELECT user_id, symbol, quantity, updated_at FROM positions WHERE user_id = ? AND symbol = ?`, userID, symbol)

	var pos models.Position
	var updated int64
	if err := row.Scan(&pos.UserID, &pos.Symbol, &pos.Quantity, &updated); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load position %s/%s: %w", userID, symbol, err)
	}
	pos.UpdatedAt = fromMillis(updated)
	return &pos, nil
}

func (t *sqlTx) SavePosition(pos *models.Position) error {
	_, err := t.tx.Exec(`
	INSERT INTO positions (user_id, symbol, quantity, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(user_id, symbol) DO UPDATE SET
		quantity = excluded.quantity,
		updated_at = excluded.updated_at;`,
		pos.UserID, pos.Symbol, pos.Quantity, millis(pos.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save position %s/%s: %w", pos.UserID, pos.Symbol, err)
	}
	return nil
}

func (t *sqlTx) DeletePosition(userID, symbol string) error {
	if _, err := t.tx.Exec(`DELETE FROM positions WHERE user_id = ? AND symbol = ?`, userID, symbol); err != nil {
		return fmt.Errorf("failed to delete position %s/%s: %w", userID, symbol, err)
	}
	return nil
}

func (t *sqlTx) InsertTrade(trade *models.Trade) error {
	var pnl sql.NullFloat64
	if trade.PnL != nil {
		pnl = sql.NullFloat64{Float64: *trade.PnL, Valid: true}
	}
	_, err := t.tx.Exec(`
	INSERT INTO trades (id, user_id, bot_id, symbol, side, amount, price, mode, pnl, executed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		trade.ID, trade.UserID, trade.BotID, trade.Symbol, trade.Side, trade.Amount, trade.Price,
		trade.Mode, pnl, millis(trade.ExecutedAt))
	if err != nil {
		return fmt.Errorf("failed to insert trade %s: %w", trade.ID, err)
	}
	return nil
}

func (t *sqlTx) SetTradePnL(tradeID string, pnl float64) error {
	res, err := t.tx.Exec(`UPDATE trades SET pnl = ? WHERE id = ?`, pnl, tradeID)
	if err != nil {
		return fmt.Errorf("failed to set pnl of trade %s: %w", tradeID, err)
	}
	return expectOneRow(res, "trade "+tradeID)
}

func (t *sqlTx) Trades(filter ledger.TradeFilter) ([]models.Trade, error) {
	var where []string
	var args []interface{}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.BotID != "" {
		where = append(where, "bot_id = ?")
		args = append(args, filter.BotID)
	}
	if filter.Symbol != "" {
		where = append(where, "symbol = ?")
		args = append(args, filter.Symbol)
	}

	query := `SELECT id, user_id, bot_id, symbol, side, amount, price, mode, pnl, executed_at FROM trades`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if filter.Limit > 0 {
		// newest first so the limit keeps the latest rows, reversed below
		query += " ORDER BY executed_at DESC, rowid DESC LIMIT ?"
		args = append(args, filter.Limit)
	} else {
		query += " ORDER BY executed_at, rowid"
	}

	rows, err := t.tx.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		var trade models.Trade
		var botID sql.NullString
		var pnl sql.NullFloat64
		var executed int64
		if err := rows.Scan(&trade.ID, &trade.UserID, &botID, &trade.Symbol, &trade.Side, &trade.Amount,
			&trade.Price, &trade.Mode, &pnl, &executed); err != nil {
			return nil, fmt.Errorf("failed to scan trade row: %w", err)
		}
		trade.BotID = botID.String
		if pnl.Valid {
			v := pnl.Float64
			trade.PnL = &v
		}
		trade.ExecutedAt = fromMillis(executed)
		trades = append(trades, trade)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if filter.Limit > 0 {
		for i, j := 0, len(trades)-1; i < j; i, j = i+1, j-1 {
			trades[i], trades[j] = trades[j], trades[i]
		}
	}
	return trades, nil
}

func expectOneRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%s not found", what)
	}
	return nil
}
