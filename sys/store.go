package sys

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// --- Phase 1: Database Connection & Lifecycle ---

var DB *sql.DB

func init() {
	RegisterDaemon(LogStore, func(ctx context.Context) (bool, func(), func()) {
		if DB == nil {
			return false, nil, nil
		}
		return true, func() { sweepLoop(ctx) }, nil
	})
}

func sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := SweepExpiredSnapshots(ctx); err != nil {
				LogStore(MsgStoreGetFail, "expired snapshots", err)
			} else if n > 0 {
				LogStore(MsgStoreSweptExpired, n)
			}
		}
	}
}

func InitDatabase(ctx context.Context, dataSourceName string) error {
	var err error
	DB, err = sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return err
	}

	DB.SetMaxOpenConns(5)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA cache_size=-2000;",
	}

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for _, p := range pragmas {
		if _, err := DB.ExecContext(initCtx, p); err != nil {
			return fmt.Errorf(MsgStorePragmaError, p, err)
		}
	}

	tx, err := DB.BeginTx(initCtx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	tableQueries := []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			expires_at DATETIME NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS bot_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, q := range tableQueries {
		if _, err := tx.ExecContext(initCtx, q); err != nil {
			return fmt.Errorf(MsgStoreTableError, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	LogStore(MsgStoreInitSuccess)
	return nil
}

func CloseDatabase() {
	if DB != nil {
		DB.Close()
	}
}

// --- Phase 2: Snapshot Store (TTL key-value) ---

// SetSnapshot stores value under key, replacing any previous value and
// resetting the expiry to now+ttl.
func SetSnapshot(ctx context.Context, key, value string, ttl time.Duration) error {
	expiresAt := time.Now().UTC().Add(ttl)
	_, err := DB.ExecContext(ctx, `
		INSERT INTO snapshots (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at, updated_at = CURRENT_TIMESTAMP
	`, key, value, expiresAt)
	return err
}

// GetSnapshot returns the value for key, or ok=false when the key is absent
// or expired. Expired rows are deleted on read.
func GetSnapshot(ctx context.Context, key string) (string, bool, error) {
	var value string
	var expiresAt time.Time
	err := DB.QueryRowContext(ctx, "SELECT value, expires_at FROM snapshots WHERE key = ?", key).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if time.Now().UTC().After(expiresAt) {
		_, _ = DB.ExecContext(ctx, "DELETE FROM snapshots WHERE key = ?", key)
		return "", false, nil
	}
	return value, true, nil
}

func DeleteSnapshot(ctx context.Context, key string) error {
	_, err := DB.ExecContext(ctx, "DELETE FROM snapshots WHERE key = ?", key)
	return err
}

// SweepExpiredSnapshots removes all rows past their expiry. Ran periodically
// by a daemon so abandoned keys do not accumulate between reads.
func SweepExpiredSnapshots(ctx context.Context) (int64, error) {
	result, err := DB.ExecContext(ctx, "DELETE FROM snapshots WHERE expires_at <= ?", time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// --- Phase 3: Infrastructure & Bot Persistence ---

// BotConfig helpers are used by the loader for mode tracking and state.
func GetBotConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := DB.QueryRowContext(ctx, "SELECT value FROM bot_config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func SetBotConfig(ctx context.Context, key, value string) error {
	_, err := DB.ExecContext(ctx, `
		INSERT INTO bot_config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	return err
}
