// Package storage persists market data captures and engine state
// snapshots. Nothing here sits on the hot path: the engine hands closed
// candles and periodic checkpoints over and keeps going.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/shopspring/decimal"

	"goquant/internal/domain"
)

// CaptureStore records closed candles to SQLite for later research use.
// Prices are stored as TEXT so they round-trip through decimal exactly.
type CaptureStore struct {
	db *sql.DB
}

// NewCaptureStore opens the capture database, creating it if needed.
func NewCaptureStore(dbPath string) (*CaptureStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA cache_size=-2000;", // 2MB cache
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma %s: %w", pragma, err)
		}
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS candles (
			symbol    TEXT    NOT NULL,
			open_time INTEGER NOT NULL,
			interval  TEXT    NOT NULL,
			open      TEXT    NOT NULL,
			high      TEXT    NOT NULL,
			low       TEXT    NOT NULL,
			close     TEXT    NOT NULL,
			volume    TEXT    NOT NULL,
			PRIMARY KEY (symbol, open_time)
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create candles table: %w", err)
	}

	return &CaptureStore{db: db}, nil
}

// SaveCandle upserts one candle keyed by (symbol, open time). Re-capturing
// a bar overwrites it, so replayed streams stay idempotent.
func (s *CaptureStore) SaveCandle(ctx context.Context, c domain.Candle) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO candles (symbol, open_time, interval, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, open_time) DO UPDATE SET
			interval=excluded.interval, open=excluded.open, high=excluded.high,
			low=excluded.low, close=excluded.close, volume=excluded.volume`,
		c.Symbol, c.OpenTime.UnixMilli(), c.Interval,
		c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(), c.Volume.String(),
	)
	if err != nil {
		return fmt.Errorf("save candle %s@%d: %w", c.Symbol, c.OpenTime.UnixMilli(), err)
	}
	return nil
}

// Candles returns stored bars for symbol with open times in [from, to),
// oldest first.
func (s *CaptureStore) Candles(ctx context.Context, symbol string, from, to time.Time) ([]domain.Candle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, open_time, interval, open, high, low, close, volume
		FROM candles
		WHERE symbol = ? AND open_time >= ? AND open_time < ?
		ORDER BY open_time ASC`,
		symbol, from.UnixMilli(), to.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("query candles: %w", err)
	}
	defer rows.Close()

	var out []domain.Candle
	for rows.Next() {
		var c domain.Candle
		var openMs int64
		var open, high, low, closing, volume string
		if err := rows.Scan(&c.Symbol, &openMs, &c.Interval, &open, &high, &low, &closing, &volume); err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		c.OpenTime = time.UnixMilli(openMs)
		if c.Open, err = decimal.NewFromString(open); err != nil {
			return nil, fmt.Errorf("candle %s@%d open: %w", c.Symbol, openMs, err)
		}
		if c.High, err = decimal.NewFromString(high); err != nil {
			return nil, fmt.Errorf("candle %s@%d high: %w", c.Symbol, openMs, err)
		}
		if c.Low, err = decimal.NewFromString(low); err != nil {
			return nil, fmt.Errorf("candle %s@%d low: %w", c.Symbol, openMs, err)
		}
		if c.Close, err = decimal.NewFromString(closing); err != nil {
			return nil, fmt.Errorf("candle %s@%d close: %w", c.Symbol, openMs, err)
		}
		if c.Volume, err = decimal.NewFromString(volume); err != nil {
			return nil, fmt.Errorf("candle %s@%d volume: %w", c.Symbol, openMs, err)
		}
		c.Closed = true
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candles: %w", err)
	}
	return out, nil
}

// LastOpenTime returns the newest stored open time for symbol, or the zero
// time when nothing is stored yet. Startup uses it to spot capture gaps.
func (s *CaptureStore) LastOpenTime(ctx context.Context, symbol string) (time.Time, error) {
	var ms sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT MAX(open_time) FROM candles WHERE symbol = ?", symbol).Scan(&ms)
	if err != nil {
		return time.Time{}, fmt.Errorf("last open time: %w", err)
	}
	if !ms.Valid {
		return time.Time{}, nil
	}
	return time.UnixMilli(ms.Int64), nil
}

// Close closes the database.
func (s *CaptureStore) Close() error {
	return s.db.Close()
}
