// File: dataprovider/db.go
package dataprovider

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"riptide/utilities"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteCache stores fetched candles so restarts and tight sync loops don't
// refetch the same history from the exchange.
type SQLiteCache struct {
	db *sql.DB
}

func NewSQLiteCache(cfg utilities.DatabaseConfig) (*SQLiteCache, error) {
	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, err
	}
	schema := `
	CREATE TABLE IF NOT EXISTS ohlcv_bars (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pair TEXT NOT NULL,
		timeframe TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		open REAL NOT NULL,
		high REAL NOT NULL,
		low REAL NOT NULL,
		close REAL NOT NULL,
		volume REAL NOT NULL,
		UNIQUE(pair, timeframe, timestamp)
	);
	CREATE INDEX IF NOT EXISTS idx_pair_timeframe_timestamp ON ohlcv_bars (pair, timeframe, timestamp);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, err
	}
	return &SQLiteCache{db: db}, nil
}

func (s *SQLiteCache) SaveBar(pair, timeframe string, bar utilities.OHLCVBar) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO ohlcv_bars (pair, timeframe, timestamp, open, high, low, close, volume) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		pair, timeframe, bar.Timestamp, bar.Open, bar.High, bar.Low, bar.Close, bar.Volume)
	return err
}

func (s *SQLiteCache) GetBars(pair, timeframe string, start, end int64) ([]utilities.OHLCVBar, error) {
	rows, err := s.db.Query(`SELECT timestamp, open, high, low, close, volume FROM ohlcv_bars WHERE pair=? AND timeframe=? AND timestamp BETWEEN ? AND ? ORDER BY timestamp ASC`,
		pair, timeframe, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var bars []utilities.OHLCVBar
	for rows.Next() {
		var bar utilities.OHLCVBar
		if err := rows.Scan(&bar.Timestamp, &bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.Volume); err != nil {
			return nil, err
		}
		bars = append(bars, bar)
	}
	return bars, rows.Err()
}

// --- Cleanup ---

func (s *SQLiteCache) CleanupOldBars(olderThan time.Time) error {
	_, err := s.db.Exec(`DELETE FROM ohlcv_bars WHERE timestamp < ?`, olderThan.UnixMilli())
	return err
}

func (s *SQLiteCache) Close() error {
	return s.db.Close()
}

func (s *SQLiteCache) StartScheduledCleanup(interval time.Duration) {
	go func() {
		for {
			cutoff := time.Now().AddDate(0, 0, -14)
			if err := s.CleanupOldBars(cutoff); err != nil {
				log.Printf("Scheduled candle cleanup error: %v", err)
			}
			time.Sleep(interval)
		}
	}()
}
