package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dishcart/dishcart/internal/api"
)

// Record is one completed checkout kept locally.
type Record struct {
	TransactionID string
	ReferenceID   string
	SessionID     string
	TotalAmount   float64
	Platforms     []api.PlatformTotal
	CreatedAt     time.Time
}

// Store keeps completed transactions in a local SQLite database so past
// orders survive across runs without a backend round trip.
type Store struct {
	db *sql.DB
}

// Open creates (if needed) and opens the history database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}

	dsn := path + "?_journal=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping history database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize history schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS transactions (
		transaction_id TEXT PRIMARY KEY,
		reference_id   TEXT,
		session_id     TEXT NOT NULL,
		total_amount   REAL NOT NULL,
		platforms      TEXT NOT NULL,
		created_at     INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transactions_created_at
		ON transactions (created_at DESC);
	`)
	return err
}

// Save records a completed transaction. Saving the same transaction twice is
// a no-op, so a replayed flow cannot duplicate history rows.
func (s *Store) Save(ctx context.Context, sessionID string, tx *api.Transaction) error {
	platforms, err := json.Marshal(tx.Platforms)
	if err != nil {
		return fmt.Errorf("encode platform breakdown: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transactions (transaction_id, reference_id, session_id, total_amount, platforms, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (transaction_id) DO NOTHING
	`, tx.TransactionID, tx.ReferenceID, sessionID, tx.TotalAmount, string(platforms), tx.CreatedAt.UTC().Unix())
	if err != nil {
		return fmt.Errorf("save transaction %s: %w", tx.TransactionID, err)
	}
	return nil
}

// Recent returns up to limit transactions, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT transaction_id, reference_id, session_id, total_amount, platforms, created_at
		FROM transactions
		ORDER BY created_at DESC, transaction_id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var platforms string
		var createdAt int64
		if err := rows.Scan(&rec.TransactionID, &rec.ReferenceID, &rec.SessionID, &rec.TotalAmount, &platforms, &createdAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		if err := json.Unmarshal([]byte(platforms), &rec.Platforms); err != nil {
			return nil, fmt.Errorf("decode platform breakdown: %w", err)
		}
		rec.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }
