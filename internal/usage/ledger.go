// Package usage persists observed token usage in a local sqlite ledger
// keyed by model, and aggregates it for reporting.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/snowcoder/snow/pkg/models"
)

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS usage (
	id                    INTEGER PRIMARY KEY AUTOINCREMENT,
	model                 TEXT    NOT NULL,
	prompt_tokens         INTEGER NOT NULL,
	completion_tokens     INTEGER NOT NULL,
	cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
	cache_read_tokens     INTEGER NOT NULL DEFAULT 0,
	recorded_at           TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_model ON usage(model);
`

// Ledger records every provider stream's observed usage. Writes happen
// on stream goroutines; failures are logged, never propagated, so a
// ledger problem cannot fail a conversation turn.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger

	mu  sync.Mutex
	now func() time.Time
}

// Open opens (creating if needed) the ledger database at path.
func Open(path string, logger *slog.Logger) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open usage ledger: %w", err)
	}
	// The ledger is low-traffic and sqlite locks whole files; one
	// connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	ledger, err := NewWithDB(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return ledger, nil
}

// NewWithDB wraps an existing database handle, creating the schema.
func NewWithDB(db *sql.DB, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := db.Exec(ledgerSchema); err != nil {
		return nil, fmt.Errorf("create usage schema: %w", err)
	}
	return &Ledger{
		db:     db,
		logger: logger.With("component", "usage"),
		now:    time.Now,
	}, nil
}

// Record appends one usage row. Implements provider.UsageRecorder.
func (l *Ledger) Record(u models.Usage) {
	if u.Model == "" {
		u.Model = "unknown"
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.Exec(
		`INSERT INTO usage (model, prompt_tokens, completion_tokens, cache_creation_tokens, cache_read_tokens, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		u.Model, u.PromptTokens, u.CompletionTokens, u.CacheCreationTokens, u.CacheReadTokens, l.now().UTC(),
	)
	if err != nil {
		l.logger.Warn("usage record failed", "model", u.Model, "error", err)
	}
}

// ModelTotals is the aggregated consumption of one model.
type ModelTotals struct {
	Model               string
	Requests            int64
	PromptTokens        int64
	CompletionTokens    int64
	CacheCreationTokens int64
	CacheReadTokens     int64
}

// Totals aggregates the ledger per model, heaviest models first.
func (l *Ledger) Totals(ctx context.Context) ([]ModelTotals, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT model, COUNT(*),
		        SUM(prompt_tokens), SUM(completion_tokens),
		        SUM(cache_creation_tokens), SUM(cache_read_tokens)
		 FROM usage
		 GROUP BY model
		 ORDER BY SUM(prompt_tokens) + SUM(completion_tokens) DESC`)
	if err != nil {
		return nil, fmt.Errorf("query usage totals: %w", err)
	}
	defer rows.Close()

	var totals []ModelTotals
	for rows.Next() {
		var t ModelTotals
		if err := rows.Scan(&t.Model, &t.Requests, &t.PromptTokens, &t.CompletionTokens, &t.CacheCreationTokens, &t.CacheReadTokens); err != nil {
			return nil, fmt.Errorf("scan usage totals: %w", err)
		}
		totals = append(totals, t)
	}
	return totals, rows.Err()
}

// Close releases the database handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}
