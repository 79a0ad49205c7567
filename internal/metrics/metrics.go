// Package metrics persists finalized generation metrics to SQLite, one row
// per attempt, so throughput regressions across models and settings stay
// inspectable after the fact.
package metrics

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"fireside/internal/domain"
)

// now is an injectable clock for tests.
var now = time.Now

const schema = `
CREATE TABLE IF NOT EXISTS generations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	recorded_at TEXT NOT NULL,
	model TEXT NOT NULL,
	outcome TEXT NOT NULL,
	tokens INTEGER NOT NULL,
	elapsed_ms INTEGER NOT NULL,
	tokens_per_sec REAL NOT NULL,
	peak_tokens_per_sec REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_generations_model ON generations(model);
`

// Store records generation metrics in a SQL database. It implements
// domain.MetricsSink.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore creates the schema if needed and returns a ready store.
// Panics if db is nil.
func NewStore(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if db == nil {
		panic("metrics: db must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("metrics schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Record inserts one row for a finished generation attempt.
func (s *Store) Record(model string, outcome string, m domain.GenerationMetrics) error {
	_, err := s.db.Exec(
		`INSERT INTO generations
			(recorded_at, model, outcome, tokens, elapsed_ms, tokens_per_sec, peak_tokens_per_sec)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		now().UTC().Format(time.RFC3339),
		model,
		outcome,
		m.TokensGenerated,
		m.Elapsed.Milliseconds(),
		m.TokensPerSecond(),
		m.PeakTokensPerSec,
	)
	if err != nil {
		return fmt.Errorf("metrics record: %w", err)
	}
	return nil
}

// Summary is the aggregate view for one model.
type Summary struct {
	Model       string
	Generations int
	TotalTokens int
	AvgTokens   float64
	AvgRate     float64
	PeakRate    float64
}

// Summarize aggregates recorded generations per model, most active first.
func (s *Store) Summarize() ([]Summary, error) {
	rows, err := s.db.Query(
		`SELECT model, COUNT(*), SUM(tokens), AVG(tokens), AVG(tokens_per_sec), MAX(peak_tokens_per_sec)
		 FROM generations GROUP BY model ORDER BY COUNT(*) DESC`)
	if err != nil {
		return nil, fmt.Errorf("metrics summarize: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.Model, &sum.Generations, &sum.TotalTokens, &sum.AvgTokens, &sum.AvgRate, &sum.PeakRate); err != nil {
			return nil, fmt.Errorf("metrics scan: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

var _ domain.MetricsSink = (*Store)(nil)
