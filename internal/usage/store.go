// Package usage records token consumption per completion. Records are
// append-only and indexed by timestamp, run and thread for aggregation
// queries.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/agentcore/internal/llm"
	"github.com/nugget/agentcore/internal/tools"
)

// Record is the token usage of one completed stream.
type Record struct {
	ID             string
	Timestamp      time.Time
	RunID          string
	ThreadID       string
	Model          string
	Provider       string // "anthropic", "openai", "ollama"
	InputTokens    int
	OutputTokens   int
	ThinkingTokens int
}

// Summary holds aggregated token totals.
type Summary struct {
	TotalRecords        int   `json:"records"`
	TotalInputTokens    int64 `json:"input_tokens"`
	TotalOutputTokens   int64 `json:"output_tokens"`
	TotalThinkingTokens int64 `json:"thinking_tokens"`
}

// Store is an append-only SQLite store for usage records. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore creates a usage store at the given database path. The schema
// is created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS usage_records (
		id              TEXT PRIMARY KEY,
		timestamp       TEXT NOT NULL,
		run_id          TEXT,
		thread_id       TEXT,
		model           TEXT NOT NULL,
		provider        TEXT NOT NULL,
		input_tokens    INTEGER NOT NULL,
		output_tokens   INTEGER NOT NULL,
		thinking_tokens INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage_records(timestamp);
	CREATE INDEX IF NOT EXISTS idx_usage_run ON usage_records(run_id);
	CREATE INDEX IF NOT EXISTS idx_usage_thread ON usage_records(thread_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists a usage record. If rec.ID is empty, a UUIDv7 is
// generated.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records
			(id, timestamp, run_id, thread_id, model, provider,
			 input_tokens, output_tokens, thinking_tokens)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(time.RFC3339),
		rec.RunID,
		rec.ThreadID,
		rec.Model,
		rec.Provider,
		rec.InputTokens,
		rec.OutputTokens,
		rec.ThinkingTokens,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

const sumColumns = `COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(thinking_tokens), 0)`

// Summary returns aggregated totals for records within [start, end).
func (s *Store) Summary(start, end time.Time) (*Summary, error) {
	row := s.db.QueryRow(
		`SELECT `+sumColumns+`
		 FROM usage_records
		 WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)

	var sum Summary
	if err := row.Scan(&sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens, &sum.TotalThinkingTokens); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

// RunSummary returns the totals for one run.
func (s *Store) RunSummary(ctx context.Context, runID string) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sumColumns+` FROM usage_records WHERE run_id = ?`, runID)

	var sum Summary
	if err := row.Scan(&sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens, &sum.TotalThinkingTokens); err != nil {
		return nil, fmt.Errorf("query run usage: %w", err)
	}
	return &sum, nil
}

// SummaryByModel returns per-model aggregated totals for records within [start, end).
func (s *Store) SummaryByModel(start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy("model", start, end)
}

// SummaryByProvider returns per-provider aggregated totals for records within [start, end).
func (s *Store) SummaryByProvider(start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy("provider", start, end)
}

// SummaryByThread returns per-thread aggregated totals for records within [start, end).
func (s *Store) SummaryByThread(start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy("thread_id", start, end)
}

func (s *Store) summaryGroupedBy(column string, start, end time.Time) (map[string]*Summary, error) {
	// column is always a constant from our own methods, never user input.
	query := fmt.Sprintf(
		`SELECT COALESCE(%s, ''), `+sumColumns+`
		 FROM usage_records
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY %s
		 ORDER BY SUM(input_tokens + output_tokens) DESC`,
		column, column,
	)

	rows, err := s.db.Query(query,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens, &sum.TotalThinkingTokens); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", column, err)
		}
		result[key] = &sum
	}
	return result, rows.Err()
}

// Reporter adapts a Store to the response processor's usage hook. Run
// and thread ids and the model are taken from the request context.
type Reporter struct {
	store    *Store
	provider func(model string) string
	logger   *slog.Logger
}

// NewReporter creates a Reporter. provider maps a model name to its
// provider and may be nil.
func NewReporter(store *Store, provider func(model string) string, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{store: store, provider: provider, logger: logger.With("component", "usage")}
}

// ReportUsage records u. Failures are logged, never returned: usage
// accounting must not fail a run.
func (r *Reporter) ReportUsage(ctx context.Context, u llm.Usage) {
	model := llm.ModelFromContext(ctx)
	rec := Record{
		RunID:          tools.RunIDFromContext(ctx),
		ThreadID:       tools.ThreadIDFromContext(ctx),
		Model:          model,
		InputTokens:    u.InputTokens,
		OutputTokens:   u.OutputTokens,
		ThinkingTokens: u.ThinkingTokens,
	}
	if r.provider != nil {
		rec.Provider = r.provider(model)
	}
	if rec.Provider == "" {
		rec.Provider = "unknown"
	}

	if err := r.store.Record(context.WithoutCancel(ctx), rec); err != nil {
		r.logger.Warn("failed to record usage", "run", rec.RunID, "model", model, "error", err)
	}
}
