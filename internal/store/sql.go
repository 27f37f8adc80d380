package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/nugget/agentcore/internal/llm"
	"github.com/nugget/agentcore/internal/tools"
)

// Supported database/sql driver names.
const (
	DriverCGO    = "sqlite3" // github.com/mattn/go-sqlite3
	DriverPureGo = "sqlite"  // modernc.org/sqlite
)

// SQLStore is a SQLite-backed Store.
type SQLStore struct {
	db     *sql.DB
	logger *slog.Logger

	// appendLocks serializes appends per thread so sequence numbers are
	// assigned without gaps or collisions.
	appendLocks sync.Map // thread id → *sync.Mutex
}

// dsn builds the connection string for driver. Both enable WAL and a
// busy timeout, but spell the pragmas differently.
func dsn(driver, path string) (string, error) {
	switch driver {
	case DriverCGO, "":
		return path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", nil
	case DriverPureGo:
		return "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", nil
	default:
		return "", fmt.Errorf("unsupported store driver %q", driver)
	}
}

// NewSQLStore opens (creating if needed) the database at path using the
// named driver and applies the schema.
func NewSQLStore(driver, path string, logger *slog.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := dsn(driver, path)
	if err != nil {
		return nil, err
	}
	if driver == "" {
		driver = DriverCGO
	}

	db, err := sql.Open(driver, conn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &SQLStore{db: db, logger: logger.With("component", "store", "driver", driver)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	s.logger.Debug("store opened", "path", path)
	return s, nil
}

func (s *SQLStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS threads (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_threads_account ON threads(account_id, created_at);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		thinking TEXT,
		thinking_signature TEXT,
		tool_calls TEXT,
		tool_call_id TEXT,
		result TEXT,
		summary INTEGER NOT NULL DEFAULT 0,
		model TEXT,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		thinking_tokens INTEGER NOT NULL DEFAULT 0,
		run_id TEXT,
		finish_reason TEXT,
		created_at TEXT NOT NULL,
		UNIQUE (thread_id, seq),
		FOREIGN KEY (thread_id) REFERENCES threads(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_tool_call ON messages(thread_id, tool_call_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_tool_result
		ON messages(thread_id, tool_call_id) WHERE role = 'tool';

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL,
		status TEXT NOT NULL,
		terminal_reason TEXT,
		error TEXT,
		iterations INTEGER NOT NULL DEFAULT 0,
		model TEXT,
		started_at TEXT NOT NULL,
		ended_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_runs_thread ON runs(thread_id, started_at);

	CREATE TABLE IF NOT EXISTS tool_calls (
		call_id TEXT NOT NULL,
		thread_id TEXT NOT NULL,
		run_id TEXT NOT NULL DEFAULT '',
		message_id TEXT,
		tool_name TEXT NOT NULL,
		arguments TEXT NOT NULL,
		success INTEGER NOT NULL DEFAULT 0,
		code TEXT,
		error TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT,
		duration_ms INTEGER,
		PRIMARY KEY (thread_id, run_id, call_id)
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_tool ON tool_calls(tool_name);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Databases created before thinking signatures were stored.
	if has, err := s.hasColumn("messages", "thinking_signature"); err != nil {
		return fmt.Errorf("check thinking_signature column: %w", err)
	} else if !has {
		if _, err := s.db.Exec(`ALTER TABLE messages ADD COLUMN thinking_signature TEXT`); err != nil {
			return fmt.Errorf("add thinking_signature column: %w", err)
		}
	}
	return s.rekeyToolCalls()
}

// columnInfo is one row of PRAGMA table_info.
type columnInfo struct {
	name string
	pk   int
}

func (s *SQLStore) columns(table string) ([]columnInfo, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []columnInfo
	for rows.Next() {
		var cid, notNull, pk int
		var name, typ string
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		out = append(out, columnInfo{name: name, pk: pk})
	}
	return out, rows.Err()
}

func (s *SQLStore) hasColumn(table, column string) (bool, error) {
	cols, err := s.columns(table)
	if err != nil {
		return false, err
	}
	for _, c := range cols {
		if c.name == column {
			return true, nil
		}
	}
	return false, nil
}

// rekeyToolCalls rebuilds a tool_calls table keyed by (thread_id,
// call_id) into the (thread_id, run_id, call_id) layout.
func (s *SQLStore) rekeyToolCalls() error {
	cols, err := s.columns("tool_calls")
	if err != nil {
		return fmt.Errorf("inspect tool_calls: %w", err)
	}
	for _, c := range cols {
		if c.name == "run_id" && c.pk > 0 {
			return nil
		}
	}

	s.logger.Info("rebuilding tool_calls audit table")
	stmts := []string{
		`ALTER TABLE tool_calls RENAME TO tool_calls_old`,
		`CREATE TABLE tool_calls (
			call_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			run_id TEXT NOT NULL DEFAULT '',
			message_id TEXT,
			tool_name TEXT NOT NULL,
			arguments TEXT NOT NULL,
			success INTEGER NOT NULL DEFAULT 0,
			code TEXT,
			error TEXT,
			started_at TEXT NOT NULL,
			completed_at TEXT,
			duration_ms INTEGER,
			PRIMARY KEY (thread_id, run_id, call_id)
		)`,
		`INSERT INTO tool_calls
			SELECT call_id, thread_id, COALESCE(run_id, ''), message_id, tool_name, arguments,
				success, code, error, started_at, completed_at, duration_ms
			FROM tool_calls_old`,
		`DROP TABLE tool_calls_old`,
		`CREATE INDEX IF NOT EXISTS idx_tool_calls_tool ON tool_calls(tool_name)`,
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tool_calls rebuild: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("rebuild tool_calls: %w", err)
		}
	}
	return tx.Commit()
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	return parseTime(s.String)
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func optionalTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

// CreateThread creates an active thread owned by accountID.
func (s *SQLStore) CreateThread(ctx context.Context, accountID string) (*Thread, error) {
	now := time.Now().UTC()
	t := Thread{
		ID:        newID(),
		AccountID: accountID,
		Status:    ThreadActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO threads (id, account_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, t.ID, t.AccountID, string(t.Status), formatTime(now), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}
	return &t, nil
}

// GetThread returns a thread by id.
func (s *SQLStore) GetThread(ctx context.Context, id string) (*Thread, error) {
	var t Thread
	var status, createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, status, created_at, updated_at FROM threads WHERE id = ?
	`, id).Scan(&t.ID, &t.AccountID, &status, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("thread %s: %w", id, ErrThreadNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get thread: %w", err)
	}
	t.Status = ThreadStatus(status)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

// SetThreadStatus updates a thread's status.
func (s *SQLStore) SetThreadStatus(ctx context.Context, id string, status ThreadStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE threads SET status = ?, updated_at = ? WHERE id = ?
	`, string(status), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set thread status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("thread %s: %w", id, ErrThreadNotFound)
	}
	return nil
}

func (s *SQLStore) appendLock(threadID string) *sync.Mutex {
	mu, _ := s.appendLocks.LoadOrStore(threadID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Append writes msg in its own transaction and returns its sequence
// number once committed.
func (s *SQLStore) Append(ctx context.Context, threadID string, msg Message) (int64, error) {
	mu := s.appendLock(threadID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE((SELECT MAX(seq) FROM messages WHERE thread_id = t.id), 0) + 1
		FROM threads t WHERE t.id = ?
	`, threadID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("thread %s: %w", threadID, ErrThreadNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("next sequence: %w", err)
	}

	if msg.Role == llm.RoleTool && msg.ToolCallID != "" {
		var exists int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM messages WHERE thread_id = ? AND tool_call_id = ? AND role = 'tool'
		`, threadID, msg.ToolCallID).Scan(&exists)
		if err != nil {
			return 0, fmt.Errorf("check tool result: %w", err)
		}
		if exists > 0 {
			return 0, fmt.Errorf("call %s: %w", msg.ToolCallID, ErrDuplicateToolResult)
		}
	}

	now := time.Now().UTC()
	m := prepare(threadID, seq, msg, now)

	var toolCalls, result sql.NullString
	if len(m.ToolCalls) > 0 {
		b, err := json.Marshal(m.ToolCalls)
		if err != nil {
			return 0, fmt.Errorf("encode tool calls: %w", err)
		}
		toolCalls = sql.NullString{String: string(b), Valid: true}
	}
	if m.Result != nil {
		b, err := json.Marshal(m.Result)
		if err != nil {
			return 0, fmt.Errorf("encode tool result: %w", err)
		}
		result = sql.NullString{String: string(b), Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (
			id, thread_id, seq, role, content, thinking, thinking_signature, tool_calls, tool_call_id, result,
			summary, model, input_tokens, output_tokens, thinking_tokens, run_id, finish_reason, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		m.ID, threadID, seq, m.Role, m.Content, nullable(m.Thinking), nullable(m.ThinkingSignature), toolCalls,
		nullable(m.ToolCallID), result,
		m.Summary, nullable(m.Meta.Model), m.Meta.Usage.InputTokens, m.Meta.Usage.OutputTokens,
		m.Meta.Usage.ThinkingTokens, nullable(m.Meta.RunID), nullable(m.Meta.FinishReason), formatTime(m.CreatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE threads SET updated_at = ? WHERE id = ?`, formatTime(now), threadID); err != nil {
		return 0, fmt.Errorf("update thread: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return seq, nil
}

const messageColumns = `id, thread_id, seq, role, content, thinking, thinking_signature, tool_calls, tool_call_id, result,
	summary, model, input_tokens, output_tokens, thinking_tokens, run_id, finish_reason, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var m Message
	var thinking, signature, toolCalls, toolCallID, result, model, runID, finish sql.NullString
	var createdAt string
	err := row.Scan(
		&m.ID, &m.ThreadID, &m.Seq, &m.Role, &m.Content, &thinking, &signature, &toolCalls, &toolCallID, &result,
		&m.Summary, &model, &m.Meta.Usage.InputTokens, &m.Meta.Usage.OutputTokens, &m.Meta.Usage.ThinkingTokens,
		&runID, &finish, &createdAt,
	)
	if err != nil {
		return Message{}, err
	}
	m.Thinking = thinking.String
	m.ThinkingSignature = signature.String
	m.ToolCallID = toolCallID.String
	m.Meta.Model = model.String
	m.Meta.RunID = runID.String
	m.Meta.FinishReason = finish.String
	m.CreatedAt = parseTime(createdAt)

	if toolCalls.Valid {
		if err := json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls); err != nil {
			return Message{}, fmt.Errorf("decode tool calls for %s: %w", m.ID, err)
		}
	}
	if result.Valid {
		var r tools.Result
		if err := json.Unmarshal([]byte(result.String), &r); err != nil {
			return Message{}, fmt.Errorf("decode tool result for %s: %w", m.ID, err)
		}
		m.Result = &r
	}
	return m, nil
}

// Read yields messages page by page. No rows are held open while the
// caller processes a page.
func (s *SQLStore) Read(ctx context.Context, threadID string, opts ReadOptions) iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		if _, err := s.GetThread(ctx, threadID); err != nil {
			yield(Message{}, err)
			return
		}

		next := opts.From
		remaining := opts.Limit
		for {
			page := readPageSize
			if opts.Limit > 0 && remaining < page {
				page = remaining
			}
			if page == 0 {
				return
			}

			batch, err := s.readPage(ctx, threadID, next, page)
			if err != nil {
				yield(Message{}, err)
				return
			}
			for _, m := range batch {
				if !yield(m, nil) {
					return
				}
			}
			if len(batch) < page {
				return
			}
			next = batch[len(batch)-1].Seq + 1
			if opts.Limit > 0 {
				remaining -= len(batch)
			}
		}
	}
}

func (s *SQLStore) readPage(ctx context.Context, threadID string, from int64, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE thread_id = ? AND seq >= ?
		ORDER BY seq ASC
		LIMIT ?
	`, threadID, from, limit)
	if err != nil {
		return nil, fmt.Errorf("read messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// FindToolResult returns the stored result message for callID.
func (s *SQLStore) FindToolResult(ctx context.Context, threadID, callID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE thread_id = ? AND tool_call_id = ? AND role = 'tool'
	`, threadID, callID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("call %s: %w", callID, ErrToolResultNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find tool result: %w", err)
	}
	return &m, nil
}

// SaveRun inserts or replaces a run record.
func (s *SQLStore) SaveRun(ctx context.Context, run RunRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, thread_id, status, terminal_reason, error, iterations, model, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			terminal_reason = excluded.terminal_reason,
			error = excluded.error,
			iterations = excluded.iterations,
			model = excluded.model,
			ended_at = excluded.ended_at
	`, run.ID, run.ThreadID, run.Status, nullable(run.TerminalReason), nullable(run.Error),
		run.Iterations, nullable(run.Model), formatTime(run.StartedAt), optionalTime(run.EndedAt))
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// GetRun returns a run record by id.
func (s *SQLStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	var r RunRecord
	var reason, errText, model, endedAt sql.NullString
	var startedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, thread_id, status, terminal_reason, error, iterations, model, started_at, ended_at
		FROM runs WHERE id = ?
	`, id).Scan(&r.ID, &r.ThreadID, &r.Status, &reason, &errText, &r.Iterations, &model, &startedAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	r.TerminalReason = reason.String
	r.Error = errText.String
	r.Model = model.String
	r.StartedAt = parseTime(startedAt)
	r.EndedAt = nullTime(endedAt)
	return &r, nil
}

// StartToolCall records that a tool call began executing.
func (s *SQLStore) StartToolCall(ctx context.Context, rec ToolCallRecord) error {
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_calls (call_id, thread_id, run_id, message_id, tool_name, arguments, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (thread_id, run_id, call_id) DO NOTHING
	`, rec.CallID, rec.ThreadID, rec.RunID, nullable(rec.MessageID), rec.ToolName, rec.Arguments,
		formatTime(rec.StartedAt))
	if err != nil {
		return fmt.Errorf("start tool call: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("tool call %s in run %s: %w", rec.CallID, rec.RunID, ErrDuplicateToolCall)
	}
	return nil
}

// CompleteToolCall records the outcome of a started tool call.
func (s *SQLStore) CompleteToolCall(ctx context.Context, threadID, runID string, res tools.Result) error {
	out, err := s.db.ExecContext(ctx, `
		UPDATE tool_calls
		SET success = ?, code = ?, error = ?, completed_at = ?, duration_ms = ?
		WHERE thread_id = ? AND run_id = ? AND call_id = ?
	`, res.Success, nullable(res.Code), nullable(res.Error), formatTime(time.Now()),
		res.Duration.Milliseconds(), threadID, runID, res.CallID)
	if err != nil {
		return fmt.Errorf("complete tool call: %w", err)
	}
	if n, _ := out.RowsAffected(); n == 0 {
		return fmt.Errorf("tool call %s not started", res.CallID)
	}
	return nil
}

// ToolCalls returns the audit log for a thread ordered by start time.
func (s *SQLStore) ToolCalls(ctx context.Context, threadID string) ([]ToolCallRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT call_id, thread_id, run_id, message_id, tool_name, arguments, success, code, error,
			started_at, completed_at, duration_ms
		FROM tool_calls
		WHERE thread_id = ?
		ORDER BY started_at ASC, call_id ASC
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list tool calls: %w", err)
	}
	defer rows.Close()

	var out []ToolCallRecord
	for rows.Next() {
		var r ToolCallRecord
		var runID, messageID, code, errText, completedAt sql.NullString
		var duration sql.NullInt64
		var startedAt string
		if err := rows.Scan(&r.CallID, &r.ThreadID, &runID, &messageID, &r.ToolName, &r.Arguments,
			&r.Success, &code, &errText, &startedAt, &completedAt, &duration); err != nil {
			return nil, fmt.Errorf("scan tool call: %w", err)
		}
		r.RunID = runID.String
		r.MessageID = messageID.String
		r.Code = code.String
		r.Error = errText.String
		r.StartedAt = parseTime(startedAt)
		r.CompletedAt = nullTime(completedAt)
		r.DurationMs = duration.Int64
		out = append(out, r)
	}
	return out, rows.Err()
}
