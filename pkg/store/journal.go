package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// ErrAttemptNotFound is returned when no attempt has the requested id.
var ErrAttemptNotFound = errors.New("adoption attempt not found")

// Attempt is one journaled adoption attempt.
type Attempt struct {
	ID         string
	Project    string
	State      string
	Message    string
	ReportURL  string
	StartedAt  time.Time
	FinishedAt time.Time // zero until the attempt terminates
}

// Journal persists adoption attempts. Record inserts or replaces by ID.
type Journal interface {
	Record(ctx context.Context, a *Attempt) error
	Get(ctx context.Context, id string) (*Attempt, error)
	ListByProject(ctx context.Context, project string, limit int) ([]*Attempt, error)
	Close() error
}

// OpenJournal opens the journal named by dsn: "" for memory,
// "sqlite:<path>" for a local file, "postgres://..." for PostgreSQL.
func OpenJournal(ctx context.Context, dsn string) (Journal, error) {
	switch {
	case dsn == "":
		return NewMemoryJournal(), nil
	case strings.HasPrefix(dsn, "sqlite:"):
		db, err := sql.Open("sqlite", strings.TrimPrefix(dsn, "sqlite:"))
		if err != nil {
			return nil, fmt.Errorf("open sqlite journal: %w", err)
		}
		return NewSQLiteJournal(ctx, db)
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres journal: %w", err)
		}
		return NewPostgresJournal(ctx, db)
	default:
		return nil, fmt.Errorf("unsupported journal dsn %q", dsn)
	}
}

// SQLJournal stores attempts in SQLite or PostgreSQL.
// Timestamps are stored as RFC 3339 text in both dialects.
type SQLJournal struct {
	db       *sql.DB
	postgres bool
}

// NewSQLiteJournal creates the journal table if needed.
func NewSQLiteJournal(ctx context.Context, db *sql.DB) (*SQLJournal, error) {
	j := &SQLJournal{db: db}
	if err := j.migrate(ctx); err != nil {
		return nil, err
	}
	return j, nil
}

// NewPostgresJournal creates the journal table if needed.
func NewPostgresJournal(ctx context.Context, db *sql.DB) (*SQLJournal, error) {
	j := &SQLJournal{db: db, postgres: true}
	if err := j.migrate(ctx); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *SQLJournal) migrate(ctx context.Context) error {
	query := `
    CREATE TABLE IF NOT EXISTS adoption_attempts (
        attempt_id TEXT PRIMARY KEY,
        project TEXT NOT NULL,
        state TEXT NOT NULL,
        message TEXT NOT NULL DEFAULT '',
        report_url TEXT NOT NULL DEFAULT '',
        started_at TEXT NOT NULL,
        finished_at TEXT NOT NULL DEFAULT ''
    );`
	if _, err := j.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to migrate journal: %w", err)
	}
	return nil
}

// bind rewrites ? placeholders to $n for PostgreSQL.
func (j *SQLJournal) bind(query string) string {
	if !j.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (j *SQLJournal) Record(ctx context.Context, a *Attempt) error {
	query := j.bind(`INSERT INTO adoption_attempts (
		attempt_id, project, state, message, report_url, started_at, finished_at
	) VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (attempt_id) DO UPDATE SET
		state = excluded.state,
		message = excluded.message,
		report_url = excluded.report_url,
		finished_at = excluded.finished_at`)

	_, err := j.db.ExecContext(ctx, query,
		a.ID, a.Project, a.State, a.Message, a.ReportURL, formatTime(a.StartedAt), formatTime(a.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	return nil
}

func (j *SQLJournal) Get(ctx context.Context, id string) (*Attempt, error) {
	query := j.bind(`
        SELECT attempt_id, project, state, message, report_url, started_at, finished_at
        FROM adoption_attempts
        WHERE attempt_id = ?`)

	a, err := scanAttempt(j.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrAttemptNotFound, id)
	}
	return a, err
}

func (j *SQLJournal) ListByProject(ctx context.Context, project string, limit int) ([]*Attempt, error) {
	query := `
        SELECT attempt_id, project, state, message, report_url, started_at, finished_at
        FROM adoption_attempts
        WHERE project = ?
        ORDER BY started_at DESC`
	args := []any{project}
	// limit <= 0 lists everything, as MemoryJournal does
	if limit > 0 {
		query += `
        LIMIT ?`
		args = append(args, limit)
	}
	query = j.bind(query)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var attempts []*Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return attempts, nil
}

// Close closes the underlying database.
func (j *SQLJournal) Close() error {
	return j.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row scanner) (*Attempt, error) {
	var (
		a                 Attempt
		started, finished string
	)
	if err := row.Scan(&a.ID, &a.Project, &a.State, &a.Message, &a.ReportURL, &started, &finished); err != nil {
		return nil, err
	}
	a.StartedAt = parseTime(started)
	a.FinishedAt = parseTime(finished)
	return &a, nil
}

// timeLayout is fixed-width so that text order is chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	return time.Time{}
}

// MemoryJournal keeps attempts in process memory.
type MemoryJournal struct {
	mu       sync.RWMutex
	attempts map[string]Attempt
}

// NewMemoryJournal creates an empty journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{attempts: make(map[string]Attempt)}
}

func (m *MemoryJournal) Record(_ context.Context, a *Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[a.ID] = *a
	return nil
}

func (m *MemoryJournal) Get(_ context.Context, id string) (*Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.attempts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAttemptNotFound, id)
	}
	return &a, nil
}

func (m *MemoryJournal) ListByProject(_ context.Context, project string, limit int) ([]*Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Attempt
	for _, a := range m.attempts {
		if a.Project == project {
			out = append(out, &a)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].StartedAt.After(out[k].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryJournal) Close() error { return nil }
