// Package journal persists dispatch outcomes to SQLite for the ops API.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultLimit bounds Recent when the caller asks for zero or fewer rows.
const DefaultLimit = 50

// MaxLimit caps Recent.
const MaxLimit = 1000

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Store struct {
	db    *sql.DB
	nowFn func() time.Time
}

func New(db *sql.DB) *Store {
	return &Store{db: db, nowFn: time.Now}
}

// Record inserts e. Empty ID and RecordedAt are filled in; the stored entry
// is returned.
func (s *Store) Record(ctx context.Context, e Entry) (Entry, error) {
	if e.Command == "" {
		return Entry{}, fmt.Errorf("command is empty")
	}
	if e.Outcome == "" {
		return Entry{}, fmt.Errorf("outcome is empty")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = s.nowFn()
	}
	e.RecordedAt = e.RecordedAt.UTC()
	e.CreatedAt = e.CreatedAt.UTC()

	var collective any
	if e.CollectiveID != "" {
		collective = e.CollectiveID
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO dispatch_journal(
  id, invocation_id, command, actor_id, collective_id, outcome, rate_limited, notified, deferred,
  created_at, recorded_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, e.ID, e.InvocationID, e.Command, e.ActorID, collective, string(e.Outcome),
		boolInt(e.RateLimited), boolInt(e.Notified), boolInt(e.Deferred),
		e.CreatedAt.Format(timeLayout), e.RecordedAt.Format(timeLayout))
	if err != nil {
		return Entry{}, fmt.Errorf("insert dispatch_journal: %w", err)
	}
	return e, nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, invocation_id, command, actor_id, collective_id, outcome, rate_limited, notified, deferred,
  created_at, recorded_at
FROM dispatch_journal
ORDER BY recorded_at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query dispatch_journal: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                       Entry
			collective              sql.NullString
			outcome                 string
			limited, notified, dfrd int
			createdAtS, recordedAtS string
		)
		if err := rows.Scan(&e.ID, &e.InvocationID, &e.Command, &e.ActorID, &collective, &outcome,
			&limited, &notified, &dfrd, &createdAtS, &recordedAtS); err != nil {
			return nil, fmt.Errorf("scan dispatch_journal: %w", err)
		}
		e.CollectiveID = collective.String
		e.Outcome = commandOutcome(outcome)
		e.RateLimited = limited != 0
		e.Notified = notified != 0
		e.Deferred = dfrd != 0
		if t, err := time.Parse(timeLayout, createdAtS); err == nil {
			e.CreatedAt = t
		}
		if t, err := time.Parse(timeLayout, recordedAtS); err == nil {
			e.RecordedAt = t
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dispatch_journal: %w", err)
	}
	return out, nil
}

// Prune deletes entries recorded more than retention ago and returns how
// many were removed.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, fmt.Errorf("retention must be positive")
	}
	cutoff := s.nowFn().Add(-retention).UTC().Format(timeLayout)

	res, err := s.db.ExecContext(ctx, `DELETE FROM dispatch_journal WHERE recorded_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune dispatch_journal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune rows affected: %w", err)
	}
	return n, nil
}

// Count returns the number of stored entries.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dispatch_journal;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count dispatch_journal: %w", err)
	}
	return n, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
