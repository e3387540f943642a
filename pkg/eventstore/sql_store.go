package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/ztcore/pkg/events"
)

// tsLayout is fixed width so lexical order equals time order in every dialect.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// SQLStore implements Store using database/sql.
// It supports both Postgres and SQLite via standard drivers; identity, kind
// and window are filtered in SQL, the event predicate is applied in Go.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
	user_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	occurred_at TEXT NOT NULL,
	source_ip TEXT NOT NULL DEFAULT '',
	success INTEGER NOT NULL DEFAULT 0,
	file_name TEXT NOT NULL DEFAULT '',
	action TEXT NOT NULL DEFAULT '',
	remote_ip TEXT NOT NULL DEFAULT '',
	external INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_events_window ON events (user_id, kind, occurred_at);
`

func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLStore) Append(ctx context.Context, evs ...events.Event) error {
	if len(evs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO events (user_id, kind, occurred_at, source_ip, success, file_name, action, remote_ip, external)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	for _, ev := range evs {
		_, err := tx.ExecContext(ctx, query,
			ev.UserID, string(ev.Kind), ev.Timestamp.UTC().Format(tsLayout),
			ev.SourceIP, boolInt(ev.Success), ev.FileName, string(ev.Action), ev.RemoteIP, boolInt(ev.External),
		)
		if err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) CountEvents(ctx context.Context, q Query) (int, error) {
	if err := q.Validate(); err != nil {
		return 0, err
	}
	from, to := q.Bounds()

	query := `
		SELECT occurred_at, source_ip, success, file_name, action, remote_ip, external
		FROM events
		WHERE user_id = $1 AND kind = $2 AND occurred_at > $3 AND occurred_at <= $4
	`
	rows, err := s.db.QueryContext(ctx, query, q.Identity, string(q.Kind), from.Format(tsLayout), to.Format(tsLayout))
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	c := newCounter(q)
	for rows.Next() {
		var (
			occurredAt string
			success    int64
			external   int64
			action     string
		)
		ev := events.Event{Kind: q.Kind, UserID: q.Identity}
		if err := rows.Scan(&occurredAt, &ev.SourceIP, &success, &ev.FileName, &action, &ev.RemoteIP, &external); err != nil {
			return 0, err
		}
		ts, err := time.Parse(tsLayout, occurredAt)
		if err != nil {
			return 0, fmt.Errorf("corrupt event timestamp %q: %w", occurredAt, err)
		}
		ev.Timestamp = ts
		ev.Success = success != 0
		ev.External = external != 0
		ev.Action = events.FileAction(action)
		c.observe(ev)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	return c.count(), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
