package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/koltyakov/deskrelay/internal/domain"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// AppendActivity inserts e if its connection exists. A missing connection
// yields sql.ErrNoRows. Empty ID and zero CreatedAt are filled in.
func (s *Store) AppendActivity(ctx context.Context, e *domain.ActivityEntry) error {
	return insertActivityTx(ctx, s.db, e)
}

func insertActivityTx(ctx context.Context, ex execer, e *domain.ActivityEntry) error {
	if e.ID == "" {
		id, err := newID("act")
		if err != nil {
			return err
		}
		e.ID = id
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	res, err := ex.ExecContext(ctx, `
INSERT INTO activity_log(id, connection_id, action, details, created_at)
SELECT ?, ?, ?, ?, ?
WHERE EXISTS (SELECT 1 FROM connections WHERE id = ?)`,
		e.ID, e.ConnectionID, string(e.Action), e.Details, e.CreatedAt.UTC(), e.ConnectionID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// ListActivity returns activity entries in ascending time order, filtered to
// connectionID when it is non-empty.
func (s *Store) ListActivity(ctx context.Context, connectionID string) ([]domain.ActivityEntry, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if connectionID == "" {
		rows, err = s.db.QueryContext(ctx, `
SELECT id, connection_id, action, details, created_at
FROM activity_log
ORDER BY created_at ASC, rowid ASC`)
	} else {
		rows, err = s.db.QueryContext(ctx, `
SELECT id, connection_id, action, details, created_at
FROM activity_log
WHERE connection_id = ?
ORDER BY created_at ASC, rowid ASC`, connectionID)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]domain.ActivityEntry, 0)
	for rows.Next() {
		var e domain.ActivityEntry
		var action string
		if err := rows.Scan(&e.ID, &e.ConnectionID, &action, &e.Details, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Action = domain.Action(action)
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

