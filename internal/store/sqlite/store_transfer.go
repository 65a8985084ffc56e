package sqlite

import (
	"context"
	"time"

	"github.com/koltyakov/deskrelay/internal/domain"
)

// CreateTransfer persists rec and, when note is non-nil, its activity entry
// in one transaction. A missing connection yields sql.ErrNoRows.
func (s *Store) CreateTransfer(ctx context.Context, rec *domain.TransferRecord, note *domain.ActivityEntry) error {
	if rec.ID == "" {
		id, err := newID("xfer")
		if err != nil {
			return err
		}
		rec.ID = id
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
INSERT INTO transfers(id, connection_id, filename, size, type, checksum, created_at)
SELECT ?, ?, ?, ?, ?, ?, ?
WHERE EXISTS (SELECT 1 FROM connections WHERE id = ?)`,
		rec.ID, rec.ConnectionID, rec.Filename, rec.Size, string(rec.Type), rec.Checksum, rec.CreatedAt.UTC(), rec.ConnectionID)
	if err != nil {
		return err
	}
	if err = requireAffected(res); err != nil {
		return err
	}
	if note != nil {
		if err = insertActivityTx(ctx, tx, note); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListTransfers returns the transfer history of connectionID in ascending
// time order.
func (s *Store) ListTransfers(ctx context.Context, connectionID string) ([]domain.TransferRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, connection_id, filename, size, type, checksum, created_at
FROM transfers
WHERE connection_id = ?
ORDER BY created_at ASC, rowid ASC`, connectionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]domain.TransferRecord, 0)
	for rows.Next() {
		var r domain.TransferRecord
		var typ string
		if err := rows.Scan(&r.ID, &r.ConnectionID, &r.Filename, &r.Size, &typ, &r.Checksum, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Type = domain.TransferType(typ)
		r.CreatedAt = r.CreatedAt.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
