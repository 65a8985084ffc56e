package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/koltyakov/deskrelay/internal/domain"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner) (domain.Connection, error) {
	var c domain.Connection
	var status string
	var address, machineName sql.NullString
	var redeemed int
	var lastSeen sql.NullTime
	if err := row.Scan(&c.ID, &c.Name, &c.Location, &c.Country, &c.City, &status, &address, &machineName,
		&c.InstallationKey, &redeemed, &c.CreatedAt, &lastSeen); err != nil {
		return domain.Connection{}, err
	}
	c.Status = domain.ConnectionStatus(status)
	c.Address = address.String
	c.MachineName = machineName.String
	c.KeyRedeemed = redeemed != 0
	c.CreatedAt = c.CreatedAt.UTC()
	c.LastSeenAt = nullTimePtr(lastSeen)
	return c, nil
}

// CreateConnection inserts c and, when note is non-nil, its first activity
// entry in the same transaction.
func (s *Store) CreateConnection(ctx context.Context, c domain.Connection, note *domain.ActivityEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
INSERT INTO connections(id, name, location, country, city, status, address, machine_name, installation_key, key_redeemed, created_at, last_seen_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		c.ID, c.Name, c.Location, c.Country, c.City, string(c.Status), nullableString(c.Address), nullableString(c.MachineName),
		c.InstallationKey, boolToInt(c.KeyRedeemed), c.CreatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrInstallationKeyInUse
		}
		return err
	}
	if note != nil {
		if err = insertActivityTx(ctx, tx, note); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetConnection returns the connection with the given id or sql.ErrNoRows.
func (s *Store) GetConnection(ctx context.Context, id string) (domain.Connection, error) {
	stmt := s.getConnectionStmt
	if stmt == nil {
		return scanConnection(s.db.QueryRowContext(ctx, getConnectionQuery, id))
	}
	return scanConnection(stmt.QueryRowContext(ctx, id))
}

// GetConnectionByKey returns the connection holding installationKey or
// sql.ErrNoRows.
func (s *Store) GetConnectionByKey(ctx context.Context, installationKey string) (domain.Connection, error) {
	stmt := s.getConnectionByKeyStmt
	if stmt == nil {
		return scanConnection(s.db.QueryRowContext(ctx, getConnectionByKeyQuery, installationKey))
	}
	return scanConnection(stmt.QueryRowContext(ctx, installationKey))
}

// ListConnections returns all connections ordered by creation time.
func (s *Store) ListConnections(ctx context.Context) ([]domain.Connection, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+connectionColumns+` FROM connections ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectConnections(rows)
}

func collectConnections(rows *sql.Rows) ([]domain.Connection, error) {
	out := make([]domain.Connection, 0)
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// RegisterConnection records a redemption of installationKey by connection
// id: status becomes active, the address and machine name are replaced, and
// last-seen is set to now.
func (s *Store) RegisterConnection(ctx context.Context, id, installationKey, machineName, address string, now time.Time, note *domain.ActivityEntry) (domain.Connection, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Connection{}, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
UPDATE connections
SET status = ?, address = ?, machine_name = ?, key_redeemed = 1, last_seen_at = ?
WHERE id = ? AND installation_key = ?`,
		string(domain.StatusActive), nullableString(address), nullableString(machineName), now.UTC(), id, installationKey)
	if err != nil {
		return domain.Connection{}, err
	}
	if err = requireAffected(res); err != nil {
		return domain.Connection{}, err
	}
	if note != nil {
		if err = insertActivityTx(ctx, tx, note); err != nil {
			return domain.Connection{}, err
		}
	}
	c, err := scanConnection(tx.QueryRowContext(ctx, getConnectionQuery, id))
	if err != nil {
		return domain.Connection{}, err
	}
	if err = tx.Commit(); err != nil {
		return domain.Connection{}, err
	}
	s.markTouched(id, now.UTC())
	return c, nil
}

// SetConnectionStatus updates the status of connection id together with its
// activity note.
func (s *Store) SetConnectionStatus(ctx context.Context, id string, status domain.ConnectionStatus, note *domain.ActivityEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE connections SET status = ? WHERE id = ?`, string(status), id)
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

// DeleteConnection removes connection id along with its activity trail and
// transfer history in one transaction.
func (s *Store) DeleteConnection(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err = tx.ExecContext(ctx, `DELETE FROM activity_log WHERE connection_id = ?`, id); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM transfers WHERE connection_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM connections WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err = requireAffected(res); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return err
	}
	s.forgetTouch(id)
	return nil
}

// CountConnectionsByStatus returns the number of connections per status.
func (s *Store) CountConnectionsByStatus(ctx context.Context) (map[domain.ConnectionStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM connections GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[domain.ConnectionStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[domain.ConnectionStatus(status)] = n
	}
	return out, rows.Err()
}

// CountConnectionsSeenAfter counts connections whose last-seen timestamp is
// strictly after t.
func (s *Store) CountConnectionsSeenAfter(ctx context.Context, t time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM connections WHERE last_seen_at IS NOT NULL AND last_seen_at > ?`, t.UTC()).Scan(&n)
	return n, err
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
