// Package activity maintains the append-only event trail of each connection.
package activity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/koltyakov/deskrelay/internal/domain"
	ilog "github.com/koltyakov/deskrelay/internal/log"
)

// Store is the persistence the logger needs.
type Store interface {
	AppendActivity(ctx context.Context, e *domain.ActivityEntry) error
	ListActivity(ctx context.Context, connectionID string) ([]domain.ActivityEntry, error)
}

// Logger validates and records activity entries.
type Logger struct {
	store Store
	log   *slog.Logger
	now   func() time.Time
}

// New returns a Logger writing to store.
func New(store Store, logger *slog.Logger) *Logger {
	return &Logger{
		store: store,
		log:   ilog.OrDiscard(logger),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Entry builds a validated entry without persisting it. Components that
// change a connection pass it to the store so that the change and its entry
// commit together.
func (l *Logger) Entry(connectionID string, action domain.Action, details string) (*domain.ActivityEntry, error) {
	connectionID = strings.TrimSpace(connectionID)
	if connectionID == "" {
		return nil, domain.Wrap("activity", "", fmt.Errorf("%w: empty connection id", domain.ErrInvalidArgument))
	}
	if !action.Valid() {
		return nil, domain.Wrap("activity", connectionID, fmt.Errorf("%w: unknown action %q", domain.ErrInvalidArgument, action))
	}
	return &domain.ActivityEntry{
		ConnectionID: connectionID,
		Action:       action,
		Details:      details,
		CreatedAt:    l.now(),
	}, nil
}

// Append records one entry. The connection must exist.
func (l *Logger) Append(ctx context.Context, connectionID string, action domain.Action, details string) (domain.ActivityEntry, error) {
	e, err := l.Entry(connectionID, action, details)
	if err != nil {
		return domain.ActivityEntry{}, err
	}
	if err := l.store.AppendActivity(ctx, e); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ActivityEntry{}, domain.Wrap("activity", connectionID, domain.ErrNotFound)
		}
		return domain.ActivityEntry{}, domain.Wrap("activity", connectionID, err)
	}
	l.Recorded(*e)
	return *e, nil
}

// Recorded emits the structured log line for an entry persisted elsewhere.
func (l *Logger) Recorded(e domain.ActivityEntry) {
	l.log.Debug("activity recorded",
		"connection_id", e.ConnectionID,
		"action", string(e.Action),
		"details", e.Details,
	)
}

// List returns entries in ascending time order, all of them when
// connectionID is empty.
func (l *Logger) List(ctx context.Context, connectionID string) ([]domain.ActivityEntry, error) {
	entries, err := l.store.ListActivity(ctx, strings.TrimSpace(connectionID))
	if err != nil {
		return nil, domain.Wrap("list activity", connectionID, err)
	}
	if entries == nil {
		entries = []domain.ActivityEntry{}
	}
	return entries, nil
}
