package sqlite

import (
	"context"
	"strings"
	"time"
)

// TouchConnection bumps the last-seen timestamp of connection id. Writes for
// the same connection are throttled to one per touch interval.
func (s *Store) TouchConnection(ctx context.Context, id string) error {
	now := time.Now().UTC()
	if !s.reserveTouch(id, now) {
		return nil
	}

	_, err := s.db.ExecContext(ctx, `UPDATE connections SET last_seen_at = ? WHERE id = ?`, now, id)
	if err != nil {
		s.rollbackTouch(id, now)
	}
	return err
}

func (s *Store) reserveTouch(id string, now time.Time) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}

	s.touchMu.Lock()
	defer s.touchMu.Unlock()

	if now.After(s.nextTouchCleanupAt) {
		s.cleanupStaleTouchEntriesLocked(now)
		s.nextTouchCleanupAt = now.Add(s.touchCleanupInterval)
	}
	if last, ok := s.lastTouch[id]; ok && now.Sub(last) < s.touchMinInterval {
		return false
	}
	s.lastTouch[id] = now
	return true
}

func (s *Store) markTouched(id string, at time.Time) {
	s.touchMu.Lock()
	s.lastTouch[id] = at
	s.touchMu.Unlock()
}

func (s *Store) forgetTouch(id string) {
	s.touchMu.Lock()
	delete(s.lastTouch, id)
	s.touchMu.Unlock()
}

func (s *Store) rollbackTouch(id string, reservedAt time.Time) {
	s.touchMu.Lock()
	defer s.touchMu.Unlock()

	if last, ok := s.lastTouch[id]; ok && last.Equal(reservedAt) {
		delete(s.lastTouch, id)
	}
}

func (s *Store) cleanupStaleTouchEntriesLocked(now time.Time) {
	cutoff := now.Add(-(s.touchMinInterval * 4))
	for id, last := range s.lastTouch {
		if last.Before(cutoff) {
			delete(s.lastTouch, id)
		}
	}
}
