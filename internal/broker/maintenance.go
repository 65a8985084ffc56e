package broker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Run expires idle sessions and flushes last-seen updates until ctx is
// done.
func (b *Broker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.runTouchWorker(ctx)
	}()

	ticker := time.NewTicker(b.cfg.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-ticker.C:
			b.expireIdleSessions(b.now())
		}
	}
}

func (b *Broker) expireIdleSessions(now time.Time) int {
	b.mu.RLock()
	sessions := make([]*session, 0, len(b.sessions))
	for _, sess := range b.sessions {
		sessions = append(sessions, sess)
	}
	b.mu.RUnlock()

	expired := 0
	for _, sess := range sessions {
		last := sess.lastActivity()
		if now.Sub(last) <= b.cfg.IdleTimeout {
			continue
		}
		b.log.Warn("session idle timeout", "session_id", sess.id, "connection_id", sess.connectionID,
			"last_active", last.UTC().Format(time.RFC3339))
		b.closeSession(sess, ReasonIdleTimeout, "", true)
		expired++
	}
	return expired
}

// Shutdown closes every session and waits for running relays to finish or
// for ctx to be done.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.mu.RLock()
	sessions := make([]*session, 0, len(b.sessions))
	for _, sess := range b.sessions {
		sessions = append(sessions, sess)
	}
	b.mu.RUnlock()

	for _, sess := range sessions {
		b.closeSession(sess, ReasonShutdown, "", true)
	}

	done := make(chan struct{})
	go func() {
		b.relays.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Broker) queueTouch(connectionID string) {
	if connectionID == "" || b.toucher == nil {
		return
	}
	if !b.reserveTouch(connectionID) {
		return
	}
	select {
	case b.touches <- connectionID:
	default:
		b.completeTouch(connectionID)
	}
}

func (b *Broker) runTouchWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case connectionID := <-b.touches:
			touchCtx, cancel := context.WithTimeout(ctx, touchTimeout)
			err := b.toucher.TouchConnection(touchCtx, connectionID)
			cancel()
			b.completeTouch(connectionID)
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				b.log.Warn("failed to update connection last seen", "connection_id", connectionID, "err", err)
			}
		}
	}
}

func (b *Broker) reserveTouch(connectionID string) bool {
	b.touchMu.Lock()
	defer b.touchMu.Unlock()
	if _, exists := b.touchBusy[connectionID]; exists {
		return false
	}
	b.touchBusy[connectionID] = struct{}{}
	return true
}

func (b *Broker) completeTouch(connectionID string) {
	b.touchMu.Lock()
	delete(b.touchBusy, connectionID)
	b.touchMu.Unlock()
}
