package broker

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/koltyakov/deskrelay/internal/domain"
)

const (
	stateOpening int32 = iota
	stateRelaying
	stateClosed
)

func stateName(s int32) domain.SessionState {
	switch s {
	case stateOpening:
		return domain.SessionOpening
	case stateRelaying:
		return domain.SessionRelaying
	default:
		return domain.SessionClosed
	}
}

type session struct {
	id           string
	connectionID string
	address      string
	port         int
	passwordHash string
	createdAt    time.Time

	state                atomic.Int32
	lastActivityNano     atomic.Int64
	lastTouchQueuedAt    atomic.Int64
	bytesClientToMachine atomic.Int64
	bytesMachineToClient atomic.Int64

	mu      sync.Mutex
	client  io.Closer
	machine io.Closer
	cancel  context.CancelFunc
}

func (s *session) touch(now time.Time) {
	s.lastActivityNano.Store(now.UnixNano())
}

func (s *session) lastActivity() time.Time {
	return time.Unix(0, s.lastActivityNano.Load())
}

// markClosed moves the session to closed. Exactly one caller observes true.
func (s *session) markClosed() bool {
	for {
		cur := s.state.Load()
		if cur == stateClosed {
			return false
		}
		if s.state.CompareAndSwap(cur, stateClosed) {
			return true
		}
	}
}

// attach records the live channels of a relaying session. It reports false
// if the session was closed in the meantime, in which case the caller owns
// the channels.
func (s *session) attach(client, machine io.Closer, cancel context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Load() == stateClosed {
		return false
	}
	s.client = client
	s.machine = machine
	s.cancel = cancel
	return true
}

func (s *session) release() {
	s.mu.Lock()
	client, machine, cancel := s.client, s.machine, s.cancel
	s.client, s.machine, s.cancel = nil, nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if client != nil {
		_ = client.Close()
	}
	if machine != nil {
		_ = machine.Close()
	}
}

func (s *session) snapshot() domain.Session {
	return domain.Session{
		ID:           s.id,
		ConnectionID: s.connectionID,
		Address:      s.address,
		State:        stateName(s.state.Load()),
		CreatedAt:    s.createdAt,
		LastActive:   s.lastActivity().UTC(),
		BytesIn:      s.bytesClientToMachine.Load(),
		BytesOut:     s.bytesMachineToClient.Load(),
	}
}

// slot is the per-connection session slot: empty (nil) or occupied by one
// session. It only changes through compare-and-swap.
type slot struct {
	occupant atomic.Pointer[session]
}
