// Package broker owns remote-desktop sessions: it hands out one-time session
// credentials for active connections, relays bytes between a client channel
// and the registered machine, and tears sessions down exactly once.
package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/koltyakov/deskrelay/internal/activity"
	"github.com/koltyakov/deskrelay/internal/auth"
	"github.com/koltyakov/deskrelay/internal/connlock"
	"github.com/koltyakov/deskrelay/internal/domain"
	ilog "github.com/koltyakov/deskrelay/internal/log"
	"github.com/koltyakov/deskrelay/internal/metrics"
	"github.com/koltyakov/deskrelay/internal/netutil"
	"github.com/koltyakov/deskrelay/internal/relay"
)

// CloseReason tags why a session ended.
type CloseReason string

// Close reasons.
const (
	ReasonClosed      CloseReason = "closed"
	ReasonIdleTimeout CloseReason = "idle_timeout"
	ReasonClientGone  CloseReason = "client_disconnected"
	ReasonMachineGone CloseReason = "machine_disconnected"
	ReasonRelayError  CloseReason = "relay_error"
	ReasonDialFailed  CloseReason = "dial_failed"
	ReasonDeactivated CloseReason = "connection_deactivated"
	ReasonDeleted     CloseReason = "connection_deleted"
	ReasonShutdown    CloseReason = "shutdown"
)

const (
	defaultMachinePort     = 5900
	defaultIdleTimeout     = 5 * time.Minute
	defaultDialTimeout     = 10 * time.Second
	defaultJanitorInterval = 15 * time.Second
	touchInterval          = 30 * time.Second
	touchTimeout           = 5 * time.Second
	activityTimeout        = 5 * time.Second
	touchQueueSize         = 256
)

// Connections resolves connections that may hold sessions.
type Connections interface {
	RequireActive(ctx context.Context, id string) (domain.Connection, error)
}

// Toucher bumps a connection's last-seen timestamp.
type Toucher interface {
	TouchConnection(ctx context.Context, id string) error
}

// DialFunc opens the channel to a machine.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Config tunes a Broker. Zero values fall back to defaults.
type Config struct {
	MachinePort     int
	IdleTimeout     time.Duration
	DialTimeout     time.Duration
	BufferSize      int
	JanitorInterval time.Duration
	// RelayEndpoint renders the client-facing endpoint for a session id.
	RelayEndpoint func(sessionID string) string
	// Dial overrides the machine dialer.
	Dial DialFunc
}

// Grant is returned once per opened session. The password is not
// retrievable afterwards.
type Grant struct {
	SessionID     string
	ConnectionID  string
	Password      string
	Address       string
	Port          int
	RelayEndpoint string
}

// Broker is safe for concurrent use.
type Broker struct {
	cfg         Config
	connections Connections
	toucher     Toucher
	activity    *activity.Logger
	locks       *connlock.Locker
	log         *slog.Logger
	now         func() time.Time

	mu       sync.RWMutex
	sessions map[string]*session
	slots    sync.Map // connection id -> *slot

	relays sync.WaitGroup

	touches   chan string
	touchMu   sync.Mutex
	touchBusy map[string]struct{}
}

// New wires a Broker. locks must be shared with the connection registry.
func New(cfg Config, connections Connections, toucher Toucher, act *activity.Logger, locks *connlock.Locker, logger *slog.Logger) *Broker {
	if cfg.MachinePort <= 0 {
		cfg.MachinePort = defaultMachinePort
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = relay.DefaultBufferSize
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = defaultJanitorInterval
	}
	if cfg.RelayEndpoint == nil {
		cfg.RelayEndpoint = func(id string) string { return "/api/sessions/" + id + "/relay" }
	}
	if cfg.Dial == nil {
		d := &net.Dialer{}
		cfg.Dial = d.DialContext
	}
	if locks == nil {
		locks = connlock.New()
	}
	return &Broker{
		cfg:         cfg,
		connections: connections,
		toucher:     toucher,
		activity:    act,
		locks:       locks,
		log:         ilog.OrDiscard(logger),
		now:         func() time.Time { return time.Now().UTC() },
		sessions:    make(map[string]*session),
		touches:     make(chan string, touchQueueSize),
		touchBusy:   make(map[string]struct{}),
	}
}

// Open allocates a session for an active connection. A connection holds at
// most one open session; a second Open fails with domain.ErrConflict until
// the first is closed.
func (b *Broker) Open(ctx context.Context, connectionID string) (Grant, error) {
	unlock := b.locks.Lock(connectionID)
	defer unlock()

	c, err := b.connections.RequireActive(ctx, connectionID)
	if err != nil {
		b.countOpen(err)
		return Grant{}, err
	}
	address, err := netutil.MachineAddress(c.Address, b.cfg.MachinePort)
	if err != nil {
		metrics.SessionsTotal.WithLabelValues(metrics.ResultRejected).Inc()
		return Grant{}, domain.Wrap("open session", connectionID,
			fmt.Errorf("%w: machine address unusable: %v", domain.ErrPreconditionFailed, err))
	}
	_, portStr, _ := net.SplitHostPort(address)
	port, _ := strconv.Atoi(portStr)

	password, err := auth.GenerateSessionPassword(0)
	if err != nil {
		metrics.SessionsTotal.WithLabelValues(metrics.ResultError).Inc()
		return Grant{}, domain.Wrap("open session", connectionID, err)
	}
	now := b.now()
	sess := &session{
		id:           uuid.NewString(),
		connectionID: connectionID,
		address:      address,
		port:         port,
		passwordHash: auth.HashSecret(password),
		createdAt:    now,
	}
	sess.touch(now)

	sl := b.slotFor(connectionID)
	if !sl.occupant.CompareAndSwap(nil, sess) {
		metrics.SessionsTotal.WithLabelValues(metrics.ResultConflict).Inc()
		holder := ""
		if cur := sl.occupant.Load(); cur != nil {
			holder = cur.id
		}
		return Grant{}, domain.Wrap("open session", connectionID,
			fmt.Errorf("%w: session %s already holds the connection", domain.ErrConflict, holder))
	}

	if _, err := b.activity.Append(ctx, connectionID, domain.ActionSessionOpened,
		fmt.Sprintf("session %s opened to %s", sess.id, address)); err != nil {
		sl.occupant.CompareAndSwap(sess, nil)
		b.countOpen(err)
		return Grant{}, err
	}

	b.mu.Lock()
	b.sessions[sess.id] = sess
	b.mu.Unlock()

	metrics.SessionsTotal.WithLabelValues(metrics.ResultSuccess).Inc()
	metrics.SessionsActive.Inc()
	b.queueTouch(connectionID)
	b.log.Info("session opened", "session_id", sess.id, "connection_id", connectionID, "address", address)

	return Grant{
		SessionID:     sess.id,
		ConnectionID:  connectionID,
		Password:      password,
		Address:       address,
		Port:          port,
		RelayEndpoint: b.cfg.RelayEndpoint(sess.id),
	}, nil
}

func (b *Broker) countOpen(err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		metrics.SessionsTotal.WithLabelValues(metrics.ResultNotFound).Inc()
	case errors.Is(err, domain.ErrPreconditionFailed), errors.Is(err, domain.ErrInvalidArgument):
		metrics.SessionsTotal.WithLabelValues(metrics.ResultRejected).Inc()
	default:
		metrics.SessionsTotal.WithLabelValues(metrics.ResultError).Inc()
	}
}

func (b *Broker) slotFor(connectionID string) *slot {
	if v, ok := b.slots.Load(connectionID); ok {
		return v.(*slot)
	}
	v, _ := b.slots.LoadOrStore(connectionID, &slot{})
	return v.(*slot)
}

func (b *Broker) lookup(sessionID string) *session {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sessions[sessionID]
}

// Authorize checks that password opens sessionID and that the session has
// not started relaying yet. Unknown sessions and wrong passwords both yield
// domain.ErrNotFound.
func (b *Broker) Authorize(sessionID, password string) error {
	_, err := b.authorize(sessionID, password)
	return err
}

func (b *Broker) authorize(sessionID, password string) (*session, error) {
	sess := b.lookup(sessionID)
	if sess == nil || !auth.ConstantTimeHashEquals(auth.HashSecret(password), sess.passwordHash) {
		return nil, domain.Wrap("authorize session", sessionID, domain.ErrNotFound)
	}
	switch sess.state.Load() {
	case stateOpening:
		return sess, nil
	case stateRelaying:
		return nil, domain.Wrap("authorize session", sessionID, fmt.Errorf("%w: session already relaying", domain.ErrConflict))
	default:
		return nil, domain.Wrap("authorize session", sessionID, domain.ErrNotFound)
	}
}

// Relay consumes the session password, dials the machine, and forwards
// bytes between client and the machine until either side ends, the session
// is closed, or it idles out. client is always closed when Relay returns.
// Relay failures tear the session down; they are logged and reported to
// the caller but never to other sessions.
func (b *Broker) Relay(ctx context.Context, sessionID, password string, client io.ReadWriteCloser) error {
	b.relays.Add(1)
	defer b.relays.Done()

	sess, err := b.authorize(sessionID, password)
	if err != nil {
		_ = client.Close()
		return err
	}
	if !sess.state.CompareAndSwap(stateOpening, stateRelaying) {
		_ = client.Close()
		return domain.Wrap("relay", sessionID, fmt.Errorf("%w: session already relaying", domain.ErrConflict))
	}
	sess.touch(b.now())

	dialCtx, cancelDial := context.WithTimeout(ctx, b.cfg.DialTimeout)
	machine, err := b.cfg.Dial(dialCtx, "tcp", sess.address)
	cancelDial()
	if err != nil {
		_ = client.Close()
		b.closeSession(sess, ReasonDialFailed, err.Error(), true)
		return domain.Wrap("relay", sessionID, fmt.Errorf("%w: dial %s: %v", domain.ErrIOFailure, sess.address, err))
	}

	relayCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !sess.attach(client, machine, cancel) {
		_ = client.Close()
		_ = machine.Close()
		return nil
	}
	b.log.Info("session relaying", "session_id", sess.id, "connection_id", sess.connectionID, "address", sess.address)

	res := relay.Pipe(relayCtx, client, machine, relay.Options{
		BufferSize: b.cfg.BufferSize,
		OnTraffic: func(dir relay.Direction, n int) {
			now := b.now()
			sess.touch(now)
			if dir == relay.ClientToMachine {
				sess.bytesClientToMachine.Add(int64(n))
				metrics.RelayBytesTotal.WithLabelValues(metrics.DirectionClientToMachine).Add(float64(n))
			} else {
				sess.bytesMachineToClient.Add(int64(n))
				metrics.RelayBytesTotal.WithLabelValues(metrics.DirectionMachineToClient).Add(float64(n))
			}
			if last := sess.lastTouchQueuedAt.Load(); now.UnixNano()-last >= int64(touchInterval) {
				if sess.lastTouchQueuedAt.CompareAndSwap(last, now.UnixNano()) {
					b.queueTouch(sess.connectionID)
				}
			}
		},
	})

	reason, detail := ReasonClientGone, ""
	switch {
	case res.Err != nil:
		reason, detail = ReasonRelayError, res.Err.Error()
		b.log.Warn("relay error", "session_id", sess.id, "connection_id", sess.connectionID, "err", res.Err)
	case res.Ended == relay.MachineToClient:
		reason = ReasonMachineGone
	}
	b.closeSession(sess, reason, detail, true)
	if res.Err != nil {
		return domain.Wrap("relay", sessionID, fmt.Errorf("%w: %v", domain.ErrIOFailure, res.Err))
	}
	return nil
}

// Close tears a session down. Closing an unknown or already closed session
// is a no-op.
func (b *Broker) Close(sessionID string, reason CloseReason) {
	if sess := b.lookup(sessionID); sess != nil {
		b.closeSession(sess, reason, "", true)
	}
}

// CloseSession closes sessionID because its connection was deactivated.
func (b *Broker) CloseSession(sessionID, detail string) {
	if sess := b.lookup(sessionID); sess != nil {
		b.closeSession(sess, ReasonDeactivated, detail, true)
	}
}

// LiveSession returns the id of the session occupying the connection's slot,
// or "" when the slot is free. The slot only changes under the connection
// lock, so a caller holding it gets a stable answer.
func (b *Broker) LiveSession(connectionID string) string {
	v, ok := b.slots.Load(connectionID)
	if !ok {
		return ""
	}
	if sess := v.(*slot).occupant.Load(); sess != nil {
		return sess.id
	}
	return ""
}

// DropConnection closes the session of a deleted connection without
// recording activity and forgets its slot.
func (b *Broker) DropConnection(connectionID string) {
	v, ok := b.slots.Load(connectionID)
	if !ok {
		return
	}
	if sess := v.(*slot).occupant.Load(); sess != nil {
		b.closeSession(sess, ReasonDeleted, "", false)
	}
	b.slots.Delete(connectionID)
}

func (b *Broker) closeSession(sess *session, reason CloseReason, detail string, record bool) {
	if !sess.markClosed() {
		return
	}
	sess.release()

	unlock := b.locks.Lock(sess.connectionID)
	b.mu.Lock()
	delete(b.sessions, sess.id)
	b.mu.Unlock()
	if v, ok := b.slots.Load(sess.connectionID); ok {
		v.(*slot).occupant.CompareAndSwap(sess, nil)
	}
	if record {
		details := fmt.Sprintf("session %s closed: %s", sess.id, reason)
		if detail != "" {
			details += " (" + detail + ")"
		}
		ctx, cancel := context.WithTimeout(context.Background(), activityTimeout)
		_, err := b.activity.Append(ctx, sess.connectionID, domain.ActionSessionClosed, details)
		cancel()
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			b.log.Error("failed to record session close", "session_id", sess.id, "connection_id", sess.connectionID, "err", err)
		}
	}
	unlock()

	duration := b.now().Sub(sess.createdAt)
	metrics.SessionsActive.Dec()
	metrics.SessionsClosedTotal.WithLabelValues(string(reason)).Inc()
	metrics.SessionDuration.Observe(duration.Seconds())

	attrs := []any{
		"session_id", sess.id,
		"connection_id", sess.connectionID,
		"reason", string(reason),
		"duration", duration.Round(time.Millisecond).String(),
		"bytes_in", sess.bytesClientToMachine.Load(),
		"bytes_out", sess.bytesMachineToClient.Load(),
	}
	if reason == ReasonIdleTimeout {
		attrs = append(attrs, "err", domain.ErrTimeout)
	}
	if detail != "" {
		attrs = append(attrs, "detail", detail)
	}
	b.log.Info("session closed", attrs...)
}

// Get returns a snapshot of one open session.
func (b *Broker) Get(sessionID string) (domain.Session, error) {
	sess := b.lookup(sessionID)
	if sess == nil {
		return domain.Session{}, domain.Wrap("get session", sessionID, domain.ErrNotFound)
	}
	return sess.snapshot(), nil
}

// Sessions returns snapshots of all open sessions, oldest first.
func (b *Broker) Sessions() []domain.Session {
	b.mu.RLock()
	out := make([]domain.Session, 0, len(b.sessions))
	for _, sess := range b.sessions {
		out = append(out, sess.snapshot())
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ActiveCount returns the number of open sessions.
func (b *Broker) ActiveCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}
