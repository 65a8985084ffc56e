package broker

import (
	"context"
	"errors"
	"io"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koltyakov/deskrelay/internal/activity"
	"github.com/koltyakov/deskrelay/internal/connlock"
	"github.com/koltyakov/deskrelay/internal/domain"
	"github.com/koltyakov/deskrelay/internal/registry"
	"github.com/koltyakov/deskrelay/internal/store/sqlite"
)

type countingToucher struct {
	calls atomic.Int64
}

func (c *countingToucher) TouchConnection(context.Context, string) error {
	c.calls.Add(1)
	return nil
}

type fixture struct {
	broker  *Broker
	reg     *registry.Registry
	act     *activity.Logger
	toucher *countingToucher
}

func startEchoMachine(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func newFixture(t *testing.T, mutate func(*Config)) fixture {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "broker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	locks := connlock.New()
	act := activity.New(store, nil)
	reg := registry.New(store, act, locks, nil)
	cfg := Config{MachinePort: startEchoMachine(t), JanitorInterval: 20 * time.Millisecond}
	if mutate != nil {
		mutate(&cfg)
	}
	toucher := &countingToucher{}
	b := New(cfg, reg, toucher, act, locks, nil)
	reg.SetSessionCloser(b)
	return fixture{broker: b, reg: reg, act: act, toucher: toucher}
}

func (f fixture) activeConnection(t *testing.T) domain.Connection {
	t.Helper()
	ctx := context.Background()
	c, err := f.reg.Create(ctx, registry.NewConnection{Name: "Front desk", Location: "HQ"})
	require.NoError(t, err)
	c, err = f.reg.Redeem(ctx, c.InstallationKey, "M1", "127.0.0.1", "")
	require.NoError(t, err)
	return c
}

func (f fixture) actions(t *testing.T, connectionID string) []domain.Action {
	t.Helper()
	entries, err := f.act.List(context.Background(), connectionID)
	require.NoError(t, err)
	out := make([]domain.Action, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Action)
	}
	return out
}

func TestOpenRequiresActiveConnection(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	pending, err := f.reg.Create(ctx, registry.NewConnection{Name: "Pending"})
	require.NoError(t, err)
	_, err = f.broker.Open(ctx, pending.ID)
	assert.ErrorIs(t, err, domain.ErrPreconditionFailed)

	_, err = f.broker.Open(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Zero(t, f.broker.ActiveCount())
}

func TestOpenReturnsGrant(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	c := f.activeConnection(t)

	g, err := f.broker.Open(context.Background(), c.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, g.SessionID)
	assert.Equal(t, c.ID, g.ConnectionID)
	assert.Len(t, g.Password, 20)
	assert.Equal(t, f.broker.cfg.MachinePort, g.Port)
	assert.Contains(t, g.RelayEndpoint, g.SessionID)

	snap, err := f.broker.Get(g.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionOpening, snap.State)

	entries, err := f.act.List(context.Background(), c.ID)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Details, g.Password)
	}
}

func TestConcurrentOpenHasSingleWinner(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	c := f.activeConnection(t)

	const n = 16
	var (
		wg        sync.WaitGroup
		successes atomic.Int64
		conflicts atomic.Int64
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.broker.Open(context.Background(), c.ID)
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, domain.ErrConflict):
				conflicts.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, 1, successes.Load())
	assert.EqualValues(t, n-1, conflicts.Load())
	assert.Equal(t, 1, f.broker.ActiveCount())
}

func TestSessionLifecycleScenario(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	c := f.activeConnection(t)
	ctx := context.Background()

	first, err := f.broker.Open(ctx, c.ID)
	require.NoError(t, err)

	_, err = f.broker.Open(ctx, c.ID)
	require.ErrorIs(t, err, domain.ErrConflict)

	f.broker.Close(first.SessionID, ReasonClosed)
	_, err = f.broker.Get(first.SessionID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	second, err := f.broker.Open(ctx, c.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, second.SessionID)

	assert.Equal(t, []domain.Action{
		domain.ActionCreated,
		domain.ActionRegistered,
		domain.ActionSessionOpened,
		domain.ActionSessionClosed,
		domain.ActionSessionOpened,
	}, f.actions(t, c.ID))
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	c := f.activeConnection(t)

	g, err := f.broker.Open(context.Background(), c.ID)
	require.NoError(t, err)

	f.broker.Close(g.SessionID, ReasonClosed)
	f.broker.Close(g.SessionID, ReasonClosed)
	f.broker.Close("unknown", ReasonClosed)

	closed := 0
	for _, a := range f.actions(t, c.ID) {
		if a == domain.ActionSessionClosed {
			closed++
		}
	}
	assert.Equal(t, 1, closed)
	assert.Zero(t, f.broker.ActiveCount())
}

func TestRelayForwardsBytesAndClosesOnClientEnd(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	c := f.activeConnection(t)

	g, err := f.broker.Open(context.Background(), c.ID)
	require.NoError(t, err)

	serverSide, clientSide := net.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- f.broker.Relay(context.Background(), g.SessionID, g.Password, serverSide)
	}()

	payload := []byte("RFB 003.008\n")
	_, err = clientSide.Write(payload)
	require.NoError(t, err)
	got := make([]byte, len(payload))
	_, err = io.ReadFull(clientSide, got)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	snap, err := f.broker.Get(g.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionRelaying, snap.State)

	require.NoError(t, clientSide.Close())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not finish after client closed")
	}

	assert.Zero(t, f.broker.ActiveCount())
	entries, err := f.act.List(context.Background(), c.ID)
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, domain.ActionSessionClosed, last.Action)
	assert.Contains(t, last.Details, string(ReasonClientGone))
}

func TestRelayRejectsWrongPassword(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	c := f.activeConnection(t)

	g, err := f.broker.Open(context.Background(), c.ID)
	require.NoError(t, err)

	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()
	err = f.broker.Relay(context.Background(), g.SessionID, "wrong", serverSide)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	snap, err := f.broker.Get(g.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionOpening, snap.State)
	assert.NoError(t, f.broker.Authorize(g.SessionID, g.Password))
}

func TestRelayPasswordIsSingleUse(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	c := f.activeConnection(t)

	g, err := f.broker.Open(context.Background(), c.ID)
	require.NoError(t, err)

	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()
	go func() { _ = f.broker.Relay(context.Background(), g.SessionID, g.Password, serverSide) }()

	assert.Eventually(t, func() bool {
		snap, err := f.broker.Get(g.SessionID)
		return err == nil && snap.State == domain.SessionRelaying
	}, 5*time.Second, 10*time.Millisecond)

	other, otherClient := net.Pipe()
	defer otherClient.Close()
	err = f.broker.Relay(context.Background(), g.SessionID, g.Password, other)
	assert.ErrorIs(t, err, domain.ErrConflict)

	f.broker.Close(g.SessionID, ReasonClosed)
}

func TestRelayDialFailureClosesSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(cfg *Config) {
		cfg.Dial = func(context.Context, string, string) (net.Conn, error) {
			return nil, errors.New("connection refused")
		}
	})
	c := f.activeConnection(t)

	g, err := f.broker.Open(context.Background(), c.ID)
	require.NoError(t, err)

	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()
	err = f.broker.Relay(context.Background(), g.SessionID, g.Password, serverSide)
	assert.ErrorIs(t, err, domain.ErrIOFailure)
	assert.Zero(t, f.broker.ActiveCount())

	_, err = f.broker.Open(context.Background(), c.ID)
	assert.NoError(t, err)
}

func TestExpireIdleSessions(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(cfg *Config) { cfg.IdleTimeout = time.Minute })
	c := f.activeConnection(t)

	g, err := f.broker.Open(context.Background(), c.ID)
	require.NoError(t, err)

	assert.Zero(t, f.broker.expireIdleSessions(time.Now()))
	assert.Equal(t, 1, f.broker.expireIdleSessions(time.Now().Add(2*time.Minute)))

	_, err = f.broker.Get(g.SessionID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	entries, err := f.act.List(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Contains(t, entries[len(entries)-1].Details, string(ReasonIdleTimeout))
}

func TestRunExpiresIdleSessionsAndTouches(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(cfg *Config) { cfg.IdleTimeout = 50 * time.Millisecond })
	c := f.activeConnection(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.broker.Run(ctx)

	_, err := f.broker.Open(context.Background(), c.ID)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return f.broker.ActiveCount() == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return f.toucher.calls.Load() > 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestDeactivationClosesSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	c := f.activeConnection(t)
	ctx := context.Background()

	g, err := f.broker.Open(ctx, c.ID)
	require.NoError(t, err)

	_, err = f.reg.SetStatus(ctx, c.ID, "inactive")
	require.NoError(t, err)

	_, err = f.broker.Get(g.SessionID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.broker.Open(ctx, c.ID)
	assert.ErrorIs(t, err, domain.ErrPreconditionFailed)

	entries, err := f.act.List(ctx, c.ID)
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, domain.ActionSessionClosed, last.Action)
	assert.Contains(t, last.Details, string(ReasonDeactivated))
}

func TestDeactivationCloseSparesLaterSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	c := f.activeConnection(t)
	ctx := context.Background()

	stale, err := f.broker.Open(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, stale.SessionID, f.broker.LiveSession(c.ID))

	// A deactivation captured stale; the connection is reactivated and a new
	// session opened before the deferred close runs.
	f.broker.Close(stale.SessionID, ReasonClosed)
	assert.Empty(t, f.broker.LiveSession(c.ID))
	fresh, err := f.broker.Open(ctx, c.ID)
	require.NoError(t, err)

	f.broker.CloseSession(stale.SessionID, "connection status changed to inactive")

	got, err := f.broker.Get(fresh.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionOpening, got.State)
	assert.Equal(t, fresh.SessionID, f.broker.LiveSession(c.ID))
}

func TestDeleteDropsSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	c := f.activeConnection(t)
	ctx := context.Background()

	g, err := f.broker.Open(ctx, c.ID)
	require.NoError(t, err)

	require.NoError(t, f.reg.Delete(ctx, c.ID))

	_, err = f.broker.Get(g.SessionID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, f.broker.Sessions())

	entries, err := f.act.List(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestShutdownClosesRelayingSessions(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	c := f.activeConnection(t)

	g, err := f.broker.Open(context.Background(), c.ID)
	require.NoError(t, err)

	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.broker.Relay(context.Background(), g.SessionID, g.Password, serverSide)
	}()
	assert.Eventually(t, func() bool {
		snap, err := f.broker.Get(g.SessionID)
		return err == nil && snap.State == domain.SessionRelaying
	}, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.broker.Shutdown(ctx))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("relay still running after shutdown")
	}
	assert.Zero(t, f.broker.ActiveCount())
}

func TestSessionsSnapshotOrder(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	first := f.activeConnection(t)
	second := f.activeConnection(t)
	ctx := context.Background()

	g1, err := f.broker.Open(ctx, first.ID)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	g2, err := f.broker.Open(ctx, second.ID)
	require.NoError(t, err)

	snaps := f.broker.Sessions()
	require.Len(t, snaps, 2)
	assert.Equal(t, g1.SessionID, snaps[0].ID)
	assert.Equal(t, g2.SessionID, snaps[1].ID)
}
