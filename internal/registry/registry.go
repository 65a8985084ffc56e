// Package registry owns the connection lifecycle: creation with a one-time
// installation key, redemption by the installed machine, status changes,
// deletion, and derived statistics.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/koltyakov/deskrelay/internal/activity"
	"github.com/koltyakov/deskrelay/internal/auth"
	"github.com/koltyakov/deskrelay/internal/connlock"
	"github.com/koltyakov/deskrelay/internal/domain"
	ilog "github.com/koltyakov/deskrelay/internal/log"
	"github.com/koltyakov/deskrelay/internal/metrics"
	"github.com/koltyakov/deskrelay/internal/netutil"
	"github.com/koltyakov/deskrelay/internal/store/sqlite"
)

const recentWindow = 24 * time.Hour

const maxKeyAttempts = 3

// Store is the persistence the registry needs.
type Store interface {
	CreateConnection(ctx context.Context, c domain.Connection, note *domain.ActivityEntry) error
	GetConnection(ctx context.Context, id string) (domain.Connection, error)
	GetConnectionByKey(ctx context.Context, installationKey string) (domain.Connection, error)
	ListConnections(ctx context.Context) ([]domain.Connection, error)
	RegisterConnection(ctx context.Context, id, installationKey, machineName, address string, now time.Time, note *domain.ActivityEntry) (domain.Connection, error)
	SetConnectionStatus(ctx context.Context, id string, status domain.ConnectionStatus, note *domain.ActivityEntry) error
	DeleteConnection(ctx context.Context, id string) error
	CountConnectionsByStatus(ctx context.Context) (map[domain.ConnectionStatus]int, error)
	CountConnectionsSeenAfter(ctx context.Context, t time.Time) (int, error)
}

// SessionCloser tears down live sessions when a connection stops being
// usable.
type SessionCloser interface {
	// LiveSession returns the id of the connection's current session, or ""
	// when it has none. The registry calls it under the connection lock.
	LiveSession(connectionID string) string
	// CloseSession closes one session of a connection that still exists. A
	// session opened later on the same connection is left alone.
	CloseSession(sessionID, reason string)
	// DropConnection closes the session of a deleted connection without
	// writing to its (already removed) activity trail.
	DropConnection(connectionID string)
}

// Installer carries exactly what an external installer generator embeds.
type Installer struct {
	ConnectionID    string
	InstallationKey string
	RegistrationURL string
}

// Registry is safe for concurrent use.
type Registry struct {
	store    Store
	activity *activity.Logger
	locks    *connlock.Locker
	log      *slog.Logger
	now      func() time.Time

	sessions SessionCloser
}

// New wires a Registry. locks must be the same Locker the session broker
// uses so that registration and session changes on one connection
// serialize.
func New(store Store, act *activity.Logger, locks *connlock.Locker, logger *slog.Logger) *Registry {
	if locks == nil {
		locks = connlock.New()
	}
	return &Registry{
		store:    store,
		activity: act,
		locks:    locks,
		log:      ilog.OrDiscard(logger),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetSessionCloser installs the hook used to close sessions on deactivation
// and deletion. It must be called before the registry serves requests.
func (r *Registry) SetSessionCloser(sc SessionCloser) {
	r.sessions = sc
}

// NewConnection holds the operator-supplied fields of a connection.
type NewConnection struct {
	Name     string
	Location string
	Country  string
	City     string
}

// Create mints a pending connection with a fresh installation key.
func (r *Registry) Create(ctx context.Context, in NewConnection) (domain.Connection, error) {
	c := domain.Connection{
		ID:        uuid.NewString(),
		Name:      strings.TrimSpace(in.Name),
		Location:  strings.TrimSpace(in.Location),
		Country:   strings.TrimSpace(in.Country),
		City:      strings.TrimSpace(in.City),
		Status:    domain.StatusPending,
		CreatedAt: r.now(),
	}
	note, err := r.activity.Entry(c.ID, domain.ActionCreated, fmt.Sprintf("connection %q created", c.Name))
	if err != nil {
		return domain.Connection{}, err
	}

	for attempt := 1; ; attempt++ {
		key, err := auth.GenerateInstallationKey()
		if err != nil {
			return domain.Connection{}, domain.Wrap("create connection", c.ID, err)
		}
		c.InstallationKey = key
		err = r.store.CreateConnection(ctx, c, note)
		if err == nil {
			break
		}
		if errors.Is(err, sqlite.ErrInstallationKeyInUse) && attempt < maxKeyAttempts {
			continue
		}
		return domain.Connection{}, domain.Wrap("create connection", c.ID, err)
	}

	r.activity.Recorded(*note)
	r.log.Info("connection created",
		"connection_id", c.ID,
		"name", c.Name,
		"key_fingerprint", auth.Fingerprint(c.InstallationKey),
	)
	return c, nil
}

// Get returns one connection.
func (r *Registry) Get(ctx context.Context, id string) (domain.Connection, error) {
	c, err := r.store.GetConnection(ctx, id)
	if err != nil {
		return domain.Connection{}, storeErr("get connection", id, err)
	}
	return c, nil
}

// RequireActive returns the connection if it exists and is active.
func (r *Registry) RequireActive(ctx context.Context, id string) (domain.Connection, error) {
	c, err := r.Get(ctx, id)
	if err != nil {
		return domain.Connection{}, err
	}
	if c.Status != domain.StatusActive {
		return domain.Connection{}, domain.Wrap("require active", id,
			fmt.Errorf("%w: connection is %s", domain.ErrPreconditionFailed, c.Status))
	}
	return c, nil
}

// List returns every connection in creation order.
func (r *Registry) List(ctx context.Context) ([]domain.Connection, error) {
	out, err := r.store.ListConnections(ctx)
	if err != nil {
		return nil, domain.Wrap("list connections", "", err)
	}
	return out, nil
}

// Redeem registers the machine holding installationKey. Re-redeeming an
// already used key is accepted and re-registers the machine. status is
// optional; when given it must be a known value, but redemption always
// leaves the connection active.
func (r *Registry) Redeem(ctx context.Context, installationKey, machineName, address, status string) (domain.Connection, error) {
	installationKey = strings.TrimSpace(installationKey)
	machineName = strings.TrimSpace(machineName)
	address = strings.TrimSpace(address)
	fp := auth.Fingerprint(installationKey)

	if s := strings.TrimSpace(status); s != "" && !domain.ConnectionStatus(s).Valid() {
		metrics.RegistrationsTotal.WithLabelValues(metrics.ResultRejected).Inc()
		return domain.Connection{}, domain.Wrap("redeem", "", fmt.Errorf("%w: unknown status %q", domain.ErrInvalidArgument, s))
	}
	if address == "" {
		metrics.RegistrationsTotal.WithLabelValues(metrics.ResultRejected).Inc()
		return domain.Connection{}, domain.Wrap("redeem", "", fmt.Errorf("%w: empty address", domain.ErrInvalidArgument))
	}
	if err := netutil.ValidateMachineAddress(address); err != nil {
		metrics.RegistrationsTotal.WithLabelValues(metrics.ResultRejected).Inc()
		return domain.Connection{}, domain.Wrap("redeem", "", fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err))
	}
	if installationKey == "" {
		metrics.RegistrationsTotal.WithLabelValues(metrics.ResultNotFound).Inc()
		return domain.Connection{}, domain.Wrap("redeem", "", domain.ErrNotFound)
	}

	found, err := r.store.GetConnectionByKey(ctx, installationKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			metrics.RegistrationsTotal.WithLabelValues(metrics.ResultNotFound).Inc()
			r.log.Warn("registration with unknown installation key", "key_fingerprint", fp)
			return domain.Connection{}, domain.Wrap("redeem", "", domain.ErrNotFound)
		}
		metrics.RegistrationsTotal.WithLabelValues(metrics.ResultError).Inc()
		return domain.Connection{}, domain.Wrap("redeem", "", err)
	}

	unlock := r.locks.Lock(found.ID)
	defer unlock()

	details := fmt.Sprintf("machine %q registered from %s", machineName, address)
	if found.KeyRedeemed {
		details = fmt.Sprintf("machine %q re-registered from %s", machineName, address)
	}
	note, err := r.activity.Entry(found.ID, domain.ActionRegistered, details)
	if err != nil {
		return domain.Connection{}, err
	}
	c, err := r.store.RegisterConnection(ctx, found.ID, installationKey, machineName, address, r.now(), note)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			metrics.RegistrationsTotal.WithLabelValues(metrics.ResultNotFound).Inc()
		} else {
			metrics.RegistrationsTotal.WithLabelValues(metrics.ResultError).Inc()
		}
		return domain.Connection{}, storeErr("redeem", found.ID, err)
	}

	metrics.RegistrationsTotal.WithLabelValues(metrics.ResultSuccess).Inc()
	r.activity.Recorded(*note)
	r.log.Info("machine registered",
		"connection_id", c.ID,
		"machine_name", c.MachineName,
		"address", c.Address,
		"key_fingerprint", fp,
		"re_registration", found.KeyRedeemed,
	)
	return c, nil
}

// SetStatus changes the status of a connection. Leaving active closes the
// connection's live session.
func (r *Registry) SetStatus(ctx context.Context, id, status string) (domain.Connection, error) {
	next := domain.ConnectionStatus(strings.ToLower(strings.TrimSpace(status)))
	if !next.Valid() {
		return domain.Connection{}, domain.Wrap("set status", id, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidArgument, status))
	}

	c, liveSession, err := r.setStatusLocked(ctx, id, next)
	if err != nil {
		return domain.Connection{}, err
	}
	if liveSession != "" {
		r.sessions.CloseSession(liveSession, "connection status changed to "+string(next))
	}
	return c, nil
}

// setStatusLocked returns the session that was live when a connection left
// active. Sessions opened after the lock is released belong to a later
// activation and must survive.
func (r *Registry) setStatusLocked(ctx context.Context, id string, next domain.ConnectionStatus) (domain.Connection, string, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	c, err := r.store.GetConnection(ctx, id)
	if err != nil {
		return domain.Connection{}, "", storeErr("set status", id, err)
	}
	prev := c.Status
	note, err := r.activity.Entry(id, domain.ActionStatusChanged, fmt.Sprintf("%s -> %s", prev, next))
	if err != nil {
		return domain.Connection{}, "", err
	}
	if err := r.store.SetConnectionStatus(ctx, id, next, note); err != nil {
		return domain.Connection{}, "", storeErr("set status", id, err)
	}
	r.activity.Recorded(*note)
	r.log.Info("connection status changed", "connection_id", id, "from", string(prev), "to", string(next))
	c.Status = next

	var liveSession string
	if next != domain.StatusActive && r.sessions != nil {
		liveSession = r.sessions.LiveSession(id)
	}
	return c, liveSession, nil
}

// Delete removes a connection with its activity trail and transfer history
// and drops its live session.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.deleteLocked(ctx, id); err != nil {
		return err
	}
	if r.sessions != nil {
		r.sessions.DropConnection(id)
	}
	r.log.Info("connection deleted", "connection_id", id)
	return nil
}

func (r *Registry) deleteLocked(ctx context.Context, id string) error {
	unlock := r.locks.Lock(id)
	defer unlock()
	return storeErr("delete connection", id, r.store.DeleteConnection(ctx, id))
}

// Stats derives connection counts by status and the number of connections
// seen within the last 24 hours.
func (r *Registry) Stats(ctx context.Context) (domain.Stats, error) {
	counts, err := r.store.CountConnectionsByStatus(ctx)
	if err != nil {
		return domain.Stats{}, domain.Wrap("stats", "", err)
	}
	now := r.now()
	recent, err := r.store.CountConnectionsSeenAfter(ctx, now.Add(-recentWindow))
	if err != nil {
		return domain.Stats{}, domain.Wrap("stats", "", err)
	}
	st := domain.Stats{
		Pending:        counts[domain.StatusPending],
		Active:         counts[domain.StatusActive],
		Inactive:       counts[domain.StatusInactive],
		RecentActivity: recent,
		GeneratedAt:    now,
	}
	for _, n := range counts {
		st.Total += n
	}
	return st, nil
}

// InstallerInfo returns the parameters an installer generator embeds for
// connection id. registrationURL is the absolute machine-registration
// endpoint.
func (r *Registry) InstallerInfo(ctx context.Context, id, registrationURL string) (Installer, error) {
	c, err := r.Get(ctx, id)
	if err != nil {
		return Installer{}, err
	}
	return Installer{
		ConnectionID:    c.ID,
		InstallationKey: c.InstallationKey,
		RegistrationURL: registrationURL,
	}, nil
}

func storeErr(op, id string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Wrap(op, id, domain.ErrNotFound)
	}
	var opErr *domain.OpError
	if errors.As(err, &opErr) {
		return err
	}
	return domain.Wrap(op, id, err)
}
