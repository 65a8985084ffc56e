// Package domain defines the core data types shared across the deskrelay
// registry, broker, transfer tracker, and store layers.
package domain

import "time"

// ConnectionStatus is the lifecycle state of a registered machine record.
type ConnectionStatus string

// Connection status constants.
const (
	StatusPending  ConnectionStatus = "pending"
	StatusActive   ConnectionStatus = "active"
	StatusInactive ConnectionStatus = "inactive"
)

// Valid reports whether s is one of the known status values.
func (s ConnectionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusInactive:
		return true
	}
	return false
}

// Action tags an [ActivityEntry].
type Action string

// Activity action constants.
const (
	ActionCreated        Action = "created"
	ActionRegistered     Action = "registered"
	ActionStatusChanged  Action = "status_changed"
	ActionSessionOpened  Action = "session_opened"
	ActionSessionClosed  Action = "session_closed"
	ActionFileUploaded   Action = "file_uploaded"
	ActionFileDownloaded Action = "file_downloaded"
)

// Valid reports whether a is one of the known action tags.
func (a Action) Valid() bool {
	switch a {
	case ActionCreated, ActionRegistered, ActionStatusChanged,
		ActionSessionOpened, ActionSessionClosed,
		ActionFileUploaded, ActionFileDownloaded:
		return true
	}
	return false
}

// TransferType distinguishes uploads from downloads.
type TransferType string

// Transfer type constants.
const (
	TransferUpload   TransferType = "upload"
	TransferDownload TransferType = "download"
)

// SessionState describes where a brokered session is in its lifecycle.
type SessionState string

// Session state constants.
const (
	SessionOpening  SessionState = "opening"
	SessionRelaying SessionState = "relaying"
	SessionClosed   SessionState = "closed"
)

// Connection is a remote machine record and its management metadata.
type Connection struct {
	ID              string
	Name            string
	Location        string
	Country         string
	City            string
	Status          ConnectionStatus
	Address         string // empty until first registration
	MachineName     string
	InstallationKey string
	KeyRedeemed     bool
	CreatedAt       time.Time
	LastSeenAt      *time.Time
}

// ActivityEntry is one append-only event in a connection's trail.
type ActivityEntry struct {
	ID           string
	ConnectionID string
	Action       Action
	Details      string
	CreatedAt    time.Time
}

// TransferRecord is an immutable record of one upload or download.
type TransferRecord struct {
	ID           string
	ConnectionID string
	Filename     string
	Size         int64
	Type         TransferType
	Checksum     string
	CreatedAt    time.Time
}

// Session is a snapshot of a broker-owned relay session. It is never
// persisted and carries no credentials.
type Session struct {
	ID           string
	ConnectionID string
	Address      string
	State        SessionState
	CreatedAt    time.Time
	LastActive   time.Time
	BytesIn      int64
	BytesOut     int64
}

// Stats is derived from the connection table.
type Stats struct {
	Total          int
	Pending        int
	Active         int
	Inactive       int
	RecentActivity int
	GeneratedAt    time.Time
}
