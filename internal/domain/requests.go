package domain

import "time"

// CreateConnectionRequest is the JSON body for creating a connection.
type CreateConnectionRequest struct {
	Name     string `json:"name"`
	Location string `json:"location,omitempty"`
	Country  string `json:"country,omitempty"`
	City     string `json:"city,omitempty"`
}

// ConnectionResponse is the JSON view of a [Connection]. The installation
// key is included because operators hand it to the installer generator.
type ConnectionResponse struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Location        string     `json:"location"`
	Country         string     `json:"country"`
	City            string     `json:"city"`
	Status          string     `json:"status"`
	IPAddress       *string    `json:"ip_address"`
	MachineName     string     `json:"machine_name,omitempty"`
	InstallationKey string     `json:"installation_key"`
	KeyRedeemed     bool       `json:"key_redeemed"`
	CreatedAt       time.Time  `json:"created_at"`
	LastSeen        *time.Time `json:"last_seen"`
}

// SetStatusRequest is the JSON body for changing a connection status.
type SetStatusRequest struct {
	Status string `json:"status"`
}

// RegisterMachineRequest is sent by the installed agent to redeem its key.
type RegisterMachineRequest struct {
	InstallationKey string `json:"installation_key"`
	MachineName     string `json:"machine_name"`
	IPAddress       string `json:"ip_address"`
	Status          string `json:"status,omitempty"`
}

// RegisterMachineResponse acknowledges a registration.
type RegisterMachineResponse struct {
	Message      string `json:"message"`
	ConnectionID string `json:"connection_id"`
}

// InstallerResponse carries exactly what an installer generator embeds.
type InstallerResponse struct {
	ConnectionID    string `json:"connection_id"`
	InstallationKey string `json:"installation_key"`
	RegistrationURL string `json:"registration_url"`
}

// SessionOpenResponse is returned once per session; the password is never
// shown again.
type SessionOpenResponse struct {
	SessionID     string `json:"session_id"`
	ConnectionID  string `json:"connection_id"`
	Port          int    `json:"port"`
	Password      string `json:"password"`
	Address       string `json:"address"`
	RelayEndpoint string `json:"relay_endpoint"`
}

// SessionResponse is the JSON view of a live [Session].
type SessionResponse struct {
	SessionID    string    `json:"session_id"`
	ConnectionID string    `json:"connection_id"`
	Address      string    `json:"address"`
	State        string    `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
	LastActive   time.Time `json:"last_active"`
	BytesIn      int64     `json:"bytes_in"`
	BytesOut     int64     `json:"bytes_out"`
}

// UploadResponse reports the stored upload and its checksum.
type UploadResponse struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

// TransferResponse is the JSON view of a [TransferRecord].
type TransferResponse struct {
	ID           string    `json:"id"`
	ConnectionID string    `json:"connection_id"`
	Filename     string    `json:"filename"`
	Size         int64     `json:"file_size"`
	Type         string    `json:"transfer_type"`
	Checksum     string    `json:"checksum"`
	Timestamp    time.Time `json:"timestamp"`
}

// ActivityResponse is the JSON view of an [ActivityEntry].
type ActivityResponse struct {
	ID           string    `json:"id"`
	ConnectionID string    `json:"connection_id"`
	Action       string    `json:"action"`
	Details      string    `json:"details"`
	Timestamp    time.Time `json:"timestamp"`
}

// FileEntry describes one file available for a connection.
type FileEntry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	IsDir   bool      `json:"is_dir"`
	ModTime time.Time `json:"modified"`
}

// FilesResponse lists the files of a connection.
type FilesResponse struct {
	ConnectionID string      `json:"connection_id"`
	Files        []FileEntry `json:"files"`
}

// StatsResponse is the JSON view of [Stats].
type StatsResponse struct {
	TotalConnections    int       `json:"total_connections"`
	PendingConnections  int       `json:"pending_connections"`
	ActiveConnections   int       `json:"active_connections"`
	InactiveConnections int       `json:"inactive_connections"`
	RecentActivity24h   int       `json:"recent_activity_24h"`
	Timestamp           time.Time `json:"timestamp"`
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// SystemInfoResponse describes the running broker.
type SystemInfoResponse struct {
	Version        string    `json:"vnc_management_version"`
	SystemTime     time.Time `json:"system_time"`
	Features       []string  `json:"features"`
	ActiveSessions int       `json:"active_sessions"`
}

// MessageResponse acknowledges an operation that has no other payload.
type MessageResponse struct {
	Message string `json:"message"`
}

// ErrorResponse is the JSON body returned by the server for structured errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code,omitempty"`
}
