package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/koltyakov/deskrelay/internal/auth"
	"github.com/koltyakov/deskrelay/internal/domain"
	"github.com/koltyakov/deskrelay/internal/netutil"
	"github.com/koltyakov/deskrelay/internal/registry"
)

var systemFeatures = []string{
	"connection_registry",
	"machine_registration",
	"session_broker",
	"websocket_relay",
	"file_transfer",
	"activity_log",
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.log.Error("health check failed", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, domain.HealthResponse{Status: "unhealthy", Timestamp: time.Now().UTC()})
		return
	}
	writeJSON(w, http.StatusOK, domain.HealthResponse{Status: "healthy", Timestamp: time.Now().UTC()})
}

func (s *Server) handleSystemInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, domain.SystemInfoResponse{
		Version:        s.version,
		SystemTime:     time.Now().UTC(),
		Features:       systemFeatures,
		ActiveSessions: s.broker.ActiveCount(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.registry.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.StatsResponse{
		TotalConnections:    st.Total,
		PendingConnections:  st.Pending,
		ActiveConnections:   st.Active,
		InactiveConnections: st.Inactive,
		RecentActivity24h:   st.RecentActivity,
		Timestamp:           st.GeneratedAt,
	})
}

func (s *Server) handleCreateConnection(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateConnectionRequest
	if err := decodeJSONBody(w, r, maxJSONBodyBytes, &req); err != nil {
		s.writeBadJSON(w, err)
		return
	}
	c, err := s.registry.Create(r.Context(), registry.NewConnection{
		Name:     req.Name,
		Location: req.Location,
		Country:  req.Country,
		City:     req.City,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, connectionResponse(c))
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := s.registry.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]domain.ConnectionResponse, 0, len(conns))
	for _, c := range conns {
		out = append(out, connectionResponse(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	c, err := s.registry.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, connectionResponse(c))
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	var req domain.SetStatusRequest
	if err := decodeJSONBody(w, r, maxJSONBodyBytes, &req); err != nil {
		s.writeBadJSON(w, err)
		return
	}
	c, err := s.registry.SetStatus(r.Context(), mux.Vars(r)["id"], req.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, connectionResponse(c))
}

func (s *Server) handleDeleteConnection(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.registry.Delete(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.files.RemoveConnection(id); err != nil {
		s.log.Warn("failed to remove connection files", "connection_id", id, "err", err)
	}
	writeJSON(w, http.StatusOK, domain.MessageResponse{Message: "Connection deleted successfully"})
}

func (s *Server) handleInstaller(w http.ResponseWriter, r *http.Request) {
	info, err := s.registry.InstallerInfo(r.Context(), mux.Vars(r)["id"], s.baseURL(r)+"/api/register-machine")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.InstallerResponse{
		ConnectionID:    info.ConnectionID,
		InstallationKey: info.InstallationKey,
		RegistrationURL: info.RegistrationURL,
	})
}

func (s *Server) handleRegisterMachine(w http.ResponseWriter, r *http.Request) {
	clientIP := netutil.ClientIP(r)
	if ok, wait := s.limiter.allow(clientIP); !ok {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(wait)))
		writeErrorCode(w, http.StatusTooManyRequests, "too many registration attempts", "rate_limited")
		return
	}
	var req domain.RegisterMachineRequest
	if err := decodeJSONBody(w, r, maxJSONBodyBytes, &req); err != nil {
		s.writeBadJSON(w, err)
		return
	}
	c, err := s.registry.Redeem(r.Context(), req.InstallationKey, req.MachineName, req.IPAddress, req.Status)
	if err != nil {
		s.log.Info("machine registration rejected",
			"remote_addr", clientIP,
			"key_fingerprint", auth.Fingerprint(req.InstallationKey),
			"err", err,
		)
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.RegisterMachineResponse{
		Message:      "Machine registered successfully",
		ConnectionID: c.ID,
	})
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	entries, err := s.activity.List(r.Context(), r.URL.Query().Get("connection_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]domain.ActivityResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, activityResponse(e))
	}
	writeJSON(w, http.StatusOK, out)
}
