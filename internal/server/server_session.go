package server

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/koltyakov/deskrelay/internal/broker"
	"github.com/koltyakov/deskrelay/internal/domain"
	"github.com/koltyakov/deskrelay/internal/netutil"
	"github.com/koltyakov/deskrelay/internal/relay"
)

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	grant, err := s.broker.Open(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	endpoint, err := netutil.WebSocketURL(s.baseURL(r), grant.RelayEndpoint)
	if err != nil {
		endpoint = grant.RelayEndpoint
	}
	writeJSON(w, http.StatusOK, domain.SessionOpenResponse{
		SessionID:     grant.SessionID,
		ConnectionID:  grant.ConnectionID,
		Port:          grant.Port,
		Password:      grant.Password,
		Address:       grant.Address,
		RelayEndpoint: endpoint,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.broker.Sessions()
	out := make([]domain.SessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionResponse(sess))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	sid := mux.Vars(r)["sid"]
	if _, err := s.broker.Get(sid); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.broker.Close(sid, broker.ReasonClosed)
	writeJSON(w, http.StatusOK, domain.MessageResponse{Message: "Session closed"})
}

// handleRelay upgrades to a WebSocket and relays binary frames to the
// session's machine until either side ends.
func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	sid := mux.Vars(r)["sid"]
	password := r.URL.Query().Get("password")
	if err := s.broker.Authorize(sid, password); err != nil {
		s.writeError(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "session_id", sid, "err", err)
		return
	}
	stream := relay.NewWSStream(conn, relayWriteTimeout)
	if err := s.broker.Relay(r.Context(), sid, password, stream); err != nil {
		level := s.log.Warn
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
			level = s.log.Info
		}
		level("relay ended with error", "session_id", sid, "err", err)
	}
}
