package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/koltyakov/deskrelay/internal/domain"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
	_, _ = w.Write([]byte("\n"))
}

func writeErrorCode(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, domain.ErrorResponse{Error: message, ErrorCode: code})
}

func statusForKind(kind string) int {
	switch kind {
	case "not_found":
		return http.StatusNotFound
	case "precondition_failed":
		return http.StatusPreconditionFailed
	case "conflict":
		return http.StatusConflict
	case "invalid_argument":
		return http.StatusBadRequest
	case "io_failure":
		return http.StatusBadGateway
	case "timeout":
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps a component error onto its HTTP status. Internal errors
// are logged and reported without detail.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := domain.Kind(err)
	status := statusForKind(kind)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeErrorCode(w, status, "internal error", kind)
		return
	}
	writeErrorCode(w, status, err.Error(), kind)
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	defer func() { _ = r.Body.Close() }()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	var extra any
	if err := dec.Decode(&extra); err != io.EOF {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return err
	}
	return nil
}

func (s *Server) writeBadJSON(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeErrorCode(w, http.StatusRequestEntityTooLarge, "request body too large", "too_large")
		return
	}
	writeErrorCode(w, http.StatusBadRequest, "invalid json: "+err.Error(), "invalid_argument")
}

// baseURL is the public origin of the API: the configured public URL, or
// the origin the request arrived on.
func (s *Server) baseURL(r *http.Request) string {
	if s.cfg.PublicURL != "" {
		return strings.TrimSuffix(s.cfg.PublicURL, "/")
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func connectionResponse(c domain.Connection) domain.ConnectionResponse {
	resp := domain.ConnectionResponse{
		ID:              c.ID,
		Name:            c.Name,
		Location:        c.Location,
		Country:         c.Country,
		City:            c.City,
		Status:          string(c.Status),
		MachineName:     c.MachineName,
		InstallationKey: c.InstallationKey,
		KeyRedeemed:     c.KeyRedeemed,
		CreatedAt:       c.CreatedAt,
		LastSeen:        c.LastSeenAt,
	}
	if c.Address != "" {
		addr := c.Address
		resp.IPAddress = &addr
	}
	return resp
}

func sessionResponse(sess domain.Session) domain.SessionResponse {
	return domain.SessionResponse{
		SessionID:    sess.ID,
		ConnectionID: sess.ConnectionID,
		Address:      sess.Address,
		State:        string(sess.State),
		CreatedAt:    sess.CreatedAt,
		LastActive:   sess.LastActive,
		BytesIn:      sess.BytesIn,
		BytesOut:     sess.BytesOut,
	}
}

func transferResponse(rec domain.TransferRecord) domain.TransferResponse {
	return domain.TransferResponse{
		ID:           rec.ID,
		ConnectionID: rec.ConnectionID,
		Filename:     rec.Filename,
		Size:         rec.Size,
		Type:         string(rec.Type),
		Checksum:     rec.Checksum,
		Timestamp:    rec.CreatedAt,
	}
}

func activityResponse(e domain.ActivityEntry) domain.ActivityResponse {
	return domain.ActivityResponse{
		ID:           e.ID,
		ConnectionID: e.ConnectionID,
		Action:       string(e.Action),
		Details:      e.Details,
		Timestamp:    e.CreatedAt,
	}
}
