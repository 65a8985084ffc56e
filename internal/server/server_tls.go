package server

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/acme/autocert"

	"github.com/koltyakov/deskrelay/internal/config"
	"github.com/koltyakov/deskrelay/internal/netutil"
)

// tlsSetup returns the listener TLS configuration for the configured mode
// and, in auto mode, the ACME HTTP-01 challenge handler. Both are nil when
// TLS is off.
func (s *Server) tlsSetup() (*tls.Config, http.Handler, error) {
	switch s.cfg.TLSMode {
	case config.TLSModeAuto:
		domain := netutil.NormalizeHost(s.cfg.Domain)
		manager := &autocert.Manager{
			Cache:      autocert.DirCache(s.cfg.CertCacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(domain),
		}
		s.log.Info("TLS via ACME", "domain", domain, "cert_cache_dir", s.cfg.CertCacheDir)
		return manager.TLSConfig(), manager.HTTPHandler(http.NotFoundHandler()), nil
	case config.TLSModeStatic:
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		if err != nil {
			return nil, nil, fmt.Errorf("load TLS certificate: %w", err)
		}
		subject := ""
		if len(cert.Certificate) > 0 {
			if leaf, err := x509.ParseCertificate(cert.Certificate[0]); err == nil {
				subject = leaf.Subject.String()
			}
		}
		s.log.Info("static TLS certificate loaded", "cert_file", s.cfg.TLSCertFile, "key_file", s.cfg.TLSKeyFile, "subject", subject)
		return &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}, nil, nil
	default:
		return nil, nil, nil
	}
}

// httpErrorLogWriter routes net/http server errors into slog, demoting TLS
// handshake noise from scanners to debug.
type httpErrorLogWriter struct {
	log *slog.Logger
}

func newHTTPErrorLogWriter(logger *slog.Logger) *httpErrorLogWriter {
	return &httpErrorLogWriter{log: logger}
}

func (w *httpErrorLogWriter) Write(p []byte) (int, error) {
	line := strings.TrimSpace(string(p))
	if line == "" {
		return len(p), nil
	}
	const marker = "TLS handshake error from "
	idx := strings.Index(line, marker)
	if idx < 0 {
		w.log.Warn("http server error", "err", line)
		return len(p), nil
	}
	addr, reason, ok := strings.Cut(line[idx+len(marker):], ": ")
	if !ok {
		w.log.Debug("tls handshake dropped", "detail", line[idx+len(marker):])
		return len(p), nil
	}
	if isLikelyScannerTLSReason(reason) {
		w.log.Debug("tls handshake rejected", "remote_addr", strings.TrimSpace(addr), "reason", strings.TrimSpace(reason))
		return len(p), nil
	}
	w.log.Warn("tls handshake failed", "remote_addr", strings.TrimSpace(addr), "reason", strings.TrimSpace(reason))
	return len(p), nil
}

func isLikelyScannerTLSReason(reason string) bool {
	reason = strings.ToLower(strings.TrimSpace(reason))
	if reason == "" {
		return false
	}
	return reason == "eof" ||
		strings.Contains(reason, "missing server name") ||
		strings.Contains(reason, "unsupported application protocols") ||
		strings.Contains(reason, "offered only unsupported versions") ||
		strings.Contains(reason, "no cipher suite supported by both client and server") ||
		strings.Contains(reason, "host not allowed") ||
		strings.Contains(reason, "connection reset by peer") ||
		strings.Contains(reason, "i/o timeout") ||
		strings.Contains(reason, "first record does not look like a tls handshake") ||
		strings.Contains(reason, "http request to an https server")
}
