// Package netutil provides shared network address normalization helpers.
package netutil

import (
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// NormalizeHost lower-cases and strips ports/trailing dots from host values.
func NormalizeHost(raw string) string {
	host := strings.ToLower(strings.TrimSpace(raw))
	if host == "" {
		return ""
	}

	if h, p, err := net.SplitHostPort(host); err == nil && p != "" {
		host = h
	} else if strings.Count(host, ":") == 1 {
		left, right, ok := strings.Cut(host, ":")
		if ok && isDigits(right) {
			host = left
		}
	}

	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	return strings.TrimSuffix(host, ".")
}

// MachineAddress returns a dialable host:port for a registered machine
// address. A bare host gets defaultPort; an explicit port is kept.
func MachineAddress(raw string, defaultPort int) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("empty machine address")
	}
	if defaultPort <= 0 || defaultPort > 65535 {
		return "", errors.New("default port out of range")
	}
	if h, p, err := net.SplitHostPort(raw); err == nil {
		n, convErr := strconv.Atoi(p)
		if convErr != nil || n <= 0 || n > 65535 {
			return "", errors.New("invalid machine port")
		}
		if h == "" {
			return "", errors.New("empty machine host")
		}
		return net.JoinHostPort(h, p), nil
	}
	host := strings.TrimSuffix(strings.TrimPrefix(raw, "["), "]")
	return net.JoinHostPort(host, strconv.Itoa(defaultPort)), nil
}

// ValidateMachineAddress reports whether raw can be turned into a dialable
// machine address with [MachineAddress].
func ValidateMachineAddress(raw string) error {
	_, err := MachineAddress(raw, 1)
	return err
}

// ClientIP returns the remote IP of r without its port. Forwarding headers
// are not trusted.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

// WebSocketURL converts an http(s) base URL to its ws(s) counterpart and
// joins path onto it.
func WebSocketURL(base, path string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", errors.New("base URL must be http or https")
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(path, "/")
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

func isDigits(v string) bool {
	if v == "" {
		return false
	}
	for _, r := range v {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
