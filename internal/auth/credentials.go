// Package auth provides credential generation, hashing, and comparison
// utilities for installation keys, session passwords, and the operator token.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const installationKeyPrefix = "ik_"

// GenerateInstallationKey returns a cryptographically random, URL-safe
// single-use installation key.
func GenerateInstallationKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("crypto/rand: %w", err)
	}
	return installationKeyPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}

// GenerateSessionPassword returns a random alphanumeric password of length n
// (20 when n <= 0).
func GenerateSessionPassword(n int) (string, error) {
	if n <= 0 {
		n = 20
	}
	const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZabcdefghjkmnpqrstuvwxyz23456789"
	const size = byte(len(alphabet))
	// Rejection threshold avoids modulo bias: largest multiple of size <= 256.
	const maxFair = 256 - (256 % int(size))
	out := make([]byte, n)
	buf := make([]byte, n+16)
	filled := 0
	for filled < n {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("crypto/rand: %w", err)
		}
		for _, b := range buf {
			if int(b) >= maxFair {
				continue
			}
			out[filled] = alphabet[b%size]
			filled++
			if filled == n {
				break
			}
		}
	}
	return string(out), nil
}

// HashSecret returns a deterministic SHA-256 hex digest of a high-entropy
// secret. Session passwords are kept in memory only in this form.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Fingerprint returns a short, non-reversible identifier for a secret that is
// safe to put in logs.
func Fingerprint(secret string) string {
	if secret == "" {
		return ""
	}
	return HashSecret(secret)[:10]
}

// ConstantTimeHashEquals compares two hex hash strings in constant time.
func ConstantTimeHashEquals(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// HashPassword returns a bcrypt hash of a low-entropy, operator-chosen secret.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// VerifyPasswordHash reports whether password matches a bcrypt hash.
func VerifyPasswordHash(hash, password string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
