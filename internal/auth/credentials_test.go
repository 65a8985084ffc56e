package auth

import (
	"strings"
	"testing"
)

func TestGenerateInstallationKeyUnique(t *testing.T) {
	seen := make(map[string]struct{}, 200)
	for i := 0; i < 200; i++ {
		k, err := GenerateInstallationKey()
		if err != nil {
			t.Fatal(err)
		}
		if !strings.HasPrefix(k, "ik_") {
			t.Fatalf("unexpected key format %q", k)
		}
		if _, dup := seen[k]; dup {
			t.Fatalf("duplicate key %q", k)
		}
		seen[k] = struct{}{}
	}
}

func TestGenerateSessionPasswordLength(t *testing.T) {
	p, err := GenerateSessionPassword(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(p) != 20 {
		t.Fatalf("expected default length 20, got %d", len(p))
	}
	q, err := GenerateSessionPassword(8)
	if err != nil {
		t.Fatal(err)
	}
	if len(q) != 8 {
		t.Fatalf("expected length 8, got %d", len(q))
	}
	if p == q {
		t.Fatal("expected distinct passwords")
	}
}

func TestHashSecretDeterministic(t *testing.T) {
	a := HashSecret("abc")
	b := HashSecret("abc")
	if a != b {
		t.Fatalf("expected deterministic hash")
	}
	if HashSecret("abd") == a {
		t.Fatalf("expected different hash for different input")
	}
}

func TestFingerprintDoesNotLeakSecret(t *testing.T) {
	key := "ik_supersecretvalue"
	fp := Fingerprint(key)
	if len(fp) != 10 || strings.Contains(key, fp) {
		t.Fatalf("unexpected fingerprint %q", fp)
	}
	if Fingerprint("") != "" {
		t.Fatal("expected empty fingerprint for empty secret")
	}
}

func TestConstantTimeHashEquals(t *testing.T) {
	if !ConstantTimeHashEquals("abc", "abc") {
		t.Fatalf("expected equal hashes")
	}
	if ConstantTimeHashEquals("abc", "abd") {
		t.Fatalf("expected non-equal hashes")
	}
}

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword("operator-token")
	if err != nil {
		t.Fatal(err)
	}
	if !VerifyPasswordHash(hash, "operator-token") {
		t.Fatal("expected password to verify")
	}
	if VerifyPasswordHash(hash, "wrong") {
		t.Fatal("expected wrong password to fail")
	}
	if VerifyPasswordHash("", "operator-token") {
		t.Fatal("expected empty hash to fail")
	}
}
