package secrets

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitKeyringCreatesKeyOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", ".age-key")

	k1, err := InitKeyring(path)
	if err != nil {
		t.Fatalf("InitKeyring: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("permissions = %o, want 0600", info.Mode().Perm())
	}
	data, _ := os.ReadFile(path)
	if !strings.HasPrefix(string(data), "# created by podex\n") || !strings.Contains(string(data), k1.Recipient()) {
		t.Errorf("key file:\n%s", data)
	}

	k2, err := InitKeyring(path)
	if err != nil {
		t.Fatalf("second InitKeyring: %v", err)
	}
	if k1.Recipient() != k2.Recipient() {
		t.Error("existing key was replaced")
	}
}

func TestLoadKeyringErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadKeyring(filepath.Join(dir, "missing")); err == nil {
		t.Error("expected an error for a missing key")
	}
	bad := filepath.Join(dir, "bad")
	if err := os.WriteFile(bad, []byte("# only a comment\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadKeyring(bad); err == nil {
		t.Error("expected an error for a key file without identities")
	}
}

func TestSealOpen(t *testing.T) {
	k, err := InitKeyring(filepath.Join(t.TempDir(), ".age-key"))
	if err != nil {
		t.Fatal(err)
	}
	for _, plain := range []string{"sk-ant-api03-secret", "", "multi\nline ✓"} {
		sealed, err := k.Seal(plain)
		if err != nil {
			t.Fatalf("Seal: %v", err)
		}
		if !IsSealed(sealed) || strings.Contains(sealed, "secret") {
			t.Errorf("sealed form: %q", sealed)
		}
		got, err := k.Open(sealed)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if got != plain {
			t.Errorf("Open = %q, want %q", got, plain)
		}
	}
}

func TestOpenWithOtherKeyFails(t *testing.T) {
	dir := t.TempDir()
	a, _ := InitKeyring(filepath.Join(dir, "a"))
	b, _ := InitKeyring(filepath.Join(dir, "b"))
	sealed, err := a.Seal("x")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Open(sealed); err == nil {
		t.Error("expected a decrypt error")
	}
	if _, err := a.Open("plaintext"); !errors.Is(err, ErrNotSealed) {
		t.Errorf("Open(plaintext) = %v", err)
	}
	if _, err := a.Open("ENC[age:!!!]"); err == nil {
		t.Error("expected a decode error")
	}
}

func TestIsSealed(t *testing.T) {
	tests := map[string]bool{
		"ENC[age:abc123]": true,
		"ENC[age:]":       true,
		"plaintext":       false,
		"ENC[age:abc123":  false,
		"age:abc123]":     false,
		"":                false,
	}
	for in, want := range tests {
		if got := IsSealed(in); got != want {
			t.Errorf("IsSealed(%q) = %v, want %v", in, got, want)
		}
	}
}
