package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/podex-dev/agentcore/internal/config"
)

func sealedConfig(t *testing.T) (*config.Config, string) {
	t.Helper()
	keyPath := filepath.Join(t.TempDir(), ".age-key")
	k, err := InitKeyring(keyPath)
	if err != nil {
		t.Fatal(err)
	}
	seal := func(v string) string {
		enc, err := k.Seal(v)
		if err != nil {
			t.Fatal(err)
		}
		return enc
	}

	cfg := &config.Config{}
	cfg.Queue.Redis.Password = seal("redis-pw")
	cfg.Models.Providers = map[string]config.ProviderConfig{
		"claude": {Driver: "anthropic", Auth: config.AuthConfig{APIKey: seal("sk-ant")}},
		"local":  {Driver: "ollama", Auth: config.AuthConfig{Token: "plain"}},
	}
	t.Setenv("PODEX_TEST_SEALED", seal("from-env"))
	return cfg, keyPath
}

func TestUnseal(t *testing.T) {
	cfg, keyPath := sealedConfig(t)

	if !NeedsKey(cfg) {
		t.Fatal("NeedsKey should be true")
	}
	if err := Unseal(cfg, keyPath); err != nil {
		t.Fatalf("Unseal: %v", err)
	}
	if cfg.Queue.Redis.Password != "redis-pw" {
		t.Errorf("redis password: %q", cfg.Queue.Redis.Password)
	}
	if got := cfg.Models.Providers["claude"].Auth.APIKey; got != "sk-ant" {
		t.Errorf("api key: %q", got)
	}
	if got := cfg.Models.Providers["local"].Auth.Token; got != "plain" {
		t.Errorf("plain token changed: %q", got)
	}
	if got := os.Getenv("PODEX_TEST_SEALED"); got != "from-env" {
		t.Errorf("env: %q", got)
	}
	if NeedsKey(cfg) {
		t.Error("nothing should remain sealed")
	}
}

func TestUnsealWithoutSecretsSkipsKey(t *testing.T) {
	cfg := &config.Config{}
	cfg.Queue.Redis.Password = "plain"
	if err := Unseal(cfg, "/nonexistent/.age-key"); err != nil {
		t.Errorf("Unseal: %v", err)
	}
}

func TestUnsealMissingKey(t *testing.T) {
	cfg, _ := sealedConfig(t)
	if err := Unseal(cfg, filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected an error without the key file")
	}
}

func TestUnsealWrongKey(t *testing.T) {
	cfg, _ := sealedConfig(t)
	otherPath := filepath.Join(t.TempDir(), ".age-key")
	if _, err := InitKeyring(otherPath); err != nil {
		t.Fatal(err)
	}
	if err := Unseal(cfg, otherPath); err == nil {
		t.Error("expected a decrypt error with the wrong key")
	}
}
