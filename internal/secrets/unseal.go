package secrets

import (
	"fmt"
	"os"
	"strings"

	"github.com/podex-dev/agentcore/internal/config"
)

// NeedsKey reports whether cfg or the environment holds a sealed value.
func NeedsKey(cfg *config.Config) bool {
	if IsSealed(cfg.Queue.Redis.Password) {
		return true
	}
	for _, p := range cfg.Models.Providers {
		if IsSealed(p.Auth.APIKey) || IsSealed(p.Auth.Token) {
			return true
		}
	}
	for _, kv := range os.Environ() {
		if _, v, ok := strings.Cut(kv, "="); ok && IsSealed(v) {
			return true
		}
	}
	return false
}

// Unseal decrypts every ENC[age:...] value in the environment and in cfg's
// credential fields. The key at keyPath is only read when something is
// sealed.
func Unseal(cfg *config.Config, keyPath string) error {
	if !NeedsKey(cfg) {
		return nil
	}
	k, err := LoadKeyring(keyPath)
	if err != nil {
		return err
	}

	for _, kv := range os.Environ() {
		name, v, ok := strings.Cut(kv, "=")
		if !ok || !IsSealed(v) {
			continue
		}
		plain, err := k.Open(v)
		if err != nil {
			return fmt.Errorf("env %s: %w", name, err)
		}
		if err := os.Setenv(name, plain); err != nil {
			return err
		}
	}

	if err := k.openField(&cfg.Queue.Redis.Password); err != nil {
		return fmt.Errorf("queue.redis.password: %w", err)
	}
	for name, p := range cfg.Models.Providers {
		if err := k.openField(&p.Auth.APIKey); err != nil {
			return fmt.Errorf("models.providers.%s.auth.api_key: %w", name, err)
		}
		if err := k.openField(&p.Auth.Token); err != nil {
			return fmt.Errorf("models.providers.%s.auth.token: %w", name, err)
		}
		cfg.Models.Providers[name] = p
	}
	return nil
}

func (k *Keyring) openField(v *string) error {
	if !IsSealed(*v) {
		return nil
	}
	plain, err := k.Open(*v)
	if err != nil {
		return err
	}
	*v = plain
	return nil
}
