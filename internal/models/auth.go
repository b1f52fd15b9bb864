package models

import (
	"fmt"
	"os"
	"strings"

	"github.com/podex-dev/agentcore/internal/config"
)

// AuthKind distinguishes between API key and Bearer token auth.
type AuthKind int

const (
	AuthAPIKey AuthKind = iota
	AuthBearerToken
)

// ResolvedAuth holds the resolved credentials and their kind.
type ResolvedAuth struct {
	Kind  AuthKind
	Value string
}

// keyEnv lists the environment variables each driver reads its API key
// from when the config names none, in order of preference.
var keyEnv = map[string][]string{
	"anthropic": {"ANTHROPIC_API_KEY"},
	"openai":    {"OPENAI_API_KEY"},
	"mistral":   {"MISTRAL_API_KEY"},
	"gemini":    {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
}

// ResolveAuth picks the provider credentials: auth.token, then
// auth.api_key, then the driver's key variables. Config values written as
// ${VAR} are read from the environment.
func ResolveAuth(cfg config.ProviderConfig) (ResolvedAuth, error) {
	if v := expandRef(cfg.Auth.Token); v != "" {
		return ResolvedAuth{Kind: AuthBearerToken, Value: v}, nil
	}
	if v := expandRef(cfg.Auth.APIKey); v != "" {
		return ResolvedAuth{Kind: AuthAPIKey, Value: v}, nil
	}

	vars, ok := keyEnv[strings.ToLower(cfg.Driver)]
	if !ok {
		return ResolvedAuth{}, fmt.Errorf("unknown driver %q: cannot resolve auth", cfg.Driver)
	}
	for _, name := range vars {
		if v := os.Getenv(name); v != "" {
			return ResolvedAuth{Kind: AuthAPIKey, Value: v}, nil
		}
	}
	return ResolvedAuth{}, fmt.Errorf("%s not set", vars[0])
}

func expandRef(v string) string {
	v = strings.TrimSpace(v)
	if name, ok := strings.CutPrefix(v, "${"); ok && strings.HasSuffix(name, "}") {
		return os.Getenv(strings.TrimSuffix(name, "}"))
	}
	return v
}
