// Package secrets keeps credentials encrypted at rest with age. Values are
// stored as ENC[age:...] blobs in the .env file or in the config, and
// decrypted in memory at startup.
package secrets

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"

	"github.com/podex-dev/agentcore/internal/config"
)

const (
	sealPrefix = "ENC[age:"
	sealSuffix = "]"
)

// ErrNotSealed is returned by Open for a value without the ENC[age:...]
// envelope.
var ErrNotSealed = errors.New("value is not an ENC[age:...] blob")

// KeyPath returns the key file: $PODEX_PATH/.age-key.
func KeyPath() string {
	return filepath.Join(config.PodexPath(), ".age-key")
}

// Keyring seals and opens values with one X25519 identity.
type Keyring struct {
	id *age.X25519Identity
}

// InitKeyring loads the key at path, creating it (0o600) first when it
// does not exist.
func InitKeyring(path string) (*Keyring, error) {
	if _, err := os.Stat(path); err == nil {
		return LoadKeyring(path)
	}

	id, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generate age identity: %w", err)
	}
	content := fmt.Sprintf("# created by podex\n# public key: %s\n%s\n", id.Recipient(), id)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return nil, fmt.Errorf("write age key: %w", err)
	}
	return &Keyring{id: id}, nil
}

// LoadKeyring reads the first X25519 identity of the key file at path.
func LoadKeyring(path string) (*Keyring, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read age key: %w", err)
	}
	ids, err := age.ParseIdentities(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse age key %s: %w", path, err)
	}
	for _, id := range ids {
		if x, ok := id.(*age.X25519Identity); ok {
			return &Keyring{id: x}, nil
		}
	}
	return nil, fmt.Errorf("no X25519 identity in %s", path)
}

// Recipient returns the public key values are sealed to.
func (k *Keyring) Recipient() string {
	return k.id.Recipient().String()
}

// Seal encrypts plaintext into an ENC[age:...] blob.
func (k *Keyring) Seal(plaintext string) (string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, k.id.Recipient())
	if err != nil {
		return "", fmt.Errorf("age encrypt: %w", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("age encrypt: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("age encrypt: %w", err)
	}
	return sealPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()) + sealSuffix, nil
}

// Open decrypts an ENC[age:...] blob.
func (k *Keyring) Open(sealed string) (string, error) {
	if !IsSealed(sealed) {
		return "", ErrNotSealed
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSuffix(strings.TrimPrefix(sealed, sealPrefix), sealSuffix))
	if err != nil {
		return "", fmt.Errorf("decode sealed value: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(raw), k.id)
	if err != nil {
		return "", fmt.Errorf("age decrypt: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("age decrypt: %w", err)
	}
	return string(plain), nil
}

// IsSealed reports whether s has the ENC[age:...] envelope.
func IsSealed(s string) bool {
	return strings.HasPrefix(s, sealPrefix) && strings.HasSuffix(s, sealSuffix)
}
