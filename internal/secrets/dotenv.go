package secrets

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var envKey = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SetEntry sets KEY=VALUE in a .env file, replacing the key's line in place
// or appending it. Comments, blank lines and order are kept. Lines written
// as "export KEY=..." are matched too.
func SetEntry(path, key, value string) error {
	if !envKey.MatchString(key) {
		return fmt.Errorf("invalid env key %q", key)
	}

	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("read dotenv: %w", err)
	}
	var lines []string
	if text := strings.TrimRight(string(data), "\n"); text != "" {
		lines = strings.Split(text, "\n")
	}

	entry := key + "=" + quoteValue(value)
	replaced := false
	for i, line := range lines {
		if lineKey(line) == key {
			lines[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		lines = append(lines, entry)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create dotenv dir: %w", err)
	}
	return os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600)
}

// lineKey returns the key a .env line assigns, or "" for comments and
// blank lines.
func lineKey(line string) string {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return ""
	}
	line = strings.TrimPrefix(line, "export ")
	k, _, ok := strings.Cut(line, "=")
	if !ok {
		return ""
	}
	return strings.TrimSpace(k)
}

// quoteValue double-quotes values the dotenv parser would otherwise split
// or expand.
func quoteValue(v string) string {
	if !strings.ContainsAny(v, " \t\"'\\#$\n") {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)
	return `"` + r.Replace(v) + `"`
}
