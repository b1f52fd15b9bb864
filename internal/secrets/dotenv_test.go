package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/joho/godotenv"
)

func TestSetEntryCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", ".env")

	if err := SetEntry(path, "API_KEY", "secret123"); err != nil {
		t.Fatalf("SetEntry: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "API_KEY=secret123\n" {
		t.Errorf("content: %q", data)
	}
	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0o600 {
		t.Errorf("permissions = %o, want 0600", info.Mode().Perm())
	}
}

func TestSetEntryReplacesInPlace(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	initial := "# models\nexport FOO=bar\n\nBAZ=qux\n"
	if err := os.WriteFile(path, []byte(initial), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := SetEntry(path, "FOO", "updated"); err != nil {
		t.Fatalf("SetEntry: %v", err)
	}
	if err := SetEntry(path, "NEW", "v"); err != nil {
		t.Fatalf("SetEntry: %v", err)
	}

	data, _ := os.ReadFile(path)
	want := "# models\nFOO=updated\n\nBAZ=qux\nNEW=v\n"
	if string(data) != want {
		t.Errorf("content:\n%s\nwant:\n%s", data, want)
	}
}

func TestSetEntryQuotedValuesParse(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	values := map[string]string{
		"SPACES": "value with spaces",
		"QUOTES": `say "hi"`,
		"HASH":   "a#b",
		"SEALED": "ENC[age:YWdlLWVuY3J5cHRpb24ub3JnL3Yx+/==]",
	}
	for k, v := range values {
		if err := SetEntry(path, k, v); err != nil {
			t.Fatalf("SetEntry %s: %v", k, err)
		}
	}

	got, err := godotenv.Read(path)
	if err != nil {
		t.Fatalf("godotenv.Read: %v", err)
	}
	for k, v := range values {
		if got[k] != v {
			t.Errorf("%s: got %q, want %q", k, got[k], v)
		}
	}
}

func TestSetEntryRejectsBadKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	for _, key := range []string{"", "1ABC", "A-B", "A B"} {
		if err := SetEntry(path, key, "v"); err == nil {
			t.Errorf("key %q: expected an error", key)
		}
	}
	if _, err := os.Stat(path); err == nil {
		t.Error("nothing should be written for a bad key")
	}
}

func TestLineKey(t *testing.T) {
	cases := map[string]string{
		"FOO=bar":        "FOO",
		"  export X = 1": "X",
		"# FOO=bar":      "",
		"":               "",
		"not an entry":   "",
	}
	for line, want := range cases {
		if got := lineKey(line); got != want {
			t.Errorf("lineKey(%q) = %q, want %q", line, got, want)
		}
	}
}
