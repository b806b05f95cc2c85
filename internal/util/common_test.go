package util

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestResolvePath(t *testing.T) {
	base := filepath.Join("peers", "alice")
	if got := ResolvePath(base, "data/identity.key"); got != filepath.Join(base, "data", "identity.key") {
		t.Fatalf("relative path: got %q", got)
	}
	abs := filepath.Join(string(filepath.Separator), "tmp", "x.lua")
	if got := ResolvePath(base, abs); got != abs {
		t.Fatalf("absolute path: got %q", got)
	}
}

func TestWriteJSONFileCreatesDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cfg.json")
	if err := WriteJSONFile(path, map[string]int{"a": 1}); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]int
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatal(err)
	}
	if got["a"] != 1 {
		t.Fatalf("unexpected content %s", b)
	}
}

func TestShortID(t *testing.T) {
	if ShortID("12D3KooWabcdef") != "12D3KooW" {
		t.Fatal("long id not truncated")
	}
	if ShortID("abc") != "abc" {
		t.Fatal("short id changed")
	}
}
