package store

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, data string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestImportDir(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()

	writeFile(t, dir, "220055000551363036373537.json",
		`{"ip":"10.0.0.5","firmware_version":210,"connected":true}`)
	writeFile(t, dir, "legacy.json",
		`{"coreID":"ABCDEF000551363036373537","ip":"10.0.0.6"}`)
	writeFile(t, dir, "broken.json", `{not json`)
	writeFile(t, dir, "notes.txt", `ignored`)
	if err := os.Mkdir(filepath.Join(dir, "sub.json"), 0o755); err != nil {
		t.Fatal(err)
	}

	n, err := ImportDir(s, dir)
	if n != 2 {
		t.Errorf("imported = %d, want 2", n)
	}
	if err == nil {
		t.Error("expected error for broken.json")
	}

	got, gerr := s.GetAttributes("220055000551363036373537")
	if gerr != nil {
		t.Fatal(gerr)
	}
	if got.FirmwareVersion != 210 || got.IP != "10.0.0.5" {
		t.Errorf("record = %+v", got)
	}
	if got.Connected {
		t.Error("imported record should start disconnected")
	}

	legacy, gerr := s.GetAttributes("abcdef000551363036373537")
	if gerr != nil {
		t.Fatal(gerr)
	}
	if legacy.IP != "10.0.0.6" {
		t.Errorf("legacy ip = %q", legacy.IP)
	}
}

func TestImportDirMissing(t *testing.T) {
	s := newTestStore(t)
	if _, err := ImportDir(s, filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Error("expected error for missing dir")
	}
}
