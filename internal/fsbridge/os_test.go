package fsbridge

import (
	"os"
	"path/filepath"
	"testing"

	"kodex/internal/errs"
)

func newTestBridge(t *testing.T) *OSBridge {
	t.Helper()
	b, err := NewOSBridge(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewOSBridge: %v", err)
	}
	return b
}

func TestOSBridge_WriteReadRoundTrip(t *testing.T) {
	b := newTestBridge(t)
	if err := b.WriteFile("src/a.txt", []byte("hello")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	data, err := b.ReadFile("src/a.txt")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("content=%q, want hello", data)
	}
}

func TestOSBridge_PathEscape(t *testing.T) {
	b := newTestBridge(t)
	if _, err := b.ReadFile("../outside.txt"); !errs.Is(err, errs.KindPermissionDenied) {
		t.Fatalf("escape err=%v, want permission_denied", err)
	}
	if _, err := b.ReadFile("/etc/passwd"); !errs.Is(err, errs.KindInvalidArgument) {
		t.Fatalf("absolute err=%v, want invalid_argument", err)
	}
}

func TestOSBridge_NotFoundKind(t *testing.T) {
	b := newTestBridge(t)
	if _, err := b.ReadFile("missing.txt"); !errs.Is(err, errs.KindNotFound) {
		t.Fatalf("err=%v, want not_found", err)
	}
	if err := b.Append("missing.txt", []byte("x")); !errs.Is(err, errs.KindNotFound) {
		t.Fatalf("append err=%v, want not_found", err)
	}
}

func TestOSBridge_PermissionGate(t *testing.T) {
	calls := 0
	grant := func() bool {
		calls++
		return calls > 1 // deny the first request, allow the retry
	}
	b, err := NewOSBridge(t.TempDir(), grant)
	if err != nil {
		t.Fatalf("NewOSBridge: %v", err)
	}

	err = b.WriteFile("a.txt", []byte("x"))
	if !errs.Is(err, errs.KindPermissionDenied) {
		t.Fatalf("first write err=%v, want permission_denied", err)
	}
	// retry after "user interaction"
	if err := b.WriteFile("a.txt", []byte("x")); err != nil {
		t.Fatalf("retry write: %v", err)
	}
	// grant is sticky
	if err := b.WriteFile("b.txt", []byte("y")); err != nil {
		t.Fatalf("third write: %v", err)
	}
	if calls != 2 {
		t.Fatalf("grant calls=%d, want 2", calls)
	}
}

func TestOSBridge_RenameAndRemove(t *testing.T) {
	b := newTestBridge(t)
	if err := b.WriteFile("dir/old.txt", []byte("v")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := b.Rename("dir/old.txt", "dir2/new.txt"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, err := b.ReadFile("dir2/new.txt"); err != nil {
		t.Fatalf("read renamed: %v", err)
	}
	if err := b.Remove("dir2", true); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := b.Stat("dir2"); !errs.Is(err, errs.KindNotFound) {
		t.Fatalf("stat removed err=%v, want not_found", err)
	}
}

func TestOSBridge_WalkGlobAndSkips(t *testing.T) {
	b := newTestBridge(t)
	files := []string{"src/a.go", "src/sub/b.go", "src/c.txt", "node_modules/x.go"}
	for _, f := range files {
		if err := b.WriteFile(f, []byte("x")); err != nil {
			t.Fatalf("WriteFile %s: %v", f, err)
		}
	}

	var got []string
	err := b.Walk("", "**/*.go", func(info EntryInfo) error {
		got = append(got, info.Path)
		return nil
	})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	want := map[string]bool{"src/a.go": true, "src/sub/b.go": true}
	if len(got) != len(want) {
		t.Fatalf("walked %v, want keys of %v", got, want)
	}
	for _, p := range got {
		if !want[p] {
			t.Fatalf("unexpected path %q (skip dirs leaked?)", p)
		}
	}
}

func TestNewOSBridge_BadRoot(t *testing.T) {
	if _, err := NewOSBridge("", nil); !errs.Is(err, errs.KindNoProject) {
		t.Fatalf("empty root err=%v, want no_project", err)
	}
	file := filepath.Join(t.TempDir(), "f.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if _, err := NewOSBridge(file, nil); !errs.Is(err, errs.KindNoProject) {
		t.Fatalf("file root err=%v, want no_project", err)
	}
}
