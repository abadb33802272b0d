package fsutil

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestWriteAtomicIsWorldReadable(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions")
	}
	path := filepath.Join(t.TempDir(), "out", "params.txt")
	err := WriteAtomic(path, func(w io.Writer) error {
		_, err := io.WriteString(w, "a\tb\tdx\tdy\n")
		return err
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o644 {
		t.Fatalf("expected 0644, got %v", info.Mode().Perm())
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Fatalf("temporary file left behind: %v", entries)
	}
}

func TestExpandInputsExcept(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "b.png"))
	touch(t, filepath.Join(dir, "a.jpg"))
	touch(t, filepath.Join(dir, "img00000.jpg"))
	touch(t, filepath.Join(dir, "notes.txt"))
	extra := filepath.Join(t.TempDir(), "img00001.jpg")
	touch(t, extra)

	skip := func(path string) bool { return strings.HasPrefix(filepath.Base(path), "img") }
	files, err := ExpandInputsExcept([]string{dir, extra}, skip)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	want := []string{filepath.Join(dir, "a.jpg"), filepath.Join(dir, "b.png"), extra}
	if len(files) != len(want) {
		t.Fatalf("expected %v, got %v", want, files)
	}
	for _, w := range want {
		found := false
		for _, f := range files {
			found = found || f == w
		}
		if !found {
			t.Fatalf("expected %s in %v", w, files)
		}
	}

	all, err := ExpandInputs([]string{dir})
	if err != nil || len(all) != 3 {
		t.Fatalf("expected three images, got %v %v", all, err)
	}
}
