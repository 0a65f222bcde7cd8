package firmware

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadCatalog(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, CatalogFile), `images:
  - id: pms5003
    name: "QT Py - Plantower PMS5003 Read"
  - id: opc-r2
    name: "QT Py - AlphaSense OPC-R2 Read"
  - id: test
    name: "QT Py - Test Flashing"
    file: test.ino.bin
`)
	writeFile(t, filepath.Join(dir, "test.ino.bin"), "abc")

	c, err := LoadCatalog(dir, newTestLogger())
	if err != nil {
		t.Fatal(err)
	}

	entries := c.Entries()
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	if entries[0].ID != "pms5003" || entries[2].ID != "test" {
		t.Errorf("entry order = %v", entries)
	}

	if c.Available("pms5003") {
		t.Error("pms5003 available without a file")
	}
	if !c.Available("test") {
		t.Error("test not available")
	}

	img, err := c.Resolve("test")
	if err != nil {
		t.Fatal(err)
	}
	if !filepath.IsAbs(img.Path) {
		t.Errorf("path %q not absolute", img.Path)
	}
	if img.Size != 3 {
		t.Errorf("size = %d, want 3", img.Size)
	}
	// sha256("abc")
	if img.SHA256 != "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad" {
		t.Errorf("sha256 = %s", img.SHA256)
	}
	if img.Name != "QT Py - Test Flashing" {
		t.Errorf("name = %q", img.Name)
	}
}

func TestResolveMissing(t *testing.T) {
	dir := t.TempDir()
	c := NewCatalog(dir, []Entry{
		{ID: "nofile", Name: "No file"},
		{ID: "gone", Name: "Deleted", File: "gone.bin"},
		{ID: "dir", Name: "Directory", File: "."},
	})

	for _, id := range []string{"nofile", "gone", "dir", "unknown"} {
		if _, err := c.Resolve(id); !errors.Is(err, ErrFirmwareMissing) {
			t.Errorf("Resolve(%q) err = %v, want ErrFirmwareMissing", id, err)
		}
	}
}

func TestLoadCatalogWithoutFileScansBinaries(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "b.bin"), "b")
	writeFile(t, filepath.Join(dir, "a.bin"), "a")
	writeFile(t, filepath.Join(dir, "notes.txt"), "x")

	c, err := LoadCatalog(dir, newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	entries := c.Entries()
	if len(entries) != 2 || entries[0].ID != "a.bin" || entries[1].ID != "b.bin" {
		t.Errorf("entries = %v, want [a.bin b.bin]", entries)
	}
	if _, err := c.Resolve("a.bin"); err != nil {
		t.Errorf("Resolve(a.bin): %v", err)
	}
}

func TestLoadCatalogInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, CatalogFile), "images: [unclosed")
	if _, err := LoadCatalog(dir, newTestLogger()); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestAbsoluteFileEntry(t *testing.T) {
	dir := t.TempDir()
	abs := filepath.Join(t.TempDir(), "elsewhere.bin")
	writeFile(t, abs, "fw")
	c := NewCatalog(dir, []Entry{{ID: "ext", File: abs}, {ID: ""}})

	img, err := c.Resolve("ext")
	if err != nil {
		t.Fatal(err)
	}
	if img.Path != abs {
		t.Errorf("path = %q, want %q", img.Path, abs)
	}
	if len(c.Entries()) != 1 {
		t.Errorf("entries = %d, want 1 (empty id dropped)", len(c.Entries()))
	}
}

func TestResolveFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "blink.bin"), "abc")

	img, err := ResolveFile(filepath.Join(dir, "sub", "..", "blink.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(dir, "blink.bin"); img.Path != want {
		t.Errorf("path = %q, want %q", img.Path, want)
	}
	if img.Size != 3 {
		t.Errorf("size = %d, want 3", img.Size)
	}
	// sha256("abc")
	if img.SHA256 != "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad" {
		t.Errorf("sha256 = %s", img.SHA256)
	}

	for _, path := range []string{filepath.Join(dir, "blnk.bin"), dir} {
		if _, err := ResolveFile(path); !errors.Is(err, ErrFirmwareMissing) {
			t.Errorf("ResolveFile(%q) err = %v, want ErrFirmwareMissing", path, err)
		}
	}
}
