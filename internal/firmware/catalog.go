// Package firmware resolves named firmware images to files on disk.
package firmware

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// CatalogFile is the catalog file name inside the firmware directory.
const CatalogFile = "catalog.yaml"

// ErrFirmwareMissing is returned for unknown images and for entries whose
// binary has not been built or shipped yet.
var ErrFirmwareMissing = errors.New("firmware image missing")

// Entry is one catalog line.
type Entry struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
	File string `yaml:"file,omitempty" json:"file,omitempty"`
}

// Image is a resolved, readable firmware binary.
type Image struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

type catalogFile struct {
	Images []Entry `yaml:"images"`
}

// Catalog holds the firmware entries keyed by ID.
type Catalog struct {
	dir     string
	entries map[string]Entry
	order   []string
}

// NewCatalog creates a catalog rooted at dir from the given entries.
func NewCatalog(dir string, entries []Entry) *Catalog {
	c := &Catalog{dir: dir, entries: make(map[string]Entry)}
	for _, e := range entries {
		if e.ID == "" {
			continue
		}
		if _, dup := c.entries[e.ID]; !dup {
			c.order = append(c.order, e.ID)
		}
		c.entries[e.ID] = e
	}
	return c
}

// LoadCatalog reads dir/catalog.yaml. A missing catalog is not an error:
// every *.bin file in dir is then offered under its base name.
func LoadCatalog(dir string, logger *slog.Logger) (*Catalog, error) {
	data, err := os.ReadFile(filepath.Join(dir, CatalogFile))
	if errors.Is(err, os.ErrNotExist) {
		entries, err := scanBinaries(dir)
		if err != nil {
			return nil, err
		}
		logger.Info("no firmware catalog, using binaries in dir", "dir", dir, "images", len(entries))
		return NewCatalog(dir, entries), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read firmware catalog: %w", err)
	}

	var cf catalogFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("parse firmware catalog: %w", err)
	}
	c := NewCatalog(dir, cf.Images)
	logger.Info("firmware catalog loaded", "dir", dir, "images", len(c.order))
	return c, nil
}

func scanBinaries(dir string) ([]Entry, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.bin"))
	if err != nil {
		return nil, fmt.Errorf("glob firmware dir: %w", err)
	}
	sort.Strings(matches)
	entries := make([]Entry, 0, len(matches))
	for _, m := range matches {
		base := filepath.Base(m)
		entries = append(entries, Entry{ID: base, Name: base, File: base})
	}
	return entries, nil
}

// Entries returns the catalog entries in file order.
func (c *Catalog) Entries() []Entry {
	out := make([]Entry, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.entries[id])
	}
	return out
}

// Available reports whether the entry has a binary on disk.
func (c *Catalog) Available(id string) bool {
	_, err := c.path(id)
	return err == nil
}

// Resolve returns the image for id with its absolute path, size and digest.
func (c *Catalog) Resolve(id string) (Image, error) {
	path, err := c.path(id)
	if err != nil {
		return Image{}, err
	}
	img, err := hashImage(path)
	if err != nil {
		return Image{}, fmt.Errorf("firmware %s: %w", id, err)
	}
	img.ID = id
	img.Name = c.entries[id].Name
	return img, nil
}

// ResolveFile turns a firmware binary given by path, outside any catalog,
// into an Image. A path that is not a readable file is ErrFirmwareMissing.
func ResolveFile(path string) (Image, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Image{}, fmt.Errorf("firmware file %s: %w", path, err)
	}
	st, err := os.Stat(abs)
	if err != nil || st.IsDir() {
		return Image{}, fmt.Errorf("firmware file %s: %w", abs, ErrFirmwareMissing)
	}
	img, err := hashImage(abs)
	if err != nil {
		return Image{}, fmt.Errorf("firmware file %s: %w", abs, err)
	}
	img.Name = filepath.Base(abs)
	return img, nil
}

func hashImage(path string) (Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return Image{}, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return Image{}, fmt.Errorf("hash: %w", err)
	}
	return Image{Path: path, Size: n, SHA256: hex.EncodeToString(h.Sum(nil))}, nil
}

func (c *Catalog) path(id string) (string, error) {
	e, ok := c.entries[id]
	if !ok {
		return "", fmt.Errorf("firmware %q: %w", id, ErrFirmwareMissing)
	}
	if e.File == "" {
		return "", fmt.Errorf("firmware %q has no binary: %w", id, ErrFirmwareMissing)
	}
	path := e.File
	if !filepath.IsAbs(path) {
		path = filepath.Join(c.dir, path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("firmware %q: %w", id, err)
	}
	st, err := os.Stat(abs)
	if err != nil || st.IsDir() {
		return "", fmt.Errorf("firmware %q at %s: %w", id, abs, ErrFirmwareMissing)
	}
	return abs, nil
}
