// Package cache stores raw page responses on disk so crawls can be replayed
// and failures diagnosed from the recorded payloads.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Store is the response cache contract used by the pager.
type Store interface {
	Get(source string, page int) ([]byte, bool, error)
	Put(source string, page int, body []byte) error
}

// entry is the on-disk artifact. JSON bodies are embedded verbatim so the
// file stays readable; anything else is kept as a string.
type entry struct {
	Source    string          `json:"source"`
	Page      int             `json:"page"`
	FetchedAt time.Time       `json:"fetched_at"`
	JSON      json.RawMessage `json:"json,omitempty"`
	HTML      *string         `json:"html,omitempty"`
}

// Dir is a Store rooted at a directory, one file per (source, page).
type Dir struct {
	root    string
	refresh bool
	now     func() time.Time
}

// Option configures a Dir.
type Option func(*Dir)

// WithRefresh makes Get always miss so pages are re-fetched and overwritten.
func WithRefresh(refresh bool) Option {
	return func(d *Dir) {
		d.refresh = refresh
	}
}

// WithClock overrides the fetched_at timestamp source.
func WithClock(now func() time.Time) Option {
	return func(d *Dir) {
		d.now = now
	}
}

// New creates the cache root if needed.
func New(root string, opts ...Option) (*Dir, error) {
	if root == "" {
		return nil, errors.New("cache: empty root")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir %q: %w", root, err)
	}
	d := &Dir{root: root, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Path returns the artifact location for a source page.
func (d *Dir) Path(source string, page int) string {
	return filepath.Join(d.root, Slug(source), fmt.Sprintf("page_%d.json", page))
}

// Get returns the cached body. A missing entry is (nil, false, nil).
func (d *Dir) Get(source string, page int) ([]byte, bool, error) {
	if d.refresh {
		return nil, false, nil
	}

	data, err := os.ReadFile(d.Path(source, page))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read cache entry: %w", err)
	}

	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, false, fmt.Errorf("decode cache entry %s page %d: %w", source, page, err)
	}
	if e.Source != source || e.Page != page {
		return nil, false, nil
	}
	switch {
	case e.JSON != nil:
		return e.JSON, true, nil
	case e.HTML != nil:
		return []byte(*e.HTML), true, nil
	default:
		return nil, false, fmt.Errorf("cache entry %s page %d has no body", source, page)
	}
}

// Put writes the body atomically, replacing any previous entry.
func (d *Dir) Put(source string, page int, body []byte) error {
	e := entry{Source: source, Page: page, FetchedAt: d.now().UTC()}
	if json.Valid(body) {
		e.JSON = json.RawMessage(body)
	} else {
		html := string(body)
		e.HTML = &html
	}

	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	path := d.Path(source, page)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir %q: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".page-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp cache file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close cache entry: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("commit cache entry: %w", err)
	}
	return nil
}

// Nop never hits and discards writes.
type Nop struct{}

func (Nop) Get(string, int) ([]byte, bool, error) { return nil, false, nil }
func (Nop) Put(string, int, []byte) error         { return nil }

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// Slug turns a source key into a safe directory name. The readable part is
// lossy, so a digest of the raw key keeps distinct keys in distinct
// directories.
func Slug(source string) string {
	slug := strings.Trim(unsafeChars.ReplaceAllString(source, "_"), "_.")
	if slug == "" {
		slug = "_"
	}
	sum := sha256.Sum256([]byte(source))
	return slug + "-" + hex.EncodeToString(sum[:4])
}
