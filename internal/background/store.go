// Package background persists the user's background treatment choice and
// keeps a live catalog of replacement images on disk.
package background

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/petervdpas/callkit/internal/compositor"
)

// Selection is the persisted background choice.  Image is the catalog file
// name, only meaningful for kind "image".
type Selection struct {
	Kind  string `json:"kind"` // "none", "blur" or "image"
	Image string `json:"image,omitempty"`
}

const selectionKey = "background"

// Store keeps selections in a small SQLite kv table so the choice survives
// restarts.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the settings database in the given directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create settings dir: %w", err)
	}
	dbPath := filepath.Join(dir, "settings.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable foreign keys and WAL mode for better concurrency
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _settings (
			key        TEXT PRIMARY KEY,
			value      TEXT,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create settings table: %w", err)
	}

	return &Store{db: db, path: dbPath}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Selection returns the saved background choice, defaulting to "none" when
// nothing was ever saved.
func (s *Store) Selection() (Selection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var raw string
	err := s.db.QueryRow(`SELECT value FROM _settings WHERE key = ?`, selectionKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Selection{Kind: "none"}, nil
	}
	if err != nil {
		return Selection{}, fmt.Errorf("read selection: %w", err)
	}

	var sel Selection
	if err := json.Unmarshal([]byte(raw), &sel); err != nil {
		return Selection{}, fmt.Errorf("decode selection: %w", err)
	}
	return sel, nil
}

// SetSelection saves the background choice.
func (s *Store) SetSelection(sel Selection) error {
	switch sel.Kind {
	case "none", "blur":
	case "image":
		if sel.Image == "" {
			return errors.New("image selection needs a file name")
		}
	default:
		return fmt.Errorf("unknown background kind: %q", sel.Kind)
	}

	raw, err := json.Marshal(sel)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`
		INSERT INTO _settings (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, selectionKey, string(raw))
	if err != nil {
		return fmt.Errorf("save selection: %w", err)
	}
	return nil
}

// Resolve turns a selection into a compositor profile, decoding the chosen
// catalog image when one is named.
func Resolve(sel Selection, catalog *Catalog) (compositor.Profile, error) {
	switch sel.Kind {
	case "", "none":
		return compositor.Profile{Kind: compositor.KindNone}, nil
	case "blur":
		return compositor.Profile{Kind: compositor.KindBlur}, nil
	case "image":
		path, ok := catalog.Lookup(sel.Image)
		if !ok {
			return compositor.Profile{}, fmt.Errorf("background image %q not in catalog", sel.Image)
		}
		f, err := os.Open(path)
		if err != nil {
			return compositor.Profile{}, fmt.Errorf("open background image: %w", err)
		}
		defer f.Close()
		img, _, err := image.Decode(f)
		if err != nil {
			return compositor.Profile{}, fmt.Errorf("decode background image %q: %w", sel.Image, err)
		}
		return compositor.Profile{Kind: compositor.KindImage, Image: img}, nil
	default:
		return compositor.Profile{}, fmt.Errorf("unknown background kind: %q", sel.Kind)
	}
}
