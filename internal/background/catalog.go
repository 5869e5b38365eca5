package background

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Item is one selectable replacement image.
type Item struct {
	Name string `json:"name"` // file name, catalog key
	Path string `json:"path"`
}

// Catalog watches a directory of replacement images and keeps the list
// current as files come and go.
type Catalog struct {
	dir     string
	watcher *fsnotify.Watcher
	closed  chan struct{}
	once    sync.Once

	mu    sync.RWMutex
	items map[string]Item
}

// imageFile reports whether a file name looks like a catalog image.
func imageFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png":
		return true
	}
	return false
}

// NewCatalog scans dir and starts watching it for changes.  The directory is
// created when missing so a fresh install starts with an empty catalog.
func NewCatalog(dir string) (*Catalog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create backgrounds dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch backgrounds dir: %w", err)
	}

	c := &Catalog{
		dir:     dir,
		watcher: watcher,
		closed:  make(chan struct{}),
		items:   make(map[string]Item),
	}
	if err := c.scan(); err != nil {
		watcher.Close()
		return nil, err
	}

	go c.watchLoop()
	return c, nil
}

// scan rebuilds the item map from the directory contents.
func (c *Catalog) scan() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("read backgrounds dir: %w", err)
	}

	items := make(map[string]Item)
	for _, e := range entries {
		if e.IsDir() || !imageFile(e.Name()) {
			continue
		}
		items[e.Name()] = Item{Name: e.Name(), Path: filepath.Join(c.dir, e.Name())}
	}

	c.mu.Lock()
	c.items = items
	c.mu.Unlock()
	return nil
}

func (c *Catalog) watchLoop() {
	for {
		select {
		case <-c.closed:
			return
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(event.Name)
			if !imageFile(name) {
				continue
			}

			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				c.mu.Lock()
				c.items[name] = Item{Name: name, Path: event.Name}
				c.mu.Unlock()
				log.Printf("BACKGROUND: catalog added %q", name)
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				c.mu.Lock()
				delete(c.items, name)
				c.mu.Unlock()
				log.Printf("BACKGROUND: catalog removed %q", name)
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("BACKGROUND: watcher error: %v", err)
		}
	}
}

// List returns the catalog sorted by name.
func (c *Catalog) List() []Item {
	c.mu.RLock()
	out := make([]Item, 0, len(c.items))
	for _, it := range c.items {
		out = append(out, it)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup resolves a catalog name to its path.
func (c *Catalog) Lookup(name string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	it, ok := c.items[name]
	return it.Path, ok
}

// Close stops the watcher.  Idempotent.
func (c *Catalog) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		err = c.watcher.Close()
	})
	return err
}
