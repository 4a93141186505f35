package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Provider supplies the current settings to the checkout.
type Provider interface {
	Get(ctx context.Context) (Settings, error)
}

const defaultCacheTTL = 30 * time.Second

// FileProvider reads settings from a JSON file, caching them briefly.
type FileProvider struct {
	path string
	ttl  time.Duration
	now  func() time.Time

	sfg      singleflight.Group
	mu       sync.RWMutex
	cached   *Settings
	loadedAt time.Time
	// generation counts updates; a reload that started before an update
	// must not replace the cache it wrote.
	generation uint64
	writeMu    sync.Mutex
}

// NewFileProvider builds a provider for the file at path.
func NewFileProvider(path string) *FileProvider {
	return &FileProvider{path: path, ttl: defaultCacheTTL, now: time.Now}
}

// Get returns the cached settings or reloads them from disk. Concurrent
// reloads share a single read.
func (p *FileProvider) Get(ctx context.Context) (Settings, error) {
	p.mu.RLock()
	if p.cached != nil && p.now().Sub(p.loadedAt) < p.ttl {
		s := *p.cached
		p.mu.RUnlock()
		return s, nil
	}
	p.mu.RUnlock()

	v, err, _ := p.sfg.Do(p.path, func() (interface{}, error) {
		p.mu.RLock()
		gen := p.generation
		p.mu.RUnlock()

		s, err := p.load()
		if err != nil {
			return nil, err
		}
		loadedAt := p.now()

		p.mu.Lock()
		defer p.mu.Unlock()
		if p.generation != gen && p.cached != nil {
			return *p.cached, nil
		}
		p.cached = &s
		p.loadedAt = loadedAt
		return s, nil
	})
	if err != nil {
		return Settings{}, err
	}
	return v.(Settings), nil
}

// Update merges patch into the stored settings and rewrites the file.
func (p *FileProvider) Update(ctx context.Context, patch Patch) (Settings, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	current, err := p.load()
	if err != nil {
		return Settings{}, err
	}
	next := current.Apply(patch)

	data, err := json.MarshalIndent(next.ToPatch(), "", "  ")
	if err != nil {
		return Settings{}, fmt.Errorf("marshal settings: %w", err)
	}

	if dir := filepath.Dir(p.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Settings{}, fmt.Errorf("create settings dir: %w", err)
		}
	}

	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return Settings{}, fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return Settings{}, fmt.Errorf("replace settings: %w", err)
	}

	loadedAt := p.now()
	p.mu.Lock()
	p.generation++
	p.cached = &next
	p.loadedAt = loadedAt
	p.mu.Unlock()

	log.Printf("[Settings] updated %s", p.path)
	return next, nil
}

func (p *FileProvider) load() (Settings, error) {
	data, err := os.ReadFile(p.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Defaults(), nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("read settings: %w", err)
	}

	var patch Patch
	if err := json.Unmarshal(data, &patch); err != nil {
		return Settings{}, fmt.Errorf("parse settings %s: %w", p.path, err)
	}
	return Defaults().Apply(patch), nil
}
