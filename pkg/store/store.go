// Package store is a small durable key-value store for endpoint state:
// the last connected peer id and user preferences such as the preferred
// camera resolution. State lives in one YAML file; external edits to the
// file are picked up through a filesystem watch.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/skylink-io/skylink/pkg/log"
)

// Well-known keys.
const (
	KeyLastPeer        = "lastPeer"
	KeyCameraWidth     = "camera.width"
	KeyCameraHeight    = "camera.height"
	KeyCameraFramerate = "camera.framerate"
)

// ErrNotFound is returned for keys that were never written.
var ErrNotFound = errors.New("store: key not found")

// Store persists keyed values to a single file. Safe for concurrent use.
type Store struct {
	path string

	mu sync.Mutex
	v  *viper.Viper
}

// Open loads (or initializes) the store file at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: create %s: %w", filepath.Dir(path), err)
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if !os.IsNotExist(err) {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("store: read %s: %w", path, err)
			}
		}
	}
	return &Store{path: path, v: v}, nil
}

// Set writes one key and persists the whole store.
func (s *Store) Set(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.v.Set(key, value)
	if err := s.v.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("store: write %s: %w", s.path, err)
	}
	return nil
}

// GetString returns a string value or ErrNotFound.
func (s *Store) GetString(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.v.IsSet(key) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return s.v.GetString(key), nil
}

// GetInt returns an integer value, or def when the key is absent.
func (s *Store) GetInt(key string, def int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.v.IsSet(key) {
		return def
	}
	return s.v.GetInt(key)
}

// SaveLastPeer persists the id of the last successfully connected peer.
func (s *Store) SaveLastPeer(id string) error {
	return s.Set(KeyLastPeer, id)
}

// LastPeer returns the persisted peer id, or ErrNotFound when this
// endpoint has never connected to anyone.
func (s *Store) LastPeer() (string, error) {
	return s.GetString(KeyLastPeer)
}

// Watch reloads the store whenever the backing file changes on disk,
// calling onChange after each successful reload. Blocks until ctx ends.
func (s *Store) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("store: watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors and atomic writers replace the file,
	// which would silently detach a watch on the file itself.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("store: watch %s: %w", filepath.Dir(s.path), err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name != s.path || !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
				continue
			}
			if err := s.reload(); err != nil {
				log.Warn("reloading store", "path", s.path, "err", err)
				continue
			}
			log.Debug("store reloaded", "path", s.path)
			if onChange != nil {
				onChange()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("store watcher", "err", err)
		}
	}
}

func (s *Store) reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.v.ReadInConfig()
}
