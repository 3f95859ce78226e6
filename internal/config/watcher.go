package config

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Store holds the live configuration and supports hot reload. Callers read
// the current snapshot per call, so a reload takes effect on the next
// agent request without a restart.
type Store struct {
	mu   sync.RWMutex
	cfg  *Config
	path string
	log  *zap.Logger
}

// NewStore wraps an already loaded config. path may be empty, in which case
// Watch is a no-op.
func NewStore(cfg *Config, path string, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{cfg: cfg, path: path, log: log}
}

// Current returns the current configuration snapshot.
func (s *Store) Current() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Watch reloads the config file whenever it changes, until ctx is done.
// The watch is on the containing directory because editors often replace
// the file by rename, which drops a watch on the file itself.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			cfg, err := Load(s.path)
			if err != nil {
				s.log.Warn("config reload failed", zap.Error(err))
				continue
			}
			s.mu.Lock()
			s.cfg = cfg
			s.mu.Unlock()
			s.log.Info("config reloaded", zap.String("path", s.path))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("config watch error", zap.Error(err))
		}
	}
}
