package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/theirongolddev/usagesync/internal/config"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce collapses the burst of events editors emit on save.
const reloadDebounce = 200 * time.Millisecond

// watchConfig re-applies the config file whenever it changes. The parent
// directory is watched so that atomic replace-on-save is seen.
func (s *Service) watchConfig(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer func() { _ = w.Close() }()

	path := filepath.Clean(s.cfg.ConfigPath)
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				pending = time.After(reloadDebounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("config watcher", "err", err)
		case <-pending:
			pending = nil
			s.reloadConfig(path)
		}
	}
}

// reloadConfig loads and validates path, then hands it to the reload hook.
// An invalid file leaves the running configuration in place.
func (s *Service) reloadConfig(path string) {
	cfg, err := config.LoadFile(path)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		s.logger.Warn("config reload rejected", "path", path, "err", err)
		s.mu.Lock()
		s.lastError = "config reload: " + err.Error()
		s.mu.Unlock()
		return
	}

	now := s.clock.Now()
	s.mu.Lock()
	if cfg.Ingest.LookbackDays > 0 {
		s.cfg.LookbackDays = cfg.Ingest.LookbackDays
	}
	s.reloads++
	s.nextEventID++
	ev := Event{
		ID:        s.nextEventID,
		Type:      EventConfigReload,
		Timestamp: now,
		Snapshot:  s.snapshot,
	}
	s.mu.Unlock()

	s.cfg.Reload(cfg)
	s.logger.Info("config reloaded", "path", path, "credentials", len(cfg.Credentials))
	s.publishEvent(ev)
}
