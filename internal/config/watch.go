package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the configuration whenever config.json changes on disk and
// passes the new value to onChange. It returns when ctx is cancelled.
//
// The directory is watched rather than the file so that editors which
// replace the file on save are picked up.
func (m *Manager) Watch(ctx context.Context, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(m.configDir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", m.configDir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(m.configPath) {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				if err := m.Load(); err != nil {
					log.Warnf("reload failed: %v", err)
					continue
				}
				log.Infof("reloaded %s", m.configPath)
				if onChange != nil {
					onChange(m.Get())
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warnf("watcher error: %v", err)
			}
		}
	}()
	return nil
}
