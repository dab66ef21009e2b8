package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/codefionn/schnellkernel/internal/logger"
	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config file whenever it changes and calls onChange with the
// new value. Only settings that are safe to change at runtime should be applied
// by the callback; the kernel uses it for the log level.
//
// The parent directory is watched because editors replace files via rename.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return fmt.Errorf("failed to resolve config path: %w", err)
	}

	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(absPath), err)
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
				if filepath.Clean(event.Name) != absPath {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				cfg, err := Load(absPath)
				if err != nil {
					logger.Warn("Ignoring invalid config change in %s: %v", absPath, err)
					continue
				}
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("Config watcher error: %v", err)
			}
		}
	}()

	return nil
}
