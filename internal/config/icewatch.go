package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/pion/webrtc/v4"
)

// WatchICEServersFile re-reads path whenever it changes and hands the parsed
// list to onChange. Invalid contents are logged and the previous list stays
// in effect. The watch runs until ctx is done.
//
// The parent directory is watched rather than the file itself so that editors
// replacing the file via rename keep triggering reloads.
func WatchICEServersFile(ctx context.Context, path string, logger *slog.Logger, onChange func([]webrtc.ICEServer)) error {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	target := filepath.Clean(path)
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
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				servers, err := ReadICEServersFile(path)
				if err != nil {
					logger.Warn("ice servers reload failed", "path", path, "err", err)
					continue
				}
				logger.Info("ice servers reloaded", "path", path, "servers", len(servers))
				onChange(servers)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("ice servers watcher error", "err", err)
			}
		}
	}()
	return nil
}
