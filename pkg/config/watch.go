package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/leptonai/gpuprof/pkg/log"
)

// Watch reloads path whenever it is written or replaced and sends every
// config that loads and validates. Invalid edits are logged and skipped.
// The channel is closed when ctx is done.
//
// The parent directory is watched so editors that replace the file by
// rename are seen too.
func Watch(ctx context.Context, path string, opts ...OpOption) (<-chan *Config, error) {
	path = filepath.Clean(path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	ch := make(chan *Config)
	go func() {
		defer close(ch)
		defer func() {
			if err := watcher.Close(); err != nil {
				log.Logger.Warnw("failed to close config watcher", "error", err)
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != path {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}

				cfg, err := Load(path, opts...)
				if err != nil {
					log.Logger.Warnw("ignoring config change", "path", path, "error", err)
					continue
				}
				log.Logger.Infow("config reloaded", "path", path)

				select {
				case ch <- cfg:
				case <-ctx.Done():
					return
				}

			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Logger.Warnw("config watcher error", "path", path, "error", werr)
			}
		}
	}()
	return ch, nil
}
