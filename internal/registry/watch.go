package registry

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the instance document whenever it changes on disk, until ctx
// ends. Editors replace files rather than writing in place, so the watch is
// on the parent directory and filters by name.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	path := r.home.ProviderInstancesPath()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != path {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if err := r.Reload(); err != nil {
					r.logger.Warn("registry: reload failed, keeping previous instances", "error", err)
					continue
				}
				r.logger.Info("registry: instances reloaded", "path", path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("registry: watch error", "error", err)
			}
		}
	}()
	return nil
}
