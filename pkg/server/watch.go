package server

import (
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadSettle absorbs the burst of events editors produce when saving.
const reloadSettle = 200 * time.Millisecond

// WatchConfig reloads path into e whenever it changes on disk. onReload,
// if set, runs after every successful reload. The returned func stops the
// watcher.
func (e *Engine) WatchConfig(path string, onReload func(*Config)) (func(), error) {
	if path == "" {
		return func() {}, nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	// Watch the directory so atomic replace-by-rename is seen.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	name := filepath.Base(path)
	done := make(chan struct{})

	go func() {
		defer watcher.Close()
		var settle <-chan time.Time
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != name {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				settle = time.After(reloadSettle)
			case <-settle:
				settle = nil
				cfg, err := LoadConfig(path)
				if err != nil {
					log.Printf("watch: WARNING: %s not reloaded: %v", path, err)
					continue
				}
				if err := e.ApplyConfig(cfg); err != nil {
					log.Printf("watch: WARNING: %s not applied: %v", path, err)
					continue
				}
				if onReload != nil {
					onReload(cfg)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("watch: error: %v", err)
			}
		}
	}()

	log.Printf("watch: reloading %s on change", path)
	return func() { close(done) }, nil
}
