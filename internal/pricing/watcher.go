package pricing

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// watchDebounce coalesces editor write bursts into a single reload.
const watchDebounce = 100 * time.Millisecond

// Watch reloads the table whenever the price file changes, until the context
// is cancelled. The parent directory is watched so atomic rename-style saves
// are picked up too. Reload failures keep the previous table and are logged.
func (t *Table) Watch(ctx context.Context, path string) error {
	watcher, errNew := fsnotify.NewWatcher()
	if errNew != nil {
		return errNew
	}
	defer func() { _ = watcher.Close() }()

	dir := filepath.Dir(path)
	if errAdd := watcher.Add(dir); errAdd != nil {
		return errAdd
	}
	target := filepath.Clean(path)
	log.Infof("pricing: watching %s", target)

	var timer *time.Timer
	reload := make(chan struct{}, 1)
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
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			if errLoad := t.LoadFile(target); errLoad != nil {
				log.WithError(errLoad).Warn("pricing: reload failed, keeping previous table")
				continue
			}
			log.Infof("pricing: reloaded %s (%d models)", target, t.Models())
		case errWatch, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(errWatch).Warn("pricing: watch error")
		}
	}
}
