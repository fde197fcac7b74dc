// Package watch notices when the language server jar is replaced on disk.
package watch

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/openkieler/lspool/internal/obs"
)

const debounce = 500 * time.Millisecond

// Jar watches the jar file and calls onChange after it is rewritten or
// replaced. Build tools typically write a temp file and rename it over the
// target, so the watch is on the parent directory and filtered by name.
// Events are debounced so one rebuild triggers one callback.
func Jar(ctx context.Context, jarPath string, onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(jarPath)
	if err := w.Add(dir); err != nil {
		w.Close()
		return err
	}
	obs.Info("jarwatch.start", obs.Fields{"jar": jarPath})

	go func() {
		defer w.Close()
		var timer *time.Timer
		fire := make(chan struct{}, 1)
		for {
			select {
			case <-ctx.Done():
				return
			case <-fire:
				obs.Info("jarwatch.changed", obs.Fields{"jar": jarPath})
				onChange()
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(jarPath) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounce, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				obs.Error("jarwatch.error", obs.Fields{"err": err.Error()})
			}
		}
	}()
	return nil
}
