package schema

import (
	"log"

	"github.com/fsnotify/fsnotify"
)

// WatchDir is a development aid: it watches an on-disk directory of
// schema documents (not the embedded set) and recompiles r in place on
// every change via ReloadFromDir, so a running daemon started with
// -schema-dir picks up hand-edited schemas without a restart. The daemon
// does not support live migration across incompatible schema versions
// (see Non-goals); a bad edit simply fails to compile and the previous
// schemas keep serving.
func WatchDir(dir string, r *Registry) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := r.ReloadFromDir(dir); err != nil {
					log.Printf("schema: %s changed, reload failed, keeping previous schemas: %v", ev.Name, err)
					continue
				}
				log.Printf("schema: %s changed, recompiled schemas from %s", ev.Name, dir)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Printf("schema: watch error: %v", err)
			}
		}
	}()
	return w, nil
}
