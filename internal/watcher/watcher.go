package watcher

import (
	"log"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeHandler is invoked, debounced, whenever the watched config file
// changes on disk.
type ChangeHandler func()

// ConfigWatcher watches a single YAML config file and calls its handler a
// fixed delay after the last write observed for it, collapsing the burst of
// events many editors and package managers produce for one logical save.
type ConfigWatcher struct {
	watcher  *fsnotify.Watcher
	handler  ChangeHandler
	debounce time.Duration
	path     string

	stopChan chan struct{}

	mu    sync.Mutex
	timer *time.Timer
}

// New creates a watcher for path. The watcher does not start until Start is
// called.
func New(path string, debounce time.Duration, handler ChangeHandler) (*ConfigWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &ConfigWatcher{
		watcher:  w,
		handler:  handler,
		debounce: debounce,
		path:     path,
		stopChan: make(chan struct{}),
	}, nil
}

// Start begins watching the parent directory of the configured path (rather
// than the file itself) so the watch survives editors that replace a file
// via rename instead of writing it in place.
func (w *ConfigWatcher) Start() error {
	dir := parentDir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return err
	}
	go w.loop()
	log.Printf("config watcher started for %s", w.path)
	return nil
}

// Stop tears down the watcher. It is safe to call once.
func (w *ConfigWatcher) Stop() {
	close(w.stopChan)
	w.watcher.Close()
}

func (w *ConfigWatcher) loop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.schedule()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("config watcher error: %v", err)
		case <-w.stopChan:
			return
		}
	}
}

func (w *ConfigWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		log.Printf("config changed: %s", w.path)
		w.handler()
	})
}

func parentDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
