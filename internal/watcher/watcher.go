package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/lucasnoah/stageflow/internal/logging"
)

// Signal is an operator request delivered through a control file in a
// workflow's state directory.
type Signal string

const (
	Pause  Signal = "PAUSE"
	Cancel Signal = "CANCEL"
)

// Signals lists the control files the watcher reacts to.
func Signals() []Signal {
	return []Signal{Pause, Cancel}
}

// Send writes the control file for sig into dir. Its content is the reason.
// The file is renamed into place so watchers never see it half written.
func Send(dir string, sig Signal, reason string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, string(sig))
	tmp := filepath.Join(dir, "."+string(sig)+".tmp")
	if err := os.WriteFile(tmp, []byte(reason), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// Pending returns the first control file already present in dir.
func Pending(dir string) (Signal, string, bool) {
	for _, sig := range Signals() {
		if reason, ok := read(dir, sig); ok {
			return sig, reason, true
		}
	}
	return "", "", false
}

// Clear removes any control files from dir.
func Clear(dir string) error {
	for _, sig := range Signals() {
		if err := os.Remove(filepath.Join(dir, string(sig))); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func read(dir string, sig Signal) (string, bool) {
	data, err := os.ReadFile(filepath.Join(dir, string(sig)))
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(data)), true
}

// Handler is called at most once per signal.
type Handler func(sig Signal, reason string)

// Watcher delivers control files appearing in one directory.
type Watcher struct {
	dir     string
	handler Handler
	log     logrus.FieldLogger

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	running bool
	stopCh  chan struct{}
	done    chan struct{}
	fired   map[Signal]bool
}

// New creates a watcher for dir.
func New(dir string, handler Handler, log logrus.FieldLogger) *Watcher {
	if log == nil {
		log = logging.Discard()
	}
	return &Watcher{dir: dir, handler: handler, log: log, fired: map[Signal]bool{}}
}

// Start begins watching. A control file that already exists is delivered
// immediately.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		w.mu.Unlock()
		return fmt.Errorf("mkdir %s: %w", w.dir, err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(w.dir); err != nil {
		fsw.Close()
		w.mu.Unlock()
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.fsw = fsw
	w.running = true
	w.stopCh = make(chan struct{})
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.run(fsw, w.stopCh, w.done)

	for _, sig := range Signals() {
		if reason, ok := read(w.dir, sig); ok {
			w.fire(sig, reason)
		}
	}
	return nil
}

// Stop stops watching and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	close(w.stopCh)
	fsw, done := w.fsw, w.done
	w.mu.Unlock()

	err := fsw.Close()
	<-done
	return err
}

func (w *Watcher) run(fsw *fsnotify.Watcher, stopCh, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stopCh:
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			sig := Signal(filepath.Base(event.Name))
			if sig != Pause && sig != Cancel {
				continue
			}
			if reason, ok := read(w.dir, sig); ok {
				w.fire(sig, reason)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("control file watcher error")
		}
	}
}

func (w *Watcher) fire(sig Signal, reason string) {
	w.mu.Lock()
	if w.fired[sig] {
		w.mu.Unlock()
		return
	}
	w.fired[sig] = true
	w.mu.Unlock()

	w.log.WithFields(logrus.Fields{"signal": sig, "reason": reason}).Info("control signal received")
	w.handler(sig, reason)
}
