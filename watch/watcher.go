// watchmux/watch/watcher.go
package watch

import (
	"context"
	"io/fs"
	"log"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Op classifies a filesystem event at the interface the coordinator
// consumes. Renames into the tree arrive from fsnotify as Created on the
// destination name.
type Op int

const (
	Created Op = iota
	Modified
	Removed
)

// Event is one filesystem occurrence under the watched root.
type Event struct {
	Op   Op
	Path string
}

// Watcher owns the recursive fsnotify subscription for a root directory
// and forwards file events into a bounded channel, decoupling event
// arrival rate from processing rate. When the channel is full events are
// dropped and counted; the periodic settle/retry machinery and the
// initial scan make a dropped event a delay, not a loss of the file.
type Watcher struct {
	root    string
	fw      *fsnotify.Watcher
	events  chan Event
	Dropped func() // called once per dropped event, may be nil
}

// NewWatcher subscribes to root and every directory below it. Root
// inaccessibility is a startup-fatal error for the caller.
func NewWatcher(root string, buffer int) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		root:   root,
		fw:     fw,
		events: make(chan Event, buffer),
	}

	if err := w.addRecursive(root); err != nil {
		fw.Close()
		return nil, err
	}

	return w, nil
}

// Events is the bounded stream the coordinator consumes.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Run pumps fsnotify events until ctx is cancelled, then closes the
// event channel.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.events)
	defer w.fw.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			log.Printf("Watch error: %v", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	// New directories must be watched too; fsnotify is not recursive.
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addRecursive(ev.Name); err != nil {
				log.Printf("Watch: could not add directory %s: %v", ev.Name, err)
			}
			return
		}
	}

	var op Op
	switch {
	case ev.Op.Has(fsnotify.Create):
		op = Created
	case ev.Op.Has(fsnotify.Write):
		op = Modified
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		// A rename away from this name is a removal at this path; the
		// new name fires its own Create.
		op = Removed
	default:
		return
	}

	select {
	case w.events <- Event{Op: op, Path: ev.Name}:
	default:
		if w.Dropped != nil {
			w.Dropped()
		}
		log.Printf("Watch: event queue full, dropped %v for %s", ev.Op, ev.Name)
	}
}

// addRecursive watches dir and all directories below it.
func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.fw.Add(path)
		}
		return nil
	})
}
