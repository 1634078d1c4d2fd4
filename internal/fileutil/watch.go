package fileutil

import (
	"github.com/fsnotify/fsnotify"
)

// Nudger is the optional fast path SPEC_FULL.md's "Polling vs. push" note
// describes: it tries to install an fsnotify watch on a directory and
// forwards a nudge whenever the directory changes, so a poller can wake
// up early instead of waiting out its full tick. Polling remains the
// source of truth; Chan() is advisory only, and a Nudger that failed to
// start a watcher (sandboxed filesystem, too many inotify watches, ...)
// simply never fires, which is indistinguishable from "nothing changed
// yet" to the caller.
type Nudger struct {
	watcher *fsnotify.Watcher
	nudge   chan struct{}
}

// NewNudger attempts to watch dir. On failure it returns a Nudger whose
// Chan never fires; callers fall back to their timer poll as the spec
// requires.
func NewNudger(dir string) *Nudger {
	n := &Nudger{nudge: make(chan struct{}, 1)}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return n
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return n
	}
	n.watcher = w

	go func() {
		for {
			select {
			case _, ok := <-w.Events:
				if !ok {
					return
				}
				select {
				case n.nudge <- struct{}{}:
				default:
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return n
}

// Chan returns the nudge channel. A receive means "something changed,
// consider polling now"; it never guarantees the change is still
// unread, and it may never fire if the underlying watcher could not be
// created.
func (n *Nudger) Chan() <-chan struct{} { return n.nudge }

// Close stops the underlying watcher, if one was created.
func (n *Nudger) Close() {
	if n.watcher != nil {
		_ = n.watcher.Close()
	}
}
