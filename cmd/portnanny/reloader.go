package main

import (
	"fmt"
	"os"
	"time"

	"github.com/markdingo/portnanny/internal/nannylog"
)

// reloader keeps the parsed root of one policy file fresh, reloading it whenever the file's
// modification time changes. A failed load is reported once per mtime change; a missing file
// likewise produces exactly one complaint until it reappears. When dropOnErr is set the old root
// is discarded before a reload is attempted, so a broken file fails closed rather than running on
// stale policy.
type reloader[T any] struct {
	fname     string
	ftype     string // For log messages: "rules" or "actions"
	dropOnErr bool
	load      func(fname string) (T, error)
	log       *nannylog.Logger

	root     T
	haveRoot bool

	checked   bool // mtime state of the previous Current() call
	oldTime   time.Time
	oldExists bool
}

func newReloader[T any](fname, ftype string, dropOnErr bool, log *nannylog.Logger,
	load func(fname string) (T, error)) *reloader[T] {
	return &reloader[T]{fname: fname, ftype: ftype, dropOnErr: dropOnErr, log: log, load: load}
}

// mtime returns the file's modification time. exists is false if the file cannot be stat'd.
func mtime(fname string) (time.Time, bool) {
	fi, err := os.Stat(fname)
	if err != nil {
		return time.Time{}, false
	}

	return fi.ModTime(), true
}

// Current returns the current root, reloading first if the file has changed. ok is false when
// there is no loadable root at all.
func (t *reloader[T]) Current() (root T, ok bool) {
	newTime, exists := mtime(t.fname)
	if t.checked && exists == t.oldExists && newTime.Equal(t.oldTime) {
		return t.root, t.haveRoot
	}

	// Once we are committed to loading, kill the old root if we want to drop on errors.
	if t.dropOnErr {
		var zero T
		t.root, t.haveRoot = zero, false
	}
	t.checked = true
	t.oldTime, t.oldExists = newTime, exists

	root, err := t.load(t.fname)
	if err != nil {
		t.log.Error(fmt.Sprintf("error loading %s file: %s", t.ftype, err.Error()))
		return t.root, t.haveRoot
	}
	t.root, t.haveRoot = root, true
	t.log.Debug(5, fmt.Sprintf("reloaded %s file %s dated %s", t.ftype, t.fname, newTime))

	return t.root, t.haveRoot
}
