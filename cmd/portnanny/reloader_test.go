package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/markdingo/portnanny/internal/nannylog"
	"github.com/markdingo/portnanny/internal/rules"
)

// setMtime forces a distinct, deterministic mtime so tests never depend on filesystem timestamp
// granularity.
func setMtime(t *testing.T, fname string, when time.Time) {
	t.Helper()
	if err := os.Chtimes(fname, when, when); err != nil {
		t.Fatal(err)
	}
}

func TestReloader(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "nanny.rules")
	if err := os.WriteFile(fname, []byte("a: ALL\n"), 0644); err != nil {
		t.Fatal(err)
	}
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	setMtime(t, fname, base)

	logBuf := &bytes.Buffer{}
	log := nannylog.New(logBuf, "test")
	rel := newReloader(fname, "rules", false, log, rules.FromFile)

	root, ok := rel.Current()
	if !ok || root.Len() != 1 {
		t.Fatal("Expected the initial load to produce one rule, got", ok)
	}
	first := root

	// Unchanged mtime must return the identical root without reloading
	root, ok = rel.Current()
	if !ok || root != first {
		t.Error("Expected the cached root back on an unchanged file")
	}

	// A touched file reloads
	if err := os.WriteFile(fname, []byte("a: ALL\nb: ALL\n"), 0644); err != nil {
		t.Fatal(err)
	}
	setMtime(t, fname, base.Add(time.Minute))
	root, ok = rel.Current()
	if !ok || root.Len() != 2 {
		t.Error("Expected a reload with two rules, got", ok)
	}
	good := root

	// A broken file keeps the old root with use-old semantics and logs once
	if err := os.WriteFile(fname, []byte("a: (ALL\n"), 0644); err != nil {
		t.Fatal(err)
	}
	setMtime(t, fname, base.Add(2*time.Minute))
	root, ok = rel.Current()
	if !ok || root != good {
		t.Error("Expected the previous root to survive a broken load")
	}
	if !strings.Contains(logBuf.String(), "error loading rules file") {
		t.Error("Expected a load error to be logged, got", logBuf.String())
	}
	logBuf.Reset()
	root, ok = rel.Current()
	if !ok || root != good {
		t.Error("Expected the previous root back without a fresh load attempt")
	}
	if logBuf.Len() != 0 {
		t.Error("A broken file should only be complained about once, got", logBuf.String())
	}
}

func TestReloaderDropOnError(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "nanny.rules")
	if err := os.WriteFile(fname, []byte("a: ALL\n"), 0644); err != nil {
		t.Fatal(err)
	}
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	setMtime(t, fname, base)

	log := nannylog.New(&bytes.Buffer{}, "test")
	rel := newReloader(fname, "rules", true, log, rules.FromFile)
	if _, ok := rel.Current(); !ok {
		t.Fatal("Expected the initial load to work")
	}

	if err := os.WriteFile(fname, []byte("a: (ALL\n"), 0644); err != nil {
		t.Fatal(err)
	}
	setMtime(t, fname, base.Add(time.Minute))
	if _, ok := rel.Current(); ok {
		t.Error("Expected a broken file to drop the root")
	}

	// A repaired file brings the root back
	if err := os.WriteFile(fname, []byte("a: ALL\n"), 0644); err != nil {
		t.Fatal(err)
	}
	setMtime(t, fname, base.Add(2*time.Minute))
	if root, ok := rel.Current(); !ok || root.Len() != 1 {
		t.Error("Expected a repaired file to load")
	}
}

func TestReloaderMissingFile(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "nanny.rules")

	logBuf := &bytes.Buffer{}
	log := nannylog.New(logBuf, "test")
	rel := newReloader(fname, "rules", false, log, rules.FromFile)

	if _, ok := rel.Current(); ok {
		t.Fatal("Expected no root for a missing file")
	}
	if strings.Count(logBuf.String(), "error loading") != 1 {
		t.Error("Expected exactly one complaint, got", logBuf.String())
	}
	rel.Current()
	rel.Current()
	if strings.Count(logBuf.String(), "error loading") != 1 {
		t.Error("A missing file should only be complained about once, got", logBuf.String())
	}

	// The file turning up gets noticed
	if err := os.WriteFile(fname, []byte("a: ALL\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if root, ok := rel.Current(); !ok || root.Len() != 1 {
		t.Error("Expected an appearing file to load")
	}
}
