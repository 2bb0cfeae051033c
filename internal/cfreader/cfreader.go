/*
Package cfreader reads the rfc822-style "continued line" format shared by all of the portnanny
configuration files. A physical line starting with whitespace continues the previous logical line;
comment lines (first non-blank character is '#') and blank lines are skipped, even in the middle of
a continuation run. Each logical line is reported with the line number of its first physical line.
*/
package cfreader

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ErrStartingContinuedLine is returned when the first real line of a file begins with whitespace
// and thus continues a line which does not exist.
var ErrStartingContinuedLine = errors.New("first line is a continuation")

// Reader yields logical lines from an underlying stream.
type Reader struct {
	scanner *bufio.Scanner
	lineno  int // Physical line number of the most recently scanned line

	pending   string // Lookahead physical line not yet consumed
	pendingAt int
	havePend  bool

	err error
}

// New constructs a Reader over r.
func New(r io.Reader) *Reader {
	return &Reader{scanner: bufio.NewScanner(r)}
}

func isBlankOrComment(line string) bool {
	trimmed := strings.TrimLeft(line, " \t")
	return len(trimmed) == 0 || trimmed[0] == '#'
}

func startsWithSpace(line string) bool {
	return len(line) > 0 && (line[0] == ' ' || line[0] == '\t')
}

// nextPhysical returns the next interesting (non-blank, non-comment) physical line, honoring any
// pushed-back lookahead line. Returns io.EOF at end of input.
func (t *Reader) nextPhysical() (int, string, error) {
	if t.havePend {
		t.havePend = false
		return t.pendingAt, t.pending, nil
	}
	for t.scanner.Scan() {
		t.lineno++
		line := strings.TrimRight(t.scanner.Text(), "\r")
		if isBlankOrComment(line) {
			continue
		}
		return t.lineno, line, nil
	}
	if err := t.scanner.Err(); err != nil {
		return 0, "", err
	}
	return 0, "", io.EOF
}

func (t *Reader) pushback(lineno int, line string) {
	t.pending = line
	t.pendingAt = lineno
	t.havePend = true
}

// Read returns the next logical line and the physical line number it started on. Continuation
// lines are joined with a single space; trailing whitespace before the join point is trimmed.
// io.EOF signals a clean end of input.
func (t *Reader) Read() (int, string, error) {
	if t.err != nil {
		return 0, "", t.err
	}
	lineno, line, err := t.nextPhysical()
	if err != nil {
		t.err = err
		return 0, "", err
	}
	if startsWithSpace(line) {
		t.err = ErrStartingContinuedLine
		return 0, "", t.err
	}

	logical := strings.TrimRight(line, " \t")
	for {
		at, next, err := t.nextPhysical()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.err = err
			return 0, "", err
		}
		if !startsWithSpace(next) { // Start of the next logical line; save it for later
			t.pushback(at, next)
			break
		}
		logical = strings.TrimRight(logical, " \t") + " " + strings.TrimLeft(next, " \t")
	}

	return lineno, logical, nil
}

// ParseFunc is called once per logical line. Any returned error aborts the whole file.
type ParseFunc func(line string, lineno int) error

// Apply is the generic skeleton shared by the config, rules and actions loaders: read every
// logical line of the named reader and feed it to parse, decorating errors with the file name and
// line number. The decoration wraps so callers can still errors.Is/As against their own kinds.
func Apply(r io.Reader, fname string, parse ParseFunc) error {
	cr := New(r)
	for {
		lineno, line, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err == ErrStartingContinuedLine {
			return fmt.Errorf("%s: %w", fname, err)
		}
		if err != nil {
			return fmt.Errorf("IO error reading %s: %w", fname, err)
		}
		if err := parse(line, lineno); err != nil {
			return fmt.Errorf("error parsing %s line %d: %w", fname, lineno, err)
		}
	}
}

// ApplyFile is Apply over a named file.
func ApplyFile(fname string, parse ParseFunc) error {
	fp, err := os.Open(fname)
	if err != nil {
		return fmt.Errorf("cannot open %s: %w", fname, err)
	}
	defer fp.Close()

	return Apply(fp, fname, parse)
}
