package matcher

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/markdingo/portnanny/internal/netblock"
)

// Certain compilations are memoized across multiple generations of the rules file (the same thing
// rarely appears twice within one rules file, but it very often appears in the next load of the
// same file). Each entry records the generation it was last used in; age() ends a generation and
// evicts every entry the just-finished generation never touched. discard() throws the whole thing
// away and is used on load errors on the principle that on errors *everything* is dead.
type memoEntry[V any] struct {
	gen   int
	value V
}

type memo[V any] struct {
	generation int
	entries    map[string]memoEntry[V]
}

func newMemo[V any]() *memo[V] {
	return &memo[V]{entries: make(map[string]memoEntry[V])}
}

func (t *memo[V]) discard() {
	t.entries = make(map[string]memoEntry[V])
}

func (t *memo[V]) age() {
	for k, e := range t.entries {
		if e.gen != t.generation {
			delete(t.entries, k)
		}
	}
	t.generation++
}

func (t *memo[V]) compile(key string, generate func() (V, error)) (V, error) {
	if e, ok := t.entries[key]; ok {
		e.gen = t.generation
		t.entries[key] = e
		return e.value, nil
	}
	v, err := generate()
	if err != nil {
		return v, err
	}
	t.entries[key] = memoEntry[V]{gen: t.generation, value: v}

	return v, nil
}

// Memos is the compilation cache handed to the matcher constructors via Info. The owner is
// whoever loads the rules file; one Memos lives as long as that loader does, so compiled values
// carry across reloads of the same file. A nil *Memos is legal and compiles without caching.
type Memos struct {
	re     *memo[*regexp.Regexp]
	ranges *memo[*netblock.IPRanges]
}

func NewMemos() *Memos {
	return &Memos{re: newMemo[*regexp.Regexp](), ranges: newMemo[*netblock.IPRanges]()}
}

// Age is called after a successful rules file load; values unused since the previous load are
// dropped.
func (t *Memos) Age() {
	if t == nil {
		return
	}
	t.re.age()
	t.ranges.age()
}

// Discard is called when a rules file load fails.
func (t *Memos) Discard() {
	if t == nil {
		return
	}
	t.re.discard()
	t.ranges.discard()
}

// Compiling regexps is surprisingly expensive, so they are our first memoization target. Patterns
// are compiled case insensitively; hostnames have no meaningful case.
func (t *Memos) compileRE(pattern string) (*regexp.Regexp, error) {
	generate := func() (*regexp.Regexp, error) {
		return regexp.Compile("(?i)" + pattern)
	}
	if t == nil {
		return generate()
	}

	return t.re.compile(pattern, generate)
}

// Netblock sets built from merged runs of ip:/localip: arguments are the other expensive
// compilation. The key is the argument list itself.
func (t *Memos) compileRanges(names []string) (*netblock.IPRanges, error) {
	generate := func() (*netblock.IPRanges, error) {
		nb := &netblock.IPRanges{}
		for _, name := range names {
			arg := name
			if strings.HasSuffix(arg, ".") { // Prefix form converts to a CIDR string
				arg = ipPrefToCIDR(arg)
			}
			if err := nb.Add(arg); err != nil {
				return nil, fmt.Errorf("bad CIDR netblock %s: %w", name, err)
			}
		}
		return nb, nil
	}
	if t == nil {
		return generate()
	}

	return t.ranges.compile(strings.Join(names, "\x00"), generate)
}
