/*
Package rules loads and evaluates the classifier rules file. Rules are continued lines of the
form:

	CLASS[/annotation[/annotation]...]:	EXPRESSION

The expression is handled by ruleparse with the matcher terminals. Annotations are 'nonterminal'
(aka 'nt'), 'always' and 'label=NAME'; a bare 'label' annotation uses the rule expression itself
as the label.

Rules are evaluated in file order. Evaluation stops after the first matching rule not marked
nonterminal, except that rules marked always are always evaluated. A class only matches once;
later rules for an already-acquired class are skipped. If anything at all matched, a synthetic
match for the class GLOBAL is appended to the match list, which simplifies life downstream in the
actions department.
*/
package rules

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/markdingo/portnanny/internal/cfreader"
	"github.com/markdingo/portnanny/internal/constants"
	"github.com/markdingo/portnanny/internal/hostinfo"
	"github.com/markdingo/portnanny/internal/matcher"
	"github.com/markdingo/portnanny/internal/ruleparse"
)

// Rule is a single parsed classifier rule. Matcher is nil only for synthetic internal rules such
// as GLOBAL.
type Rule struct {
	Lineno      int
	Class       string
	Nonterminal bool
	Always      bool
	Label       string
	Matcher     ruleparse.Expr
}

// String reproduces the rule in canonical form; parsing the output gives the same rule back.
func (t *Rule) String() string {
	if t.Matcher == nil {
		return "<Rule: " + t.Class + ">"
	}
	base := t.Class
	if t.Nonterminal {
		base += "/nt"
	}
	if t.Always {
		base += "/always"
	}
	if len(t.Label) > 0 {
		base += "/label=" + t.Label
	}

	return base + ": " + t.Matcher.String()
}

// GlobalRule is the synthetic rule appended to every non-empty match list.
var GlobalRule = &Rule{Lineno: -1, Class: constants.Get().GlobalClass}

func (t *Rule) setNotes(notes, ruleStr string) error {
	for _, k := range strings.Split(notes, "/") {
		switch {
		case k == "nt" || k == "nonterminal":
			t.Nonterminal = true
		case k == "always":
			t.Always = true
		case strings.HasPrefix(k, "label="):
			lname := k[len("label="):]
			if len(lname) == 0 {
				return errors.New("empty label on rule")
			}
			if len(t.Label) > 0 && t.Label != lname {
				return errors.New("multiple labels on rule")
			}
			t.Label = lname
		case k == "label":
			// Like 'label=', but uses the rule expression itself
			t.Label = ruleStr
		default:
			return errors.New("unrecognized rule note: " + k)
		}
	}

	return nil
}

// Parser carries the compilation memos the matchers share across successive loads of one rules
// file. The daemon keeps one Parser per rules file for the life of the process; one-shot callers
// can use the package-level functions, which parse with a throwaway Parser.
type Parser struct {
	memos *matcher.Memos
}

func NewParser() *Parser {
	return &Parser{memos: matcher.NewMemos()}
}

// ParseLine parses one logical rule line without carrying memos across calls.
func ParseLine(line string, lineno int) (*Rule, error) {
	return parseLine(line, lineno, matcher.Info{})
}

// ParseLine parses one logical rule line.
func (t *Parser) ParseLine(line string, lineno int) (*Rule, error) {
	return parseLine(line, lineno, matcher.Info{Memos: t.memos})
}

func parseLine(line string, lineno int, ti matcher.Info) (*Rule, error) {
	t := &Rule{Lineno: lineno}
	pos := strings.IndexAny(line, " \t")
	if pos < 0 {
		return nil, errors.New("too few elements in rule")
	}
	name := line[:pos]
	ruleStr := strings.Trim(line[pos:], " \t")
	if len(ruleStr) == 0 {
		return nil, errors.New("too few elements in rule")
	}
	if name[len(name)-1] != ':' {
		return nil, errors.New("class name does not end with a ':'")
	}
	if name[0] == '/' {
		return nil, errors.New("class name section has no actual name")
	}
	name = name[:len(name)-1]

	if pos := strings.IndexByte(name, '/'); pos >= 0 {
		if err := t.setNotes(name[pos+1:], ruleStr); err != nil {
			return nil, err
		}
		name = name[:pos]
	}
	t.Class = name
	var err error
	t.Matcher, err = ruleparse.Parse(ruleStr, ti)
	if err != nil {
		return nil, err
	}

	return t, nil
}

// RuleSet is an ordered list of rules plus the small amount of precomputation Eval wants.
type RuleSet struct {
	rules      []*Rule
	haveAlways bool
}

func (t *RuleSet) Len() int {
	return len(t.rules)
}

// Rules returns the underlying list, in file order.
func (t *RuleSet) Rules() []*Rule {
	return t.rules
}

func (t *RuleSet) String() string {
	var sb strings.Builder
	for _, r := range t.rules {
		sb.WriteString(r.String())
		sb.WriteByte('\n')
	}

	return sb.String()
}

func (t *RuleSet) add(r *Rule) {
	t.rules = append(t.rules, r)
	if r.Always {
		t.haveAlways = true
	}
}

// ClassNames returns the set of class names the rules can generate, in no particular order.
func (t *RuleSet) ClassNames() []string {
	seen := make(map[string]bool)
	names := []string{}
	for _, r := range t.rules {
		if !seen[r.Class] {
			seen[r.Class] = true
			names = append(names, r.Class)
		}
	}

	return names
}

// Eval runs the rules against one connection and returns the matching rules in match order, with
// GlobalRule appended if anything matched. Matched classes are added to the HostInfo as they
// match, so later rules can test for them with class:.
func (t *RuleSet) Eval(hi *hostinfo.HostInfo) []*Rule {
	var matching []*Rule
	matched := false
	for _, r := range t.rules {
		if matched && !r.Always {
			continue
		}
		if hasClass(hi, r.Class) {
			continue
		}
		if !r.Matcher.Eval(hi) {
			continue
		}
		matching = append(matching, r)
		hi.AddClass(r.Class)
		if !r.Nonterminal {
			matched = true
			// Without any always rules there is nothing left to look at
			if !t.haveAlways {
				break
			}
		}
	}
	if len(matching) > 0 {
		matching = append(matching, GlobalRule)
	}

	return matching
}

func hasClass(hi *hostinfo.HostInfo, cls string) bool {
	for _, have := range hi.Classes() {
		if have == cls {
			return true
		}
	}

	return false
}

// FromReader parses an entire rules file. The parser's regexp and netblock memos are aged on
// success and discarded wholesale on failure, on the principle that after an error everything is
// dead.
func (t *Parser) FromReader(r io.Reader, fname string) (*RuleSet, error) {
	rs := &RuleSet{}
	err := cfreader.Apply(r, fname, func(line string, lineno int) error {
		rule, err := t.ParseLine(line, lineno)
		if err != nil {
			return err
		}
		rs.add(rule)
		return nil
	})
	if err != nil {
		t.memos.Discard()
		return nil, err
	}
	t.memos.Age()

	return rs, nil
}

// FromFile is FromReader on a named file.
func (t *Parser) FromFile(fname string) (*RuleSet, error) {
	fp, err := os.Open(fname)
	if err != nil {
		return nil, fmt.Errorf("cannot open %s: %w", fname, err)
	}
	defer fp.Close()

	return t.FromReader(fp, fname)
}

// FromReader and FromFile at the package level parse with a throwaway Parser: nothing carries
// over to the next call.
func FromReader(r io.Reader, fname string) (*RuleSet, error) {
	return NewParser().FromReader(r, fname)
}

func FromFile(fname string) (*RuleSet, error) {
	return NewParser().FromFile(fname)
}
