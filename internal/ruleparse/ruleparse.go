/*
Package ruleparse parses rule match expressions with a small recursive descent parser. The
operators, in precedence from high to low, are: !/NOT and ( ... ), implicit OR (terms simply
written next to each other), AND/&& and EXCEPT. Operator parsing is right associative, so
"a EXCEPT b EXCEPT c" is "(a) EXCEPT ((b) EXCEPT (c))".

The operands are matcher invocations in one of three forms: "MATCHER: ARGUMENT", a bare "MATCHER"
or a bare "ARGUMENT". In the last case the TermInfo's default production decides what to make of
the word. The parser itself knows nothing about individual matchers; it is handed a TermInfo which
maps matcher names (trailing ':' included for those that take an argument) to constructors.
*/
package ruleparse

import (
	"errors"
	"fmt"
	"strings"

	"github.com/markdingo/portnanny/internal/hostinfo"
)

// Expr is a node of a parsed expression. Eval answers whether the expression matches the
// connection described by the HostInfo.
type Expr interface {
	Eval(hi *hostinfo.HostInfo) bool
	String() string
}

// TermMaker constructs a terminal matcher. 'name' is the matcher name as written; 'arg' is the
// argument word, or the empty string for matchers that take none.
type TermMaker func(name, arg string) (Expr, error)

// TermInfo supplies the parser with the available terminals.
type TermInfo interface {

	// Terminal looks up the constructor for a matcher name. Names of matchers taking an
	// argument include the trailing ':'.
	Terminal(name string) (TermMaker, bool)

	// DefaultTerm constructs a terminal from a bare word which is not a matcher name.
	DefaultTerm(word string) (Expr, error)
}

// Merger is optionally implemented by terminals which can absorb an adjacent terminal in an OR
// list; consecutive ip: matchers collapse into one this way. Merge returns true if it consumed
// 'other'.
type Merger interface {
	Merge(other Expr) bool
}

// Finalizer is optionally implemented by terminals which defer some argument processing until the
// parser knows no further merges are coming.
type Finalizer interface {
	Finalize() error
}

func finalize(e Expr) error {
	if f, ok := e.(Finalizer); ok {
		return f.Finalize()
	}
	return nil
}

type notNode struct {
	op Expr
}

func (t *notNode) Eval(hi *hostinfo.HostInfo) bool {
	return !t.op.Eval(hi)
}

func (t *notNode) String() string {
	return fmt.Sprintf("!(%s)", t.op)
}

type orNode struct {
	ops []Expr
}

func (t *orNode) Eval(hi *hostinfo.HostInfo) bool {
	for _, e := range t.ops {
		if e.Eval(hi) {
			return true
		}
	}
	return false
}

func (t *orNode) String() string {
	parts := make([]string, 0, len(t.ops))
	for _, e := range t.ops {
		parts = append(parts, e.String())
	}
	return strings.Join(parts, " ")
}

type andNode struct {
	left, right Expr
}

func (t *andNode) Eval(hi *hostinfo.HostInfo) bool {
	return t.left.Eval(hi) && t.right.Eval(hi)
}

func (t *andNode) String() string {
	return fmt.Sprintf("(%s) AND (%s)", t.left, t.right)
}

type exceptNode struct {
	left, right Expr
}

func (t *exceptNode) Eval(hi *hostinfo.HostInfo) bool {
	return t.left.Eval(hi) && !t.right.Eval(hi)
}

func (t *exceptNode) String() string {
	return fmt.Sprintf("(%s) EXCEPT (%s)", t.left, t.right)
}

type parser struct {
	lex   []token
	terms TermInfo
}

func (t *parser) peek() token {
	return t.lex[0]
}

func (t *parser) pop() token {
	tok := t.lex[0]
	t.lex = t.lex[1:]
	return tok
}

func (t *parser) peekIsOp(ops ...string) bool {
	tok := t.peek()
	if tok.kind != tkOp {
		return false
	}
	for _, op := range ops {
		if tok.val == op {
			return true
		}
	}
	return false
}

func (t *parser) parseNot() (Expr, error) {
	t.pop()
	res, err := t.parseTerm()
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, fmt.Errorf("expecting term, got %s", t.peek().pretty())
	}

	// Terms are normally finalized by OR list processing but we bypass that here so we must
	// finalize ourselves.
	if err := finalize(res); err != nil {
		return nil, err
	}

	return &notNode{op: res}, nil
}

func (t *parser) parseBrackets() (Expr, error) {
	t.pop()
	root, err := t.parseExcept()
	if err != nil {
		return nil, err
	}
	if !t.peekIsOp(")") {
		return nil, fmt.Errorf("expecting closing ), got %s", t.peek().pretty())
	}
	t.pop()

	return root, nil
}

// parseTerm handles a single terminal:
//
//	terml -> ! terml
//	         ( exceptl )
//	         TERMINAL: VALUE
//	         TERMINAL-OR-VALUE
//
// A nil, nil return means the next token does not start a terminal and the caller should decide
// what to make of it.
func (t *parser) parseTerm() (Expr, error) {
	if t.peekIsOp("!", "NOT") {
		return t.parseNot()
	}
	if t.peekIsOp("(") {
		return t.parseBrackets()
	}
	if t.peek().kind != tkWord {
		return nil, nil
	}
	term := t.pop().val

	// Terminals taking a value end with ':'; everything else does not.
	if strings.HasSuffix(term, ":") {
		if t.peek().kind != tkWord {
			return nil, fmt.Errorf("expected argument for %s, got %s", term, t.peek().pretty())
		}
		val := t.pop().val
		maker, ok := t.terms.Terminal(term)
		if !ok {
			return nil, errors.New("no handler called " + term)
		}
		res, err := maker(term, val)
		if err != nil {
			return nil, fmt.Errorf("handler does not like %s %s: %w", term, val, err)
		}
		return res, nil
	}

	// Either a bare terminal or a value needing the tender loving attention of the default
	// production.
	if maker, ok := t.terms.Terminal(term); ok {
		res, err := maker(term, "")
		if err != nil {
			return nil, fmt.Errorf("no-value handler %s refused us: %w", term, err)
		}
		return res, nil
	}
	res, err := t.terms.DefaultTerm(term)
	if err != nil {
		return nil, fmt.Errorf("no default for %s: %w", term, err)
	}

	return res, nil
}

// parseOrList gathers adjacent terms:
//
//	orl -> terml orl
//
// Adjacent terms are offered to each other via the Merger protocol so runs of, say, ip: matchers
// collapse into a single terminal. A merge candidate is finalized once its run ends.
func (t *parser) parseOrList() (Expr, error) {
	var lst []Expr
	var last Merger
	for {
		r, err := t.parseTerm()
		if err != nil {
			return nil, err
		}
		if r == nil {
			break
		}
		if last != nil && last.Merge(r) {
			continue
		}
		if last != nil {
			if err := finalize(last.(Expr)); err != nil {
				return nil, err
			}
			last = nil
		}
		if m, ok := r.(Merger); ok {
			last = m
		}
		lst = append(lst, r)
	}
	if len(lst) == 0 {
		return nil, errors.New("empty OR list")
	}
	if last != nil {
		if err := finalize(last.(Expr)); err != nil {
			return nil, err
		}
	}
	if len(lst) == 1 { // Avoid pointless order-1 OR nodes
		return lst[0], nil
	}

	return &orNode{ops: lst}, nil
}

// andl -> orl [AND andl]
func (t *parser) parseAnd() (Expr, error) {
	left, err := t.parseOrList()
	if err != nil {
		return nil, err
	}
	if !t.peekIsOp("AND", "&&") {
		return left, nil
	}
	t.pop()
	if t.peek().kind == tkEOF {
		return nil, errors.New("empty right AND clause")
	}
	right, err := t.parseAnd()
	if err != nil {
		return nil, err
	}

	return &andNode{left: left, right: right}, nil
}

// exceptl -> andl [EXCEPT exceptl]
func (t *parser) parseExcept() (Expr, error) {
	left, err := t.parseAnd()
	if err != nil {
		return nil, err
	}
	if !t.peekIsOp("EXCEPT") {
		return left, nil
	}
	t.pop()
	if t.peek().kind == tkEOF {
		return nil, errors.New("empty right EXCEPT clause")
	}
	right, err := t.parseExcept()
	if err != nil {
		return nil, err
	}

	return &exceptNode{left: left, right: right}, nil
}

func (t *parser) parse() (Expr, error) {
	if t.peek().kind == tkEOF {
		return nil, errors.New("nothing to parse")
	}
	root, err := t.parseExcept()
	if err != nil {
		return nil, err
	}
	if t.peek().kind != tkEOF {
		return nil, fmt.Errorf("expected EOL, got token %s", t.peek().val)
	}

	return root, nil
}

// Parse converts a rule expression into its evaluation tree.
func Parse(s string, terms TermInfo) (Expr, error) {
	lex, err := tokenize(s)
	if err != nil {
		return nil, err
	}
	p := &parser{lex: lex, terms: terms}

	return p.parse()
}
