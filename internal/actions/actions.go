/*
Package actions loads and interprets the actions file. The ultimate output of action evaluation
is an Act, which says what actually happens to a connection.

Action lines have the form:

	CLASS:	DIRECTIVE [ARGS] [: DIRECTIVE [ARGS]]...

We have a list of matching classes from rule evaluation; classes without action rules are
ignored. To succeed, the connection must pass the ipmax and connmax limits of all remaining
rules. On success, the first matching rule with a 'msg' or 'run' directive supplies the action.
On failure, the first rule whose limits were exceeded becomes the failing rule and its 'failmsg'
or 'failrun' supplies the action; with neither, the connection is dropped without any visible
message, which conveniently requires no fork. In all cases, all matching rules with 'record'
messages have them evaluated and logged.

The 'see' directive chains one class's directives onto another, with the DEFAULT-REJECT,
DEFAULT-IPMAX, DEFAULT-CONNMAX and DEFAULTMSGS classes supplying failure-message fallbacks.
*/
package actions

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/markdingo/portnanny/internal/cfreader"
	"github.com/markdingo/portnanny/internal/conntrack"
	"github.com/markdingo/portnanny/internal/constants"
	"github.com/markdingo/portnanny/internal/hostinfo"
	"github.com/markdingo/portnanny/internal/msgs"
	"github.com/markdingo/portnanny/internal/rules"
)

// The kinds of arguments directives take.
type argKind int

const (
	noArg   argKind = iota // Nothing at all
	oneInt                 // A single integer
	aStr                   // The rest of the component, verbatim
	nullStr                // aStr but the empty string is fine too
	anEnv                  // A name and a value
	anArg                  // Exactly one word
)

// actArgs records what argument each directive takes and in the process defines the valid
// directives.
var actArgs = map[string]argKind{
	"reject": noArg, "drop": noArg, "quiet": noArg,
	"norepeatlog": noArg,
	"log":         nullStr,
	"ipmax":       oneInt, "connmax": oneInt,
	"run": aStr, "msg": aStr, "failrun": aStr, "failmsg": aStr,
	"faillog": aStr, "record": aStr,
	"see":    anArg,
	"setenv": anEnv, "subst": anEnv,
}

// ActionRule holds the directives of one action class. Most directives live in dirs with their
// canonical string value ("" for the no-argument ones); ipmax and connmax additionally keep
// their numeric values in nums. setenv and subst accumulate name/value pairs of their own.
type ActionRule struct {
	Name  string
	dirs  map[string]string
	nums  map[string]int
	env   map[string]string
	subst map[string]string
}

func newActionRule(name string) *ActionRule {
	return &ActionRule{
		Name: name,
		dirs: make(map[string]string), nums: make(map[string]int),
		env: make(map[string]string), subst: make(map[string]string),
	}
}

// has reports whether a plain directive is present.
func (t *ActionRule) has(name string) bool {
	_, ok := t.dirs[name]
	return ok
}

// String reproduces the rule with its directives in a consistent sorted order, which makes
// testing much easier.
func (t *ActionRule) String() string {
	var args []string
	keys := make([]string, 0, len(t.dirs))
	for k := range t.dirs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if len(t.dirs[k]) == 0 {
			args = append(args, k)
		} else {
			args = append(args, k+" "+t.dirs[k])
		}
	}
	args = append(args, sortedPairs("setenv", t.env)...)
	args = append(args, sortedPairs("subst", t.subst)...)

	return t.Name + ": " + strings.Join(args, " : ")
}

func sortedPairs(what string, m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s %s %s", what, k, m[k]))
	}

	return out
}

// doesFail tests one limit directive against the current connection load. Connection counting
// limits reached through a 'see' chain count against the base class, not the seen class, so the
// base rule comes along for the ride.
func (t *ActionRule) doesFail(tracker *conntrack.Tracker, hi *hostinfo.HostInfo, what string, cls *ActionRule) bool {
	if !t.has(what) {
		return false
	}
	if cls == nil {
		cls = t
	}
	switch what {
	case "reject":
		return true
	case "ipmax":
		return tracker.IPCount(hi.IP()) >= t.nums[what]
	default:
		return tracker.ClassCount(cls.Name) >= t.nums[what]
	}
}

// DoesFailAll returns the name of the first failing limit directive, or "".
func (t *ActionRule) DoesFailAll(tracker *conntrack.Tracker, hi *hostinfo.HostInfo) string {
	for _, what := range []string{"reject", "ipmax", "connmax"} {
		if t.doesFail(tracker, hi, what, nil) {
			return what
		}
	}

	return ""
}

// getValue validates and canonicalizes one directive argument.
func getValue(keyw, rest string) (string, int, error) {
	kind, ok := actArgs[keyw]
	if !ok {
		return "", 0, errors.New("unknown directive " + keyw)
	}
	rest = strings.Trim(rest, " \t")
	badArg := func() error {
		return errors.New("wrong number of arguments for directive " + keyw)
	}
	switch kind {
	case nullStr:
		return rest, 0, nil
	case noArg:
		if len(rest) > 0 {
			return "", 0, badArg()
		}
		return "", 0, nil
	}
	// Everything else requires an argument
	if len(rest) == 0 {
		return "", 0, badArg()
	}
	switch kind {
	case oneInt:
		n, err := strconv.Atoi(rest)
		if err != nil {
			return "", 0, badArg()
		}
		return strconv.Itoa(n), n, nil // Canonical form, not as written
	case aStr:
		return rest, 0, nil
	case anEnv:
		if len(strings.Fields(rest)) < 2 {
			return "", 0, badArg()
		}
		return rest, 0, nil
	case anArg:
		if len(strings.Fields(rest)) != 1 {
			return "", 0, badArg()
		}
		return rest, 0, nil
	}

	return "", 0, errors.New("internal error: unhandled argument kind for " + keyw)
}

// Directive components are separated by colons with whitespace on both sides, so that colons can
// appear inside message text.
var spaceColonRE = regexp.MustCompile(`[ \t]:[ \t]`)

// ParseLine parses one logical action line.
func ParseLine(line string, lineno int) (*ActionRule, error) {
	pos := strings.IndexAny(line, " \t")
	if pos < 0 {
		return nil, errors.New("too few elements in action")
	}
	name := line[:pos]
	rest := strings.Trim(line[pos:], " \t")
	if len(rest) == 0 {
		return nil, errors.New("too few elements in action")
	}
	if name[len(name)-1] != ':' {
		return nil, errors.New("class name does not end with a ':'")
	}
	t := newActionRule(name[:len(name)-1])

	for _, comp := range spaceColonRE.Split(rest, -1) {
		comp = strings.Trim(comp, " \t")
		keyw := comp
		val := ""
		if pos := strings.IndexAny(comp, " \t"); pos >= 0 {
			keyw = comp[:pos]
			val = comp[pos+1:]
		}
		sval, nval, err := getValue(keyw, val)
		if err != nil {
			return nil, err
		}
		switch keyw {
		case "setenv", "subst":
			m := t.env
			if keyw == "subst" {
				m = t.subst
			}
			pos := strings.IndexAny(sval, " \t")
			vname := sval[:pos]
			if _, ok := m[vname]; ok {
				return nil, errors.New(keyw + " of variable more than once: " + vname)
			}
			m[vname] = strings.TrimLeft(sval[pos:], " \t")
		default:
			if t.has(keyw) {
				return nil, errors.New("multiple specification of directive " + keyw)
			}
			t.dirs[keyw] = sval
			if actArgs[keyw] == oneInt {
				t.nums[keyw] = nval
			}
		}
	}

	if t.has("msg") && t.has("run") {
		return nil, errors.New("cannot specify both msg and run in one action")
	}
	if t.has("failmsg") && t.has("failrun") {
		return nil, errors.New("cannot specify both failmsg and failrun in one action")
	}

	return t, nil
}

// Act is the final output of action evaluation: what to log, what to do and the extra
// environment for anything that runs. What is one of msg/run/failmsg/failrun, or "" when nothing
// visible happens to the connection (it is simply dropped after logging).
type Act struct {
	LogMsgs   []string
	Env       map[string]string
	What      string
	ArgString string
	ArgList   []string
}

// The failure-message fallback classes, per failure type.
var defFailClasses = func() map[string][]string {
	c := constants.Get()
	return map[string][]string{
		"reject":  {c.DefaultRejectClass, c.DefaultMsgsClass},
		"ipmax":   {c.DefaultIPMaxClass, c.DefaultMsgsClass},
		"connmax": {c.DefaultConnMaxClass, c.DefaultMsgsClass},
	}
}()

func builtinFailMsg(fail string) string {
	c := constants.Get()
	if fail == "reject" {
		return c.LogReject
	}
	return c.LogLimits
}

// ActRules is the loaded actions file: one ActionRule per class.
type ActRules struct {
	acts    map[string]*ActionRule
	lastLog string // For norepeatlog
	substOn bool
}

func newActRules() *ActRules {
	return &ActRules{acts: make(map[string]*ActionRule), substOn: true}
}

func (t *ActRules) Len() int {
	return len(t.acts)
}

// Rule returns the action rule for a class, or nil.
func (t *ActRules) Rule(name string) *ActionRule {
	return t.acts[name]
}

// SetSubstitutions turns %(name)s message substitution on or off.
func (t *ActRules) SetSubstitutions(on bool) {
	t.substOn = on
}

// String reproduces the rules sorted by class name.
func (t *ActRules) String() string {
	names := t.ClassNames()
	sort.Strings(names)
	var sb strings.Builder
	for _, n := range names {
		sb.WriteString(t.acts[n].String())
		sb.WriteByte('\n')
	}

	return sb.String()
}

func (t *ActRules) add(ar *ActionRule) error {
	if _, ok := t.acts[ar.Name]; ok {
		return errors.New("duplicate class line for class " + ar.Name)
	}
	t.acts[ar.Name] = ar

	return nil
}

// ClassNames returns the classes with action rules, in no particular order.
func (t *ActRules) ClassNames() []string {
	names := make([]string, 0, len(t.acts))
	for n := range t.acts {
		names = append(names, n)
	}

	return names
}

// getSeeList follows 'see' directives recursively, guarding against loops. With a failure type
// it appends the DEFAULT-* and DEFAULTMSGS fallbacks that exist.
func (t *ActRules) getSeeList(ac *ActionRule, ftype string) ([]*ActionRule, error) {
	list := []*ActionRule{ac}
	if ac.has("see") {
		seen := map[*ActionRule]bool{ac: true}
		cur := ac
		for cur.has("see") {
			name := cur.dirs["see"]
			next, ok := t.acts[name]
			if !ok {
				return nil, fmt.Errorf("class %s says to see class '%s', but there is no such class", cur.Name, name)
			}
			if seen[next] {
				return nil, fmt.Errorf("see loop in %s: saw %s again", ac.Name, next.Name)
			}
			seen[next] = true
			list = append(list, next)
			cur = next
		}
	}
	if len(ftype) > 0 {
		for _, name := range defFailClasses[ftype] {
			if d, ok := t.acts[name]; ok {
				list = append(list, d)
			}
		}
	}

	return list, nil
}

// getAttrSource returns the first rule in a see chain carrying a directive, or nil. See chains
// were validated at load time so the list cannot fail here.
func (t *ActRules) getAttrSource(ac *ActionRule, attr, ftype string) *ActionRule {
	list, err := t.getSeeList(ac, ftype)
	if err != nil {
		return nil
	}
	for _, a := range list {
		if a.has(attr) {
			return a
		}
	}

	return nil
}

func (t *ActRules) getAttr(ac *ActionRule, attr, ftype string) (string, bool) {
	if src := t.getAttrSource(ac, attr, ftype); src != nil {
		return src.dirs[attr], true
	}

	return "", false
}

// tryToFail checks whether any matched rule's limits reject this connection, following see
// chains. 'c1: see c2 : ipmax 20' with 'c2: ipmax 0' passes while the IP count is under 20, so a
// limit passed at one level is not re-checked further up the chain. There is no way to pass a
// 'reject' so that one is checked all the way up.
func (t *ActRules) tryToFail(tracker *conntrack.Tracker, hi *hostinfo.HostInfo, mrlist []*rules.Rule) (string, *rules.Rule) {
	for _, mr := range mrlist {
		ar := t.acts[mr.Class]
		tsts := []string{"reject", "ipmax", "connmax"}
		list, _ := t.getSeeList(ar, "")
		for _, a := range list {
			remaining := tsts[:0:0]
			for _, tst := range tsts {
				if !a.has(tst) {
					remaining = append(remaining, tst)
					continue
				}
				if a.doesFail(tracker, hi, tst, ar) {
					return tst, mr
				}
				// Passed here; no need to check it further up the chain
			}
			tsts = remaining
		}
	}

	return "", nil
}

// findFirstAction finds the first matched rule with something to do. 'drop' counts as a success
// and must be checked first since it can be combined with msg or run.
func (t *ActRules) findFirstAction(mrlist []*rules.Rule) (*rules.Rule, string) {
	for _, mr := range mrlist {
		list, _ := t.getSeeList(t.acts[mr.Class], "")
		for _, a := range list {
			for _, what := range []string{"drop", "msg", "run"} {
				if a.has(what) {
					return mr, what
				}
			}
		}
	}

	return nil, ""
}

// getFailAction finds the fail action and the rule supplying it. failrun specifically does not
// default, so the fallback classes are only consulted for failmsg; the walk stops at the first
// fallback-only entry.
func (t *ActRules) getFailAction(ac *ActionRule, ftype string) (*ActionRule, string) {
	n1, _ := t.getSeeList(ac, "")
	n2, _ := t.getSeeList(ac, ftype)
	inChain := make(map[*ActionRule]bool, len(n1))
	for _, a := range n1 {
		inChain[a] = true
	}
	for _, a := range n2 {
		if a.has("failmsg") {
			return a, "failmsg"
		}
		if !inChain[a] {
			break
		}
		if a.has("failrun") {
			return a, "failrun"
		}
	}

	return ac, ""
}

func (t *ActRules) format(msg string, hi *hostinfo.HostInfo, cls *rules.Rule, sdict, extra map[string]string) (string, error) {
	if !t.substOn {
		return msg, nil
	}
	s, err := msgs.Format(msg, hi, cls, sdict, extra)
	if err != nil {
		return "", fmt.Errorf("cannot format the string: %s: %w", msg, err)
	}

	return s, nil
}

// genDictFrom accumulates a dictionary from the setenv or subst pairs of a see chain, formatting
// values on the way and never letting later entries replace earlier ones. dct doubles as the
// sdict for formatting, so seen classes can use substitutions from the levels that see them.
func (t *ActRules) genDictFrom(dct map[string]string, ac *ActionRule, attr string, hi *hostinfo.HostInfo, actmatch *rules.Rule, sdict map[string]string) error {
	list, _ := t.getSeeList(ac, "")
	for _, a := range list {
		m := a.env
		if attr == "subst" {
			m = a.subst
		}
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if _, ok := dct[k]; ok {
				continue
			}
			v, err := t.format(m[k], hi, actmatch, sdict, nil)
			if err != nil {
				return err
			}
			dct[k] = v
		}
	}

	return nil
}

// GenAction evaluates the matched rules against the current connection load and produces the
// Act, or nil when nothing at all is to be done.
func (t *ActRules) GenAction(tracker *conntrack.Tracker, hi *hostinfo.HostInfo, matched []*rules.Rule) (*Act, error) {
	// Matched classes without action rules can occur in setups using the class: matcher to
	// simplify life; drop them.
	var mrlist []*rules.Rule
	for _, mr := range matched {
		if _, ok := t.acts[mr.Class]; ok {
			mrlist = append(mrlist, mr)
		}
	}
	if len(mrlist) == 0 {
		return nil, nil
	}

	fail, actmatch := t.tryToFail(tracker, hi, mrlist)
	what := ""
	if actmatch == nil {
		actmatch, what = t.findFirstAction(mrlist)
	}

	var reclist []*rules.Rule
	for _, mr := range mrlist {
		if t.getAttrSource(t.acts[mr.Class], "record", "") != nil {
			reclist = append(reclist, mr)
		}
	}

	if actmatch == nil && len(reclist) == 0 {
		return nil, nil
	}

	act := &Act{Env: make(map[string]string)}
	for _, mr := range reclist {
		msg, _ := t.getAttr(t.acts[mr.Class], "record", "")
		fmsg, err := t.format(msg, hi, mr, nil, nil)
		if err != nil {
			return nil, err
		}
		act.LogMsgs = append(act.LogMsgs, fmsg)
	}
	// With no terminal rule all that happens is the record logging
	if actmatch == nil {
		return act, nil
	}

	ac := t.acts[actmatch.Class]
	sdict := make(map[string]string)
	if err := t.genDictFrom(sdict, ac, "subst", hi, actmatch, sdict); err != nil {
		return nil, err
	}

	// Pick the right bits for logging success or failure
	lmsg := ""
	var err error
	if len(fail) == 0 {
		lfmt := ""
		if r := t.getAttrSource(ac, "log", ""); r != nil {
			lfmt = r.dirs["log"]
			if len(lfmt) == 0 {
				lfmt = constants.Get().LogConnect
			}
		}
		if len(lfmt) > 0 {
			lmsg, err = t.format(lfmt, hi, actmatch, sdict, nil)
			if err != nil {
				return nil, err
			}
		}
	} else {
		lfmt := ""
		if t.getAttrSource(ac, "quiet", "") != nil {
			lfmt, _ = t.getAttr(ac, "faillog", "")
		} else {
			lfmt, _ = t.getAttr(ac, "faillog", fail)
			if len(lfmt) == 0 {
				lfmt = builtinFailMsg(fail)
			}
		}
		if len(lfmt) > 0 {
			lmsg, err = t.format(lfmt, hi, actmatch, sdict, map[string]string{"limit": fail})
			if err != nil {
				return nil, err
			}
		}
	}
	// norepeatlog suppresses consecutive duplicates of the log/faillog message
	if len(lmsg) > 0 {
		if !(t.getAttrSource(ac, "norepeatlog", "") != nil && lmsg == t.lastLog) {
			act.LogMsgs = append(act.LogMsgs, lmsg)
		}
		t.lastLog = lmsg
	}

	// Decide what actually happens. Because of fail message defaulting the rule supplying the
	// action's argument may not be the matched rule's own.
	msgA := ac
	atr := ""
	if len(fail) > 0 {
		msgA, atr = t.getFailAction(ac, fail)
	} else if what != "drop" {
		msgA = t.getAttrSource(ac, what, "")
		atr = what
	}

	if len(atr) > 0 {
		act.What = atr
		act.ArgString, err = t.format(msgA.dirs[atr], hi, actmatch, sdict, nil)
		if err != nil {
			return nil, err
		}
		if atr == "run" || atr == "failrun" {
			// Arguments split before substitution, so substituted values
			// cannot change the argument count
			for _, arg := range strings.Fields(msgA.dirs[atr]) {
				farg, err := t.format(arg, hi, actmatch, sdict, nil)
				if err != nil {
					return nil, err
				}
				act.ArgList = append(act.ArgList, farg)
			}
		}
	}

	if err := t.genDictFrom(act.Env, ac, "setenv", hi, actmatch, sdict); err != nil {
		return nil, err
	}

	return act, nil
}

// checkConsist validates 'see' chains: no loops and no sees of nonexistent classes. This cannot
// happen before end of file since there is no define-before-see requirement.
func (t *ActRules) checkConsist() error {
	for _, ar := range t.acts {
		if _, err := t.getSeeList(ar, ""); err != nil {
			return err
		}
	}

	return nil
}

// FromReader parses an entire actions file.
func FromReader(r io.Reader, fname string) (*ActRules, error) {
	t := newActRules()
	err := cfreader.Apply(r, fname, func(line string, lineno int) error {
		ar, err := ParseLine(line, lineno)
		if err != nil {
			return err
		}
		return t.add(ar)
	})
	if err != nil {
		return nil, err
	}
	if err := t.checkConsist(); err != nil {
		return nil, fmt.Errorf("error loading %s: %w", fname, err)
	}

	return t, nil
}

// FromFile is FromReader on a named file.
func FromFile(fname string) (*ActRules, error) {
	fp, err := os.Open(fname)
	if err != nil {
		return nil, fmt.Errorf("cannot open %s: %w", fname, err)
	}
	defer fp.Close()

	return FromReader(fp, fname)
}
