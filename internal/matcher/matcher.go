/*
Package matcher supplies all of the basic matching of various characteristics of a connection's
HostInfo, via a collection of terminal types for the expression parser. Characteristics are
generally expressed in a way broadly similar to tcpwrappers, but include things such as regexps
on the remote hostname, DNSBL lookups and information on previous connections from the same IP.

Matchers may take a required argument, in which case their name (as listed in Info) has a ':' at
the end, or they may take none. The simplest no-argument matcher is ALL.
*/
package matcher

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/markdingo/portnanny/internal/hostinfo"
	"github.com/markdingo/portnanny/internal/netblock"
	"github.com/markdingo/portnanny/internal/parseutil"
	"github.com/markdingo/portnanny/internal/ruleparse"

	"golang.org/x/net/idna"
)

// ALL matches everything.
type allMatch struct{}

func (t *allMatch) Eval(hi *hostinfo.HostInfo) bool { return true }
func (t *allMatch) String() string                  { return "ALL" }

func newAll(mm *Memos, name, val string) (ruleparse.Expr, error) {
	return &allMatch{}, nil
}

// Match against identd data. As 'identd:' we get an argument; as bare 'IDENTD' we do not and any
// non-empty answer matches.
type identdMatch struct {
	desired string
}

func (t *identdMatch) Eval(hi *hostinfo.HostInfo) bool {
	r := hi.Identd()
	if len(r) == 0 {
		return false
	}
	if len(t.desired) > 0 {
		return r == t.desired
	}

	return true
}

func (t *identdMatch) String() string {
	if len(t.desired) > 0 {
		return "identd: " + t.desired
	}
	return "IDENTD"
}

func newIdentd(mm *Memos, name, val string) (ruleparse.Expr, error) {
	return &identdMatch{desired: val}, nil
}

// Match against the local host and port.
type localMatch struct {
	host, port string
}

func (t *localMatch) Eval(hi *hostinfo.HostInfo) bool {
	if len(t.port) > 0 && t.port != hi.LocalPort() {
		return false
	}
	if len(t.host) > 0 && t.host != hi.LocalIP() {
		return false
	}

	return true
}

func (t *localMatch) String() string {
	return fmt.Sprintf("local: %s@%s", t.port, t.host)
}

func newLocal(mm *Memos, name, val string) (ruleparse.Expr, error) {
	host, port, ok := parseutil.GetHostPort(val)
	if !ok {
		return nil, errors.New("bad local: values")
	}

	return &localMatch{host: host, port: port}, nil
}

// Match against the hostname verification status. Takes either tcpwrappers style arguments
// (KNOWN, UNKNOWN, PARANOID) or our specific status names.
var hnStates = map[string][]string{
	"KNOWN":        {hostinfo.HNGood},
	"UNKNOWN":      {hostinfo.HNUnknown},
	"PARANOID":     {hostinfo.HNNoForward, hostinfo.HNAddrMismatch},
	"good":         {hostinfo.HNGood},
	"unknown":      {hostinfo.HNUnknown},
	"addrmismatch": {hostinfo.HNAddrMismatch},
	"noforward":    {hostinfo.HNNoForward},
}

type hnStatusMatch struct {
	name   string
	states []string
}

func (t *hnStatusMatch) Eval(hi *hostinfo.HostInfo) bool {
	status := hi.HNStatus()
	for _, s := range t.states {
		if s == status {
			return true
		}
	}

	return false
}

func (t *hnStatusMatch) String() string {
	return "hnstatus: " + t.name
}

func newHNStatus(mm *Memos, name, val string) (ruleparse.Expr, error) {
	if len(val) == 0 { // Bare KNOWN/UNKNOWN/PARANOID aliases
		val = name
	}
	states, ok := hnStates[val]
	if !ok {
		return nil, errors.New("unrecognized hostname state")
	}

	return &hnStatusMatch{name: val, states: states}, nil
}

// IP addresses are complicated because three different matches are supported: literal IP
// addresses, CIDR netblocks or ranges through the netblock code, and tcpwrappers style shortened
// prefix forms such as '128.100.'.

const ipAddrChars = "0123456789./-"

func validIPAddr(val string) bool {
	if len(val) == 0 || val[0] == '.' {
		return false
	}
	for i := 0; i < len(val); i++ {
		if !strings.ContainsRune(ipAddrChars, rune(val[i])) {
			return false
		}
	}

	return true
}

// validatePrefix knows it is called on a string ending in '.' containing only digits and dots.
func validatePrefix(val string) error {
	octets := strings.Split(val, ".")
	octets = octets[:len(octets)-1]
	if len(octets) == 0 || len(octets) > 3 {
		return errors.New("bad IP address specifier")
	}
	for _, o := range octets {
		if len(o) == 0 {
			return errors.New("empty IP octet")
		}
		i, err := strconv.Atoi(o)
		if err != nil || i < 0 || i > 255 {
			return errors.New("bad IP octet")
		}
	}

	return nil
}

// ipPrefToCIDR converts a prefix IP address (with a '.' on the end) to a CIDR in string form.
// The string passed validation earlier so it is in a very predictable format.
func ipPrefToCIDR(val string) string {
	return fmt.Sprintf("%s/%d", val[:len(val)-1], 8*strings.Count(val, "."))
}

type ipAddrMatch struct {
	cname  string   // "ip:" or "localip:"; only like matchers merge
	names  []string // Arguments as written, for String() and the compile key
	prefix string   // Single-prefix fast path; empty once merged or compiled
	nb     *netblock.IPRanges
	memos  *Memos // Carried from construction to Finalize
	local  bool
}

func (t *ipAddrMatch) ipS(hi *hostinfo.HostInfo) string {
	if t.local {
		return hi.LocalIP()
	}
	return hi.IP()
}

func (t *ipAddrMatch) ipN(hi *hostinfo.HostInfo) (uint32, bool) {
	if t.local {
		return hi.LocalIPNum()
	}
	return hi.IPNum()
}

func (t *ipAddrMatch) Eval(hi *hostinfo.HostInfo) bool {
	if len(t.prefix) > 0 { // Prefix ends with a dot so a plain string match is safe
		return strings.HasPrefix(t.ipS(hi), t.prefix)
	}
	n, ok := t.ipN(hi)
	if !ok {
		return false
	}

	return t.nb.Contains(n)
}

// String regenerates a fake OR list so a merged matcher round-trips through the parser.
func (t *ipAddrMatch) String() string {
	parts := make([]string, 0, len(t.names))
	for _, name := range t.names {
		parts = append(parts, t.cname+" "+name)
	}

	return strings.Join(parts, " ")
}

// Merge supports the OR list parser gloming adjacent address matchers into one netblock set.
func (t *ipAddrMatch) Merge(other ruleparse.Expr) bool {
	o, ok := other.(*ipAddrMatch)
	if !ok || o.cname != t.cname {
		return false
	}
	t.prefix = ""
	t.names = append(t.names, o.names...)

	return true
}

func (t *ipAddrMatch) Finalize() error {
	if len(t.names) == 1 && len(t.prefix) > 0 { // Lone prefix stays a string match
		return nil
	}
	nb, err := t.memos.compileRanges(t.names)
	if err != nil {
		return err
	}
	t.nb = nb
	t.prefix = ""

	return nil
}

func newIPAddr(mm *Memos, name, val string) (ruleparse.Expr, error) {
	if !validIPAddr(val) {
		return nil, errors.New("bad characters in IP address match " + val)
	}
	t := &ipAddrMatch{cname: name, local: name == "localip:", names: []string{val}, memos: mm}
	if !strings.ContainsAny(val, "/-") && strings.HasSuffix(val, ".") {
		if err := validatePrefix(val); err != nil {
			return nil, err
		}
		t.prefix = val
	}
	// Full addresses, CIDRs and ranges are validated at finalization

	return t, nil
}

// Hostnames: either full names or '.suffix' forms. '.foobar' matches both 'nnn.foobar' and, for
// historical tcpwrappers compatibility, 'foobar' itself. Under some mental protest '_' is
// accepted as a valid hostname character since it is in common usage. Names with non-ASCII
// characters are converted to their IDNA form before matching.

const hostNameChars = "abcdefghijklmnopqrstuvwxyz0123456789.-_"

func validHostname(hn string) bool {
	if len(hn) == 0 || hn == "." {
		return false
	}
	for i := 0; i < len(hn); i++ {
		if !strings.ContainsRune(hostNameChars, rune(hn[i])) {
			return false
		}
	}

	return true
}

func normalizeHostname(val string) (string, error) {
	val = strings.ToLower(val)
	for i := 0; i < len(val); i++ {
		if val[i] >= 0x80 {
			ascii, err := idna.Lookup.ToASCII(val)
			if err != nil {
				return "", errors.New("bad hostname: " + val)
			}
			return ascii, nil
		}
	}

	return val, nil
}

type hostnameMatch struct {
	cname   string
	host    string // Matched against the literal hostname
	hostEnd string // Matched against the end of the hostname; set only for '.suffix' forms
	claimed bool
}

func (t *hostnameMatch) hn(hi *hostinfo.HostInfo) string {
	if t.claimed {
		return hi.ClaimedHostnameLower()
	}
	return hi.HostnameLower()
}

func (t *hostnameMatch) Eval(hi *hostinfo.HostInfo) bool {
	hn := t.hn(hi)
	if len(hn) == 0 {
		return false
	}
	if len(t.hostEnd) > 0 {
		return strings.HasSuffix(hn, t.hostEnd) || hn == t.host
	}

	return hn == t.host
}

func (t *hostnameMatch) String() string {
	if len(t.hostEnd) > 0 {
		return t.cname + " " + t.hostEnd
	}
	return t.cname + " " + t.host
}

func newHostname(mm *Memos, name, val string) (ruleparse.Expr, error) {
	val, err := normalizeHostname(val)
	if err != nil {
		return nil, err
	}
	if !validHostname(val) {
		return nil, errors.New("bad hostname: " + val)
	}
	t := &hostnameMatch{cname: name, claimed: name == "claimedhn:"}
	if val[0] == '.' {
		t.hostEnd = val
		t.host = val[1:]
	} else {
		t.host = val
	}

	return t, nil
}

type classMatch struct {
	cls string
}

func (t *classMatch) Eval(hi *hostinfo.HostInfo) bool {
	for _, cls := range hi.Classes() {
		if cls == t.cls {
			return true
		}
	}

	return false
}

func (t *classMatch) String() string {
	return "class: " + t.cls
}

func newClass(mm *Memos, name, val string) (ruleparse.Expr, error) {
	return &classMatch{cls: val}, nil
}

// Regular expressions turn out to be pretty easy. Matching is unanchored and case insensitive.
type reMatch struct {
	cname   string
	pattern string
	rexp    *regexp.Regexp
	claimed bool
}

func (t *reMatch) Eval(hi *hostinfo.HostInfo) bool {
	var hn string
	if t.claimed {
		hn = hi.ClaimedHostname()
	} else {
		hn = hi.Hostname()
	}
	if len(hn) == 0 {
		return false
	}

	return t.rexp.MatchString(hn)
}

func (t *reMatch) String() string {
	return fmt.Sprintf("%s '%s'", t.cname, t.pattern)
}

func newRE(mm *Memos, name, val string) (ruleparse.Expr, error) {
	rexp, err := mm.compileRE(val)
	if err != nil {
		return nil, fmt.Errorf("bad regexp '%s': %w", val, err)
	}

	return &reMatch{cname: name, pattern: val, rexp: rexp, claimed: name == "claimedre:"}, nil
}

// Matches based on the *forward* hostname to IP address mapping, as opposed to the reverse.
// 'forwhn: foobar' matches if the connection comes from one of the addresses foobar resolves to,
// irregardless of their reverse mappings.
type forwhnMatch struct {
	host string
}

func (t *forwhnMatch) Eval(hi *hostinfo.HostInfo) bool {
	ip := hi.IP()
	for _, i := range hi.HostIPs(t.host) {
		if i == ip {
			return true
		}
	}

	return false
}

func (t *forwhnMatch) String() string {
	return "forwhn: " + t.host
}

func newForwhn(mm *Memos, name, val string) (ruleparse.Expr, error) {
	val, err := normalizeHostname(val)
	if err != nil {
		return nil, err
	}
	if !validHostname(val) {
		return nil, errors.New("bad forwhn hostname: " + val)
	}

	return &forwhnMatch{host: val}, nil
}

// Check an IP-based DNS blocklist. The optional /IP makes things only match if the DNSBL
// specifically returns that address on lookups. All lookups are address lookups, not TXT based.
type dnsblMatch struct {
	zone  string // With the '.' glued on the front
	ipVal string
}

func (t *dnsblMatch) Eval(hi *hostinfo.HostInfo) bool {
	ips := hi.HostIPs(hi.RevIP() + t.zone)
	if len(t.ipVal) == 0 {
		return len(ips) > 0
	}
	for _, i := range ips {
		if i == t.ipVal {
			return true
		}
	}

	return false
}

func (t *dnsblMatch) String() string {
	if len(t.ipVal) > 0 {
		return fmt.Sprintf("dnsbl: %s/%s", t.zone[1:], t.ipVal)
	}
	return "dnsbl: " + t.zone[1:]
}

func newDNSBl(mm *Memos, name, val string) (ruleparse.Expr, error) {
	if len(val) == 0 || val[0] == '/' || val[len(val)-1] == '/' {
		return nil, errors.New("bad position of / in dnsbl: argument")
	}
	pos := strings.IndexByte(val, '/')
	t := &dnsblMatch{}
	if pos >= 0 {
		t.zone = "." + val[:pos]
		t.ipVal = val[pos+1:]
		if !parseutil.IsIPAddr(t.ipVal) {
			return nil, errors.New("dnsbl: IP address portion isn't an IP address")
		}
	} else {
		t.zone = "." + val
	}

	return t, nil
}

type answersOnMatch struct {
	port int
}

func (t *answersOnMatch) Eval(hi *hostinfo.HostInfo) bool {
	return hi.AnswersOn(t.port)
}

func (t *answersOnMatch) String() string {
	return fmt.Sprintf("answerson: %d", t.port)
}

func newAnswersOn(mm *Memos, name, val string) (ruleparse.Expr, error) {
	port, err := strconv.Atoi(val)
	if err != nil {
		return nil, errors.New("not an integer: " + val)
	}
	if port < 0 || port > 65535 {
		return nil, errors.New("port number outside of OK range")
	}

	return &answersOnMatch{port: port}, nil
}

// These matchers operate based on the time of the first or the most recent connection from the
// remote IP.
type timedMatch struct {
	name string
	secs time.Duration
}

func (t *timedMatch) String() string {
	return fmt.Sprintf("%s %ds", t.name, int(t.secs/time.Second))
}

type waitedMatch struct{ timedMatch }

func (t *waitedMatch) Eval(hi *hostinfo.HostInfo) bool {
	return hi.FirstAge() > t.secs
}

type stallMatch struct{ timedMatch }

func (t *stallMatch) Eval(hi *hostinfo.HostInfo) bool {
	return hi.FirstAge() <= t.secs
}

// If this is the first connection we have by definition not seen them for an infinite time.
type lastSeenMatch struct{ timedMatch }

func (t *lastSeenMatch) Eval(hi *hostinfo.HostInfo) bool {
	last, seen := hi.LastAge()
	return seen && last <= t.secs
}

type notSeenForMatch struct{ timedMatch }

func (t *notSeenForMatch) Eval(hi *hostinfo.HostInfo) bool {
	last, seen := hi.LastAge()
	return !seen || last > t.secs
}

func newTimed(mm *Memos, name, val string) (ruleparse.Expr, error) {
	secs, err := parseutil.GetSecs(val)
	if err != nil {
		return nil, err
	}
	tm := timedMatch{name: name, secs: secs}
	switch name {
	case "waited:":
		return &waitedMatch{tm}, nil
	case "stallfor:":
		return &stallMatch{tm}, nil
	case "seenwithin:":
		return &lastSeenMatch{tm}, nil
	case "notseenfor:":
		return &notSeenForMatch{tm}, nil
	}

	return nil, errors.New("unknown timed matcher " + name)
}

type firstTimeMatch struct{}

func (t *firstTimeMatch) Eval(hi *hostinfo.HostInfo) bool {
	_, seen := hi.LastAge()
	return !seen
}

func (t *firstTimeMatch) String() string {
	return "firsttime"
}

func newFirstTime(mm *Memos, name, val string) (ruleparse.Expr, error) {
	return &firstTimeMatch{}, nil
}

// terminals is what the expression parser uses to match up matchers with arguments. Every maker
// takes the compilation memos; most ignore them.
type termMaker func(mm *Memos, name, val string) (ruleparse.Expr, error)

var terminals = map[string]termMaker{
	"ALL":    newAll,
	"local:": newLocal,

	// Hostname state and its aliases
	"hnstatus:": newHNStatus,
	"PARANOID":  newHNStatus,
	"KNOWN":     newHNStatus,
	"UNKNOWN":   newHNStatus,

	// General stuff
	"ip:":        newIPAddr,
	"localip:":   newIPAddr,
	"identd:":    newIdentd,
	"IDENTD":     newIdentd,
	"hostname:":  newHostname,
	"re:":        newRE,
	"forwhn:":    newForwhn,
	"dnsbl:":     newDNSBl,
	"answerson:": newAnswersOn,

	// Based on the age of the first or most recent connection from the IP address
	"stallfor:":   newTimed,
	"waited:":     newTimed,
	"seenwithin:": newTimed,
	"notseenfor:": newTimed,
	"firsttime":   newFirstTime,

	// This sort of doesn't belong here, but.
	"class:": newClass,

	// DANGER WILL ROBINSON. Matching on remote-controlled data can blow up in your face.
	"claimedhn:": newHostname,
	"claimedre:": newRE,
}

// Info meets the ruleparse.TermInfo interface for the full matcher set. Memos, which may be nil,
// is bound into every constructed terminal so compiled values are cached by whoever owns it.
type Info struct {
	Memos *Memos
}

func (t Info) Terminal(name string) (ruleparse.TermMaker, bool) {
	maker, ok := terminals[name]
	if !ok {
		return nil, false
	}
	mm := t.Memos

	return func(name, val string) (ruleparse.Expr, error) {
		return maker(mm, name, val)
	}, true
}

// DefaultTerm handles bare words: things that look like addresses become ip: matches, everything
// else is tried as a hostname.
func (t Info) DefaultTerm(word string) (ruleparse.Expr, error) {
	if validIPAddr(word) {
		return newIPAddr(t.Memos, "ip:", word)
	}

	return newHostname(t.Memos, "hostname:", word)
}
