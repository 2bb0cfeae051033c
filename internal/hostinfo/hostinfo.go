/*
Package hostinfo looks up and caches 'host information', mostly about the remote end of a TCP
connection. Everything expensive - reverse DNS, forward DNS, identd, connection probes - is only
looked up when first asked for and the answer is cached for the life of the HostInfo, which is the
life of one connection decision. Matchers ask a HostInfo questions; the HostInfo never volunteers
anything.

The lookup services themselves are supplied as small interfaces so tests can substitute canned
tables for the real DNS and identd clients.
*/
package hostinfo

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/markdingo/portnanny/internal/constants"
	"github.com/markdingo/portnanny/internal/netblock"
)

// Hostname verification states. There are exactly four:
//
//	unknown      - no name is known for the IP address
//	noforward    - there is a name but it does not exist in the DNS
//	addrmismatch - there is a name but its addresses do not include the IP address
//	good         - the name and IP information exists and is consistent
const (
	HNUnknown      = "unknown"
	HNNoForward    = "noforward"
	HNAddrMismatch = "addrmismatch"
	HNGood         = "good"
)

// Resolver is the DNS lookup service. Both lookups return an empty list with no error for a
// definitive "no such data" answer; errors mean we could not find out, which callers here treat
// identically.
type Resolver interface {
	LookupAddr(ip string) ([]string, error)
	LookupHost(name string) ([]string, error)
}

// IdentClient asks the remote identd who owns a connection. An empty return means nobody knows.
type IdentClient interface {
	UserID(remoteIP string, remotePort int, localIP string, localPort int) string
}

// Prober answers whether the remote host accepts connections on a port.
type Prober interface {
	CanConnect(ip string, port int) bool
}

// Times is the first/last connection time service.
type Times interface {
	Touch(ip string, now time.Time) (sinceFirst, sinceLast time.Duration, seen bool)
}

// DialProber is the real Prober: a bounded TCP connect. The connect either completes within the
// timeout or the answer is no; a host discarding packets must not stall a connection decision.
type DialProber struct {
	Timeout time.Duration
}

// CanConnect meets the Prober interface.
func (t *DialProber) CanConnect(ip string, port int) bool {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = constants.Get().ProbeTimeout
	}
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(ip, strconv.Itoa(port)), timeout)
	if err != nil {
		return false
	}
	conn.Close()

	return true
}

// Deps collects the lookup services a HostInfo draws on. The dispatcher builds one Deps and
// shares it across every connection.
type Deps struct {
	Resolver Resolver
	Ident    IdentClient
	Prober   Prober
	Times    Times
}

// HostInfo aggregates cached information about one connection. It is used by a single worker
// go-routine and is not safe for concurrent use.
type HostInfo struct {
	deps Deps

	remoteIP   string
	remotePort int
	localIP    string
	localPort  int

	ripN     uint32 // Memoized numeric forms
	ripNOK   bool
	ripNDone bool
	lipN     uint32
	lipNOK   bool
	lipNDone bool
	revIP    string

	hnDone    bool // Reverse/forward DNS memo
	hnStatus  string
	hostname  string // Verified name; empty unless status is good
	claimedHN string // Whatever the PTR said, verified or not
	hostnameL string
	claimedL  string

	idDone bool
	identd string

	timeDone   bool
	seen       bool
	sinceFirst time.Duration
	sinceLast  time.Duration

	classes []string

	ansCache map[int]bool
	lupCache map[string][]string
}

// New constructs a HostInfo for a connection from remoteIP:remotePort to localIP:localPort.
func New(deps Deps, localIP string, localPort int, remoteIP string, remotePort int) *HostInfo {
	return &HostInfo{
		deps:       deps,
		remoteIP:   remoteIP,
		remotePort: remotePort,
		localIP:    localIP,
		localPort:  localPort,
		ansCache:   make(map[int]bool),
		lupCache:   make(map[string][]string),
	}
}

// FromConn constructs a HostInfo from a connected TCP socket.
func FromConn(deps Deps, conn net.Conn) *HostInfo {
	local, ok := conn.LocalAddr().(*net.TCPAddr)
	remote, ok2 := conn.RemoteAddr().(*net.TCPAddr)
	if !ok || !ok2 {
		return nil
	}

	return New(deps, local.IP.String(), local.Port, remote.IP.String(), remote.Port)
}

func (t *HostInfo) IP() string {
	return t.remoteIP
}

func (t *HostInfo) LocalIP() string {
	return t.localIP
}

// RemotePort and LocalPort are strings because everything they are compared against or
// substituted into is a string.
func (t *HostInfo) RemotePort() string {
	return strconv.Itoa(t.remotePort)
}

func (t *HostInfo) LocalPort() string {
	return strconv.Itoa(t.localPort)
}

// IPNum returns the remote address in packed numeric form. ok is false for anything that is not
// an IPv4 address.
func (t *HostInfo) IPNum() (uint32, bool) {
	if !t.ripNDone {
		t.ripNDone = true
		n, err := netblock.StrToIP(t.remoteIP)
		t.ripN, t.ripNOK = n, err == nil
	}

	return t.ripN, t.ripNOK
}

// LocalIPNum is IPNum for the local address.
func (t *HostInfo) LocalIPNum() (uint32, bool) {
	if !t.lipNDone {
		t.lipNDone = true
		n, err := netblock.StrToIP(t.localIP)
		t.lipN, t.lipNOK = n, err == nil
	}

	return t.lipN, t.lipNOK
}

// RevIP returns the remote address with its octets reversed, ready for DNSBL lookups. Cached
// since we have to build it somewhere anyway.
func (t *HostInfo) RevIP() string {
	if len(t.revIP) == 0 {
		parts := strings.Split(t.remoteIP, ".")
		for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
			parts[i], parts[j] = parts[j], parts[i]
		}
		t.revIP = strings.Join(parts, ".")
	}

	return t.revIP
}

// fillHN determines the name of the remote address as paranoidly as possible.
func (t *HostInfo) fillHN() {
	if t.hnDone {
		return
	}
	t.hnDone = true
	t.hnStatus = HNUnknown

	names, err := t.deps.Resolver.LookupAddr(t.remoteIP)
	if err != nil || len(names) == 0 {
		return
	}
	revName := names[0]
	t.claimedHN = revName
	t.claimedL = strings.ToLower(revName)

	// A PTR can technically point at an address literal, which forward-resolves to itself and
	// would otherwise sail through the consistency check below.
	if _, err := netblock.StrToIP(revName); err == nil {
		t.hnStatus = HNNoForward
		return
	}
	ips, err := t.deps.Resolver.LookupHost(revName)
	if err != nil || len(ips) == 0 {
		t.hnStatus = HNNoForward
		return
	}
	for _, ip := range ips {
		if ip == t.remoteIP {
			t.hnStatus = HNGood
			t.hostname = revName
			t.hostnameL = t.claimedL
			return
		}
	}
	t.hnStatus = HNAddrMismatch
}

// HNStatus returns one of the four hostname verification states.
func (t *HostInfo) HNStatus() string {
	t.fillHN()
	return t.hnStatus
}

// Hostname returns the verified remote hostname, or "" when there isn't one.
func (t *HostInfo) Hostname() string {
	t.fillHN()
	return t.hostname
}

// ClaimedHostname returns whatever name the PTR lookup produced, verified or not. Matching
// against it is dangerous; the remote end controls it completely.
func (t *HostInfo) ClaimedHostname() string {
	t.fillHN()
	return t.claimedHN
}

func (t *HostInfo) HostnameLower() string {
	t.fillHN()
	return t.hostnameL
}

func (t *HostInfo) ClaimedHostnameLower() string {
	t.fillHN()
	return t.claimedL
}

// Identd returns what the remote identd claims, or "".
func (t *HostInfo) Identd() string {
	if !t.idDone {
		t.idDone = true
		t.identd = t.deps.Ident.UserID(t.remoteIP, t.remotePort, t.localIP, t.localPort)
	}

	return t.identd
}

func (t *HostInfo) fillTimes() {
	if t.timeDone {
		return
	}
	t.timeDone = true
	t.sinceFirst, t.sinceLast, t.seen = t.deps.Times.Touch(t.remoteIP, time.Now())
}

// FirstAge returns how long ago this IP was first seen; zero for a first-timer.
func (t *HostInfo) FirstAge() time.Duration {
	t.fillTimes()
	return t.sinceFirst
}

// LastAge returns how long ago this IP was previously seen. seen is false for a first-timer, who
// by definition has not been seen for an infinite time.
func (t *HostInfo) LastAge() (time.Duration, bool) {
	t.fillTimes()
	return t.sinceLast, t.seen
}

// SetTimes overrides the connection time memo. For testing.
func (t *HostInfo) SetTimes(sinceFirst, sinceLast time.Duration, seen bool) {
	t.timeDone = true
	t.sinceFirst = sinceFirst
	t.sinceLast = sinceLast
	t.seen = seen
}

// Classes returns the classes this connection has been placed in, in match order.
func (t *HostInfo) Classes() []string {
	return t.classes
}

// AddClass appends a class unless already present.
func (t *HostInfo) AddClass(cls string) {
	for _, have := range t.classes {
		if have == cls {
			return
		}
	}
	t.classes = append(t.classes, cls)
}

// AnswersOn reports whether the remote host accepts connections on a port. All connection stuff
// goes through us so the probe result can be cached.
func (t *HostInfo) AnswersOn(port int) bool {
	if answer, ok := t.ansCache[port]; ok {
		return answer
	}
	answer := t.deps.Prober.CanConnect(t.remoteIP, port)
	t.ansCache[port] = answer

	return answer
}

// HostIPs returns the addresses a hostname resolves to, with lookup failures cached as empty.
func (t *HostInfo) HostIPs(host string) []string {
	if ips, ok := t.lupCache[host]; ok {
		return ips
	}
	ips, err := t.deps.Resolver.LookupHost(host)
	if err != nil {
		ips = nil
	}
	if ips == nil {
		ips = []string{}
	}
	t.lupCache[host] = ips

	return ips
}

// Pretty produces a short human form of the connection: [identd@]hostname-or-ip. It only reports
// what has already been looked up; formatting a summary must never trigger network traffic.
func (t *HostInfo) Pretty(ipOnly bool) string {
	pref := ""
	if len(t.identd) > 0 {
		pref = t.identd + "@"
	}
	if !ipOnly && len(t.hostname) > 0 {
		return pref + t.hostname
	}

	return pref + t.remoteIP
}

// Info returns the substitution dictionary for message and log templates, based strictly on what
// is already known.
func (t *HostInfo) Info() map[string]string {
	d := make(map[string]string)
	d["ip"] = t.remoteIP
	d["remport"] = strconv.Itoa(t.remotePort)
	d["localip"] = t.localIP
	d["port"] = strconv.Itoa(t.localPort)
	if t.hnDone {
		d["hnstatus"] = t.hnStatus
		if len(t.claimedHN) > 0 {
			d["claimedhn"] = t.claimedHN
		}
	}
	if len(t.hostname) > 0 {
		d["hostname"] = t.hostname
	} else {
		d["hostname"] = t.remoteIP
	}
	if len(t.identd) > 0 {
		d["identd"] = t.identd
	}
	if t.timeDone {
		d["seensince"] = strconv.Itoa(int(t.sinceFirst / time.Second))
		if t.seen {
			d["lastseen"] = strconv.Itoa(int(t.sinceLast / time.Second))
		}
	}
	d["connsum"] = t.Pretty(false)
	d["connipsum"] = t.Pretty(true)

	return d
}
