/*
Package resolver performs the handful of DNS lookups the connection matchers need: PTR lookups of
remote addresses, address lookups of claimed hostnames and DNSBL queries (which are just address
lookups of constructed names). Lookups go directly to the name servers listed in resolv.conf via
miekg/dns rather than through the system stub so that every query is bounded by one total
wall-clock deadline; a decision about an incoming connection must never hang on a wedged name
server.
*/
package resolver

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/markdingo/portnanny/internal/constants"

	"github.com/miekg/dns"
)

const me = "resolver"

// sfx = Server Failure Index into the error counter array

type sfxInt int

const (
	sfxExchangeError sfxInt = iota
	sfxServerFail
	sfxRefused
	sfxOther
	sfxArraySize
)

// DNSClientExchanger is an interface which implements dns.Client.Exchange() - the only dns.Client
// method we use. It exists so a mock dns.Client can be supplied for testing.
type DNSClientExchanger interface {
	Exchange(query *dns.Msg, server string) (reply *dns.Msg, rtt time.Duration, err error)
}

func defaultNewDNSClientExchangerFunc(net string) DNSClientExchanger {
	return &dns.Client{Net: net}
}

// Config is passed to the New() constructor.
type Config struct {
	ResolvConfPath string
	Timeout        time.Duration // Total wall-clock allowance per lookup. Zero means the default.

	// Caller can create their own Exchangers on our behalf
	NewDNSClientExchangerFunc func(net string) DNSClientExchanger
}

// resolverStats is a separate struct so resetCounters() is a trivial struct copy.
type resolverStats struct {
	success  int
	nxDomain int
	failures [sfxArraySize]int
}

// Resolver issues deadline-bounded DNS queries. Safe for concurrent use.
type Resolver struct {
	config         Config
	resolverConfig *dns.ClientConfig
	servers        []string // host:port form ready for the exchanger

	mu       sync.Mutex // Protects everything below here
	lastGood int        // Index of the server which most recently answered
	resolverStats
}

// New is the constructor for a Resolver.
func New(config Config) (*Resolver, error) {
	t := &Resolver{config: config}
	if len(t.config.ResolvConfPath) == 0 {
		return nil, errors.New(me + ": Empty resolv.conf path is invalid")
	}
	var err error
	t.resolverConfig, err = dns.ClientConfigFromFile(t.config.ResolvConfPath)
	if err != nil {
		return nil, errors.New(me + ": " + err.Error())
	}
	if t.resolverConfig.Attempts <= 0 { // miekg/dns fixes bogus values but cheap to be sure
		t.resolverConfig.Attempts = 1
	}
	if t.config.Timeout <= 0 {
		t.config.Timeout = constants.Get().DNSTimeout
	}
	if t.config.NewDNSClientExchangerFunc == nil {
		t.config.NewDNSClientExchangerFunc = defaultNewDNSClientExchangerFunc
	}

	// Clean up the resolv.conf nameserver format to suit the Dial functions.
	for _, s := range t.resolverConfig.Servers {
		if strings.Contains(s, ":") { // If ipv6 wrap in [] so the port can be safely appended
			s = "[" + s + "]"
		}
		t.servers = append(t.servers, s+":"+t.resolverConfig.Port)
	}
	if len(t.servers) == 0 {
		return nil, errors.New(me + ": No name servers in " + t.config.ResolvConfPath)
	}

	return t, nil
}

func (t *Resolver) resetCounters() {
	t.resolverStats = resolverStats{}
}

// exchange runs the query against our servers, starting with whichever one answered last time,
// until one produces a usable reply or the deadline passes. A truncated UDP reply triggers one
// TCP retry of the same server; if that fails the truncated reply is returned as-is and the
// caller makes of it what they can.
func (t *Resolver) exchange(qName string, qType uint16) (*dns.Msg, error) {
	deadline := time.Now().Add(t.config.Timeout)
	query := new(dns.Msg)
	query.SetQuestion(qName, qType)
	exchanger := t.config.NewDNSClientExchangerFunc("")

	t.mu.Lock()
	startIX := t.lastGood
	t.mu.Unlock()

	maxAttempts := t.resolverConfig.Attempts * len(t.servers)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		serverIX := (startIX + attempt) % len(t.servers)
		server := t.servers[serverIX]
		reply, _, err := exchanger.Exchange(query, server)
		if err == nil && reply.Rcode == dns.RcodeSuccess && reply.Truncated {
			tcpExchanger := t.config.NewDNSClientExchangerFunc("tcp")
			if tcpReply, _, tcpErr := tcpExchanger.Exchange(query, server); tcpErr == nil &&
				tcpReply.Rcode == dns.RcodeSuccess {
				reply = tcpReply
			}
		}

		var sfx sfxInt = -1 // Worthy stats index if GE zero
		var iterate bool

		switch {
		case err != nil: // Packet exchange failed. Assume a network or server issue.
			sfx = sfxExchangeError
			iterate = true

		case reply.Rcode == dns.RcodeSuccess:
			iterate = false

		case reply.Rcode == dns.RcodeNameError: // NXDomain is actually a good return!
			iterate = false

		case reply.Rcode == dns.RcodeServerFailure: // Assume server-specific issue
			sfx = sfxServerFail
			iterate = true

		case reply.Rcode == dns.RcodeRefused: // Assume a server access control issue
			sfx = sfxRefused
			iterate = true

		default:
			sfx = sfxOther
			iterate = false
		}

		t.mu.Lock()
		if sfx >= 0 {
			t.failures[sfx]++
		}
		if !iterate {
			t.lastGood = serverIX
			if reply.Rcode == dns.RcodeNameError {
				t.nxDomain++
			} else {
				t.success++
			}
		}
		t.mu.Unlock()

		if !iterate {
			if sfx >= 0 {
				return nil, fmt.Errorf(me+": Query for %s returned %s",
					qName, dns.RcodeToString[reply.Rcode])
			}
			return reply, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf(me+": Query timeout for %s", qName)
		}
	}

	return nil, fmt.Errorf(me+": Query attempts exceeded for %s", qName)
}

// LookupAddr looks up the PTR names for an IP address. An address which verifiably has no PTR
// returns an empty list and no error; errors are reserved for not being able to find out.
func (t *Resolver) LookupAddr(ip string) ([]string, error) {
	qName, err := dns.ReverseAddr(ip)
	if err != nil {
		return nil, errors.New(me + ": " + err.Error())
	}
	reply, err := t.exchange(qName, dns.TypePTR)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, rr := range reply.Answer {
		if ptr, ok := rr.(*dns.PTR); ok {
			names = append(names, strings.TrimSuffix(ptr.Ptr, "."))
		}
	}

	return names, nil
}

// LookupHost looks up the IPv4 addresses for a hostname. A name which verifiably does not exist
// returns an empty list and no error. A dotless name is qualified with the resolv.conf search
// domains, first answer wins.
func (t *Resolver) LookupHost(name string) ([]string, error) {
	qNames := []string{dns.Fqdn(name)}
	if !strings.Contains(name, ".") && len(t.resolverConfig.Search) > 0 {
		qNames = nil
		for _, domain := range t.resolverConfig.Search {
			qNames = append(qNames, dns.Fqdn(name+"."+domain))
		}
	}

	for _, qName := range qNames {
		reply, err := t.exchange(qName, dns.TypeA)
		if err != nil {
			return nil, err
		}
		var addrs []string
		for _, rr := range reply.Answer {
			if a, ok := rr.(*dns.A); ok {
				addrs = append(addrs, a.A.String())
			}
		}
		if len(addrs) > 0 {
			return addrs, nil
		}
	}

	return nil, nil
}

// Name meets the reporter.Reporter interface.
func (t *Resolver) Name() string {
	return me
}

// Report meets the reporter.Reporter interface.
func (t *Resolver) Report(resetCounters bool) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := fmt.Sprintf("ok=%d nx=%d errs=%d (xch=%d srv=%d ref=%d other=%d)",
		t.success, t.nxDomain,
		t.failures[sfxExchangeError]+t.failures[sfxServerFail]+
			t.failures[sfxRefused]+t.failures[sfxOther],
		t.failures[sfxExchangeError], t.failures[sfxServerFail],
		t.failures[sfxRefused], t.failures[sfxOther])
	if resetCounters {
		t.resetCounters()
	}

	return s
}
