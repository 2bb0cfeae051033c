package resolver

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/miekg/dns"
)

func writeResolvConf(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "resolv.conf")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal("Could not write resolv.conf:", err)
	}
	return path
}

// mockExchanger replies from a canned table keyed by question name, records which servers were
// asked and can be told to fail for particular servers.
type mockExchanger struct {
	answers     map[string][]dns.RR
	rcodes      map[string]int
	failServers map[string]bool
	asked       []string
}

func (t *mockExchanger) Exchange(query *dns.Msg, server string) (*dns.Msg, time.Duration, error) {
	t.asked = append(t.asked, server)
	if t.failServers[server] {
		return nil, 0, errors.New("mock exchange failure")
	}
	qName := query.Question[0].Name
	reply := new(dns.Msg)
	reply.SetReply(query)
	if rcode, ok := t.rcodes[qName]; ok {
		reply.Rcode = rcode
		return reply, 0, nil
	}
	answers, ok := t.answers[qName]
	if !ok {
		reply.Rcode = dns.RcodeNameError
		return reply, 0, nil
	}
	reply.Answer = answers
	return reply, 0, nil
}

func newTestResolver(t *testing.T, resolvConf string, mock *mockExchanger) *Resolver {
	t.Helper()
	res, err := New(Config{
		ResolvConfPath: writeResolvConf(t, resolvConf),
		NewDNSClientExchangerFunc: func(net string) DNSClientExchanger {
			return mock
		},
	})
	if err != nil {
		t.Fatal("Unexpected New() error:", err)
	}
	return res
}

func ptrRR(t *testing.T, qName, target string) dns.RR {
	t.Helper()
	rr, err := dns.NewRR(qName + " 300 IN PTR " + target)
	if err != nil {
		t.Fatal("Bad PTR RR:", err)
	}
	return rr
}

func aRR(t *testing.T, qName, ip string) dns.RR {
	t.Helper()
	rr, err := dns.NewRR(qName + " 300 IN A " + ip)
	if err != nil {
		t.Fatal("Bad A RR:", err)
	}
	return rr
}

func TestNewErrors(t *testing.T) {
	_, err := New(Config{})
	if err == nil {
		t.Error("Expected an error for an empty resolv.conf path")
	}
	_, err = New(Config{ResolvConfPath: "/nonesuch/resolv.conf"})
	if err == nil {
		t.Error("Expected an error for a missing resolv.conf")
	}
	_, err = New(Config{ResolvConfPath: writeResolvConf(t, "# no servers here\n")})
	if err == nil {
		t.Error("Expected an error for a server-less resolv.conf")
	}
}

func TestLookupAddr(t *testing.T) {
	mock := &mockExchanger{
		answers: map[string][]dns.RR{
			"1.0.0.127.in-addr.arpa.": {
				ptrRR(t, "1.0.0.127.in-addr.arpa.", "localhost.example.com."),
			},
		},
	}
	res := newTestResolver(t, "nameserver 127.0.0.1\n", mock)

	names, err := res.LookupAddr("127.0.0.1")
	if err != nil {
		t.Fatal("Unexpected error:", err)
	}
	if len(names) != 1 || names[0] != "localhost.example.com" {
		t.Error("Expected localhost.example.com, got", names)
	}

	// NXDomain is a definitive no-PTR answer, not an error
	names, err = res.LookupAddr("127.0.0.2")
	if err != nil {
		t.Fatal("Unexpected error:", err)
	}
	if len(names) != 0 {
		t.Error("Expected no names, got", names)
	}

	_, err = res.LookupAddr("not-an-ip")
	if err == nil {
		t.Error("Expected an error for a malformed address")
	}
}

func TestLookupHost(t *testing.T) {
	mock := &mockExchanger{
		answers: map[string][]dns.RR{
			"www.example.com.": {
				aRR(t, "www.example.com.", "192.0.2.1"),
				aRR(t, "www.example.com.", "192.0.2.2"),
			},
		},
	}
	res := newTestResolver(t, "nameserver 127.0.0.1\n", mock)

	addrs, err := res.LookupHost("www.example.com")
	if err != nil {
		t.Fatal("Unexpected error:", err)
	}
	if len(addrs) != 2 || addrs[0] != "192.0.2.1" || addrs[1] != "192.0.2.2" {
		t.Error("Expected both addresses, got", addrs)
	}

	addrs, err = res.LookupHost("nonesuch.example.com")
	if err != nil {
		t.Fatal("Unexpected error:", err)
	}
	if len(addrs) != 0 {
		t.Error("Expected no addresses, got", addrs)
	}
}

func TestLookupHostSearch(t *testing.T) {
	mock := &mockExchanger{
		answers: map[string][]dns.RR{
			"www.b.example.com.": {aRR(t, "www.b.example.com.", "192.0.2.9")},
		},
	}
	res := newTestResolver(t, "nameserver 127.0.0.1\nsearch a.example.com b.example.com\n", mock)

	addrs, err := res.LookupHost("www")
	if err != nil {
		t.Fatal("Unexpected error:", err)
	}
	if len(addrs) != 1 || addrs[0] != "192.0.2.9" {
		t.Error("Expected search-qualified answer, got", addrs)
	}
}

func TestServerRotation(t *testing.T) {
	mock := &mockExchanger{
		answers: map[string][]dns.RR{
			"www.example.com.": {aRR(t, "www.example.com.", "192.0.2.1")},
		},
		failServers: map[string]bool{"192.0.2.53:53": true},
	}
	res := newTestResolver(t, "nameserver 192.0.2.53\nnameserver 192.0.2.54\n", mock)

	addrs, err := res.LookupHost("www.example.com")
	if err != nil {
		t.Fatal("Unexpected error:", err)
	}
	if len(addrs) != 1 {
		t.Fatal("Expected one address, got", addrs)
	}
	if len(mock.asked) != 2 || mock.asked[0] != "192.0.2.53:53" || mock.asked[1] != "192.0.2.54:53" {
		t.Error("Expected failover to the second server, got", mock.asked)
	}

	// The next lookup should go straight to the server which answered
	mock.asked = nil
	res.LookupHost("www.example.com")
	if len(mock.asked) == 0 || mock.asked[0] != "192.0.2.54:53" {
		t.Error("Expected the good server to be preferred, got", mock.asked)
	}
}

func TestAllServersFail(t *testing.T) {
	mock := &mockExchanger{
		failServers: map[string]bool{"192.0.2.53:53": true, "192.0.2.54:53": true},
	}
	res := newTestResolver(t, "nameserver 192.0.2.53\nnameserver 192.0.2.54\n", mock)

	_, err := res.LookupHost("www.example.com")
	if err == nil {
		t.Error("Expected an error when every server fails")
	}
}

func TestReport(t *testing.T) {
	mock := &mockExchanger{
		answers: map[string][]dns.RR{
			"www.example.com.": {aRR(t, "www.example.com.", "192.0.2.1")},
		},
	}
	res := newTestResolver(t, "nameserver 127.0.0.1\n", mock)
	res.LookupHost("www.example.com")
	res.LookupHost("nonesuch.example.com")

	if res.Name() != "resolver" {
		t.Error("Expected Name() of resolver, got", res.Name())
	}
	report := res.Report(true)
	if !strings.Contains(report, "ok=1") || !strings.Contains(report, "nx=1") {
		t.Error("Report missing counts:", report)
	}
	report = res.Report(false)
	if !strings.Contains(report, "ok=0") {
		t.Error("Report should have been reset:", report)
	}
}
