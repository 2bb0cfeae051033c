package matcher

import (
	"strings"
	"testing"
	"time"

	"github.com/markdingo/portnanny/internal/hostinfo"
	"github.com/markdingo/portnanny/internal/ruleparse"
)

// A small fake DNS zone and identd in the spirit of the table below:
//
//	127.0.0.2   no PTR                     -> unknown
//	127.0.0.100 PTR is an address literal  -> noforward
//	127.0.0.101 PTR with no forward        -> noforward
//	127.0.0.102 PTR with wrong addresses   -> addrmismatch
//	127.0.0.103 consistent PTR             -> good
//	127.0.0.105 consistent, many addresses -> good

var testPTR = map[string][]string{
	"127.0.0.100": {"127.0.0.100"},
	"127.0.0.101": {"not-a-forward"},
	"127.0.0.102": {"mismatch-reverse"},
	"127.0.0.103": {"is-a-good-name"},
	"127.0.0.105": {"many-ip-addrs"},
	"127.0.1.1":   {"franklin.com"},
	"127.0.1.2":   {"b.a.franklin.com"},
	"127.0.2.1":   {"bigbucks.smack.com"},
}

var testA = map[string][]string{
	"127.0.0.100":        {"127.0.0.100"},
	"mismatch-reverse":   {"127.9.9.9"},
	"is-a-good-name":     {"127.0.0.103"},
	"many-ip-addrs":      {"127.100.0.0", "127.0.0.105", "127.200.0.0"},
	"franklin.com":       {"127.0.1.1"},
	"b.a.franklin.com":   {"127.0.1.2"},
	"bigbucks.smack.com": {"127.0.2.1"},
	"no-reverse-name":    {"127.0.10.1"},
	"10.11.12.13.dnsbl1": {"127.0.0.4"},
	"1.2.3.15.dnsbl2":    {"127.0.0.6"},
}

var testIdentd = map[int]string{
	202: "cks",
	203: "somebodyelse",
}

type testResolver struct{}

func (t testResolver) LookupAddr(ip string) ([]string, error) {
	return testPTR[ip], nil
}

func (t testResolver) LookupHost(name string) ([]string, error) {
	return testA[name], nil
}

type testIdent struct{}

func (t testIdent) UserID(remoteIP string, remotePort int, localIP string, localPort int) string {
	return testIdentd[remotePort]
}

type testProber struct{}

func (t testProber) CanConnect(ip string, port int) bool {
	return port == 10
}

type testTimes struct{}

func (t testTimes) Touch(ip string, now time.Time) (time.Duration, time.Duration, bool) {
	return 0, 0, false
}

var testDeps = hostinfo.Deps{
	Resolver: testResolver{}, Ident: testIdent{}, Prober: testProber{}, Times: testTimes{},
}

func makeHI(rip string) *hostinfo.HostInfo {
	return makeHIPort(rip, 100)
}

func makeHIPort(rip string, rport int) *hostinfo.HostInfo {
	return hostinfo.New(testDeps, "127.0.0.1", 100, rip, rport)
}

// genFinal builds a terminal the way the parser would, finalization included.
func genFinal(t *testing.T, name, val string) ruleparse.Expr {
	t.Helper()
	maker, ok := Info{}.Terminal(name)
	if !ok {
		t.Fatal("No terminal called", name)
	}
	mo, err := maker(name, val)
	if err != nil {
		t.Fatalf("Terminal %s %s refused: %s", name, val, err)
	}
	if f, ok := mo.(ruleparse.Finalizer); ok {
		if err := f.Finalize(); err != nil {
			t.Fatalf("Terminal %s %s failed finalize: %s", name, val, err)
		}
	}
	return mo
}

// lCheck runs a (remoteIP, argument, result) table through one matcher.
func lCheck(t *testing.T, name string, cases [][3]interface{}) {
	t.Helper()
	for _, c := range cases {
		rip, val, want := c[0].(string), c[1].(string), c[2].(bool)
		mo := genFinal(t, name, val)
		if got := mo.Eval(makeHI(rip)); got != want {
			t.Errorf("%s %s against %s: expected %v, got %v", name, val, rip, want, got)
		}
	}
}

func TestAllMatcher(t *testing.T) {
	mo := genFinal(t, "ALL", "")
	if !mo.Eval(makeHI("127.0.0.1")) {
		t.Error("ALL should match everything")
	}
	if mo.String() != "ALL" {
		t.Error("Unexpected String():", mo.String())
	}
}

func TestIPAddrMatcher(t *testing.T) {
	lCheck(t, "ip:", [][3]interface{}{
		{"127.0.0.1", "127.0.0.0/8", true},
		{"128.100.102.1", "127.0.0.0/8", false},
		{"127.0.0.2", "127.0.0.2", true},
		{"127.0.0.1", "127.0.0.2", false},
		{"127.0.0.1", "127.0.0.", true},
		{"127.1.0.0", "127.0.", false},
		{"142.151.255.255", "142.150.0.0/15", true},
		{"142.152.0.0", "142.150.0.0/15", false},
		{"127.0.0.1", "127.0.0.0-127.0.0.240", true}, // Low-high syntax
		{"127.0.0.1", "127.0/8", true},               // Runt CIDR
	})
}

func TestLocalIPMatcher(t *testing.T) {
	hi := makeHI("127.0.0.10")
	if !genFinal(t, "localip:", "127.0.0.1").Eval(hi) {
		t.Error("localip: should match the local address")
	}
	if genFinal(t, "localip:", "127.0.0.10").Eval(hi) {
		t.Error("localip: must not match the remote address")
	}
}

func TestClassMatcher(t *testing.T) {
	mo := genFinal(t, "class:", "foobar")
	hi := makeHI("127.0.0.1")
	if mo.Eval(hi) {
		t.Error("class: should not match before the class is added")
	}
	hi.AddClass("foobar")
	if !mo.Eval(hi) {
		t.Error("class: should match after the class is added")
	}
}

func TestLocalMatcher(t *testing.T) {
	testCases := []struct {
		localIP string
		val     string
		want    bool
	}{
		{"127.0.0.1", "100@", true},
		{"127.0.0.1", "200@", false},
		{"127.0.0.1", "127.0.0.1", true},
		{"127.0.0.1", "100@127.0.0.1", true},
		{"128.100.102.51", "127.0.0.1", false},
		{"128.100.102.51", "*@128.100.102.51", true},
	}
	for _, tc := range testCases {
		mo := genFinal(t, "local:", tc.val)
		hi := hostinfo.New(testDeps, tc.localIP, 100, "0.0.0.0", 100)
		if got := mo.Eval(hi); got != tc.want {
			t.Errorf("local: %s on %s: expected %v, got %v", tc.val, tc.localIP, tc.want, got)
		}
	}
}

func TestIPMerging(t *testing.T) {
	bo := genMergeable(t, "ip:", "0.0.0.0")
	ipL := []string{"127.0.0.1", "127.0.0.2", "127.0.0.3"}
	for _, ip := range ipL {
		if !bo.Merge(genMergeable(t, "ip:", ip).(ruleparse.Expr)) {
			t.Fatal("ip: should merge with ip:", ip)
		}
	}
	if err := bo.(ruleparse.Finalizer).Finalize(); err != nil {
		t.Fatal("Unexpected finalize error:", err)
	}
	want := "ip: 0.0.0.0 ip: 127.0.0.1 ip: 127.0.0.2 ip: 127.0.0.3"
	if bo.(ruleparse.Expr).String() != want {
		t.Error("Expected", want, "got", bo.(ruleparse.Expr).String())
	}
	for _, ip := range ipL {
		if !bo.(ruleparse.Expr).Eval(makeHI(ip)) {
			t.Error("Merged matcher should match", ip)
		}
	}
	for _, ip := range []string{"0.0.0.1", "127.0.0.0", "127.0.0.4"} {
		if bo.(ruleparse.Expr).Eval(makeHI(ip)) {
			t.Error("Merged matcher should not match", ip)
		}
	}

	// localip: must not merge down with ip:, but merges with itself
	bo = genMergeable(t, "ip:", "0.0.0.0")
	mi := genMergeable(t, "localip:", "10.10.10.10")
	mi2 := genMergeable(t, "localip:", "11/8")
	if bo.Merge(mi.(ruleparse.Expr)) {
		t.Error("ip: must not merge with localip:")
	}
	if !mi.Merge(mi2.(ruleparse.Expr)) {
		t.Error("localip: should merge with localip:")
	}
	mi.(ruleparse.Finalizer).Finalize()
	if got := mi.(ruleparse.Expr).String(); got != "localip: 10.10.10.10 localip: 11/8" {
		t.Error("Unexpected merged String():", got)
	}

	// Prefixes merge into netblocks
	mi = genMergeable(t, "ip:", "128.100.100.")
	mi2 = genMergeable(t, "ip:", "128.100.")
	if !mi.Merge(mi2.(ruleparse.Expr)) {
		t.Fatal("Prefix forms should merge")
	}
	mi.(ruleparse.Finalizer).Finalize()
	nb := mi.(*ipAddrMatch).nb
	if got := strings.Join(nb.ToCIDRs(), " "); got != "128.100.0.0/16" {
		t.Error("Expected 128.100.0.0/16, got", got)
	}

	mi = genMergeable(t, "ip:", "128.100.100.")
	mi2 = genMergeable(t, "ip:", "127.0.0.0/24")
	if !mi.Merge(mi2.(ruleparse.Expr)) {
		t.Fatal("Prefix and CIDR should merge")
	}
	mi.(ruleparse.Finalizer).Finalize()
	nb = mi.(*ipAddrMatch).nb
	if got := strings.Join(nb.ToCIDRs(), " "); got != "127.0.0.0/24 128.100.100.0/24" {
		t.Error("Expected two distinct CIDRs, got", got)
	}
}

func genMergeable(t *testing.T, name, val string) ruleparse.Merger {
	t.Helper()
	mo := genUnfinalized(t, name, val)
	m, ok := mo.(ruleparse.Merger)
	if !ok {
		t.Fatalf("%s is not mergeable", name)
	}
	return m
}

func genUnfinalized(t *testing.T, name, val string) ruleparse.Expr {
	t.Helper()
	maker, _ := Info{}.Terminal(name)
	mo, err := maker(name, val)
	if err != nil {
		t.Fatalf("Terminal %s %s refused: %s", name, val, err)
	}
	return mo
}

func TestHNStatus(t *testing.T) {
	testCases := []struct {
		name, val string
		cases     [][2]interface{}
	}{
		{"KNOWN", "", [][2]interface{}{
			{"127.0.0.2", false}, {"127.0.0.102", false}, {"127.0.0.103", true}}},
		{"UNKNOWN", "", [][2]interface{}{
			{"127.0.0.2", true}, {"127.0.0.103", false}, {"127.0.0.101", false}}},
		{"PARANOID", "", [][2]interface{}{
			{"127.0.0.103", false}, {"127.0.0.104", false}, {"127.0.0.100", true},
			{"127.0.0.101", true}, {"127.0.0.102", true}}},
		{"hnstatus:", "noforward", [][2]interface{}{
			{"127.0.0.100", true}, {"127.0.0.101", true}, {"127.0.0.103", false}}},
		{"hnstatus:", "addrmismatch", [][2]interface{}{
			{"127.0.0.100", false}, {"127.0.0.103", false}, {"127.0.0.104", false},
			{"127.0.0.102", true}}},
	}
	for _, tc := range testCases {
		mo := genFinal(t, tc.name, tc.val)
		for _, c := range tc.cases {
			rip, want := c[0].(string), c[1].(bool)
			if got := mo.Eval(makeHI(rip)); got != want {
				t.Errorf("%s %s against %s: expected %v, got %v",
					tc.name, tc.val, rip, want, got)
			}
		}
	}
}

func TestHostnameMatch(t *testing.T) {
	lCheck(t, "hostname:", [][3]interface{}{
		{"127.0.0.103", "is-a-good-name", true},
		{"127.0.0.105", "many-ip-addrs", true},
		{"127.0.0.101", "not-a-forward", false}, // Unverified names never match
		{"127.0.1.1", "franklin.com", true},
		{"127.0.1.1", "a.franklin.com", false},
		{"127.0.1.1", "klin.com", false},
		{"127.0.1.2", "b.a.franklin.com", true},
		{"127.0.1.2", ".a.franklin.com", true},
		{"127.0.1.2", ".franklin.com", true},
		{"127.0.2.1", "bigbucks.smack.com", true},
		{"127.0.1.1", "FRANKlin.CoM", true}, // Case insensitive
		{"127.0.2.1", ".smack.com", true},
	})
}

func TestClaimedHNMatch(t *testing.T) {
	lCheck(t, "claimedhn:", [][3]interface{}{
		{"127.0.0.103", "is-a-good-name", true},
		{"127.0.0.101", "not-a-forward", true}, // Claimed names match unverified
		{"127.0.0.102", "mismatch-reverse", true},
		{"127.0.0.104", "104.example.com", false},
	})
}

func TestREMatch(t *testing.T) {
	lCheck(t, "re:", [][3]interface{}{
		{"127.0.0.103", "^good", false},
		{"127.0.0.103", "good", true},
		{"127.0.2.1", `smack\.com$`, true},
		{"127.0.0.102", "match", false}, // Unverified name, no match despite the pattern
	})
}

func TestClaimedREMatch(t *testing.T) {
	lCheck(t, "claimedre:", [][3]interface{}{
		{"127.0.0.103", "good", true},
		{"127.0.0.101", "-forward", true},
		{"127.0.0.104", "127", false},
	})
}

func TestForwhnMatch(t *testing.T) {
	lCheck(t, "forwhn:", [][3]interface{}{
		{"127.0.0.1", "no-reverse-name", false},
		{"127.0.10.1", "no-reverse-name", true},
		{"127.0.1.1", "franklin.com", true},
		{"127.100.0.0", "many-ip-addrs", true},
		{"127.0.0.1", "many-ip-addrs", false},
	})
}

func TestDNSBlMatch(t *testing.T) {
	lCheck(t, "dnsbl:", [][3]interface{}{
		{"13.12.11.10", "dnsbl1", true},
		{"10.11.12.13", "dnsbl1", false},
		{"13.12.11.10", "dnsbl1/127.0.0.4", true},
		{"13.12.11.10", "dnsbl1/127.0.0.3", false},
		{"15.3.2.1", "dnsbl2/127.0.0.6", true},
		{"15.3.2.1", "dnsbl2", true},
	})
}

func TestIdentdMatches(t *testing.T) {
	testCases := []struct {
		rport int
		val   string
		want  bool
	}{
		{202, "cks", true},
		{202, "foobar", false},
		{203, "cks", false},
		{201, "cks", false}, // No identd answer at all
	}
	for _, tc := range testCases {
		mo := genFinal(t, "identd:", tc.val)
		if got := mo.Eval(makeHIPort("127.0.0.1", tc.rport)); got != tc.want {
			t.Errorf("identd: %s on port %d: expected %v, got %v",
				tc.val, tc.rport, tc.want, got)
		}
	}

	mo := genFinal(t, "IDENTD", "")
	for _, rport := range []int{202, 203, 204} {
		want := rport != 204
		if got := mo.Eval(makeHIPort("127.0.0.1", rport)); got != want {
			t.Errorf("IDENTD on port %d: expected %v, got %v", rport, want, got)
		}
	}
}

func TestTimeBasedMatchers(t *testing.T) {
	testCases := []struct {
		name, val   string
		first, last int // Seconds; last < 0 means never seen
		want        bool
	}{
		{"firsttime", "", 0, -1, true},
		{"firsttime", "", 61, 0, false},
		{"stallfor:", "60s", 50, 20, true},
		{"stallfor:", "60s", 60, 20, true},
		{"stallfor:", "60s", 61, 20, false},
		// waited: is the inverse of stallfor:
		{"waited:", "60s", 50, 20, false},
		{"waited:", "60s", 60, 20, false},
		{"waited:", "60s", 61, 20, true},
		// seenwithin: and notseenfor: are the last-time-connected versions
		{"seenwithin:", "60s", 65, 50, true},
		{"seenwithin:", "60s", 65, 60, true},
		{"seenwithin:", "60s", 65, 61, false},
		{"notseenfor:", "60s", 65, 50, false},
		{"notseenfor:", "60s", 65, 60, false},
		{"notseenfor:", "60s", 65, 61, true},
		// New connections are treated differently
		{"seenwithin:", "60s", 0, -1, false},
		{"notseenfor:", "60s", 0, -1, true},
	}
	for _, tc := range testCases {
		mo := genFinal(t, tc.name, tc.val)
		hi := makeHI("127.0.0.1")
		if tc.last < 0 {
			hi.SetTimes(time.Duration(tc.first)*time.Second, 0, false)
		} else {
			hi.SetTimes(time.Duration(tc.first)*time.Second,
				time.Duration(tc.last)*time.Second, true)
		}
		if got := mo.Eval(hi); got != tc.want {
			t.Errorf("%s %s with times %d/%d: expected %v, got %v",
				tc.name, tc.val, tc.first, tc.last, tc.want, got)
		}
	}
}

func TestAnswersOn(t *testing.T) {
	hi := makeHI("127.0.0.1")
	if !genFinal(t, "answerson:", "10").Eval(hi) {
		t.Error("answerson: 10 should match")
	}
	if genFinal(t, "answerson:", "25").Eval(hi) {
		t.Error("answerson: 25 should not match")
	}
}

func TestBadIPAddrs(t *testing.T) {
	bad := []string{
		"abc",
		"localhost.foobar",
		"localhost.foobar.",
		"256.100.100.100",
		"128.100.100.100.",
		"256.100.",
		"128.100.0.0/16/16",
		"128.100.0.0/33",
		"127.0.0.0/",
		"/24",
		"127.0.0.10-127.0.0.1", // Inverted hi-low
		"127.0.0",              // Incomplete octets
		"206.29.6",
		"127.0.0.1/24", // Broken CIDR with local part not all zeros
		"127.0.1.0/16",
	}
	maker, _ := Info{}.Terminal("ip:")
	for _, val := range bad {
		mo, err := maker("ip:", val)
		if err == nil {
			if f, ok := mo.(ruleparse.Finalizer); ok {
				err = f.Finalize()
			}
		}
		if err == nil {
			t.Error("Expected ip:", val, "to be rejected")
		}
	}
}

func TestBadArguments(t *testing.T) {
	type badCase struct{ name, val string }
	bad := []badCase{
		{"hnstatus:", "forobtz"},
		{"local:", "@"},
		{"local:", "*@"},
		{"local:", "@*"},
		{"local:", ""},
		{"hostname:", "."},
		{"hostname:", "%"},
		{"hostname:", " ajk"},
		{"hostname:", ";"},
		{"forwhn:", "."},
		{"forwhn:", "%"},
		{"re:", "foo[bar"},
		{"answerson:", "cat"},
		{"answerson:", "65536"},
		{"answerson:", "-1"},
		{"waited:", "60"},
		{"waited:", "cats"},
		{"dnsbl:", "/zone"},
		{"dnsbl:", "zone/"},
		{"dnsbl:", "zone/not-an-ip"},
	}
	for _, tc := range bad {
		maker, ok := Info{}.Terminal(tc.name)
		if !ok {
			t.Fatal("No terminal called", tc.name)
		}
		if _, err := maker(tc.name, tc.val); err == nil {
			t.Errorf("Expected %s %q to be rejected", tc.name, tc.val)
		}
	}
}

func TestDefaultTerm(t *testing.T) {
	mo, err := Info{}.DefaultTerm("127.0.0.0/8")
	if err != nil {
		t.Fatal("Unexpected error:", err)
	}
	if _, ok := mo.(*ipAddrMatch); !ok {
		t.Errorf("Expected a bare address to become ip:, got %T", mo)
	}

	mo, err = Info{}.DefaultTerm(".example.com")
	if err != nil {
		t.Fatal("Unexpected error:", err)
	}
	if _, ok := mo.(*hostnameMatch); !ok {
		t.Errorf("Expected a bare name to become hostname:, got %T", mo)
	}

	if _, err := (Info{}).DefaultTerm("%%%"); err == nil {
		t.Error("Expected garbage to be rejected")
	}
}

// Full-stack check: expressions using the real matcher set parse and their canonical forms
// re-parse to themselves.
func TestParseRoundTrip(t *testing.T) {
	exprs := []string{
		"ip: 127.0.0.0/8 hostname: .franklin.com EXCEPT IDENTD",
		"KNOWN AND !dnsbl: dnsbl1",
		"firsttime AND stallfor: 30s",
		"re: 'good' local: 25@127.0.0.1",
	}
	for _, input := range exprs {
		root, err := ruleparse.Parse(input, Info{})
		if err != nil {
			t.Error(input, "failed to parse:", err)
			continue
		}
		again, err := ruleparse.Parse(root.String(), Info{})
		if err != nil {
			t.Error(root.String(), "failed to re-parse:", err)
			continue
		}
		if again.String() != root.String() {
			t.Error("Canonical form not stable:", root.String(), "vs", again.String())
		}
	}
}

func TestMemoGenerations(t *testing.T) {
	mm := NewMemos()
	re1, err := mm.compileRE("generational")
	if err != nil {
		t.Fatal("Unexpected error:", err)
	}
	mm.Age()
	re2, _ := mm.compileRE("generational")
	if re1 != re2 {
		t.Error("Memoized regexp should survive one generation")
	}
	mm.Age()
	mm.Age() // Unused for a full generation: dropped
	re3, _ := mm.compileRE("generational")
	if re1 == re3 {
		t.Error("Unused memoized regexp should have been dropped")
	}

	re4, _ := mm.compileRE("discarded")
	mm.Discard()
	re5, _ := mm.compileRE("discarded")
	if re4 == re5 {
		t.Error("Discard should empty the memo")
	}
}

// A nil Memos compiles without caching and two stores never share values, so memoized state is
// exactly as wide as the Memos a caller hands to Info.
func TestMemoOwnership(t *testing.T) {
	var nilMemos *Memos
	re1, err := nilMemos.compileRE("uncached")
	if err != nil {
		t.Fatal("Unexpected error:", err)
	}
	re2, _ := nilMemos.compileRE("uncached")
	if re1 == re2 {
		t.Error("A nil Memos should not cache anything")
	}
	nilMemos.Age() // Must not blow up
	nilMemos.Discard()

	mm := NewMemos()
	parse := func(ti Info) *reMatch {
		maker, ok := ti.Terminal("re:")
		if !ok {
			t.Fatal("re: terminal has gone missing")
		}
		mo, err := maker("re:", "owned")
		if err != nil {
			t.Fatal("Unexpected error:", err)
		}
		return mo.(*reMatch)
	}
	m1 := parse(Info{Memos: mm})
	m2 := parse(Info{Memos: mm})
	if m1.rexp != m2.rexp {
		t.Error("One Memos should return the one compiled regexp")
	}
	m3 := parse(Info{Memos: NewMemos()})
	if m1.rexp == m3.rexp {
		t.Error("Separate Memos should not share compiled regexps")
	}
}
