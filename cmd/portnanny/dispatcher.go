package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/markdingo/portnanny/internal/actions"
	"github.com/markdingo/portnanny/internal/conntrack"
	"github.com/markdingo/portnanny/internal/hostinfo"
	"github.com/markdingo/portnanny/internal/iptimes"
	"github.com/markdingo/portnanny/internal/nannylog"
	"github.com/markdingo/portnanny/internal/osutil"
	"github.com/markdingo/portnanny/internal/procutil"
	"github.com/markdingo/portnanny/internal/reporter"
	"github.com/markdingo/portnanny/internal/rules"
)

// ruleResult carries one completed rule evaluation from a worker back to the dispatcher. A nil
// matched list means the worker already disposed of the connection and the dispatcher only needs
// to retire the worker slot.
type ruleResult struct {
	conn    net.Conn
	hi      *hostinfo.HostInfo
	matched []*rules.Rule
}

// dispatcherStats is a separate struct so resetCounters() is a trivial struct copy. Guarded by
// the dispatcher mutex since workers update some of these concurrently.
type dispatcherStats struct {
	totConnects int           // Connections which got as far as rule evaluation admission
	totRules    int           // Rule set evaluations performed
	totRuleTime time.Duration // Total wall-clock time spent evaluating rule sets
	totLoops    int           // Dispatcher wakeups for new connections
	totConns    int           // Raw accepted connections
	workerHigh  int           // High-water mark of concurrent workers
}

// dispatcher is the heart of the daemon. It owns the accepted-connection channel, the bounded
// pool of rule evaluation workers and the one goroutine allowed to apply actions. Workers only
// ever evaluate rules - everything that changes shared state (conntrack, logging, starting
// children) happens on the dispatcher goroutine.
type dispatcher struct {
	log     *nannylog.Logger
	deps    hostinfo.Deps
	tracker *conntrack.Tracker
	times   *iptimes.Cache

	loadRules *reloader[*rules.RuleSet]
	loadActs  *reloader[*actions.ActRules]

	workerMax   int    // Zero means all rule evaluation happens inline
	maxClass    string // Class forced onto connections over the worker limit; "" to evaluate inline
	expireEvery time.Duration // Negative: never expire. Zero: expire on every connection.

	connChannel   chan net.Conn
	resultChannel chan *ruleResult
	reapChannel   chan int

	workerCount int // Only touched on the dispatcher goroutine

	mu sync.Mutex // Guards dispatcherStats
	dispatcherStats
}

func newDispatcher(log *nannylog.Logger, deps hostinfo.Deps, tracker *conntrack.Tracker,
	times *iptimes.Cache) *dispatcher {
	return &dispatcher{
		log:     log,
		deps:    deps,
		tracker: tracker,
		times:   times,

		connChannel:   make(chan net.Conn, 10),
		resultChannel: make(chan *ruleResult, 10),
		reapChannel:   make(chan int, 10),
	}
}

// conninfo produces the connection summary used in dispatcher log lines.
func conninfo(hi *hostinfo.HostInfo, classes []string) string {
	if len(classes) == 0 {
		return fmt.Sprintf("%s -> %s@%s", hi.IP(), hi.LocalPort(), hi.LocalIP())
	}

	return fmt.Sprintf("%s/%s", hi.IP(), strings.Join(classes, " "))
}

// startAccepting runs one accept goroutine per listener, feeding the connection channel. The
// goroutines exit when their listener is closed.
func (t *dispatcher) startAccepting(listeners []net.Listener) {
	for _, l := range listeners {
		go func(l net.Listener) {
			for {
				conn, err := l.Accept()
				if err != nil {
					if errors.Is(err, net.ErrClosed) {
						return
					}
					t.log.Error(fmt.Sprintf("accept on %s: %s",
						l.Addr(), err.Error()))
					continue
				}
				t.connChannel <- conn
			}
		}(l)
	}
}

// serve is the main event loop. It returns when a terminal signal arrives on stopChannel; USR1
// and USR2 are handled in place. The first file loads happen now rather than on the first
// connection so broken configuration files produce feedback at program startup.
func (t *dispatcher) serve(stopChannel chan os.Signal, reporters []reporter.Reporter) {
	t.loadRules.Current()
	t.loadActs.Current()

	var tickChannel <-chan time.Time
	if t.expireEvery > 0 {
		ticker := time.NewTicker(t.expireEvery)
		defer ticker.Stop()
		tickChannel = ticker.C
	}

	for {
		select {
		case s := <-stopChannel:
			switch {
			case osutil.IsSignalUSR1(s):
				t.log.Debug(2, "force-clearing IP times")
				t.times.Clear()
			case osutil.IsSignalUSR2(s):
				t.statusReport(reporters)
			default:
				t.log.Debug(1, fmt.Sprintf("signal %s, exiting", s))
				return
			}

		case pid := <-t.reapChannel:
			t.log.Debug(4, fmt.Sprintf("reaped PID %d", pid))
			t.tracker.Down(pid)

		case res := <-t.resultChannel:
			t.workerCount--
			if res.matched != nil {
				_, aroot := t.roots()
				t.action(res, aroot)
			}

		case conn := <-t.connChannel:
			t.mu.Lock()
			t.totLoops++
			t.totConns++
			t.mu.Unlock()
			t.dispatch(conn)
			if t.expireEvery == 0 {
				t.times.Expire(time.Now())
			}

		case <-tickChannel:
			t.log.Debug(3, "expiring the IP times info")
			t.times.Expire(time.Now())
		}
	}
}

// roots fetches the current rule and action roots, reloading if stale. An empty root is as good
// as a missing one; we can never match an action with it.
func (t *dispatcher) roots() (*rules.RuleSet, *actions.ActRules) {
	rroot, rok := t.loadRules.Current()
	aroot, aok := t.loadActs.Current()
	if !rok || rroot.Len() == 0 {
		rroot = nil
	}
	if !aok || aroot.Len() == 0 {
		aroot = nil
	}

	return rroot, aroot
}

// dispatch hands a new connection either to a worker goroutine or handles it inline. The worker
// count is incremented before the spawn for the best load limiting.
func (t *dispatcher) dispatch(conn net.Conn) {
	rroot, aroot := t.roots()

	if t.workerMax > 0 && t.workerCount < t.workerMax {
		t.workerCount++
		t.mu.Lock()
		if t.workerCount > t.workerHigh {
			t.workerHigh = t.workerCount
		}
		t.mu.Unlock()
		go func() {
			t.resultChannel <- t.rule(conn, rroot, aroot)
		}()
		return
	}

	// Either workers are off entirely or we are over the limit. If we've hit the limit and
	// maxClass is set, we synthesize a match against that class instead of evaluating rules.
	if t.workerMax > 0 && len(t.maxClass) > 0 {
		hi := hostinfo.FromConn(t.deps, conn)
		if hi == nil {
			t.log.Debug(1, "could not get hostinfo in workermax")
			conn.Close()
			return
		}
		t.log.Debug(2, fmt.Sprintf("too many workers, putting %s connection in %s",
			hi.IP(), t.maxClass))
		// The synthetic match list still carries the GLOBAL rule; that could matter if
		// the overflow class runs something.
		res := &ruleResult{conn: conn, hi: hi,
			matched: []*rules.Rule{{Lineno: -1, Class: t.maxClass}, rules.GlobalRule}}
		t.action(res, aroot)
		return
	}

	if t.workerMax > 0 {
		t.log.Debug(1, "too many workers, handling new connection directly")
	}
	res := t.rule(conn, rroot, aroot)
	if res.matched != nil {
		t.action(res, aroot)
	}
}

// rule evaluates the rule set against a new connection. This is the only dispatcher code which
// runs on worker goroutines; it touches nothing shared beyond the stats (under the mutex) and
// the lookup collaborators, which are all safe for concurrent use. The returned matched list is
// nil when the connection has already been closed and there is nothing further to do.
func (t *dispatcher) rule(conn net.Conn, rroot *rules.RuleSet, aroot *actions.ActRules) *ruleResult {
	res := &ruleResult{conn: conn}
	hi := hostinfo.FromConn(t.deps, conn)
	if hi == nil {
		t.log.Debug(1, "could not get hostinfo, passing")
		conn.Close()
		return res
	}

	// At this point this is a real connection and we will count it.
	t.mu.Lock()
	t.totConnects++
	t.mu.Unlock()

	// If we are missing one or the other root there is no point in doing anything; we can
	// never match an action. Kill it off and punt.
	if rroot == nil || aroot == nil {
		t.log.Debug(2, fmt.Sprintf("a root is missing or empty, dropping %s",
			conninfo(hi, nil)))
		conn.Close()
		return res
	}

	start := time.Now()
	matched := rroot.Eval(hi)
	elapsed := time.Now().Sub(start)
	t.mu.Lock()
	t.totRules++
	t.totRuleTime += elapsed
	t.mu.Unlock()

	if len(matched) == 0 {
		t.log.Debug(2, fmt.Sprintf("nothing matched %s", conninfo(hi, nil)))
		conn.Close()
		return res
	}
	res.hi = hi
	res.matched = matched

	return res
}

// action resolves and performs the action for a completed rule evaluation. Always runs on the
// dispatcher goroutine. Whatever happens, our side of the socket is dead afterwards; a run child
// holds its own descriptor.
func (t *dispatcher) action(res *ruleResult, aroot *actions.ActRules) {
	defer res.conn.Close()

	// While we were fiddling around, our actions might have vanished.
	if aroot == nil {
		return
	}

	rmNames := make([]string, 0, len(res.matched))
	for _, r := range res.matched {
		rmNames = append(rmNames, r.Class)
	}

	act, err := aroot.GenAction(t.tracker, res.hi, res.matched)
	if err != nil {
		t.log.Error(fmt.Sprintf("error preparing action for %s: %s",
			conninfo(res.hi, rmNames), err.Error()))
		return
	}
	if act == nil {
		t.log.Debug(2, fmt.Sprintf("no actions for %s", conninfo(res.hi, rmNames)))
		return
	}

	// Actions have two components: messages to log, and something to do. Either can be blank
	// (hopefully both are not blank, but).
	for _, le := range act.LogMsgs {
		t.log.Report(le)
	}

	switch act.What {
	case "":
		t.log.Debug(2, fmt.Sprintf("dropping %s", conninfo(res.hi, rmNames)))

	case "msg", "failmsg":
		// Messages go out from their own goroutine since a stalled peer gets the full
		// write timeout; nobody tracks them as they are expected to die fast.
		t.log.Debug(2, fmt.Sprintf("sending %s to %s: %q",
			act.What, conninfo(res.hi, rmNames), act.ArgString))
		conn := res.conn
		res.conn = nopCloserConn{conn} // Ownership moves to the message goroutine
		msg := act.ArgString
		go func() {
			procutil.WriteMessage(conn, msg)
			conn.Close()
		}()

	case "run", "failrun":
		pid, done, err := procutil.StartRun(res.conn, act.ArgList, act.Env)
		if err != nil {
			t.log.Error(fmt.Sprintf("cannot start action for %s: %s",
				conninfo(res.hi, rmNames), err.Error()))
			return
		}
		t.log.Debug(2, fmt.Sprintf("started PID %d for %s: %s %s",
			pid, conninfo(res.hi, rmNames), act.What, act.ArgString))
		if err := t.tracker.Up(pid, res.hi.IP(), rmNames); err != nil {
			t.log.Error(err.Error())
		}
		go func() {
			<-done
			t.reapChannel <- pid
		}()
	}
}

// nopCloserConn lets the deferred close in action() become a no-op once connection ownership has
// been handed to a message-writing goroutine.
type nopCloserConn struct {
	net.Conn
}

func (t nopCloserConn) Close() error {
	return nil
}

// Name meets the reporter.Reporter interface.
func (t *dispatcher) Name() string {
	return "dispatcher"
}

// Report meets the reporter.Reporter interface.
func (t *dispatcher) Report(resetCounters bool) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	lines := []string{fmt.Sprintf("total lifetime connections: %d", t.totConnects)}
	if t.totRules > 0 && t.totRuleTime > 0 {
		lines = append(lines,
			fmt.Sprintf("average rule evaluation time over %d evals: %.4f seconds",
				t.totRules, t.totRuleTime.Seconds()/float64(t.totRules)))
	}
	if t.totLoops > 0 {
		lines = append(lines, fmt.Sprintf("%d loops, %d conns, %.1f conns average",
			t.totLoops, t.totConns, float64(t.totConns)/float64(t.totLoops)))
	}
	if t.workerHigh > 0 {
		lines = append(lines, fmt.Sprintf("%d active rule evaluation workers (%d highwater)",
			t.workerCount, t.workerHigh))
	}
	if resetCounters {
		t.dispatcherStats = dispatcherStats{}
	}

	return strings.Join(lines, "\n")
}
