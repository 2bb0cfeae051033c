/*
Package conntrack tracks active child connections. A connection comes up with a pid, a remote IP
and the list of classes it matched, and goes down by pid alone. The interesting queries are how
many connections currently exist for a given IP address or class, since those are what the
connection limits are enforced against.
*/
package conntrack

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ConnInfo describes one active connection.
type ConnInfo struct {
	Pid     int
	IP      string
	Classes []string
}

func (t ConnInfo) String() string {
	return fmt.Sprintf("<CI: PID %d, IP %s, classes: %s>", t.Pid, t.IP, strings.Join(t.Classes, " "))
}

// trackerStats is a separate struct so resetCounters() is a trivial struct copy.
type trackerStats struct {
	total int // Connections ever brought up
	peak  int // High-water mark of concurrent connections
}

// Tracker is safe for concurrent use. The zero value is not usable; call New.
type Tracker struct {
	mu     sync.Mutex
	pidMap map[int]ConnInfo
	ipMap  map[string]map[int]struct{}
	clsMap map[string]map[int]struct{}
	trackerStats
}

// New constructs an empty Tracker.
func New() *Tracker {
	return &Tracker{
		pidMap: make(map[int]ConnInfo),
		ipMap:  make(map[string]map[int]struct{}),
		clsMap: make(map[string]map[int]struct{}),
	}
}

// Up registers a new connection. A pid which is already registered is an error since it means we
// have lost track of a child somewhere.
func (t *Tracker) Up(pid int, ip string, classes []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pidMap[pid]; ok {
		return fmt.Errorf("duplicate pid %d", pid)
	}
	t.pidMap[pid] = ConnInfo{Pid: pid, IP: ip, Classes: classes}
	if t.ipMap[ip] == nil {
		t.ipMap[ip] = make(map[int]struct{})
	}
	t.ipMap[ip][pid] = struct{}{}
	for _, cls := range classes {
		if t.clsMap[cls] == nil {
			t.clsMap[cls] = make(map[int]struct{})
		}
		t.clsMap[cls][pid] = struct{}{}
	}
	t.total++
	if len(t.pidMap) > t.peak {
		t.peak = len(t.pidMap)
	}

	return nil
}

// Down deregisters a connection. Unknown pids are silently ignored; the reaper can see exits for
// children started before a tracker reset.
func (t *Tracker) Down(pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ci, ok := t.pidMap[pid]
	if !ok {
		return
	}
	delete(t.pidMap, pid)
	delete(t.ipMap[ci.IP], pid)
	if len(t.ipMap[ci.IP]) == 0 { // Empty buckets are removed so Active*() stays honest
		delete(t.ipMap, ci.IP)
	}
	for _, cls := range ci.Classes {
		delete(t.clsMap[cls], pid)
		if len(t.clsMap[cls]) == 0 {
			delete(t.clsMap, cls)
		}
	}
}

// IPCount returns the number of active connections from an IP address.
func (t *Tracker) IPCount(ip string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.ipMap[ip])
}

// ClassCount returns the number of active connections in a class.
func (t *Tracker) ClassCount(cls string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.clsMap[cls])
}

// Len returns the number of active connections.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.pidMap)
}

// ActiveIPs returns the IPs with at least one active connection, sorted for stable output.
func (t *Tracker) ActiveIPs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.ipMap))
	for ip := range t.ipMap {
		out = append(out, ip)
	}
	sort.Strings(out)

	return out
}

// ActiveClasses returns the classes with at least one active connection, sorted.
func (t *Tracker) ActiveClasses() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.clsMap))
	for cls := range t.clsMap {
		out = append(out, cls)
	}
	sort.Strings(out)

	return out
}

// Pids returns the pids of all active connections, sorted.
func (t *Tracker) Pids() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int, 0, len(t.pidMap))
	for pid := range t.pidMap {
		out = append(out, pid)
	}
	sort.Ints(out)

	return out
}

// Get returns the ConnInfo for a pid.
func (t *Tracker) Get(pid int) (ConnInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ci, ok := t.pidMap[pid]

	return ci, ok
}

// Name meets the reporter.Reporter interface.
func (t *Tracker) Name() string {
	return "conntrack"
}

// Report meets the reporter.Reporter interface.
func (t *Tracker) Report(resetCounters bool) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := fmt.Sprintf("active=%d ips=%d classes=%d total=%d peak=%d",
		len(t.pidMap), len(t.ipMap), len(t.clsMap), t.total, t.peak)
	if resetCounters {
		t.trackerStats = trackerStats{}
	}

	return s
}
