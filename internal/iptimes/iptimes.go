/*
Package iptimes keeps track of the first and last times a connection has been seen from each
remote IP address. The "seen within" and "first time" matchers are built on it. All information
for an address is replaced as a unit so a concurrent expiry can never leave a half-updated entry
behind.

IPv4 addresses are stored as packed 32 bit keys to keep the cache small; anything else falls back
to a string key.
*/
package iptimes

import (
	"fmt"
	"sync"
	"time"

	"github.com/markdingo/portnanny/internal/netblock"
)

type entry struct {
	first, last int64 // Unix seconds
}

// Cache is safe for concurrent use. The zero value is not usable; call New.
type Cache struct {
	mu        sync.Mutex
	retention time.Duration // Zero means entries never expire
	v4        map[uint32]entry
	other     map[string]entry
}

// New constructs an empty Cache.
func New() *Cache {
	t := &Cache{}
	t.Clear()

	return t
}

// Clear discards every entry.
func (t *Cache) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.v4 = make(map[uint32]entry)
	t.other = make(map[string]entry)
}

// SetRetention sets how long an idle entry survives. Zero or negative disables expiry.
func (t *Cache) SetRetention(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d < 0 {
		d = 0
	}
	t.retention = d
}

// Touch records a connection from 'ip' at 'now' and returns how long ago the address was first
// and most recently seen. 'seen' is false for a brand new address, in which case both durations
// are zero.
func (t *Cache) Touch(ip string, now time.Time) (sinceFirst, sinceLast time.Duration, seen bool) {
	nowSecs := now.Unix()
	t.mu.Lock()
	defer t.mu.Unlock()

	if key, err := netblock.StrToIP(ip); err == nil {
		e, ok := t.v4[key]
		if !ok {
			t.v4[key] = entry{first: nowSecs, last: nowSecs}
			return 0, 0, false
		}
		t.v4[key] = entry{first: e.first, last: nowSecs}
		return secs(nowSecs - e.first), secs(nowSecs - e.last), true
	}

	e, ok := t.other[ip]
	if !ok {
		t.other[ip] = entry{first: nowSecs, last: nowSecs}
		return 0, 0, false
	}
	t.other[ip] = entry{first: e.first, last: nowSecs}

	return secs(nowSecs - e.first), secs(nowSecs - e.last), true
}

func secs(n int64) time.Duration {
	return time.Duration(n) * time.Second
}

// Expire removes entries whose last-seen time has fallen outside the retention window. A no-op
// when no retention is set.
func (t *Cache) Expire(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.retention <= 0 {
		return
	}
	cutoff := now.Add(-t.retention).Unix()
	for k, e := range t.v4 {
		if e.last < cutoff {
			delete(t.v4, k)
		}
	}
	for k, e := range t.other {
		if e.last < cutoff {
			delete(t.other, k)
		}
	}
}

// Len returns the number of addresses currently tracked.
func (t *Cache) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.v4) + len(t.other)
}

// Name meets the reporter.Reporter interface.
func (t *Cache) Name() string {
	return "iptimes"
}

// Report meets the reporter.Reporter interface. The cache has no resettable counters so
// resetCounters is ignored.
func (t *Cache) Report(resetCounters bool) string {
	return fmt.Sprintf("tracking %d IPs", t.Len())
}
