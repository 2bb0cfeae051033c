package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/markdingo/portnanny/internal/reporter"
)

// uptime returns a print-friendly representation of how long the daemon has been running.
func uptime() string {
	return time.Now().Sub(startTime).Truncate(time.Second).String()
}

// statusReport logs the current state of the daemon: the active connections in detail, then one
// set of lines per reporter. Counters are not reset; the report is a snapshot.
func (t *dispatcher) statusReport(reporters []reporter.Reporter) {
	t.log.Report(fmt.Sprintf("status: %s %s up %s", consts.ProgramName, consts.Version, uptime()))

	pids := t.tracker.Pids()
	if len(pids) == 0 {
		t.log.Report("status: no active connections.")
	} else {
		t.log.Report(fmt.Sprintf("status: %d active connections:", len(pids)))
		// This is only a snapshot; a child could die between Pids() and Get().
		for _, pid := range pids {
			if ci, ok := t.tracker.Get(pid); ok {
				t.log.Report("status: " + ci.String())
			}
		}
	}

	for _, r := range reporters {
		for _, line := range strings.Split(r.Report(false), "\n") {
			if len(line) > 0 {
				t.log.Report("status: " + r.Name() + ": " + line)
			}
		}
	}
}
