/*
Package constants provides common values used across all portnanny packages. Usage is to call the
global Get() function which returns the Constants by value ensuring that any modifications made
(accidental or otherwise) will not affect other packages when they call Get().

Typically usage:

    consts := constants.Get()
    fmt.Println("I am", consts.ProgramName, consts.Version)

The primary reason for making this a constructed struct rather than the more typical const () block
is so that it can be fed directly into templating packages for printing usage messages.
*/
package constants

import "time"

// Constants contains the system-wide constants
type Constants struct {
	ProgramName string // Package related constants
	Version     string
	PackageName string
	PackageURL  string

	IdentdPort    string // RFC1413 TCP port
	IdentdTimeout time.Duration
	ProbeTimeout  time.Duration // answerson: connect-only probe deadline
	DNSTimeout    time.Duration // Total wall-clock deadline per lookup

	ListenBacklog int

	GlobalClass string // Synthetic class appended to every non-empty match list

	DefaultMsgsClass    string // Fallback classes consulted for fail-path messages
	DefaultRejectClass  string
	DefaultIPMaxClass   string
	DefaultConnMaxClass string

	LogConnect string // Built-in log line templates
	LogLimits  string
	LogReject  string

	MsgWriteTimeout    time.Duration // Hard bound on writing a msg/failmsg to the peer
	DefaultExpireEvery time.Duration // Expiry cadence when dropipafter is set but expireevery is not
}

var readOnlyConstants *Constants

// createReadOnlyConstants creates a read-only copy of the Constants which is copied whenever a
// caller asks for the constants set.
func createReadOnlyConstants() {
	readOnlyConstants = &Constants{
		ProgramName: "portnanny",
		Version:     "v0.1.0",
		PackageName: "portnanny TCP policy gatekeeper",
		PackageURL:  "https://github.com/markdingo/portnanny",

		IdentdPort:    "113",
		IdentdTimeout: 500 * time.Millisecond,
		ProbeTimeout:  500 * time.Millisecond,
		DNSTimeout:    10 * time.Second,

		ListenBacklog: 100,

		GlobalClass: "GLOBAL",

		DefaultMsgsClass:    "DEFAULTMSGS",
		DefaultRejectClass:  "DEFAULT-REJECT",
		DefaultIPMaxClass:   "DEFAULT-IPMAX",
		DefaultConnMaxClass: "DEFAULT-CONNMAX",

		LogConnect: "accepted: %(connsum)s by %(class)s",
		LogLimits:  "refused: %(connsum)s rejected by %(class)s %(limit)s limit",
		LogReject:  "rejected: %(connsum)s by %(class)s",

		MsgWriteTimeout:    2 * time.Second,
		DefaultExpireEvery: time.Minute,
	}
}

func init() {
	createReadOnlyConstants()
}

// Get returns a copy of the Constants struct. Return by value so internal values cannot be
// inadvertently changed by callers.
func Get() Constants {
	return *readOnlyConstants
}
