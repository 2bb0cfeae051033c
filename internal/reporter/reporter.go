/*
Package reporter defines the interface implemented by structs which can produce a printable,
typically statistical, report about themselves.

Report() returns zero or more lines separated by newlines, suitable for handing to a log
writer. The caller normally splits multi-line reports up and prefixes each line with its own
logging data so implementations should not include a trailing newline; most single-line reporters
need never mention newlines at all.
*/
package reporter

// Reporter is the sole package interface
type Reporter interface {

	// Name returns the name of the reportable struct. This is normally used
	// as a prefix for reportable output.
	Name() string

	// Report returns zero or more printable lines separated by newlines. If
	// 'resetCounters' is true, any internal values used to produce the
	// report are reset to zero *after* the report is produced. Implementations
	// must manage concurrent access as Report() may be called by multiple
	// go-routines - albeit unlikely.
	Report(resetCounters bool) string
}
