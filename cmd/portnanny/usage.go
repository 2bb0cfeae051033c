package main

import (
	"fmt"
	"io"
	"text/template"
)

// The "flag" package is not tty aware so we've arbitrarily picked 100 columns as a conservative tty
// width for the usage output.

const usageMessageTemplate = `
NAME
          {{.ProgramName}} -- a per-connection TCP policy gatekeeper

SYNOPSIS
          {{.ProgramName}} [options] conffile

DESCRIPTION
          {{.ProgramName}} accepts TCP connections on the ports named in its configuration file,
          classifies each connection against a rules file and then consults an actions file to
          decide what to do with it: silently drop it, write a rejection message, or hand the
          socket to a command as its stdin, stdout and stderr.

          Rules classify connections by remote address, verified or claimed hostname, identd
          response, DNSBL listings, connection history and more. Actions attach per-class and
          per-IP connection limits, log and message templates, environment settings and commands
          to run. Both files are reloaded automatically when their modification time changes, so
          policy updates never require a restart.

          The configuration file names the listen endpoints as PORT@HOST (or bare PORT for all
          addresses), the rules and actions files, an optional unprivileged user to switch to
          after the sockets are bound, and the connection-history retention settings. See the
          package documentation for the rules and actions file formats.

SIGNALS
          SIGUSR1 clears the per-IP connection time cache. SIGUSR2 writes a status report through
          the log. SIGINT, SIGHUP and SIGTERM cause an orderly exit.

OPTIONS
          [-hv] [-V level] [-p progname] [-l] [-C]
          [-M maxworkers] [-S stack-limit-KB|unlimited]

          [--gops] [--cpu-profile file] [--mem-profile file]

          [--version]

`

//////////////////////////////////////////////////////////////////////

func usage(out io.Writer) {
	tmpl, err := template.New("usage").Parse(usageMessageTemplate)
	if err != nil {
		panic(err) // We've messed up our template
	}
	err = tmpl.Execute(out, consts)
	if err != nil {
		panic(err) // We've messed up our template
	}
	flagSet.SetOutput(out)
	flagSet.PrintDefaults()
	fmt.Fprintln(out, "\nVersion:", consts.Version)
}

// parseCommandLine sets up the flags-to-config mapping and parses the supplied command line
// arguments. It starts from scratch each time to make it easier for test wrappers to use.
func parseCommandLine(args []string) error {
	flagSet.BoolVar(&cfg.help, "h", false, "Print usage message to Stdout then exit(0)")
	flagSet.BoolVar(&cfg.verbose, "v", false, "Debug level one - connection dispositions are logged")
	flagSet.IntVar(&cfg.debugLevel, "V", 0, "Debug `level` - higher levels log progressively more")
	flagSet.StringVar(&cfg.progName, "p", "", "Log line and syslog ident `progname` (default "+
		consts.ProgramName+")")
	flagSet.BoolVar(&cfg.useSyslog, "l", false, "Log via syslog (facility daemon) instead of stderr")

	flagSet.BoolVar(&cfg.checkOnly, "C", false,
		"Check the config, rules and actions files for consistency then exit")
	flagSet.IntVar(&cfg.maxWorkers, "M", -1,
		"Maximum concurrent rule evaluation `workers` (overrides the maxthreads directive)")
	flagSet.StringVar(&cfg.stackLimit, "S", "",
		"Soft stack `limit` in KB (or 'unlimited') applied before any children are started")

	// gops and go pprof settings

	flagSet.BoolVar(&cfg.gops, "gops", false, "Start github.com/google/gops agent")
	flagSet.StringVar(&cfg.cpuprofile, "cpu-profile", "", "write cpu profile to `file`")
	flagSet.StringVar(&cfg.memprofile, "mem-profile", "", "write mem profile to `file`")

	flagSet.BoolVar(&cfg.version, "version", false, "Print version and exit")

	return flagSet.Parse(args[1:])
}
