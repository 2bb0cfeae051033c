// accept TCP connections, classify them against a rules file and act on them
package main

import (
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"runtime"
	"runtime/pprof"
	"strconv"
	"syscall"
	"time"

	"github.com/markdingo/portnanny/internal/actions"
	"github.com/markdingo/portnanny/internal/conntrack"
	"github.com/markdingo/portnanny/internal/constants"
	"github.com/markdingo/portnanny/internal/hostinfo"
	"github.com/markdingo/portnanny/internal/identd"
	"github.com/markdingo/portnanny/internal/iptimes"
	"github.com/markdingo/portnanny/internal/nannyconf"
	"github.com/markdingo/portnanny/internal/nannylog"
	"github.com/markdingo/portnanny/internal/osutil"
	"github.com/markdingo/portnanny/internal/procutil"
	"github.com/markdingo/portnanny/internal/reporter"
	"github.com/markdingo/portnanny/internal/resolver"
	"github.com/markdingo/portnanny/internal/rules"

	"github.com/google/gops/agent"
	"golang.org/x/sys/unix"
)

const resolvConfPath = "/etc/resolv.conf"

// Program-wide variables
var (
	consts = constants.Get()
	cfg    *config
	logger *nannylog.Logger

	stdout io.Writer // All I/O goes via these writers
	stderr io.Writer

	startTime   = time.Now()
	stopChannel chan os.Signal
	flagSet     *flag.FlagSet
)

//////////////////////////////////////////////////////////////////////

// fatal logs through the logger so that with -l even fatal errors emerge through syslog.
func fatal(args ...interface{}) int {
	logger.Error("fatal: " + fmt.Sprintln(args...))

	return 1
}

func stopMain() {
	stopChannel <- syscall.SIGINT
}

//////////////////////////////////////////////////////////////////////
// main wrappers make it easy for test programs
//////////////////////////////////////////////////////////////////////

// mainInit resets everything such that mainExecute() can be called multiple times in one program
// execution. stopChannel is buffered as the reader may disappear if there is a fatal error and
// multiple writers may try and write to the channel and we don't want those writers to stall
// forever.
func mainInit(out io.Writer, err io.Writer) {
	cfg = &config{}
	stdout = out
	stderr = err
	logger = nannylog.New(err, consts.ProgramName)
	mainState(initial)
	stopChannel = make(chan os.Signal, 4)
	osutil.SignalNotify(stopChannel)
}

func main() {
	mainInit(os.Stdout, os.Stderr)
	os.Exit(mainExecute(os.Args))
}

func mainExecute(args []string) int {
	flagSet = flag.NewFlagSet(args[0], flag.ContinueOnError)
	flagSet.SetOutput(stderr)
	err := parseCommandLine(args)
	if err != nil {
		return 1 // Error already printed by the flag package
	}
	if cfg.help {
		usage(stdout)
		return 0
	}
	if cfg.version {
		fmt.Fprintln(stdout, consts.ProgramName, "Version:", consts.Version)
		return 0
	}

	// Establish logging before anything can go wrong. With -l we switch to syslog immediately
	// on startup; all further errors, even fatal ones, emerge through there.

	if len(cfg.progName) > 0 {
		logger.SetProgName(cfg.progName)
	}
	if cfg.verbose && cfg.debugLevel == 0 {
		cfg.debugLevel = 1
	}
	logger.SetDebugLevel(cfg.debugLevel)
	if cfg.useSyslog {
		if err := logger.UseSyslog(); err != nil {
			return fatal("cannot switch to syslog:", err)
		}
	}

	if len(cfg.stackLimit) > 0 {
		var limit uint64 = unix.RLIM_INFINITY
		if cfg.stackLimit != "unlimited" {
			kb, err := strconv.Atoi(cfg.stackLimit)
			if err != nil || kb < 0 {
				return fatal("bad stack limit", cfg.stackLimit)
			}
			limit = uint64(kb) * 1024
		}
		if err := osutil.SetStackLimit(limit); err != nil {
			logger.Error(fmt.Sprintf("could not set stack limit %s: %s",
				cfg.stackLimit, err.Error()))
		}
	}

	if flagSet.NArg() != 1 {
		usage(stderr)
		return fatal("a single configuration file must be supplied")
	}
	nconf, err := nannyconf.FromFile(flagSet.Arg(0))
	if err != nil {
		return fatal("cannot load conf file:", err)
	}

	// If we are just checking, go straight there.

	if cfg.checkOnly {
		code := checkConfig(nconf, logger)
		if code == 0 {
			logger.Debug(1, "no problems found")
		}
		return code
	}

	if cfg.gops {
		if err := agent.Listen(agent.Options{}); err != nil {
			return fatal(err)
		}
		defer agent.Close()
	}

	// Start CPU profiling now that most error checking is complete

	if len(cfg.cpuprofile) > 0 {
		f, err := os.Create(cfg.cpuprofile)
		if err != nil {
			return fatal(err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			return fatal(err)
		}
		defer pprof.StopCPUProfile()
	}

	// Memory profile is triggered at the end of the program but we open the output file and
	// hold it open prior to any privilege-drop action.

	var memProfileFile *os.File
	if len(cfg.memprofile) > 0 {
		memProfileFile, err = os.Create(cfg.memprofile)
		if err != nil {
			return fatal(err)
		}
		defer memProfileFile.Close()
	}

	// First we do what needs privileges: binding sockets. Only then do we renounce them.

	var listeners []net.Listener
	for _, le := range nconf.Listens {
		l, err := procutil.Listen(le.Host, le.Port)
		if err != nil {
			return fatal(fmt.Sprintf("could not establish socket %s@%s: %s",
				le.Port, le.Host, err.Error()))
		}
		listeners = append(listeners, l)
	}
	defer func() {
		for _, l := range listeners {
			l.Close()
		}
	}()

	if err := osutil.Constrain(nconf.User); err != nil {
		return fatal(fmt.Sprintf("could not drop privileges to %s: %s",
			nconf.User, err.Error()))
	}
	if cfg.debugLevel > 0 && len(nconf.User) > 0 {
		logger.Debug(1, "constraints: "+osutil.ConstraintReport())
	}

	// Assemble the lookup collaborators shared by every connection.

	times := iptimes.New()
	if nconf.HaveDropIPAfter {
		times.SetRetention(nconf.DropIPAfter)
	}
	res, err := resolver.New(resolver.Config{ResolvConfPath: resolvConfPath})
	if err != nil {
		return fatal(err)
	}
	tracker := conntrack.New()
	deps := hostinfo.Deps{
		Resolver: res,
		Ident:    &identd.Client{},
		Prober:   &hostinfo.DialProber{},
		Times:    times,
	}

	// The reloaders produce the rule and action roots on demand. The substitutions setting is
	// applied to each freshly loaded action root since it is a property of the root, not of
	// any one GenAction call.

	dropOnErr := nconf.OnFileError == "drop"
	substOn := nconf.Substitutions != "off"
	loadRules := newReloader(nconf.RuleFile, "rules", dropOnErr, logger,
		rules.NewParser().FromFile) // One Parser for the process so memos span reloads
	loadActs := newReloader(nconf.ActionFile, "actions", dropOnErr, logger,
		func(fname string) (*actions.ActRules, error) {
			aroot, err := actions.FromFile(fname)
			if err == nil {
				aroot.SetSubstitutions(substOn)
			}
			return aroot, err
		})

	d := newDispatcher(logger, deps, tracker, times)
	d.loadRules = loadRules
	d.loadActs = loadActs
	d.workerMax = nconf.MaxThreads
	if cfg.maxWorkers >= 0 { // The flag overrides the config file
		d.workerMax = cfg.maxWorkers
	}
	if d.workerMax > 0 {
		d.maxClass = nconf.AfterMaxThreads
	}
	d.expireEvery = -1
	if nconf.HaveDropIPAfter {
		d.expireEvery = consts.DefaultExpireEvery
		if nconf.HaveExpireEvery {
			d.expireEvery = nconf.ExpireEvery
		}
	}

	reporters := []reporter.Reporter{d, tracker, times, res}

	d.startAccepting(listeners)
	mainState(started) // Tell testers that we're up and running
	d.serve(stopChannel, reporters)
	mainState(stopped)

	logger.Debug(1, consts.ProgramName+" "+consts.Version+" exiting after "+uptime())

	// Memory profile is written at the end of the program

	if memProfileFile != nil {
		runtime.GC() // get up-to-date statistics
		err := pprof.WriteHeapProfile(memProfileFile)
		if err != nil {
			return fatal(err)
		}
	}

	return 0
}
