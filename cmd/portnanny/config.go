package main

type config struct {
	gops    bool
	help    bool
	verbose bool
	version bool

	checkOnly bool // Lint the rules/actions files and exit

	debugLevel int
	progName   string
	useSyslog  bool

	maxWorkers int    // -M; negative means take the config file value
	stackLimit string // -S; kilobytes or "unlimited"

	cpuprofile, memprofile string
}
