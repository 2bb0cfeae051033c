//go:build unix

package osutil

import (
	"os"
	"os/signal"
	"syscall"
)

// SignalNotify sends all the main Unix signals to the supplied channel. USR1 and USR2 are the only
// ones with non-terminal meanings so they get their own predicates.
func SignalNotify(c chan os.Signal) {
	signal.Notify(c, syscall.SIGINT, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)
}

func IsSignalUSR1(s os.Signal) bool {
	return s == syscall.SIGUSR1
}

func IsSignalUSR2(s os.Signal) bool {
	return s == syscall.SIGUSR2
}
