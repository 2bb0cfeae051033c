package osutil

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// SetStackLimit lowers the soft per-thread stack limit, which is what a run child inherits. The
// hard limit is left alone. A request above the hard limit is an error rather than a silent clamp.
func SetStackLimit(bytes uint64) error {
	var rl unix.Rlimit
	err := unix.Getrlimit(unix.RLIMIT_STACK, &rl)
	if err != nil {
		return fmt.Errorf("osutil.SetStackLimit: Getrlimit failed: %s", err.Error())
	}
	if rl.Max != unix.RLIM_INFINITY && bytes > rl.Max {
		return fmt.Errorf("osutil.SetStackLimit: %d exceeds the hard limit of %d", bytes, rl.Max)
	}
	rl.Cur = bytes
	err = unix.Setrlimit(unix.RLIMIT_STACK, &rl)
	if err != nil {
		return fmt.Errorf("osutil.SetStackLimit: Setrlimit failed: %s", err.Error())
	}

	return nil
}
