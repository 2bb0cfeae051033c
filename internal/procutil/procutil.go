/*
Package procutil does the gory bits of low-level Unix mangling: listening sockets, writing final
messages to peers and handing an accepted connection to a spawned command as its stdin, stdout
and stderr.
*/
package procutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sort"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/markdingo/portnanny/internal/constants"
)

// Listen opens a listening TCP socket on host:port. SO_REUSEADDR is set so a restart does not
// have to wait out TIME_WAIT sockets from the previous incarnation. An empty host means all
// addresses.
func Listen(host, port string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			err := c.Control(func(fd uintptr) {
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return serr
		},
	}

	return lc.Listen(context.Background(), "tcp", net.JoinHostPort(host, port))
}

// WriteMessage writes a final message to the peer with a hard deadline so a stalled peer cannot
// tie us up. This is a lame attempt to be both convenient and to not always force \r\n on the end
// of messages: a message already ending in \r or \n goes out untouched.
func WriteMessage(conn net.Conn, msg string) error {
	if len(msg) == 0 {
		return nil
	}
	last := msg[len(msg)-1]
	if last != '\r' && last != '\n' {
		msg += "\r\n"
	}
	conn.SetWriteDeadline(time.Now().Add(constants.Get().MsgWriteTimeout))
	_, err := conn.Write([]byte(msg))
	conn.SetWriteDeadline(time.Time{})

	return err
}

// filer is how we get at the underlying descriptor of an accepted connection. *net.TCPConn
// implements it.
type filer interface {
	File() (*os.File, error)
}

// StartRun starts the command in argList with the connection as its stdin, stdout and stderr and
// the entries of env overlaid on our environment. The command name is looked up on $PATH. The
// returned channel delivers exactly one value when the child exits; a nil error means a zero exit
// status.
//
// The caller still holds its reference to conn and should close it once the child is running; the
// child has its own descriptor by then.
func StartRun(conn net.Conn, argList []string, env map[string]string) (pid int, done <-chan error, err error) {
	if len(argList) == 0 {
		return 0, nil, errors.New("procutil.StartRun: empty command")
	}
	f, ok := conn.(filer)
	if !ok {
		return 0, nil, fmt.Errorf("procutil.StartRun: %T cannot supply a descriptor", conn)
	}
	sockFile, err := f.File()
	if err != nil {
		return 0, nil, fmt.Errorf("procutil.StartRun: %s", err.Error())
	}

	cmd := exec.Command(argList[0], argList[1:]...)
	cmd.Stdin = sockFile
	cmd.Stdout = sockFile
	cmd.Stderr = sockFile
	cmd.Env = mergeEnv(os.Environ(), env)

	err = cmd.Start()
	sockFile.Close() // The child has its own copy now, or never will
	if err != nil {
		return 0, nil, fmt.Errorf("procutil.StartRun: %s", err.Error())
	}

	dc := make(chan error, 1)
	go func() {
		dc <- cmd.Wait()
	}()

	return cmd.Process.Pid, dc, nil
}

// mergeEnv overlays the entries of env onto base. Overlaid entries are appended in sorted order
// so they win over base and the result is deterministic.
func mergeEnv(base []string, env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(base)+len(keys))
	out = append(out, base...)
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}

	return out
}
