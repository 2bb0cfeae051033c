// osutil is a helper package to abstract OS interactions: dropping privileges after the listen
// sockets have been bound, signal plumbing and resource limits.

package osutil

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

const (
	me = "osutil.Constrain: "
)

// Constrain downgrades the abilities of the process by changing to a nominated user which
// presumably has less power than the one that bound the privileged sockets.
//
// The order of operations is important. The symbolic user name is converted to a uid/gid and its
// supplementary group list first while we have access to /etc/passwd and /etc/group (or the moral
// equivalent), then the gid and supplementary groups are set while we still have a powerful uid,
// and finally setuid makes the whole sequence irreversible. The final getuid/getgid check catches
// the historical Go-on-Linux situation where setuid only applied to one thread.
//
// A no-op if userName is empty. An error is returned if the downgrade could not be completed.
func Constrain(userName string) error {
	if len(userName) == 0 {
		return nil
	}

	u, err := user.Lookup(userName)
	if err != nil {
		return fmt.Errorf(me+"Lookup failed: %s", err.Error())
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf(me+"Could not convert UID %s to an int: %s", u.Uid, err.Error())
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return fmt.Errorf(me+"Could not convert GID %s to an int: %s", u.Gid, err.Error())
	}
	gidStrs, err := u.GroupIds()
	if err != nil {
		return fmt.Errorf(me+"Could not list groups for %s: %s", userName, err.Error())
	}
	gids := make([]int, 0, len(gidStrs))
	for _, gs := range gidStrs {
		g, err := strconv.Atoi(gs)
		if err != nil {
			return fmt.Errorf(me+"Could not convert GID %s to an int: %s", gs, err.Error())
		}
		gids = append(gids, g)
	}

	err = unix.Setgid(gid)
	if err != nil {
		return fmt.Errorf(me+"Could not setgid to %d/%s: %s", gid, userName, err.Error())
	}
	err = unix.Setgroups(gids)
	if err != nil {
		return fmt.Errorf(me+"Could not set group list: %s", err.Error())
	}
	err = unix.Setuid(uid)
	if err != nil {
		return fmt.Errorf(me+"Could not setuid to %d/%s: %s", uid, userName, err.Error())
	}
	if os.Getuid() != uid || os.Getgid() != gid {
		return fmt.Errorf(me+"after setuid to %d/%s the UID or GID is not that of the target",
			uid, userName)
	}

	return nil
}

// ConstraintReport returns a printable string showing the uid/gid/cwd of the process. Normally
// called after Constrain() to "prove" that the process has been downgraded.
func ConstraintReport() string {
	uid := os.Getuid()
	gid := os.Getgid()
	cwd, _ := os.Getwd()
	gList, _ := os.Getgroups()
	gStr := make([]string, 0, len(gList))
	for _, g := range gList {
		gStr = append(gStr, fmt.Sprintf("%d", g))
	}

	return fmt.Sprintf("uid=%d gid=%d (%s) cwd=%s", uid, gid, strings.Join(gStr, ","), cwd)
}
