/*
Package identd implements the client end of the RFC1413 ident protocol. The sole product is the
user ID string the remote identd claims owns the far end of a TCP connection, or the empty string
when no identification can be made for any reason at all: no identd, a refusing identd, a slow
identd, a malformed reply. Callers never see an error since there is nothing useful they could do
with one.

The timeout is the total wall-clock allowance for the whole exchange, not a per-operation figure,
so a dribbling identd cannot hold a connection decision hostage.
*/
package identd

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/markdingo/portnanny/internal/constants"
)

const maxReply = 1024 // No sane identd reply will ever be over this size

// Client issues ident queries. The zero value uses the well-known port and the package default
// timeout; tests override both.
type Client struct {
	Port    string // Dialed on the remote host. Empty means the RFC1413 port.
	Timeout time.Duration
}

func (t *Client) port() string {
	if len(t.Port) > 0 {
		return t.Port
	}
	return constants.Get().IdentdPort
}

func (t *Client) timeout() time.Duration {
	if t.Timeout > 0 {
		return t.Timeout
	}
	return constants.Get().IdentdTimeout
}

// UserID asks the identd on remoteIP who owns the connection from remotePort to our
// localIP:localPort. We must dial from the specific local interface as a multihomed host would
// otherwise get errors, or worse, the wrong answer.
func (t *Client) UserID(remoteIP string, remotePort int, localIP string, localPort int) string {
	deadline := time.Now().Add(t.timeout())
	dialer := net.Dialer{Deadline: deadline}
	if ip := net.ParseIP(localIP); ip != nil {
		dialer.LocalAddr = &net.TCPAddr{IP: ip}
	}
	conn, err := dialer.Dial("tcp", net.JoinHostPort(remoteIP, t.port()))
	if err != nil {
		return ""
	}
	defer conn.Close()
	conn.SetDeadline(deadline)

	_, err = fmt.Fprintf(conn, "%d, %d\r\n", remotePort, localPort)
	if err != nil {
		return ""
	}

	buf := make([]byte, 0, maxReply)
	chunk := make([]byte, maxReply)
	for len(buf) < maxReply && !strings.ContainsRune(string(buf), '\n') {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil { // EOF or timeout, either way we have all we'll get
			break
		}
	}

	return parseReply(string(buf))
}

// parseReply extracts the user ID from an identd reply line, or returns "". A good reply has four
// colon-separated fields with USERID as the reply type:
//
//	6113, 23 : USERID : UNIX : cks
func parseReply(reply string) string {
	pos := strings.IndexByte(reply, '\n')
	if pos < 0 {
		return ""
	}
	fields := strings.Split(reply[:pos], ":")
	if len(fields) != 4 {
		return ""
	}
	for ix, f := range fields {
		fields[ix] = strings.TrimSpace(f)
	}
	if fields[1] != "USERID" {
		return ""
	}

	return fields[3]
}
