// Package parseutil holds the little parsing helpers shared by the config loader and the
// matchers: dotted-quad recognition, the PORT@HOST address form and suffixed time durations.
package parseutil

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// IsIPAddr reports whether s is a full dotted-quad IPv4 address.
func IsIPAddr(s string) bool {
	octets := strings.Split(s, ".")
	if len(octets) != 4 {
		return false
	}
	for _, o := range octets {
		v, err := strconv.Atoi(o)
		if err != nil || v < 0 || v > 255 {
			return false
		}
	}

	return true
}

// GetHostPort parses the PORT@HOST form. Either half is optional, in which case the '@' is too; a
// '*' for either half means "any" and comes back empty. The host must be an IP address. ok is
// false for anything unparseable, including the degenerate "*@*".
func GetHostPort(s string) (host, port string, ok bool) {
	pos := strings.IndexByte(s, '@')
	if pos < 0 {
		// Either a port or an IP address and we have to figure out which.
		if IsIPAddr(s) {
			return s, "", true
		}
		if _, err := strconv.Atoi(s); err != nil {
			return "", "", false
		}
		return "", s, true
	}
	port = s[:pos]
	host = s[pos+1:]
	if port == "*" {
		port = ""
	}
	if host == "*" {
		host = ""
	}
	if len(port) > 0 {
		if _, err := strconv.Atoi(port); err != nil {
			return "", "", false
		}
	}
	if len(host) > 0 && !IsIPAddr(host) {
		return "", "", false
	}
	if len(host) == 0 && len(port) == 0 {
		return "", "", false
	}

	return host, port, true
}

// GetSecs parses a time duration written as Ns, Nm, Nh or Nd.
func GetSecs(val string) (time.Duration, error) {
	if len(val) == 0 {
		return 0, errors.New("time duration does not end in s/m/h/d")
	}
	var unit time.Duration
	switch val[len(val)-1] {
	case 's':
		unit = time.Second
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	default:
		return 0, errors.New("time duration does not end in s/m/h/d")
	}
	num, err := strconv.Atoi(val[:len(val)-1])
	if err != nil {
		return 0, errors.New("not a number in time duration")
	}

	return time.Duration(num) * unit, nil
}
