// Package msgs formats messages and log lines by stirring a template with a dictionary of
// connection information. Templates use %(name)s substitutions; the dictionary is drawn from the
// HostInfo plus the matching classifier rule.
package msgs

import (
	"errors"
	"strconv"
	"strings"

	"github.com/markdingo/portnanny/internal/hostinfo"
	"github.com/markdingo/portnanny/internal/rules"
)

// Expand replaces every %(name)s in msg with its dictionary value. '%%' produces a literal '%'.
// Anything malformed or naming a missing key is an error; callers decide how fatal that is.
func Expand(msg string, dict map[string]string) (string, error) {
	var sb strings.Builder
	for i := 0; i < len(msg); i++ {
		c := msg[i]
		if c != '%' {
			sb.WriteByte(c)
			continue
		}
		i++
		if i >= len(msg) {
			return "", errors.New("message ends with a bare %")
		}
		if msg[i] == '%' {
			sb.WriteByte('%')
			continue
		}
		if msg[i] != '(' {
			return "", errors.New("bad % substitution in message")
		}
		end := strings.IndexByte(msg[i:], ')')
		if end < 0 {
			return "", errors.New("unterminated %( substitution in message")
		}
		key := msg[i+1 : i+end]
		i += end + 1
		if i >= len(msg) || msg[i] != 's' {
			return "", errors.New("% substitution is not of string type")
		}
		v, ok := dict[key]
		if !ok {
			return "", errors.New("no such substitution: " + key)
		}
		sb.WriteString(v)
	}

	return sb.String(), nil
}

// InfoDict builds the substitution dictionary for one message. sdict holds optional additional
// substitutions which specifically cannot override values from elsewhere; extra holds
// caller-supplied values which can. Underscores in rule labels become spaces so labels can be
// written as single words in rules files.
func InfoDict(hi *hostinfo.HostInfo, cls *rules.Rule, sdict, extra map[string]string) map[string]string {
	d := hi.Info()
	if cls != nil {
		d["class"] = cls.Class
		d["lineno"] = strconv.Itoa(cls.Lineno)
		if len(cls.Label) > 0 {
			d["label"] = strings.ReplaceAll(cls.Label, "_", " ")
		}
	}
	for k, v := range extra {
		d[k] = v
	}
	// Some way to insert \r, \n and \r\n
	d["cr"] = "\r"
	d["nl"] = "\n"
	d["eol"] = "\r\n"

	rd := make(map[string]string, len(sdict)+len(d))
	for k, v := range sdict {
		rd[k] = v
	}
	for k, v := range d {
		rd[k] = v
	}

	return rd
}

// Format is Expand over InfoDict.
func Format(msg string, hi *hostinfo.HostInfo, cls *rules.Rule, sdict, extra map[string]string) (string, error) {
	return Expand(msg, InfoDict(hi, cls, sdict, extra))
}
