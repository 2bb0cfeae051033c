/*
Package nannyconf loads the main configuration file. Lines are 'directive argument' pairs;
'listen' may repeat, everything else may not. Nothing here validates the existence of objects:
files and users are only checked when used.

A complete configuration has at least one 'listen' plus both 'rulefile' and 'actionfile';
everything else is optional.
*/
package nannyconf

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/markdingo/portnanny/internal/cfreader"
	"github.com/markdingo/portnanny/internal/parseutil"
)

// Listen is one listen address. An empty Host means all addresses.
type Listen struct {
	Host, Port string
}

// Config is the parsed configuration. The Have* flags distinguish an absent optional directive
// from its zero value.
type Config struct {
	Listens []Listen

	RuleFile        string
	ActionFile      string
	User            string
	AfterMaxThreads string // Class forced onto connections over the maxthreads limit

	DropIPAfter     time.Duration
	HaveDropIPAfter bool
	ExpireEvery     time.Duration
	HaveExpireEvery bool

	MaxThreads     int
	HaveMaxThreads bool

	OnFileError   string // "drop" or "use-old"
	Substitutions string // "on" or "off"

	seen map[string]bool
}

func New() *Config {
	return &Config{seen: make(map[string]bool)}
}

// String reproduces the configuration with directives sorted, durations in seconds and listen
// lines last. Parsing the output gives the same configuration back.
func (t *Config) String() string {
	var lines []string
	add := func(k, v string) {
		if t.seen[k] {
			lines = append(lines, k+" "+v)
		}
	}
	add("actionfile", t.ActionFile)
	add("aftermaxthreads", t.AfterMaxThreads)
	add("dropipafter", fmt.Sprintf("%ds", int(t.DropIPAfter/time.Second)))
	add("expireevery", fmt.Sprintf("%ds", int(t.ExpireEvery/time.Second)))
	add("maxthreads", strconv.Itoa(t.MaxThreads))
	add("onfileerror", t.OnFileError)
	add("rulefile", t.RuleFile)
	add("substitutions", t.Substitutions)
	add("user", t.User)
	sort.Strings(lines)

	listens := make([]Listen, len(t.Listens))
	copy(listens, t.Listens)
	sort.Slice(listens, func(i, j int) bool {
		if listens[i].Host != listens[j].Host {
			return listens[i].Host < listens[j].Host
		}
		return listens[i].Port < listens[j].Port
	})
	for _, l := range listens {
		lines = append(lines, fmt.Sprintf("listen %s@%s", l.Port, l.Host))
	}

	return strings.Join(lines, "\n") + "\n"
}

// ParseLine parses one configuration line.
func (t *Config) ParseLine(line string, lineno int) error {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return errors.New("badly formatted line")
	}
	dir, arg := fields[0], fields[1]
	if dir != "listen" && t.seen[dir] {
		return fmt.Errorf("can only give one %s directive", dir)
	}
	t.seen[dir] = true

	var err error
	switch dir {
	case "rulefile":
		t.RuleFile = arg
	case "actionfile":
		t.ActionFile = arg
	case "user":
		t.User = arg
	case "aftermaxthreads":
		t.AfterMaxThreads = arg
	case "dropipafter":
		t.DropIPAfter, err = parseutil.GetSecs(arg)
		t.HaveDropIPAfter = err == nil
	case "expireevery":
		t.ExpireEvery, err = parseutil.GetSecs(arg)
		t.HaveExpireEvery = err == nil
	case "maxthreads":
		t.MaxThreads, err = strconv.Atoi(arg)
		if err != nil {
			err = errors.New("bad argument to maxthreads")
		}
		t.HaveMaxThreads = err == nil
	case "listen":
		// The port must always be specified; the address can be wildcarded
		host, port, ok := parseutil.GetHostPort(arg)
		if !ok {
			return errors.New("bad argument to listen")
		}
		if len(port) == 0 {
			return errors.New("listen requires a port")
		}
		t.Listens = append(t.Listens, Listen{Host: host, Port: port})
	case "onfileerror":
		if arg != "drop" && arg != "use-old" {
			return errors.New("unknown option for onfileerror")
		}
		t.OnFileError = arg
	case "substitutions":
		if arg != "off" && arg != "on" {
			return errors.New("substitutions must be off or on")
		}
		t.Substitutions = arg
	default:
		return errors.New("unknown config file directive " + dir)
	}

	return err
}

// ensureComplete checks that the configuration specifies at least some value for everything
// needed, plus that directive combinations do not conflict.
func (t *Config) ensureComplete() error {
	if len(t.Listens) == 0 {
		return errors.New("no listen directives specified")
	}
	if !t.seen["rulefile"] {
		return errors.New("no rulefile directive given")
	}
	if !t.seen["actionfile"] {
		return errors.New("no actionfile directive given")
	}
	if t.HaveDropIPAfter && t.HaveExpireEvery && t.ExpireEvery < 0 {
		return errors.New("dropipafter conflicts with an expireevery that turns expiry processing off")
	}

	return nil
}

// FromReader parses an entire configuration and verifies its completeness. Completeness is a
// meta-format issue of the config file, so it belongs here rather than with the users of the
// configuration.
func FromReader(r io.Reader, fname string) (*Config, error) {
	t := New()
	if err := cfreader.Apply(r, fname, t.ParseLine); err != nil {
		return nil, err
	}
	if err := t.ensureComplete(); err != nil {
		return nil, fmt.Errorf("error loading %s: %w", fname, err)
	}

	return t, nil
}

// FromFile is FromReader on a named file.
func FromFile(fname string) (*Config, error) {
	fp, err := os.Open(fname)
	if err != nil {
		return nil, fmt.Errorf("cannot open %s: %w", fname, err)
	}
	defer fp.Close()

	return FromReader(fp, fname)
}
