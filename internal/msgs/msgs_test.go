package msgs

import (
	"testing"

	"github.com/markdingo/portnanny/internal/hostinfo"
	"github.com/markdingo/portnanny/internal/rules"
)

func makeHI(rip string) *hostinfo.HostInfo {
	return hostinfo.New(hostinfo.Deps{}, "127.0.0.1", 25, rip, 100)
}

func TestFormat(t *testing.T) {
	hi := makeHI("127.100.0.10")
	fc := &rules.Rule{Class: "test", Lineno: 10, Label: "foo-bar"}

	r, err := Format("%(class)s@%(lineno)s aka %(label)s: %(hostname)s", hi, fc, nil, nil)
	if err != nil {
		t.Fatal("Unexpected error:", err)
	}
	if r != "test@10 aka foo-bar: 127.100.0.10" {
		t.Error("Unexpected expansion:", r)
	}

	r, _ = Format("%(frobnitz)s", hi, fc, nil, map[string]string{"frobnitz": "foobar"})
	if r != "foobar" {
		t.Error("Extra values should expand, got", r)
	}

	r, _ = Format("%(nl)s!%(cr)s!%(eol)s!", hi, fc, nil, nil)
	if r != "\n!\r!\r\n!" {
		t.Errorf("Unexpected line ending expansion: %q", r)
	}

	fc2 := &rules.Rule{Class: "test", Lineno: 10, Label: "a_b_c"}
	r, _ = Format("!%(label)s+", hi, fc2, nil, nil)
	if r != "!a b c+" {
		t.Error("Label underscores should become spaces, got", r)
	}
}

func TestFormatSdict(t *testing.T) {
	hi := makeHI("127.100.0.10")
	fc := &rules.Rule{Class: "test", Lineno: 10, Label: "foo-bar"}

	sdict := map[string]string{"abc": "def"}
	r, err := Format("%(abc)s", hi, fc, sdict, nil)
	if err != nil {
		t.Fatal("Unexpected error:", err)
	}
	if r != "def" {
		t.Error("sdict values should expand, got", r)
	}
	if len(sdict) != 1 || sdict["abc"] != "def" {
		t.Error("Format must not mutate sdict")
	}

	// sdict specifically cannot override connection values
	sdict = map[string]string{"ip": "def"}
	r, _ = Format("%(ip)s", hi, fc, sdict, nil)
	if r != "127.100.0.10" {
		t.Error("sdict must not shadow connection values, got", r)
	}
}

func TestExpandErrors(t *testing.T) {
	bad := []string{
		"%(nothere)s",
		"trailing %",
		"%q",
		"%(unterminated",
		"%(ip)d",
		"%(ip)",
	}
	dict := map[string]string{"ip": "127.0.0.1"}
	for _, msg := range bad {
		if _, err := Expand(msg, dict); err == nil {
			t.Errorf("Expected %q to fail", msg)
		}
	}

	r, err := Expand("100%% pure", dict)
	if err != nil {
		t.Fatal("Unexpected error:", err)
	}
	if r != "100% pure" {
		t.Error("%% should expand to a literal %, got", r)
	}
}
