package main

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
)

//////////////////////////////////////////////////////////////////////

type usageTestCase struct {
	args   []string // ARGV - not counting command
	stdout []string // Expected stdout strings
	stderr string   // Expected stderr string
}

var usageTestCases = []usageTestCase{
	{[]string{"--version"}, []string{"portnanny", "Version:"}, ""},
	{[]string{"-h"}, []string{"NAME", "SYNOPSIS", "SIGNALS", "OPTIONS", "Version: v"}, ""},
	{[]string{}, []string{}, "a single configuration file must be supplied"},
	{[]string{"one.conf", "two.conf"}, []string{}, "a single configuration file must be supplied"},
	{[]string{"-badopt"}, []string{}, "flag provided but not defined"},
	{[]string{"-S", "frogs", "x.conf"}, []string{}, "bad stack limit"},
	{[]string{"-S", "-10", "x.conf"}, []string{}, "bad stack limit"},
	{[]string{"/no/such/config/file"}, []string{}, "cannot load conf file"},
}

func TestUsage(t *testing.T) {
	for tx, tc := range usageTestCases {
		t.Run(fmt.Sprintf("%d", tx), func(t *testing.T) {
			args := append([]string{"portnanny"}, tc.args...)
			out := &bytes.Buffer{}
			err := &bytes.Buffer{}
			mainInit(out, err)
			ec := mainExecute(args)
			outStr := out.String()
			errStr := err.String()

			if ec == 0 && len(tc.stderr) > 0 {
				t.Error("Expected an error exit with stderr", tc.stderr)
			}
			if ec != 0 && len(tc.stderr) == 0 {
				t.Error("Expected a zero exit code, got", ec, errStr)
			}
			if !strings.Contains(errStr, tc.stderr) {
				t.Error("Stderr expected:", tc.stderr, "Got:", errStr)
			}

			for _, o := range tc.stdout {
				if !strings.Contains(outStr, o) {
					t.Error("Stdout expected:", o, "Got:", outStr)
				}
			}
		})
	}
}
