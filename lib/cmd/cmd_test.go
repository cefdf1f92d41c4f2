// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"strings"
	"testing"

	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&CmdSuite{})

type CmdSuite struct{}

var testCmd = Multi(map[string]Handler{
	"echo": HandlerFunc(func(prog string, args []string, stdin io.Reader, stdout io.Writer, stderr io.Writer) int {
		fmt.Fprintln(stdout, strings.Join(args, " "))
		return 0
	}),
	"version":   Version("1.2.3"),
	"--version": Version("1.2.3"),
})

func (s *CmdSuite) TestHello(c *check.C) {
	stdout := bytes.NewBuffer(nil)
	stderr := bytes.NewBuffer(nil)
	exited := testCmd.RunCommand("prog", []string{"echo", "hello", "world"}, bytes.NewReader(nil), stdout, stderr)
	c.Check(exited, check.Equals, 0)
	c.Check(stdout.String(), check.Equals, "hello world\n")
	c.Check(stderr.String(), check.Equals, "")
}

func (s *CmdSuite) TestVersion(c *check.C) {
	stdout := bytes.NewBuffer(nil)
	exited := testCmd.RunCommand("/usr/bin/raycluster", []string{"--version"}, nil, stdout, io.Discard)
	c.Check(exited, check.Equals, 0)
	c.Check(stdout.String(), check.Matches, `raycluster 1\.2\.3 \(go.*\)\n`)
}

func (s *CmdSuite) TestUsage(c *check.C) {
	stdout := bytes.NewBuffer(nil)
	stderr := bytes.NewBuffer(nil)
	exited := testCmd.RunCommand("prog", []string{"nosuchcommand", "hi"}, bytes.NewReader(nil), stdout, stderr)
	c.Check(exited, check.Equals, 2)
	c.Check(stdout.String(), check.Equals, "")
	c.Check(stderr.String(), check.Matches, `(?ms)^unrecognized command "nosuchcommand"\n.*echo.*`)
	c.Check(stderr.String(), check.Not(check.Matches), `(?ms).*--version.*`)

	stderr.Reset()
	exited = testCmd.RunCommand("prog", nil, bytes.NewReader(nil), stdout, stderr)
	c.Check(exited, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `(?ms)^usage: prog command \[args\].*`)
}

func (s *CmdSuite) TestParseFlags(c *check.C) {
	stderr := bytes.NewBuffer(nil)
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	n := flags.Int("n", 1, "count")

	ok, code := ParseFlags(flags, "prog", []string{"-n", "3"}, "", stderr)
	c.Check(ok, check.Equals, true)
	c.Check(code, check.Equals, 0)
	c.Check(*n, check.Equals, 3)

	ok, code = ParseFlags(flags, "prog", []string{"-n", "3", "extra"}, "", stderr)
	c.Check(ok, check.Equals, false)
	c.Check(code, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `unrecognized command line arguments: \["extra"\] \(try prog -help\)\n`)

	stderr.Reset()
	ok, code = ParseFlags(flags, "prog", []string{"-bogus"}, "", stderr)
	c.Check(ok, check.Equals, false)
	c.Check(code, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `error parsing command line arguments: .*\n`)

	stderr.Reset()
	ok, code = ParseFlags(flags, "prog", []string{"-help"}, "type", stderr)
	c.Check(ok, check.Equals, false)
	c.Check(code, check.Equals, 0)
	c.Check(stderr.String(), check.Matches, `(?ms)^Usage: prog \[options\] type\n.*-n.*count.*`)
}
