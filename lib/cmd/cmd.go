// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// package cmd helps define reusable functions that can be exposed as
// [subcommands of] command line programs.
package cmd

import (
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

type Handler interface {
	RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int
}

type HandlerFunc func(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int

func (f HandlerFunc) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	return f(prog, args, stdin, stdout, stderr)
}

// Version is a Handler that prints the program name and version.
type Version string

func (v Version) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	prog = progBasename(prog)
	fmt.Fprintf(stdout, "%s %s (%s)\n", prog, v, runtime.Version())
	return 0
}

func progBasename(prog string) string {
	if i := strings.Index(prog, " "); i >= 0 {
		prog = prog[:i]
	}
	return filepath.Base(prog)
}

// Multi is a Handler that looks up its first argument in a map, and
// invokes the resulting Handler with the remaining args.
//
// Example:
//
//	os.Exit(Multi(map[string]Handler{
//	        "foobar": HandlerFunc(func(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
//	                fmt.Fprintln(stdout, args[0])
//	                return 2
//	        })},
//	}).RunCommand("/usr/bin/multi", []string{"foobar", "baz"}, os.Stdin, os.Stdout, os.Stderr))
//
// ...prints "baz" and exits 2.
type Multi map[string]Handler

func (m Multi) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintf(stderr, "usage: %s command [args]\n", prog)
		m.Usage(stderr)
		return 2
	}
	cmd, ok := m[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "unrecognized command %q\n", args[0])
		m.Usage(stderr)
		return 2
	}
	return cmd.RunCommand(prog+" "+args[0], args[1:], stdin, stdout, stderr)
}

func (m Multi) Usage(stderr io.Writer) {
	var subcommands []string
	for sc := range m {
		if strings.HasPrefix(sc, "-") {
			// Alternate spellings like "--version" clutter
			// the summary.
			continue
		}
		subcommands = append(subcommands, sc)
	}
	sort.Strings(subcommands)
	fmt.Fprintf(stderr, "\nAvailable commands:\n")
	for _, sc := range subcommands {
		fmt.Fprintf(stderr, "    %s\n", sc)
	}
}
