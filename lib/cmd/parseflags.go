// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"flag"
	"fmt"
	"io"
)

// FlagSet is implemented by *flag.FlagSet and by getopt flag sets,
// which raycluster subcommands use interchangeably.
type FlagSet interface {
	Init(string, flag.ErrorHandling)
	Args() []string
	NArg() int
	Parse([]string) error
	SetOutput(io.Writer)
	PrintDefaults()
}

// ParseFlags parses a subcommand's arguments, e.g. those following
// "raycluster start". Usage errors and -help output go to stderr.
//
// positional describes the non-flag arguments the subcommand takes,
// like "job-type", for the usage line. If it is empty, any
// non-flag argument is a usage error.
//
// ok is false if the subcommand should return exitCode right away:
// 0 after printing help, 2 after a usage error.
func ParseFlags(f FlagSet, prog string, args []string, positional string, stderr io.Writer) (ok bool, exitCode int) {
	f.Init(prog, flag.ContinueOnError)
	f.SetOutput(io.Discard)
	err := f.Parse(args)
	if err == flag.ErrHelp {
		PrintUsage(stderr, f, prog, positional)
		return false, 0
	} else if err != nil {
		fmt.Fprintf(stderr, "error parsing command line arguments: %s (try %s -help)\n", err, prog)
		return false, 2
	} else if positional == "" && f.NArg() > 0 {
		fmt.Fprintf(stderr, "unrecognized command line arguments: %q (try %s -help)\n", f.Args(), prog)
		return false, 2
	}
	return true, 0
}

// PrintUsage writes a usage line followed by the flag defaults.
func PrintUsage(w io.Writer, f FlagSet, prog, positional string) {
	fmt.Fprintf(w, "Usage: %s [options] %s\n", prog, positional)
	f.SetOutput(w)
	f.PrintDefaults()
	f.SetOutput(io.Discard)
}
