// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"io"
	"os"

	"github.com/rayhpc/raycluster/lib/cmd"
	"github.com/rayhpc/raycluster/lib/config"
	"github.com/rayhpc/raycluster/lib/raycluster"
)

var (
	version = "dev"
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version(version),
		"-version":  cmd.Version(version),
		"--version": cmd.Version(version),

		"start":           raycluster.StartCommand,
		"worker-script":   raycluster.WorkerScriptCommand,
		"job-types":       raycluster.JobTypesCommand,
		"config-defaults": cmd.HandlerFunc(configDefaults),
	})
)

func configDefaults(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	_, err := stdout.Write(config.DefaultYAML)
	if err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
