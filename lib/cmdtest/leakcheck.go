// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package cmdtest provides tools for testing command line tools.
package cmdtest

import (
	"io"
	"os"

	check "gopkg.in/check.v1"
)

// LeakCheck tests for output leaked to os.Stdout and os.Stderr that
// should have gone to the stdout and stderr passed to a
// cmd.Handler.
//
// It redirects os.Stdout and os.Stderr to temporary files and
// returns a func, which the caller should defer, that restores them
// and checks that nothing was written.
//
//	func (s *Suite) TestSomething(c *check.C) {
//		defer cmdtest.LeakCheck(c)()
//		// ... run a command
//	}
func LeakCheck(c *check.C) func() {
	tmpfiles := map[string]*os.File{}
	for _, name := range []string{"stdout", "stderr"} {
		f, err := os.CreateTemp(c.MkDir(), name)
		c.Assert(err, check.IsNil)
		tmpfiles[name] = f
	}

	stdout, stderr := os.Stdout, os.Stderr
	os.Stdout, os.Stderr = tmpfiles["stdout"], tmpfiles["stderr"]
	return func() {
		os.Stdout, os.Stderr = stdout, stderr
		for name, f := range tmpfiles {
			_, err := f.Seek(0, io.SeekStart)
			c.Assert(err, check.IsNil)
			leaked, err := io.ReadAll(f)
			c.Assert(err, check.IsNil)
			c.Check(string(leaked), check.Equals, "", check.Commentf("output leaked to os.%s", name))
			f.Close()
		}
	}
}
