// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package raycluster

import (
	"os"
	"path/filepath"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&LogsSuite{})

type LogsSuite struct{}

func (s *LogsSuite) TestPatterns(c *check.C) {
	src, dst := c.MkDir(), c.MkDir()
	for _, f := range []string{"raylet.out", "raylet.err", "gcs_server.out", "old/python-core-driver.log"} {
		c.Assert(os.MkdirAll(filepath.Dir(filepath.Join(src, f)), 0755), check.IsNil)
		c.Assert(os.WriteFile(filepath.Join(src, f), []byte(f), 0644), check.IsNil)
	}
	n, err := harvestLogs(src, dst, []string{"*.out", "raylet.*", "**/*.log"})
	c.Check(err, check.IsNil)
	c.Check(n, check.Equals, 4)
	n, err = harvestLogs(src, c.MkDir(), []string{"*.out"})
	c.Check(err, check.IsNil)
	c.Check(n, check.Equals, 2)

	buf, err := os.ReadFile(filepath.Join(dst, "old", "python-core-driver.log"))
	c.Check(err, check.IsNil)
	c.Check(string(buf), check.Equals, "old/python-core-driver.log")
}

func (s *LogsSuite) TestMissingSource(c *check.C) {
	n, err := harvestLogs(filepath.Join(c.MkDir(), "nonexistent"), c.MkDir(), []string{"**"})
	c.Check(err, check.IsNil)
	c.Check(n, check.Equals, 0)
}

func (s *LogsSuite) TestBadPattern(c *check.C) {
	src := c.MkDir()
	c.Assert(os.WriteFile(filepath.Join(src, "a.out"), nil, 0644), check.IsNil)
	n, err := harvestLogs(src, c.MkDir(), []string{"[", "*.out"})
	c.Check(err, check.ErrorMatches, `pattern "\[": .*`)
	c.Check(n, check.Equals, 1)
}
