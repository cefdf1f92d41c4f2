// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package raycluster

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/rayhpc/raycluster/lib/cmdtest"
	"github.com/rayhpc/raycluster/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&CmdSuite{})

type CmdSuite struct{}

const cmdTestConfig = `
WorkDir: /tmp/raycluster-test/work
TempDir: /tmp/raycluster-test/temp
PlasmaDir: /dev/shm/raycluster-test/plasma
RayExecutable: /opt/ray/bin/ray
NetworkInterface: eth0
JobTypes:
  small:
    SbatchArgs: [--partition=standard]
    NumCPUs: 2
    Resources: {small: 1}
`

func (s *CmdSuite) TestJobTypes(c *check.C) {
	defer cmdtest.LeakCheck(c)()
	var stdout, stderr bytes.Buffer
	code := JobTypesCommand.RunCommand("raycluster job-types", []string{"-config", "-"}, strings.NewReader(cmdTestConfig), &stdout, &stderr)
	c.Check(code, check.Equals, 0, check.Commentf("%s", stderr.String()))
	c.Check(stdout.String(), check.Matches, `(?ms)^NAME +CPUS +GPUS +RESOURCES +SBATCH ARGS\n.*`)
	c.Check(stdout.String(), check.Matches, `(?ms).*^rivanna:bii-gpu +40 +4 +\{"node":1\} +--partition=bii-gpu .*`)
	c.Check(stdout.String(), check.Matches, `(?ms).*^small +2 +0 +\{"small":1\} +--partition=standard$.*`)
}

func (s *CmdSuite) TestWorkerScript(c *check.C) {
	defer cmdtest.LeakCheck(c)()
	var stdout, stderr bytes.Buffer
	code := WorkerScriptCommand.RunCommand("raycluster worker-script", []string{"--config=-", "--head-address=10.1.2.3:6379", "small"}, strings.NewReader(cmdTestConfig), &stdout, &stderr)
	c.Check(code, check.Equals, 0, check.Commentf("%s", stderr.String()))
	script := stdout.String()
	c.Check(script, check.Matches, `(?s)#!/bin/bash\n.*`)
	c.Check(script, check.Matches, `(?s).* --address='10\.1\.2\.3:6379' .*`)
	c.Check(script, check.Matches, `(?s).* --node-name='worker\.small\.0' .*`)
	c.Check(script, check.Matches, `(?s).*\nRAY='/opt/ray/bin/ray'\n.*`)
	c.Check(script, check.Matches, `(?s).*\nLOG_DIR='/tmp/raycluster-test/work/ray-logs/worker\.small\.0'\n.*`)
	c.Check(script, check.Matches, `(?s).* --worker-port-list='(\d+,){49}\d+' .*`)
}

func (s *CmdSuite) TestWorkerScriptShortOptions(c *check.C) {
	defer cmdtest.LeakCheck(c)()
	path := filepath.Join(c.MkDir(), "config.yml")
	c.Assert(os.WriteFile(path, []byte(cmdTestConfig), 0644), check.IsNil)
	var stdout, stderr bytes.Buffer
	code := WorkerScriptCommand.RunCommand("raycluster worker-script", []string{"-c", path, "-a", "10.9.8.7:6379", "-i", "7", "small"}, nil, &stdout, &stderr)
	c.Check(code, check.Equals, 0, check.Commentf("%s", stderr.String()))
	c.Check(stdout.String(), check.Matches, `(?s).* --address='10\.9\.8\.7:6379' .*`)
	c.Check(stdout.String(), check.Matches, `(?s).* --node-name='worker\.small\.7' .*`)
}

func (s *CmdSuite) TestWorkerScriptUnknownType(c *check.C) {
	defer cmdtest.LeakCheck(c)()
	var stdout, stderr bytes.Buffer
	code := WorkerScriptCommand.RunCommand("raycluster worker-script", []string{"--config=-", "nonexistent"}, strings.NewReader(cmdTestConfig), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stdout.String(), check.Equals, "")
	c.Check(stderr.String(), check.Matches, `(?s).*unknown job type: \\"nonexistent\\".*`)
}

func (s *CmdSuite) TestWorkerScriptUsage(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := WorkerScriptCommand.RunCommand("raycluster worker-script", []string{"--config=-"}, strings.NewReader(cmdTestConfig), &stdout, &stderr)
	c.Check(code, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `(?s)Usage: raycluster worker-script \[options\] job-type\n.*head-address.*`)
}

func (s *CmdSuite) TestStartDumpConfig(c *check.C) {
	defer cmdtest.LeakCheck(c)()
	var stdout, stderr bytes.Buffer
	code := StartCommand.RunCommand("raycluster start", []string{"-config", "-", "-dump-config"}, strings.NewReader(cmdTestConfig+"Account: bii_dsc\n"), &stdout, &stderr)
	c.Check(code, check.Equals, 0, check.Commentf("%s", stderr.String()))
	c.Check(stdout.String(), check.Matches, `(?ms).*^Account: bii_dsc$.*`)
	c.Check(stdout.String(), check.Matches, `(?ms).*^NetworkInterface: eth0$.*`)
}

func (s *CmdSuite) TestStartWithoutAccount(c *check.C) {
	defer cmdtest.LeakCheck(c)()
	var stdout, stderr bytes.Buffer
	code := StartCommand.RunCommand("raycluster start", []string{"-config", "-"}, strings.NewReader(cmdTestConfig), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?s).*Account is not configured.*`)
}

func (s *CmdSuite) TestStartBadFlag(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := StartCommand.RunCommand("raycluster start", []string{"-bogus"}, nil, &stdout, &stderr)
	c.Check(code, check.Equals, 2)
}

func (s *CmdSuite) TestApplyWorkerTargets(c *check.C) {
	cs := &ClusterSuite{}
	cs.SetUpTest(c)
	defer cs.TearDownTest(c)
	ctx := ctxlog.Context(context.Background(), ctxlog.TestLogger(c))
	c.Assert(cs.cluster.Start(ctx), check.IsNil)

	err := applyWorkerTargets(ctx, cs.cluster, nil, map[string]int{"small": 2, "gpu": 1})
	c.Assert(err, check.IsNil)
	c.Check(cs.backend.submittedNames(), check.DeepEquals, []string{"worker.gpu.0", "worker.small.0", "worker.small.1"})

	// A type dropped from the targets is scaled to zero.
	err = applyWorkerTargets(ctx, cs.cluster, map[string]int{"small": 2, "gpu": 1}, map[string]int{"small": 1})
	c.Assert(err, check.IsNil)
	c.Check(cs.backend.cancelledNames(), check.DeepEquals, []string{"worker.gpu.0", "worker.small.1"})

	err = applyWorkerTargets(ctx, cs.cluster, nil, map[string]int{"nonexistent": 1})
	c.Check(err, check.ErrorMatches, `scaling nonexistent to 1: unknown job type.*`)
}

func (s *CmdSuite) TestReloadWorkerTargetsPartialFailure(c *check.C) {
	cs := &ClusterSuite{}
	cs.SetUpTest(c)
	defer cs.TearDownTest(c)
	ctx := ctxlog.Context(context.Background(), ctxlog.TestLogger(c))
	c.Assert(cs.cluster.Start(ctx), check.IsNil)

	current := map[string]int{"gpu": 1, "small": 1}
	c.Assert(applyWorkerTargets(ctx, cs.cluster, nil, current), check.IsNil)

	// "bogus" sorts before "gpu", so the failure happens before
	// gpu's scale-down.
	current, err := reloadWorkerTargets(ctx, cs.cluster, current, map[string]int{"bogus": 1, "small": 1})
	c.Check(err, check.ErrorMatches, `scaling bogus to 1: unknown job type.*`)
	c.Check(current, check.DeepEquals, map[string]int{"bogus": 1, "gpu": 0, "small": 1})
	c.Check(cs.cluster.Workers("gpu"), check.HasLen, 1)

	// The next reload still scales gpu down, and skips the
	// unknown type it no longer names.
	current, err = reloadWorkerTargets(ctx, cs.cluster, current, map[string]int{"small": 1})
	c.Check(err, check.IsNil)
	c.Check(current, check.DeepEquals, map[string]int{"small": 1})
	c.Check(cs.cluster.Workers("gpu"), check.HasLen, 0)
	c.Check(cs.backend.cancelledNames(), check.DeepEquals, []string{"worker.gpu.0"})
}

type errWriter struct{}

func (errWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func (s *CmdSuite) TestWriteStatusErrorLogged(c *check.C) {
	cs := &ClusterSuite{}
	cs.SetUpTest(c)
	defer cs.TearDownTest(c)
	var logbuf bytes.Buffer
	ctx := ctxlog.Context(context.Background(), ctxlog.New(&logbuf, "text", "info"))
	c.Assert(cs.cluster.Start(ctx), check.IsNil)
	writeStatus(ctx, cs.cluster, errWriter{})
	c.Check(logbuf.String(), check.Matches, `(?ms).*level=warning msg="error writing status report" error="disk full".*`)
}
