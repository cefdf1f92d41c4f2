// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package raycluster

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rayhpc/raycluster/lib/jobtype"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ScriptSuite{})

type ScriptSuite struct{}

func (s *ScriptSuite) params(tmpdir string) WorkerScriptParams {
	return WorkerScriptParams{
		WorkerName: "worker.rivanna:bii.3",
		JobType: jobtype.JobType{
			Name:      "rivanna:bii",
			NumCPUs:   40,
			Resources: map[string]float64{"node": 1},
		},
		Ports:            []int{20001, 20007, 20100},
		HeadAddress:      "10.0.0.1:6379",
		RayExecutable:    "/opt/ray env/bin/ray",
		SetupScript:      "/home/o'brien/setup.sh",
		PythonPath:       "/a:/b",
		NetworkInterface: "ib0",
		TempDir:          tmpdir + "/temp",
		PlasmaDir:        tmpdir + "/plasma",
		LogDir:           tmpdir + "/work/ray-logs/worker.rivanna:bii.3",
	}
}

func (s *ScriptSuite) TestRender(c *check.C) {
	script, err := WorkerScript(s.params("/tmp/x"))
	c.Assert(err, check.IsNil)
	c.Check(strings.HasPrefix(script, "#!/bin/bash\n"), check.Equals, true)
	for _, want := range []string{
		"\n. /etc/profile\n. '/home/o'\\''brien/setup.sh'\n",
		"\nRAY='/opt/ray env/bin/ray'\n",
		"\ntrap exit_trap EXIT\n",
		"\ntrap term_trap TERM\n",
		"\nexport RAY_scheduler_spread_threshold=0.0\n",
		"\nexport PYTHONPATH='/a:/b'\n",
		"ip addr show dev 'ib0'",
		" --worker-port-list='20001,20007,20100' ",
		" --node-name='worker.rivanna:bii.3' ",
		" --address='10.0.0.1:6379' ",
		" --num-cpus=40 ",
		" --num-gpus=0 ",
		` --resources='{"node":1}' `,
		"    --block\n",
	} {
		c.Check(strings.Contains(script, want), check.Equals, true, check.Commentf("missing %q", want))
	}
}

// Values containing newlines stay inside their quotes.
func (s *ScriptSuite) TestNewlineInValues(c *check.C) {
	p := s.params("/tmp/x")
	p.WorkerName = "worker.x\ntouch /tmp/x #.0"
	p.JobType.Name = "x\ntouch /tmp/x #"
	p.LogDir = "/tmp/x/logs"
	p.SetupScript = "/etc/setup\ntouch /tmp/y"
	script, err := WorkerScript(p)
	c.Assert(err, check.IsNil)
	c.Check(script, check.Matches, "#!/bin/bash\n# Generated by raycluster\\. Do not edit\\.\n\n(?s:.*)")
	for _, v := range []string{p.WorkerName, p.SetupScript} {
		c.Check(strings.Count(script, v), check.Equals, 1, check.Commentf("%q", v))
		c.Check(strings.Count(script, shellQuote(v)), check.Equals, 1, check.Commentf("%q", v))
	}
}

func (s *ScriptSuite) TestNoSetupScript(c *check.C) {
	p := s.params("/tmp/x")
	p.SetupScript = ""
	script, err := WorkerScript(p)
	c.Assert(err, check.IsNil)
	c.Check(script, check.Matches, `(?s).*\n\. /etc/profile\n\nset -eu\n.*`)
}

func (s *ScriptSuite) TestMissingParams(c *check.C) {
	p := s.params("/tmp/x")
	p.Ports = nil
	_, err := WorkerScript(p)
	c.Check(err, check.ErrorMatches, `worker script: .* required`)
}

func (s *ScriptSuite) TestSyntax(c *check.C) {
	bash, err := exec.LookPath("bash")
	if err != nil {
		c.Skip("bash not installed")
	}
	script, err := WorkerScript(s.params(c.MkDir()))
	c.Assert(err, check.IsNil)
	cmd := exec.Command(bash, "-n")
	cmd.Stdin = strings.NewReader(script)
	out, err := cmd.CombinedOutput()
	c.Check(err, check.IsNil, check.Commentf("%s", out))
}

// A worker whose ray process fails still saves its logs and removes
// its scratch directories.
func (s *ScriptSuite) TestExitTrap(c *check.C) {
	for _, prog := range []string{"bash", "ip", "awk"} {
		if _, err := exec.LookPath(prog); err != nil {
			c.Skip(prog + " not installed")
		}
	}
	tmpdir := c.MkDir()
	ray := filepath.Join(tmpdir, "ray")
	c.Assert(os.WriteFile(ray, []byte(`#!/bin/sh
for arg in "$@"; do
    case "$arg" in
        --temp-dir=*) tmp="${arg#--temp-dir=}" ;;
    esac
done
mkdir -p "$tmp/session_latest/logs"
echo hello >"$tmp/session_latest/logs/raylet.out"
exit 3
`), 0755), check.IsNil)
	p := s.params(tmpdir)
	p.SetupScript = ""
	p.RayExecutable = ray
	p.NetworkInterface = "lo"
	script, err := WorkerScript(p)
	c.Assert(err, check.IsNil)
	scriptPath := filepath.Join(tmpdir, "worker.sh")
	c.Assert(os.WriteFile(scriptPath, []byte(script), 0755), check.IsNil)

	out, err := exec.Command("bash", scriptPath).CombinedOutput()
	c.Check(err, check.NotNil, check.Commentf("%s", out))
	if strings.Contains(string(out), "No IPv4 address found") {
		c.Skip("no IPv4 address on lo")
	}
	buf, err := os.ReadFile(filepath.Join(p.LogDir, "raylet.out"))
	c.Check(err, check.IsNil, check.Commentf("%s", out))
	c.Check(string(buf), check.Equals, "hello\n")
	for _, dir := range []string{p.TempDir, p.PlasmaDir} {
		_, err := os.Stat(dir)
		c.Check(os.IsNotExist(err), check.Equals, true, check.Commentf("%s", dir))
	}
}
