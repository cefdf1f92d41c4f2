// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package slurm

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/shlex"
	"github.com/sirupsen/logrus"
)

// CLI is a Backend that runs the sbatch and scancel programs.
type CLI struct {
	// Directory for submitted scripts and job output files.
	Dir    string
	Logger logrus.FieldLogger

	// Programs (with leading arguments) to run. Default
	// "sbatch", "scancel" and "squeue".
	SbatchCommand  []string
	ScancelCommand []string
	SqueueCommand  []string

	// Maximum number of sbatch/scancel processes running at
	// once. Default 3.
	MaxConcurrentCalls int

	// (for testing) if non-nil, call stubCommand() instead of
	// exec.CommandContext() when running slurm programs.
	stubCommand func(ctx context.Context, prog string, args ...string) *exec.Cmd

	setupOnce    sync.Once
	runSemaphore chan bool
}

func (cli *CLI) setup() {
	if cli.Logger == nil {
		cli.Logger = logrus.StandardLogger()
	}
	if len(cli.SbatchCommand) == 0 {
		cli.SbatchCommand = []string{"sbatch"}
	}
	if len(cli.ScancelCommand) == 0 {
		cli.ScancelCommand = []string{"scancel"}
	}
	if len(cli.SqueueCommand) == 0 {
		cli.SqueueCommand = []string{"squeue"}
	}
	n := cli.MaxConcurrentCalls
	if n < 1 {
		n = 3
	}
	cli.runSemaphore = make(chan bool, n)
}

// Submit writes script to {Dir}/{name}.sbatch and submits it with
// sbatch. Each element of args may hold several arguments
// ("--nodes=1 --mem=0"); they are split using shell quoting rules.
func (cli *CLI) Submit(ctx context.Context, name string, args []string, script string) (*Job, error) {
	cli.setupOnce.Do(cli.setup)
	if name == "" || strings.ContainsAny(name, "/\x00") {
		return nil, fmt.Errorf("%w: invalid job name %q", ErrSubmissionFailed, name)
	}
	job := &Job{
		Name:       name,
		ScriptPath: filepath.Join(cli.Dir, name+".sbatch"),
		OutputPath: filepath.Join(cli.Dir, name+".out"),
	}
	err := os.MkdirAll(cli.Dir, 0755)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSubmissionFailed, err)
	}
	err = os.WriteFile(job.ScriptPath, []byte(script), 0755)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSubmissionFailed, err)
	}

	cmdline := append([]string(nil), cli.SbatchCommand...)
	cmdline = append(cmdline,
		"--job-name="+name,
		"--output="+job.OutputPath,
		"--parsable")
	for _, arg := range args {
		split, err := shlex.Split(arg)
		if err != nil {
			return nil, fmt.Errorf("%w: parsing sbatch argument %q: %s", ErrSubmissionFailed, arg, err)
		}
		cmdline = append(cmdline, split...)
	}
	cmdline = append(cmdline, job.ScriptPath)

	logger := cli.Logger.WithField("JobName", name)
	logger.WithField("Command", cmdline).Info("submitting job")
	out, err := cli.run(ctx, cmdline)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrSubmissionFailed, name, err)
	}
	// --parsable output is "jobid" or "jobid;clustername".
	job.ID = strings.TrimSpace(strings.SplitN(string(out), ";", 2)[0])
	if job.ID == "" {
		return nil, fmt.Errorf("%w: %s: sbatch did not report a job ID", ErrSubmissionFailed, name)
	}
	job.SubmittedAt = time.Now()
	logger.WithField("JobID", job.ID).Info("submitted job")
	return job, nil
}

// Cancel removes job from the queue if it is still pending, then
// stops it if it is running.
func (cli *CLI) Cancel(ctx context.Context, job *Job, term, full bool) error {
	cli.setupOnce.Do(cli.setup)
	target := job.ID
	if target == "" {
		target = "--name=" + job.Name
	}
	var calls [][]string
	if term {
		// A signal cannot be delivered to a pending job, so
		// dequeue pending jobs first and signal running ones
		// separately.
		calls = append(calls, []string{"--state=pending", target})
		running := []string{"--signal=TERM", "--state=running"}
		if full {
			running = append(running, "--full")
		}
		calls = append(calls, append(running, target))
	} else {
		args := []string{}
		if full {
			args = append(args, "--full")
		}
		calls = append(calls, append(args, target))
	}
	logger := cli.Logger.WithFields(logrus.Fields{"JobName": job.Name, "JobID": job.ID})
	for _, args := range calls {
		cmdline := append(append([]string(nil), cli.ScancelCommand...), args...)
		logger.WithField("Command", cmdline).Info("cancelling job")
		// scancel exits 0 if no job matches the given ID and
		// state, so any error here means something is wrong.
		if _, err := cli.run(ctx, cmdline); err != nil {
			return fmt.Errorf("%w: %s: %s", ErrCancellationFailed, job.Name, err)
		}
	}
	return nil
}

func (cli *CLI) command(ctx context.Context, prog string, args ...string) *exec.Cmd {
	if f := cli.stubCommand; f != nil {
		return f(ctx, prog, args...)
	}
	return exec.CommandContext(ctx, prog, args...)
}

func (cli *CLI) run(ctx context.Context, cmdline []string) ([]byte, error) {
	cli.runSemaphore <- true
	defer func() { <-cli.runSemaphore }()
	cmd := cli.command(ctx, cmdline[0], cmdline[1:]...)
	out, err := cmd.Output()
	if err != nil {
		return out, errWithStderr(err)
	}
	return out, nil
}

func errWithStderr(err error) error {
	if err, ok := err.(*exec.ExitError); ok {
		return fmt.Errorf("%s (%q)", err, strings.TrimSpace(string(err.Stderr)))
	}
	return err
}
