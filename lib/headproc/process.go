// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package headproc starts and stops a single long-lived child process
// whose output goes to a log file.
package headproc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"time"

	"github.com/rayhpc/raycluster/sdk/go/ctxlog"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var ErrProcessSpawnFailed = errors.New("process spawn failed")

// (for testing) called inside the spawn window, after interrupts are
// caught and before the child is started
var beforeSpawn = func() {}

// Spec describes the process to start.
type Spec struct {
	// Program and arguments. Args[0] is looked up in PATH if it
	// has no slash.
	Args []string
	// Environment for the child. If nil, the child inherits ours.
	Env []string
	// Stdout and stderr are appended to this file.
	LogPath string
}

// Process is a running (or exited) child started by Start.
type Process struct {
	cmd    *exec.Cmd
	logger logrus.FieldLogger

	done     chan struct{}
	err      error // valid after done is closed
	termOnce sync.Once
	termErr  error
}

// Start spawns the process described by spec. It does not retry.
//
// Interrupt signals received while the process is being spawned are
// consumed and logged rather than terminating the caller, so an
// impatient ^C cannot leave a half-started child behind. The child
// runs in its own process group, so terminal interrupts are not
// delivered to it directly either.
func Start(ctx context.Context, spec Spec) (*Process, error) {
	logger := ctxlog.FromContext(ctx)
	if len(spec.Args) == 0 {
		return nil, fmt.Errorf("%w: no command specified", ErrProcessSpawnFailed)
	}

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, os.Interrupt)
	defer func() {
		signal.Stop(sigch)
		select {
		case sig := <-sigch:
			logger.WithField("Signal", sig).Warn("ignored signal received while starting process")
		default:
		}
	}()

	beforeSpawn()

	logfile, err := os.OpenFile(spec.LogPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrProcessSpawnFailed, err)
	}
	// The child holds its own descriptor after Start.
	defer logfile.Close()

	cmd := exec.Command(spec.Args[0], spec.Args[1:]...)
	cmd.Stdout = logfile
	cmd.Stderr = logfile
	cmd.Env = spec.Env
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}
	err = cmd.Start()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrProcessSpawnFailed, err)
	}
	p := &Process{
		cmd:    cmd,
		logger: logger.WithFields(logrus.Fields{"PID": cmd.Process.Pid, "Program": spec.Args[0]}),
		done:   make(chan struct{}),
	}
	p.logger.WithField("LogPath", spec.LogPath).Info("process started")
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

// Pid returns the child's process ID.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Done returns a channel that is closed when the process exits.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exited reports whether the process has exited.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Err returns the error returned by Wait (nil for a clean exit), or
// nil if the process is still running.
func (p *Process) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Terminate sends SIGTERM to the process group, waits up to timeout
// for the process to exit, then sends SIGKILL and waits for it to
// exit. It returns nil if the process exited, even if it had already
// exited before Terminate was called. Calling Terminate more than
// once is harmless.
func (p *Process) Terminate(timeout time.Duration) error {
	p.termOnce.Do(func() { p.termErr = p.terminate(timeout) })
	if p.termErr != nil {
		return p.termErr
	}
	<-p.done
	return nil
}

func (p *Process) terminate(timeout time.Duration) error {
	if p.Exited() {
		p.logger.WithField("Error", p.err).Info("process had already exited")
		return nil
	}
	pgid := -p.cmd.Process.Pid
	p.logger.Info("sending SIGTERM")
	if err := unix.Kill(pgid, unix.SIGTERM); err != nil && err != unix.ESRCH {
		return fmt.Errorf("SIGTERM: %w", err)
	}
	select {
	case <-p.done:
		p.logger.Info("process exited after SIGTERM")
		return nil
	case <-time.After(timeout):
	}
	p.logger.WithField("Timeout", timeout).Warn("process still running after SIGTERM, sending SIGKILL")
	if err := unix.Kill(pgid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		return fmt.Errorf("SIGKILL: %w", err)
	}
	return nil
}
