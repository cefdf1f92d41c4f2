// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package slurm submits and cancels batch jobs.
package slurm

import (
	"context"
	"errors"
	"time"
)

var (
	ErrSubmissionFailed   = errors.New("job submission failed")
	ErrCancellationFailed = errors.New("job cancellation failed")
)

// A Job is a handle on a submitted batch job.
type Job struct {
	Name        string
	ID          string
	ScriptPath  string
	OutputPath  string
	SubmittedAt time.Time
}

// Backend is a batch scheduler that can run a shell script as a job.
type Backend interface {
	// Submit queues script as a job with the given name and
	// scheduler arguments. Errors wrap ErrSubmissionFailed.
	Submit(ctx context.Context, name string, args []string, script string) (*Job, error)

	// Cancel stops a job. If term is true, running jobs are sent
	// SIGTERM instead of being killed outright. If full is true,
	// the signal goes to every process of the job, including the
	// batch shell. Errors wrap ErrCancellationFailed.
	Cancel(ctx context.Context, job *Job, term, full bool) error
}

// QueueReader is implemented by backends that can report the
// scheduler state of submitted jobs.
type QueueReader interface {
	// JobStates returns the state (e.g., "PENDING", "RUNNING")
	// of each of the given jobs that is still in the queue,
	// keyed by job ID. Jobs that have left the queue are not
	// included.
	JobStates(ctx context.Context, jobs []*Job) (map[string]string, error)
}
