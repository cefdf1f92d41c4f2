// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package slurm

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"
)

// JobStates runs squeue once and returns the state of each job in
// jobs that squeue still lists.
func (cli *CLI) JobStates(ctx context.Context, jobs []*Job) (map[string]string, error) {
	cli.setupOnce.Do(cli.setup)
	states := map[string]string{}
	var ids []string
	for _, job := range jobs {
		if job.ID != "" {
			ids = append(ids, job.ID)
		}
	}
	if len(ids) == 0 {
		return states, nil
	}
	cmdline := append([]string(nil), cli.SqueueCommand...)
	cmdline = append(cmdline, "--noheader", "--format=%i %T", "--jobs="+strings.Join(ids, ","))
	out, err := cli.run(ctx, cmdline)
	if err != nil {
		// squeue fails with "Invalid job id specified" if
		// every listed job has been purged from the queue.
		if strings.Contains(err.Error(), "Invalid job id") {
			return states, nil
		}
		return nil, fmt.Errorf("squeue: %s", err)
	}
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			cli.Logger.WithField("Line", scanner.Text()).Warn("ignoring unparsed line in squeue output")
			continue
		}
		states[fields[0]] = fields[1]
	}
	return states, scanner.Err()
}
