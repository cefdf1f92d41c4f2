// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package raycluster

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/rayhpc/raycluster/lib/slurm"
)

// WriteStatus prints the cluster addresses and a table of current
// workers. If the backend can report job states, they are included;
// a job the scheduler no longer lists is shown as "GONE".
func (c *Cluster) WriteStatus(ctx context.Context, w io.Writer) error {
	fmt.Fprintf(w, "head address:   %s\n", c.HeadAddress())
	fmt.Fprintf(w, "dashboard:      %s\n", c.DashboardURL())
	fmt.Fprintf(w, "client address: %s\n", c.ClientAddress())
	workers := c.AllWorkers()
	if len(workers) > 0 {
		var states map[string]string
		if qr, ok := c.Backend.(slurm.QueueReader); ok {
			jobs := make([]*slurm.Job, len(workers))
			for i, wkr := range workers {
				jobs[i] = wkr.Job
			}
			var err error
			states, err = qr.JobStates(ctx, jobs)
			if err != nil {
				c.logger.WithError(err).Warn("cannot get worker job states")
			}
		}
		tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
		fmt.Fprintln(tw, "WORKER\tJOB ID\tSTATE\tCPUS\tGPUS\tPORTS\tSUBMITTED")
		for _, wkr := range workers {
			state := "?"
			if states != nil {
				state = states[wkr.Job.ID]
				if state == "" {
					state = "GONE"
				}
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
				wkr.Name, wkr.Job.ID, state,
				wkr.JobType.NumCPUs, wkr.JobType.NumGPUs,
				len(wkr.Ports),
				humanize.Time(wkr.Job.SubmittedAt))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "%s workers, %s CPUs, %s GPUs requested, %s ports reserved\n",
		humanize.Comma(int64(len(workers))),
		humanize.Comma(int64(c.NumCPUsRequested())),
		humanize.Comma(int64(c.NumGPUsRequested())),
		humanize.Comma(int64(c.PortsInUse())))
	return err
}
