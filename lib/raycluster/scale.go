// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package raycluster

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rayhpc/raycluster/lib/jobtype"
	"github.com/sirupsen/logrus"
)

// Scale submits or cancels workers of the given type until exactly
// target of them exist. New workers are added one at a time; surplus
// workers are cancelled newest first.
//
// An unknown type is rejected before anything changes. If a
// submission or cancellation fails, Scale returns the error and the
// workers that were already added or removed stay that way.
func (c *Cluster) Scale(ctx context.Context, typeName string, target int) error {
	if c.closed {
		return ErrClosed
	}
	if !c.started || c.head == nil {
		return ErrNotStarted
	}
	if target < 0 {
		return fmt.Errorf("invalid number of workers %d", target)
	}
	jt, err := c.Catalog.Lookup(typeName)
	if err != nil {
		return err
	}
	for len(c.workers[jt.Name]) < target {
		if err := c.addWorker(ctx, jt); err != nil {
			return err
		}
	}
	for len(c.workers[jt.Name]) > target {
		if err := c.removeWorker(ctx, jt.Name); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cluster) addWorker(ctx context.Context, jt jobtype.JobType) error {
	index := c.nextIndex[jt.Name]
	name := fmt.Sprintf("worker.%s.%d", jt.Name, index)
	logger := c.logger.WithFields(logrus.Fields{
		"JobType": jt.Name,
		"Worker":  name,
	})
	ports, err := c.ports.Allocate(c.Config.Ports.PerWorker)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	script, err := WorkerScript(c.workerScriptParams(jt, name, ports))
	if err != nil {
		c.ports.Release(ports)
		return err
	}
	job, err := c.Backend.Submit(ctx, name, c.sbatchArgs(jt), script)
	c.metrics.submissions.WithLabelValues(jt.Name, outcome(err)).Inc()
	if err != nil {
		c.ports.Release(ports)
		logger.WithError(err).Warn("worker submission failed")
		return err
	}
	c.nextIndex[jt.Name] = index + 1
	c.workers[jt.Name] = append(c.workers[jt.Name], &Worker{
		Name:    name,
		JobType: jt,
		Index:   index,
		Job:     job,
		Ports:   ports,
	})
	logger.WithFields(logrus.Fields{
		"JobID":     job.ID,
		"FirstPort": ports[0],
	}).Info("submitted worker")
	c.updateMetrics()
	return nil
}

// removeWorker cancels the newest worker of the named type. The
// worker and its ports are kept if cancellation fails, since its job
// may still be running.
func (c *Cluster) removeWorker(ctx context.Context, typeName string) error {
	workers := c.workers[typeName]
	wkr := workers[len(workers)-1]
	err := c.Backend.Cancel(ctx, wkr.Job, c.Config.Slurm.CancelGracefully, true)
	c.metrics.cancellations.WithLabelValues(typeName, outcome(err)).Inc()
	if err != nil {
		return fmt.Errorf("%s: %w", wkr.Name, err)
	}
	c.workers[typeName] = workers[:len(workers)-1]
	c.ports.Release(wkr.Ports)
	c.logger.WithFields(logrus.Fields{
		"JobType": typeName,
		"Worker":  wkr.Name,
		"JobID":   wkr.Job.ID,
	}).Info("cancelled worker")
	c.updateMetrics()
	return nil
}

// sbatchArgs returns the job type's own scheduler arguments followed
// by the cluster-wide account, time limit, QOS and reservation.
func (c *Cluster) sbatchArgs(jt jobtype.JobType) []string {
	cfg := c.Config
	args := append([]string(nil), jt.SbatchArgs...)
	if cfg.Account != "" {
		args = append(args, "--account="+cfg.Account)
	}
	args = append(args, fmt.Sprintf("--time=%d:00:00", cfg.RuntimeHours))
	if cfg.QOS != "" {
		args = append(args, "--qos="+cfg.QOS)
	}
	if cfg.Reservation != "" {
		args = append(args, "--reservation="+cfg.Reservation)
	}
	return args
}

func (c *Cluster) workerScriptParams(jt jobtype.JobType, name string, ports []int) WorkerScriptParams {
	cfg := c.Config
	return WorkerScriptParams{
		WorkerName:       name,
		JobType:          jt,
		Ports:            ports,
		HeadAddress:      c.HeadAddress(),
		RayExecutable:    c.rayExecutable,
		SetupScript:      cfg.SetupScript,
		PythonPath:       c.pythonPath,
		NetworkInterface: cfg.NetworkInterface,
		TempDir:          cfg.TempDir,
		PlasmaDir:        cfg.PlasmaDir,
		LogDir:           filepath.Join(cfg.WorkDir, "ray-logs", name),
	}
}
