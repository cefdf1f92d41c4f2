// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package raycluster runs a ray head process on the local host and
// grows or shrinks a fleet of ray workers, each of which is a SLURM
// batch job.
package raycluster

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rayhpc/raycluster/lib/config"
	"github.com/rayhpc/raycluster/lib/headproc"
	"github.com/rayhpc/raycluster/lib/jobtype"
	"github.com/rayhpc/raycluster/lib/portalloc"
	"github.com/rayhpc/raycluster/lib/slurm"
	"github.com/rayhpc/raycluster/sdk/go/ctxlog"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotStarted         = errors.New("cluster is not started")
	ErrClosed             = errors.New("cluster is closed")
	ErrShutdownIncomplete = errors.New("shutdown incomplete")
)

// Worker is a worker that has been submitted to the scheduler and
// not yet cancelled.
type Worker struct {
	Name    string
	JobType jobtype.JobType
	Index   int
	Job     *slurm.Job
	Ports   []int
}

// Cluster is a ray head process plus an elastic set of SLURM worker
// jobs. Fill in the exported fields, then call Start. A Cluster is
// not safe for concurrent use: one goroutine drives it.
type Cluster struct {
	Config *config.Config

	// Job types available to Scale. If nil, Config.Catalog() is
	// used.
	Catalog *jobtype.Catalog

	// Worker job scheduler. If nil, a slurm.CLI is configured
	// from Config.
	Backend slurm.Backend

	// Driver session. If nil, a DashboardSession is used.
	Session Session

	// Metrics are registered here. If nil, metrics are collected
	// but not exported.
	Registry *prometheus.Registry

	logger  logrus.FieldLogger
	metrics *metrics
	started bool
	closed  bool

	host          string
	gcsPort       int
	dashboardPort int
	clientPort    int
	rayExecutable string
	pythonPath    string
	headType      jobtype.JobType
	head          *headproc.Process
	connected     bool

	ports     *portalloc.Allocator
	workers   map[string][]*Worker
	nextIndex map[string]int

	// (for testing) override data address discovery
	dataAddress func(iface string) (string, error)
}

// Start brings up the head process and connects the driver session
// to it. If anything fails, whatever was already started is shut
// down again before Start returns the error.
func (c *Cluster) Start(ctx context.Context) error {
	if c.started {
		return errors.New("cluster already started")
	}
	c.started = true
	c.logger = ctxlog.FromContext(ctx)
	c.metrics = newMetrics(c.Registry)
	c.workers = map[string][]*Worker{}
	c.nextIndex = map[string]int{}
	err := c.start(ctx)
	if err != nil {
		c.Close()
		return err
	}
	c.logger.WithFields(logrus.Fields{
		"HeadAddress":   c.HeadAddress(),
		"DashboardURL":  c.DashboardURL(),
		"ClientAddress": c.ClientAddress(),
		"HeadPID":       c.head.Pid(),
	}).Info("cluster started")
	return nil
}

func (c *Cluster) start(ctx context.Context) error {
	cfg := c.Config
	if cfg == nil {
		return errors.New("no config")
	}
	if cfg.WorkDir == "" || cfg.TempDir == "" || cfg.PlasmaDir == "" {
		return errors.New("WorkDir, TempDir and PlasmaDir must be set")
	}
	if c.Catalog == nil {
		cat, err := cfg.Catalog()
		if err != nil {
			return err
		}
		c.Catalog = cat
	}
	if cfg.HeadJobType != "" {
		jt, err := c.Catalog.Lookup(cfg.HeadJobType)
		if err != nil {
			return fmt.Errorf("HeadJobType: %w", err)
		}
		c.headType = jt
	} else {
		// The head runs no tasks unless asked to.
		c.headType = jobtype.JobType{Name: "head", Resources: map[string]float64{"node": 0}}
	}

	ray := cfg.RayExecutable
	if ray == "" {
		ray = "ray"
	}
	ray, err := exec.LookPath(ray)
	if err != nil {
		return fmt.Errorf("ray executable: %w", err)
	}
	c.rayExecutable = ray

	c.ports, err = portalloc.New(cfg.Ports.Min, cfg.Ports.Max)
	if err != nil {
		return err
	}
	c.ports.MaxRandomAttempts = cfg.Ports.MaxRandomAttempts

	lookup := c.dataAddress
	if lookup == nil {
		lookup = dataAddress
	}
	c.host, err = lookup(cfg.NetworkInterface)
	if err != nil {
		return fmt.Errorf("finding data address: %w", err)
	}
	for _, p := range []struct {
		port *int
		host string
	}{{&c.gcsPort, c.host}, {&c.dashboardPort, ""}, {&c.clientPort, c.host}} {
		*p.port, err = availablePort(p.host)
		if err != nil {
			return fmt.Errorf("finding a free port: %w", err)
		}
	}

	for _, dir := range []string{cfg.WorkDir, filepath.Join(cfg.WorkDir, "ray-logs"), cfg.TempDir, cfg.PlasmaDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	cwd := ""
	if cfg.AddCwdToPythonPaths {
		cwd, err = os.Getwd()
		if err != nil {
			return err
		}
	}
	c.pythonPath = composePythonPath(os.Getenv("PYTHONPATH"), cfg.PythonPaths, cwd)

	if c.Backend == nil {
		c.Backend = &slurm.CLI{
			Dir:                filepath.Join(cfg.WorkDir, "sjm"),
			Logger:             c.logger,
			SbatchCommand:      cfg.Slurm.SbatchCommand,
			ScancelCommand:     cfg.Slurm.ScancelCommand,
			SqueueCommand:      cfg.Slurm.SqueueCommand,
			MaxConcurrentCalls: cfg.Slurm.MaxConcurrentCalls,
		}
	}

	c.head, err = headproc.Start(ctx, headproc.Spec{
		Args: c.headArgs(),
		Env: append(os.Environ(),
			"RAY_scheduler_spread_threshold=0.0",
			"PYTHONPATH="+c.pythonPath),
		LogPath: filepath.Join(cfg.WorkDir, "head.log"),
	})
	if err != nil {
		return err
	}
	c.metrics.headRunning.Set(1)
	c.updateMetrics()

	if c.Session == nil {
		c.Session = &DashboardSession{
			Logger:  c.logger,
			Timeout: time.Duration(cfg.ConnectTimeout),
		}
	}
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.ConnectTimeout))
		defer cancel()
	}
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		// Stop waiting if the head dies.
		select {
		case <-c.head.Done():
			cancel()
		case <-connCtx.Done():
		}
	}()
	err = c.Session.Connect(connCtx, hostPort(c.host, c.dashboardPort), cfg.LogToDriver)
	if err != nil {
		if c.head.Exited() {
			return fmt.Errorf("head process exited (%v) before accepting connections: %w", c.head.Err(), err)
		}
		return err
	}
	c.connected = true
	return nil
}

func (c *Cluster) headArgs() []string {
	cfg := c.Config
	return []string{
		c.rayExecutable, "start", "--head",
		"--node-ip-address=" + c.host,
		"--port=" + strconv.Itoa(c.gcsPort),
		"--node-name=head",
		"--include-dashboard=true",
		"--dashboard-host=0.0.0.0",
		"--dashboard-port=" + strconv.Itoa(c.dashboardPort),
		"--ray-client-server-port=" + strconv.Itoa(c.clientPort),
		"--num-cpus=" + strconv.Itoa(c.headType.NumCPUs),
		"--num-gpus=" + strconv.Itoa(c.headType.NumGPUs),
		"--resources=" + c.headType.ResourcesJSON(),
		"--temp-dir=" + cfg.TempDir,
		"--plasma-directory=" + cfg.PlasmaDir,
		"--plasma-store-socket-name=" + filepath.Join(cfg.TempDir, "plasma-store-socket.sock"),
		"--raylet-socket-name=" + filepath.Join(cfg.TempDir, "raylet-socket.sock"),
		"--disable-usage-stats",
		"--verbose",
		"--log-style=pretty",
		"--log-color=false",
		"--block",
	}
}

// composePythonPath joins the inherited PYTHONPATH, the configured
// extra paths and (if not empty) cwd, dropping empty and repeated
// entries.
func composePythonPath(inherited string, extra []string, cwd string) string {
	var parts []string
	seen := map[string]bool{}
	all := append(filepath.SplitList(inherited), extra...)
	all = append(all, cwd)
	for _, p := range all {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		parts = append(parts, p)
	}
	return strings.Join(parts, string(filepath.ListSeparator))
}

// HeadAddress is the address workers use to join the cluster.
func (c *Cluster) HeadAddress() string {
	return hostPort(c.host, c.gcsPort)
}

// DashboardURL is the base URL of the head node's dashboard.
func (c *Cluster) DashboardURL() string {
	return "http://" + hostPort(c.host, c.dashboardPort)
}

// ClientAddress is the address remote drivers use to connect.
func (c *Cluster) ClientAddress() string {
	return "ray://" + hostPort(c.host, c.clientPort)
}

// HeadDone returns a channel that is closed when the head process
// exits. Before Start it returns nil.
func (c *Cluster) HeadDone() <-chan struct{} {
	if c.head == nil {
		return nil
	}
	return c.head.Done()
}

// HeadCheck returns a function that reports whether the head process
// that is running now is still alive. The returned function is safe
// to call from other goroutines.
func (c *Cluster) HeadCheck() func() error {
	head := c.head
	return func() error {
		if head == nil {
			return ErrNotStarted
		}
		if head.Exited() {
			return fmt.Errorf("head process exited: %v", head.Err())
		}
		return nil
	}
}

// Close cancels all workers, disconnects the session, stops the head
// process, saves its logs and removes the scratch directories. Errors
// are logged and do not stop the remaining steps. Calling Close more
// than once, or before Start, is a no-op.
func (c *Cluster) Close() {
	if !c.started || c.closed {
		return
	}
	c.closed = true
	cfg := c.Config
	logger := c.logger
	ctx := ctxlog.Context(context.Background(), logger)
	incomplete := func(err error, step string) {
		logger.WithError(err).Errorf("%s: %s", ErrShutdownIncomplete, step)
	}

	names := make([]string, 0, len(c.workers))
	for name := range c.workers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c.drain(ctx, name, incomplete)
	}

	if c.connected {
		if err := c.Session.Disconnect(); err != nil {
			incomplete(err, "disconnecting session")
		}
		c.connected = false
	}

	if c.head != nil {
		if err := c.head.Terminate(time.Duration(cfg.ShutdownTimeout)); err != nil {
			incomplete(err, "stopping head process")
		}
		c.metrics.headRunning.Set(0)
	}

	if cfg != nil && cfg.TempDir != "" && cfg.WorkDir != "" {
		src := filepath.Join(cfg.TempDir, "session_latest", "logs")
		dst := filepath.Join(cfg.WorkDir, "ray-logs", "head")
		n, err := harvestLogs(src, dst, cfg.LogHarvestPatterns)
		if err != nil {
			incomplete(err, "saving head logs")
		}
		if n > 0 {
			logger.WithFields(logrus.Fields{"Files": n, "Dir": dst}).Info("saved head logs")
		}
	}
	if cfg != nil {
		for _, dir := range []string{cfg.PlasmaDir, cfg.TempDir} {
			if err := os.RemoveAll(dir); err != nil {
				incomplete(err, "removing scratch directory")
			}
		}
	}
	c.updateMetrics()
	logger.Info("cluster shut down")
}

// drain cancels every worker of the named type. Workers whose
// cancellation fails are forgotten anyway.
func (c *Cluster) drain(ctx context.Context, name string, incomplete func(error, string)) {
	for len(c.workers[name]) > 0 {
		workers := c.workers[name]
		wkr := workers[len(workers)-1]
		if err := c.removeWorker(ctx, name); err != nil {
			incomplete(err, "cancelling "+wkr.Name)
			c.workers[name] = workers[:len(workers)-1]
			c.ports.Release(wkr.Ports)
		}
	}
	delete(c.workers, name)
}

// Workers returns the current workers of the given type, oldest
// first.
func (c *Cluster) Workers(typeName string) []Worker {
	var list []Worker
	for _, wkr := range c.workers[typeName] {
		list = append(list, *wkr)
	}
	return list
}

// AllWorkers returns the current workers of every type, sorted by
// type name then age.
func (c *Cluster) AllWorkers() []Worker {
	names := make([]string, 0, len(c.workers))
	for name := range c.workers {
		names = append(names, name)
	}
	sort.Strings(names)
	var list []Worker
	for _, name := range names {
		list = append(list, c.Workers(name)...)
	}
	return list
}

// requesters returns the job shapes currently holding resources:
// every live worker, plus the head if HeadJobType is configured.
func (c *Cluster) requesters() []jobtype.JobType {
	var jts []jobtype.JobType
	if c.started && !c.closed && c.Config.HeadJobType != "" {
		jts = append(jts, c.headType)
	}
	for _, workers := range c.workers {
		for _, wkr := range workers {
			jts = append(jts, wkr.JobType)
		}
	}
	return jts
}

// NumCPUsRequested returns the number of CPUs requested by all
// current workers and, if HeadJobType is set, the head.
func (c *Cluster) NumCPUsRequested() int {
	n := 0
	for _, jt := range c.requesters() {
		n += jt.NumCPUs
	}
	return n
}

// NumGPUsRequested returns the number of GPUs requested by all
// current workers and, if HeadJobType is set, the head.
func (c *Cluster) NumGPUsRequested() int {
	n := 0
	for _, jt := range c.requesters() {
		n += jt.NumGPUs
	}
	return n
}

// ResourceRequested returns the total amount of the named custom
// resource requested by all current workers and, if HeadJobType is
// set, the head.
func (c *Cluster) ResourceRequested(resource string) float64 {
	var n float64
	for _, jt := range c.requesters() {
		n += jt.Resources[resource]
	}
	return n
}

// PortsInUse returns the number of worker ports currently reserved.
func (c *Cluster) PortsInUse() int {
	if c.ports == nil {
		return 0
	}
	return c.ports.InUse()
}

func (c *Cluster) updateMetrics() {
	for name := range c.nextIndex {
		c.metrics.workers.WithLabelValues(name).Set(float64(len(c.workers[name])))
	}
	c.metrics.portsInUse.Set(float64(c.PortsInUse()))
	c.metrics.cpus.Set(float64(c.NumCPUsRequested()))
	c.metrics.gpus.Set(float64(c.NumGPUsRequested()))
}
