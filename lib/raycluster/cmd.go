// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package raycluster

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rayhpc/raycluster/lib/cmd"
	"github.com/rayhpc/raycluster/lib/config"
	"github.com/rayhpc/raycluster/lib/portalloc"
	"github.com/rayhpc/raycluster/sdk/go/ctxlog"
	"github.com/sirupsen/logrus"
	"rsc.io/getopt"
)

var (
	StartCommand        cmd.Handler = startCommand{}
	WorkerScriptCommand cmd.Handler = workerScriptCommand{}
	JobTypesCommand     cmd.Handler = jobTypesCommand{}
)

type startCommand struct{}

// RunCommand starts the head, scales each job type to its configured
// number of workers, and keeps the cluster up until SIGINT or SIGTERM
// arrives or the head process exits. SIGHUP (or a change to the
// config file, if AutoReloadConfig is set) re-reads the config and
// applies the new worker counts.
func (startCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	logger := ctxlog.New(stderr, "text", "info")
	var err error
	defer func() {
		if err != nil {
			logger.WithError(err).Error("exiting")
		}
	}()

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	loader := config.NewLoader(stdin, logger)
	loader.SetupFlags(flags)
	dumpConfig := flags.Bool("dump-config", false, "write the effective configuration to stdout and exit")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	cfg, err := loader.Load()
	if err != nil {
		return 1
	}
	if *dumpConfig {
		var out []byte
		out, err = config.Dump(cfg)
		if err != nil {
			return 1
		}
		_, err = stdout.Write(out)
		if err != nil {
			return 1
		}
		return 0
	}
	logger = ctxlog.New(stderr, cfg.Logging.Format, cfg.Logging.Level)
	if cfg.Account == "" {
		err = errors.New("Account is not configured")
		return 1
	}
	cat, err := cfg.Catalog()
	if err != nil {
		return 1
	}

	ctx, cancel := context.WithCancel(ctxlog.Context(context.Background(), logger))
	defer cancel()
	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigch)

	reg := prometheus.NewRegistry()
	loader.RegisterMetrics(reg)
	cluster := &Cluster{
		Config:   cfg,
		Catalog:  cat,
		Registry: reg,
	}
	err = cluster.Start(ctx)
	if err != nil {
		return 1
	}
	defer cluster.Close()

	if cfg.ManagementListen != "" {
		var srv *http.Server
		srv, err = serveManagement(ctx, cfg.ManagementListen, cluster.ManagementHandler(cfg.ManagementToken))
		if err != nil {
			return 1
		}
		defer srv.Close()
	}
	if _, err := daemon.SdNotify(false, "READY=1"); err != nil {
		logger.WithError(err).Warn("error notifying init daemon")
	}

	err = applyWorkerTargets(ctx, cluster, nil, cfg.Workers)
	if err != nil {
		return 1
	}
	writeStatus(ctx, cluster, stdout)

	var reload <-chan struct{}
	if cfg.AutoReloadConfig && loader.Path != "-" {
		reload = watchConfig(ctx, logger, loader.Path)
	}
	for {
		select {
		case sig := <-sigch:
			if sig != syscall.SIGHUP {
				logger.WithField("Signal", sig).Info("shutting down")
				return 0
			}
		case <-reload:
		case <-cluster.HeadDone():
			err = errors.New("head process exited unexpectedly")
			return 1
		}
		newcfg, rerr := loader.Load()
		if rerr != nil {
			logger.WithError(rerr).Warn("error reloading config; keeping current worker counts")
			continue
		}
		cfg.Workers, rerr = reloadWorkerTargets(ctx, cluster, cfg.Workers, newcfg.Workers)
		if rerr != nil {
			logger.WithError(rerr).Error("error applying reloaded worker counts")
		}
		writeStatus(ctx, cluster, stdout)
	}
}

// reloadWorkerTargets applies next and returns the targets to treat
// as current afterwards. If anything fails, the old targets are kept
// alongside the new ones, so types dropped from the config are still
// scaled down by the next attempt.
func reloadWorkerTargets(ctx context.Context, cluster *Cluster, current, next map[string]int) (map[string]int, error) {
	err := applyWorkerTargets(ctx, cluster, current, next)
	if err != nil {
		return mergeTargets(current, next), err
	}
	return next, nil
}

func writeStatus(ctx context.Context, cluster *Cluster, w io.Writer) {
	if err := cluster.WriteStatus(ctx, w); err != nil {
		ctxlog.FromContext(ctx).WithError(err).Warn("error writing status report")
	}
}

// mergeTargets returns next plus a zero target for every type that
// appears only in prev.
func mergeTargets(prev, next map[string]int) map[string]int {
	merged := make(map[string]int, len(prev)+len(next))
	for name := range prev {
		merged[name] = 0
	}
	for name, n := range next {
		merged[name] = n
	}
	return merged
}

// applyWorkerTargets scales each job type named in next to its
// count, and each type named only in prev to zero. Types with a zero
// target and no workers are skipped.
func applyWorkerTargets(ctx context.Context, cluster *Cluster, prev, next map[string]int) error {
	targets := mergeTargets(prev, next)
	names := make([]string, 0, len(targets))
	for name := range targets {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if targets[name] == 0 && len(cluster.Workers(name)) == 0 {
			continue
		}
		if err := cluster.Scale(ctx, name, targets[name]); err != nil {
			return fmt.Errorf("scaling %s to %d: %w", name, targets[name], err)
		}
	}
	return nil
}

func serveManagement(ctx context.Context, listen string, handler http.Handler) (*http.Server, error) {
	logger := ctxlog.FromContext(ctx)
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("management server failed")
		}
	}()
	logger.WithField("Listen", ln.Addr().String()).Info("management server listening")
	return srv, nil
}

// watchConfig returns a channel that receives a value when the file
// at path changes. Bursts of events are coalesced.
func watchConfig(ctx context.Context, logger logrus.FieldLogger, path string) <-chan struct{} {
	ch := make(chan struct{}, 1)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.WithError(err).Error("fsnotify setup failed")
		return ch
	}
	err = watcher.Add(path)
	if err != nil {
		logger.WithError(err).Error("fsnotify watcher failed")
		watcher.Close()
		return ch
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Warn("fsnotify watcher reported error")
			case _, ok := <-watcher.Events:
				if !ok {
					return
				}
				for len(watcher.Events) > 0 {
					<-watcher.Events
				}
				logger.WithField("Path", path).Debug("config file changed")
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}
	}()
	return ch
}

type workerScriptCommand struct{}

// RunCommand prints the batch script a worker of the given job type
// would run. It does not start anything. Options use getopt syntax
// (--config=file or -c file).
func (workerScriptCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	logger := ctxlog.New(stderr, "text", "info")
	var err error
	defer func() {
		if err != nil {
			logger.WithError(err).Error("exiting")
		}
	}()
	flags := getopt.NewFlagSet("", flag.ContinueOnError)
	loader := config.NewLoader(stdin, logger)
	loader.SetupFlags(flags.FlagSet)
	flags.Alias("c", "config")
	headAddress := flags.String("head-address", "HEAD_ADDRESS:6379", "address of the head node, `host:port`")
	flags.Alias("a", "head-address")
	index := flags.Int("index", 0, "worker `index` to use in the worker name")
	flags.Alias("i", "index")
	if ok, code := cmd.ParseFlags(flags, prog, args, "job-type", stderr); !ok {
		return code
	} else if flags.NArg() != 1 {
		cmd.PrintUsage(stderr, flags, prog, "job-type")
		return 2
	}
	cfg, err := loader.Load()
	if err != nil {
		return 1
	}
	cat, err := cfg.Catalog()
	if err != nil {
		return 1
	}
	jt, err := cat.Lookup(flags.Arg(0))
	if err != nil {
		return 1
	}
	alloc, err := portalloc.New(cfg.Ports.Min, cfg.Ports.Max)
	if err != nil {
		return 1
	}
	ports, err := alloc.Allocate(cfg.Ports.PerWorker)
	if err != nil {
		return 1
	}
	ray := cfg.RayExecutable
	if ray == "" {
		ray = "ray"
	}
	cwd := ""
	if cfg.AddCwdToPythonPaths {
		cwd, _ = os.Getwd()
	}
	name := fmt.Sprintf("worker.%s.%d", jt.Name, *index)
	script, err := WorkerScript(WorkerScriptParams{
		WorkerName:       name,
		JobType:          jt,
		Ports:            ports,
		HeadAddress:      *headAddress,
		RayExecutable:    ray,
		SetupScript:      cfg.SetupScript,
		PythonPath:       composePythonPath(os.Getenv("PYTHONPATH"), cfg.PythonPaths, cwd),
		NetworkInterface: cfg.NetworkInterface,
		TempDir:          cfg.TempDir,
		PlasmaDir:        cfg.PlasmaDir,
		LogDir:           cfg.WorkDir + "/ray-logs/" + name,
	})
	if err != nil {
		return 1
	}
	_, err = io.WriteString(stdout, script)
	if err != nil {
		return 1
	}
	return 0
}

type jobTypesCommand struct{}

// RunCommand lists the builtin and configured job types.
func (jobTypesCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	logger := ctxlog.New(stderr, "text", "info")
	var err error
	defer func() {
		if err != nil {
			logger.WithError(err).Error("exiting")
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	loader := config.NewLoader(stdin, logger)
	loader.SetupFlags(flags)
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	cfg, err := loader.Load()
	if err != nil {
		return 1
	}
	cat, err := cfg.Catalog()
	if err != nil {
		return 1
	}
	tw := tabwriter.NewWriter(stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tCPUS\tGPUS\tRESOURCES\tSBATCH ARGS")
	for _, name := range cat.Names() {
		jt, err := cat.Lookup(name)
		if err != nil {
			continue
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n", name, jt.NumCPUs, jt.NumGPUs, jt.ResourcesJSON(), strings.Join(jt.SbatchArgs, " "))
	}
	err = tw.Flush()
	if err != nil {
		return 1
	}
	return 0
}
