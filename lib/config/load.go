// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"crypto/sha256"
	_ "embed"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"sync"
	"time"

	"github.com/ghodss/yaml"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

//go:embed default.yml
var DefaultYAML []byte

const DefaultConfigFile = "/etc/raycluster/config.yml"

type Loader struct {
	Stdin  io.Reader
	Logger logrus.FieldLogger

	// Config file location, or "-" to read from Stdin.
	Path string

	// Overrides for testing.
	lookupUser  func() (string, error)
	userCache   func() (string, error)
	currentTime func() time.Time

	// Details of the last successful Load, for metrics.
	mtx             sync.Mutex
	sourceSHA256    string
	sourceTimestamp time.Time
	loadTimestamp   time.Time
}

// NewLoader returns a new Loader with Stdin and Logger set to the
// given values, and all config paths set to their default values.
func NewLoader(stdin io.Reader, logger logrus.FieldLogger) *Loader {
	ldr := &Loader{Stdin: stdin, Logger: logger, Path: DefaultConfigFile}
	if path := os.Getenv("RAYCLUSTER_CONFIG"); path != "" {
		ldr.Path = path
	}
	return ldr
}

// SetupFlags configures a flagset so arguments like -config X can be
// used to change the loader's Path field.
//
//	ldr := NewLoader(os.Stdin, logrus.New())
//	flagset := flag.NewFlagSet("", flag.ContinueOnError)
//	ldr.SetupFlags(flagset)
//	// ldr.Path == "/etc/raycluster/config.yml"
//	flagset.Parse([]string{"-config", "/tmp/c.yaml"})
//	// ldr.Path == "/tmp/c.yaml"
func (ldr *Loader) SetupFlags(flagset *flag.FlagSet) {
	flagset.StringVar(&ldr.Path, "config", ldr.Path, "Site configuration `file` (default may be overridden by setting a RAYCLUSTER_CONFIG environment variable)")
}

// Load reads the config file (or stdin) on top of the built-in
// defaults, fills in site-dependent defaults, and validates the
// result.
func (ldr *Loader) Load() (*Config, error) {
	var buf []byte
	var err error
	now := ldr.now()
	sourceTime := now
	switch ldr.Path {
	case "-":
		buf, err = io.ReadAll(ldr.Stdin)
	default:
		buf, err = os.ReadFile(ldr.Path)
		if errors.Is(err, os.ErrNotExist) && ldr.Path == DefaultConfigFile {
			ldr.Logger.WithField("Path", ldr.Path).Warn("config file not found, using default configuration")
			buf, err = nil, nil
		} else if fi, serr := os.Stat(ldr.Path); err == nil && serr == nil {
			sourceTime = fi.ModTime()
		}
	}
	if err != nil {
		return nil, err
	}
	cfg, err := ldr.LoadBytes(buf)
	if err != nil {
		return nil, err
	}
	ldr.mtx.Lock()
	ldr.sourceSHA256 = fmt.Sprintf("%x", sha256.Sum256(buf))
	ldr.sourceTimestamp = sourceTime
	ldr.loadTimestamp = now
	ldr.mtx.Unlock()
	return cfg, nil
}

// RegisterMetrics adds gauges reporting when the config was last
// loaded and the modification time of the loaded file. Both are
// labeled with the SHA-256 of the file content, so a reload that
// picked up new content can be seen in the metrics.
func (ldr *Loader) RegisterMetrics(reg *prometheus.Registry) {
	reg.MustRegister(&loaderCollector{
		ldr: ldr,
		loadDesc: prometheus.NewDesc("raycluster_config_load_timestamp_seconds",
			"Time when config file was loaded.", []string{"sha256"}, nil),
		sourceDesc: prometheus.NewDesc("raycluster_config_source_timestamp_seconds",
			"Timestamp of config file when it was loaded.", []string{"sha256"}, nil),
	})
}

type loaderCollector struct {
	ldr        *Loader
	loadDesc   *prometheus.Desc
	sourceDesc *prometheus.Desc
}

func (lc *loaderCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- lc.loadDesc
	ch <- lc.sourceDesc
}

func (lc *loaderCollector) Collect(ch chan<- prometheus.Metric) {
	lc.ldr.mtx.Lock()
	sha, loaded, source := lc.ldr.sourceSHA256, lc.ldr.loadTimestamp, lc.ldr.sourceTimestamp
	lc.ldr.mtx.Unlock()
	if sha == "" {
		return
	}
	ch <- prometheus.MustNewConstMetric(lc.loadDesc, prometheus.GaugeValue, float64(loaded.UnixNano())/1e9, sha)
	ch <- prometheus.MustNewConstMetric(lc.sourceDesc, prometheus.GaugeValue, float64(source.UnixNano())/1e9, sha)
}

func (ldr *Loader) now() time.Time {
	if ldr.currentTime != nil {
		return ldr.currentTime()
	}
	return time.Now()
}

// LoadBytes is like Load but takes the config file content as an
// argument.
func (ldr *Loader) LoadBytes(buf []byte) (*Config, error) {
	var cfg Config
	err := yaml.Unmarshal(DefaultYAML, &cfg)
	if err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}
	// Slices in the site config replace the defaults; maps are
	// merged key by key.
	err = yaml.Unmarshal(buf, &cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, err)
	}
	err = ldr.autofill(&cfg)
	if err != nil {
		return nil, err
	}
	err = cfg.Validate()
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (ldr *Loader) autofill(cfg *Config) error {
	if cfg.PlasmaDir == "" || cfg.TempDir == "" {
		username, err := ldr.username()
		if err != nil {
			return fmt.Errorf("cannot determine scratch directories: %w", err)
		}
		if cfg.PlasmaDir == "" {
			cfg.PlasmaDir = filepath.Join("/dev/shm", username, "ray_plasma_dir")
		}
		if cfg.TempDir == "" {
			cfg.TempDir = filepath.Join("/tmp", username, "ray_temp_dir")
		}
	}
	if cfg.WorkDir == "" {
		cacheDir := os.UserCacheDir
		if ldr.userCache != nil {
			cacheDir = ldr.userCache
		}
		dir, err := cacheDir()
		if err != nil {
			return fmt.Errorf("cannot choose a default WorkDir: %w", err)
		}
		cfg.WorkDir = filepath.Join(dir, "ray-work-dir-"+ldr.now().Format("2006-01-02T15:04:05.000000"))
	}
	return nil
}

func (ldr *Loader) username() (string, error) {
	if ldr.lookupUser != nil {
		return ldr.lookupUser()
	}
	if name := os.Getenv("USER"); name != "" {
		return name, nil
	}
	u, err := user.Current()
	if err != nil {
		return "", err
	}
	return u.Username, nil
}

// Dump returns the config as YAML.
func Dump(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}
