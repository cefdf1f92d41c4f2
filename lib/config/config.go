// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"dario.cat/mergo"
	"github.com/rayhpc/raycluster/lib/jobtype"
)

// Duration is time.Duration but looks like "12s" in JSON/YAML, rather
// than a number of nanoseconds.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		dur, err := time.ParseDuration(s)
		*d = Duration(dur)
		return err
	}
	return fmt.Errorf("duration must be given as a string like \"600s\" or \"1h30m\"")
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// String implements fmt.Stringer.
func (d Duration) String() string {
	return time.Duration(d).String()
}

type JobTypeConfig struct {
	Base       string
	SbatchArgs []string
	NumCPUs    int
	NumGPUs    int
	Resources  map[string]float64
}

type PortsConfig struct {
	Min               int
	Max               int
	PerWorker         int
	MaxRandomAttempts int
}

type SlurmConfig struct {
	SbatchCommand      []string
	ScancelCommand     []string
	SqueueCommand      []string
	MaxConcurrentCalls int
	CancelGracefully   bool
}

type LoggingConfig struct {
	Level  string
	Format string
}

type Config struct {
	Account             string
	RuntimeHours        int
	WorkDir             string
	QOS                 string
	Reservation         string
	LogToDriver         bool
	RayExecutable       string
	SetupScript         string
	HeadJobType         string
	PythonPaths         []string
	AddCwdToPythonPaths bool
	NetworkInterface    string
	PlasmaDir           string
	TempDir             string
	Ports               PortsConfig
	ShutdownTimeout     Duration
	ConnectTimeout      Duration
	Slurm               SlurmConfig
	LogHarvestPatterns  []string
	ManagementListen    string
	ManagementToken     string
	AutoReloadConfig    bool
	Logging             LoggingConfig
	JobTypes            map[string]JobTypeConfig
	Workers             map[string]int
}

var ErrInvalidConfig = errors.New("invalid config")

// Validate checks values that do not depend on the job type catalog.
func (cfg *Config) Validate() error {
	var errs []error
	if cfg.RuntimeHours < 1 {
		errs = append(errs, fmt.Errorf("RuntimeHours %d < 1", cfg.RuntimeHours))
	}
	p := cfg.Ports
	if p.Min < 1 || p.Max > 65536 || p.Min >= p.Max {
		errs = append(errs, fmt.Errorf("Ports: invalid range [%d, %d)", p.Min, p.Max))
	} else if p.PerWorker < 1 || p.PerWorker > p.Max-p.Min {
		errs = append(errs, fmt.Errorf("Ports.PerWorker %d must be between 1 and %d", p.PerWorker, p.Max-p.Min))
	}
	if cfg.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ShutdownTimeout %s must be positive", cfg.ShutdownTimeout))
	}
	for name, n := range cfg.Workers {
		if n < 0 {
			errs = append(errs, fmt.Errorf("Workers[%q]: %d < 0", name, n))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Catalog returns the builtin job types plus the ones defined in
// JobTypes. A JobTypes entry with a Base inherits every field it
// leaves empty from that (builtin or previously defined) type.
func (cfg *Config) Catalog() (*jobtype.Catalog, error) {
	cat := jobtype.NewBuiltinCatalog()
	pending := map[string]JobTypeConfig{}
	for name, jtc := range cfg.JobTypes {
		pending[name] = jtc
	}
	// Define types whose base is already known, until nothing
	// changes. Whatever remains has a missing or circular base.
	for len(pending) > 0 {
		progress := false
		for _, name := range sortedKeys(pending) {
			jtc := pending[name]
			if jtc.Base != "" {
				if _, inPending := pending[jtc.Base]; inPending {
					continue
				}
			}
			jt, err := cfg.resolveJobType(cat, name, jtc)
			if err != nil {
				return nil, err
			}
			if err := cat.Register(name, jt); err != nil {
				return nil, fmt.Errorf("JobTypes[%q]: %w", name, err)
			}
			delete(pending, name)
			progress = true
		}
		if !progress {
			return nil, fmt.Errorf("%w: JobTypes %q: circular Base references", ErrInvalidConfig, sortedKeys(pending))
		}
	}
	return cat, nil
}

func (cfg *Config) resolveJobType(cat *jobtype.Catalog, name string, jtc JobTypeConfig) (jobtype.JobType, error) {
	jt := jobtype.JobType{
		Name:       name,
		SbatchArgs: jtc.SbatchArgs,
		NumCPUs:    jtc.NumCPUs,
		NumGPUs:    jtc.NumGPUs,
		Resources:  jtc.Resources,
	}
	if jtc.Base == "" {
		return jt, nil
	}
	base, err := cat.Lookup(jtc.Base)
	if err != nil {
		return jt, fmt.Errorf("JobTypes[%q].Base: %w", name, err)
	}
	base.Name = ""
	if err := mergo.Merge(&jt, base); err != nil {
		return jt, fmt.Errorf("JobTypes[%q]: merging base %q: %w", name, jtc.Base, err)
	}
	return jt, nil
}

func sortedKeys(m map[string]JobTypeConfig) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
