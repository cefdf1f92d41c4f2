// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package jobtype defines the named resource shapes that workers are
// instantiated from.
package jobtype

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"
)

var (
	ErrUnknownType         = errors.New("unknown job type")
	ErrDuplicateDefinition = errors.New("job type already defined")
	ErrInvalidJobType      = errors.New("invalid job type")
)

// A JobType is a reusable resource shape plus the sbatch arguments
// needed to get a node of that shape from the scheduler.
type JobType struct {
	Name string

	// Passed to sbatch in order. An entry may hold several
	// whitespace-separated arguments, e.g. "--nodes=1 --mem=0".
	SbatchArgs []string

	NumCPUs   int
	NumGPUs   int
	Resources map[string]float64
}

// Validate returns a non-nil error if jt has negative counts or
// resource quantities.
func (jt JobType) Validate() error {
	if jt.NumCPUs < 0 {
		return fmt.Errorf("%w: %q: NumCPUs %d < 0", ErrInvalidJobType, jt.Name, jt.NumCPUs)
	}
	if jt.NumGPUs < 0 {
		return fmt.Errorf("%w: %q: NumGPUs %d < 0", ErrInvalidJobType, jt.Name, jt.NumGPUs)
	}
	for name, qty := range jt.Resources {
		if qty < 0 {
			return fmt.Errorf("%w: %q: resource %q quantity %v < 0", ErrInvalidJobType, jt.Name, name, qty)
		}
	}
	return nil
}

// ResourcesJSON returns the custom resources as a JSON object, the
// form expected by "ray start --resources".
func (jt JobType) ResourcesJSON() string {
	res := jt.Resources
	if res == nil {
		res = map[string]float64{}
	}
	buf, err := json.Marshal(res)
	if err != nil {
		// map[string]float64 only fails on NaN/Inf, which
		// Validate does not reject.
		return "{}"
	}
	return string(buf)
}

func (jt JobType) copy() JobType {
	cp := jt
	cp.SbatchArgs = append([]string(nil), jt.SbatchArgs...)
	if jt.Resources != nil {
		cp.Resources = make(map[string]float64, len(jt.Resources))
		for k, v := range jt.Resources {
			cp.Resources[k] = v
		}
	}
	return cp
}

// Catalog is a registry of job types keyed by name. A Catalog is not
// safe for concurrent use; it is owned by a single cluster driver.
type Catalog struct {
	types map[string]JobType
}

func NewCatalog() *Catalog {
	return &Catalog{types: map[string]JobType{}}
}

// Register adds a job type. It fails with ErrDuplicateDefinition if
// name is already registered, in which case the existing definition
// is left as it was.
func (cat *Catalog) Register(name string, jt JobType) error {
	if err := validName(name); err != nil {
		return err
	}
	if _, ok := cat.types[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateDefinition, name)
	}
	jt.Name = name
	if err := jt.Validate(); err != nil {
		return err
	}
	cat.types[name] = jt.copy()
	return nil
}

// Names end up in worker names, file names under the work dir and
// generated shell scripts.
func validName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidJobType)
	}
	if strings.ContainsFunc(name, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r) || r == '/'
	}) {
		return fmt.Errorf("%w: name %q contains whitespace, control characters or '/'", ErrInvalidJobType, name)
	}
	return nil
}

// Lookup returns the job type with the given name, or an error
// wrapping ErrUnknownType.
func (cat *Catalog) Lookup(name string) (JobType, error) {
	jt, ok := cat.types[name]
	if !ok {
		return JobType{}, fmt.Errorf("%w: %q", ErrUnknownType, name)
	}
	return jt.copy(), nil
}

// Names returns the registered names in sorted order.
func (cat *Catalog) Names() []string {
	names := make([]string, 0, len(cat.types))
	for name := range cat.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
