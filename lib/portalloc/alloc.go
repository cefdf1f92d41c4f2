// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package portalloc hands out disjoint blocks of TCP port numbers
// from a fixed cluster-wide range.
package portalloc

import (
	"errors"
	"fmt"
	"sort"

	"github.com/jmcvetta/randutil"
)

const (
	DefaultMin       = 20000
	DefaultMax       = 30000
	DefaultBlockSize = 50

	// Random draws per requested port before falling back to a
	// scan of the free list.
	defaultAttemptsPerPort = 20
)

var ErrResourceExhausted = errors.New("port range exhausted")

// Allocator tracks which ports in [min, max) are in use. An Allocator
// is not safe for concurrent use.
type Allocator struct {
	min, max int

	// Total random draws allowed per Allocate call before the
	// remaining ports are taken from a free-list scan. Zero means
	// defaultAttemptsPerPort per requested port.
	MaxRandomAttempts int

	// Returns a uniformly distributed int in [min, max). Defaults
	// to randutil.IntRange.
	randInt func(min, max int) (int, error)

	used map[int]bool
}

// New returns an allocator for ports in the half-open range
// [min, max).
func New(min, max int) (*Allocator, error) {
	if min < 1 || max > 65536 || min >= max {
		return nil, fmt.Errorf("invalid port range [%d, %d)", min, max)
	}
	return &Allocator{
		min:     min,
		max:     max,
		randInt: randutil.IntRange,
		used:    map[int]bool{},
	}, nil
}

// Size returns the number of ports in the range.
func (a *Allocator) Size() int { return a.max - a.min }

// InUse returns the number of ports currently allocated.
func (a *Allocator) InUse() int { return len(a.used) }

// Available returns the number of ports that can still be allocated.
func (a *Allocator) Available() int { return a.Size() - len(a.used) }

// Holds reports whether port is currently allocated.
func (a *Allocator) Holds(port int) bool { return a.used[port] }

// Allocate reserves count ports that are not held by anyone else and
// returns them in ascending order. If the range cannot satisfy the
// request, it returns an error wrapping ErrResourceExhausted and
// reserves nothing.
//
// Ports are drawn uniformly at random with rejection of collisions.
// After MaxRandomAttempts draws, the rest of the block is taken from
// the lowest free ports, so Allocate always terminates.
func (a *Allocator) Allocate(count int) ([]int, error) {
	if count < 0 {
		return nil, fmt.Errorf("invalid port count %d", count)
	}
	if count > a.Available() {
		return nil, fmt.Errorf("%w: requested %d ports, %d of %d available in [%d, %d)", ErrResourceExhausted, count, a.Available(), a.Size(), a.min, a.max)
	}
	attempts := a.MaxRandomAttempts
	if attempts <= 0 {
		attempts = count * defaultAttemptsPerPort
	}
	block := make(map[int]bool, count)
	for ; attempts > 0 && len(block) < count; attempts-- {
		port, err := a.randInt(a.min, a.max)
		if err != nil {
			break
		}
		if port < a.min || port >= a.max || a.used[port] || block[port] {
			continue
		}
		block[port] = true
	}
	for port := a.min; port < a.max && len(block) < count; port++ {
		if !a.used[port] && !block[port] {
			block[port] = true
		}
	}
	ports := make([]int, 0, count)
	for port := range block {
		a.used[port] = true
		ports = append(ports, port)
	}
	sort.Ints(ports)
	return ports, nil
}

// Release returns ports to the pool. Ports that are not currently
// allocated are ignored.
func (a *Allocator) Release(ports []int) {
	for _, port := range ports {
		delete(a.used, port)
	}
}
