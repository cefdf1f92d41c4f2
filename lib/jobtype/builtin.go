// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package jobtype

// Site presets for the Rivanna and Anvil clusters. Each preset asks
// for a whole node and advertises one unit of the "node" resource so
// tasks can be spread one per node.
var builtinTypes = []JobType{
	{
		Name: "rivanna:bii",
		SbatchArgs: []string{
			"--partition=bii",
			"--nodes=1 --ntasks-per-node=1 --cpus-per-task=40 --mem=0",
		},
		NumCPUs:   40,
		Resources: map[string]float64{"node": 1},
	},
	{
		Name: "rivanna:bii-gpu",
		SbatchArgs: []string{
			"--partition=bii-gpu",
			"--nodes=1 --ntasks-per-node=1 --cpus-per-task=40 --gres=gpu:4 --mem=0",
		},
		NumCPUs:   40,
		NumGPUs:   4,
		Resources: map[string]float64{"node": 1},
	},
	{
		Name: "rivanna:bii-largemem:intel48",
		SbatchArgs: []string{
			"--partition=bii-largemem",
			"--constraint=intel",
			"--nodes=1 --ntasks-per-node=1 --cpus-per-task=48 --mem=0 --exclusive",
		},
		NumCPUs:   48,
		Resources: map[string]float64{"node": 1},
	},
	{
		Name: "rivanna:bii-largemem:intel40",
		SbatchArgs: []string{
			"--partition=bii-largemem",
			"--constraint=intel",
			"--exclude=udc-aj36-[15-20]",
			"--nodes=1 --ntasks-per-node=1 --cpus-per-task=40 --mem=0 --exclusive",
		},
		NumCPUs:   40,
		Resources: map[string]float64{"node": 1},
	},
	{
		Name: "rivanna:bii-largemem:amd",
		SbatchArgs: []string{
			"--partition=bii-largemem",
			"--constraint=amd",
			"--nodes=1 --ntasks-per-node=1 --cpus-per-task=128 --mem=0 --exclusive",
		},
		NumCPUs:   128,
		Resources: map[string]float64{"node": 1},
	},
	{
		Name: "rivanna:rivanna",
		SbatchArgs: []string{
			"--partition=standard",
			"--constraint=rivanna",
			"--nodes=1 --ntasks-per-node=1 --cpus-per-task=40 --exclusive",
		},
		NumCPUs:   40,
		Resources: map[string]float64{"node": 1},
	},
	{
		Name: "rivanna:afton",
		SbatchArgs: []string{
			"--partition=standard",
			"--constraint=afton",
			"--nodes=1 --ntasks-per-node=1 --cpus-per-task=96 --exclusive",
		},
		NumCPUs:   96,
		Resources: map[string]float64{"node": 1},
	},
	{
		Name: "anvil:wholenode",
		SbatchArgs: []string{
			"--partition=wholenode",
			"--nodes=1 --ntasks-per-node=1 --cpus-per-task=128 --exclusive",
		},
		NumCPUs:   128,
		Resources: map[string]float64{"node": 1},
	},
}

// NewBuiltinCatalog returns a new catalog pre-populated with the
// site presets. Each call returns an independent catalog.
func NewBuiltinCatalog() *Catalog {
	cat := NewCatalog()
	for _, jt := range builtinTypes {
		if err := cat.Register(jt.Name, jt); err != nil {
			panic(err)
		}
	}
	return cat
}
