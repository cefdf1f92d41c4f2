// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package raycluster

import (
	"bytes"
	_ "embed"
	"fmt"
	"strconv"
	"strings"
	"text/template"

	"github.com/rayhpc/raycluster/lib/jobtype"
)

//go:embed worker.sh.tmpl
var workerScriptTemplateText string

var workerScriptTemplate = template.Must(template.New("worker.sh").
	Funcs(template.FuncMap{"q": shellQuote}).
	Option("missingkey=error").
	Parse(workerScriptTemplateText))

// WorkerScriptParams are the values substituted into a worker's
// batch script. Every string is shell-quoted when rendered.
type WorkerScriptParams struct {
	WorkerName       string
	JobType          jobtype.JobType
	Ports            []int
	HeadAddress      string
	RayExecutable    string
	SetupScript      string
	PythonPath       string
	NetworkInterface string
	TempDir          string
	PlasmaDir        string
	// Harvested session logs are copied here on exit.
	LogDir string
}

// WorkerScript renders the batch script that runs one worker. The
// script starts ray in the foreground, so the batch job lasts exactly
// as long as the worker. An EXIT trap saves the session logs and
// removes the scratch directories even if ray fails to start.
func WorkerScript(p WorkerScriptParams) (string, error) {
	if p.WorkerName == "" || p.HeadAddress == "" || p.RayExecutable == "" || len(p.Ports) == 0 {
		return "", fmt.Errorf("worker script: name, head address, ray executable and ports are required")
	}
	ports := make([]string, len(p.Ports))
	for i, port := range p.Ports {
		ports[i] = strconv.Itoa(port)
	}
	var buf bytes.Buffer
	err := workerScriptTemplate.Execute(&buf, map[string]interface{}{
		"WorkerName":       p.WorkerName,
		"SetupScript":      p.SetupScript,
		"RayExecutable":    p.RayExecutable,
		"TempDir":          p.TempDir,
		"PlasmaDir":        p.PlasmaDir,
		"LogDir":           p.LogDir,
		"PythonPath":       p.PythonPath,
		"NetworkInterface": p.NetworkInterface,
		"PortList":         strings.Join(ports, ","),
		"HeadAddress":      p.HeadAddress,
		"NumCPUs":          p.JobType.NumCPUs,
		"NumGPUs":          p.JobType.NumGPUs,
		"Resources":        p.JobType.ResourcesJSON(),
	})
	if err != nil {
		return "", fmt.Errorf("worker script: %w", err)
	}
	return buf.String(), nil
}

func shellQuote(s string) string {
	return `'` + strings.Replace(s, `'`, `'\''`, -1) + `'`
}
