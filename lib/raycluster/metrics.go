// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package raycluster

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	workers       *prometheus.GaugeVec
	submissions   *prometheus.CounterVec
	cancellations *prometheus.CounterVec
	portsInUse    prometheus.Gauge
	cpus          prometheus.Gauge
	gpus          prometheus.Gauge
	headRunning   prometheus.Gauge
}

func newMetrics(reg *prometheus.Registry) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &metrics{
		workers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "raycluster",
			Subsystem: "fleet",
			Name:      "workers",
			Help:      "Number of submitted workers, by job type.",
		}, []string{"job_type"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "raycluster",
			Subsystem: "fleet",
			Name:      "submissions_total",
			Help:      "Worker job submissions, by job type and outcome.",
		}, []string{"job_type", "outcome"}),
		cancellations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "raycluster",
			Subsystem: "fleet",
			Name:      "cancellations_total",
			Help:      "Worker job cancellations, by job type and outcome.",
		}, []string{"job_type", "outcome"}),
		portsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "raycluster",
			Subsystem: "fleet",
			Name:      "ports_inuse",
			Help:      "Worker ports currently reserved.",
		}),
		cpus: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "raycluster",
			Subsystem: "fleet",
			Name:      "cpus_requested",
			Help:      "CPUs requested by all submitted workers.",
		}),
		gpus: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "raycluster",
			Subsystem: "fleet",
			Name:      "gpus_requested",
			Help:      "GPUs requested by all submitted workers.",
		}),
		headRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "raycluster",
			Subsystem: "head",
			Name:      "running",
			Help:      "1 if the head process is running.",
		}),
	}
	reg.MustRegister(m.workers, m.submissions, m.cancellations, m.portsInUse, m.cpus, m.gpus, m.headRunning)
	return m
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
