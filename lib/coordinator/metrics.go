// Copyright (C) The Chute Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
)

func (c *Coordinator) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c.mShufflesRegistered = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chute",
		Subsystem: "coordinator",
		Name:      "shuffles_registered",
		Help:      "Number of shuffles currently registered.",
	})
	reg.MustRegister(c.mShufflesRegistered)
	c.mBlacklistedWorkers = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "chute",
		Subsystem: "coordinator",
		Name:      "blacklisted_workers",
		Help:      "Number of workers currently excluded from allocation.",
	}, func() float64 {
		return float64(c.blacklist.Len())
	})
	reg.MustRegister(c.mBlacklistedWorkers)
	c.mStageEndsRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chute",
		Subsystem: "coordinator",
		Name:      "stage_ends_running",
		Help:      "Number of stage-end commit barriers currently in flight.",
	})
	reg.MustRegister(c.mStageEndsRunning)
	c.mReserveRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chute",
		Subsystem: "coordinator",
		Name:      "reserve_retries_total",
		Help:      "Number of slot reservation rounds that had to be retried.",
	})
	reg.MustRegister(c.mReserveRetries)
	c.mCommitBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chute",
		Subsystem: "coordinator",
		Name:      "committed_bytes_total",
		Help:      "Bytes reported committed by workers at stage end.",
	})
	reg.MustRegister(c.mCommitBytes)
	c.mCommitFiles = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chute",
		Subsystem: "coordinator",
		Name:      "committed_files_total",
		Help:      "Files reported committed by workers at stage end.",
	})
	reg.MustRegister(c.mCommitFiles)
	c.mDataLostShuffles = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chute",
		Subsystem: "coordinator",
		Name:      "data_lost_shuffles_total",
		Help:      "Number of shuffles that ended with unrecoverable data loss.",
	})
	reg.MustRegister(c.mDataLostShuffles)
}
