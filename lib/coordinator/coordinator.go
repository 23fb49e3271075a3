// Copyright (C) The Chute Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package coordinator implements the per-application shuffle
// lifecycle coordinator: it acquires worker slots from the cluster
// master, places primary/replica partition locations, replaces failed
// partitions mid-stage, drives the stage-end commit barrier, and
// releases resources after unregister.
package coordinator

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chute-io/chute/sdk/go/chute"
	"github.com/chute-io/chute/sdk/go/ctxlog"
	"github.com/chute-io/chute/sdk/go/health"
	"github.com/dustin/go-humanize"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Coordinator is the application's shuffle control plane. A zero
// Coordinator should not be used; fill in the exported fields and
// call Start (or let the first ServeHTTP call do it).
type Coordinator struct {
	Cluster  *chute.Config
	Context  context.Context
	Registry *prometheus.Registry

	// Master is the cluster master endpoint. If nil, a
	// chute.MasterClient for Cluster.MasterURL is used.
	Master MasterAPI

	// NewWorkerClient makes a client for one worker endpoint. If
	// nil, chute.NewWorkerClient is used. Tests inject stubs
	// here.
	NewWorkerClient func(chute.WorkerInfo) WorkerAPI

	logger      logrus.FieldLogger
	httpHandler http.Handler

	mtx            sync.Mutex
	shuffles       map[int]*shuffle
	unregisteredAt map[int]time.Time

	endpointsMtx sync.Mutex
	endpoints    map[string]*endpointEntry

	blacklist *blacklist

	totalWritten   int64
	fileCount      int64
	heartbeatEpoch int64

	setupOnce sync.Once
	stop      chan struct{}
	stopped   chan struct{}

	mShufflesRegistered prometheus.Gauge
	mBlacklistedWorkers prometheus.GaugeFunc
	mStageEndsRunning   prometheus.Gauge
	mReserveRetries     prometheus.Counter
	mCommitBytes        prometheus.Counter
	mCommitFiles        prometheus.Counter
	mDataLostShuffles   prometheus.Counter
}

// endpointEntry guards one worker's lazily initialized endpoint
// handle. A failed initialization is retried on next use; the worker
// sits on the blacklist meanwhile.
type endpointEntry struct {
	mtx    sync.Mutex
	client WorkerAPI
	err    error
}

// Start initializes the coordinator and its background loops. Start
// can be called multiple times with no ill effect.
func (c *Coordinator) Start() {
	c.setupOnce.Do(c.setup)
}

// ServeHTTP implements service.Handler.
func (c *Coordinator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.Start()
	c.httpHandler.ServeHTTP(w, r)
}

// CheckHealth implements service.Handler.
func (c *Coordinator) CheckHealth() error {
	c.Start()
	return nil
}

// Done implements service.Handler.
func (c *Coordinator) Done() <-chan struct{} {
	return nil
}

// Close stops the background loops. Typically used in tests.
func (c *Coordinator) Close() {
	c.Start()
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
	<-c.stopped
}

func (c *Coordinator) setup() {
	if c.Context == nil {
		c.Context = context.Background()
	}
	c.logger = ctxlog.FromContext(c.Context)
	if c.Registry == nil {
		c.Registry = prometheus.NewRegistry()
	}
	if c.Master == nil {
		c.Master = chute.NewMasterClient(c.Cluster.MasterURL, c.logger, c.Cluster.RequestTimeout.Duration())
	}
	if c.NewWorkerClient == nil {
		c.NewWorkerClient = func(w chute.WorkerInfo) WorkerAPI {
			return chute.NewWorkerClient(w, c.Cluster.RequestTimeout.Duration())
		}
	}
	c.shuffles = map[int]*shuffle{}
	c.unregisteredAt = map[int]time.Time{}
	c.endpoints = map[string]*endpointEntry{}
	c.blacklist = newBlacklist()
	c.stop = make(chan struct{})
	c.stopped = make(chan struct{})
	c.registerMetrics(c.Registry)
	c.httpHandler = c.buildRoutes()
	go c.run()
}

func (c *Coordinator) run() {
	defer close(c.stopped)
	var wg sync.WaitGroup
	for _, loop := range []func(){c.runBlacklist, c.runExpiration, c.runHeartbeat} {
		wg.Add(1)
		go func(loop func()) {
			defer wg.Done()
			loop()
		}(loop)
	}
	wg.Wait()
}

// workerClient returns the (lazily initialized) endpoint handle for
// w. Initialization failures put w on the blacklist and are returned
// to the caller; the next use tries again.
func (c *Coordinator) workerClient(w chute.WorkerInfo) (WorkerAPI, error) {
	c.endpointsMtx.Lock()
	ent := c.endpoints[w.ID()]
	if ent == nil {
		ent = &endpointEntry{}
		c.endpoints[w.ID()] = ent
	}
	c.endpointsMtx.Unlock()

	ent.mtx.Lock()
	defer ent.mtx.Unlock()
	if ent.client != nil && ent.err == nil {
		return ent.client, nil
	}
	client := c.NewWorkerClient(w)
	ctx, cancel := context.WithTimeout(c.Context, c.Cluster.RequestTimeout.Duration())
	defer cancel()
	if err := client.Ping(ctx); err != nil {
		c.blacklist.RecordConnectFailure(w)
		ent.err = err
		return nil, err
	}
	c.blacklist.Forget(w)
	ent.client, ent.err = client, nil
	return client, nil
}

// runBlacklist periodically swaps the local blacklist for the
// master's view.
func (c *Coordinator) runBlacklist() {
	ticker := time.NewTicker(c.Cluster.GetBlacklistDelay.Duration())
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			resp, err := c.Master.GetBlacklist(c.Context, chute.GetBlacklistRequest{Blacklist: c.blacklist.Snapshot()})
			if err != nil {
				c.logger.WithError(err).Warn("blacklist refresh failed")
				continue
			}
			c.blacklist.Refresh(resp.Blacklist, resp.UnknownWorkers)
		}
	}
}

// runHeartbeat reports application liveness and cumulative write
// activity to the master.
func (c *Coordinator) runHeartbeat() {
	ticker := time.NewTicker(c.Cluster.ApplicationHeartbeatInterval.Duration())
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			written := atomic.LoadInt64(&c.totalWritten)
			files := atomic.LoadInt64(&c.fileCount)
			epoch := atomic.AddInt64(&c.heartbeatEpoch, 1)
			err := c.Master.HeartbeatFromApplication(c.Context, chute.ApplicationHeartbeatRequest{
				AppID:        c.Cluster.ApplicationID,
				TotalWritten: written,
				FileCount:    files,
				Epoch:        epoch,
			})
			if err != nil {
				c.logger.WithError(err).Warn("application heartbeat failed")
				continue
			}
			c.logger.WithFields(logrus.Fields{
				"TotalWritten": humanize.IBytes(uint64(written)),
				"FileCount":    files,
			}).Debug("application heartbeat sent")
		}
	}
}

func (c *Coordinator) buildRoutes() http.Handler {
	mux := httprouter.New()
	mux.HandlerFunc("POST", "/chute/v1/register-shuffle", c.apiRegisterShuffle)
	mux.HandlerFunc("POST", "/chute/v1/revive", c.apiRevive)
	mux.HandlerFunc("POST", "/chute/v1/partition-split", c.apiPartitionSplit)
	mux.HandlerFunc("POST", "/chute/v1/mapper-end", c.apiMapperEnd)
	mux.HandlerFunc("POST", "/chute/v1/reducer-file-group", c.apiGetReducerFileGroup)
	mux.HandlerFunc("POST", "/chute/v1/stage-end", c.apiStageEnd)
	mux.HandlerFunc("POST", "/chute/v1/unregister-shuffle", c.apiUnregisterShuffle)
	mux.HandlerFunc("GET", "/chute/v1/shuffles", c.apiShuffles)
	mux.HandlerFunc("GET", "/chute/v1/workers", c.apiWorkers)
	metricsH := promhttp.HandlerFor(c.Registry, promhttp.HandlerOpts{
		ErrorLog: logrus.StandardLogger(),
	})
	mux.Handler("GET", "/metrics", metricsH)
	mux.Handler("GET", "/_health/:check", &health.Handler{
		Token:  c.Cluster.ManagementToken,
		Prefix: "/_health/",
		Routes: health.Routes{"ping": c.CheckHealth},
	})
	return mux
}
