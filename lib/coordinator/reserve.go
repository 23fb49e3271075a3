// Copyright (C) The Chute Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/chute-io/chute/sdk/go/chute"
	"github.com/sirupsen/logrus"
)

// eachWorker runs fn for every listed worker with bounded
// parallelism: min(max(1, n), RPCMaxParallelism).
func (c *Coordinator) eachWorker(workers []chute.WorkerInfo, fn func(chute.WorkerInfo)) {
	par := len(workers)
	if par < 1 {
		par = 1
	}
	if par > c.Cluster.RPCMaxParallelism {
		par = c.Cluster.RPCMaxParallelism
	}
	sem := make(chan struct{}, par)
	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		sem <- struct{}{}
		go func(w chute.WorkerInfo) {
			defer wg.Done()
			defer func() { <-sem }()
			fn(w)
		}(w)
	}
	wg.Wait()
}

// reserveWithRetry reserves every location in slots on its worker,
// replacing placements on failed workers with fresh allocations from
// the retry candidate set, up to ReserveSlotsMaxRetry attempts.
//
// On success, every partition originally present in slots is reserved
// on some worker in slots, as a Primary+Replica pair when replication
// is on. On terminal failure, every slot that did get reserved is
// destroyed again (a reserved buffer nobody will write to leaks
// worker memory), quota is returned to the master, and the return is
// false.
func (c *Coordinator) reserveWithRetry(ctx context.Context, lgr logrus.FieldLogger, appID string, shuffleID int, candidates []chute.WorkerInfo, slots workerResource) bool {
	replicate := c.Cluster.Replicate
	// Each round only fans out to locations not yet reserved;
	// re-reserving a slot that already succeeded would claim a
	// second buffer on the worker.
	toReserve := slots
	for attempt := 1; ; attempt++ {
		failed := c.reserveFanout(ctx, lgr, appID, shuffleID, toReserve)
		if len(failed) == 0 {
			return true
		}
		lgr.WithFields(logrus.Fields{
			"Attempt":       attempt,
			"FailedWorkers": len(failed),
		}).Warn("reserve slots failed on some workers")
		c.mReserveRetries.Add(float64(1))

		// Cut the failed workers out of slots. Their locations
		// become victims to re-place. A surviving peer of a
		// victim is useless without its other half, so it is
		// destroyed too and its partition re-placed as a whole
		// pair.
		destroy := map[chute.WorkerInfo]*chute.DestroyRequest{}
		released := map[string]bool{}
		victimSet := map[string]partitionSpec{}
		for _, w := range failed {
			c.blacklist.Record(w)
			released[w.ID()] = true
			ss := slots[w]
			if ss == nil {
				continue
			}
			delete(slots, w)
			for _, loc := range append(append([]*chute.PartitionLocation{}, ss.primaries...), ss.replicas...) {
				victimSet[loc.UniqueID()] = partitionSpec{id: loc.ID, oldEpoch: loc.Epoch - 1}
				if !replicate || loc.Peer == nil {
					continue
				}
				peer := loc.Peer
				pss := slots[peer.Worker]
				if pss == nil {
					continue
				}
				removeLocation(pss, peer)
				if len(pss.primaries) == 0 && len(pss.replicas) == 0 {
					delete(slots, peer.Worker)
				}
				dreq := destroy[peer.Worker]
				if dreq == nil {
					dreq = &chute.DestroyRequest{ShuffleKey: chute.ShuffleKey(appID, shuffleID)}
					destroy[peer.Worker] = dreq
				}
				if peer.Mode == chute.Primary {
					dreq.PrimaryIDs = append(dreq.PrimaryIDs, peer.UniqueID())
				} else {
					dreq.ReplicaIDs = append(dreq.ReplicaIDs, peer.UniqueID())
				}
				released[peer.Worker.ID()] = true
			}
		}
		c.destroyResources(ctx, lgr, destroy)
		c.releaseWorkers(ctx, lgr, appID, shuffleID, released)

		if attempt >= c.Cluster.ReserveSlotsMaxRetry {
			lgr.Error("reserve slots exhausted retries")
			break
		}

		// Reallocate the victims from the remaining healthy
		// workers plus the original candidates, minus the
		// blacklist.
		retryCands := c.retryCandidates(slots, candidates)
		victims := make([]partitionSpec, 0, len(victimSet))
		for _, spec := range victimSet {
			victims = append(victims, spec)
		}
		replacement, err := assignPartitions(retryCands, victims, replicate)
		if err != nil {
			lgr.WithError(err).Error("cannot re-place victim partitions")
			break
		}
		slots.merge(replacement)
		toReserve = replacement

		select {
		case <-time.After(c.Cluster.ReserveSlotsRetryWait.Duration()):
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			lgr.WithError(ctx.Err()).Error("reserve slots aborted")
			break
		}
	}

	// Terminal failure: give back everything that was reserved.
	destroy := map[chute.WorkerInfo]*chute.DestroyRequest{}
	released := map[string]bool{}
	for w, ss := range slots {
		dreq := &chute.DestroyRequest{ShuffleKey: chute.ShuffleKey(appID, shuffleID)}
		for _, loc := range ss.primaries {
			dreq.PrimaryIDs = append(dreq.PrimaryIDs, loc.UniqueID())
		}
		for _, loc := range ss.replicas {
			dreq.ReplicaIDs = append(dreq.ReplicaIDs, loc.UniqueID())
		}
		destroy[w] = dreq
		released[w.ID()] = true
	}
	c.destroyResources(ctx, lgr, destroy)
	c.releaseWorkers(ctx, lgr, appID, shuffleID, released)
	return false
}

// reserveFanout issues ReserveSlots to every worker in slots and
// returns the workers that failed (connect or reserve).
func (c *Coordinator) reserveFanout(ctx context.Context, lgr logrus.FieldLogger, appID string, shuffleID int, slots workerResource) []chute.WorkerInfo {
	var mtx sync.Mutex
	var failed []chute.WorkerInfo
	workers := slots.workers()
	c.eachWorker(workers, func(w chute.WorkerInfo) {
		ss := slots[w]
		wc, err := c.workerClient(w)
		if err == nil {
			var resp chute.ReserveSlotsResponse
			resp, err = wc.ReserveSlots(ctx, chute.ReserveSlotsRequest{
				AppID:           appID,
				ShuffleID:       shuffleID,
				Primaries:       ss.primaries,
				Replicas:        ss.replicas,
				SplitThreshold:  c.Cluster.PartitionSplitThreshold,
				SplitMode:       c.Cluster.PartitionSplitMode,
				PartitionType:   c.Cluster.PartitionType,
				RangeReadFilter: c.Cluster.RangeReadFilter,
				UserIdentifier:  c.Cluster.UserIdentifier,
			})
			if err == nil && resp.Status != chute.StatusSuccess {
				err = statusError(resp.Status)
			}
		}
		if err != nil {
			lgr.WithField("Worker", w).WithError(err).Warn("reserve slots failed")
			mtx.Lock()
			failed = append(failed, w)
			mtx.Unlock()
		}
	})
	return failed
}

// destroyResources issues the given Destroy requests, retrying the
// previously-failed subset once.
func (c *Coordinator) destroyResources(ctx context.Context, lgr logrus.FieldLogger, targets map[chute.WorkerInfo]*chute.DestroyRequest) {
	for tries := 0; tries < 2 && len(targets) > 0; tries++ {
		var mtx sync.Mutex
		retry := map[chute.WorkerInfo]*chute.DestroyRequest{}
		var workers []chute.WorkerInfo
		for w := range targets {
			workers = append(workers, w)
		}
		c.eachWorker(workers, func(w chute.WorkerInfo) {
			req := targets[w]
			wc, err := c.workerClient(w)
			if err == nil {
				_, err = wc.Destroy(ctx, *req)
			}
			if err != nil {
				lgr.WithField("Worker", w).WithError(err).Warn("destroy failed")
				mtx.Lock()
				retry[w] = req
				mtx.Unlock()
			}
		})
		targets = retry
	}
}

// releaseWorkers returns the given workers' quota for this shuffle to
// the master. Best effort.
func (c *Coordinator) releaseWorkers(ctx context.Context, lgr logrus.FieldLogger, appID string, shuffleID int, workerIDs map[string]bool) {
	if len(workerIDs) == 0 {
		return
	}
	var ids []string
	for id := range workerIDs {
		ids = append(ids, id)
	}
	err := c.Master.ReleaseSlots(ctx, chute.ReleaseSlotsRequest{
		AppID:     appID,
		ShuffleID: shuffleID,
		WorkerIDs: ids,
	})
	if err != nil {
		lgr.WithError(err).Warn("release slots failed")
	}
}

// retryCandidates is the union of the workers still holding slots and
// the original candidates, minus the blacklist.
func (c *Coordinator) retryCandidates(slots workerResource, candidates []chute.WorkerInfo) []chute.WorkerInfo {
	seen := map[chute.WorkerInfo]bool{}
	var r []chute.WorkerInfo
	for _, w := range append(slots.workers(), candidates...) {
		if seen[w] || c.blacklist.Contains(w) {
			continue
		}
		seen[w] = true
		r = append(r, w)
	}
	return r
}

// removeLocation deletes loc from ss.
func removeLocation(ss *slotSet, loc *chute.PartitionLocation) {
	if loc.Mode == chute.Primary {
		ss.primaries = deleteLocation(ss.primaries, loc)
	} else {
		ss.replicas = deleteLocation(ss.replicas, loc)
	}
}

func deleteLocation(locs []*chute.PartitionLocation, victim *chute.PartitionLocation) []*chute.PartitionLocation {
	for i, loc := range locs {
		if loc.ID == victim.ID && loc.Epoch == victim.Epoch && loc.Mode == victim.Mode {
			return append(locs[:i], locs[i+1:]...)
		}
	}
	return locs
}
