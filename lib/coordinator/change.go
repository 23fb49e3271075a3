// Copyright (C) The Chute Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"context"

	"github.com/chute-io/chute/sdk/go/chute"
	"github.com/sirupsen/logrus"
)

// Revive replaces a failed partition location with a fresh one at the
// next epoch. Concurrent revives for the same partition coalesce
// behind the first requester and all receive the same reply.
func (c *Coordinator) Revive(ctx context.Context, req chute.ReviveRequest) *chute.ChangeLocationResponse {
	sh := c.getShuffle(req.ShuffleID)
	if sh == nil {
		return &chute.ChangeLocationResponse{Status: chute.StatusShuffleNotRegistered}
	}
	sh.mtx.Lock()
	if !sh.registered {
		sh.mtx.Unlock()
		return &chute.ChangeLocationResponse{Status: chute.StatusShuffleNotRegistered}
	}
	if req.MapID < 0 || req.MapID >= len(sh.mapperAttempts) {
		sh.mtx.Unlock()
		return &chute.ChangeLocationResponse{Status: chute.StatusFailed}
	}
	if sh.mapperAttempts[req.MapID] >= 0 {
		// The mapper already ended; a speculative attempt is
		// asking for a location nobody will write to.
		sh.mtx.Unlock()
		return &chute.ChangeLocationResponse{Status: chute.StatusMapEnded}
	}
	sh.mtx.Unlock()
	return c.changePartition(ctx, sh, req.PartitionID, req.Epoch, req.OldLocation, req.Cause)
}

// PartitionSplit replaces a partition location that hit the split
// threshold. Same core as Revive, without the mapper bookkeeping.
func (c *Coordinator) PartitionSplit(ctx context.Context, req chute.PartitionSplitRequest) *chute.ChangeLocationResponse {
	sh := c.getShuffle(req.ShuffleID)
	if sh == nil {
		return &chute.ChangeLocationResponse{Status: chute.StatusShuffleNotRegistered}
	}
	sh.mtx.Lock()
	registered := sh.registered
	sh.mtx.Unlock()
	if !registered {
		return &chute.ChangeLocationResponse{Status: chute.StatusShuffleNotRegistered}
	}
	return c.changePartition(ctx, sh, req.PartitionID, req.Epoch, req.OldLocation, chute.CauseSplitRequested)
}

// changePartition is the shared replacement core. The first requester
// for a partition does the work; later arrivals park on the pending
// set and are all answered together.
func (c *Coordinator) changePartition(ctx context.Context, sh *shuffle, partitionID, oldEpoch int, oldLoc *chute.PartitionLocation, cause chute.ReviveCause) *chute.ChangeLocationResponse {
	sh.mtx.Lock()
	// Fast path: someone already replaced this epoch.
	if latest := sh.latest[partitionID]; latest != nil && latest.Epoch > oldEpoch {
		sh.mtx.Unlock()
		return &chute.ChangeLocationResponse{Status: chute.StatusSuccess, Location: latest}
	}
	if waiters, ok := sh.pendingChange[partitionID]; ok {
		ch := make(chan *chute.ChangeLocationResponse, 1)
		sh.pendingChange[partitionID] = append(waiters, ch)
		sh.mtx.Unlock()
		select {
		case resp := <-ch:
			return resp
		case <-ctx.Done():
			return &chute.ChangeLocationResponse{Status: chute.StatusFailed}
		}
	}
	sh.pendingChange[partitionID] = nil
	sh.mtx.Unlock()

	resp := c.replacePartition(ctx, sh, partitionID, oldEpoch, oldLoc, cause)

	sh.mtx.Lock()
	waiters := sh.pendingChange[partitionID]
	delete(sh.pendingChange, partitionID)
	sh.mtx.Unlock()
	for _, ch := range waiters {
		ch <- resp
	}
	return resp
}

func (c *Coordinator) replacePartition(ctx context.Context, sh *shuffle, partitionID, oldEpoch int, oldLoc *chute.PartitionLocation, cause chute.ReviveCause) *chute.ChangeLocationResponse {
	lgr := c.logger.WithFields(logrus.Fields{
		"ShuffleID":   sh.id,
		"PartitionID": partitionID,
		"Cause":       cause,
	})

	if cause == chute.CausePrimaryPushFailure && oldLoc != nil {
		lgr.WithField("Worker", oldLoc.Worker).Info("blacklisting worker after primary push failure")
		c.blacklist.Record(oldLoc.Worker)
	}

	sh.mtx.Lock()
	var candidates []chute.WorkerInfo
	for w := range sh.allocated {
		if !c.blacklist.Contains(w) {
			candidates = append(candidates, w)
		}
	}
	sh.mtx.Unlock()

	spec := partitionSpec{id: partitionID, oldEpoch: oldEpoch}
	if oldLoc != nil {
		spec = partitionSpec{id: oldLoc.ID, oldEpoch: oldLoc.Epoch}
	}
	slots, err := assignPartitions(candidates, []partitionSpec{spec}, c.Cluster.Replicate)
	if err != nil {
		lgr.WithError(err).Error("no candidates for partition replacement")
		return &chute.ChangeLocationResponse{Status: chute.StatusSlotNotAvailable}
	}
	if !c.reserveWithRetry(ctx, lgr, c.Cluster.ApplicationID, sh.id, candidates, slots) {
		return &chute.ChangeLocationResponse{Status: chute.StatusReserveSlotsFailed}
	}

	// Install the reserved locations and pick the reply: the new
	// Primary, or -- if only the Replica survived reservation --
	// its embedded peer copy, which still names a usable Primary
	// handle.
	var primary, replica *chute.PartitionLocation
	sh.mtx.Lock()
	for w, ss := range slots {
		ls := sh.allocated[w]
		if ls == nil {
			ls = newLocationSet()
			sh.allocated[w] = ls
		}
		for _, loc := range ss.primaries {
			ls.add(loc)
			primary = loc
			if prev := sh.latest[loc.ID]; prev == nil || loc.Epoch > prev.Epoch {
				sh.latest[loc.ID] = loc
			}
		}
		for _, loc := range ss.replicas {
			ls.add(loc)
			replica = loc
		}
	}
	sh.mtx.Unlock()

	resp := &chute.ChangeLocationResponse{Status: chute.StatusSuccess}
	switch {
	case primary != nil:
		resp.Location = primary
	case replica != nil:
		resp.Location = replica.Peer
	default:
		resp.Status = chute.StatusFailed
	}
	lgr.WithField("Epoch", spec.oldEpoch+1).Info("partition replaced")
	return resp
}
