// Copyright (C) The Chute Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"context"
	"sync"

	"github.com/chute-io/chute/sdk/go/chute"
	"github.com/sirupsen/logrus"
)

// RegisterShuffle allocates and reserves partition locations for a
// new shuffle, or replays the epoch-0 primaries if the shuffle is
// already registered. Concurrent callers for the same shuffle id
// share one allocation and receive the same response.
func (c *Coordinator) RegisterShuffle(ctx context.Context, req chute.RegisterShuffleRequest) *chute.RegisterShuffleResponse {
	sh := c.shuffleRecord(req.ShuffleID)
	state, wait, resp := sh.beginRegistration()
	switch state {
	case regAlreadyRegistered:
		return resp
	case regPending:
		select {
		case resp := <-wait:
			return resp
		case <-ctx.Done():
			return &chute.RegisterShuffleResponse{Status: chute.StatusFailed}
		}
	}

	resp = c.registerShuffle(ctx, sh, req)
	if resp.Status != chute.StatusSuccess {
		// Leave no half-registered record behind; a later
		// RegisterShuffle starts over.
		c.mtx.Lock()
		if c.shuffles[req.ShuffleID] == sh && !sh.registered {
			delete(c.shuffles, req.ShuffleID)
		}
		c.mtx.Unlock()
	}
	sh.completeRegistration(resp)
	return resp
}

// registerShuffle is the allocation pipeline run by the first
// requester.
func (c *Coordinator) registerShuffle(ctx context.Context, sh *shuffle, req chute.RegisterShuffleRequest) *chute.RegisterShuffleResponse {
	lgr := c.logger.WithFields(logrus.Fields{
		"ShuffleID":  req.ShuffleID,
		"NumMappers": req.NumMappers,
	})

	numPartitions := req.NumReducers
	if c.Cluster.PartitionType == chute.MapPartition {
		numPartitions = req.NumMappers
	}
	if numPartitions < 1 || req.NumMappers < 1 {
		return &chute.RegisterShuffleResponse{Status: chute.StatusFailed}
	}

	if quota, err := c.Master.CheckQuota(ctx, chute.CheckQuotaRequest{UserIdentifier: c.Cluster.UserIdentifier}); err != nil {
		lgr.WithError(err).Warn("quota check failed, proceeding")
	} else if !quota.Available {
		lgr.Error("user quota exhausted")
		return &chute.RegisterShuffleResponse{Status: chute.StatusSlotNotAvailable}
	}

	partitionIDs := make([]int, numPartitions)
	for i := range partitionIDs {
		partitionIDs[i] = i
	}
	slotsReq := chute.RequestSlotsRequest{
		AppID:           req.AppID,
		ShuffleID:       req.ShuffleID,
		PartitionIDs:    partitionIDs,
		CoordinatorHost: c.Cluster.AdvertiseHost,
		Replicate:       c.Cluster.Replicate,
		UserIdentifier:  c.Cluster.UserIdentifier,
	}
	slotsResp, err := c.Master.RequestSlots(ctx, slotsReq)
	if err != nil || slotsResp.Status != chute.StatusSuccess {
		// One more attempt before giving up on the master.
		slotsResp, err = c.Master.RequestSlots(ctx, slotsReq)
	}
	if err != nil {
		lgr.WithError(err).Error("request slots failed")
		return &chute.RegisterShuffleResponse{Status: chute.StatusFailed}
	}
	if slotsResp.Status != chute.StatusSuccess {
		lgr.WithField("Status", slotsResp.Status).Error("master did not offer slots")
		return &chute.RegisterShuffleResponse{Status: chute.StatusSlotNotAvailable}
	}

	// Resolve every offered worker's endpoint before reserving;
	// workers we cannot reach go to the blacklist and out of the
	// candidate set.
	slots := workerResource{}
	for _, ws := range slotsResp.Workers {
		ss := slots.slot(ws.Worker)
		ss.primaries = append(ss.primaries, ws.Primaries...)
		ss.replicas = append(ss.replicas, ws.Replicas...)
	}
	var mtx sync.Mutex
	var candidates []chute.WorkerInfo
	var dropped []*chute.PartitionLocation
	c.eachWorker(slots.workers(), func(w chute.WorkerInfo) {
		if _, err := c.workerClient(w); err != nil {
			lgr.WithField("Worker", w).WithError(err).Warn("worker endpoint unusable")
			mtx.Lock()
			if ss := slots[w]; ss != nil {
				dropped = append(dropped, ss.primaries...)
				dropped = append(dropped, ss.replicas...)
			}
			delete(slots, w)
			mtx.Unlock()
			return
		}
		mtx.Lock()
		candidates = append(candidates, w)
		mtx.Unlock()
	})

	// A dropped worker's locations still need a placement. Their
	// peers were never reserved, so the whole pair is simply
	// re-placed on the healthy candidates.
	if len(dropped) > 0 {
		victimSet := map[string]partitionSpec{}
		for _, loc := range dropped {
			victimSet[loc.UniqueID()] = partitionSpec{id: loc.ID, oldEpoch: loc.Epoch - 1}
			if loc.Peer != nil {
				if pss := slots[loc.Peer.Worker]; pss != nil {
					removeLocation(pss, loc.Peer)
				}
			}
		}
		victims := make([]partitionSpec, 0, len(victimSet))
		for _, spec := range victimSet {
			victims = append(victims, spec)
		}
		replacement, err := assignPartitions(candidates, victims, c.Cluster.Replicate)
		if err != nil {
			lgr.WithError(err).Error("cannot re-place partitions from unreachable workers")
			if err := c.Master.ReleaseSlots(ctx, chute.ReleaseSlotsRequest{AppID: req.AppID, ShuffleID: req.ShuffleID}); err != nil {
				lgr.WithError(err).Warn("release slots failed")
			}
			return &chute.RegisterShuffleResponse{Status: chute.StatusReserveSlotsFailed}
		}
		slots.merge(replacement)
	}

	if len(slots) == 0 || !c.reserveWithRetry(ctx, lgr, req.AppID, req.ShuffleID, candidates, slots) {
		// Release everything tied to this shuffle at the
		// master.
		if err := c.Master.ReleaseSlots(ctx, chute.ReleaseSlotsRequest{AppID: req.AppID, ShuffleID: req.ShuffleID}); err != nil {
			lgr.WithError(err).Warn("release slots failed")
		}
		return &chute.RegisterShuffleResponse{Status: chute.StatusReserveSlotsFailed}
	}

	primaries := sh.populate(req.NumMappers, req.NumReducers, numPartitions, slots)
	c.mShufflesRegistered.Inc()
	lgr.WithFields(logrus.Fields{
		"NumPartitions": numPartitions,
		"Workers":       len(slots),
	}).Info("shuffle registered")
	return &chute.RegisterShuffleResponse{
		Status:    chute.StatusSuccess,
		Primaries: primaries,
	}
}
