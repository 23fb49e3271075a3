// Copyright (C) The Chute Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"context"
	"time"

	"github.com/chute-io/chute/sdk/go/chute"
)

// UnregisterShuffle ends a shuffle's lifecycle: the stage-end barrier
// is triggered if it has not run, leftover worker-side state is
// destroyed, and the shuffle is queued for expiration.
func (c *Coordinator) UnregisterShuffle(ctx context.Context, req chute.UnregisterShuffleRequest) *chute.UnregisterShuffleResponse {
	sh := c.getShuffle(req.ShuffleID)
	if sh == nil {
		c.markUnregistered(req.ShuffleID)
		return &chute.UnregisterShuffleResponse{Status: chute.StatusSuccess}
	}

	sh.mtx.Lock()
	done := sh.stageEnd.done()
	running := sh.stageEnd == stageEndRunning
	sh.mtx.Unlock()
	if !done {
		if !running {
			go c.StageEnd(sh.id)
		}
		// Bounded wait; an unregister is not allowed to hang on
		// a stuck worker commit.
		c.waitStageEnd(ctx, sh)
	}

	// Clear whatever the workers still hold for this shuffle.
	sh.mtx.Lock()
	destroy := map[chute.WorkerInfo]*chute.DestroyRequest{}
	released := map[string]bool{}
	for w, ls := range sh.allocated {
		if ls.empty() {
			continue
		}
		dreq := &chute.DestroyRequest{ShuffleKey: chute.ShuffleKey(req.AppID, req.ShuffleID)}
		for uid := range ls.primaries {
			dreq.PrimaryIDs = append(dreq.PrimaryIDs, uid)
		}
		for uid := range ls.replicas {
			dreq.ReplicaIDs = append(dreq.ReplicaIDs, uid)
		}
		destroy[w] = dreq
		released[w.ID()] = true
	}
	sh.allocated = map[chute.WorkerInfo]*locationSet{}
	sh.mtx.Unlock()
	if len(destroy) > 0 {
		lgr := c.logger.WithField("ShuffleID", req.ShuffleID)
		c.destroyResources(ctx, lgr, destroy)
		c.releaseWorkers(ctx, lgr, req.AppID, req.ShuffleID, released)
	}

	c.markUnregistered(req.ShuffleID)
	return &chute.UnregisterShuffleResponse{Status: chute.StatusSuccess}
}

// runExpiration drops per-shuffle state for shuffles whose unregister
// time is older than RemoveShuffleDelay, and asks the master to
// forget them.
func (c *Coordinator) runExpiration() {
	ticker := time.NewTicker(c.Cluster.RemoveShuffleDelay.Duration())
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.expireShuffles()
		}
	}
}

func (c *Coordinator) expireShuffles() {
	delay := c.Cluster.RemoveShuffleDelay.Duration()
	var expired []int
	c.mtx.Lock()
	for id, t := range c.unregisteredAt {
		if time.Since(t) >= delay {
			expired = append(expired, id)
		}
	}
	c.mtx.Unlock()
	for _, id := range expired {
		if sh := c.getShuffle(id); sh != nil {
			sh.mtx.Lock()
			if sh.registered {
				c.mShufflesRegistered.Dec()
			}
			sh.mtx.Unlock()
		}
		c.removeShuffle(id)
		err := c.Master.UnregisterShuffle(c.Context, chute.UnregisterShuffleRequest{
			AppID:     c.Cluster.ApplicationID,
			ShuffleID: id,
		})
		if err != nil {
			c.logger.WithField("ShuffleID", id).WithError(err).Warn("master unregister failed")
		}
		c.logger.WithField("ShuffleID", id).Info("expired shuffle removed")
	}
}
