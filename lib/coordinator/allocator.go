// Copyright (C) The Chute Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"errors"

	"github.com/chute-io/chute/sdk/go/chute"
	"github.com/jmcvetta/randutil"
)

var errInsufficientCandidates = errors.New("insufficient candidate workers")

// partitionSpec names a partition to place: the id, and the epoch of
// the location being replaced (-1 for a fresh allocation, so the new
// location gets epoch 0).
type partitionSpec struct {
	id       int
	oldEpoch int
}

// slotSet is one worker's pending share of an allocation.
type slotSet struct {
	primaries []*chute.PartitionLocation
	replicas  []*chute.PartitionLocation
}

// workerResource is a computed allocation, not yet reserved on any
// worker.
type workerResource map[chute.WorkerInfo]*slotSet

func (wr workerResource) slot(w chute.WorkerInfo) *slotSet {
	ss := wr[w]
	if ss == nil {
		ss = &slotSet{}
		wr[w] = ss
	}
	return ss
}

// merge appends other's locations into wr.
func (wr workerResource) merge(other workerResource) {
	for w, ss := range other {
		dst := wr.slot(w)
		dst.primaries = append(dst.primaries, ss.primaries...)
		dst.replicas = append(dst.replicas, ss.replicas...)
	}
}

// workers returns the workers holding at least one pending location.
func (wr workerResource) workers() []chute.WorkerInfo {
	var r []chute.WorkerInfo
	for w := range wr {
		r = append(r, w)
	}
	return r
}

// assignPartitions places each spec on a random candidate, bumping
// the epoch. With replicate, the Replica peer lands on the next
// candidate (mod n), so the pair never shares a worker; the two
// locations carry mutual peer copies. Random placement, not
// round-robin: retries must spread load across the candidate set.
func assignPartitions(candidates []chute.WorkerInfo, specs []partitionSpec, replicate bool) (workerResource, error) {
	need := 1
	if replicate {
		need = 2
	}
	if len(candidates) < need {
		return nil, errInsufficientCandidates
	}
	wr := workerResource{}
	for _, spec := range specs {
		idx, err := randutil.IntRange(0, len(candidates))
		if err != nil {
			return nil, err
		}
		epoch := spec.oldEpoch + 1
		primary := &chute.PartitionLocation{
			ID:     spec.id,
			Epoch:  epoch,
			Worker: candidates[idx],
			Mode:   chute.Primary,
		}
		if replicate {
			replica := &chute.PartitionLocation{
				ID:     spec.id,
				Epoch:  epoch,
				Worker: candidates[(idx+1)%len(candidates)],
				Mode:   chute.Replica,
			}
			primary.Peer = replica.PeerCopy()
			replica.Peer = primary.PeerCopy()
			wr.slot(replica.Worker).replicas = append(wr.slot(replica.Worker).replicas, replica)
		}
		wr.slot(primary.Worker).primaries = append(wr.slot(primary.Worker).primaries, primary)
	}
	return wr, nil
}
