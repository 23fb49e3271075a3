// Copyright (C) The Chute Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"github.com/chute-io/chute/sdk/go/chute"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&AllocatorSuite{})

type AllocatorSuite struct{}

func (*AllocatorSuite) TestReplicatedPairs(c *check.C) {
	candidates := []chute.WorkerInfo{stubWorkerInfo(1), stubWorkerInfo(2), stubWorkerInfo(3)}
	specs := []partitionSpec{}
	for pid := 0; pid < 32; pid++ {
		specs = append(specs, partitionSpec{id: pid, oldEpoch: -1})
	}
	wr, err := assignPartitions(candidates, specs, true)
	c.Assert(err, check.IsNil)

	primaries := map[int]*chute.PartitionLocation{}
	replicas := map[int]*chute.PartitionLocation{}
	for _, ss := range wr {
		for _, loc := range ss.primaries {
			c.Check(primaries[loc.ID], check.IsNil)
			primaries[loc.ID] = loc
		}
		for _, loc := range ss.replicas {
			c.Check(replicas[loc.ID], check.IsNil)
			replicas[loc.ID] = loc
		}
	}
	c.Assert(primaries, check.HasLen, 32)
	c.Assert(replicas, check.HasLen, 32)
	for pid, p := range primaries {
		r := replicas[pid]
		c.Assert(r, check.NotNil)
		c.Check(p.Epoch, check.Equals, 0)
		c.Check(r.Epoch, check.Equals, 0)
		// Mutual peer copies on distinct workers.
		c.Assert(p.Peer, check.NotNil)
		c.Assert(r.Peer, check.NotNil)
		c.Check(p.Peer.Worker, check.Equals, r.Worker)
		c.Check(r.Peer.Worker, check.Equals, p.Worker)
		c.Check(p.Peer.Mode, check.Equals, chute.Replica)
		c.Check(r.Peer.Mode, check.Equals, chute.Primary)
		c.Check(p.Peer.Peer, check.IsNil)
		c.Check(r.Peer.Peer, check.IsNil)
		c.Check(p.Worker, check.Not(check.Equals), r.Worker)
	}
}

func (*AllocatorSuite) TestEpochBump(c *check.C) {
	candidates := []chute.WorkerInfo{stubWorkerInfo(1), stubWorkerInfo(2)}
	wr, err := assignPartitions(candidates, []partitionSpec{{id: 3, oldEpoch: 4}}, false)
	c.Assert(err, check.IsNil)
	var got *chute.PartitionLocation
	for _, ss := range wr {
		for _, loc := range ss.primaries {
			got = loc
		}
		c.Check(ss.replicas, check.HasLen, 0)
	}
	c.Assert(got, check.NotNil)
	c.Check(got.Epoch, check.Equals, 5)
	c.Check(got.UniqueID(), check.Equals, "3-5")
	c.Check(got.Peer, check.IsNil)
}

func (*AllocatorSuite) TestInsufficientCandidates(c *check.C) {
	_, err := assignPartitions(nil, []partitionSpec{{id: 0, oldEpoch: -1}}, false)
	c.Check(err, check.Equals, errInsufficientCandidates)

	// Replication needs at least two workers for a pair.
	one := []chute.WorkerInfo{stubWorkerInfo(1)}
	_, err = assignPartitions(one, []partitionSpec{{id: 0, oldEpoch: -1}}, true)
	c.Check(err, check.Equals, errInsufficientCandidates)

	_, err = assignPartitions(one, []partitionSpec{{id: 0, oldEpoch: -1}}, false)
	c.Check(err, check.IsNil)
}

func (*AllocatorSuite) TestRandomSpread(c *check.C) {
	candidates := []chute.WorkerInfo{stubWorkerInfo(1), stubWorkerInfo(2), stubWorkerInfo(3), stubWorkerInfo(4)}
	specs := make([]partitionSpec, 256)
	for pid := range specs {
		specs[pid] = partitionSpec{id: pid, oldEpoch: -1}
	}
	wr, err := assignPartitions(candidates, specs, false)
	c.Assert(err, check.IsNil)
	// 256 random placements across 4 workers: each worker should
	// get something.
	c.Check(len(wr), check.Equals, 4)
}
