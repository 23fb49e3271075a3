// Copyright (C) The Chute Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"context"

	"github.com/chute-io/chute/sdk/go/chute"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&BlacklistSuite{})

type BlacklistSuite struct{}

func (*BlacklistSuite) TestRefreshSemantics(c *check.C) {
	bl := newBlacklist()
	w1, w2, w3, w4 := stubWorkerInfo(1), stubWorkerInfo(2), stubWorkerInfo(3), stubWorkerInfo(4)

	bl.Record(w1)               // reserve/commit failure
	bl.RecordConnectFailure(w2) // uninitialized endpoint
	c.Check(bl.Contains(w1), check.Equals, true)
	c.Check(bl.Contains(w2), check.Equals, true)
	c.Check(bl.Len(), check.Equals, 2)

	// A refresh keeps only uninitialized locals; everything else
	// is whatever the master says.
	bl.Refresh([]chute.WorkerInfo{w3}, []chute.WorkerInfo{w4})
	c.Check(bl.Contains(w1), check.Equals, false)
	c.Check(bl.Contains(w2), check.Equals, true)
	c.Check(bl.Contains(w3), check.Equals, true)
	c.Check(bl.Contains(w4), check.Equals, true)

	// The master dropping a worker makes it eligible again.
	bl.Refresh(nil, nil)
	c.Check(bl.Contains(w3), check.Equals, false)
	c.Check(bl.Contains(w4), check.Equals, false)
	c.Check(bl.Contains(w2), check.Equals, true)

	// A successful reconnect clears the uninitialized entry.
	bl.Forget(w2)
	c.Check(bl.Len(), check.Equals, 0)
}

// A blacklisted worker is never chosen for a replacement allocation.
func (*BlacklistSuite) TestBlacklistedWorkerNotSelected(c *check.C) {
	w1, w2, w3 := newStubWorker(1), newStubWorker(2), newStubWorker(3)
	fleet := newStubFleet(w1, w2, w3)
	master := &stubMaster{workers: fleet.infos()}
	coord := newTestCoordinator(c, testConfig(false), master, fleet)
	defer coord.Close()

	reg := coord.RegisterShuffle(context.Background(), chute.RegisterShuffleRequest{
		AppID: "app-1", ShuffleID: 1, NumMappers: 2, NumReducers: 6,
	})
	c.Assert(reg.Status, check.Equals, chute.StatusSuccess)
	coord.blacklist.Record(w3.info)

	for pid := 0; pid < 6; pid++ {
		resp := coord.Revive(context.Background(), chute.ReviveRequest{
			AppID: "app-1", ShuffleID: 1, MapID: 0, AttemptID: 0,
			PartitionID: pid, Epoch: 0,
		})
		c.Assert(resp.Status, check.Equals, chute.StatusSuccess)
		c.Check(resp.Location.Worker, check.Not(check.Equals), w3.info)
	}
}

// The refresh loop feeds the local view to the master and installs
// the master's reply.
func (*BlacklistSuite) TestRefreshFromMaster(c *check.C) {
	w1, w2 := newStubWorker(1), newStubWorker(2)
	bad := stubWorkerInfo(9)
	fleet := newStubFleet(w1, w2)
	master := &stubMaster{workers: fleet.infos(), blacklist: []chute.WorkerInfo{bad}}
	coord := newTestCoordinator(c, testConfig(false), master, fleet)
	defer coord.Close()

	resp, err := coord.Master.GetBlacklist(context.Background(), chute.GetBlacklistRequest{Blacklist: coord.blacklist.Snapshot()})
	c.Assert(err, check.IsNil)
	coord.blacklist.Refresh(resp.Blacklist, resp.UnknownWorkers)
	c.Check(coord.blacklist.Contains(bad), check.Equals, true)
}
