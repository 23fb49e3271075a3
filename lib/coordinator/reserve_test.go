// Copyright (C) The Chute Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"context"

	"github.com/chute-io/chute/sdk/go/chute"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ReserveSuite{})

type ReserveSuite struct{}

// A worker fails its first reserve round. Its partitions (and their
// replica peers) are re-placed on the surviving workers, the peers'
// buffers are destroyed, and the second round succeeds with no slot
// left on the failed worker.
func (*ReserveSuite) TestRetryAfterWorkerFailure(c *check.C) {
	w2, w3, w4, w5 := newStubWorker(2), newStubWorker(3), newStubWorker(4), newStubWorker(5)
	w4.reserveErrs = 99 // w4 never accepts
	fleet := newStubFleet(w2, w3, w4, w5)
	master := &stubMaster{workers: fleet.infos(), replicate: true}
	coord := newTestCoordinator(c, testConfig(true), master, fleet)
	defer coord.Close()

	resp := coord.RegisterShuffle(context.Background(), chute.RegisterShuffleRequest{
		AppID: "app-1", ShuffleID: 1, NumMappers: 2, NumReducers: 8,
	})
	c.Assert(resp.Status, check.Equals, chute.StatusSuccess)

	// w4 holds nothing; every partition has a primary and a
	// replica somewhere else.
	w4.Lock()
	c.Check(w4.reserved, check.HasLen, 0)
	w4.Unlock()
	c.Check(coord.blacklist.Contains(w4.info), check.Equals, true)

	modes := map[int][]chute.Mode{}
	for _, sw := range []*stubWorker{w2, w3, w5} {
		sw.Lock()
		for uid, mode := range sw.reserved {
			pid, _, err := parseUniqueID(uid)
			c.Assert(err, check.IsNil)
			modes[pid] = append(modes[pid], mode)
		}
		sw.Unlock()
	}
	c.Assert(modes, check.HasLen, 8)
	for pid, mm := range modes {
		primaries, replicas := 0, 0
		for _, m := range mm {
			if m == chute.Primary {
				primaries++
			} else {
				replicas++
			}
		}
		c.Check(primaries, check.Equals, 1, check.Commentf("partition %d", pid))
		c.Check(replicas, check.Equals, 1, check.Commentf("partition %d", pid))
	}

	// Surviving peers of w4's victims were destroyed somewhere.
	destroys := 0
	for _, sw := range []*stubWorker{w2, w3, w5} {
		sw.Lock()
		destroys += len(sw.destroyed)
		sw.Unlock()
	}
	c.Check(destroys > 0, check.Equals, true)
}

// Every worker refuses: after the first round both are blacklisted, so
// no retry candidates remain, nothing stays reserved, and registration
// reports ReserveSlotsFailed after releasing the shuffle's quota.
func (*ReserveSuite) TestTerminalFailureDestroysRemainder(c *check.C) {
	w1, w2 := newStubWorker(1), newStubWorker(2)
	w1.reserveErrs = 99
	w2.reserveErrs = 99
	fleet := newStubFleet(w1, w2)
	master := &stubMaster{workers: fleet.infos()}
	coord := newTestCoordinator(c, testConfig(false), master, fleet)
	defer coord.Close()

	resp := coord.RegisterShuffle(context.Background(), chute.RegisterShuffleRequest{
		AppID: "app-1", ShuffleID: 2, NumMappers: 1, NumReducers: 4,
	})
	c.Check(resp.Status, check.Equals, chute.StatusReserveSlotsFailed)
	for _, sw := range []*stubWorker{w1, w2} {
		sw.Lock()
		c.Check(sw.reserved, check.HasLen, 0)
		sw.Unlock()
	}
	// The terminal release with no worker list frees everything
	// tied to the shuffle at the master.
	master.Lock()
	defer master.Unlock()
	released := false
	for _, req := range master.released {
		if req.ShuffleID == 2 && len(req.WorkerIDs) == 0 {
			released = true
		}
	}
	c.Check(released, check.Equals, true)
}
