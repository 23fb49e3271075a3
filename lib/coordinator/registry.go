// Copyright (C) The Chute Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"sort"
	"sync"
	"time"

	"github.com/chute-io/chute/sdk/go/chute"
)

type stageEndState int

const (
	stageEndNone stageEndState = iota
	stageEndRunning
	stageEndSuccess
	stageEndDataLost
)

func (s stageEndState) done() bool {
	return s == stageEndSuccess || s == stageEndDataLost
}

// locationSet is the per-worker, per-shuffle partition location
// index: which primaries and replicas a worker holds. Keys are
// location unique ids ("id-epoch"), so no two entries can share
// (partitionId, epoch, mode).
type locationSet struct {
	primaries map[string]*chute.PartitionLocation
	replicas  map[string]*chute.PartitionLocation
}

func newLocationSet() *locationSet {
	return &locationSet{
		primaries: map[string]*chute.PartitionLocation{},
		replicas:  map[string]*chute.PartitionLocation{},
	}
}

func (ls *locationSet) empty() bool {
	return len(ls.primaries) == 0 && len(ls.replicas) == 0
}

func (ls *locationSet) add(loc *chute.PartitionLocation) {
	if loc.Mode == chute.Primary {
		ls.primaries[loc.UniqueID()] = loc
	} else {
		ls.replicas[loc.UniqueID()] = loc
	}
}

// shuffle is the coordinator's record of one shuffle. mtx guards
// every field; handlers hold it only for in-memory transitions, never
// across worker or master RPCs.
type shuffle struct {
	id  int
	mtx sync.Mutex

	registered  bool
	registering bool
	regWaiters  []chan *chute.RegisterShuffleResponse

	numMappers    int
	numReducers   int
	numPartitions int

	// mapperAttempts[m] is -1 while mapper m is open, or the
	// attempt id it ended with.
	mapperAttempts []int

	allocated map[chute.WorkerInfo]*locationSet

	// latest[p] is the highest-epoch Primary known for partition p.
	latest map[int]*chute.PartitionLocation

	// epoch0 is the initial Primary list, replayed verbatim to
	// duplicate RegisterShuffle calls.
	epoch0 []*chute.PartitionLocation

	// pendingChange[p] parks requesters coalesced behind an
	// in-flight replacement of partition p.
	pendingChange map[int][]chan *chute.ChangeLocationResponse

	fileGroups [][]*chute.PartitionLocation

	stageEnd     stageEndState
	stageEndDone chan struct{} // closed when stageEnd.done()
}

func newShuffle(id int) *shuffle {
	return &shuffle{
		id:            id,
		allocated:     map[chute.WorkerInfo]*locationSet{},
		latest:        map[int]*chute.PartitionLocation{},
		pendingChange: map[int][]chan *chute.ChangeLocationResponse{},
		stageEndDone:  make(chan struct{}),
	}
}

// shuffleRecord returns the record for the given shuffle id, creating
// it if needed.
func (c *Coordinator) shuffleRecord(id int) *shuffle {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	sh := c.shuffles[id]
	if sh == nil {
		sh = newShuffle(id)
		c.shuffles[id] = sh
	}
	return sh
}

// getShuffle returns the record for the given shuffle id, or nil.
func (c *Coordinator) getShuffle(id int) *shuffle {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.shuffles[id]
}

func (c *Coordinator) removeShuffle(id int) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	delete(c.shuffles, id)
	delete(c.unregisteredAt, id)
}

type registrationState int

const (
	regFirstRequester registrationState = iota
	regPending
	regAlreadyRegistered
)

// beginRegistration decides this caller's role in registering sh. At
// most one caller gets regFirstRequester while a registration is in
// flight; the rest park on the returned channel and receive the same
// terminal response. If sh is already registered, the epoch-0
// primaries are returned synchronously.
func (sh *shuffle) beginRegistration() (registrationState, <-chan *chute.RegisterShuffleResponse, *chute.RegisterShuffleResponse) {
	sh.mtx.Lock()
	defer sh.mtx.Unlock()
	if sh.registered {
		return regAlreadyRegistered, nil, &chute.RegisterShuffleResponse{
			Status:    chute.StatusSuccess,
			Primaries: sh.epoch0,
		}
	}
	if sh.registering {
		ch := make(chan *chute.RegisterShuffleResponse, 1)
		sh.regWaiters = append(sh.regWaiters, ch)
		return regPending, ch, nil
	}
	sh.registering = true
	return regFirstRequester, nil, nil
}

// completeRegistration publishes resp to every parked registerer and
// ends the in-flight registration.
func (sh *shuffle) completeRegistration(resp *chute.RegisterShuffleResponse) {
	sh.mtx.Lock()
	waiters := sh.regWaiters
	sh.regWaiters = nil
	sh.registering = false
	sh.mtx.Unlock()
	for _, ch := range waiters {
		ch <- resp
	}
}

// populate installs a successful allocation into the shuffle record
// and marks it registered. Returns the epoch-0 primaries sorted by
// partition id.
func (sh *shuffle) populate(numMappers, numReducers, numPartitions int, slots workerResource) []*chute.PartitionLocation {
	sh.mtx.Lock()
	defer sh.mtx.Unlock()
	sh.numMappers = numMappers
	sh.numReducers = numReducers
	sh.numPartitions = numPartitions
	sh.mapperAttempts = openAttempts(numMappers)
	sh.fileGroups = make([][]*chute.PartitionLocation, numPartitions)
	for worker, ss := range slots {
		ls := newLocationSet()
		for _, loc := range ss.primaries {
			ls.add(loc)
			if prev := sh.latest[loc.ID]; prev == nil || loc.Epoch > prev.Epoch {
				sh.latest[loc.ID] = loc
			}
		}
		for _, loc := range ss.replicas {
			ls.add(loc)
		}
		sh.allocated[worker] = ls
	}
	var primaries []*chute.PartitionLocation
	for _, loc := range sh.latest {
		primaries = append(primaries, loc)
	}
	sort.Slice(primaries, func(i, j int) bool { return primaries[i].ID < primaries[j].ID })
	sh.epoch0 = primaries
	sh.registered = true
	return primaries
}

func openAttempts(numMappers int) []int {
	attempts := make([]int, numMappers)
	for i := range attempts {
		attempts[i] = -1
	}
	return attempts
}

// markUnregistered records the first unregister time for the shuffle;
// the expiration sweeper drops state once RemoveShuffleDelay has
// elapsed.
func (c *Coordinator) markUnregistered(id int) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if _, ok := c.unregisteredAt[id]; !ok {
		c.unregisteredAt[id] = time.Now()
	}
}
