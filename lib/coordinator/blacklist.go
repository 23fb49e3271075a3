// Copyright (C) The Chute Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"sort"
	"sync"

	"github.com/chute-io/chute/sdk/go/chute"
)

// blacklist is the set of workers the coordinator will not use for
// new allocations: the union of locally observed failures and the
// master-published blacklist. A refresh replaces everything except
// locally observed uninitialized (connect-failed) workers, so a
// worker becomes eligible again only when the master stops listing
// it.
type blacklist struct {
	mtx sync.Mutex

	// local[w] is true when w's endpoint failed to initialize;
	// false for reserve/commit/push failures. Only true entries
	// survive a master refresh.
	local  map[chute.WorkerInfo]bool
	remote map[chute.WorkerInfo]struct{}
}

func newBlacklist() *blacklist {
	return &blacklist{
		local:  map[chute.WorkerInfo]bool{},
		remote: map[chute.WorkerInfo]struct{}{},
	}
}

// Record adds a worker after a reserve, commit, or primary push
// failure.
func (bl *blacklist) Record(w chute.WorkerInfo) {
	bl.mtx.Lock()
	defer bl.mtx.Unlock()
	if _, ok := bl.local[w]; !ok {
		bl.local[w] = false
	}
}

// RecordConnectFailure adds a worker whose endpoint could not be
// initialized.
func (bl *blacklist) RecordConnectFailure(w chute.WorkerInfo) {
	bl.mtx.Lock()
	defer bl.mtx.Unlock()
	bl.local[w] = true
}

// Forget drops a locally recorded connect failure, typically after a
// successful reconnect.
func (bl *blacklist) Forget(w chute.WorkerInfo) {
	bl.mtx.Lock()
	defer bl.mtx.Unlock()
	delete(bl.local, w)
}

// Contains reports whether w is currently unusable.
func (bl *blacklist) Contains(w chute.WorkerInfo) bool {
	bl.mtx.Lock()
	defer bl.mtx.Unlock()
	if _, ok := bl.local[w]; ok {
		return true
	}
	_, ok := bl.remote[w]
	return ok
}

// Snapshot returns the current membership, sorted by worker id.
func (bl *blacklist) Snapshot() []chute.WorkerInfo {
	bl.mtx.Lock()
	seen := map[chute.WorkerInfo]struct{}{}
	for w := range bl.local {
		seen[w] = struct{}{}
	}
	for w := range bl.remote {
		seen[w] = struct{}{}
	}
	bl.mtx.Unlock()
	var r []chute.WorkerInfo
	for w := range seen {
		r = append(r, w)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].ID() < r[j].ID() })
	return r
}

// Len returns the current membership size.
func (bl *blacklist) Len() int {
	return len(bl.Snapshot())
}

// Refresh replaces the set with the union of locally observed
// uninitialized workers, the master blacklist, and the master's
// unknown workers.
func (bl *blacklist) Refresh(masterList, unknown []chute.WorkerInfo) {
	bl.mtx.Lock()
	defer bl.mtx.Unlock()
	for w, uninitialized := range bl.local {
		if !uninitialized {
			delete(bl.local, w)
		}
	}
	bl.remote = map[chute.WorkerInfo]struct{}{}
	for _, w := range masterList {
		bl.remote[w] = struct{}{}
	}
	for _, w := range unknown {
		bl.remote[w] = struct{}{}
	}
}
