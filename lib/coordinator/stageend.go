// Copyright (C) The Chute Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"sync"
	"sync/atomic"

	"github.com/chute-io/chute/sdk/go/chute"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// MapperEnd records the winning attempt for a mapper. Duplicate and
// speculative attempts return Success without changing anything. When
// the last open mapper ends, the stage-end barrier starts in the
// background.
func (c *Coordinator) MapperEnd(req chute.MapperEndRequest) *chute.MapperEndResponse {
	sh := c.shuffleRecord(req.ShuffleID)
	sh.mtx.Lock()
	if len(sh.mapperAttempts) == 0 {
		sh.mapperAttempts = openAttempts(req.NumMappers)
		if sh.numMappers == 0 {
			sh.numMappers = req.NumMappers
		}
	}
	if req.MapID < 0 || req.MapID >= len(sh.mapperAttempts) {
		sh.mtx.Unlock()
		return &chute.MapperEndResponse{Status: chute.StatusFailed}
	}
	if sh.mapperAttempts[req.MapID] < 0 {
		sh.mapperAttempts[req.MapID] = req.AttemptID
	}
	allEnded := true
	for _, attempt := range sh.mapperAttempts {
		if attempt < 0 {
			allEnded = false
			break
		}
	}
	sh.mtx.Unlock()
	if allEnded {
		go c.StageEnd(sh.id)
	}
	return &chute.MapperEndResponse{Status: chute.StatusSuccess}
}

// StageEnd runs the commit barrier for a shuffle: every allocated
// worker commits its files, the results decide whether shuffle data
// survived, and the reducer file groups are published. It runs at
// most once per shuffle; duplicate calls return immediately.
func (c *Coordinator) StageEnd(shuffleID int) {
	sh := c.getShuffle(shuffleID)
	if sh == nil {
		return
	}
	ctx := c.Context

	sh.mtx.Lock()
	if sh.stageEnd != stageEndNone {
		sh.mtx.Unlock()
		return
	}
	if !sh.registered {
		// Nothing was ever allocated: an empty stage ends
		// successfully so reducers are not left waiting.
		sh.stageEnd = stageEndSuccess
		close(sh.stageEndDone)
		sh.mtx.Unlock()
		return
	}
	sh.stageEnd = stageEndRunning
	attempts := append([]int{}, sh.mapperAttempts...)
	commitReqs := map[chute.WorkerInfo]*chute.CommitFilesRequest{}
	index := map[chute.WorkerInfo]*locationSet{}
	for w, ls := range sh.allocated {
		req := &chute.CommitFilesRequest{
			AppID:          c.Cluster.ApplicationID,
			ShuffleID:      sh.id,
			MapperAttempts: attempts,
		}
		for uid := range ls.primaries {
			req.PrimaryIDs = append(req.PrimaryIDs, uid)
		}
		for uid := range ls.replicas {
			req.ReplicaIDs = append(req.ReplicaIDs, uid)
		}
		commitReqs[w] = req
		index[w] = ls
	}
	sh.mtx.Unlock()

	c.mStageEndsRunning.Inc()
	defer c.mStageEndsRunning.Dec()
	lgr := c.logger.WithField("ShuffleID", sh.id)
	lgr.WithField("Workers", len(commitReqs)).Info("stage end starting")

	type commitResult struct {
		worker chute.WorkerInfo
		resp   chute.CommitFilesResponse
		err    error
	}
	var mtx sync.Mutex
	var results []commitResult
	var workers []chute.WorkerInfo
	for w := range commitReqs {
		workers = append(workers, w)
	}
	c.eachWorker(workers, func(w chute.WorkerInfo) {
		var res commitResult
		res.worker = w
		wc, err := c.workerClient(w)
		if err == nil {
			res.resp, err = wc.CommitFiles(ctx, *commitReqs[w])
		}
		res.err = err
		mtx.Lock()
		results = append(results, res)
		mtx.Unlock()
	})

	// Gather. A worker that answered with anything but full
	// success is blacklisted; a worker that did not answer at all
	// counts every slot it held as failed.
	committedPrimaries := map[string]*chute.PartitionLocation{}
	committedReplicas := map[string]*chute.PartitionLocation{}
	failedPrimaries := map[string]bool{}
	failedReplicas := map[string]bool{}
	var totalWritten, fileCount int64
	for _, res := range results {
		ls := index[res.worker]
		if res.err != nil {
			lgr.WithField("Worker", res.worker).WithError(res.err).Warn("commit files failed")
			c.blacklist.Record(res.worker)
			for uid := range ls.primaries {
				failedPrimaries[uid] = true
			}
			for uid := range ls.replicas {
				failedReplicas[uid] = true
			}
			continue
		}
		if res.resp.Status != chute.StatusSuccess {
			// PartialSuccess, WorkerNotRegistered, Failed:
			// the worker is suspect either way.
			lgr.WithFields(logrus.Fields{
				"Worker": res.worker,
				"Status": res.resp.Status,
			}).Warn("commit files incomplete")
			c.blacklist.Record(res.worker)
		}
		for _, uid := range res.resp.CommittedPrimaryIDs {
			if loc := ls.primaries[uid]; loc != nil {
				if si := res.resp.PrimaryStorageInfo[uid]; si != nil {
					loc.StorageInfo = si
				}
				if bm, ok := res.resp.MapIDBitmaps[uid]; ok {
					loc.MapIDBitmap = bm
				}
				committedPrimaries[uid] = loc
			}
		}
		for _, uid := range res.resp.CommittedReplicaIDs {
			if loc := ls.replicas[uid]; loc != nil {
				if si := res.resp.ReplicaStorageInfo[uid]; si != nil {
					loc.StorageInfo = si
				}
				if bm, ok := res.resp.MapIDBitmaps[uid]; ok && loc.MapIDBitmap == nil {
					loc.MapIDBitmap = bm
				}
				committedReplicas[uid] = loc
			}
		}
		for _, uid := range res.resp.FailedPrimaryIDs {
			failedPrimaries[uid] = true
		}
		for _, uid := range res.resp.FailedReplicaIDs {
			failedReplicas[uid] = true
		}
		totalWritten += res.resp.TotalWritten
		fileCount += res.resp.FileCount
	}
	atomic.AddInt64(&c.totalWritten, totalWritten)
	atomic.AddInt64(&c.fileCount, fileCount)
	c.mCommitBytes.Add(float64(totalWritten))
	c.mCommitFiles.Add(float64(fileCount))

	// The workers' buffers are gone either way; drop our view of
	// them and give the quota back.
	sh.mtx.Lock()
	sh.allocated = map[chute.WorkerInfo]*locationSet{}
	sh.mtx.Unlock()
	if err := c.Master.ReleaseSlots(ctx, chute.ReleaseSlotsRequest{AppID: c.Cluster.ApplicationID, ShuffleID: sh.id}); err != nil {
		lgr.WithError(err).Warn("release slots failed")
	}

	dataLost := false
	if c.Cluster.Replicate {
		for uid := range failedPrimaries {
			if failedReplicas[uid] {
				dataLost = true
				lgr.WithField("PartitionUniqueID", uid).Error("both primary and replica lost")
			}
		}
	} else if len(failedPrimaries) > 0 {
		dataLost = true
		lgr.WithField("FailedPartitions", len(failedPrimaries)).Error("primary partitions lost")
	}

	if !dataLost {
		c.assembleFileGroups(sh, committedPrimaries, committedReplicas)
	}

	sh.mtx.Lock()
	if dataLost {
		sh.stageEnd = stageEndDataLost
		c.mDataLostShuffles.Inc()
	} else {
		sh.stageEnd = stageEndSuccess
	}
	close(sh.stageEndDone)
	sh.mtx.Unlock()
	lgr.WithFields(logrus.Fields{
		"DataLost":     dataLost,
		"FileCount":    fileCount,
		"TotalWritten": humanize.IBytes(uint64(totalWritten)),
	}).Info("stage end finished")
}

// assembleFileGroups publishes the committed locations for reducers:
// each committed Primary with storage info joins its partition's
// group; a Replica whose Primary also committed is wired in as the
// peer; a Replica that survived alone is published in the group
// itself.
func (c *Coordinator) assembleFileGroups(sh *shuffle, committedPrimaries, committedReplicas map[string]*chute.PartitionLocation) {
	sh.mtx.Lock()
	defer sh.mtx.Unlock()
	if sh.fileGroups == nil {
		sh.fileGroups = make([][]*chute.PartitionLocation, sh.numPartitions)
	}
	for uid, loc := range committedPrimaries {
		if loc.StorageInfo == nil {
			continue
		}
		if replica := committedReplicas[uid]; replica != nil {
			loc.Peer, replica.Peer = replica.PeerCopy(), loc.PeerCopy()
		}
		if loc.ID >= 0 && loc.ID < len(sh.fileGroups) {
			sh.fileGroups[loc.ID] = append(sh.fileGroups[loc.ID], loc)
		}
	}
	for uid, replica := range committedReplicas {
		if _, ok := committedPrimaries[uid]; ok {
			continue
		}
		// Only the replica survived; reducers read it directly.
		if replica.ID >= 0 && replica.ID < len(sh.fileGroups) {
			sh.fileGroups[replica.ID] = append(sh.fileGroups[replica.ID], replica)
		}
	}
}
