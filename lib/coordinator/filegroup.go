// Copyright (C) The Chute Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"context"
	"time"

	"github.com/chute-io/chute/sdk/go/chute"
)

// GetReducerFileGroup returns the committed file groups for every
// partition, waiting up to StageEndTimeout for the stage-end barrier
// to finish. Reducers call this as soon as they start, typically
// before the last mapper has ended.
func (c *Coordinator) GetReducerFileGroup(ctx context.Context, req chute.GetReducerFileGroupRequest) *chute.GetReducerFileGroupResponse {
	sh := c.getShuffle(req.ShuffleID)
	if sh == nil {
		return &chute.GetReducerFileGroupResponse{Status: chute.StatusShuffleNotRegistered}
	}
	if !c.waitStageEnd(ctx, sh) {
		return &chute.GetReducerFileGroupResponse{Status: chute.StatusStageEndTimeout}
	}
	sh.mtx.Lock()
	defer sh.mtx.Unlock()
	if sh.stageEnd == stageEndDataLost {
		return &chute.GetReducerFileGroupResponse{Status: chute.StatusShuffleDataLost}
	}
	return &chute.GetReducerFileGroupResponse{
		Status:         chute.StatusSuccess,
		FileGroups:     sh.fileGroups,
		MapperAttempts: append([]int{}, sh.mapperAttempts...),
	}
}

// waitStageEnd blocks until the shuffle's stage end completes, the
// configured timeout passes, or ctx is cancelled. Returns true iff
// stage end completed.
func (c *Coordinator) waitStageEnd(ctx context.Context, sh *shuffle) bool {
	timer := time.NewTimer(c.Cluster.StageEndTimeout.Duration())
	defer timer.Stop()
	select {
	case <-sh.stageEndDone:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
