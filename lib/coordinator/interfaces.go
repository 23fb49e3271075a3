// Copyright (C) The Chute Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"context"

	"github.com/chute-io/chute/sdk/go/chute"
)

// MasterAPI is the subset of the cluster master the coordinator
// consumes. Satisfied by *chute.MasterClient.
type MasterAPI interface {
	RequestSlots(context.Context, chute.RequestSlotsRequest) (chute.RequestSlotsResponse, error)
	ReleaseSlots(context.Context, chute.ReleaseSlotsRequest) error
	GetBlacklist(context.Context, chute.GetBlacklistRequest) (chute.GetBlacklistResponse, error)
	UnregisterShuffle(context.Context, chute.UnregisterShuffleRequest) error
	HeartbeatFromApplication(context.Context, chute.ApplicationHeartbeatRequest) error
	CheckQuota(context.Context, chute.CheckQuotaRequest) (chute.CheckQuotaResponse, error)
}

// WorkerAPI is one worker's control endpoint. Satisfied by
// *chute.WorkerClient.
type WorkerAPI interface {
	Worker() chute.WorkerInfo
	Ping(context.Context) error
	ReserveSlots(context.Context, chute.ReserveSlotsRequest) (chute.ReserveSlotsResponse, error)
	CommitFiles(context.Context, chute.CommitFilesRequest) (chute.CommitFilesResponse, error)
	Destroy(context.Context, chute.DestroyRequest) (chute.DestroyResponse, error)
}
