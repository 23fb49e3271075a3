// Copyright (C) The Chute Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package chute

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// WorkerClient talks to one shuffle worker's control endpoint
// (WorkerInfo.RPCPort). Worker RPCs get no automatic retry; the
// coordinator decides per call whether a retry is worth it.
type WorkerClient struct {
	worker  WorkerInfo
	baseURL string
	client  *http.Client
}

// NewWorkerClient returns a WorkerClient for the given worker.
func NewWorkerClient(w WorkerInfo, timeout time.Duration) *WorkerClient {
	return &WorkerClient{
		worker:  w,
		baseURL: fmt.Sprintf("http://%s:%d", w.Host, w.RPCPort),
		client:  &http.Client{Timeout: timeout},
	}
}

// Worker returns the identity this client connects to.
func (wc *WorkerClient) Worker() WorkerInfo {
	return wc.worker
}

// Ping verifies the worker endpoint is reachable.
func (wc *WorkerClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wc.baseURL+"/chute/v1/worker/ping", nil)
	if err != nil {
		return err
	}
	resp, err := wc.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ping %s: %s", wc.worker, resp.Status)
	}
	return nil
}

// ReserveSlots reserves write buffers on the worker for the given
// locations.
func (wc *WorkerClient) ReserveSlots(ctx context.Context, req ReserveSlotsRequest) (ReserveSlotsResponse, error) {
	var resp ReserveSlotsResponse
	err := postJSON(ctx, wc.client, wc.baseURL+"/chute/v1/worker/reserve-slots", req, &resp)
	return resp, err
}

// CommitFiles flushes and seals the worker's files for the given
// slots.
func (wc *WorkerClient) CommitFiles(ctx context.Context, req CommitFilesRequest) (CommitFilesResponse, error) {
	var resp CommitFilesResponse
	err := postJSON(ctx, wc.client, wc.baseURL+"/chute/v1/worker/commit-files", req, &resp)
	return resp, err
}

// Destroy releases the worker's buffers for the given slots.
func (wc *WorkerClient) Destroy(ctx context.Context, req DestroyRequest) (DestroyResponse, error) {
	var resp DestroyResponse
	err := postJSON(ctx, wc.client, wc.baseURL+"/chute/v1/worker/destroy", req, &resp)
	return resp, err
}
