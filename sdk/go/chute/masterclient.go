// Copyright (C) The Chute Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package chute

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// MasterClient talks to the cluster master. The underlying
// retryablehttp client retries transient failures with backoff, so
// callers treat each method as a single logical attempt.
type MasterClient struct {
	baseURL string
	client  *http.Client
}

// NewMasterClient returns a MasterClient for the master at baseURL.
func NewMasterClient(baseURL string, logger logrus.FieldLogger, timeout time.Duration) *MasterClient {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 4
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = timeout
	rc.Logger = logger
	return &MasterClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  rc.StandardClient(),
	}
}

func (mc *MasterClient) do(ctx context.Context, path string, req, resp interface{}) error {
	return postJSON(ctx, mc.client, mc.baseURL+path, req, resp)
}

// RequestSlots asks the master for a slot allocation covering the
// given partition ids.
func (mc *MasterClient) RequestSlots(ctx context.Context, req RequestSlotsRequest) (RequestSlotsResponse, error) {
	var resp RequestSlotsResponse
	err := mc.do(ctx, "/chute/v1/master/request-slots", req, &resp)
	return resp, err
}

// ReleaseSlots returns quota to the master. With no WorkerIDs, the
// master releases everything tied to the shuffle.
func (mc *MasterClient) ReleaseSlots(ctx context.Context, req ReleaseSlotsRequest) error {
	var resp ReleaseSlotsResponse
	if err := mc.do(ctx, "/chute/v1/master/release-slots", req, &resp); err != nil {
		return err
	}
	if resp.Status != StatusSuccess {
		return fmt.Errorf("release slots: master returned %s", resp.Status)
	}
	return nil
}

// GetBlacklist exchanges the local blacklist for the master's view.
func (mc *MasterClient) GetBlacklist(ctx context.Context, req GetBlacklistRequest) (GetBlacklistResponse, error) {
	var resp GetBlacklistResponse
	err := mc.do(ctx, "/chute/v1/master/get-blacklist", req, &resp)
	return resp, err
}

// UnregisterShuffle tells the master to forget the shuffle.
func (mc *MasterClient) UnregisterShuffle(ctx context.Context, req UnregisterShuffleRequest) error {
	var resp UnregisterShuffleResponse
	return mc.do(ctx, "/chute/v1/master/unregister-shuffle", req, &resp)
}

// HeartbeatFromApplication reports the application's liveness and
// cumulative write activity.
func (mc *MasterClient) HeartbeatFromApplication(ctx context.Context, req ApplicationHeartbeatRequest) error {
	var resp ApplicationHeartbeatResponse
	return mc.do(ctx, "/chute/v1/master/application-heartbeat", req, &resp)
}

// CheckQuota reports whether the user may request more slots.
func (mc *MasterClient) CheckQuota(ctx context.Context, req CheckQuotaRequest) (CheckQuotaResponse, error) {
	var resp CheckQuotaResponse
	err := mc.do(ctx, "/chute/v1/master/check-quota", req, &resp)
	return resp, err
}
