// Copyright (C) The Chute Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"context"

	"github.com/chute-io/chute/lib/cmd"
	"github.com/chute-io/chute/lib/service"
	"github.com/chute-io/chute/sdk/go/chute"
	"github.com/prometheus/client_golang/prometheus"
)

// Command brings up a coordinator service for one application.
func Command(version string) cmd.Handler {
	return service.Command("coordinator", version, newHandler)
}

func newHandler(ctx context.Context, cfg *chute.Config, reg *prometheus.Registry) service.Handler {
	c := &Coordinator{
		Cluster:  cfg,
		Context:  ctx,
		Registry: reg,
	}
	go c.Start()
	return c
}
