// Copyright (C) The Chute Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"time"

	"github.com/chute-io/chute/sdk/go/chute"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&LoadSuite{})

type LoadSuite struct{}

func (*LoadSuite) TestLoadOverDefaults(c *check.C) {
	cfg, err := Load(bytes.NewBufferString(`
ApplicationID: app-20260806-1
UserIdentifier: default/celia
MasterURL: http://master.example:9097
Replicate: true
StageEndTimeout: 2m
ReserveSlotsMaxRetry: 5
`))
	c.Assert(err, check.IsNil)
	c.Check(cfg.ApplicationID, check.Equals, "app-20260806-1")
	c.Check(cfg.Replicate, check.Equals, true)
	c.Check(cfg.StageEndTimeout.Duration(), check.Equals, 2*time.Minute)
	c.Check(cfg.ReserveSlotsMaxRetry, check.Equals, 5)
	// Untouched keys keep their defaults.
	c.Check(cfg.PartitionType, check.Equals, chute.ReducePartition)
	c.Check(cfg.RPCMaxParallelism, check.Equals, 64)
	c.Check(cfg.ListenAddress, check.Equals, ":9098")
}

func (*LoadSuite) TestRejectIncomplete(c *check.C) {
	_, err := Load(bytes.NewBufferString(`{}`))
	c.Check(err, check.NotNil)
}

func (*LoadSuite) TestRejectMalformed(c *check.C) {
	_, err := Load(bytes.NewBufferString("{{{"))
	c.Check(err, check.NotNil)
}
