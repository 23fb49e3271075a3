// Copyright (C) The Chute Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package chute

import (
	"fmt"
	"time"
)

// Config holds the coordinator configuration for one application.
// The lifecycle coordinator is a per-application process: every
// shuffle it manages belongs to ApplicationID.
type Config struct {
	// Application identity.
	ApplicationID  string
	UserIdentifier string

	// Base URL of the cluster master, e.g. "http://master:9097".
	MasterURL string

	// host:port the coordinator endpoint listens on.
	ListenAddress string

	// Host tasks and the master should use to reach this
	// coordinator.
	AdvertiseHost string

	// Token required for management and health endpoints.
	ManagementToken string

	// Enable a Replica peer on a different worker for every
	// Primary.
	Replicate bool

	// Partition id space for slot requests: one per reducer
	// (ReducePartition) or one per mapper (MapPartition).
	PartitionType PartitionType

	// Forwarded to workers at reserve time.
	PartitionSplitThreshold int64
	PartitionSplitMode      string
	RangeReadFilter         bool

	// Max wait for stage end in GetReducerFileGroup / Unregister.
	StageEndTimeout Duration

	// Expiration delay before an unregistered shuffle's state is
	// dropped.
	RemoveShuffleDelay Duration

	// Blacklist refresh interval.
	GetBlacklistDelay Duration

	// Application heartbeat period.
	ApplicationHeartbeatInterval Duration

	// Reserve retry schedule.
	ReserveSlotsMaxRetry  int
	ReserveSlotsRetryWait Duration

	// Bound on fan-out RPC parallelism.
	RPCMaxParallelism int

	// Timeout for individual master/worker RPCs.
	RequestTimeout Duration

	SystemLogs struct {
		Format   string
		LogLevel string
	}
}

// DefaultConfig returns a Config with every tunable at its default.
// Identity fields (ApplicationID, MasterURL, ...) are left empty for
// the site config to fill in.
func DefaultConfig() *Config {
	cfg := &Config{
		ListenAddress:                ":9098",
		PartitionType:                ReducePartition,
		PartitionSplitThreshold:      1 << 30,
		PartitionSplitMode:           "soft",
		StageEndTimeout:              Duration(240 * time.Second),
		RemoveShuffleDelay:           Duration(60 * time.Second),
		GetBlacklistDelay:            Duration(30 * time.Second),
		ApplicationHeartbeatInterval: Duration(10 * time.Second),
		ReserveSlotsMaxRetry:         3,
		ReserveSlotsRetryWait:        Duration(3 * time.Second),
		RPCMaxParallelism:            64,
		RequestTimeout:               Duration(30 * time.Second),
	}
	cfg.SystemLogs.Format = "json"
	cfg.SystemLogs.LogLevel = "info"
	return cfg
}

// Check reports the first configuration error it finds.
func (cfg *Config) Check() error {
	switch {
	case cfg.ApplicationID == "":
		return fmt.Errorf("config error: ApplicationID must be set")
	case cfg.MasterURL == "":
		return fmt.Errorf("config error: MasterURL must be set")
	case cfg.PartitionType != ReducePartition && cfg.PartitionType != MapPartition:
		return fmt.Errorf("config error: unknown PartitionType %q", cfg.PartitionType)
	case cfg.ReserveSlotsMaxRetry < 1:
		return fmt.Errorf("config error: ReserveSlotsMaxRetry must be >= 1")
	case cfg.RPCMaxParallelism < 1:
		return fmt.Errorf("config error: RPCMaxParallelism must be >= 1")
	}
	return nil
}
