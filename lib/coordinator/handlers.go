// Copyright (C) The Chute Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"encoding/json"
	"net/http"

	"github.com/chute-io/chute/sdk/go/chute"
	"github.com/chute-io/chute/sdk/go/httpserver"
)

// decodeJSON fills req from r's body, replying 400 on malformed
// input. Returns false if the request was already answered.
func decodeJSON(w http.ResponseWriter, r *http.Request, req interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		httpserver.Error(w, "malformed request: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, resp interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (c *Coordinator) apiRegisterShuffle(w http.ResponseWriter, r *http.Request) {
	var req chute.RegisterShuffleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	writeJSON(w, c.RegisterShuffle(r.Context(), req))
}

func (c *Coordinator) apiRevive(w http.ResponseWriter, r *http.Request) {
	var req chute.ReviveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	writeJSON(w, c.Revive(r.Context(), req))
}

func (c *Coordinator) apiPartitionSplit(w http.ResponseWriter, r *http.Request) {
	var req chute.PartitionSplitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	writeJSON(w, c.PartitionSplit(r.Context(), req))
}

func (c *Coordinator) apiMapperEnd(w http.ResponseWriter, r *http.Request) {
	var req chute.MapperEndRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	writeJSON(w, c.MapperEnd(req))
}

func (c *Coordinator) apiGetReducerFileGroup(w http.ResponseWriter, r *http.Request) {
	var req chute.GetReducerFileGroupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	writeJSON(w, c.GetReducerFileGroup(r.Context(), req))
}

// Fire-and-forget: the barrier runs in the background and the caller
// gets 202 immediately.
func (c *Coordinator) apiStageEnd(w http.ResponseWriter, r *http.Request) {
	var req chute.StageEndRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	go c.StageEnd(req.ShuffleID)
	w.WriteHeader(http.StatusAccepted)
}

func (c *Coordinator) apiUnregisterShuffle(w http.ResponseWriter, r *http.Request) {
	var req chute.UnregisterShuffleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	writeJSON(w, c.UnregisterShuffle(r.Context(), req))
}

// ShuffleView summarizes one shuffle's state for the management API.
type ShuffleView struct {
	ShuffleID     int    `json:"shuffle_id"`
	Registered    bool   `json:"registered"`
	NumMappers    int    `json:"num_mappers"`
	NumReducers   int    `json:"num_reducers"`
	NumPartitions int    `json:"num_partitions"`
	MappersEnded  int    `json:"mappers_ended"`
	Workers       int    `json:"workers"`
	StageEnd      string `json:"stage_end"`
}

func (s stageEndState) String() string {
	switch s {
	case stageEndRunning:
		return "running"
	case stageEndSuccess:
		return "success"
	case stageEndDataLost:
		return "dataLost"
	default:
		return "none"
	}
}

// Management API: all known shuffles.
func (c *Coordinator) apiShuffles(w http.ResponseWriter, r *http.Request) {
	if !c.checkManagementToken(w, r) {
		return
	}
	var resp struct {
		Items []ShuffleView `json:"items"`
	}
	c.mtx.Lock()
	shuffles := make([]*shuffle, 0, len(c.shuffles))
	for _, sh := range c.shuffles {
		shuffles = append(shuffles, sh)
	}
	c.mtx.Unlock()
	for _, sh := range shuffles {
		sh.mtx.Lock()
		view := ShuffleView{
			ShuffleID:     sh.id,
			Registered:    sh.registered,
			NumMappers:    sh.numMappers,
			NumReducers:   sh.numReducers,
			NumPartitions: sh.numPartitions,
			Workers:       len(sh.allocated),
			StageEnd:      sh.stageEnd.String(),
		}
		for _, attempt := range sh.mapperAttempts {
			if attempt >= 0 {
				view.MappersEnded++
			}
		}
		sh.mtx.Unlock()
		resp.Items = append(resp.Items, view)
	}
	writeJSON(w, resp)
}

// Management API: the current blacklist.
func (c *Coordinator) apiWorkers(w http.ResponseWriter, r *http.Request) {
	if !c.checkManagementToken(w, r) {
		return
	}
	var resp struct {
		Blacklist []chute.WorkerInfo `json:"blacklist"`
	}
	resp.Blacklist = c.blacklist.Snapshot()
	writeJSON(w, resp)
}

func (c *Coordinator) checkManagementToken(w http.ResponseWriter, r *http.Request) bool {
	if c.Cluster.ManagementToken == "" {
		httpserver.Error(w, "management API authentication is not configured", http.StatusForbidden)
		return false
	}
	if r.Header.Get("Authorization") != "Bearer "+c.Cluster.ManagementToken {
		httpserver.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}
