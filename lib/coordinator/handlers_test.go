// Copyright (C) The Chute Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"

	"github.com/chute-io/chute/sdk/go/chute"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&HandlersSuite{})

type HandlersSuite struct{}

func (*HandlersSuite) post(c *check.C, coord *Coordinator, path string, req, resp interface{}) *httptest.ResponseRecorder {
	buf, err := json.Marshal(req)
	c.Assert(err, check.IsNil)
	r := httptest.NewRequest("POST", path, bytes.NewReader(buf))
	w := httptest.NewRecorder()
	coord.ServeHTTP(w, r)
	if resp != nil && w.Code == http.StatusOK {
		c.Assert(json.NewDecoder(w.Body).Decode(resp), check.IsNil)
	}
	return w
}

func (s *HandlersSuite) TestRegisterOverHTTP(c *check.C) {
	fleet := newStubFleet(newStubWorker(1), newStubWorker(2))
	master := &stubMaster{workers: fleet.infos()}
	coord := newTestCoordinator(c, testConfig(false), master, fleet)
	defer coord.Close()

	var resp chute.RegisterShuffleResponse
	w := s.post(c, coord, "/chute/v1/register-shuffle", chute.RegisterShuffleRequest{
		AppID: "app-1", ShuffleID: 1, NumMappers: 2, NumReducers: 4,
	}, &resp)
	c.Check(w.Code, check.Equals, http.StatusOK)
	c.Check(resp.Status, check.Equals, chute.StatusSuccess)
	c.Check(resp.Primaries, check.HasLen, 4)
}

func (s *HandlersSuite) TestMalformedRequest(c *check.C) {
	fleet := newStubFleet(newStubWorker(1))
	master := &stubMaster{workers: fleet.infos()}
	coord := newTestCoordinator(c, testConfig(false), master, fleet)
	defer coord.Close()

	r := httptest.NewRequest("POST", "/chute/v1/register-shuffle", bytes.NewBufferString("{"))
	w := httptest.NewRecorder()
	coord.ServeHTTP(w, r)
	c.Check(w.Code, check.Equals, http.StatusBadRequest)
}

func (s *HandlersSuite) TestStageEndFireAndForget(c *check.C) {
	fleet := newStubFleet(newStubWorker(1))
	master := &stubMaster{workers: fleet.infos()}
	coord := newTestCoordinator(c, testConfig(false), master, fleet)
	defer coord.Close()

	w := s.post(c, coord, "/chute/v1/stage-end", chute.StageEndRequest{AppID: "app-1", ShuffleID: 42}, nil)
	c.Check(w.Code, check.Equals, http.StatusAccepted)
}

func (s *HandlersSuite) TestManagementAPI(c *check.C) {
	fleet := newStubFleet(newStubWorker(1), newStubWorker(2))
	master := &stubMaster{workers: fleet.infos()}
	cfg := testConfig(false)
	cfg.ManagementToken = "xyzzy"
	coord := newTestCoordinator(c, cfg, master, fleet)
	defer coord.Close()

	var reg chute.RegisterShuffleResponse
	s.post(c, coord, "/chute/v1/register-shuffle", chute.RegisterShuffleRequest{
		AppID: "app-1", ShuffleID: 1, NumMappers: 2, NumReducers: 4,
	}, &reg)
	c.Assert(reg.Status, check.Equals, chute.StatusSuccess)

	r := httptest.NewRequest("GET", "/chute/v1/shuffles", nil)
	w := httptest.NewRecorder()
	coord.ServeHTTP(w, r)
	c.Check(w.Code, check.Equals, http.StatusUnauthorized)

	r = httptest.NewRequest("GET", "/chute/v1/shuffles", nil)
	r.Header.Set("Authorization", "Bearer xyzzy")
	w = httptest.NewRecorder()
	coord.ServeHTTP(w, r)
	c.Assert(w.Code, check.Equals, http.StatusOK)
	var resp struct {
		Items []ShuffleView `json:"items"`
	}
	c.Assert(json.NewDecoder(w.Body).Decode(&resp), check.IsNil)
	c.Assert(resp.Items, check.HasLen, 1)
	c.Check(resp.Items[0].Registered, check.Equals, true)
	c.Check(resp.Items[0].NumPartitions, check.Equals, 4)

	// Health endpoint answers with the same token.
	r = httptest.NewRequest("GET", "/_health/ping", nil)
	r.Header.Set("Authorization", "Bearer xyzzy")
	w = httptest.NewRecorder()
	coord.ServeHTTP(w, r)
	c.Check(w.Code, check.Equals, http.StatusOK)
	c.Check(w.Body.String(), check.Equals, `{"health":"OK"}`+"\n")
}
