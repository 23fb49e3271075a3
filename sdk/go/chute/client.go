// Copyright (C) The Chute Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package chute

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/chute-io/chute/sdk/go/httpserver"
)

var reqIDGen = httpserver.IDGenerator{Prefix: "req-"}

// postJSON sends body to url as a JSON POST via client, and decodes
// the JSON response into result (unless result is nil). Non-2xx
// responses are returned as errors carrying the response body.
func postJSON(ctx context.Context, client *http.Client, url string, body, result interface{}) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if req.Header.Get("X-Request-Id") == "" {
		req.Header.Set("X-Request-Id", reqIDGen.Next())
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s: %s (%s)", url, resp.Status, bytes.TrimSpace(msg))
	}
	if result == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(result)
}
