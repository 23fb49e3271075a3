// Copyright (C) The Chute Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"
	"time"

	"github.com/chute-io/chute/sdk/go/ctxlog"
	"github.com/sirupsen/logrus"
)

// LogRequests wraps an http.Handler, logging each request and
// response via the logger attached to the request context.
func LogRequests(h http.Handler) http.Handler {
	return http.HandlerFunc(func(wrapped http.ResponseWriter, req *http.Request) {
		w := WrapResponseWriter(wrapped)
		lgr := ctxlog.FromContext(req.Context()).WithFields(logrus.Fields{
			"RequestID":  req.Header.Get("X-Request-Id"),
			"remoteAddr": req.RemoteAddr,
			"reqMethod":  req.Method,
			"reqPath":    req.URL.Path[1:],
			"reqBytes":   req.ContentLength,
		})
		req = req.WithContext(ctxlog.Context(req.Context(), lgr))

		lgr.Debug("request")
		tStart := time.Now()
		defer func() {
			lgr.WithFields(logrus.Fields{
				"timeTotal":      time.Since(tStart).Seconds(),
				"respStatusCode": w.WroteStatus(),
				"respStatus":     http.StatusText(w.WroteStatus()),
				"respBytes":      w.WroteBodyBytes(),
			}).Info("response")
		}()

		h.ServeHTTP(w, req)
	})
}
