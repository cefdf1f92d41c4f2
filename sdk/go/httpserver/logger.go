// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package httpserver provides middleware for the management HTTP
// server.
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

type contextKey struct {
	name string
}

var loggerContextKey = contextKey{"logger"}

// LogRequests wraps an http.Handler, logging each response via
// logger. Successful responses are logged at debug level, since
// metrics scrapers and health checkers poll frequently.
func LogRequests(logger logrus.FieldLogger, h http.Handler) http.Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return http.HandlerFunc(func(wrapped http.ResponseWriter, req *http.Request) {
		w := WrapResponseWriter(wrapped)
		lgr := logger.WithFields(logrus.Fields{
			"RequestID":  req.Header.Get("X-Request-Id"),
			"remoteAddr": req.RemoteAddr,
			"reqMethod":  req.Method,
			"reqPath":    req.URL.Path,
			"reqQuery":   req.URL.RawQuery,
		})
		req = req.WithContext(context.WithValue(req.Context(), &loggerContextKey, lgr))
		t0 := time.Now()
		defer func() {
			respCode := w.WroteStatus()
			if respCode == 0 {
				respCode = http.StatusOK
			}
			entry := lgr.WithFields(logrus.Fields{
				"respStatusCode": respCode,
				"respBytes":      w.WroteBodyBytes(),
				"timeTotal":      time.Since(t0).Seconds(),
			})
			if respCode >= 400 {
				entry.Info("response")
			} else {
				entry.Debug("response")
			}
		}()
		h.ServeHTTP(w, req)
	})
}

// Logger returns the logger attached to req by LogRequests, or the
// standard logger if there is none.
func Logger(req *http.Request) logrus.FieldLogger {
	if lgr, ok := req.Context().Value(&loggerContextKey).(logrus.FieldLogger); ok {
		return lgr
	}
	return logrus.StandardLogger()
}
