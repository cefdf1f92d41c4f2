// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package raycluster

import (
	"crypto/subtle"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rayhpc/raycluster/sdk/go/health"
	"github.com/rayhpc/raycluster/sdk/go/httpserver"
)

// ManagementHandler returns an http.Handler that serves metrics at
// /metrics and health checks at /_health/ping and /_health/head. If
// token is not empty, requests must carry it as a bearer token.
//
// Call it after Start. The handler does not touch the Cluster
// itself, so it can serve requests while the driver goroutine is
// scaling.
func (c *Cluster) ManagementHandler(token string) http.Handler {
	reg := c.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	mux := httprouter.New()
	mux.Handler("GET", "/metrics", requireToken(token, promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorLog: c.logger,
	})))
	mux.Handler("GET", "/_health/:check", &health.Handler{
		Token:  token,
		Prefix: "/_health/",
		Routes: health.Routes{"head": c.HeadCheck()},
		Log: func(r *http.Request, err error) {
			if err != nil {
				httpserver.Logger(r).WithError(err).Info("health check failed")
			}
		},
	})
	return httpserver.LogRequests(c.logger, mux)
}

func requireToken(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	want := []byte("Bearer " + token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
