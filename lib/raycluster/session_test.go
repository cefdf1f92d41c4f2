// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package raycluster

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"time"

	"github.com/rayhpc/raycluster/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&SessionSuite{})

type SessionSuite struct{}

func (s *SessionSuite) TestConnectAfterRetries(c *check.C) {
	var reqs int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/version" {
			http.NotFound(w, r)
			return
		}
		if atomic.AddInt32(&reqs, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"version":"4","ray_version":"2.9.3","ray_commit":"abcdef"}`))
	}))
	defer srv.Close()

	sess := &DashboardSession{Logger: ctxlog.TestLogger(c), Timeout: 30 * time.Second}
	err := sess.Connect(context.Background(), srv.Listener.Addr().String(), true)
	c.Check(err, check.IsNil)
	c.Check(atomic.LoadInt32(&reqs), check.Equals, int32(3))
	c.Check(sess.Disconnect(), check.IsNil)
	c.Check(sess.Disconnect(), check.IsNil)
}

func (s *SessionSuite) TestTimeout(c *check.C) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sess := &DashboardSession{Logger: ctxlog.TestLogger(c), Timeout: time.Second}
	t0 := time.Now()
	err := sess.Connect(context.Background(), srv.URL, false)
	c.Check(errors.Is(err, ErrConnectFailed), check.Equals, true)
	c.Check(time.Since(t0) < 10*time.Second, check.Equals, true)
	// Never connected
	c.Check(sess.Disconnect(), check.IsNil)
}

func (s *SessionSuite) TestNotFound(c *check.C) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	sess := &DashboardSession{Logger: ctxlog.TestLogger(c), Timeout: 5 * time.Second}
	err := sess.Connect(context.Background(), srv.URL+"/", false)
	c.Check(err, check.ErrorMatches, `cannot connect to cluster: .*/api/version: 404 Not Found`)
}
