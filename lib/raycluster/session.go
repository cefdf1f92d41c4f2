// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package raycluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

var ErrConnectFailed = errors.New("cannot connect to cluster")

// Session is the driver's connection to the running cluster.
type Session interface {
	// Connect blocks until the cluster at address accepts the
	// connection or ctx is done. If logToDriver is true, cluster
	// log output is forwarded to the driver's log.
	Connect(ctx context.Context, address string, logToDriver bool) error
	// Disconnect is a no-op if not connected.
	Disconnect() error
}

// DashboardSession is a Session that talks to the head node's
// dashboard HTTP API.
type DashboardSession struct {
	Logger logrus.FieldLogger

	// Upper bound on the time Connect spends waiting for the
	// dashboard to come up. Zero means no limit beyond ctx.
	Timeout time.Duration

	client      *retryablehttp.Client
	baseURL     string
	logToDriver bool
}

type dashboardVersion struct {
	Version    string `json:"version"`
	RayVersion string `json:"ray_version"`
	RayCommit  string `json:"ray_commit"`
}

// Connect polls the dashboard version endpoint at address (a
// "host:port" or a URL) until it answers.
func (s *DashboardSession) Connect(ctx context.Context, address string, logToDriver bool) error {
	if s.Logger == nil {
		s.Logger = logrus.StandardLogger()
	}
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	baseURL := address
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	client := retryablehttp.NewClient()
	client.RetryMax = math.MaxInt32
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.Logger = leveledLogger{s.Logger.WithField("Dashboard", baseURL)}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/version", nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s: %s", ErrConnectFailed, req.URL, resp.Status)
	}
	var ver dashboardVersion
	if err := json.NewDecoder(resp.Body).Decode(&ver); err != nil {
		return fmt.Errorf("%w: decoding %s: %w", ErrConnectFailed, req.URL, err)
	}
	s.client = client
	s.baseURL = baseURL
	s.logToDriver = logToDriver
	entry := s.Logger.WithFields(logrus.Fields{
		"Dashboard":  baseURL,
		"RayVersion": ver.RayVersion,
	})
	if logToDriver {
		entry.Info("connected to cluster")
	} else {
		entry.Debug("connected to cluster")
	}
	return nil
}

func (s *DashboardSession) Disconnect() error {
	if s.client == nil {
		return nil
	}
	s.client.HTTPClient.CloseIdleConnections()
	s.client = nil
	s.Logger.WithField("Dashboard", s.baseURL).Debug("disconnected from cluster")
	return nil
}

// leveledLogger adapts a logrus logger to retryablehttp's
// LeveledLogger interface.
type leveledLogger struct {
	logger logrus.FieldLogger
}

func (l leveledLogger) fields(keysAndValues []interface{}) logrus.FieldLogger {
	logger := l.logger
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		logger = logger.WithField(fmt.Sprint(keysAndValues[i]), keysAndValues[i+1])
	}
	return logger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.fields(kv).Error(msg) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.fields(kv).Debug(msg) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.fields(kv).Debug(msg) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.fields(kv).Debug(msg) }
