// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package health serves JSON health-check responses like
// {"health":"OK"} or {"health":"ERROR","error":"..."}.
package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
)

// Func is a health-check function: it returns nil when healthy, an
// error when not.
type Func func() error

// Routes is a map of check name to health-check function.
type Routes map[string]Func

// Handler is an http.Handler that responds to health-check requests
// at {Prefix}{name}.
//
// Fields of a Handler should not be changed after the Handler is
// first used.
type Handler struct {
	setupOnce sync.Once
	mux       *http.ServeMux

	// Bearer token required in the Authorization header. If
	// empty, requests are not authenticated.
	Token string

	// Route prefix, typically "/_health/".
	Prefix string

	// If "ping" is not listed here, it is added automatically
	// and always returns a healthy response.
	Routes Routes

	// If non-nil, Log is called after handling each request.
	Log func(*http.Request, error)
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.setupOnce.Do(h.setup)
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) setup() {
	h.mux = http.NewServeMux()
	prefix := h.Prefix
	if !strings.HasSuffix(prefix, "/") {
		prefix = prefix + "/"
	}
	for name, fn := range h.Routes {
		h.mux.Handle(prefix+name, h.healthJSON(fn))
	}
	if _, ok := h.Routes["ping"]; !ok {
		h.mux.Handle(prefix+"ping", h.healthJSON(func() error { return nil }))
	}
}

var (
	healthyBody     = []byte(`{"health":"OK"}` + "\n")
	errUnauthorized = errors.New(http.StatusText(http.StatusUnauthorized))
	errForbidden    = errors.New(http.StatusText(http.StatusForbidden))
)

func (h *Handler) healthJSON(fn Func) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer func() {
			if h.Log != nil {
				h.Log(r, err)
			}
		}()
		if h.Token != "" {
			if ah := r.Header.Get("Authorization"); ah == "" {
				http.Error(w, "authorization required", http.StatusUnauthorized)
				err = errUnauthorized
				return
			} else if ah != "Bearer "+h.Token {
				http.Error(w, "authorization error", http.StatusForbidden)
				err = errForbidden
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		if err = fn(); err == nil {
			w.Write(healthyBody)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{
			"health": "ERROR",
			"error":  err.Error(),
		})
	})
}
