// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"
)

type ResponseWriter interface {
	http.ResponseWriter
	WroteStatus() int
	WroteBodyBytes() int
}

// responseWriter wraps http.ResponseWriter and exposes the status
// sent and the number of bytes sent to the client.
type responseWriter struct {
	http.ResponseWriter
	wroteStatus    int // First status given to WriteHeader()
	wroteBodyBytes int // Bytes successfully written
}

func WrapResponseWriter(orig http.ResponseWriter) ResponseWriter {
	return &responseWriter{ResponseWriter: orig}
}

func (w *responseWriter) WriteHeader(s int) {
	if w.wroteStatus == 0 {
		w.wroteStatus = s
	}
	w.ResponseWriter.WriteHeader(s)
}

func (w *responseWriter) Write(data []byte) (int, error) {
	if w.wroteStatus == 0 {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(data)
	w.wroteBodyBytes += n
	return n, err
}

func (w *responseWriter) WroteStatus() int {
	return w.wroteStatus
}

func (w *responseWriter) WroteBodyBytes() int {
	return w.wroteBodyBytes
}

func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
