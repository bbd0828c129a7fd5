// Copyright (C) The Matchfleet Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type contextKey struct {
	name string
}

var loggerContextKey = contextKey{"logger"}

// responseWriter wraps http.ResponseWriter and remembers the status
// and body size sent to the client.
type responseWriter struct {
	http.ResponseWriter
	wroteStatus    int
	wroteBodyBytes int
}

func (w *responseWriter) WriteHeader(code int) {
	if w.wroteStatus == 0 {
		w.wroteStatus = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(p []byte) (int, error) {
	if w.wroteStatus == 0 {
		w.wroteStatus = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.wroteBodyBytes += n
	return n, err
}

// IDGenerator generates alphanumeric strings suitable for use as
// unique request IDs (a given IDGenerator will never return the same
// ID twice).
type IDGenerator struct {
	// Prefix is prepended to each returned ID.
	Prefix string

	lastID int64
	mtx    sync.Mutex
}

// Next returns a new ID string. It is safe to call Next from multiple
// goroutines.
func (g *IDGenerator) Next() string {
	id := time.Now().UnixNano()
	g.mtx.Lock()
	if id <= g.lastID {
		id = g.lastID + 1
	}
	g.lastID = id
	g.mtx.Unlock()
	return g.Prefix + strconv.FormatInt(id, 36)
}

// AddRequestIDs wraps an http.Handler, adding an X-Request-Id header
// to each request that doesn't already have one.
func AddRequestIDs(h http.Handler) http.Handler {
	gen := &IDGenerator{Prefix: "req-"}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("X-Request-Id") == "" {
			req.Header.Set("X-Request-Id", gen.Next())
		}
		h.ServeHTTP(w, req)
	})
}

// LogRequests wraps an http.Handler, logging each request and
// response via logger.
func LogRequests(logger logrus.FieldLogger, h http.Handler) http.Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return http.HandlerFunc(func(wrapped http.ResponseWriter, req *http.Request) {
		w := &responseWriter{ResponseWriter: wrapped}
		lgr := logger.WithFields(logrus.Fields{
			"RequestID":  req.Header.Get("X-Request-Id"),
			"remoteAddr": req.RemoteAddr,
			"reqMethod":  req.Method,
			"reqPath":    req.URL.Path,
			"reqBytes":   req.ContentLength,
		})
		req = req.WithContext(context.WithValue(req.Context(), &loggerContextKey, lgr))
		tStart := time.Now()
		lgr.Debug("request")
		h.ServeHTTP(w, req)
		respCode := w.wroteStatus
		if respCode == 0 {
			respCode = http.StatusOK
		}
		lgr.WithFields(logrus.Fields{
			"respStatusCode": respCode,
			"respStatus":     http.StatusText(respCode),
			"respBytes":      w.wroteBodyBytes,
			"timeTotal":      time.Since(tStart).Seconds(),
		}).Info("response")
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
