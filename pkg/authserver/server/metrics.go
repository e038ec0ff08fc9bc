// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "authbridge",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total HTTP requests by route, method, and status code.",
	}, []string{"route", "method", "code"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "authbridge",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by route and method.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method"})

	tokensIssuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "authbridge",
		Subsystem: "tokens",
		Name:      "issued_total",
		Help:      "Access tokens issued by grant type.",
	}, []string{"grant_type"})

	verifyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "authbridge",
		Subsystem: "verify",
		Name:      "requests_total",
		Help:      "Forward-auth verification outcomes.",
	}, []string{"outcome"})
)

// MetricsMiddleware records request counts and latency per chi route
// pattern. The pattern is resolved after the handler runs so parameterized
// paths share a label instead of exploding cardinality.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}

		requestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		requestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
