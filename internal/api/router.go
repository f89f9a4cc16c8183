// EventGate - Distributed Event Ingestion and Deduplication Gateway
// Copyright 2026 M. Tarnawa (mtarnawa)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mtarnawa/eventgate

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mtarnawa/eventgate/internal/config"
	"github.com/mtarnawa/eventgate/internal/middleware"
)

// Router sets up the HTTP routes using the chi router.
type Router struct {
	handler *Handler
	config  *config.Config
}

// NewRouter creates a router around the given handler.
func NewRouter(handler *Handler, cfg *config.Config) *Router {
	return &Router{
		handler: handler,
		config:  cfg,
	}
}

// chiMiddleware adapts http.HandlerFunc middleware to chi's
// func(http.Handler) http.Handler so it can be used with r.Use().
func chiMiddleware(mw func(http.HandlerFunc) http.HandlerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return mw(next.ServeHTTP)
	}
}

// Setup configures all HTTP routes.
//
// The metrics wrapper is applied per diagnostic route, never globally: it
// must not sit on /events, whose upgrade needs the raw ResponseWriter's
// http.Hijacker, and a session's lifetime is not a request duration.
func (router *Router) Setup() http.Handler {
	r := chi.NewRouter()

	// Global middleware, applied to all routes in order.
	r.Use(chiMiddleware(middleware.RequestID))
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: router.config.Server.CORSOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "X-Request-ID"},
		MaxAge:         86400,
	}))

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		NewResponseWriter(w, req).Error(http.StatusNotFound, ErrCodeNotFound, "Endpoint not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		NewResponseWriter(w, req).Error(http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "Method not allowed")
	})

	// Diagnostics.
	r.Get("/", middleware.PrometheusMetrics(router.handler.Info))
	r.Route("/healthz", func(r chi.Router) {
		r.Get("/", middleware.PrometheusMetrics(router.handler.Health))
		r.Get("/live", middleware.PrometheusMetrics(router.handler.HealthLive))
		r.Get("/ready", middleware.PrometheusMetrics(router.handler.HealthReady))
	})

	// Observability.
	r.Handle("/metrics", promhttp.Handler())

	// Event ingress. Rate limiting here bounds the upgrade rate per IP;
	// per-frame limits live inside the session.
	r.Group(func(r chi.Router) {
		if router.config.Server.RateLimitEnabled {
			r.Use(httprate.Limit(
				router.config.Server.RateLimitRPS,
				time.Second,
				httprate.WithKeyFuncs(httprate.KeyByIP),
				httprate.WithLimitHandler(func(w http.ResponseWriter, req *http.Request) {
					NewResponseWriter(w, req).Error(http.StatusTooManyRequests, ErrCodeTooManyRequests, "Connection rate limit exceeded")
				}),
			))
		}
		r.Get("/events", router.handler.Events)
	})

	return r
}
