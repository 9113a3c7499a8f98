// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

// Package gateway is the surface the request-handling layer talks to:
// it authorizes inbound requests against the key and ban engines and
// folds every request's outcome into the usage aggregator.
package gateway

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/gateway/aggregate"
	"go.gearno.de/gateway/apikey"
	"go.gearno.de/gateway/ban"
	"go.gearno.de/gateway/internal/version"
	"go.gearno.de/kit/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Option is a function that configures the Gateway during
	// initialization.
	Option func(g *Gateway)

	// Authorization is the outcome of an authorization check. Both
	// halves are reported: a banned request may still carry a valid
	// key, and the caller decides what wins.
	Authorization struct {
		Authenticated bool
		KeyID         int64
		Banned        bool
	}

	// Gateway composes the key validator, the ban index, and the
	// usage recorder.
	Gateway struct {
		keys     *apikey.Registry
		bans     *ban.Registry
		recorder aggregate.Recorder

		logger      *log.Logger
		tracer      trace.Tracer
		requireAuth bool

		decisionsTotal *prometheus.CounterVec
	}
)

const tracerName = "go.gearno.de/gateway/gateway"

// WithLogger sets a custom logger for the gateway.
func WithLogger(l *log.Logger) Option {
	return func(g *Gateway) {
		g.logger = l.Named("gateway")
	}
}

// WithTracerProvider configures OpenTelemetry tracing with the
// provided tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(g *Gateway) {
		g.tracer = tp.Tracer(
			tracerName,
			trace.WithInstrumentationVersion(version.Instrumentation),
		)
	}
}

// WithRegisterer sets a custom Prometheus registerer for metrics.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(g *Gateway) {
		g.registerMetrics(r)
	}
}

// RequireAuth makes the middleware reject requests that do not carry
// a valid key with 401 instead of passing them through as anonymous.
func RequireAuth() Option {
	return func(g *Gateway) {
		g.requireAuth = true
	}
}

// New creates a gateway over the given engines.
func New(keys *apikey.Registry, bans *ban.Registry, recorder aggregate.Recorder, options ...Option) *Gateway {
	g := &Gateway{
		keys:     keys,
		bans:     bans,
		recorder: recorder,
		logger:   log.NewLogger(log.WithOutput(io.Discard)),
		tracer:   otel.GetTracerProvider().Tracer(tracerName),
	}

	g.registerMetrics(prometheus.DefaultRegisterer)

	for _, o := range options {
		o(g)
	}

	return g
}

func (g *Gateway) registerMetrics(r prometheus.Registerer) {
	g.decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "gateway",
			Name:      "decisions_total",
			Help:      "Total number of authorization decisions.",
		},
		[]string{"authenticated", "banned"},
	)
	if err := r.Register(g.decisionsTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			g.decisionsTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}
}

// AuthorizeRequest decides whether a request is authenticated and
// whether its source address is banned. The two checks are
// independent reads. An empty token is ordinary anonymous traffic; an
// unparseable source address is an error, and the caller decides
// between failing open and failing closed.
func (g *Gateway) AuthorizeRequest(ctx context.Context, token, sourceAddr string) (Authorization, error) {
	addr, err := netip.ParseAddr(sourceAddr)
	if err != nil {
		return Authorization{}, fmt.Errorf("cannot parse source address %q: %w", sourceAddr, err)
	}

	var auth Authorization

	if token != "" {
		if k, ok := g.keys.Validate(ctx, token); ok {
			auth.Authenticated = true
			auth.KeyID = k.ID
		}
	}

	auth.Banned = g.bans.IsBanned(addr)

	g.decisionsTotal.WithLabelValues(
		boolLabel(auth.Authenticated),
		boolLabel(auth.Banned),
	).Inc()

	if rootSpan := trace.SpanFromContext(ctx); rootSpan.IsRecording() {
		rootSpan.SetAttributes(
			attribute.Bool("gateway.authenticated", auth.Authenticated),
			attribute.Bool("gateway.banned", auth.Banned),
		)
	}

	return auth, nil
}

// RecordUsage folds one request outcome into the aggregator. KeyID <=
// 0 records anonymous traffic and an empty endpoint records an
// unnamed one. Contention never surfaces here; an error means the
// recorder's storage failed.
func (g *Gateway) RecordUsage(
	ctx context.Context,
	keyID int64,
	sourceAddr string,
	endpoint string,
	at time.Time,
	status int,
	elapsed time.Duration,
	responseBytes int64,
) error {
	addr, err := netip.ParseAddr(sourceAddr)
	if err != nil {
		return fmt.Errorf("cannot parse source address %q: %w", sourceAddr, err)
	}

	err = g.recorder.RecordEvent(ctx, aggregate.Event{
		KeyID:    keyID,
		Addr:     addr,
		Endpoint: endpoint,
		Time:     at,
		Status:   status,
		Elapsed:  elapsed,
		Bytes:    responseBytes,
	})
	if err != nil {
		return fmt.Errorf("cannot record usage: %w", err)
	}

	return nil
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
