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

package aggregate

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/gateway/internal/version"
	"go.gearno.de/kit/log"
	"go.gearno.de/kit/pg"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Option is a function that configures the Aggregator during
	// initialization.
	Option func(a *Aggregator)

	// Recorder folds request events into per-minute buckets.
	Recorder interface {
		RecordEvent(ctx context.Context, ev Event) error
	}

	// Event is one observed request. KeyID <= 0 means anonymous
	// traffic; an empty Endpoint means the request matched no named
	// endpoint. Both are normalized to sentinels before bucketing.
	Event struct {
		KeyID    int64
		Addr     netip.Addr
		Endpoint string
		Time     time.Time
		Status   int
		Elapsed  time.Duration
		Bytes    int64
	}

	// Aggregator is the PostgreSQL-backed Recorder.
	Aggregator struct {
		pg     *pg.Client
		logger *log.Logger
		tracer trace.Tracer

		cleanupInterval time.Duration
		retention       time.Duration
		cleanupOnce     sync.Once

		eventsTotal    *prometheus.CounterVec
		recordDuration prometheus.Histogram
	}

	// normalized is an Event after sentinel substitution and minute
	// truncation, with its status class spread over the five class
	// counters (exactly one is 1).
	normalized struct {
		keyID    int64
		ip       string
		endpoint string
		minute   time.Time

		elapsedMS int64
		bytes     int64

		c2xx, c3xx, c4xx, c429, c5xx int64
	}
)

const (
	tracerName = "go.gearno.de/gateway/aggregate"

	// anonymousKeyID stands in for "no key" in the bucket tuple so
	// the uniqueness key never contains an absent value.
	anonymousKeyID int64 = -1

	// noEndpoint stands in for "no endpoint"; chosen so it cannot
	// collide with a real endpoint name.
	noEndpoint = "&&--"
)

// WithLogger sets a custom logger for the aggregator.
func WithLogger(l *log.Logger) Option {
	return func(a *Aggregator) {
		a.logger = l.Named("aggregate")
	}
}

// WithTracerProvider configures OpenTelemetry tracing with the
// provided tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(a *Aggregator) {
		a.tracer = tp.Tracer(
			tracerName,
			trace.WithInstrumentationVersion(version.Instrumentation),
		)
	}
}

// WithRegisterer sets a custom Prometheus registerer for metrics.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(a *Aggregator) {
		a.registerMetrics(r)
	}
}

// WithCleanupInterval sets the interval of the retention loop started
// by StartCleanup. Default is 1 hour.
func WithCleanupInterval(d time.Duration) Option {
	return func(a *Aggregator) {
		a.cleanupInterval = d
	}
}

// WithRetention sets how long buckets are kept by the retention loop.
// Default is 30 days.
func WithRetention(d time.Duration) Option {
	return func(a *Aggregator) {
		a.retention = d
	}
}

// NewAggregator creates a PostgreSQL-backed aggregator, creating the
// requests_aggregates table if it does not exist.
func NewAggregator(ctx context.Context, pgClient *pg.Client, options ...Option) (*Aggregator, error) {
	a := &Aggregator{
		pg:              pgClient,
		logger:          log.NewLogger(log.WithOutput(io.Discard)),
		tracer:          otel.GetTracerProvider().Tracer(tracerName),
		cleanupInterval: time.Hour,
		retention:       30 * 24 * time.Hour,
	}

	a.registerMetrics(prometheus.DefaultRegisterer)

	for _, o := range options {
		o(a)
	}

	if err := a.pg.WithConn(ctx, func(ctx context.Context, conn pg.Querier) error {
		return ensureTable(ctx, conn)
	}); err != nil {
		return nil, fmt.Errorf("cannot ensure requests_aggregates table: %w", err)
	}

	return a, nil
}

func (a *Aggregator) registerMetrics(r prometheus.Registerer) {
	a.eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "aggregate",
			Name:      "events_total",
			Help:      "Total number of recorded request events.",
		},
		[]string{"status_class"},
	)
	if err := r.Register(a.eventsTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			a.eventsTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}

	a.recordDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Subsystem: "aggregate",
			Name:      "record_duration_seconds",
			Help:      "Duration of event upserts in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	if err := r.Register(a.recordDuration); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			a.recordDuration = are.ExistingCollector.(prometheus.Histogram)
		}
	}
}

// RecordEvent folds one event into its bucket as a single atomic
// upsert: a conditional insert that, on conflict with an existing
// bucket, adds the event's metrics in place. Concurrent calls for the
// same tuple contend only on that tuple's row.
func (a *Aggregator) RecordEvent(ctx context.Context, ev Event) error {
	start := time.Now()

	var (
		rootSpan = trace.SpanFromContext(ctx)
		span     trace.Span
	)

	n := ev.normalize()

	if rootSpan.IsRecording() {
		ctx, span = a.tracer.Start(
			ctx,
			"aggregate.RecordEvent",
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(
				attribute.Int64("aggregate.key_id", n.keyID),
				attribute.String("aggregate.endpoint", n.endpoint),
				attribute.Int("aggregate.status", ev.Status),
			),
		)
		defer span.End()
	}

	err := a.pg.WithConn(ctx, func(ctx context.Context, conn pg.Querier) error {
		q := `
INSERT INTO requests_aggregates (key_id,
                                 ip,
                                 endpoint_name,
                                 minute,
                                 request_count,
                                 sum_elapsed_time,
                                 sum_bytes,
                                 sum_2xx,
                                 sum_3xx,
                                 sum_4xx,
                                 sum_429,
                                 sum_5xx)
VALUES ($1, $2, $3, $4, 1, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (key_id, ip, endpoint_name, minute)
DO UPDATE
SET request_count    = requests_aggregates.request_count + 1,
    sum_elapsed_time = requests_aggregates.sum_elapsed_time + EXCLUDED.sum_elapsed_time,
    sum_bytes        = requests_aggregates.sum_bytes + EXCLUDED.sum_bytes,
    sum_2xx          = requests_aggregates.sum_2xx + EXCLUDED.sum_2xx,
    sum_3xx          = requests_aggregates.sum_3xx + EXCLUDED.sum_3xx,
    sum_4xx          = requests_aggregates.sum_4xx + EXCLUDED.sum_4xx,
    sum_429          = requests_aggregates.sum_429 + EXCLUDED.sum_429,
    sum_5xx          = requests_aggregates.sum_5xx + EXCLUDED.sum_5xx
`
		_, err := conn.Exec(ctx, q,
			n.keyID,
			n.ip,
			n.endpoint,
			n.minute,
			n.elapsedMS,
			n.bytes,
			n.c2xx,
			n.c3xx,
			n.c4xx,
			n.c429,
			n.c5xx,
		)
		return err
	})

	if err != nil {
		if rootSpan.IsRecording() {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return fmt.Errorf("cannot record event: %w", err)
	}

	a.eventsTotal.WithLabelValues(StatusClass(ev.Status)).Inc()
	a.recordDuration.Observe(time.Since(start).Seconds())

	return nil
}

// StatusClass partitions a numeric response status into one of "2xx",
// "3xx", "4xx", "429", "5xx", or "other". 429 wins over the 4xx
// range.
func StatusClass(status int) string {
	switch {
	case status == 429:
		return "429"
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500 && status < 600:
		return "5xx"
	default:
		return "other"
	}
}

func (ev Event) normalize() normalized {
	n := normalized{
		keyID:     ev.KeyID,
		ip:        ev.Addr.Unmap().String(),
		endpoint:  ev.Endpoint,
		minute:    ev.Time.UTC().Truncate(time.Minute),
		elapsedMS: ev.Elapsed.Milliseconds(),
		bytes:     ev.Bytes,
	}

	if n.keyID <= 0 {
		n.keyID = anonymousKeyID
	}
	if n.endpoint == "" {
		n.endpoint = noEndpoint
	}

	switch StatusClass(ev.Status) {
	case "2xx":
		n.c2xx = 1
	case "3xx":
		n.c3xx = 1
	case "4xx":
		n.c4xx = 1
	case "429":
		n.c429 = 1
	case "5xx":
		n.c5xx = 1
	}

	return n
}
