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

// Package apikey maintains API key records and answers whether a
// presented token belongs to an active, unexpired key. Tokens are 32
// bytes of cryptographically secure randomness, hex encoded; they are
// generated by this package only and never accepted from a caller.
package apikey

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/gateway/internal/version"
	"go.gearno.de/kit/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Option is a function that configures the Registry during
	// initialization.
	Option func(r *Registry)

	// Key is an API key record. A zero ExpiresAt means the key
	// never expires.
	Key struct {
		ID           int64
		Token        string
		Active       bool
		OwnerName    string
		ContactName  string
		ContactEmail string
		ExpiresAt    time.Time
		CreatedAt    time.Time
		UpdatedAt    time.Time
	}

	// KeyParams holds the caller-supplied fields of a new key. The
	// token is generated, never supplied.
	KeyParams struct {
		Active       bool
		OwnerName    string
		ContactName  string
		ContactEmail string
		ExpiresAt    time.Time
	}

	// Registry is the key validation engine. The store is the
	// source of truth; an in-memory token index is kept in lockstep
	// with the registry's own writes so a deactivation is observed
	// by the very next Validate call.
	Registry struct {
		store  Store
		logger *log.Logger
		tracer trace.Tracer
		rand   io.Reader

		mu      sync.RWMutex
		byToken map[string]*Key
		byID    map[int64]*Key

		validationsTotal *prometheus.CounterVec
	}
)

var (
	// ErrNotFound is returned when a key identity does not exist.
	ErrNotFound = errors.New("key not found")

	// ErrDuplicateToken is returned by a Store when an insert
	// collides with an existing token.
	ErrDuplicateToken = errors.New("duplicate token")
)

const (
	tracerName = "go.gearno.de/gateway/apikey"

	// tokenBytes is the entropy budget of a token; 256 bits makes
	// generation collisions negligible, but a colliding insert is
	// still rejected by the store, never overwritten.
	tokenBytes = 32

	maxCreateAttempts = 3
)

// WithLogger sets a custom logger for the registry.
func WithLogger(l *log.Logger) Option {
	return func(r *Registry) {
		r.logger = l.Named("apikey")
	}
}

// WithTracerProvider configures OpenTelemetry tracing with the
// provided tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(r *Registry) {
		r.tracer = tp.Tracer(
			tracerName,
			trace.WithInstrumentationVersion(version.Instrumentation),
		)
	}
}

// WithRegisterer sets a custom Prometheus registerer for metrics.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(r *Registry) {
		r.registerMetrics(reg)
	}
}

// WithRand sets the randomness source used for token generation.
// Default is crypto/rand. Injecting a deterministic reader is meant
// for tests only.
func WithRand(src io.Reader) Option {
	return func(r *Registry) {
		r.rand = src
	}
}

// NewRegistry creates a key registry over the given store and loads
// the token index from it.
func NewRegistry(ctx context.Context, store Store, options ...Option) (*Registry, error) {
	r := &Registry{
		store:   store,
		logger:  log.NewLogger(log.WithOutput(io.Discard)),
		tracer:  otel.GetTracerProvider().Tracer(tracerName),
		rand:    rand.Reader,
		byToken: make(map[string]*Key),
		byID:    make(map[int64]*Key),
	}

	r.registerMetrics(prometheus.DefaultRegisterer)

	for _, o := range options {
		o(r)
	}

	if err := r.Load(ctx); err != nil {
		return nil, fmt.Errorf("cannot load keys: %w", err)
	}

	return r, nil
}

func (r *Registry) registerMetrics(reg prometheus.Registerer) {
	r.validationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "apikey",
			Name:      "validations_total",
			Help:      "Total number of token validations.",
		},
		[]string{"valid"},
	)
	if err := reg.Register(r.validationsTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			r.validationsTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}
}

// Load rebuilds the in-memory token index from the store. The index
// is a cache; the store remains the source of truth.
func (r *Registry) Load(ctx context.Context) error {
	keys, err := r.store.List(ctx)
	if err != nil {
		return fmt.Errorf("cannot list keys: %w", err)
	}

	byToken := make(map[string]*Key, len(keys))
	byID := make(map[int64]*Key, len(keys))
	for _, k := range keys {
		byToken[k.Token] = k
		byID[k.ID] = k
	}

	r.mu.Lock()
	r.byToken = byToken
	r.byID = byID
	r.mu.Unlock()

	r.logger.InfoCtx(ctx, "key index loaded", log.Int("keys", len(keys)))

	return nil
}

// Create generates a token, persists the key, and publishes it to the
// token index. A duplicate-token insert is retried with a freshly
// generated token a bounded number of times; the existing row is never
// overwritten.
func (r *Registry) Create(ctx context.Context, params KeyParams) (*Key, error) {
	var (
		rootSpan = trace.SpanFromContext(ctx)
		span     trace.Span
	)

	if rootSpan.IsRecording() {
		ctx, span = r.tracer.Start(
			ctx,
			"apikey.Create",
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()
	}

	var lastErr error
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		token, err := generateToken(r.rand)
		if err != nil {
			return nil, fmt.Errorf("cannot generate token: %w", err)
		}

		k := &Key{
			Token:        token,
			Active:       params.Active,
			OwnerName:    params.OwnerName,
			ContactName:  params.ContactName,
			ContactEmail: params.ContactEmail,
			ExpiresAt:    params.ExpiresAt,
		}

		if err := r.store.Insert(ctx, k); err != nil {
			if errors.Is(err, ErrDuplicateToken) {
				lastErr = err
				continue
			}

			if rootSpan.IsRecording() {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return nil, fmt.Errorf("cannot insert key: %w", err)
		}

		r.mu.Lock()
		r.byToken[k.Token] = k
		r.byID[k.ID] = k
		r.mu.Unlock()

		r.logger.InfoCtx(ctx, "key created",
			log.Int64("key_id", k.ID),
			log.String("owner_name", k.OwnerName),
		)

		return k, nil
	}

	return nil, fmt.Errorf("cannot create key after %d attempts: %w", maxCreateAttempts, lastErr)
}

// Deactivate marks a key inactive. The change is visible to the next
// Validate call; there is no staleness window beyond this write.
func (r *Registry) Deactivate(ctx context.Context, id int64) error {
	return r.setActive(ctx, id, false)
}

// Activate marks a key active again.
func (r *Registry) Activate(ctx context.Context, id int64) error {
	return r.setActive(ctx, id, true)
}

func (r *Registry) setActive(ctx context.Context, id int64, active bool) error {
	if err := r.store.SetActive(ctx, id, active); err != nil {
		return err
	}

	r.mu.Lock()
	if k, ok := r.byID[id]; ok {
		k2 := *k
		k2.Active = active
		k2.UpdatedAt = time.Now().UTC()
		r.byToken[k2.Token] = &k2
		r.byID[id] = &k2
	}
	r.mu.Unlock()

	r.logger.InfoCtx(ctx, "key active flag updated",
		log.Int64("key_id", id),
		log.Bool("active", active),
	)

	return nil
}

// Get returns a key by identity.
func (r *Registry) Get(ctx context.Context, id int64) (*Key, error) {
	r.mu.RLock()
	k, ok := r.byID[id]
	r.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}

	k2 := *k
	return &k2, nil
}

// Validate resolves a token to its key. It returns true only for an
// existing, active key whose expiry has not passed; an inactive or
// expired key fails even when the token string matches. Absence is an
// expected outcome and not an error.
func (r *Registry) Validate(ctx context.Context, token string) (*Key, bool) {
	r.mu.RLock()
	k, ok := r.byToken[token]
	r.mu.RUnlock()

	valid := ok && k.ValidAt(time.Now())

	r.validationsTotal.WithLabelValues(boolLabel(valid)).Inc()

	if rootSpan := trace.SpanFromContext(ctx); rootSpan.IsRecording() {
		rootSpan.SetAttributes(attribute.Bool("apikey.valid", valid))
	}

	if !valid {
		return nil, false
	}

	k2 := *k
	return &k2, true
}

// ValidAt reports whether the key is active and unexpired at t.
func (k *Key) ValidAt(t time.Time) bool {
	return k.Active && (k.ExpiresAt.IsZero() || t.Before(k.ExpiresAt))
}

func generateToken(src io.Reader) (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(src, buf); err != nil {
		return "", err
	}

	return hex.EncodeToString(buf), nil
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
