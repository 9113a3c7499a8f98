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

// Package ban owns the lifecycle of source-address bans and answers
// containment queries over their network ranges. The durable store is
// the source of truth; the live containment index is a rebuildable
// projection of the active, unexpired bans, republished atomically on
// every mutation so a query never observes a partially retired ban.
package ban

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/gateway/internal/version"
	"go.gearno.de/kit/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Option is a function that configures the Registry during
	// initialization.
	Option func(r *Registry)

	// Ban is a ban record owning a collection of network ranges. A
	// zero ExpiresAt means the ban never expires. A ban with zero
	// ranges matches nothing.
	Ban struct {
		ID          int64
		Active      bool
		Title       string
		Description string
		ExpiresAt   time.Time
		CreatedAt   time.Time
		UpdatedAt   time.Time
		Ranges      []Range
	}

	// Range is a network prefix owned by a ban. Ranges exist only
	// as children of a ban.
	Range struct {
		ID     int64
		BanID  int64
		Prefix netip.Prefix
	}

	// BanParams holds the caller-supplied fields of a new ban.
	// Every value in Ranges must parse as a network prefix or the
	// whole create fails.
	BanParams struct {
		Title       string
		Description string
		ExpiresAt   time.Time
		Ranges      []string
	}

	// Registry combines the ban record store with the live
	// containment index.
	Registry struct {
		store  Store
		logger *log.Logger
		tracer trace.Tracer

		sweepInterval time.Duration
		sweepOnce     sync.Once

		mu   sync.Mutex
		bans map[int64]*Ban
		idx  atomic.Pointer[index]

		lookupsTotal *prometheus.CounterVec
	}
)

var (
	// ErrInvalidRange is returned when a supplied network value
	// does not parse as an address/prefix pair. Nothing is written
	// or indexed in that case.
	ErrInvalidRange = errors.New("invalid network range")

	// ErrNotFound is returned when a ban identity does not exist.
	ErrNotFound = errors.New("ban not found")
)

const tracerName = "go.gearno.de/gateway/ban"

// WithLogger sets a custom logger for the registry.
func WithLogger(l *log.Logger) Option {
	return func(r *Registry) {
		r.logger = l.Named("ban")
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

// WithSweepInterval sets the interval of the expired-ban sweeper
// started by StartSweeper. Default is 1 minute.
func WithSweepInterval(d time.Duration) Option {
	return func(r *Registry) {
		r.sweepInterval = d
	}
}

// NewRegistry creates a ban registry over the given store and builds
// the containment index from it.
func NewRegistry(ctx context.Context, store Store, options ...Option) (*Registry, error) {
	r := &Registry{
		store:         store,
		logger:        log.NewLogger(log.WithOutput(io.Discard)),
		tracer:        otel.GetTracerProvider().Tracer(tracerName),
		sweepInterval: time.Minute,
		bans:          make(map[int64]*Ban),
	}

	r.registerMetrics(prometheus.DefaultRegisterer)

	for _, o := range options {
		o(r)
	}

	r.idx.Store(newIndex())

	if err := r.Load(ctx); err != nil {
		return nil, fmt.Errorf("cannot load bans: %w", err)
	}

	return r, nil
}

func (r *Registry) registerMetrics(reg prometheus.Registerer) {
	r.lookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "ban",
			Name:      "lookups_total",
			Help:      "Total number of ban containment lookups.",
		},
		[]string{"banned"},
	)
	if err := reg.Register(r.lookupsTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			r.lookupsTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}
}

// ParseRange parses a network value into a masked prefix. A bare
// address is accepted as a full-length prefix. 4-in-6 mapped
// addresses are unmapped so they land in the IPv4 partition.
func ParseRange(value string) (netip.Prefix, error) {
	v := strings.TrimSpace(value)

	p, err := netip.ParsePrefix(v)
	if err != nil {
		addr, err2 := netip.ParseAddr(v)
		if err2 != nil {
			return netip.Prefix{}, fmt.Errorf("%w: %q", ErrInvalidRange, value)
		}

		addr = addr.Unmap()
		p = netip.PrefixFrom(addr, addr.BitLen())
	}

	return p.Masked(), nil
}

// Load rebuilds the in-memory ban set and the containment index from
// the store.
func (r *Registry) Load(ctx context.Context) error {
	bans, err := r.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("cannot list bans: %w", err)
	}

	set := make(map[int64]*Ban, len(bans))
	for _, b := range bans {
		set[b.ID] = b
	}

	r.mu.Lock()
	r.bans = set
	r.rebuildLocked()
	r.mu.Unlock()

	r.logger.InfoCtx(ctx, "ban index loaded", log.Int("bans", len(bans)))

	return nil
}

// Create validates and persists a ban with its ranges, then publishes
// them to the index in a single snapshot swap.
func (r *Registry) Create(ctx context.Context, params BanParams) (*Ban, error) {
	var (
		rootSpan = trace.SpanFromContext(ctx)
		span     trace.Span
	)

	if rootSpan.IsRecording() {
		ctx, span = r.tracer.Start(
			ctx,
			"ban.Create",
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()
	}

	b := &Ban{
		Active:      true,
		Title:       params.Title,
		Description: params.Description,
		ExpiresAt:   params.ExpiresAt,
	}

	for _, v := range params.Ranges {
		p, err := ParseRange(v)
		if err != nil {
			return nil, err
		}

		b.Ranges = append(b.Ranges, Range{Prefix: p})
	}

	if err := r.store.CreateBan(ctx, b); err != nil {
		if rootSpan.IsRecording() {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return nil, fmt.Errorf("cannot create ban: %w", err)
	}

	r.mu.Lock()
	r.bans[b.ID] = cloneBan(b)
	r.rebuildLocked()
	r.mu.Unlock()

	r.logger.InfoCtx(ctx, "ban created",
		log.Int64("ban_id", b.ID),
		log.String("title", b.Title),
		log.Int("ranges", len(b.Ranges)),
	)

	return b, nil
}

// AddRange validates and persists one more range under an existing
// ban and publishes it to the index.
func (r *Registry) AddRange(ctx context.Context, banID int64, value string) (*Range, error) {
	p, err := ParseRange(value)
	if err != nil {
		return nil, err
	}

	rng := &Range{BanID: banID, Prefix: p}
	if err := r.store.InsertRange(ctx, rng); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("cannot insert range: %w", err)
	}

	r.mu.Lock()
	if b, ok := r.bans[banID]; ok {
		b.Ranges = append(b.Ranges, *rng)
		r.rebuildLocked()
	}
	r.mu.Unlock()

	r.logger.InfoCtx(ctx, "range added",
		log.Int64("ban_id", banID),
		log.String("cidr", p.String()),
	)

	return rng, nil
}

// Retire deactivates a ban. All of its ranges leave the index in one
// snapshot swap; the durable record is kept.
func (r *Registry) Retire(ctx context.Context, banID int64) error {
	if err := r.store.SetActive(ctx, banID, false); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.bans, banID)
	r.rebuildLocked()
	r.mu.Unlock()

	r.logger.InfoCtx(ctx, "ban retired", log.Int64("ban_id", banID))

	return nil
}

// Delete removes a ban and its ranges from the store in one explicit
// transaction (children first, then the parent), then drops them from
// the index in one snapshot swap.
func (r *Registry) Delete(ctx context.Context, banID int64) error {
	if err := r.store.DeleteBan(ctx, banID); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.bans, banID)
	r.rebuildLocked()
	r.mu.Unlock()

	r.logger.InfoCtx(ctx, "ban deleted", log.Int64("ban_id", banID))

	return nil
}

// IsBanned reports whether addr falls inside any range of an active,
// unexpired ban. It reads an immutable snapshot and never blocks
// behind a concurrent administrative write.
func (r *Registry) IsBanned(addr netip.Addr) bool {
	banned := r.idx.Load().contains(addr.Unmap(), time.Now())
	r.lookupsTotal.WithLabelValues(boolLabel(banned)).Inc()
	return banned
}

// rebuildLocked republishes the containment index from the current
// ban set. Callers must hold r.mu. Rebuilding instead of patching in
// place is what makes retirement atomic with respect to readers.
func (r *Registry) rebuildLocked() {
	ix := newIndex()
	for _, b := range r.bans {
		for _, rng := range b.Ranges {
			ix.insert(rng.Prefix, entry{banID: b.ID, expiresAt: b.ExpiresAt})
		}
	}

	r.idx.Store(ix)
}

func cloneBan(b *Ban) *Ban {
	b2 := *b
	b2.Ranges = make([]Range, len(b.Ranges))
	copy(b2.Ranges, b.Ranges)
	return &b2
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
