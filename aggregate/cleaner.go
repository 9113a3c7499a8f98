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
	"time"

	"go.gearno.de/kit/log"
	"go.gearno.de/kit/pg"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Cleanup deletes buckets whose minute is older than the specified
// duration. Retention is the only administrative mutation buckets
// ever see; it should be called periodically to bound table growth.
func (a *Aggregator) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	var (
		rootSpan = trace.SpanFromContext(ctx)
		span     trace.Span
	)

	if rootSpan.IsRecording() {
		ctx, span = a.tracer.Start(
			ctx,
			"aggregate.Cleanup",
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(
				attribute.Int64("aggregate.cleanup_older_than_ms", olderThan.Milliseconds()),
			),
		)
		defer span.End()
	}

	cutoff := time.Now().UTC().Add(-olderThan).Truncate(time.Minute)
	var rowsDeleted int64

	err := a.pg.WithConn(ctx, func(ctx context.Context, conn pg.Querier) error {
		q := `DELETE FROM requests_aggregates WHERE minute < $1`
		tag, err := conn.Exec(ctx, q, cutoff)
		if err != nil {
			return err
		}
		rowsDeleted = tag.RowsAffected()
		return nil
	})

	if err != nil {
		if rootSpan.IsRecording() {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return 0, fmt.Errorf("cannot cleanup aggregates: %w", err)
	}

	if rootSpan.IsRecording() {
		span.SetAttributes(
			attribute.Int64("aggregate.rows_deleted", rowsDeleted),
		)
	}

	a.logger.InfoCtx(ctx, "aggregate cleanup completed",
		log.Int64("rows_deleted", rowsDeleted),
		log.Duration("older_than", olderThan),
	)

	return rowsDeleted, nil
}

// StartCleanup starts a background goroutine that periodically
// deletes buckets older than the configured retention. The goroutine
// stops when the provided context is cancelled.
//
// This method is safe to call multiple times; only the first call
// will start the cleanup goroutine.
func (a *Aggregator) StartCleanup(ctx context.Context) {
	a.cleanupOnce.Do(func() {
		go a.runCleanupLoop(ctx)
	})
}

func (a *Aggregator) runCleanupLoop(ctx context.Context) {
	a.logger.InfoCtx(ctx, "starting aggregate cleanup loop",
		log.Duration("interval", a.cleanupInterval),
		log.Duration("retention", a.retention),
	)

	ticker := time.NewTicker(a.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.InfoCtx(ctx, "stopping aggregate cleanup loop")
			return
		case <-ticker.C:
			if _, err := a.Cleanup(ctx, a.retention); err != nil {
				a.logger.ErrorCtx(ctx, "aggregate cleanup failed",
					log.Error(err),
				)
			}
		}
	}
}
