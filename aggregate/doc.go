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

// Package aggregate accumulates per-minute request counters keyed by
// (key identity, source address, endpoint name, minute bucket).
//
// # Bucketing
//
// Every recorded event is folded into exactly one bucket: the event
// timestamp is truncated to the start of its UTC minute, and the two
// optional dimensions are normalized to canonical sentinel values
// before the bucket key is computed. Anonymous traffic maps to key id
// -1 and an unnamed endpoint maps to a fixed sentinel string, so
// "anonymous traffic to a given endpoint in a given minute" is one
// bucket, not one per event. The table carries a single composite
// primary key over the normalized columns; there is no nullable
// dimension left for a storage engine to treat as always-distinct.
//
// # Counters
//
// A bucket carries a request count, summed elapsed time, summed
// response bytes, and one counter per status class of {2xx, 3xx, 4xx,
// 429, 5xx}. Exactly one class counter is incremented per event. 429
// is carved out of the 4xx range because it signals client-observed
// throttling and is tracked separately for capacity planning.
//
// # Concurrency
//
// The PostgreSQL recorder performs the upsert as a single
// INSERT ... ON CONFLICT DO UPDATE round-trip; the row lock scopes
// contention to the bucket's own tuple, so distinct tuples never
// serialize against each other and no event is lost or double
// counted. The in-memory recorder gets the same guarantee from a
// conditional LoadOrStore followed by an increment under the bucket's
// own mutex. Either path is one linearizable read-modify-write from
// the caller's perspective; contention is resolved internally and
// never surfaces as an error.
//
// # Usage
//
//	agg, err := aggregate.NewAggregator(ctx, pgClient,
//	    aggregate.WithLogger(logger),
//	    aggregate.WithTracerProvider(tp),
//	    aggregate.WithRegisterer(registry),
//	)
//	if err != nil {
//	    return err
//	}
//
//	// Optional retention cleanup (stops when ctx is cancelled).
//	agg.StartCleanup(ctx)
//
//	err = agg.RecordEvent(ctx, aggregate.Event{
//	    KeyID:    key.ID, // or 0 for anonymous traffic
//	    Addr:     addr,
//	    Endpoint: "lookup",
//	    Time:     start,
//	    Status:   200,
//	    Elapsed:  time.Since(start),
//	    Bytes:    1024,
//	})
package aggregate
