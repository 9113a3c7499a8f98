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
	"net/netip"
	"sync"
	"time"
)

type (
	// MemoryRecorder is an in-process Recorder, used in tests and
	// single-process setups that do not carry a database. It gives
	// the same per-tuple guarantee as the PostgreSQL path: the
	// conditional create is a LoadOrStore and the increment runs
	// under the bucket's own mutex, so distinct tuples never
	// serialize against each other.
	MemoryRecorder struct {
		buckets sync.Map // bucketKey -> *memBucket
	}

	// Bucket is a snapshot of one aggregate bucket.
	Bucket struct {
		KeyID    int64
		IP       string
		Endpoint string
		Minute   time.Time

		RequestCount   int64
		SumElapsedTime int64
		SumBytes       int64
		Sum2xx         int64
		Sum3xx         int64
		Sum4xx         int64
		Sum429         int64
		Sum5xx         int64
	}

	bucketKey struct {
		keyID    int64
		ip       string
		endpoint string
		minute   int64
	}

	memBucket struct {
		mu sync.Mutex
		b  Bucket
	}
)

// NewMemoryRecorder creates an empty in-memory recorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

func (n normalized) key() bucketKey {
	return bucketKey{
		keyID:    n.keyID,
		ip:       n.ip,
		endpoint: n.endpoint,
		minute:   n.minute.Unix(),
	}
}

// RecordEvent folds one event into its bucket.
func (m *MemoryRecorder) RecordEvent(_ context.Context, ev Event) error {
	n := ev.normalize()

	v, _ := m.buckets.LoadOrStore(n.key(), &memBucket{
		b: Bucket{
			KeyID:    n.keyID,
			IP:       n.ip,
			Endpoint: n.endpoint,
			Minute:   n.minute,
		},
	})

	mb := v.(*memBucket)
	mb.mu.Lock()
	mb.b.RequestCount++
	mb.b.SumElapsedTime += n.elapsedMS
	mb.b.SumBytes += n.bytes
	mb.b.Sum2xx += n.c2xx
	mb.b.Sum3xx += n.c3xx
	mb.b.Sum4xx += n.c4xx
	mb.b.Sum429 += n.c429
	mb.b.Sum5xx += n.c5xx
	mb.mu.Unlock()

	return nil
}

// Bucket returns a snapshot of the bucket an event with the given
// dimensions falls into. KeyID <= 0 and an empty endpoint select the
// anonymous and unnamed buckets, and at is truncated to its minute,
// mirroring RecordEvent's normalization.
func (m *MemoryRecorder) Bucket(keyID int64, addr netip.Addr, endpoint string, at time.Time) (Bucket, bool) {
	n := Event{KeyID: keyID, Addr: addr, Endpoint: endpoint, Time: at}.normalize()

	v, ok := m.buckets.Load(n.key())
	if !ok {
		return Bucket{}, false
	}

	mb := v.(*memBucket)
	mb.mu.Lock()
	b := mb.b
	mb.mu.Unlock()

	return b, true
}

// Len returns the number of distinct buckets.
func (m *MemoryRecorder) Len() int {
	count := 0
	m.buckets.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

// Cleanup drops buckets whose minute is older than the specified
// duration and returns how many were dropped.
func (m *MemoryRecorder) Cleanup(olderThan time.Duration) int {
	cutoff := time.Now().UTC().Add(-olderThan).Truncate(time.Minute).Unix()

	dropped := 0
	m.buckets.Range(func(k, _ any) bool {
		if k.(bucketKey).minute < cutoff {
			m.buckets.Delete(k)
			dropped++
		}
		return true
	})

	return dropped
}
