package aggregate

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRecorderAccumulatesIntoOneBucket(t *testing.T) {
	m := NewMemoryRecorder()

	var (
		addr = netip.MustParseAddr("203.0.113.9")
		at   = time.Date(2024, 6, 1, 12, 34, 0, 0, time.UTC)
	)

	for i := 0; i < 5; i++ {
		err := m.RecordEvent(context.Background(), Event{
			KeyID:    7,
			Addr:     addr,
			Endpoint: "lookup",
			Time:     at.Add(time.Duration(i) * time.Second),
			Status:   200,
			Elapsed:  10 * time.Millisecond,
			Bytes:    100,
		})
		require.NoError(t, err)
	}

	assert.Equal(t, 1, m.Len())

	b, ok := m.Bucket(7, addr, "lookup", at)
	require.True(t, ok)
	assert.Equal(t, int64(5), b.RequestCount)
	assert.Equal(t, int64(50), b.SumElapsedTime)
	assert.Equal(t, int64(500), b.SumBytes)
	assert.Equal(t, int64(5), b.Sum2xx)
}

func TestMemoryRecorderConcurrentSameTuple(t *testing.T) {
	m := NewMemoryRecorder()

	var (
		addr    = netip.MustParseAddr("203.0.113.9")
		at      = time.Date(2024, 6, 1, 12, 34, 0, 0, time.UTC)
		workers = 16
		perW    = 250
		wg      sync.WaitGroup
	)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perW; i++ {
				err := m.RecordEvent(context.Background(), Event{
					KeyID:    7,
					Addr:     addr,
					Endpoint: "lookup",
					Time:     at,
					Status:   200,
					Elapsed:  time.Duration(i) * time.Millisecond,
					Bytes:    int64(w),
				})
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	// No event lost, none double counted, one bucket for the tuple.
	require.Equal(t, 1, m.Len())

	b, ok := m.Bucket(7, addr, "lookup", at)
	require.True(t, ok)

	var (
		n           = int64(workers * perW)
		wantElapsed = int64(workers) * int64(perW*(perW-1)/2)
		wantBytes   = int64(perW) * int64(workers*(workers-1)/2)
	)

	assert.Equal(t, n, b.RequestCount)
	assert.Equal(t, n, b.Sum2xx)
	assert.Equal(t, wantElapsed, b.SumElapsedTime)
	assert.Equal(t, wantBytes, b.SumBytes)
}

func TestMemoryRecorderAnonymousIsolation(t *testing.T) {
	m := NewMemoryRecorder()

	var (
		addr = netip.MustParseAddr("203.0.113.9")
		at   = time.Date(2024, 6, 1, 12, 34, 0, 0, time.UTC)
	)

	// Two anonymous events share one bucket; a keyed event with
	// otherwise identical dimensions lands in another.
	for i := 0; i < 2; i++ {
		err := m.RecordEvent(context.Background(), Event{
			Addr: addr, Endpoint: "lookup", Time: at, Status: 200,
		})
		require.NoError(t, err)
	}

	err := m.RecordEvent(context.Background(), Event{
		KeyID: 7, Addr: addr, Endpoint: "lookup", Time: at, Status: 200,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, m.Len())

	anon, ok := m.Bucket(0, addr, "lookup", at)
	require.True(t, ok)
	assert.Equal(t, int64(2), anon.RequestCount)
	assert.Equal(t, anonymousKeyID, anon.KeyID)

	keyed, ok := m.Bucket(7, addr, "lookup", at)
	require.True(t, ok)
	assert.Equal(t, int64(1), keyed.RequestCount)
}

func TestMemoryRecorderDistinctDimensionsDistinctBuckets(t *testing.T) {
	m := NewMemoryRecorder()

	at := time.Date(2024, 6, 1, 12, 34, 0, 0, time.UTC)

	events := []Event{
		{KeyID: 7, Addr: netip.MustParseAddr("203.0.113.9"), Endpoint: "lookup", Time: at},
		{KeyID: 7, Addr: netip.MustParseAddr("203.0.113.10"), Endpoint: "lookup", Time: at},
		{KeyID: 7, Addr: netip.MustParseAddr("203.0.113.9"), Endpoint: "search", Time: at},
		{KeyID: 7, Addr: netip.MustParseAddr("203.0.113.9"), Endpoint: "lookup", Time: at.Add(time.Minute)},
	}

	for _, ev := range events {
		ev.Status = 200
		require.NoError(t, m.RecordEvent(context.Background(), ev))
	}

	assert.Equal(t, 4, m.Len())
}

func TestMemoryRecorderSameMinuteDifferentSeconds(t *testing.T) {
	m := NewMemoryRecorder()

	var (
		addr = netip.MustParseAddr("203.0.113.9")
		base = time.Date(2024, 6, 1, 12, 34, 0, 0, time.UTC)
	)

	for _, offset := range []time.Duration{0, 15 * time.Second, 59 * time.Second} {
		err := m.RecordEvent(context.Background(), Event{
			Addr: addr, Time: base.Add(offset), Status: 503,
		})
		require.NoError(t, err)
	}

	assert.Equal(t, 1, m.Len())

	b, ok := m.Bucket(0, addr, "", base)
	require.True(t, ok)
	assert.Equal(t, int64(3), b.RequestCount)
	assert.Equal(t, int64(3), b.Sum5xx)
}

func TestMemoryRecorder429CarvedOutOf4xx(t *testing.T) {
	m := NewMemoryRecorder()

	var (
		addr = netip.MustParseAddr("203.0.113.9")
		at   = time.Date(2024, 6, 1, 12, 34, 0, 0, time.UTC)
	)

	for _, status := range []int{404, 429, 429, 403} {
		err := m.RecordEvent(context.Background(), Event{Addr: addr, Time: at, Status: status})
		require.NoError(t, err)
	}

	b, ok := m.Bucket(0, addr, "", at)
	require.True(t, ok)
	assert.Equal(t, int64(4), b.RequestCount)
	assert.Equal(t, int64(2), b.Sum4xx)
	assert.Equal(t, int64(2), b.Sum429)
}

func TestMemoryRecorderCleanup(t *testing.T) {
	m := NewMemoryRecorder()

	var (
		addr = netip.MustParseAddr("203.0.113.9")
		now  = time.Now().UTC()
	)

	require.NoError(t, m.RecordEvent(context.Background(), Event{Addr: addr, Time: now, Status: 200}))
	require.NoError(t, m.RecordEvent(context.Background(), Event{Addr: addr, Time: now.Add(-48 * time.Hour), Status: 200}))

	assert.Equal(t, 2, m.Len())
	assert.Equal(t, 1, m.Cleanup(24*time.Hour))
	assert.Equal(t, 1, m.Len())

	_, ok := m.Bucket(0, addr, "", now)
	assert.True(t, ok)
}
