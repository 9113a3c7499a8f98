package aggregate

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatusClass(t *testing.T) {
	cases := map[int]string{
		200: "2xx",
		201: "2xx",
		299: "2xx",
		301: "3xx",
		304: "3xx",
		400: "4xx",
		404: "4xx",
		428: "4xx",
		429: "429",
		430: "4xx",
		499: "4xx",
		500: "5xx",
		503: "5xx",
		599: "5xx",
		100: "other",
		0:   "other",
		600: "other",
	}

	for status, want := range cases {
		assert.Equal(t, want, StatusClass(status), "status %d", status)
	}
}

func TestNormalizeTruncatesToMinute(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	at := time.Date(2024, 6, 1, 12, 34, 56, 789000000, loc)

	n := Event{
		KeyID: 7,
		Addr:  netip.MustParseAddr("203.0.113.9"),
		Time:  at,
	}.normalize()

	assert.Equal(t, time.Date(2024, 6, 1, 10, 34, 0, 0, time.UTC), n.minute)
	assert.Equal(t, time.UTC, n.minute.Location())
}

func TestNormalizeSentinels(t *testing.T) {
	addr := netip.MustParseAddr("203.0.113.9")

	n := Event{KeyID: 0, Addr: addr, Endpoint: "", Time: time.Now()}.normalize()
	assert.Equal(t, anonymousKeyID, n.keyID)
	assert.Equal(t, noEndpoint, n.endpoint)

	n = Event{KeyID: -12, Addr: addr, Time: time.Now()}.normalize()
	assert.Equal(t, anonymousKeyID, n.keyID)

	n = Event{KeyID: 42, Addr: addr, Endpoint: "lookup", Time: time.Now()}.normalize()
	assert.Equal(t, int64(42), n.keyID)
	assert.Equal(t, "lookup", n.endpoint)
}

func TestNormalizeUnmapsAddress(t *testing.T) {
	n := Event{
		Addr: netip.MustParseAddr("::ffff:203.0.113.9"),
		Time: time.Now(),
	}.normalize()

	assert.Equal(t, "203.0.113.9", n.ip)
}

func TestNormalizeStatusCounters(t *testing.T) {
	addr := netip.MustParseAddr("203.0.113.9")

	n := Event{Addr: addr, Time: time.Now(), Status: 429}.normalize()
	assert.Equal(t, [5]int64{0, 0, 0, 1, 0}, [5]int64{n.c2xx, n.c3xx, n.c4xx, n.c429, n.c5xx})

	n = Event{Addr: addr, Time: time.Now(), Status: 404}.normalize()
	assert.Equal(t, [5]int64{0, 0, 1, 0, 0}, [5]int64{n.c2xx, n.c3xx, n.c4xx, n.c429, n.c5xx})

	n = Event{Addr: addr, Time: time.Now(), Status: 200}.normalize()
	assert.Equal(t, [5]int64{1, 0, 0, 0, 0}, [5]int64{n.c2xx, n.c3xx, n.c4xx, n.c429, n.c5xx})

	// Out-of-range statuses count in request_count and the sums
	// only.
	n = Event{Addr: addr, Time: time.Now(), Status: 100}.normalize()
	assert.Equal(t, [5]int64{0, 0, 0, 0, 0}, [5]int64{n.c2xx, n.c3xx, n.c4xx, n.c429, n.c5xx})
}

func TestNormalizeMetrics(t *testing.T) {
	n := Event{
		Addr:    netip.MustParseAddr("203.0.113.9"),
		Time:    time.Now(),
		Elapsed: 1500 * time.Millisecond,
		Bytes:   2048,
	}.normalize()

	assert.Equal(t, int64(1500), n.elapsedMS)
	assert.Equal(t, int64(2048), n.bytes)
}
