package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.gearno.de/gateway/aggregate"
	"go.gearno.de/gateway/apikey"
	"go.gearno.de/gateway/ban"
)

// findBucket looks the bucket up around the current minute so a test
// that straddles a minute boundary does not flake.
func findBucket(t *testing.T, rec *aggregate.MemoryRecorder, keyID int64, addr, endpoint string) aggregate.Bucket {
	t.Helper()

	now := time.Now()
	ip := netip.MustParseAddr(addr)

	if b, ok := rec.Bucket(keyID, ip, endpoint, now); ok {
		return b
	}

	b, ok := rec.Bucket(keyID, ip, endpoint, now.Add(-time.Minute))
	require.True(t, ok, "no bucket for key=%d addr=%s endpoint=%q", keyID, addr, endpoint)

	return b
}

func TestMiddlewareRecordsRoutedRequest(t *testing.T) {
	tg := newTestGateway(t)

	k, err := tg.keys.Create(context.Background(), apikey.KeyParams{Active: true})
	require.NoError(t, err)

	router := chi.NewRouter()
	router.Use(tg.gw.Middleware)
	router.Get("/things/{id}", func(w http.ResponseWriter, r *http.Request) {
		auth, ok := AuthorizationFromContext(r.Context())
		require.True(t, ok)
		assert.True(t, auth.Authenticated)
		assert.Equal(t, k.ID, auth.KeyID)

		w.Write([]byte("hello"))
	})

	req := httptest.NewRequest("GET", "/things/42", nil)
	req.RemoteAddr = "192.0.2.1:4242"
	req.Header.Set("Authorization", "Bearer "+k.Token)

	rw := httptest.NewRecorder()
	router.ServeHTTP(rw, req)

	require.Equal(t, http.StatusOK, rw.Code)
	assert.Equal(t, "hello", rw.Body.String())

	b := findBucket(t, tg.recorder, k.ID, "192.0.2.1", "/things/{id}")
	assert.Equal(t, int64(1), b.RequestCount)
	assert.Equal(t, int64(5), b.SumBytes)
	assert.Equal(t, int64(1), b.Sum2xx)
}

func TestMiddlewareBannedSource(t *testing.T) {
	tg := newTestGateway(t)

	_, err := tg.bans.Create(context.Background(), ban.BanParams{
		Ranges: []string{"192.0.2.0/24"},
	})
	require.NoError(t, err)

	handlerCalled := false
	h := tg.gw.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true
	}))

	req := httptest.NewRequest("GET", "/anything", nil)
	req.RemoteAddr = "192.0.2.7:1234"

	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)

	require.Equal(t, http.StatusForbidden, rw.Code)
	assert.False(t, handlerCalled)
	assert.JSONEq(t, `{"error":"forbidden"}`, rw.Body.String())

	// The rejection itself is recorded, as anonymous traffic.
	b := findBucket(t, tg.recorder, 0, "192.0.2.7", "")
	assert.Equal(t, int64(1), b.RequestCount)
	assert.Equal(t, int64(1), b.Sum4xx)
}

func TestMiddlewareRequireAuth(t *testing.T) {
	tg := newTestGateway(t, RequireAuth())

	k, err := tg.keys.Create(context.Background(), apikey.KeyParams{Active: true})
	require.NoError(t, err)

	h := tg.gw.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	testCases := []struct {
		name       string
		authHeader string
		wantStatus int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + k.Token, http.StatusUnauthorized},
		{"unknown token", "Bearer bogus", http.StatusUnauthorized},
		{"valid token", "Bearer " + k.Token, http.StatusNoContent},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = "198.51.100.1:1234"
			if tc.authHeader != "" {
				req.Header.Set("Authorization", tc.authHeader)
			}

			rw := httptest.NewRecorder()
			h.ServeHTTP(rw, req)

			assert.Equal(t, tc.wantStatus, rw.Code)
		})
	}
}

func TestMiddlewareAnonymousPassthrough(t *testing.T) {
	tg := newTestGateway(t)

	h := tg.gw.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth, ok := AuthorizationFromContext(r.Context())
		require.True(t, ok)
		assert.False(t, auth.Authenticated)
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "198.51.100.1:1234"

	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)

	// The handler wrote nothing; the implicit status is 200 and the
	// bucket, outside a router, is unnamed.
	require.Equal(t, http.StatusOK, rw.Code)

	b := findBucket(t, tg.recorder, 0, "198.51.100.1", "")
	assert.Equal(t, int64(1), b.RequestCount)
	assert.Equal(t, int64(0), b.SumBytes)
	assert.Equal(t, int64(1), b.Sum2xx)
}

func TestMiddlewareUnresolvableAddress(t *testing.T) {
	tg := newTestGateway(t)

	h := tg.gw.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "not-an-address"

	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)

	assert.Equal(t, http.StatusInternalServerError, rw.Code)
	assert.Equal(t, 0, tg.recorder.Len())
}

func TestMiddlewareHandlerStatusRecorded(t *testing.T) {
	tg := newTestGateway(t)

	h := tg.gw.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "198.51.100.1:1234"

	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)

	require.Equal(t, http.StatusBadGateway, rw.Code)

	b := findBucket(t, tg.recorder, 0, "198.51.100.1", "")
	assert.Equal(t, int64(1), b.Sum5xx)
}

func TestBearerToken(t *testing.T) {
	testCases := []struct {
		name   string
		header string
		want   string
	}{
		{"empty", "", ""},
		{"bearer", "Bearer abc123", "abc123"},
		{"basic", "Basic abc123", ""},
		{"bare token", "abc123", ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}

			assert.Equal(t, tc.want, bearerToken(req))
		})
	}
}
