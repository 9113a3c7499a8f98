package gateway

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.gearno.de/gateway/aggregate"
	"go.gearno.de/gateway/apikey"
	"go.gearno.de/gateway/ban"
)

type testGateway struct {
	gw       *Gateway
	keys     *apikey.Registry
	bans     *ban.Registry
	recorder *aggregate.MemoryRecorder
}

func newTestGateway(t *testing.T, options ...Option) *testGateway {
	t.Helper()

	ctx := context.Background()

	keys, err := apikey.NewRegistry(
		ctx,
		apikey.NewMemoryStore(),
		apikey.WithRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)

	bans, err := ban.NewRegistry(
		ctx,
		ban.NewMemoryStore(),
		ban.WithRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)

	recorder := aggregate.NewMemoryRecorder()

	options = append(options, WithRegisterer(prometheus.NewRegistry()))

	return &testGateway{
		gw:       New(keys, bans, recorder, options...),
		keys:     keys,
		bans:     bans,
		recorder: recorder,
	}
}

func TestAuthorizeRequestAnonymous(t *testing.T) {
	tg := newTestGateway(t)

	auth, err := tg.gw.AuthorizeRequest(context.Background(), "", "203.0.113.9")
	require.NoError(t, err)

	assert.False(t, auth.Authenticated)
	assert.Zero(t, auth.KeyID)
	assert.False(t, auth.Banned)
}

func TestAuthorizeRequestWithValidKey(t *testing.T) {
	tg := newTestGateway(t)

	k, err := tg.keys.Create(context.Background(), apikey.KeyParams{Active: true})
	require.NoError(t, err)

	auth, err := tg.gw.AuthorizeRequest(context.Background(), k.Token, "203.0.113.9")
	require.NoError(t, err)

	assert.True(t, auth.Authenticated)
	assert.Equal(t, k.ID, auth.KeyID)
	assert.False(t, auth.Banned)
}

func TestAuthorizeRequestUnknownToken(t *testing.T) {
	tg := newTestGateway(t)

	auth, err := tg.gw.AuthorizeRequest(context.Background(), "bogus", "203.0.113.9")
	require.NoError(t, err)

	assert.False(t, auth.Authenticated)
}

func TestAuthorizeRequestBannedSource(t *testing.T) {
	tg := newTestGateway(t)

	_, err := tg.bans.Create(context.Background(), ban.BanParams{
		Ranges: []string{"203.0.113.0/24"},
	})
	require.NoError(t, err)

	auth, err := tg.gw.AuthorizeRequest(context.Background(), "", "203.0.113.9")
	require.NoError(t, err)
	assert.True(t, auth.Banned)

	auth, err = tg.gw.AuthorizeRequest(context.Background(), "", "198.51.100.9")
	require.NoError(t, err)
	assert.False(t, auth.Banned)
}

func TestAuthorizeRequestBannedAndAuthenticated(t *testing.T) {
	tg := newTestGateway(t)

	k, err := tg.keys.Create(context.Background(), apikey.KeyParams{Active: true})
	require.NoError(t, err)

	_, err = tg.bans.Create(context.Background(), ban.BanParams{
		Ranges: []string{"203.0.113.0/24"},
	})
	require.NoError(t, err)

	// Both halves are reported independently.
	auth, err := tg.gw.AuthorizeRequest(context.Background(), k.Token, "203.0.113.9")
	require.NoError(t, err)
	assert.True(t, auth.Authenticated)
	assert.True(t, auth.Banned)
}

func TestAuthorizeRequestBadAddress(t *testing.T) {
	tg := newTestGateway(t)

	_, err := tg.gw.AuthorizeRequest(context.Background(), "", "not-an-address")
	assert.Error(t, err)
}

func TestRecordUsage(t *testing.T) {
	tg := newTestGateway(t)

	at := time.Date(2024, 6, 1, 12, 34, 56, 0, time.UTC)

	err := tg.gw.RecordUsage(
		context.Background(),
		7,
		"203.0.113.9",
		"lookup",
		at,
		200,
		25*time.Millisecond,
		512,
	)
	require.NoError(t, err)

	b, ok := tg.recorder.Bucket(7, netip.MustParseAddr("203.0.113.9"), "lookup", at)
	require.True(t, ok)
	assert.Equal(t, int64(1), b.RequestCount)
	assert.Equal(t, int64(25), b.SumElapsedTime)
	assert.Equal(t, int64(512), b.SumBytes)
	assert.Equal(t, int64(1), b.Sum2xx)
}

func TestRecordUsageBadAddress(t *testing.T) {
	tg := newTestGateway(t)

	err := tg.gw.RecordUsage(
		context.Background(),
		0,
		"not-an-address",
		"",
		time.Now(),
		200,
		time.Millisecond,
		0,
	)
	assert.Error(t, err)
}
