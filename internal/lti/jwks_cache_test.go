package lti_test

import (
	"context"
	"crypto/rsa"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mind-engage/lti13-tool/internal/lti"
)

func newTestCache(p *fakePlatform) *lti.JWKSCache {
	c := lti.NewJWKSCache(p.registry(), zap.NewNop())
	c.RetryBackoff = time.Millisecond
	return c
}

func TestJWKSCacheCachesPerIssuer(t *testing.T) {
	p := newFakePlatform(t)
	c := newTestCache(p)
	ctx := context.Background()

	k, err := c.GetKey(ctx, testIssuer, "platform-key-1")
	require.NoError(t, err)
	assert.True(t, k.Equal(&p.signer.PublicKey))

	_, err = c.GetKey(ctx, testIssuer, "platform-key-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, p.hits.Load())
}

func TestJWKSCacheSingleFlight(t *testing.T) {
	p := newFakePlatform(t)
	p.delay = 100 * time.Millisecond
	c := newTestCache(p)

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.GetKey(context.Background(), testIssuer, "platform-key-1")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, p.hits.Load())
}

func TestJWKSCacheUnknownKidForcesOneRefresh(t *testing.T) {
	p := newFakePlatform(t)
	c := newTestCache(p)
	clk := newClock()
	c.Now = clk.Now
	ctx := context.Background()

	_, err := c.GetKey(ctx, testIssuer, "platform-key-1")
	require.NoError(t, err)

	clk.Advance(11 * time.Second)
	_, err = c.GetKey(ctx, testIssuer, "nope")
	assert.ErrorIs(t, err, lti.ErrUnknownKeyID)
	assert.EqualValues(t, 2, p.hits.Load())
}

func TestJWKSCacheThrottlesUnknownKidRefresh(t *testing.T) {
	p := newFakePlatform(t)
	c := newTestCache(p)
	clk := newClock()
	c.Now = clk.Now
	ctx := context.Background()

	_, err := c.GetKey(ctx, testIssuer, "platform-key-1")
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		_, err = c.GetKey(ctx, testIssuer, "rogue")
		require.ErrorIs(t, err, lti.ErrUnknownKeyID)
	}
	assert.EqualValues(t, 1, p.hits.Load())

	clk.Advance(c.MinRefreshInterval)
	for i := 0; i < 50; i++ {
		_, err = c.GetKey(ctx, testIssuer, "rogue")
		require.ErrorIs(t, err, lti.ErrUnknownKeyID)
	}
	assert.EqualValues(t, 2, p.hits.Load())

	k, err := c.GetKey(ctx, testIssuer, "platform-key-1")
	require.NoError(t, err)
	assert.True(t, k.Equal(&p.signer.PublicKey))
}

func TestJWKSCachePicksUpRotatedKey(t *testing.T) {
	p := newFakePlatform(t)
	c := newTestCache(p)
	clk := newClock()
	c.Now = clk.Now
	ctx := context.Background()

	_, err := c.GetKey(ctx, testIssuer, "platform-key-1")
	require.NoError(t, err)

	p.publish(map[string]*rsa.PrivateKey{"platform-key-2": testKey(t, 1)})
	clk.Advance(time.Minute)
	k, err := c.GetKey(ctx, testIssuer, "platform-key-2")
	require.NoError(t, err)
	assert.True(t, k.Equal(&testKey(t, 1).PublicKey))
}

func TestJWKSCacheEmptyKidUsesFirstSigningKey(t *testing.T) {
	p := newFakePlatform(t)
	c := newTestCache(p)

	k, err := c.GetKey(context.Background(), testIssuer, "")
	require.NoError(t, err)
	assert.True(t, k.Equal(&p.signer.PublicKey))
}

func TestJWKSCacheUnavailableAfterRetries(t *testing.T) {
	p := newFakePlatform(t)
	p.status.Store(http.StatusServiceUnavailable)
	c := newTestCache(p)
	c.Retries = 1

	_, err := c.GetKey(context.Background(), testIssuer, "platform-key-1")
	assert.ErrorIs(t, err, lti.ErrJwksUnavailable)
	assert.EqualValues(t, 2, p.hits.Load())
}

func TestJWKSCacheDoesNotRetryClientErrors(t *testing.T) {
	p := newFakePlatform(t)
	p.status.Store(http.StatusNotFound)
	c := newTestCache(p)
	c.Retries = 3

	_, err := c.GetKey(context.Background(), testIssuer, "platform-key-1")
	assert.ErrorIs(t, err, lti.ErrJwksUnavailable)
	assert.EqualValues(t, 1, p.hits.Load())
}

func TestJWKSCacheStaleGrace(t *testing.T) {
	p := newFakePlatform(t)
	c := newTestCache(p)
	c.Retries = 0
	c.StaleGrace = 15 * time.Minute

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	c.Now = func() time.Time { return now }
	ctx := context.Background()

	_, err := c.GetKey(ctx, testIssuer, "platform-key-1")
	require.NoError(t, err)

	p.status.Store(http.StatusInternalServerError)
	now = now.Add(time.Hour + time.Minute)

	_, err = c.GetKey(ctx, testIssuer, "platform-key-1")
	assert.ErrorIs(t, err, lti.ErrJwksUnavailable, "stale keys are not served unless allowed")

	c.AllowStale = true
	k, err := c.GetKey(ctx, testIssuer, "platform-key-1")
	require.NoError(t, err)
	assert.True(t, k.Equal(&p.signer.PublicKey))

	now = now.Add(15 * time.Minute)
	_, err = c.GetKey(ctx, testIssuer, "platform-key-1")
	assert.ErrorIs(t, err, lti.ErrJwksUnavailable, "grace period is over")
}

func TestJWKSCacheUnknownIssuer(t *testing.T) {
	p := newFakePlatform(t)
	c := newTestCache(p)

	_, err := c.GetKey(context.Background(), "https://stranger.example.com", "k")
	assert.ErrorIs(t, err, lti.ErrUnknownPlatform)
	assert.Zero(t, p.hits.Load())
}

// A caller giving up does not abort the shared fetch; its result is cached.
func TestJWKSCacheFetchSurvivesCallerCancel(t *testing.T) {
	p := newFakePlatform(t)
	p.delay = 150 * time.Millisecond
	c := newTestCache(p)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.GetKey(ctx, testIssuer, "platform-key-1")
	assert.ErrorIs(t, err, lti.ErrJwksUnavailable)

	require.Eventually(t, func() bool {
		_, err := c.GetKey(context.Background(), testIssuer, "platform-key-1")
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	assert.EqualValues(t, 1, p.hits.Load())
}
