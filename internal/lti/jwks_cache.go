package lti

import (
	"context"
	"crypto/rsa"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// JWKSCache fetches and caches platform key sets per issuer.
//
// Concurrent misses for one issuer share a single outbound fetch. Each fetch
// attempt is bounded by FetchTimeout and failed attempts are retried Retries
// times with exponential backoff. The mutex only guards the entries map; it is
// never held while talking to the network.
type JWKSCache struct {
	Platforms PlatformResolver
	HTTP      *http.Client
	Logger    *zap.Logger

	TTL          time.Duration // how long a fetched set is fresh
	FetchTimeout time.Duration // per attempt
	Retries      uint          // extra attempts after the first failure
	RetryBackoff time.Duration // initial backoff interval

	// AllowStale serves an expired set when a refresh fails, as long as the set
	// expired less than StaleGrace ago.
	AllowStale bool
	StaleGrace time.Duration

	// MinRefreshInterval is the shortest gap between a stored fetch and a
	// refresh forced by an unknown kid. Misses inside it fail without a fetch.
	MinRefreshInterval time.Duration

	// Clock (for tests)
	Now func() time.Time

	mu      sync.RWMutex
	entries map[string]*jwksEntry
	group   singleflight.Group
}

type jwksEntry struct {
	keys      keySet
	fetchedAt time.Time
	expiresAt time.Time
}

// NewJWKSCache returns a cache with a 1h TTL, 5s fetch timeout and one retry.
func NewJWKSCache(platforms PlatformResolver, logger *zap.Logger) *JWKSCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JWKSCache{
		Platforms:    platforms,
		HTTP:         &http.Client{},
		Logger:       logger,
		TTL:                time.Hour,
		FetchTimeout:       5 * time.Second,
		Retries:            1,
		RetryBackoff:       200 * time.Millisecond,
		StaleGrace:         15 * time.Minute,
		MinRefreshInterval: 10 * time.Second,
		entries:            make(map[string]*jwksEntry),
	}
}

// GetKey returns the platform public key for kid. An empty kid selects the
// first RSA signing key of the set.
func (c *JWKSCache) GetKey(ctx context.Context, issuer, kid string) (*rsa.PublicKey, error) {
	reg, err := c.Platforms.Platform(ctx, issuer)
	if err != nil {
		return nil, newError(CodeUnknownPlatform, "issuer is not registered", err)
	}

	now := c.now()
	entry := c.entry(issuer)
	if entry != nil && now.Before(entry.expiresAt) {
		if k, ok := entry.keys.lookup(kid); ok {
			return k, nil
		}
		// Platform may have rotated keys: refresh once before giving up on kid,
		// but not more often than MinRefreshInterval.
		if now.Sub(entry.fetchedAt) < c.minRefreshInterval() {
			return lookupOrUnknown(entry, kid)
		}
		fresh, err := c.refresh(ctx, issuer, reg.JWKSURL, entry.fetchedAt)
		if err != nil {
			return nil, err
		}
		return lookupOrUnknown(fresh, kid)
	}

	var seen time.Time
	if entry != nil {
		seen = entry.fetchedAt
	}
	fresh, err := c.refresh(ctx, issuer, reg.JWKSURL, seen)
	if err != nil {
		if entry != nil && c.AllowStale && now.Before(entry.expiresAt.Add(c.StaleGrace)) {
			c.log().Warn("serving stale platform jwks",
				zap.String("iss", issuer),
				zap.Time("expired_at", entry.expiresAt),
				zap.Error(err))
			return lookupOrUnknown(entry, kid)
		}
		return nil, err
	}
	return lookupOrUnknown(fresh, kid)
}

// Invalidate drops the cached set for issuer.
func (c *JWKSCache) Invalidate(issuer string) {
	c.mu.Lock()
	delete(c.entries, issuer)
	c.mu.Unlock()
}

func lookupOrUnknown(e *jwksEntry, kid string) (*rsa.PublicKey, error) {
	if k, ok := e.keys.lookup(kid); ok {
		return k, nil
	}
	return nil, newError(CodeUnknownKeyID, fmt.Sprintf("no platform key with kid %q", kid), nil)
}

func (c *JWKSCache) entry(issuer string) *jwksEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.entries == nil {
		return nil
	}
	return c.entries[issuer]
}

// refresh fetches the set for issuer through the single-flight group. If some
// other caller stored a set newer than seen while we waited, that set is reused.
func (c *JWKSCache) refresh(ctx context.Context, issuer, jwksURL string, seen time.Time) (*jwksEntry, error) {
	ch := c.group.DoChan(issuer, func() (any, error) {
		if e := c.entry(issuer); e != nil && e.fetchedAt.After(seen) && c.now().Before(e.expiresAt) {
			return e, nil
		}
		// The fetch outlives any single waiter; it is bounded by FetchTimeout per try.
		keys, err := c.fetch(context.WithoutCancel(ctx), jwksURL)
		if err != nil {
			c.log().Warn("platform jwks fetch failed", zap.String("iss", issuer), zap.String("url", jwksURL), zap.Error(err))
			return nil, newError(CodeJwksUnavailable, "platform keys are unavailable", err)
		}
		now := c.now()
		e := &jwksEntry{keys: keys, fetchedAt: now, expiresAt: now.Add(c.ttl())}
		c.mu.Lock()
		if c.entries == nil {
			c.entries = make(map[string]*jwksEntry)
		}
		c.entries[issuer] = e
		c.mu.Unlock()
		c.log().Debug("platform jwks refreshed", zap.String("iss", issuer), zap.Int("keys", len(keys.byKID)))
		return e, nil
	})

	select {
	case <-ctx.Done():
		return nil, newError(CodeJwksUnavailable, "platform keys request cancelled", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*jwksEntry), nil
	}
}

func (c *JWKSCache) fetch(ctx context.Context, jwksURL string) (keySet, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryBackoff()
	return backoff.Retry(ctx, func() (keySet, error) {
		return c.fetchOnce(ctx, jwksURL)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.Retries+1),
		backoff.WithNotify(func(err error, wait time.Duration) {
			c.log().Debug("retrying platform jwks fetch", zap.String("url", jwksURL), zap.Duration("wait", wait), zap.Error(err))
		}),
	)
}

func (c *JWKSCache) fetchOnce(ctx context.Context, jwksURL string) (keySet, error) {
	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURL, nil)
	if err != nil {
		return keySet{}, backoff.Permanent(fmt.Errorf("build jwks request: %w", err))
	}
	req.Header.Set("Accept", "application/jwk-set+json, application/json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return keySet{}, fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("jwks endpoint returned %s", resp.Status)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return keySet{}, backoff.Permanent(err)
		}
		return keySet{}, err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return keySet{}, fmt.Errorf("read jwks: %w", err)
	}
	keys, err := parseKeySet(body)
	if err != nil {
		return keySet{}, backoff.Permanent(err)
	}
	return keys, nil
}

func (c *JWKSCache) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now().UTC()
}

func (c *JWKSCache) ttl() time.Duration {
	if c.TTL > 0 {
		return c.TTL
	}
	return time.Hour
}

func (c *JWKSCache) minRefreshInterval() time.Duration {
	if c.MinRefreshInterval > 0 {
		return c.MinRefreshInterval
	}
	return 10 * time.Second
}

func (c *JWKSCache) fetchTimeout() time.Duration {
	if c.FetchTimeout > 0 {
		return c.FetchTimeout
	}
	return 5 * time.Second
}

func (c *JWKSCache) retryBackoff() time.Duration {
	if c.RetryBackoff > 0 {
		return c.RetryBackoff
	}
	return 200 * time.Millisecond
}

func (c *JWKSCache) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *JWKSCache) log() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop()
}
