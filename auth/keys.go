package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc/v2"
)

// DefaultKeyCache is the process-wide signing key cache.
var DefaultKeyCache = NewKeyCache(nil)

// KeyCache holds one key set per issuer. A set is fetched on first use and
// kept for the life of the process; it is never refreshed. Two goroutines
// racing on the first fetch may both hit the network, and the last one wins.
type KeyCache struct {
	mu     sync.RWMutex
	sets   map[string]*keyfunc.JWKS
	logger *slog.Logger
}

func NewKeyCache(logger *slog.Logger) *KeyCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyCache{
		sets:   make(map[string]*keyfunc.JWKS),
		logger: logger.With("component", "jwks"),
	}
}

// JWKSURL is where an OIDC issuer publishes its signing keys.
func JWKSURL(issuer string) string {
	return strings.TrimSuffix(issuer, "/") + "/.well-known/jwks.json"
}

// Get returns the key set for issuer, fetching it if needed. The fetch is
// bounded by timeout and by ctx.
func (c *KeyCache) Get(ctx context.Context, issuer string, timeout time.Duration) (*keyfunc.JWKS, error) {
	c.mu.RLock()
	jwks, ok := c.sets[issuer]
	c.mu.RUnlock()
	if ok {
		return jwks, nil
	}

	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	type result struct {
		jwks *keyfunc.JWKS
		err  error
	}
	done := make(chan result, 1)
	go func() {
		j, err := keyfunc.Get(JWKSURL(issuer), keyfunc.Options{
			Client:         &http.Client{Timeout: timeout},
			RefreshTimeout: timeout,
		})
		done <- result{j, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			c.logger.Warn("Failed to fetch signing keys", "issuer", issuer, "error", r.err)
			return nil, fmt.Errorf("fetching signing keys: %w", r.err)
		}
		c.mu.Lock()
		c.sets[issuer] = r.jwks
		c.mu.Unlock()
		c.logger.Info("Signing keys loaded", "issuer", issuer, "keys", r.jwks.Len())
		return r.jwks, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("fetching signing keys: %w", ctx.Err())
	}
}
