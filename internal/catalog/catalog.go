// Package catalog maps product trigger words to their checkout URLs.
package catalog

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	idSuffix   = "_ID"
	linkSuffix = "_LINK"

	// DefaultTTL is how long a loaded catalog is served before the
	// environment is read again.
	DefaultTTL = 5 * time.Minute

	defaultLinkBase = "https://gumroad.com/l/"
)

// Products maps an upper-case product name to its destination URL
type Products map[string]string

// Snapshot is a loaded catalog together with the time it was loaded.
// IDs maps each product name to its storefront product id.
type Snapshot struct {
	Data      Products
	IDs       map[string]string
	FetchedAt time.Time
}

// IsExpired reports whether the snapshot is older than ttl at now
func (s Snapshot) IsExpired(now time.Time, ttl time.Duration) bool {
	return s.Data == nil || now.Sub(s.FetchedAt) >= ttl
}

// Catalog serves products from the process environment, reloading after ttl
type Catalog struct {
	environ func() []string
	now     func() time.Time
	ttl     time.Duration
	log     zerolog.Logger

	group singleflight.Group

	mu   sync.RWMutex
	snap Snapshot
}

// Option customizes a Catalog
type Option func(*Catalog)

// WithEnviron replaces os.Environ as the product source
func WithEnviron(environ func() []string) Option {
	return func(c *Catalog) { c.environ = environ }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(c *Catalog) { c.now = now }
}

// New creates a catalog. A non-positive ttl falls back to DefaultTTL.
func New(ttl time.Duration, log zerolog.Logger, opts ...Option) *Catalog {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Catalog{
		environ: os.Environ,
		now:     time.Now,
		ttl:     ttl,
		log:     log.With().Str("component", "catalog").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Products returns the current catalog, reloading it when the cached
// snapshot has expired. Concurrent callers share one reload.
func (c *Catalog) Products(ctx context.Context) Products {
	return c.snapshot(ctx).Data
}

// ProductIDs returns the storefront product id of every product
func (c *Catalog) ProductIDs(ctx context.Context) map[string]string {
	return c.snapshot(ctx).IDs
}

// Lookup returns the destination URL for a product trigger
func (c *Catalog) Lookup(ctx context.Context, name string) (string, bool) {
	url, ok := c.Products(ctx)[name]
	return url, ok
}

func (c *Catalog) snapshot(ctx context.Context) Snapshot {
	c.mu.RLock()
	snap := c.snap
	c.mu.RUnlock()
	if !snap.IsExpired(c.now(), c.ttl) {
		return snap
	}

	v, _, _ := c.group.Do("catalog", func() (interface{}, error) {
		environ := c.environ()
		fresh := Snapshot{Data: Parse(environ), IDs: ParseIDs(environ), FetchedAt: c.now()}
		c.mu.Lock()
		c.snap = fresh
		c.mu.Unlock()
		c.log.Debug().Int("products", len(fresh.Data)).Msg("catalog reloaded")
		return fresh, nil
	})
	return v.(Snapshot)
}

// Parse builds a catalog from KEY=VALUE pairs. Every NAME_ID entry defines
// product NAME whose URL is NAME_LINK when set, otherwise the default
// storefront link for the lower-cased name.
func Parse(environ []string) Products {
	env := toMap(environ)

	products := Products{}
	for name := range ParseIDs(environ) {
		if link := strings.TrimSpace(env[name+linkSuffix]); link != "" {
			products[name] = link
			continue
		}
		products[name] = defaultLinkBase + strings.ToLower(name)
	}
	return products
}

// ParseIDs returns the NAME_ID entries as product name to product id
func ParseIDs(environ []string) map[string]string {
	ids := map[string]string{}
	for k, v := range toMap(environ) {
		name, ok := strings.CutSuffix(k, idSuffix)
		if !ok || name == "" {
			continue
		}
		ids[name] = strings.TrimSpace(v)
	}
	return ids
}

func toMap(environ []string) map[string]string {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		env[k] = v
	}
	return env
}
