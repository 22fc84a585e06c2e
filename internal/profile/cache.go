// Package profile resolves and memoizes user profiles for one session.
package profile

import (
	"context"
	"fmt"
	"sync"

	"github.com/matheus3301/dmsync/internal/store"
	"github.com/matheus3301/dmsync/internal/syncerr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Fetcher loads a profile from the store.
type Fetcher interface {
	GetProfile(ctx context.Context, id string) (*store.Profile, error)
}

// Cache memoizes profiles by id. Concurrent misses for one id share a single
// fetch. Entries are never evicted and errors are never cached.
type Cache struct {
	fetcher Fetcher
	logger  *zap.Logger

	mu       sync.RWMutex
	profiles map[string]store.Profile
	group    singleflight.Group
}

// NewCache creates an empty cache backed by fetcher.
func NewCache(fetcher Fetcher, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		fetcher:  fetcher,
		logger:   logger,
		profiles: make(map[string]store.Profile),
	}
}

func (c *Cache) lookup(id string) (store.Profile, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.profiles[id]
	return p, ok
}

// Resolve returns the profile for id, fetching it on a miss. A caller whose
// ctx ends stops waiting; the shared fetch keeps going for the others.
func (c *Cache) Resolve(ctx context.Context, id string) (store.Profile, error) {
	if p, ok := c.lookup(id); ok {
		return p, nil
	}

	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(id, func() (any, error) {
		if p, ok := c.lookup(id); ok {
			return p, nil
		}
		fetched, err := c.fetcher.GetProfile(fetchCtx, id)
		if err != nil {
			return nil, err
		}
		c.Prime(*fetched)
		c.logger.Debug("profile cached", zap.String("user_id", id))
		return *fetched, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		res.Err = ctx.Err()
	}
	if res.Err != nil {
		return store.Profile{}, syncerr.E(syncerr.Transient, "resolve profile", fmt.Errorf("%s: %w", id, res.Err))
	}
	return res.Val.(store.Profile), nil
}

// ResolveMany resolves ids in order. On the first failure it returns the
// profiles resolved so far together with the error.
func (c *Cache) ResolveMany(ctx context.Context, ids []string) ([]store.Profile, error) {
	out := make([]store.Profile, 0, len(ids))
	for _, id := range ids {
		p, err := c.Resolve(ctx, id)
		if err != nil {
			return out, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Prime stores a profile obtained elsewhere, e.g. from a bulk query.
func (c *Cache) Prime(p store.Profile) {
	c.mu.Lock()
	c.profiles[p.ID] = p
	c.mu.Unlock()
}

// Len returns the number of cached profiles.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.profiles)
}
