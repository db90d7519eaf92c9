package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/iurnickita/artistledger/internal/model"
)

// DefaultCleanupInterval is how often expired entries are removed
const DefaultCleanupInterval = 10 * time.Minute

// AccountStatusCache keeps payout accounts by owner for a short time.
// One instance is shared by the dispatcher (reads) and the reconciler
// (invalidation).
type AccountStatusCache struct {
	cache *gocache.Cache
}

// NewAccountStatusCache creates a cache; ttl <= 0 disables caching.
func NewAccountStatusCache(ttl time.Duration) *AccountStatusCache {
	if ttl <= 0 {
		return &AccountStatusCache{}
	}
	return &AccountStatusCache{cache: gocache.New(ttl, DefaultCleanupInterval)}
}

func (c *AccountStatusCache) Get(owner string) (model.PayoutAccount, bool) {
	if c == nil || c.cache == nil {
		return model.PayoutAccount{}, false
	}
	v, ok := c.cache.Get(owner)
	if !ok {
		return model.PayoutAccount{}, false
	}
	acc, ok := v.(model.PayoutAccount)
	return acc, ok
}

func (c *AccountStatusCache) Set(acc model.PayoutAccount) {
	if c == nil || c.cache == nil {
		return
	}
	c.cache.SetDefault(acc.OwnerID, acc)
}

func (c *AccountStatusCache) Delete(owner string) {
	if c == nil || c.cache == nil {
		return
	}
	c.cache.Delete(owner)
}
