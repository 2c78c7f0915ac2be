package cache

import (
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/pkg/errors"
)

const DefaultCacheCost int64 = 1
const DefaultCacheTTL time.Duration = time.Minute

// Cache is a namespaced TTL cache, keys are stored as
// "<namespace>:<key>"
type Cache struct {
	c   *ristretto.Cache
	ttl time.Duration
}

// NewCache creates a Cache whose entries expire after ttl,
// a zero ttl uses DefaultCacheTTL
func NewCache(ttl time.Duration) (*Cache, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,     // number of keys to track frequency of (100K).
		MaxCost:     1 << 16, // maximum number of entries at cost 1.
		BufferItems: 64,      // number of keys per Get buffer.
	})
	if err != nil {
		return nil, errors.WithMessage(err, "NewCache")
	}

	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}

	c := &Cache{
		c:   cache,
		ttl: ttl,
	}

	return c, nil
}

func (c *Cache) key(namespace, key string) string {
	return namespace + ":" + key
}

func (c *Cache) Get(namespace, key string) (interface{}, bool) {
	return c.c.Get(c.key(namespace, key))
}

// Set is best effort, ristretto may drop the write under contention
func (c *Cache) Set(namespace, key string, v interface{}) {
	c.c.SetWithTTL(c.key(namespace, key), v, DefaultCacheCost, c.ttl)
}

func (c *Cache) Del(namespace, key string) {
	c.c.Del(c.key(namespace, key))
}

func (c *Cache) Close() {
	c.c.Close()
}
