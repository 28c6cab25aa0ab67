package plan

import (
	"reflect"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize is the default number of plans kept by a Cache.
const DefaultCacheSize = 4096

type planKind uint8

const (
	kindSkip planKind = iota + 1
	kindDecode
	kindValue
)

// cacheKey identifies a plan by the structural signature of the class and
// the target Go type. Skip plans use the shallow signature, decode and value
// plans the decode signature. Wire ids are not part of the key, so plans are shared
// between chunks.
type cacheKey struct {
	sig    uint64
	target reflect.Type
	kind   planKind
}

// cacheEntry holds a compiled plan or the binding error it failed with.
type cacheEntry struct {
	skip   *SkipPlan
	decode *DecodePlan
	value  *valueOp
	err    error
}

// Cache is a bounded, goroutine-safe store of compiled plans. One cache may
// be shared by any number of parsers.
type Cache struct {
	plans *lru.Cache[cacheKey, cacheEntry]
}

func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	plans, err := lru.New[cacheKey, cacheEntry](size)
	if err != nil {
		return nil, err
	}
	return &Cache{plans: plans}, nil
}

func (c *Cache) Len() int { return c.plans.Len() }

func (c *Cache) Purge() { c.plans.Purge() }

func (c *Cache) get(k cacheKey) (cacheEntry, bool) { return c.plans.Get(k) }

func (c *Cache) add(k cacheKey, e cacheEntry) { c.plans.Add(k, e) }
