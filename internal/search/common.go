package search

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"github.com/ehr/fhirstore/internal/platform/db"
)

// TokenKey is the natural key of a deduplicated token value.
type TokenKey struct {
	System string
	Value  string
}

func (k TokenKey) String() string { return k.System + "|" + k.Value }

// ValueTable is the relational backing of the common-value tables. Insert
// methods must use insert-on-conflict-do-nothing semantics so concurrent
// first-writers race safely; the winner's row is picked up by the re-read.
type ValueTable interface {
	LookupTokenIDs(ctx context.Context, keys []TokenKey) (map[TokenKey]int64, error)
	InsertTokenKeys(ctx context.Context, keys []TokenKey) error
	LookupCanonicalIDs(ctx context.Context, urls []string) (map[string]int64, error)
	InsertCanonicalKeys(ctx context.Context, urls []string) error
}

// CommonValueCache resolves natural keys to surrogate ids through a bounded
// in-process LRU backed by the common-value tables. A natural key always
// resolves to exactly one surrogate id system-wide, even under concurrent
// first-writers.
type CommonValueCache struct {
	table ValueTable

	mu         sync.Mutex
	tokens     *lruIndex
	canonicals *lruIndex
}

// NewCommonValueCache creates a cache over the given table with the given
// per-domain LRU capacity. A nil table makes the cache inactive: callers
// fall back to inline (non-deduplicated) storage.
func NewCommonValueCache(table ValueTable, size int) *CommonValueCache {
	if size <= 0 {
		size = 4096
	}
	return &CommonValueCache{
		table:      table,
		tokens:     newLRUIndex(size),
		canonicals: newLRUIndex(size),
	}
}

// Active reports whether the dedup tables are available.
func (c *CommonValueCache) Active() bool {
	return c != nil && c.table != nil
}

// ResolveTokens resolves every key to its surrogate id, inserting unseen
// keys. The returned map covers every requested key.
func (c *CommonValueCache) ResolveTokens(ctx context.Context, keys []TokenKey) (map[TokenKey]int64, error) {
	if !c.Active() {
		return nil, fmt.Errorf("common value cache inactive")
	}

	out := make(map[TokenKey]int64, len(keys))
	var misses []TokenKey

	c.mu.Lock()
	for _, k := range keys {
		if id, ok := c.tokens.get(k.String()); ok {
			out[k] = id
		} else {
			misses = append(misses, k)
		}
	}
	c.mu.Unlock()

	if len(misses) == 0 {
		return out, nil
	}

	found, err := c.table.LookupTokenIDs(ctx, misses)
	if err != nil {
		return nil, fmt.Errorf("lookup token values: %w", err)
	}

	var unseen []TokenKey
	for _, k := range misses {
		if _, ok := found[k]; !ok {
			unseen = append(unseen, k)
		}
	}

	if len(unseen) > 0 {
		if err := c.table.InsertTokenKeys(ctx, unseen); err != nil {
			return nil, fmt.Errorf("insert token values: %w", err)
		}
		// Re-read picks up both our inserts and rows inserted by a
		// concurrent writer that won the race.
		again, err := c.table.LookupTokenIDs(ctx, unseen)
		if err != nil {
			return nil, fmt.Errorf("re-read token values: %w", err)
		}
		for k, id := range again {
			found[k] = id
		}
	}

	c.mu.Lock()
	for _, k := range misses {
		id, ok := found[k]
		if !ok {
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: token value %q did not resolve after insert", db.ErrIntegrity, k)
		}
		out[k] = id
		c.tokens.put(k.String(), id)
	}
	c.mu.Unlock()

	return out, nil
}

// LookupTokens resolves keys without inserting. Used at query-build time:
// a literal the system has never indexed must not create a dedup row. Keys
// never seen are simply absent from the result.
func (c *CommonValueCache) LookupTokens(ctx context.Context, keys []TokenKey) (map[TokenKey]int64, error) {
	if !c.Active() {
		return nil, fmt.Errorf("common value cache inactive")
	}

	out := make(map[TokenKey]int64, len(keys))
	var misses []TokenKey

	c.mu.Lock()
	for _, k := range keys {
		if id, ok := c.tokens.get(k.String()); ok {
			out[k] = id
		} else {
			misses = append(misses, k)
		}
	}
	c.mu.Unlock()

	if len(misses) == 0 {
		return out, nil
	}

	found, err := c.table.LookupTokenIDs(ctx, misses)
	if err != nil {
		return nil, fmt.Errorf("lookup token values: %w", err)
	}

	c.mu.Lock()
	for k, id := range found {
		out[k] = id
		c.tokens.put(k.String(), id)
	}
	c.mu.Unlock()

	return out, nil
}

// ResolveCanonicals resolves canonical URLs to surrogate ids, inserting
// unseen URLs. The returned map covers every requested URL.
func (c *CommonValueCache) ResolveCanonicals(ctx context.Context, urls []string) (map[string]int64, error) {
	if !c.Active() {
		return nil, fmt.Errorf("common value cache inactive")
	}

	out := make(map[string]int64, len(urls))
	var misses []string

	c.mu.Lock()
	for _, u := range urls {
		if id, ok := c.canonicals.get(u); ok {
			out[u] = id
		} else {
			misses = append(misses, u)
		}
	}
	c.mu.Unlock()

	if len(misses) == 0 {
		return out, nil
	}

	found, err := c.table.LookupCanonicalIDs(ctx, misses)
	if err != nil {
		return nil, fmt.Errorf("lookup canonical values: %w", err)
	}

	var unseen []string
	for _, u := range misses {
		if _, ok := found[u]; !ok {
			unseen = append(unseen, u)
		}
	}

	if len(unseen) > 0 {
		if err := c.table.InsertCanonicalKeys(ctx, unseen); err != nil {
			return nil, fmt.Errorf("insert canonical values: %w", err)
		}
		again, err := c.table.LookupCanonicalIDs(ctx, unseen)
		if err != nil {
			return nil, fmt.Errorf("re-read canonical values: %w", err)
		}
		for u, id := range again {
			found[u] = id
		}
	}

	c.mu.Lock()
	for _, u := range misses {
		id, ok := found[u]
		if !ok {
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: canonical value %q did not resolve after insert", db.ErrIntegrity, u)
		}
		out[u] = id
		c.canonicals.put(u, id)
	}
	c.mu.Unlock()

	return out, nil
}

// lruIndex is a bounded string->id map with least-recently-used eviction.
type lruIndex struct {
	max   int
	items map[string]*list.Element
	order *list.List // front = most recent
}

type lruEntry struct {
	key string
	id  int64
}

func newLRUIndex(max int) *lruIndex {
	return &lruIndex{
		max:   max,
		items: make(map[string]*list.Element),
		order: list.New(),
	}
}

func (l *lruIndex) get(key string) (int64, bool) {
	el, ok := l.items[key]
	if !ok {
		return 0, false
	}
	l.order.MoveToFront(el)
	return el.Value.(*lruEntry).id, true
}

func (l *lruIndex) put(key string, id int64) {
	if el, ok := l.items[key]; ok {
		el.Value.(*lruEntry).id = id
		l.order.MoveToFront(el)
		return
	}
	l.items[key] = l.order.PushFront(&lruEntry{key: key, id: id})
	for len(l.items) > l.max {
		oldest := l.order.Back()
		if oldest == nil {
			break
		}
		l.order.Remove(oldest)
		delete(l.items, oldest.Value.(*lruEntry).key)
	}
}

func (l *lruIndex) len() int { return len(l.items) }
