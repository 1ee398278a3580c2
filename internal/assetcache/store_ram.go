package assetcache

import (
	"context"
	"fmt"
	"sync"

	"github.com/dgraph-io/ristretto"
)

// ramTier is a read-through memory tier in front of another Store.
//
// RAM keys carry a per-generation epoch that is bumped on Delete, so entries
// of a deleted generation can never be served again even if a generation with
// the same name is created later; ristretto evicts them by cost.
type ramTier struct {
	next  Store
	cache *ristretto.Cache

	mu     sync.Mutex
	epochs map[string]uint64
}

// NewRAMTier wraps next with a memory tier bounded by maxBytes.
func NewRAMTier(next Store, maxBytes int64) (Store, error) {
	if maxBytes <= 0 {
		return next, nil
	}
	counters := maxBytes / 1024 * 10
	if counters < 10000 {
		counters = 10000
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: counters,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("ram tier: %w", err)
	}
	return &ramTier{next: next, cache: c, epochs: map[string]uint64{}}, nil
}

func (t *ramTier) ramKey(generation, key string) string {
	t.mu.Lock()
	epoch := t.epochs[generation]
	t.mu.Unlock()
	return fmt.Sprintf("%s\x00%d\x00%s", generation, epoch, key)
}

func entryCost(ent Entry) int64 {
	n := int64(len(ent.Body) + len(ent.URL) + len(ent.Method))
	for k, vs := range ent.Header {
		n += int64(len(k))
		for _, v := range vs {
			n += int64(len(v))
		}
	}
	return n
}

func (t *ramTier) Open(ctx context.Context, generation string) (bool, error) {
	return t.next.Open(ctx, generation)
}

func (t *ramTier) Generations(ctx context.Context) ([]string, error) {
	return t.next.Generations(ctx)
}

func (t *ramTier) Delete(ctx context.Context, generation string) (bool, error) {
	t.mu.Lock()
	t.epochs[generation]++
	t.mu.Unlock()
	return t.next.Delete(ctx, generation)
}

func (t *ramTier) Match(ctx context.Context, generation, key string) (Entry, bool, error) {
	rk := t.ramKey(generation, key)
	if v, ok := t.cache.Get(rk); ok {
		if ent, ok := v.(Entry); ok {
			return ent, true, nil
		}
		t.cache.Del(rk)
	}
	ent, ok, err := t.next.Match(ctx, generation, key)
	if err != nil || !ok {
		return ent, ok, err
	}
	t.cache.Set(rk, ent, entryCost(ent))
	return ent, true, nil
}

func (t *ramTier) Put(ctx context.Context, generation, key string, ent Entry) error {
	// Keyed under the epoch seen before the write; a Delete racing with it
	// bumps the epoch and the RAM copy becomes unreachable.
	rk := t.ramKey(generation, key)
	if err := t.next.Put(ctx, generation, key, ent); err != nil {
		return err
	}
	t.cache.Set(rk, ent, entryCost(ent))
	return nil
}

func (t *ramTier) PutAll(ctx context.Context, generation string, ents []Entry) error {
	// Not warmed here; manifests can exceed the tier and the first Match fills it.
	return t.next.PutAll(ctx, generation, ents)
}

func (t *ramTier) Count(ctx context.Context, generation string) (int, error) {
	return t.next.Count(ctx, generation)
}

func (t *ramTier) Close() error {
	t.cache.Close()
	return t.next.Close()
}
