package assetcache

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// redisStore keeps generations in redis so several proxy processes can share
// them: a set of generation names plus one hash per generation.
type redisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisStore wraps an existing client. prefix namespaces every key.
func NewRedisStore(rdb redis.UniversalClient, prefix string) Store {
	if prefix == "" {
		prefix = "assetcache"
	}
	return &redisStore{rdb: rdb, prefix: prefix}
}

func (s *redisStore) setKey() string { return s.prefix + ":generations" }

func (s *redisStore) hashKey(generation string) string { return s.prefix + ":gen:" + generation }

// Both scripts take KEYS = {generations set, generation hash} and ARGV[1] =
// generation name, so the membership check and the write cannot interleave
// with a Delete from another process.
var (
	// openScript registers the generation and drops any hash left behind
	// under its name.
	openScript = redis.NewScript(`
if redis.call('SADD', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('DEL', KEYS[2])
return 1
`)

	// putScript writes ARGV[2..] as field/value pairs, only while the
	// generation is registered.
	putScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 0 then
  return 0
end
for i = 2, #ARGV, 2 do
  redis.call('HSET', KEYS[2], ARGV[i], ARGV[i + 1])
end
return 1
`)
)

func (s *redisStore) Open(ctx context.Context, generation string) (bool, error) {
	if generation == "" {
		return false, errors.New("empty generation name")
	}
	n, err := openScript.Run(ctx, s.rdb, []string{s.setKey(), s.hashKey(generation)}, generation).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *redisStore) Generations(ctx context.Context) ([]string, error) {
	out, err := s.rdb.SMembers(ctx, s.setKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (s *redisStore) Delete(ctx context.Context, generation string) (bool, error) {
	var srem *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		srem = p.SRem(ctx, s.setKey(), generation)
		p.Del(ctx, s.hashKey(generation))
		return nil
	})
	if err != nil {
		return false, err
	}
	return srem.Val() > 0, nil
}

func (s *redisStore) Match(ctx context.Context, generation, key string) (Entry, bool, error) {
	b, err := s.rdb.HGet(ctx, s.hashKey(generation), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	ent, err := decodeEntry(b)
	if err != nil {
		return Entry{}, false, fmt.Errorf("decode entry %q: %w", key, err)
	}
	return ent, true, nil
}

func (s *redisStore) put(ctx context.Context, generation string, values []any) error {
	args := append([]any{generation}, values...)
	n, err := putScript.Run(ctx, s.rdb, []string{s.setKey(), s.hashKey(generation)}, args...).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("put %q: %w", generation, ErrGenerationNotFound)
	}
	return nil
}

func (s *redisStore) Put(ctx context.Context, generation, key string, ent Entry) error {
	b, err := encodeEntry(ent)
	if err != nil {
		return err
	}
	return s.put(ctx, generation, []any{key, b})
}

func (s *redisStore) PutAll(ctx context.Context, generation string, ents []Entry) error {
	values := make([]any, 0, 2*len(ents))
	for _, ent := range ents {
		b, err := encodeEntry(ent)
		if err != nil {
			return err
		}
		values = append(values, ent.Key(), b)
	}
	return s.put(ctx, generation, values)
}

func (s *redisStore) Count(ctx context.Context, generation string) (int, error) {
	n, err := s.rdb.HLen(ctx, s.hashKey(generation)).Result()
	return int(n), err
}

func (s *redisStore) Close() error {
	return s.rdb.Close()
}
