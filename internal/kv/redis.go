package kv

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisKeyPrefix namespaces every record so the store can share a database.
const redisKeyPrefix = "opencatd:"

// RedisStore implements Store on Redis. Each logical key is a hash with
// "value" and "version" fields; Atomic uses WATCH so the transaction aborts
// when any touched key changes between read and EXEC.
type RedisStore struct {
	client *redis.Client
}

// OpenRedis connects to Redis using a redis:// or rediss:// URL.
func OpenRedis(dsn string) (*RedisStore, error) {
	opts, errParse := redis.ParseURL(dsn)
	if errParse != nil {
		return nil, fmt.Errorf("kv: parse redis url: %w", errParse)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if errPing := client.Ping(pingCtx).Err(); errPing != nil {
		_ = client.Close()
		return nil, fmt.Errorf("kv: ping redis: %w", errPing)
	}
	return &RedisStore{client: client}, nil
}

// Get returns the entry for key, or a zero-version entry when absent.
func (s *RedisStore) Get(ctx context.Context, key string) (Entry, error) {
	return s.get(ctx, s.client, key)
}

func (s *RedisStore) get(ctx context.Context, cmd redis.Cmdable, key string) (Entry, error) {
	fields, errGet := cmd.HMGet(ctx, redisKeyPrefix+key, "value", "version").Result()
	if errGet != nil {
		return Entry{}, fmt.Errorf("kv: get %s: %w", key, errGet)
	}
	if len(fields) != 2 || fields[1] == nil {
		return Entry{Key: key}, nil
	}
	value, _ := fields[0].(string)
	rawVersion, _ := fields[1].(string)
	version, errParse := strconv.ParseInt(rawVersion, 10, 64)
	if errParse != nil {
		return Entry{}, fmt.Errorf("kv: get %s: bad version %q", key, rawVersion)
	}
	return Entry{Key: key, Value: []byte(value), Version: version}, nil
}

// List scans for every key under prefix. SCAN cursors may return duplicates;
// results are deduplicated before the values are fetched.
func (s *RedisStore) List(ctx context.Context, prefix string) ([]Entry, error) {
	match := redisKeyPrefix + escapeGlob(prefix) + "*"
	seen := make(map[string]struct{})
	var keys []string

	iter := s.client.Scan(ctx, 0, match, 0).Iterator()
	for iter.Next(ctx) {
		key := strings.TrimPrefix(iter.Val(), redisKeyPrefix)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	if errScan := iter.Err(); errScan != nil {
		return nil, fmt.Errorf("kv: list %s: %w", prefix, errScan)
	}

	out := make([]Entry, 0, len(keys))
	for _, key := range keys {
		entry, errGet := s.get(ctx, s.client, key)
		if errGet != nil {
			return nil, errGet
		}
		if entry.Exists() {
			out = append(out, entry)
		}
	}
	return out, nil
}

// Put upserts key unconditionally, bumping its version.
func (s *RedisStore) Put(ctx context.Context, key string, value []byte) error {
	_, errPipe := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, redisKeyPrefix+key, "value", string(value))
		pipe.HIncrBy(ctx, redisKeyPrefix+key, "version", 1)
		return nil
	})
	if errPipe != nil {
		return fmt.Errorf("kv: put %s: %w", key, errPipe)
	}
	return nil
}

// Delete removes key; deleting an absent key is a no-op.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if errDel := s.client.Del(ctx, redisKeyPrefix+key).Err(); errDel != nil {
		return fmt.Errorf("kv: delete %s: %w", key, errDel)
	}
	return nil
}

// Atomic watches every checked and written key, re-reads the checked
// versions, and commits the batch in a MULTI/EXEC transaction. A concurrent
// write to any watched key aborts the EXEC and the batch reports failure.
func (s *RedisStore) Atomic(ctx context.Context, checks []Check, muts []Mutation) (bool, error) {
	watch := make([]string, 0, len(checks)+len(muts))
	for _, check := range checks {
		watch = append(watch, redisKeyPrefix+check.Key)
	}
	for _, mut := range muts {
		watch = append(watch, redisKeyPrefix+mut.Key)
	}

	committed := false
	errWatch := s.client.Watch(ctx, func(tx *redis.Tx) error {
		for _, check := range checks {
			entry, errGet := s.get(ctx, tx, check.Key)
			if errGet != nil {
				return errGet
			}
			if entry.Version != check.Version {
				return errStale
			}
		}
		_, errPipe := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, mut := range muts {
				if mut.Delete {
					pipe.Del(ctx, redisKeyPrefix+mut.Key)
					continue
				}
				pipe.HSet(ctx, redisKeyPrefix+mut.Key, "value", string(mut.Value))
				pipe.HIncrBy(ctx, redisKeyPrefix+mut.Key, "version", 1)
			}
			return nil
		})
		if errPipe != nil {
			return errPipe
		}
		committed = true
		return nil
	}, watch...)

	if errors.Is(errWatch, errStale) || errors.Is(errWatch, redis.TxFailedErr) {
		return false, nil
	}
	if errWatch != nil {
		return false, fmt.Errorf("kv: atomic: %w", errWatch)
	}
	return committed, nil
}

// Close releases the client connection pool.
func (s *RedisStore) Close() error { return s.client.Close() }

// escapeGlob escapes SCAN MATCH metacharacters in a literal prefix.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
