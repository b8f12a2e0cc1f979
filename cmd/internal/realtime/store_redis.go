package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisKeyPrefix = "molar:realtime:"

const (
	fieldUserID     = "user_id"
	fieldCreatedAt  = "created_at"
	fieldLastSeenAt = "last_seen_at"
)

// touchScript refreshes last_seen_at and the key TTL only when the hash exists,
// so a heartbeat racing a disconnect never resurrects a partial record.
var touchScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'last_seen_at', ARGV[1])
local ttl = tonumber(ARGV[2])
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return 1
`)

// RedisStore keeps one hash per connection plus an index set of ids.
// Each hash expires after the configured TTL unless refreshed by Touch.
type RedisStore struct {
	client redis.UniversalClient
	log    *slog.Logger
	prefix string
	ttl    time.Duration
}

// RedisOption configures RedisStore behavior.
type RedisOption func(*RedisStore)

// WithRedisKeyPrefix sets the key namespace (default "molar:realtime:").
func WithRedisKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if p := strings.TrimSpace(prefix); p != "" {
			s.prefix = p
		}
	}
}

// WithRedisTTL sets the per-connection key TTL. Zero disables expiry.
func WithRedisTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		if ttl >= 0 {
			s.ttl = ttl
		}
	}
}

// NewRedisStore constructs a Redis-backed ConnectionStore.
func NewRedisStore(client redis.UniversalClient, log *slog.Logger, opts ...RedisOption) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("realtime: nil redis client")
	}
	if log == nil {
		log = slog.Default()
	}
	s := &RedisStore{
		client: client,
		log:    log,
		prefix: defaultRedisKeyPrefix,
		ttl:    defaultStaleAfter,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

func (s *RedisStore) connKey(id string) string { return s.prefix + "conn:" + id }
func (s *RedisStore) indexKey() string        { return s.prefix + "conns" }

func (s *RedisStore) Put(ctx context.Context, rec ConnectionRecord) error {
	key := s.connKey(rec.ConnectionID)

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, key, fieldCreatedAt, strconv.FormatInt(rec.CreatedAt, 10))
		pipe.HSet(ctx, key,
			fieldUserID, rec.UserID,
			fieldLastSeenAt, strconv.FormatInt(rec.LastSeenAt, 10),
		)
		if s.ttl > 0 {
			pipe.PExpire(ctx, key, s.ttl)
		}
		pipe.SAdd(ctx, s.indexKey(), rec.ConnectionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put connection: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, connectionID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.connKey(connectionID))
		pipe.SRem(ctx, s.indexKey(), connectionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete connection: %w", err)
	}
	return nil
}

// List reads every indexed hash. Expired hashes are pruned from the index and
// malformed ones are skipped.
func (s *RedisStore) List(ctx context.Context) ([]ConnectionRecord, error) {
	ids, hashes, err := s.readAll(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]ConnectionRecord, 0, len(ids))
	var dangling []any
	for i, id := range ids {
		h := hashes[i]
		if len(h) == 0 {
			dangling = append(dangling, id)
			continue
		}
		rec, err := parseConnectionHash(id, h)
		if err != nil {
			s.log.Warn("realtime.redis.list.skip", "connection_id", id, "err", err)
			continue
		}
		out = append(out, rec)
	}

	if len(dangling) > 0 {
		if err := s.client.SRem(ctx, s.indexKey(), dangling...).Err(); err != nil {
			s.log.Warn("realtime.redis.prune.fail", "count", len(dangling), "err", err)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ConnectionID < out[j].ConnectionID
	})
	return out, nil
}

func (s *RedisStore) Touch(ctx context.Context, connectionID string, nowMs int64) error {
	err := touchScript.Run(ctx, s.client,
		[]string{s.connKey(connectionID)},
		strconv.FormatInt(nowMs, 10),
		strconv.FormatInt(s.ttl.Milliseconds(), 10),
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis touch connection: %w", err)
	}
	return nil
}

// DeleteStale removes hashes whose last_seen_at is older than cutoffMs, along with
// hashes too damaged to carry a usable last_seen_at.
func (s *RedisStore) DeleteStale(ctx context.Context, cutoffMs int64) (int, error) {
	ids, hashes, err := s.readAll(ctx)
	if err != nil {
		return 0, err
	}

	var (
		stale   []string
		members []any
	)
	for i, id := range ids {
		h := hashes[i]
		if len(h) == 0 {
			members = append(members, id)
			continue
		}
		last, err := strconv.ParseInt(h[fieldLastSeenAt], 10, 64)
		if err != nil || last < cutoffMs {
			stale = append(stale, id)
			members = append(members, id)
		}
	}
	if len(members) == 0 {
		return 0, nil
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range stale {
			pipe.Del(ctx, s.connKey(id))
		}
		pipe.SRem(ctx, s.indexKey(), members...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis sweep connections: %w", err)
	}
	return len(stale), nil
}

func (s *RedisStore) readAll(ctx context.Context) ([]string, []map[string]string, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("redis list index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.connKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, nil, fmt.Errorf("redis read connections: %w", err)
	}

	hashes := make([]map[string]string, len(ids))
	for i, cmd := range cmds {
		hashes[i] = cmd.Val()
	}
	return ids, hashes, nil
}

func parseConnectionHash(id string, h map[string]string) (ConnectionRecord, error) {
	created, err := strconv.ParseInt(h[fieldCreatedAt], 10, 64)
	if err != nil {
		return ConnectionRecord{}, fmt.Errorf("invalid %s: %q", fieldCreatedAt, h[fieldCreatedAt])
	}
	rec := ConnectionRecord{
		ConnectionID: id,
		UserID:       h[fieldUserID],
		CreatedAt:    created,
		LastSeenAt:   created,
	}
	if v, ok := h[fieldLastSeenAt]; ok && v != "" {
		last, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return ConnectionRecord{}, fmt.Errorf("invalid %s: %q", fieldLastSeenAt, v)
		}
		rec.LastSeenAt = last
	}
	return rec, nil
}
