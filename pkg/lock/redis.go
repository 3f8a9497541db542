package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ontoforge/oms/pkg/contracts"
)

// Lua scripts keep row writes and index maintenance atomic on the Redis side,
// so two relay or manager processes sharing one Redis see a consistent view.
var (
	redisInsertScript = redis.NewScript(`
local row = KEYS[1]
local branchIdx = KEYS[2]
local activeIdx = KEYS[3]
if redis.call("EXISTS", row) == 1 then
	return 0
end
redis.call("SET", row, ARGV[1])
if ARGV[2] ~= "" then
	redis.call("PEXPIRE", row, ARGV[2])
end
redis.call("SADD", branchIdx, ARGV[3])
redis.call("SADD", activeIdx, ARGV[3])
return 1
`)

	redisDeleteScript = redis.NewScript(`
redis.call("DEL", KEYS[1])
redis.call("SREM", KEYS[2], ARGV[1])
redis.call("SREM", KEYS[3], ARGV[1])
return 1
`)
)

// RedisStore persists lock rows in Redis so multiple service replicas share
// one lock table. Rows carry a server-side TTL slightly past the lock expiry,
// so even a crashed sweeper cannot leave rows behind forever.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an existing client. prefix namespaces the keys,
// defaulting to "oms".
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "oms"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) rowKey(id string) string     { return fmt.Sprintf("%s:lock:%s", s.prefix, id) }
func (s *RedisStore) branchKey(b string) string   { return fmt.Sprintf("%s:lock-branch:%s", s.prefix, b) }
func (s *RedisStore) activeKey() string           { return fmt.Sprintf("%s:lock-active", s.prefix) }

func (s *RedisStore) Insert(ctx context.Context, l *contracts.BranchLock) error {
	raw, err := json.Marshal(l)
	if err != nil {
		return err
	}
	ttlMillis := ""
	if l.ExpiresAt != nil {
		// Keep the row one hour past expiry so release reasons stay readable.
		ttlMillis = fmt.Sprintf("%d", time.Until(l.ExpiresAt.Add(time.Hour)).Milliseconds())
	}
	ok, err := redisInsertScript.Run(ctx, s.client,
		[]string{s.rowKey(l.ID), s.branchKey(l.Branch), s.activeKey()},
		string(raw), ttlMillis, l.ID).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return fmt.Errorf("lock %s already exists", l.ID)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*contracts.BranchLock, error) {
	raw, err := s.client.Get(ctx, s.rowKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, contracts.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var l contracts.BranchLock
	if err := json.Unmarshal([]byte(raw), &l); err != nil {
		return nil, &contracts.IntegrityError{Reason: fmt.Sprintf("corrupt lock row %s: %v", id, err)}
	}
	return &l, nil
}

func (s *RedisStore) Update(ctx context.Context, l *contracts.BranchLock) error {
	raw, err := json.Marshal(l)
	if err != nil {
		return err
	}
	set, err := s.client.SetXX(ctx, s.rowKey(l.ID), string(raw), redis.KeepTTL).Result()
	if err != nil {
		return err
	}
	if !set {
		return contracts.ErrNotFound
	}
	if !l.Active {
		return s.client.SRem(ctx, s.activeKey(), l.ID).Err()
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	l, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return redisDeleteScript.Run(ctx, s.client,
		[]string{s.rowKey(id), s.branchKey(l.Branch), s.activeKey()}, id).Err()
}

func (s *RedisStore) ActiveOnBranch(ctx context.Context, branch string) ([]*contracts.BranchLock, error) {
	ids, err := s.client.SMembers(ctx, s.branchKey(branch)).Result()
	if err != nil {
		return nil, err
	}
	return s.fetchActive(ctx, ids)
}

func (s *RedisStore) ActiveAll(ctx context.Context) ([]*contracts.BranchLock, error) {
	ids, err := s.client.SMembers(ctx, s.activeKey()).Result()
	if err != nil {
		return nil, err
	}
	return s.fetchActive(ctx, ids)
}

func (s *RedisStore) fetchActive(ctx context.Context, ids []string) ([]*contracts.BranchLock, error) {
	out := make([]*contracts.BranchLock, 0, len(ids))
	for _, id := range ids {
		l, err := s.Get(ctx, id)
		if errors.Is(err, contracts.ErrNotFound) {
			// Row TTL beat the index cleanup; drop the stale member.
			_ = s.client.SRem(ctx, s.activeKey(), id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		if l.Active {
			out = append(out, l)
		}
	}
	sortByLockedAt(out)
	return out, nil
}
