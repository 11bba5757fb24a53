package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisRuntimeStore keeps runtime state in Redis so it survives restarts
// and can be shared by engine replicas. Each rule is one JSON value.
type RedisRuntimeStore struct {
	client redis.Cmdable
	prefix string
}

// NewRedisRuntimeStore creates a store. prefix namespaces the keys;
// empty selects "agrilogic".
func NewRedisRuntimeStore(client redis.Cmdable, prefix string) *RedisRuntimeStore {
	if prefix == "" {
		prefix = "agrilogic"
	}
	return &RedisRuntimeStore{client: client, prefix: prefix}
}

func (s *RedisRuntimeStore) key(ruleID string) string {
	return s.prefix + ":rule:" + ruleID + ":runtime"
}

// Load implements RuntimeStore.
func (s *RedisRuntimeStore) Load(ctx context.Context, ruleID string) (*RuntimeState, error) {
	raw, err := s.client.Get(ctx, s.key(ruleID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return NewRuntimeState(ruleID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading runtime state: %w", err)
	}

	var st RuntimeState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decoding runtime state: %w", err)
	}
	st.RuleID = ruleID
	return &st, nil
}

// Save implements RuntimeStore. Keys never expire: an actuator may stay
// active for longer than any sensible TTL.
func (s *RedisRuntimeStore) Save(ctx context.Context, state *RuntimeState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding runtime state: %w", err)
	}
	if err := s.client.Set(ctx, s.key(state.RuleID), raw, 0).Err(); err != nil {
		return fmt.Errorf("saving runtime state: %w", err)
	}
	return nil
}

// Delete implements RuntimeStore.
func (s *RedisRuntimeStore) Delete(ctx context.Context, ruleID string) error {
	if err := s.client.Del(ctx, s.key(ruleID)).Err(); err != nil {
		return fmt.Errorf("deleting runtime state: %w", err)
	}
	return nil
}
