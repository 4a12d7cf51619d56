package state

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"github.com/nexus-runtime/bridge/internal/types"
)

// RedisStore keeps each panel in one hash under prefix+panelID. Fields are
// state keys, values are JSON.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisOptions configures NewRedisStore
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	return &RedisStore{client: client, prefix: opts.Prefix}, nil
}

func (s *RedisStore) key(panelID string) string {
	return s.prefix + panelID
}

// Get implements Store
func (s *RedisStore) Get(ctx context.Context, panelID string) (map[string]any, error) {
	fields, err := s.client.HGetAll(ctx, s.key(panelID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load panel %s: %w", panelID, err)
	}
	out := make(map[string]any, len(fields))
	for k, raw := range fields {
		var v any
		if err := sonic.UnmarshalString(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", panelID, k, err)
		}
		out[k] = v
	}
	return out, nil
}

// Apply implements Store. Mutations run in one MULTI/EXEC transaction.
func (s *RedisStore) Apply(ctx context.Context, panelID string, mutations []types.StateMutation) error {
	if len(mutations) == 0 {
		return nil
	}
	encoded, err := encodeMutations(mutations)
	if err != nil {
		return err
	}

	key := s.key(panelID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, m := range mutations {
			if m.Operation == types.OpDelete {
				pipe.HDel(ctx, key, m.Key)
				continue
			}
			pipe.HSet(ctx, key, m.Key, encoded[i])
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("apply %d mutations to %s: %w", len(mutations), panelID, err)
	}
	return nil
}

// Close implements Store
func (s *RedisStore) Close() error {
	return s.client.Close()
}
