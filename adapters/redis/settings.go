// Package redis provides an adapter to redis client
package redis

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

const scanBatchSize = 100

// SettingsStore keeps node settings such as the last used nonce of every wallet
// under a key namespace.
type SettingsStore struct {
	client    *redis.Client
	namespace string
}

func NewSettingsStore(client *redis.Client, namespace string) *SettingsStore {
	return &SettingsStore{
		client:    client,
		namespace: namespace,
	}
}

func (s *SettingsStore) key(key string) string {
	return s.namespace + ":" + key
}

// Get returns the stored value, absent when the key or the store does not exist.
func (s *SettingsStore) Get(ctx context.Context, key string) (string, bool, error) {
	if s == nil || s.client == nil {
		return "", false, nil
	}
	value, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *SettingsStore) Put(ctx context.Context, key, value string) error {
	if s == nil || s.client == nil {
		return errors.New("settings store not initialized")
	}
	return s.client.Set(ctx, s.key(key), value, 0).Err()
}

// DeleteAll removes every key of the namespace.
func (s *SettingsStore) DeleteAll(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.namespace+":*", scanBatchSize).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}
