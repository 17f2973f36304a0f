package storage

import (
	"bytes"
	"context"
	"fmt"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each document in a Redis hash named "<prefix><index>:<id>". Field values are JSON-encoded.
// The ids of an index are tracked in the set "<prefix><index>".
//
// Operations run on their own goroutine and report through their callback.
type RedisStore struct {
	log logger.Logger

	client *redis.Client
	prefix string
}

// NewRedisStore connects to the Redis server at address. Keys are prefixed with prefix, typically the cluster name.
func NewRedisStore(address string, password string, db int, prefix string) *RedisStore {
	store := &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     address,
			Password: password,
			DB:       db,
		}),
		prefix: prefix,
	}
	config.InitLogger(&store.log, store)
	return store
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	store := &RedisStore{
		client: client,
		prefix: prefix,
	}
	config.InitLogger(&store.log, store)
	return store
}

// Ping verifies that the Redis server is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) indexKey(index string) string {
	return s.prefix + index
}

func (s *RedisStore) documentKey(index string, id string) string {
	return fmt.Sprintf("%s%s:%s", s.prefix, index, id)
}

func (s *RedisStore) Upsert(ctx context.Context, index string, id string, fields Document, cb func(error)) {
	values := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		encoded, err := json.Marshal(v)
		if err != nil {
			cb(errors.Wrapf(err, "failed to encode field \"%s\" of %s/%s", k, index, id))
			return
		}
		values = append(values, k, string(encoded))
	}

	go func() {
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(values) > 0 {
				pipe.HSet(ctx, s.documentKey(index, id), values...)
			}
			pipe.SAdd(ctx, s.indexKey(index), id)
			return nil
		})

		if err != nil {
			s.log.Warn("Failed to upsert %s/%s: %v", index, id, err)
			cb(errors.Wrapf(err, "failed to upsert %s/%s", index, id))
			return
		}

		cb(nil)
	}()
}

func (s *RedisStore) Get(ctx context.Context, index string, id string, cb func(Document, error)) {
	go func() {
		doc, err := s.get(ctx, index, id)
		cb(doc, err)
	}()
}

func (s *RedisStore) get(ctx context.Context, index string, id string) (Document, error) {
	raw, err := s.client.HGetAll(ctx, s.documentKey(index, id)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s/%s", index, id)
	}

	if len(raw) == 0 {
		return nil, ErrDocumentNotFound
	}

	return decodeDocument(raw)
}

func (s *RedisStore) List(ctx context.Context, index string, cb func(map[string]Document, error)) {
	go func() {
		ids, err := s.client.SMembers(ctx, s.indexKey(index)).Result()
		if err != nil {
			cb(nil, errors.Wrapf(err, "failed to list index %s", index))
			return
		}

		docs := make(map[string]Document, len(ids))
		for _, id := range ids {
			doc, err := s.get(ctx, index, id)
			if errors.Is(err, ErrDocumentNotFound) {
				continue
			}
			if err != nil {
				cb(nil, err)
				return
			}
			docs[id] = doc
		}

		cb(docs, nil)
	}()
}

func decodeDocument(raw map[string]string) (Document, error) {
	doc := make(Document, len(raw))
	for k, v := range raw {
		var value interface{}
		decoder := json.NewDecoder(bytes.NewReader([]byte(v)))
		decoder.UseNumber()
		if err := decoder.Decode(&value); err != nil {
			return nil, errors.Wrapf(err, "failed to decode field \"%s\"", k)
		}
		doc[k] = value
	}
	return doc, nil
}
