// Package tokenstore implements the single-use lookup of a JobEnvelope
// token by id: fetch the encrypted token once, and make sure no second
// request can ever observe it again. Grounded on the original engine's
// main.py::FilePipelineServer.process_pipeline, which does a Redis GET
// immediately followed by a DELETE.
package tokenstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/oarepo/file-pipeline-engine/errors"
)

// RedisClient is the subset of *redis.Client the store needs, so tests can
// substitute a miniredis-backed client or a hand-written fake.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// Store fetches a token by id and deletes it immediately afterwards, so a
// later request for the same id misses. The GET and the DEL are two separate
// commands, not one atomic operation: two requests racing on the same id can
// both read the token before either deletes it.
type Store struct {
	client RedisClient
}

// New wraps client.
func New(client RedisClient) *Store { return &Store{client: client} }

// NewRedis builds a Store backed by a real Redis server at addr/db.
func NewRedis(addr string, db int) *Store {
	return New(redis.NewClient(&redis.Options{Addr: addr, DB: db}))
}

// Ping verifies connectivity to the backing store, used at startup the way
// the original engine calls redis_client.ping() before serving requests.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return apperrors.Transient("tokenstore.ping", err)
	}
	return nil
}

// Take fetches the JobEnvelope token stored under id and deletes it, so a
// replayed request for the same id observes CategoryNotFound.
func (s *Store) Take(ctx context.Context, id string) (string, error) {
	val, err := s.client.Get(ctx, id).Result()
	if errors.Is(err, redis.Nil) {
		return "", apperrors.New(apperrors.CategoryNotFound, "tokenstore.take", apperrors.ErrTokenNotFound)
	}
	if err != nil {
		return "", apperrors.Transient("tokenstore.take", err)
	}

	if delErr := s.client.Del(ctx, id).Err(); delErr != nil {
		return "", apperrors.Transient("tokenstore.take.delete", fmt.Errorf("token was read but could not be invalidated: %w", delErr))
	}
	return val, nil
}
