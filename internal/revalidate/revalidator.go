package revalidate

import (
	"context"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Revalidator invalidates cached renders for a route path after a
// mutation, so page collaborators observe fresh state on the next read.
type Revalidator interface {
	Revalidate(ctx context.Context, path string) error
}

// Noop satisfies Revalidator for deployments without a render cache.
type Noop struct{}

func (Noop) Revalidate(context.Context, string) error { return nil }

// RedisRevalidator drops the cached render entry for a path from the
// shared Redis render cache.
type RedisRevalidator struct {
	client *redis.Client
	prefix string
}

// NewRedisRevalidator connects the revalidator to the render cache.
func NewRedisRevalidator(addr, password, prefix string) (*RedisRevalidator, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("revalidator redis addr is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "companionhub:render"
	}
	return &RedisRevalidator{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		prefix: prefix,
	}, nil
}

// Revalidate deletes the cached render for the path. Deleting an absent
// key is a no-op, so paths that were never cached are fine.
func (r *RedisRevalidator) Revalidate(ctx context.Context, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return errors.New("revalidate path is required")
	}
	return r.client.Del(ctx, r.key(path)).Err()
}

func (r *RedisRevalidator) key(path string) string {
	return r.prefix + ":" + path
}
