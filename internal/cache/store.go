package cache

import (
	"context"
	"time"
)

// Store is the key/value backend behind Cache. Get reports a miss with
// found == false and a nil error. Failures to reach the backend are
// errors.ErrTransport.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) (int64, error)
	// DeletePattern removes every key matching a glob pattern such as
	// "posts:*" and returns how many were removed.
	DeletePattern(ctx context.Context, pattern string) (int64, error)
	Ping(ctx context.Context) error
}
