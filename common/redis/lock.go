package redis

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// releaseScript deletes the lock key only when the stored token matches,
// so an expired lock reacquired by another holder is never released by us.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// Lock is a best-effort distributed lock backed by SETNX with a TTL.
// Holders crash-safe: the TTL bounds how long a dead holder blocks others.
type Lock struct {
	client *Client
	key    string
	token  string
	ttl    time.Duration
}

// NewLock creates a lock handle for key. Acquire must be called before use.
func NewLock(client *Client, key string, ttl time.Duration) *Lock {
	return &Lock{
		client: client,
		key:    key,
		token:  uuid.NewString(),
		ttl:    ttl,
	}
}

// Acquire attempts to take the lock. Returns false without error when
// another holder already has it.
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.token, l.ttl)
}

// Release frees the lock if we still hold it.
func (l *Lock) Release(ctx context.Context) error {
	_, err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.token)
	return err
}

// TryWithLock runs fn while holding the lock. When the lock is held elsewhere
// the function is skipped and (false, nil) is returned.
func TryWithLock(ctx context.Context, client *Client, key string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error) {
	lock := NewLock(client, key, ttl)
	ok, err := lock.Acquire(ctx)
	if err != nil || !ok {
		return false, err
	}
	defer lock.Release(context.WithoutCancel(ctx))
	return true, fn(ctx)
}
