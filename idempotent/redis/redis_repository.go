// Package redis provides a Redis implementation of the idempotent.Repository interface.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"readlock"
	"readlock/idempotent"
)

// Ensure Repository implements idempotent.Repository
var _ idempotent.Repository = (*Repository)(nil)

const confirmedPrefix = "confirmed:"

// Claims are only released by their owner. KEYS[1] is the key, ARGV[1] the
// owner and ARGV[2] the owner's confirmed value.
const removeSource = `
local v = redis.call("GET", KEYS[1])
if v == ARGV[1] or v == ARGV[2] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

// ARGV[3] is the confirmed key TTL in milliseconds, 0 for none.
const confirmSource = `
local v = redis.call("GET", KEYS[1])
if v ~= ARGV[1] and v ~= ARGV[2] then
	return 0
end
if tonumber(ARGV[3]) > 0 then
	redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
else
	redis.call("SET", KEYS[1], ARGV[2])
end
return 1
`

var (
	removeScript  = redis.NewScript(removeSource)
	confirmScript = redis.NewScript(confirmSource)
)

// Repository stores idempotent keys in Redis. A claim is a SET NX of the
// owner token, which is atomic on the server, so every node sharing the
// Redis instance sees the same winner. Remove and Confirm compare the token
// in a script, so a node never releases a claim it no longer holds.
type Repository struct {
	client     redis.Cmdable
	prefix     string
	owner      string
	claimTTL   time.Duration
	confirmTTL time.Duration
	scanCount  int64
}

// Option is a functional option for configuring Repository
type Option func(*Repository)

// WithPrefix sets the key prefix
func WithPrefix(prefix string) Option {
	return func(r *Repository) {
		r.prefix = prefix
	}
}

// WithClaimTTL expires pending claims, so a crashed owner does not block a
// file forever. Zero keeps claims until they are removed or confirmed.
func WithClaimTTL(ttl time.Duration) Option {
	return func(r *Repository) {
		r.claimTTL = ttl
	}
}

// WithConfirmTTL expires confirmed keys. Zero keeps them forever.
func WithConfirmTTL(ttl time.Duration) Option {
	return func(r *Repository) {
		r.confirmTTL = ttl
	}
}

// WithOwner sets the value written for pending claims. Defaults to a random UUID.
func WithOwner(owner string) Option {
	return func(r *Repository) {
		r.owner = owner
	}
}

// New creates a Redis-backed idempotent repository.
func New(client redis.Cmdable, opts ...Option) *Repository {
	r := &Repository{
		client:    client,
		prefix:    "readlock:idempotent:",
		owner:     uuid.New().String(),
		scanCount: 100,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add claims key using SET NX.
func (r *Repository) Add(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.prefix+key, r.owner, r.claimTTL).Result()
	if err != nil {
		return false, fmt.Errorf("%w: add %s: %v", readlock.ErrRepositoryUnavailable, key, err)
	}
	return ok, nil
}

// Contains reports whether key exists.
func (r *Repository) Contains(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("%w: contains %s: %v", readlock.ErrRepositoryUnavailable, key, err)
	}
	return n > 0, nil
}

// Remove deletes key if this repository claimed or confirmed it. A claim
// that expired and was taken by another owner is left alone.
func (r *Repository) Remove(ctx context.Context, key string) (bool, error) {
	n, err := removeScript.Run(ctx, r.client, []string{r.prefix + key}, r.owner, r.confirmed()).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: remove %s: %v", readlock.ErrRepositoryUnavailable, key, err)
	}
	return n > 0, nil
}

// Confirm replaces this repository's pending claim on key with the
// confirmed marker. It reports false if the claim is missing or owned by
// someone else.
func (r *Repository) Confirm(ctx context.Context, key string) (bool, error) {
	n, err := confirmScript.Run(ctx, r.client, []string{r.prefix + key},
		r.owner, r.confirmed(), r.confirmTTL.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: confirm %s: %v", readlock.ErrRepositoryUnavailable, key, err)
	}
	return n > 0, nil
}

// confirmed is the value stored for keys this repository confirmed.
func (r *Repository) confirmed() string {
	return confirmedPrefix + r.owner
}

// Clear deletes every key under the prefix.
func (r *Repository) Clear(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.prefix+"*", r.scanCount).Result()
		if err != nil {
			return fmt.Errorf("%w: scan: %v", readlock.ErrRepositoryUnavailable, err)
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("%w: clear: %v", readlock.ErrRepositoryUnavailable, err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
