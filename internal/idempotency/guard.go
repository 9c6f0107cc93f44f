// Package idempotency keeps a short-lived record of which event owns an idempotency key.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long a claimed key is remembered.
const DefaultTTL = 24 * time.Hour

const claimRetries = 3

// releaseScript deletes the key only if it still points at the caller's event.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Claim is the result of Guard.Claim. EventID is the caller's id when Acquired,
// the id of the event that already owns the key otherwise.
type Claim struct {
	Acquired bool
	EventID  uuid.UUID
}

// Guard maps (destination, key) pairs to event ids in Redis.
type Guard struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// NewGuard returns a Guard; a ttl of zero or less means DefaultTTL.
func NewGuard(rdb redis.Cmdable, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{rdb: rdb, ttl: ttl}
}

// Key returns the Redis key for an idempotency key on a destination.
func Key(destinationID uuid.UUID, key string) string {
	return "idemp:" + destinationID.String() + ":" + key
}

// Lookup returns the event id recorded for key, if any.
func (g *Guard) Lookup(ctx context.Context, key string, destinationID uuid.UUID) (uuid.UUID, bool, error) {
	v, err := g.rdb.Get(ctx, Key(destinationID, key)).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("idempotency lookup: %w", err)
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("idempotency lookup: corrupt value %q: %w", v, err)
	}
	return id, true, nil
}

// Claim atomically records eventID for key unless another event already holds it.
func (g *Guard) Claim(ctx context.Context, key string, destinationID, eventID uuid.UUID) (Claim, error) {
	rk := Key(destinationID, key)

	for i := 0; i < claimRetries; i++ {
		ok, err := g.rdb.SetNX(ctx, rk, eventID.String(), g.ttl).Result()
		if err != nil {
			return Claim{}, fmt.Errorf("idempotency claim: %w", err)
		}
		if ok {
			return Claim{Acquired: true, EventID: eventID}, nil
		}

		winner, found, err := g.Lookup(ctx, key, destinationID)
		if err != nil {
			return Claim{}, err
		}
		if found {
			return Claim{Acquired: false, EventID: winner}, nil
		}
		// the winner's key expired between SETNX and GET
	}
	return Claim{}, fmt.Errorf("idempotency claim: key %s kept vanishing", rk)
}

// Release removes the claim for key if it is still held by eventID.
func (g *Guard) Release(ctx context.Context, key string, destinationID, eventID uuid.UUID) error {
	if err := releaseScript.Run(ctx, g.rdb, []string{Key(destinationID, key)}, eventID.String()).Err(); err != nil {
		return fmt.Errorf("idempotency release: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func (g *Guard) Ping(ctx context.Context) error {
	return g.rdb.Ping(ctx).Err()
}
