package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/hold_seats.lua
var holdSeatsScript string

//go:embed scripts/release_holds.lua
var releaseHoldsScript string

//go:embed scripts/extend_holds.lua
var extendHoldsScript string

//go:embed scripts/release_lock.lua
var releaseLockScript string

//go:embed scripts/renew_lock.lua
var renewLockScript string

type Client struct {
	rdb           *redis.Client
	holdScript    *redis.Script
	releaseScript *redis.Script
	extendScript  *redis.Script
	unlockScript  *redis.Script
	renewScript   *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:           rdb,
		holdScript:    redis.NewScript(holdSeatsScript),
		releaseScript: redis.NewScript(releaseHoldsScript),
		extendScript:  redis.NewScript(extendHoldsScript),
		unlockScript:  redis.NewScript(releaseLockScript),
		renewScript:   redis.NewScript(renewLockScript),
	}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func seatHoldKey(seatID string) string {
	return fmt.Sprintf("hold:seat:%s", seatID)
}

func lockKey(resource string) string {
	return fmt.Sprintf("lock:%s", resource)
}

func offerReserveKey(entryID string) string {
	return fmt.Sprintf("offer:reserve:%s", entryID)
}

// HoldSeats atomically places a TTL-scoped hold on every listed seat.
// Partial success is not possible: if any seat carries a live foreign hold
// the whole request is rejected and no key is written.
func (c *Client) HoldSeats(ctx context.Context, seatIDs []string, holder string, ttl time.Duration) (bool, error) {
	keys := make([]string, len(seatIDs))
	for i, id := range seatIDs {
		keys[i] = seatHoldKey(id)
	}

	result, err := c.holdScript.Run(ctx, c.rdb, keys, holder, ttl.Milliseconds()).Result()
	if err != nil {
		return false, fmt.Errorf("hold seats script failed: %w", err)
	}

	held, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected script result type")
	}
	return held == 1, nil
}

// ReleaseHolds releases the holder's holds on the listed seats. A no-op
// against expired or already-released holds; never errors on double release.
func (c *Client) ReleaseHolds(ctx context.Context, seatIDs []string, holder string) error {
	if len(seatIDs) == 0 {
		return nil
	}
	keys := make([]string, len(seatIDs))
	for i, id := range seatIDs {
		keys[i] = seatHoldKey(id)
	}

	if _, err := c.releaseScript.Run(ctx, c.rdb, keys, holder).Result(); err != nil {
		return fmt.Errorf("release holds script failed: %w", err)
	}
	return nil
}

// ExtendHolds pushes out the expiry of the holder's seat holds. Returns false
// when any hold already lapsed; a partially expired set is never revived.
func (c *Client) ExtendHolds(ctx context.Context, seatIDs []string, holder string, ttl time.Duration) (bool, error) {
	keys := make([]string, len(seatIDs))
	for i, id := range seatIDs {
		keys[i] = seatHoldKey(id)
	}

	result, err := c.extendScript.Run(ctx, c.rdb, keys, holder, ttl.Milliseconds()).Result()
	if err != nil {
		return false, fmt.Errorf("extend holds script failed: %w", err)
	}

	extended, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected script result type")
	}
	return extended == 1, nil
}

// AcquireLock takes a TTL-leased lock on a resource key. The lease expires on
// its own, so a crashed holder cannot wedge the resource.
func (c *Client) AcquireLock(ctx context.Context, resource, holder string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, lockKey(resource), holder, ttl).Result()
}

// ReleaseLock releases a lock if this holder still owns it. Idempotent.
func (c *Client) ReleaseLock(ctx context.Context, resource, holder string) error {
	if _, err := c.unlockScript.Run(ctx, c.rdb, []string{lockKey(resource)}, holder).Result(); err != nil {
		return fmt.Errorf("release lock script failed: %w", err)
	}
	return nil
}

// RenewLock extends the lease on a lock this holder owns
func (c *Client) RenewLock(ctx context.Context, resource, holder string, ttl time.Duration) (bool, error) {
	result, err := c.renewScript.Run(ctx, c.rdb, []string{lockKey(resource)}, holder, ttl.Milliseconds()).Result()
	if err != nil {
		return false, fmt.Errorf("renew lock script failed: %w", err)
	}
	renewed, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected script result type")
	}
	return renewed == 1, nil
}

// PlaceOfferReserve soft-reserves promoted capacity for a waitlist offer.
// The key lives exactly as long as the acceptance window, so an unclaimed
// reserve disappears on its own.
func (c *Client) PlaceOfferReserve(ctx context.Context, entryID string, qty int, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, offerReserveKey(entryID), strconv.Itoa(qty), ttl).Result()
}

// TakeOfferReserve consumes an offer's soft reserve. Returns false when the
// reserve already lapsed, meaning the claim arrived too late.
func (c *Client) TakeOfferReserve(ctx context.Context, entryID string) (bool, error) {
	n, err := c.rdb.Del(ctx, offerReserveKey(entryID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to take offer reserve: %w", err)
	}
	return n > 0, nil
}
