package fx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// LockedRate is a rate snapshot taken when a conversion was performed. Ledger
// entries store it permanently; the cache only shortens the path to it.
type LockedRate struct {
	Rate     float64   `json:"rate"`
	LockedAt time.Time `json:"lockedAt"`
}

// Cache stores rates per currency pair in redis. Entries are written whole
// and replaced whole; readers never observe partial updates. Crypto pairs
// expire on the short TTL, fiat pairs on the long one.
type Cache struct {
	client    *redis.Client
	fiatTTL   time.Duration
	cryptoTTL time.Duration
	clock     func() time.Time
}

// NewCache constructs the pair cache.
func NewCache(client *redis.Client, fiatTTL, cryptoTTL time.Duration) *Cache {
	return &Cache{
		client:    client,
		fiatTTL:   fiatTTL,
		cryptoTTL: cryptoTTL,
		clock:     func() time.Time { return time.Now().UTC() },
	}
}

func (c *Cache) key(pair Pair) string {
	return fmt.Sprintf("fx:rate:%s:%s", pair.From, pair.To)
}

// TTLFor returns the expiry applied to a pair.
func (c *Cache) TTLFor(pair Pair) time.Duration {
	if pair.Volatile() {
		return c.cryptoTTL
	}
	return c.fiatTTL
}

// Get returns the cached rate for the pair when present.
func (c *Cache) Get(ctx context.Context, pair Pair) (LockedRate, bool, error) {
	if c == nil || c.client == nil {
		return LockedRate{}, false, nil
	}
	payload, err := c.client.Get(ctx, c.key(pair)).Bytes()
	if errors.Is(err, redis.Nil) {
		return LockedRate{}, false, nil
	}
	if err != nil {
		return LockedRate{}, false, fmt.Errorf("fx: cache get %s: %w", pair, err)
	}
	var locked LockedRate
	if err := json.Unmarshal(payload, &locked); err != nil {
		return LockedRate{}, false, fmt.Errorf("fx: cache decode %s: %w", pair, err)
	}
	return locked, true, nil
}

// Put replaces the cached rate for the pair.
func (c *Cache) Put(ctx context.Context, pair Pair, rate float64) (LockedRate, error) {
	locked := LockedRate{Rate: rate, LockedAt: c.now()}
	if c == nil || c.client == nil {
		return locked, nil
	}
	payload, err := json.Marshal(locked)
	if err != nil {
		return locked, err
	}
	if err := c.client.Set(ctx, c.key(pair), payload, c.TTLFor(pair)).Err(); err != nil {
		return locked, fmt.Errorf("fx: cache put %s: %w", pair, err)
	}
	return locked, nil
}

func (c *Cache) now() time.Time {
	if c == nil || c.clock == nil {
		return time.Now().UTC()
	}
	return c.clock()
}
