package cache

import (
	"context"
	"time"
)

// Cache provides a generic caching interface with support for TTL, atomic
// operations and set bookkeeping.
type Cache interface {
	// Get retrieves a value by key
	Get(ctx context.Context, key string) (string, error)

	// Set stores a value with optional TTL
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Delete removes a key
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists
	Exists(ctx context.Context, key string) (bool, error)

	// SetNX sets a value only if the key doesn't exist (atomic)
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)

	// Increment atomically increments a numeric value
	Increment(ctx context.Context, key string) (int64, error)

	// Decrement atomically decrements a numeric value
	Decrement(ctx context.Context, key string) (int64, error)

	// Expire sets TTL on an existing key
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// TTL returns the remaining time to live of a key
	TTL(ctx context.Context, key string) (time.Duration, error)

	// SAdd adds members to a set
	SAdd(ctx context.Context, key string, members ...interface{}) error

	// SRem removes members from a set
	SRem(ctx context.Context, key string, members ...interface{}) error

	// SCard returns the cardinality of a set
	SCard(ctx context.Context, key string) (int64, error)

	// SMembers returns all members of a set
	SMembers(ctx context.Context, key string) ([]string, error)

	// GetJSON retrieves and unmarshals JSON data
	GetJSON(ctx context.Context, key string, dest interface{}) error

	// SetJSON marshals and stores JSON data
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Ping probes the backing store
	Ping(ctx context.Context) error

	// Close closes the cache connection
	Close() error
}

// Key prefixes for consistent cache key naming
const (
	LockPrefix           = "lock:auction:"
	SubmissionPrefix     = "bid:submission:"
	HighestBidPrefix     = "auction:highest:"
	SnapshotPrefix       = "auction:snapshot:"
	RateLimitPrefix      = "ratelimit:"
	AddrConnsPrefix      = "admission:conns:addr:"
	UserConnsPrefix      = "admission:conns:user:"
	AddrBlockPrefix      = "admission:block:addr:"
	UserBlockPrefix      = "admission:block:user:"
	SocketPrefix         = "admission:socket:"
	AddrCountPrefix      = "admission:count:addr:"
	UserCountPrefix      = "admission:count:user:"
)

// Pub/sub channel names used by the bid pipeline.
func AuctionBidsChannel(auctionID string) string {
	return "auction:" + auctionID + ":bids"
}

func AuctionEventsChannel(auctionID string) string {
	return "auction:" + auctionID + ":events"
}

const GlobalNotificationsChannel = "global:notifications"

// ErrCacheKeyNotFound is returned when a cache key doesn't exist
type ErrCacheKeyNotFound struct {
	Key string
}

func (e ErrCacheKeyNotFound) Error() string {
	return "cache key not found: " + e.Key
}
