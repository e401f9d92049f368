package admission

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/openbid/car-auction-backend/internal/infrastructure/cache"
	"github.com/openbid/car-auction-backend/internal/infrastructure/config"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

// SocketRecord is the per-socket descriptor kept in the cache while a
// connection is tracked.
type SocketRecord struct {
	Address     string    `json:"address"`
	UserID      string    `json:"user_id,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Stats reports current admission state for an address/identity pair.
type Stats struct {
	AddressConnections  int64
	IdentityConnections int64
	AddressBlocked      bool
	IdentityBlocked     bool
}

// Controller limits concurrent connections per client address and per
// identity, blocking offenders for a fixed duration. It fails open: when the
// cache is unreachable, admission is granted and a warning is logged, because
// availability of bidding outranks strict admission while the rate fabric is
// degraded.
type Controller struct {
	cache  cache.Cache
	logger *zap.Logger
	cfg    config.AdmissionConfig
}

func NewController(c cache.Cache, cfg config.AdmissionConfig, logger *zap.Logger) *Controller {
	return &Controller{cache: c, cfg: cfg, logger: logger}
}

// Check decides whether a new connection from addr (and, post-auth, identity)
// may be admitted. identity is empty for the pre-auth check.
func (c *Controller) Check(ctx context.Context, addr, identity string) Decision {
	if d, blocked := c.checkBlock(ctx, cache.AddrBlockPrefix+addr, "address temporarily blocked"); blocked {
		return d
	}
	if identity != "" {
		if d, blocked := c.checkBlock(ctx, cache.UserBlockPrefix+identity, "identity temporarily blocked"); blocked {
			return d
		}
	}

	if d, denied := c.checkCap(ctx, cache.AddrConnsPrefix+addr, cache.AddrBlockPrefix+addr,
		int64(c.cfg.MaxPerAddress), "too many connections from address"); denied {
		return d
	}
	if identity != "" {
		if d, denied := c.checkCap(ctx, cache.UserConnsPrefix+identity, cache.UserBlockPrefix+identity,
			int64(c.cfg.MaxPerIdentity), "too many connections for identity"); denied {
			return d
		}
	}

	return Decision{Allowed: true}
}

// checkBlock short-circuits on an existing TTL'd block flag.
func (c *Controller) checkBlock(ctx context.Context, key, reason string) (Decision, bool) {
	exists, err := c.cache.Exists(ctx, key)
	if err != nil {
		c.logger.Warn("admission check degraded, failing open", zap.Error(err))
		return Decision{Allowed: true}, false
	}
	if !exists {
		return Decision{}, false
	}

	retry := c.cfg.BlockDuration
	if ttl, err := c.cache.TTL(ctx, key); err == nil && ttl > 0 {
		retry = ttl
	}
	return Decision{Allowed: false, Reason: reason, RetryAfter: retry}, true
}

// checkCap denies and sets the block flag when admitting one more connection
// would exceed the cap.
func (c *Controller) checkCap(ctx context.Context, setKey, blockKey string, limit int64, reason string) (Decision, bool) {
	count, err := c.cache.SCard(ctx, setKey)
	if err != nil {
		c.logger.Warn("admission check degraded, failing open", zap.Error(err))
		return Decision{Allowed: true}, false
	}
	if count < limit {
		return Decision{}, false
	}

	if err := c.cache.Set(ctx, blockKey, time.Now().Format(time.RFC3339), c.cfg.BlockDuration); err != nil {
		c.logger.Warn("failed to set admission block flag", zap.Error(err))
	}
	c.logger.Info("admission denied",
		zap.String("key", setKey),
		zap.Int64("connections", count),
		zap.Int64("cap", limit))
	return Decision{Allowed: false, Reason: reason, RetryAfter: c.cfg.BlockDuration}, true
}

// Track records an admitted socket in the per-address and, if authenticated,
// per-identity sets, refreshes their TTL, and writes the socket descriptor.
func (c *Controller) Track(ctx context.Context, addr, socketID, identity string) error {
	addrKey := cache.AddrConnsPrefix + addr
	if err := c.cache.SAdd(ctx, addrKey, socketID); err != nil {
		return err
	}
	_ = c.cache.Expire(ctx, addrKey, c.cfg.TrackingWindow)
	if _, err := c.cache.Increment(ctx, cache.AddrCountPrefix+addr); err == nil {
		_ = c.cache.Expire(ctx, cache.AddrCountPrefix+addr, c.cfg.TrackingWindow)
	}

	if identity != "" {
		userKey := cache.UserConnsPrefix + identity
		if err := c.cache.SAdd(ctx, userKey, socketID); err != nil {
			return err
		}
		_ = c.cache.Expire(ctx, userKey, c.cfg.TrackingWindow)
		if _, err := c.cache.Increment(ctx, cache.UserCountPrefix+identity); err == nil {
			_ = c.cache.Expire(ctx, cache.UserCountPrefix+identity, c.cfg.TrackingWindow)
		}
	}

	record := SocketRecord{Address: addr, UserID: identity, ConnectedAt: time.Now()}
	return c.cache.SetJSON(ctx, cache.SocketPrefix+socketID, record, 0)
}

// Untrack reverses exactly what Track did for socketID, deleting sets that
// become empty along with the descriptor.
func (c *Controller) Untrack(ctx context.Context, socketID string) error {
	var record SocketRecord
	if err := c.cache.GetJSON(ctx, cache.SocketPrefix+socketID, &record); err != nil {
		// Unknown socket: descriptor expired or was never written.
		return nil
	}

	addrKey := cache.AddrConnsPrefix + record.Address
	_ = c.cache.SRem(ctx, addrKey, socketID)
	if n, err := c.cache.SCard(ctx, addrKey); err == nil && n == 0 {
		_ = c.cache.Delete(ctx, addrKey)
	}
	if n, err := c.cache.Decrement(ctx, cache.AddrCountPrefix+record.Address); err == nil && n <= 0 {
		_ = c.cache.Delete(ctx, cache.AddrCountPrefix+record.Address)
	}

	if record.UserID != "" {
		userKey := cache.UserConnsPrefix + record.UserID
		_ = c.cache.SRem(ctx, userKey, socketID)
		if n, err := c.cache.SCard(ctx, userKey); err == nil && n == 0 {
			_ = c.cache.Delete(ctx, userKey)
		}
		if n, err := c.cache.Decrement(ctx, cache.UserCountPrefix+record.UserID); err == nil && n <= 0 {
			_ = c.cache.Delete(ctx, cache.UserCountPrefix+record.UserID)
		}
	}

	return c.cache.Delete(ctx, cache.SocketPrefix+socketID)
}

// Stats reports live connection counts and block state.
func (c *Controller) Stats(ctx context.Context, addr, identity string) (*Stats, error) {
	s := &Stats{}
	var err error

	if s.AddressConnections, err = c.cache.SCard(ctx, cache.AddrConnsPrefix+addr); err != nil {
		return nil, err
	}
	if s.AddressBlocked, err = c.cache.Exists(ctx, cache.AddrBlockPrefix+addr); err != nil {
		return nil, err
	}
	if identity != "" {
		if s.IdentityConnections, err = c.cache.SCard(ctx, cache.UserConnsPrefix+identity); err != nil {
			return nil, err
		}
		if s.IdentityBlocked, err = c.cache.Exists(ctx, cache.UserBlockPrefix+identity); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Unblock administratively clears block flags.
func (c *Controller) Unblock(ctx context.Context, addr, identity string) error {
	if addr != "" {
		if err := c.cache.Delete(ctx, cache.AddrBlockPrefix+addr); err != nil {
			return err
		}
	}
	if identity != "" {
		if err := c.cache.Delete(ctx, cache.UserBlockPrefix+identity); err != nil {
			return err
		}
	}
	return nil
}
