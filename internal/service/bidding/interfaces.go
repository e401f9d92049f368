package bidding

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/openbid/car-auction-backend/internal/domain/auction"
	"github.com/openbid/car-auction-backend/internal/domain/bid"
	"github.com/openbid/car-auction-backend/internal/domain/user"
	"github.com/openbid/car-auction-backend/internal/infrastructure/queue"
)

// AuctionStore is the narrow auction capability the processor depends on.
// The concrete repository is wired once at startup, so no package cycle
// between auctions and bids exists.
type AuctionStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*auction.Auction, error)
}

// BidStore writes and reads bid records. Accept must be atomic: conditional
// highest-bid advance, winning insert and outbid sweep in one transaction.
type BidStore interface {
	Accept(ctx context.Context, b *bid.Bid) error
	GetWinning(ctx context.Context, auctionID uuid.UUID) (*bid.Bid, error)
}

// BidQuery is the read-side capability the HTTP surface depends on.
type BidQuery interface {
	ListByAuction(ctx context.Context, auctionID uuid.UUID, limit, offset int) ([]*bid.Bid, error)
}

// UserStore resolves bid owners.
type UserStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*user.User, error)
}

// Locker is the distributed mutex primitive serializing bids per auction.
type Locker interface {
	Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, holder string) (bool, error)
}

// EventPublisher fans results out to gateway instances.
type EventPublisher interface {
	Publish(ctx context.Context, channel string, v interface{}) error
}

// QueuePublisher emits notification and audit messages. Both are best-effort
// from the processor's point of view and must never block acceptance.
type QueuePublisher interface {
	PublishNotification(ctx context.Context, n *queue.Notification) error
	PublishAudit(ctx context.Context, a *queue.AuditEntry) error
}
