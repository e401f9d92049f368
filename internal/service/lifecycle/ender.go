package lifecycle

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openbid/car-auction-backend/internal/domain/auction"
	"github.com/openbid/car-auction-backend/internal/domain/bid"
	"github.com/openbid/car-auction-backend/internal/infrastructure/cache"
	"github.com/openbid/car-auction-backend/internal/infrastructure/queue"
	"github.com/openbid/car-auction-backend/internal/infrastructure/repository"
	"github.com/openbid/car-auction-backend/internal/metrics"
	"github.com/openbid/car-auction-backend/internal/service/bidding"
)

// AuctionLifecycleStore is the sweep capability the ender depends on.
type AuctionLifecycleStore interface {
	ActivateDue(ctx context.Context, now time.Time) ([]*auction.Auction, error)
	EndDue(ctx context.Context, now time.Time) ([]*auction.Auction, error)
}

// WinningBidStore resolves the winning bid of an ended auction.
type WinningBidStore interface {
	GetWinning(ctx context.Context, auctionID uuid.UUID) (*bid.Bid, error)
}

// Ender drives the PENDING->ACTIVE and ACTIVE->ENDED transitions on a timer
// and publishes auction-end events for the gateways to broadcast. It is safe
// to run on every instance: the sweeps are conditional updates, so each
// auction transitions exactly once.
type Ender struct {
	auctions AuctionLifecycleStore
	bids     WinningBidStore
	events   bidding.EventPublisher
	notifier bidding.QueuePublisher
	logger   *zap.Logger
	tick     time.Duration
	now      func() time.Time
}

func NewEnder(
	auctions AuctionLifecycleStore,
	bids WinningBidStore,
	events bidding.EventPublisher,
	notifier bidding.QueuePublisher,
	tick time.Duration,
	logger *zap.Logger,
) *Ender {
	return &Ender{
		auctions: auctions,
		bids:     bids,
		events:   events,
		notifier: notifier,
		logger:   logger,
		tick:     tick,
		now:      time.Now,
	}
}

// Run blocks until ctx is done, sweeping once per tick.
func (e *Ender) Run(ctx context.Context) {
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Sweep(ctx)
		}
	}
}

// Sweep performs one lifecycle pass.
func (e *Ender) Sweep(ctx context.Context) {
	now := e.now()

	activated, err := e.auctions.ActivateDue(ctx, now)
	if err != nil {
		e.logger.Error("activating due auctions failed", zap.Error(err))
	}
	for _, a := range activated {
		e.logger.Info("auction activated",
			zap.String("auction_id", a.ID.String()),
			zap.Time("end_time", a.EndTime))
	}

	ended, err := e.auctions.EndDue(ctx, now)
	if err != nil {
		e.logger.Error("ending due auctions failed", zap.Error(err))
		return
	}
	for _, a := range ended {
		e.publishEnd(ctx, a)
	}
}

func (e *Ender) publishEnd(ctx context.Context, a *auction.Auction) {
	metrics.AuctionsEnded.Inc()

	event := bidding.Event{
		Type:      bidding.EventAuctionEnd,
		AuctionID: a.ID,
		Amount:    a.CurrentHighestBid,
		WinnerID:  a.WinnerID,
		Timestamp: e.now(),
	}

	// The winning bid record carries the canonical winner; the auction row is
	// authoritative but the username is worth resolving for the broadcast.
	if winning, err := e.bids.GetWinning(ctx, a.ID); err == nil {
		event.BidID = winning.ID
		event.Amount = winning.Amount
	} else if !stderrors.Is(err, repository.ErrNotFound) {
		e.logger.Warn("resolving winning bid failed",
			zap.String("auction_id", a.ID.String()),
			zap.Error(err))
	}

	if err := e.events.Publish(ctx, cache.AuctionEventsChannel(a.ID.String()), event); err != nil {
		e.logger.Error("publishing auction end failed",
			zap.String("auction_id", a.ID.String()),
			zap.Error(err))
	}

	entry := &queue.AuditEntry{
		Action:    queue.AuditAuctionEnded,
		AuctionID: a.ID,
		Amount:    a.CurrentHighestBid,
		Success:   true,
		At:        e.now(),
	}
	if a.WinnerID != nil {
		entry.UserID = *a.WinnerID
	}
	if err := e.notifier.PublishAudit(ctx, entry); err != nil {
		e.logger.Warn("publishing auction end audit failed", zap.Error(err))
	}

	e.logger.Info("auction ended",
		zap.String("auction_id", a.ID.String()),
		zap.Int64("winning_bid", a.CurrentHighestBid))
}
