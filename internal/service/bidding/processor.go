package bidding

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openbid/car-auction-backend/internal/domain/auction"
	"github.com/openbid/car-auction-backend/internal/domain/bid"
	"github.com/openbid/car-auction-backend/internal/domain/errors"
	"github.com/openbid/car-auction-backend/internal/infrastructure/cache"
	"github.com/openbid/car-auction-backend/internal/infrastructure/config"
	"github.com/openbid/car-auction-backend/internal/infrastructure/queue"
	"github.com/openbid/car-auction-backend/internal/infrastructure/repository"
	"github.com/openbid/car-auction-backend/internal/metrics"
)

// Processor is the single authoritative arbiter of bid acceptance: the only
// component that writes bid records and advances auction highest-bid state.
// One logical processor serves the whole deployment; the per-auction
// distributed lock serializes bids globally across instances.
type Processor struct {
	auctions AuctionStore
	bids     BidStore
	users    UserStore
	cache    cache.Cache
	lock     Locker
	events   EventPublisher
	notifier QueuePublisher
	logger   *zap.Logger
	cfg      config.BiddingConfig

	workerID string
	now      func() time.Time
}

func NewProcessor(
	auctions AuctionStore,
	bids BidStore,
	users UserStore,
	c cache.Cache,
	lock Locker,
	events EventPublisher,
	notifier QueuePublisher,
	cfg config.BiddingConfig,
	logger *zap.Logger,
) *Processor {
	host, _ := os.Hostname()
	return &Processor{
		auctions: auctions,
		bids:     bids,
		users:    users,
		cache:    c,
		lock:     lock,
		events:   events,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		workerID: fmt.Sprintf("%s-%s", host, uuid.New().String()[:8]),
		now:      time.Now,
	}
}

// HandleEnvelope is the bid-placed queue consumer. A returned error nacks
// the delivery without requeue so it dead-letters; the client retries via
// user action.
func (p *Processor) HandleEnvelope(ctx context.Context, env *queue.BidEnvelope) error {
	// Duplicate deliveries are dropped by submission id before any work. A
	// reservation failure is not fatal: the lock and the conditional update
	// still keep state consistent.
	if env.SubmissionID != uuid.Nil {
		fresh, err := p.cache.SetNX(ctx, cache.SubmissionPrefix+env.SubmissionID.String(), p.workerID, p.cfg.DedupWindow)
		if err != nil {
			p.logger.Warn("submission dedup degraded", zap.Error(err))
		} else if !fresh {
			p.logger.Info("duplicate submission dropped",
				zap.String("submission_id", env.SubmissionID.String()),
				zap.String("auction_id", env.AuctionID.String()))
			return nil
		}
	}

	_, err := p.process(ctx, env)
	return err
}

// PlaceDirect runs the same acceptance routine synchronously for the HTTP
// fallback path. Every validation step and side effect is shared with the
// queue path, lock included.
func (p *Processor) PlaceDirect(ctx context.Context, auctionID, userID uuid.UUID, amount int64) (*bid.Bid, error) {
	env := &queue.BidEnvelope{
		SubmissionID: uuid.New(),
		AuctionID:    auctionID,
		UserID:       userID,
		Amount:       amount,
		SubmittedAt:  p.now(),
	}
	return p.process(ctx, env)
}

// process serializes on the auction lock, validates against authoritative
// state, writes durably and fans results out.
func (p *Processor) process(ctx context.Context, env *queue.BidEnvelope) (*bid.Bid, error) {
	lockKey := cache.LockPrefix + env.AuctionID.String()
	acquired, err := p.lock.Acquire(ctx, lockKey, p.workerID, p.cfg.LockTTL)
	if err != nil {
		return nil, errors.NewInternalError("acquiring auction lock").WithCause(err)
	}
	if !acquired {
		metrics.LockContention.Inc()
		p.logger.Warn("auction lock busy",
			zap.String("auction_id", env.AuctionID.String()),
			zap.String("worker_id", p.workerID))
		return nil, errors.ErrLockBusy
	}
	defer func() {
		if _, err := p.lock.Release(context.WithoutCancel(ctx), lockKey, p.workerID); err != nil {
			p.logger.Error("releasing auction lock failed", zap.Error(err))
		}
	}()

	accepted, a, prev, err := p.accept(ctx, env)
	if err != nil {
		metrics.BidsRejected.WithLabelValues(rejectionReason(err)).Inc()
		p.reportRejection(ctx, env, err)
		return nil, err
	}

	metrics.BidsAccepted.Inc()
	p.publishAcceptance(ctx, env, accepted, a, prev)
	return accepted, nil
}

// accept performs steps 2-8: load, window check, minimum check, user check,
// then the atomic write.
func (p *Processor) accept(ctx context.Context, env *queue.BidEnvelope) (*bid.Bid, *auction.Auction, *bid.Bid, error) {
	a, err := p.auctions.GetByID(ctx, env.AuctionID)
	if err != nil {
		if stderrors.Is(err, repository.ErrNotFound) {
			return nil, nil, nil, errors.ErrAuctionNotFound
		}
		return nil, nil, nil, errors.NewInternalError("loading auction").WithCause(err)
	}

	if a.Status != auction.StatusActive {
		return nil, nil, nil, errors.ErrAuctionNotActive
	}

	now := p.now()
	if now.Before(a.StartTime) {
		return nil, nil, nil, errors.ErrAuctionNotStarted
	}
	if !now.Before(a.EndTime) {
		return nil, nil, nil, errors.ErrAuctionEnded
	}

	minAccepted := a.MinimumAcceptable(p.cfg.MinIncrement)
	if env.Amount < minAccepted {
		return nil, nil, nil, errors.NewBusinessError("BID_TOO_LOW",
			fmt.Sprintf("bid must be at least %d", minAccepted))
	}

	u, err := p.users.GetByID(ctx, env.UserID)
	if err != nil {
		if stderrors.Is(err, repository.ErrNotFound) {
			return nil, nil, nil, errors.ErrUserNotFound
		}
		return nil, nil, nil, errors.NewInternalError("loading user").WithCause(err)
	}
	env.Username = u.Username

	// Previous winner, for the outbid notification.
	prev, err := p.bids.GetWinning(ctx, env.AuctionID)
	if err != nil && !stderrors.Is(err, repository.ErrNotFound) {
		return nil, nil, nil, errors.NewInternalError("loading winning bid").WithCause(err)
	}

	accepted := bid.NewAccepted(env.AuctionID, env.UserID, env.Amount)
	if err := p.bids.Accept(ctx, accepted); err != nil {
		if stderrors.Is(err, repository.ErrConflict) {
			// Lost the guard: the highest bid advanced while we held (or had
			// lost) the lock. Surfaced exactly like a too-low bid.
			return nil, nil, nil, errors.NewBusinessError("BID_TOO_LOW", "bid below current highest")
		}
		return nil, nil, nil, errors.NewInternalError("writing bid").WithCause(err)
	}

	a.CurrentHighestBid = accepted.Amount
	a.WinnerID = &accepted.UserID
	a.BidCount++
	a.UpdatedAt = accepted.Timestamp

	return accepted, a, prev, nil
}

// publishAcceptance caches snapshots and fans the result out. All of it is
// best-effort: the bid is already durable.
func (p *Processor) publishAcceptance(ctx context.Context, env *queue.BidEnvelope, accepted *bid.Bid, a *auction.Auction, prev *bid.Bid) {
	auctionID := env.AuctionID.String()

	if err := p.cache.SetJSON(ctx, cache.HighestBidPrefix+auctionID, accepted, p.cfg.SnapshotBidTTL); err != nil {
		p.logger.Warn("caching highest bid failed", zap.Error(err))
	}
	if err := p.cache.SetJSON(ctx, cache.SnapshotPrefix+auctionID, a, p.cfg.SnapshotAucTTL); err != nil {
		p.logger.Warn("caching auction snapshot failed", zap.Error(err))
	}

	update := Event{
		Type:      EventBidUpdate,
		AuctionID: env.AuctionID,
		BidID:     accepted.ID,
		UserID:    accepted.UserID,
		Username:  env.Username,
		Amount:    accepted.Amount,
		BidCount:  a.BidCount,
		Timestamp: accepted.Timestamp,
	}
	if err := p.events.Publish(ctx, cache.AuctionBidsChannel(auctionID), update); err != nil {
		p.logger.Error("publishing bid update failed", zap.Error(err))
	}

	// Outbid goes to the whole room; clients ignore events naming themselves.
	if prev != nil && prev.UserID != accepted.UserID {
		outbid := Event{
			Type:      EventOutbid,
			AuctionID: env.AuctionID,
			UserID:    accepted.UserID,
			Username:  env.Username,
			Amount:    accepted.Amount,
			Timestamp: accepted.Timestamp,
		}
		if err := p.events.Publish(ctx, cache.AuctionBidsChannel(auctionID), outbid); err != nil {
			p.logger.Error("publishing outbid event failed", zap.Error(err))
		}
		p.notify(ctx, &queue.Notification{
			Type:      queue.NotificationOutbid,
			UserID:    prev.UserID,
			AuctionID: env.AuctionID,
			Amount:    accepted.Amount,
			CreatedAt: accepted.Timestamp,
		})
	}

	p.notify(ctx, &queue.Notification{
		Type:      queue.NotificationBidSuccess,
		UserID:    accepted.UserID,
		AuctionID: env.AuctionID,
		Amount:    accepted.Amount,
		CreatedAt: accepted.Timestamp,
	})

	p.audit(ctx, &queue.AuditEntry{
		Action:    queue.AuditBidPlaced,
		AuctionID: env.AuctionID,
		UserID:    accepted.UserID,
		Amount:    accepted.Amount,
		Success:   true,
		At:        accepted.Timestamp,
	})
}

// reportRejection notifies the originating identity and audits the failure.
func (p *Processor) reportRejection(ctx context.Context, env *queue.BidEnvelope, cause error) {
	reason := cause.Error()
	var appErr *errors.AppError
	if stderrors.As(cause, &appErr) {
		reason = appErr.Message
	}

	p.logger.Info("bid rejected",
		zap.String("auction_id", env.AuctionID.String()),
		zap.String("user_id", env.UserID.String()),
		zap.Int64("amount", env.Amount),
		zap.String("reason", reason))

	p.notify(ctx, &queue.Notification{
		Type:      queue.NotificationBidFailed,
		UserID:    env.UserID,
		AuctionID: env.AuctionID,
		Amount:    env.Amount,
		Reason:    reason,
		CreatedAt: p.now(),
	})

	p.audit(ctx, &queue.AuditEntry{
		Action:    queue.AuditBidPlaced,
		AuctionID: env.AuctionID,
		UserID:    env.UserID,
		Amount:    env.Amount,
		Success:   false,
		Reason:    reason,
		At:        p.now(),
	})
}

func (p *Processor) notify(ctx context.Context, n *queue.Notification) {
	if err := p.notifier.PublishNotification(ctx, n); err != nil {
		p.logger.Warn("publishing notification failed",
			zap.String("type", string(n.Type)),
			zap.Error(err))
	}
}

func (p *Processor) audit(ctx context.Context, a *queue.AuditEntry) {
	if err := p.notifier.PublishAudit(ctx, a); err != nil {
		p.logger.Warn("publishing audit entry failed", zap.Error(err))
	}
}

func rejectionReason(err error) string {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return "INTERNAL"
}
