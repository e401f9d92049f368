package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openbid/car-auction-backend/internal/domain/bid"
)

// BidRepository persists bid records. Accept is the single write path used by
// the bid processor; everything else is read-side.
type BidRepository struct {
	db *pgxpool.Pool
}

func NewBidRepository(db *pgxpool.Pool) *BidRepository {
	return &BidRepository{db: db}
}

const bidColumns = `
	id, auction_id, user_id, amount, bid_time, is_winning, status, created_at, updated_at`

// Accept records an accepted bid atomically: the auction's highest bid is
// advanced under its guard, the bid row is inserted as winning, and every
// prior winning bid for the auction is swept to OUTBID. Returns ErrConflict
// when the guard fails, i.e. the highest bid advanced past the amount.
func (r *BidRepository) Accept(ctx context.Context, b *bid.Bid) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Conditional update first: if the guard fails nothing else happened.
	tag, err := tx.Exec(ctx, `
		UPDATE auctions
		SET current_highest_bid = $1, winner_id = $2,
		    bid_count = bid_count + 1, updated_at = $3
		WHERE id = $4 AND status = 'ACTIVE' AND current_highest_bid < $1
	`, b.Amount, b.UserID, b.Timestamp, b.AuctionID)
	if err != nil {
		return fmt.Errorf("updating highest bid: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}

	// Sweep before insert so the partial unique index on winning bids never
	// sees two winners.
	_, err = tx.Exec(ctx, `
		UPDATE bids
		SET is_winning = false, status = 'OUTBID', updated_at = $1
		WHERE auction_id = $2 AND is_winning
	`, b.Timestamp, b.AuctionID)
	if err != nil {
		return fmt.Errorf("sweeping outbid rows: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO bids (id, auction_id, user_id, amount, bid_time, is_winning, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, b.ID, b.AuctionID, b.UserID, b.Amount, b.Timestamp, b.IsWinning, b.Status.String(), b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting bid: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing bid: %w", err)
	}
	return nil
}

// GetWinning returns the current winning bid for an auction, or ErrNotFound.
func (r *BidRepository) GetWinning(ctx context.Context, auctionID uuid.UUID) (*bid.Bid, error) {
	query := `SELECT` + bidColumns + ` FROM bids WHERE auction_id = $1 AND is_winning`
	return scanBid(r.db.QueryRow(ctx, query, auctionID))
}

// ListByAuction returns accepted-or-outbid bids newest first.
func (r *BidRepository) ListByAuction(ctx context.Context, auctionID uuid.UUID, limit, offset int) ([]*bid.Bid, error) {
	query := `
		SELECT` + bidColumns + `
		FROM bids
		WHERE auction_id = $1 AND status IN ('ACCEPTED', 'OUTBID')
		ORDER BY bid_time DESC
		LIMIT $2 OFFSET $3`
	rows, err := r.db.Query(ctx, query, auctionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("querying auction bids: %w", err)
	}
	defer rows.Close()
	return scanBids(rows)
}

// ListByUser returns a user's bids newest first.
func (r *BidRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*bid.Bid, error) {
	query := `
		SELECT` + bidColumns + `
		FROM bids
		WHERE user_id = $1
		ORDER BY bid_time DESC
		LIMIT $2 OFFSET $3`
	rows, err := r.db.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("querying user bids: %w", err)
	}
	defer rows.Close()
	return scanBids(rows)
}

// CountAccepted counts bids that were accepted for an auction, outbid ones
// included.
func (r *BidRepository) CountAccepted(ctx context.Context, auctionID uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		SELECT count(*) FROM bids
		WHERE auction_id = $1 AND status IN ('ACCEPTED', 'OUTBID')
	`, auctionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting bids: %w", err)
	}
	return count, nil
}

func scanBid(row pgx.Row) (*bid.Bid, error) {
	var (
		b      bid.Bid
		status string
	)
	err := row.Scan(
		&b.ID, &b.AuctionID, &b.UserID, &b.Amount, &b.Timestamp,
		&b.IsWinning, &status, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning bid: %w", err)
	}
	b.Status = bid.ParseStatus(status)
	return &b, nil
}

func scanBids(rows pgx.Rows) ([]*bid.Bid, error) {
	var out []*bid.Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating bids: %w", err)
	}
	return out, nil
}
