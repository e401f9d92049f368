package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openbid/car-auction-backend/internal/domain/auction"
)

// AuctionRepository persists auction records. Auction CRUD beyond what the
// bid pipeline and the lifecycle ticker need is an external collaborator.
type AuctionRepository struct {
	db *pgxpool.Pool
}

func NewAuctionRepository(db *pgxpool.Pool) *AuctionRepository {
	return &AuctionRepository{db: db}
}

const auctionColumns = `
	id, title, description, car_id, starting_bid, current_highest_bid,
	bid_count, start_time, end_time, winner_id, status, created_at, updated_at`

func (r *AuctionRepository) Create(ctx context.Context, a *auction.Auction) error {
	query := `
		INSERT INTO auctions (
			id, title, description, car_id, starting_bid, current_highest_bid,
			bid_count, start_time, end_time, winner_id, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := r.db.Exec(ctx, query,
		a.ID, a.Title, a.Description, a.CarID, a.StartingBid, a.CurrentHighestBid,
		a.BidCount, a.StartTime, a.EndTime, a.WinnerID, a.Status.String(), a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting auction: %w", err)
	}
	return nil
}

func (r *AuctionRepository) GetByID(ctx context.Context, id uuid.UUID) (*auction.Auction, error) {
	query := `SELECT` + auctionColumns + ` FROM auctions WHERE id = $1`
	return scanAuction(r.db.QueryRow(ctx, query, id))
}

// ListActive returns auctions currently accepting bids.
func (r *AuctionRepository) ListActive(ctx context.Context) ([]*auction.Auction, error) {
	query := `SELECT` + auctionColumns + ` FROM auctions WHERE status = 'ACTIVE' ORDER BY start_time`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying active auctions: %w", err)
	}
	defer rows.Close()
	return scanAuctions(rows)
}

// ActivateDue flips every PENDING auction whose window has opened and returns
// the activated records.
func (r *AuctionRepository) ActivateDue(ctx context.Context, now time.Time) ([]*auction.Auction, error) {
	query := `
		UPDATE auctions
		SET status = 'ACTIVE', updated_at = $1
		WHERE status = 'PENDING' AND start_time <= $1
		RETURNING` + auctionColumns
	rows, err := r.db.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("activating due auctions: %w", err)
	}
	defer rows.Close()
	return scanAuctions(rows)
}

// EndDue flips every ACTIVE auction whose window has closed and returns the
// ended records, winner reference included.
func (r *AuctionRepository) EndDue(ctx context.Context, now time.Time) ([]*auction.Auction, error) {
	query := `
		UPDATE auctions
		SET status = 'ENDED', updated_at = $1
		WHERE status = 'ACTIVE' AND end_time <= $1
		RETURNING` + auctionColumns
	rows, err := r.db.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("ending due auctions: %w", err)
	}
	defer rows.Close()
	return scanAuctions(rows)
}

func scanAuction(row pgx.Row) (*auction.Auction, error) {
	var (
		a      auction.Auction
		status string
	)
	err := row.Scan(
		&a.ID, &a.Title, &a.Description, &a.CarID, &a.StartingBid, &a.CurrentHighestBid,
		&a.BidCount, &a.StartTime, &a.EndTime, &a.WinnerID, &status, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning auction: %w", err)
	}

	a.Status, err = auction.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func scanAuctions(rows pgx.Rows) ([]*auction.Auction, error) {
	var out []*auction.Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating auctions: %w", err)
	}
	return out, nil
}
