package auction

import (
	"time"

	"github.com/google/uuid"

	"github.com/openbid/car-auction-backend/internal/domain/errors"
)

// Auction is the authoritative record for a single car auction. Money fields
// are integer minor currency units.
type Auction struct {
	ID                uuid.UUID  `json:"id"`
	Title             string     `json:"title"`
	Description       string     `json:"description"`
	CarID             string     `json:"car_id"`
	StartingBid       int64      `json:"starting_bid"`
	CurrentHighestBid int64      `json:"current_highest_bid"`
	BidCount          int        `json:"bid_count"`
	StartTime         time.Time  `json:"start_time"`
	EndTime           time.Time  `json:"end_time"`
	WinnerID          *uuid.UUID `json:"winner_id,omitempty"`
	Status            Status     `json:"status"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

type Status int

const (
	StatusPending Status = iota
	StatusActive
	StatusEnded
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusActive:
		return "ACTIVE"
	case StatusEnded:
		return "ENDED"
	default:
		return "UNKNOWN"
	}
}

// ParseStatus maps the stored representation back to a Status.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "PENDING":
		return StatusPending, nil
	case "ACTIVE":
		return StatusActive, nil
	case "ENDED":
		return StatusEnded, nil
	default:
		return StatusPending, errors.NewValidationError("INVALID_STATUS", "unknown auction status: "+s)
	}
}

// NewAuction creates a pending auction. The current highest bid starts at the
// starting bid so the first accepted bid already clears one increment above it.
func NewAuction(title, description, carID string, startingBid int64, startTime, endTime time.Time) (*Auction, error) {
	if startingBid <= 0 {
		return nil, errors.NewValidationError("INVALID_STARTING_BID", "starting bid must be positive")
	}
	if !startTime.Before(endTime) {
		return nil, errors.NewValidationError("INVALID_WINDOW", "start time must be before end time")
	}

	now := time.Now()
	return &Auction{
		ID:                uuid.New(),
		Title:             title,
		Description:       description,
		CarID:             carID,
		StartingBid:       startingBid,
		CurrentHighestBid: startingBid,
		Status:            StatusPending,
		StartTime:         startTime,
		EndTime:           endTime,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// IsOpenAt reports whether the bidding window [StartTime, EndTime) contains t.
func (a *Auction) IsOpenAt(t time.Time) bool {
	return !t.Before(a.StartTime) && t.Before(a.EndTime)
}

// MinimumAcceptable returns the lowest amount the next bid may carry.
func (a *Auction) MinimumAcceptable(increment int64) int64 {
	highest := a.CurrentHighestBid
	if highest < a.StartingBid {
		highest = a.StartingBid
	}
	return highest + increment
}

// Activate transitions PENDING -> ACTIVE.
func (a *Auction) Activate() error {
	if a.Status != StatusPending {
		return errors.NewConflictError("auction is not pending: " + a.Status.String())
	}
	a.Status = StatusActive
	a.UpdatedAt = time.Now()
	return nil
}

// End transitions ACTIVE -> ENDED. Only WinnerID may change afterwards.
func (a *Auction) End() error {
	if a.Status != StatusActive {
		return errors.NewConflictError("auction is not active: " + a.Status.String())
	}
	a.Status = StatusEnded
	a.UpdatedAt = time.Now()
	return nil
}

// ApplyBid records an accepted bid on the in-memory copy. The repository
// enforces the same guard conditionally at the store.
func (a *Auction) ApplyBid(amount int64, winnerID uuid.UUID) error {
	if a.Status != StatusActive {
		return errors.ErrAuctionNotActive
	}
	if amount <= a.CurrentHighestBid {
		return errors.ErrBidTooLow
	}
	a.CurrentHighestBid = amount
	a.WinnerID = &winnerID
	a.BidCount++
	a.UpdatedAt = time.Now()
	return nil
}
