package bid

import (
	"time"

	"github.com/google/uuid"
)

// Bid is a single accepted or rejected offer on an auction. Amount is in
// integer minor currency units. The timestamp is assigned by the processor at
// acceptance, never taken from the client.
type Bid struct {
	ID        uuid.UUID `json:"id"`
	AuctionID uuid.UUID `json:"auction_id"`
	UserID    uuid.UUID `json:"user_id"`
	Amount    int64     `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
	IsWinning bool      `json:"is_winning"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Status int

const (
	StatusPending Status = iota
	StatusAccepted
	StatusRejected
	StatusOutbid
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusAccepted:
		return "ACCEPTED"
	case StatusRejected:
		return "REJECTED"
	case StatusOutbid:
		return "OUTBID"
	default:
		return "UNKNOWN"
	}
}

// ParseStatus maps the stored representation back to a Status.
func ParseStatus(s string) Status {
	switch s {
	case "ACCEPTED":
		return StatusAccepted
	case "REJECTED":
		return StatusRejected
	case "OUTBID":
		return StatusOutbid
	default:
		return StatusPending
	}
}

// NewAccepted creates the winning bid record for a validated amount.
func NewAccepted(auctionID, userID uuid.UUID, amount int64) *Bid {
	now := time.Now()
	return &Bid{
		ID:        uuid.New(),
		AuctionID: auctionID,
		UserID:    userID,
		Amount:    amount,
		Timestamp: now,
		IsWinning: true,
		Status:    StatusAccepted,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Outbid marks a previously winning bid as beaten.
func (b *Bid) Outbid() {
	b.IsWinning = false
	b.Status = StatusOutbid
	b.UpdatedAt = time.Now()
}
