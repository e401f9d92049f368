package queue

import (
	"time"

	"github.com/google/uuid"
)

// BidEnvelope is the message a gateway places on the bid-placed queue. It
// carries the bid intent plus its provenance; the identity comes from the
// authenticated connection, never from the client payload.
type BidEnvelope struct {
	SubmissionID uuid.UUID `json:"submission_id"`
	AuctionID    uuid.UUID `json:"auction_id"`
	UserID       uuid.UUID `json:"user_id"`
	Username     string    `json:"username"`
	Amount       int64     `json:"amount"`
	SocketID     string    `json:"socket_id,omitempty"`
	SubmittedAt  time.Time `json:"submitted_at"`
}

type NotificationType string

const (
	NotificationBidSuccess NotificationType = "BID_SUCCESS"
	NotificationBidFailed  NotificationType = "BID_FAILED"
	NotificationOutbid     NotificationType = "OUTBID"
)

// Notification is an identity-addressed message delivered at-least-once;
// consumers must treat it as idempotent.
type Notification struct {
	Type      NotificationType `json:"type"`
	UserID    uuid.UUID        `json:"user_id"`
	AuctionID uuid.UUID        `json:"auction_id"`
	Amount    int64            `json:"amount,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// AuditEntry records a pipeline decision for out-of-band inspection.
type AuditEntry struct {
	Action    string    `json:"action"`
	AuctionID uuid.UUID `json:"auction_id"`
	UserID    uuid.UUID `json:"user_id,omitempty"`
	Amount    int64     `json:"amount,omitempty"`
	Success   bool      `json:"success"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

const (
	AuditBidPlaced    = "BID_PLACED"
	AuditAuctionEnded = "AUCTION_ENDED"
)
