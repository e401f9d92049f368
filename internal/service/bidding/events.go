package bidding

import (
	"time"

	"github.com/google/uuid"
)

// Event kinds published on the auction pub/sub channels.
const (
	EventBidUpdate  = "bid-update"
	EventOutbid     = "outbid"
	EventAuctionEnd = "auction-end"
)

// Event is the wire shape on `auction:{id}:bids` and `auction:{id}:events`.
// One struct covers all kinds; unset fields are omitted.
type Event struct {
	Type      string     `json:"type"`
	AuctionID uuid.UUID  `json:"auction_id"`
	BidID     uuid.UUID  `json:"bid_id,omitempty"`
	UserID    uuid.UUID  `json:"user_id,omitempty"`
	Username  string     `json:"username,omitempty"`
	Amount    int64      `json:"amount,omitempty"`
	BidCount  int        `json:"bid_count,omitempty"`
	WinnerID  *uuid.UUID `json:"winner_id,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}
