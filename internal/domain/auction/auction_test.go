package auction_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openbid/car-auction-backend/internal/domain/auction"
)

func TestNewAuction(t *testing.T) {
	start := time.Now().Add(time.Hour)
	end := start.Add(24 * time.Hour)

	tests := []struct {
		name        string
		startingBid int64
		start       time.Time
		end         time.Time
		wantErr     string
		validate    func(t *testing.T, a *auction.Auction)
	}{
		{
			name:        "creates pending auction",
			startingBid: 500000,
			start:       start,
			end:         end,
			validate: func(t *testing.T, a *auction.Auction) {
				assert.NotEqual(t, uuid.Nil, a.ID)
				assert.Equal(t, auction.StatusPending, a.Status)
				assert.Equal(t, int64(500000), a.StartingBid)
				assert.Equal(t, int64(500000), a.CurrentHighestBid)
				assert.Equal(t, 0, a.BidCount)
				assert.Nil(t, a.WinnerID)
			},
		},
		{
			name:        "rejects non-positive starting bid",
			startingBid: 0,
			start:       start,
			end:         end,
			wantErr:     "starting bid",
		},
		{
			name:        "rejects end before start",
			startingBid: 100,
			start:       end,
			end:         start,
			wantErr:     "end time",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := auction.NewAuction("1967 Shelby GT500", "restored", uuid.New().String(), tt.startingBid, tt.start, tt.end)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.validate(t, a)
		})
	}
}

func TestAuctionIsOpenAt(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	a, err := auction.NewAuction("title", "", uuid.New().String(), 100, start, end)
	require.NoError(t, err)

	assert.False(t, a.IsOpenAt(start.Add(-time.Nanosecond)), "before start")
	assert.True(t, a.IsOpenAt(start), "start instant is open")
	assert.True(t, a.IsOpenAt(end.Add(-time.Nanosecond)), "just before end")
	assert.False(t, a.IsOpenAt(end), "end instant is closed")
}

func TestAuctionMinimumAcceptable(t *testing.T) {
	start := time.Now()
	a, err := auction.NewAuction("title", "", uuid.New().String(), 1000, start, start.Add(time.Hour))
	require.NoError(t, err)

	// The highest bid is seeded with the starting bid, so even the first
	// offer must clear one increment above it.
	assert.Equal(t, int64(1100), a.MinimumAcceptable(100))

	a.BidCount = 1
	a.CurrentHighestBid = 2000
	assert.Equal(t, int64(2100), a.MinimumAcceptable(100))
}

func TestAuctionTransitions(t *testing.T) {
	start := time.Now()
	a, err := auction.NewAuction("title", "", uuid.New().String(), 100, start, start.Add(time.Hour))
	require.NoError(t, err)

	require.Error(t, a.End(), "pending auction cannot end")

	require.NoError(t, a.Activate())
	assert.Equal(t, auction.StatusActive, a.Status)
	require.Error(t, a.Activate(), "active auction cannot re-activate")

	winner := uuid.New()
	require.NoError(t, a.ApplyBid(200, winner))
	assert.Equal(t, int64(200), a.CurrentHighestBid)
	assert.Equal(t, 1, a.BidCount)
	require.NotNil(t, a.WinnerID)
	assert.Equal(t, winner, *a.WinnerID)
	require.Error(t, a.ApplyBid(200, uuid.New()), "equal amount is too low")

	require.NoError(t, a.End())
	assert.Equal(t, auction.StatusEnded, a.Status)
	require.Error(t, a.ApplyBid(300, uuid.New()), "ended auction takes no bids")
}

func TestParseStatus(t *testing.T) {
	for _, s := range []auction.Status{auction.StatusPending, auction.StatusActive, auction.StatusEnded} {
		parsed, err := auction.ParseStatus(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}

	_, err := auction.ParseStatus("SUSPENDED")
	assert.Error(t, err)
}
