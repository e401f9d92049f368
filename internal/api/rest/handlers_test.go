package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/openbid/car-auction-backend/internal/domain/auction"
	"github.com/openbid/car-auction-backend/internal/domain/bid"
	"github.com/openbid/car-auction-backend/internal/domain/errors"
	"github.com/openbid/car-auction-backend/internal/infrastructure/auth"
	"github.com/openbid/car-auction-backend/internal/infrastructure/repository"
)

type fakeAuctionReader struct {
	byID map[uuid.UUID]*auction.Auction
}

func (f *fakeAuctionReader) GetByID(ctx context.Context, id uuid.UUID) (*auction.Auction, error) {
	a, ok := f.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return a, nil
}

func (f *fakeAuctionReader) ListActive(ctx context.Context) ([]*auction.Auction, error) {
	var out []*auction.Auction
	for _, a := range f.byID {
		if a.Status == auction.StatusActive {
			out = append(out, a)
		}
	}
	return out, nil
}

type fakeBidHistory struct {
	bids      []*bid.Bid
	gotLimit  int
	gotOffset int
}

func (f *fakeBidHistory) ListByAuction(ctx context.Context, auctionID uuid.UUID, limit, offset int) ([]*bid.Bid, error) {
	f.gotLimit = limit
	f.gotOffset = offset
	return f.bids, nil
}

type fakeBidPlacer struct {
	placed *bid.Bid
	err    error

	gotAuctionID uuid.UUID
	gotUserID    uuid.UUID
	gotAmount    int64
}

func (f *fakeBidPlacer) PlaceDirect(ctx context.Context, auctionID, userID uuid.UUID, amount int64) (*bid.Bid, error) {
	f.gotAuctionID = auctionID
	f.gotUserID = userID
	f.gotAmount = amount
	if f.err != nil {
		return nil, f.err
	}
	return f.placed, nil
}

type handlerFixture struct {
	handler  *Handler
	auth     *auth.Service
	auctions *fakeAuctionReader
	bids     *fakeBidHistory
	placer   *fakeBidPlacer
	active   *auction.Auction
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()

	authSvc, err := auth.NewService("test-secret", time.Hour)
	require.NoError(t, err)

	now := time.Now()
	a, err := auction.NewAuction("1966 Ford GT40", "", "car-1", 1000, now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, a.Activate())

	f := &handlerFixture{
		auth:     authSvc,
		auctions: &fakeAuctionReader{byID: map[uuid.UUID]*auction.Auction{a.ID: a}},
		bids:     &fakeBidHistory{},
		placer:   &fakeBidPlacer{},
		active:   a,
	}
	f.handler = NewHandler(f.auctions, f.bids, f.placer, authSvc, zaptest.NewLogger(t))
	return f
}

func (f *handlerFixture) token(t *testing.T, userID uuid.UUID) string {
	t.Helper()
	token, err := f.auth.GenerateToken(userID, "alice")
	require.NoError(t, err)
	return token
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Error
}

func TestHandleGetAuction(t *testing.T) {
	f := newHandlerFixture(t)

	r := httptest.NewRequest("GET", "/api/v1/auctions/"+f.active.ID.String(), nil)
	r.SetPathValue("id", f.active.ID.String())
	w := httptest.NewRecorder()
	f.handler.handleGetAuction(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	var got auction.Auction
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, f.active.ID, got.ID)

	// Unknown auction
	unknown := uuid.New().String()
	r = httptest.NewRequest("GET", "/api/v1/auctions/"+unknown, nil)
	r.SetPathValue("id", unknown)
	w = httptest.NewRecorder()
	f.handler.handleGetAuction(w, r)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Malformed id
	r = httptest.NewRequest("GET", "/api/v1/auctions/nope", nil)
	r.SetPathValue("id", "nope")
	w = httptest.NewRecorder()
	f.handler.handleGetAuction(w, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleListBidsPagination(t *testing.T) {
	f := newHandlerFixture(t)
	f.bids.bids = []*bid.Bid{bid.NewAccepted(f.active.ID, uuid.New(), 1100)}

	r := httptest.NewRequest("GET", "/api/v1/auctions/"+f.active.ID.String()+"/bids?limit=10&offset=20", nil)
	r.SetPathValue("id", f.active.ID.String())
	w := httptest.NewRecorder()
	f.handler.handleListBids(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 10, f.bids.gotLimit)
	assert.Equal(t, 20, f.bids.gotOffset)

	// Out-of-range values fall back to defaults.
	r = httptest.NewRequest("GET", "/api/v1/auctions/"+f.active.ID.String()+"/bids?limit=9999&offset=-4", nil)
	r.SetPathValue("id", f.active.ID.String())
	w = httptest.NewRecorder()
	f.handler.handleListBids(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 50, f.bids.gotLimit)
	assert.Equal(t, 0, f.bids.gotOffset)
}

func TestHandlePlaceBidRequiresAuth(t *testing.T) {
	f := newHandlerFixture(t)
	protected := f.handler.requireAuth(f.handler.handlePlaceBid)

	r := httptest.NewRequest("POST", "/api/v1/bids", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	protected(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	r = httptest.NewRequest("POST", "/api/v1/bids", strings.NewReader(`{}`))
	r.Header.Set("Authorization", "Bearer garbage")
	w = httptest.NewRecorder()
	protected(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandlePlaceBid(t *testing.T) {
	f := newHandlerFixture(t)
	userID := uuid.New()
	f.placer.placed = bid.NewAccepted(f.active.ID, userID, 1100)
	protected := f.handler.requireAuth(f.handler.handlePlaceBid)

	body := `{"auctionId":"` + f.active.ID.String() + `","bidAmount":1100}`
	r := httptest.NewRequest("POST", "/api/v1/bids", strings.NewReader(body))
	r.Header.Set("Authorization", "Bearer "+f.token(t, userID))
	w := httptest.NewRecorder()
	protected(w, r)

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, f.active.ID, f.placer.gotAuctionID)
	assert.Equal(t, userID, f.placer.gotUserID, "identity comes from the token, not the body")
	assert.Equal(t, int64(1100), f.placer.gotAmount)

	var placed bid.Bid
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &placed))
	assert.True(t, placed.IsWinning)
}

func TestHandlePlaceBidValidation(t *testing.T) {
	f := newHandlerFixture(t)
	protected := f.handler.requireAuth(f.handler.handlePlaceBid)
	token := f.token(t, uuid.New())

	tests := []struct {
		name string
		body string
		code string
	}{
		{"invalid json", `{`, "INVALID_BODY"},
		{"missing auction id", `{"bidAmount":1100}`, "INVALID_REQUEST"},
		{"non-uuid auction id", `{"auctionId":"abc","bidAmount":1100}`, "INVALID_REQUEST"},
		{"zero amount", `{"auctionId":"` + uuid.New().String() + `"}`, "INVALID_REQUEST"},
		{"negative amount", `{"auctionId":"` + uuid.New().String() + `","bidAmount":-5}`, "INVALID_REQUEST"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/api/v1/bids", strings.NewReader(tt.body))
			r.Header.Set("Authorization", "Bearer "+token)
			w := httptest.NewRecorder()
			protected(w, r)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, tt.code, decodeError(t, w).Code)
		})
	}
}

func TestHandlePlaceBidErrorMapping(t *testing.T) {
	f := newHandlerFixture(t)
	protected := f.handler.requireAuth(f.handler.handlePlaceBid)
	token := f.token(t, uuid.New())

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"too low", errors.NewBusinessError("BID_TOO_LOW", "bid must be at least 1100"), http.StatusUnprocessableEntity, "BID_TOO_LOW"},
		{"not found", errors.ErrAuctionNotFound, http.StatusNotFound, errors.ErrAuctionNotFound.Code},
		{"not active", errors.ErrAuctionNotActive, errors.ErrAuctionNotActive.StatusCode, errors.ErrAuctionNotActive.Code},
		{"lock busy", errors.ErrLockBusy, errors.ErrLockBusy.StatusCode, errors.ErrLockBusy.Code},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.placer.err = tt.err

			body := `{"auctionId":"` + f.active.ID.String() + `","bidAmount":1100}`
			r := httptest.NewRequest("POST", "/api/v1/bids", strings.NewReader(body))
			r.Header.Set("Authorization", "Bearer "+token)
			w := httptest.NewRecorder()
			protected(w, r)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantCode, decodeError(t, w).Code)
		})
	}
}
