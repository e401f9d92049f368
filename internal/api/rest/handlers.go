package rest

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openbid/car-auction-backend/internal/domain/auction"
	"github.com/openbid/car-auction-backend/internal/domain/bid"
	"github.com/openbid/car-auction-backend/internal/domain/errors"
	"github.com/openbid/car-auction-backend/internal/infrastructure/auth"
	"github.com/openbid/car-auction-backend/internal/infrastructure/repository"
)

// AuctionReader serves the read-side auction endpoints.
type AuctionReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*auction.Auction, error)
	ListActive(ctx context.Context) ([]*auction.Auction, error)
}

// BidHistory serves the paginated bid listing.
type BidHistory interface {
	ListByAuction(ctx context.Context, auctionID uuid.UUID, limit, offset int) ([]*bid.Bid, error)
}

// BidPlacer is the synchronous placement fallback.
type BidPlacer interface {
	PlaceDirect(ctx context.Context, auctionID, userID uuid.UUID, amount int64) (*bid.Bid, error)
}

// Handler serves the REST endpoints. The websocket gateway is mounted
// separately; everything here is plain request/response.
type Handler struct {
	auctions  AuctionReader
	bids      BidHistory
	processor BidPlacer
	auth      *auth.Service
	validate  *validator.Validate
	logger    *zap.Logger
}

func NewHandler(
	auctions AuctionReader,
	bids BidHistory,
	processor BidPlacer,
	authSvc *auth.Service,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		auctions:  auctions,
		bids:      bids,
		processor: processor,
		auth:      authSvc,
		validate:  validator.New(),
		logger:    logger,
	}
}

type contextKey string

const claimsKey contextKey = "claims"

// requireAuth resolves the bearer token and stashes the verified claims.
func (h *Handler) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			h.writeError(w, errors.NewUnauthorizedError("missing bearer token"))
			return
		}
		claims, err := h.auth.ValidateToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			h.writeError(w, errors.NewUnauthorizedError("invalid token"))
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next(w, r.WithContext(ctx))
	}
}

func claimsFrom(ctx context.Context) *auth.TokenClaims {
	claims, _ := ctx.Value(claimsKey).(*auth.TokenClaims)
	return claims
}

type placeBidRequest struct {
	AuctionID string `json:"auctionId" validate:"required,uuid"`
	BidAmount int64  `json:"bidAmount" validate:"required,gt=0"`
}

// handlePlaceBid is the HTTP fallback for bid placement. It runs the same
// acceptance routine as the queue consumer, synchronously.
func (h *Handler) handlePlaceBid(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	if claims == nil {
		h.writeError(w, errors.NewUnauthorizedError("missing credentials"))
		return
	}

	var req placeBidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.NewValidationError("INVALID_BODY", "request body must be valid JSON"))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.writeError(w, errors.NewValidationError("INVALID_REQUEST", err.Error()))
		return
	}
	auctionID, err := uuid.Parse(req.AuctionID)
	if err != nil {
		h.writeError(w, errors.NewValidationError("INVALID_AUCTION_ID", "auctionId must be a UUID"))
		return
	}

	placed, err := h.processor.PlaceDirect(r.Context(), auctionID, claims.UserID, req.BidAmount)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, placed)
}

func (h *Handler) handleListAuctions(w http.ResponseWriter, r *http.Request) {
	auctions, err := h.auctions.ListActive(r.Context())
	if err != nil {
		h.writeError(w, errors.NewInternalError("listing auctions").WithCause(err))
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"auctions": auctions})
}

func (h *Handler) handleGetAuction(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.writeError(w, errors.NewValidationError("INVALID_AUCTION_ID", "auction id must be a UUID"))
		return
	}

	a, err := h.auctions.GetByID(r.Context(), id)
	if err != nil {
		if stderrors.Is(err, repository.ErrNotFound) {
			h.writeError(w, errors.ErrAuctionNotFound)
			return
		}
		h.writeError(w, errors.NewInternalError("loading auction").WithCause(err))
		return
	}
	h.writeJSON(w, http.StatusOK, a)
}

// handleListBids returns bid history newest-first with limit/offset paging.
func (h *Handler) handleListBids(w http.ResponseWriter, r *http.Request) {
	auctionID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.writeError(w, errors.NewValidationError("INVALID_AUCTION_ID", "auction id must be a UUID"))
		return
	}

	limit := queryInt(r, "limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	bids, err := h.bids.ListByAuction(r.Context(), auctionID, limit, offset)
	if err != nil {
		h.writeError(w, errors.NewInternalError("listing bids").WithCause(err))
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"bids":   bids,
		"limit":  limit,
		"offset": offset,
	})
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

// Response helpers

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encoding response failed", zap.Error(err))
	}
}

// writeError maps an AppError to the structured envelope; anything else is a
// masked 500.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) {
		h.logger.Error("unclassified handler error", zap.Error(err))
		appErr = errors.NewInternalError("internal error")
	}

	status := errors.GetStatusCode(appErr)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("code", appErr.Code),
			zap.Error(appErr))
	}

	h.writeJSON(w, status, errorResponse{Error: errorBody{
		Code:    appErr.Code,
		Message: appErr.Message,
	}})
}

// Health

// Pinger reports broker liveness.
type Pinger interface {
	Ping() error
	Enabled() bool
}

// DatabasePinger reports database liveness.
type DatabasePinger interface {
	Ping(ctx context.Context) error
}

// CachePinger reports cache liveness.
type CachePinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves readiness and liveness probes.
type HealthHandler struct {
	db      DatabasePinger
	cache   CachePinger
	queue   Pinger
	version string
}

func NewHealthHandler(db DatabasePinger, c CachePinger, q Pinger, version string) *HealthHandler {
	return &HealthHandler{db: db, cache: c, queue: q, version: version}
}

// handleLiveness answers as long as the process serves requests.
func (h *HealthHandler) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleReadiness checks the dependencies. A degraded queue does not fail
// readiness: the HTTP placement path still works without it.
func (h *HealthHandler) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true

	if err := h.db.Ping(ctx); err != nil {
		checks["database"] = "unhealthy: " + err.Error()
		healthy = false
	} else {
		checks["database"] = "healthy"
	}

	if err := h.cache.Ping(ctx); err != nil {
		checks["redis"] = "unhealthy: " + err.Error()
		healthy = false
	} else {
		checks["redis"] = "healthy"
	}

	switch {
	case !h.queue.Enabled():
		checks["queue"] = "disabled"
	case h.queue.Ping() != nil:
		checks["queue"] = "unhealthy"
	default:
		checks["queue"] = "healthy"
	}

	status := http.StatusOK
	state := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "unhealthy"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  state,
		"version": h.version,
		"checks":  checks,
	})
}
