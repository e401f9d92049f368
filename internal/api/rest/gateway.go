package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/openbid/car-auction-backend/internal/infrastructure/auth"
	"github.com/openbid/car-auction-backend/internal/infrastructure/cache"
	"github.com/openbid/car-auction-backend/internal/infrastructure/config"
	"github.com/openbid/car-auction-backend/internal/infrastructure/queue"
	"github.com/openbid/car-auction-backend/internal/metrics"
	"github.com/openbid/car-auction-backend/internal/service/admission"
	"github.com/openbid/car-auction-backend/internal/service/bidding"
)

// BidQueue is the queue capability the gateway needs: enqueue envelopes and
// report whether the broker is live.
type BidQueue interface {
	PublishBidPlaced(ctx context.Context, env *queue.BidEnvelope) error
	Enabled() bool
}

// GatewayConfig holds websocket transport tuning.
type GatewayConfig struct {
	WriteTimeout    time.Duration
	PongTimeout     time.Duration
	PingPeriod      time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultGatewayConfig returns default configuration.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		WriteTimeout:    10 * time.Second,
		PongTimeout:     60 * time.Second,
		PingPeriod:      54 * time.Second, // must be less than PongTimeout
		MaxMessageSize:  32 * 1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
}

// Gateway accepts authenticated bidirectional connections, routes client
// intents into the pipeline and fans pub/sub events back out to auction
// rooms. Socket tracking maps are fields here, not package globals; their
// lifecycle is the gateway's Start/Stop.
type Gateway struct {
	admission *admission.Controller
	auth      *auth.Service
	auctions  bidding.AuctionStore
	cache     cache.Cache
	pubsub    *cache.PubSub
	bidQueue  BidQueue
	limiter   cache.RateLimiter
	logger    *zap.Logger
	config    GatewayConfig
	bidding   config.BiddingConfig

	mu       sync.RWMutex
	clients  map[string]*Client               // socket id -> client
	identity map[uuid.UUID]map[string]*Client // user id -> sockets
	rooms    map[uuid.UUID]map[string]*Client // auction id -> sockets

	register   chan *Client
	unregister chan *Client

	ctx    context.Context
	cancel context.CancelFunc
}

// Client is one connected socket plus its session record: identity, address,
// joined rooms and connection time.
type Client struct {
	ID          string
	UserID      uuid.UUID
	Username    string
	Address     string
	ConnectedAt time.Time
	TokenExpiry time.Time

	conn    *websocket.Conn
	send    chan []byte
	gateway *Gateway

	roomsMu sync.Mutex
	rooms   map[uuid.UUID]bool
}

// clientMessage is a client intent.
type clientMessage struct {
	Type      string `json:"type" validate:"required"`
	AuctionID string `json:"auctionId,omitempty"`
	BidAmount int64  `json:"bidAmount,omitempty"`
}

// serverMessage is an event delivered to a socket.
type serverMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

func NewGateway(
	adm *admission.Controller,
	authSvc *auth.Service,
	auctions bidding.AuctionStore,
	c cache.Cache,
	ps *cache.PubSub,
	bidQueue BidQueue,
	limiter cache.RateLimiter,
	biddingCfg config.BiddingConfig,
	logger *zap.Logger,
) *Gateway {
	return &Gateway{
		admission:  adm,
		auth:       authSvc,
		auctions:   auctions,
		cache:      c,
		pubsub:     ps,
		bidQueue:   bidQueue,
		limiter:    limiter,
		logger:     logger,
		config:     DefaultGatewayConfig(),
		bidding:    biddingCfg,
		clients:    make(map[string]*Client),
		identity:   make(map[uuid.UUID]map[string]*Client),
		rooms:      make(map[uuid.UUID]map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Start runs the hub loop and subscribes to the global notification channel.
func (g *Gateway) Start(ctx context.Context) error {
	g.ctx, g.cancel = context.WithCancel(ctx)

	if err := g.pubsub.Subscribe(g.ctx, cache.GlobalNotificationsChannel, g.handleNotification); err != nil {
		return fmt.Errorf("subscribing to notifications: %w", err)
	}

	go g.run()
	return nil
}

// Stop shuts the hub down.
func (g *Gateway) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
}

func (g *Gateway) run() {
	for {
		select {
		case <-g.ctx.Done():
			return
		case client := <-g.register:
			g.registerClient(client)
		case client := <-g.unregister:
			g.unregisterClient(client)
		}
	}
}

// ServeHTTP handles the websocket handshake: admission by address, token
// verification, admission by identity, tracking, upgrade, acknowledgement.
// Admission and authentication failures close the transport with no body
// beyond the HTTP status.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	addr := clientAddress(r)

	if d := g.admission.Check(r.Context(), addr, ""); !d.Allowed {
		metrics.AdmissionDenied.WithLabelValues("address").Inc()
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(d.RetryAfter.Seconds())))
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}

	// Websocket clients cannot set custom headers; the bearer credential
	// rides the query string.
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	claims, err := g.auth.ValidateToken(token)
	if err != nil {
		g.logger.Info("handshake rejected, invalid token", zap.String("addr", addr))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if d := g.admission.Check(r.Context(), addr, claims.UserID.String()); !d.Allowed {
		metrics.AdmissionDenied.WithLabelValues("identity").Inc()
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(d.RetryAfter.Seconds())))
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}

	socketID := uuid.New().String()
	if err := g.admission.Track(r.Context(), addr, socketID, claims.UserID.String()); err != nil {
		g.logger.Warn("admission tracking failed", zap.Error(err))
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  g.config.ReadBufferSize,
		WriteBufferSize: g.config.WriteBufferSize,
		CheckOrigin:     g.config.CheckOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("websocket upgrade failed", zap.Error(err))
		_ = g.admission.Untrack(context.WithoutCancel(r.Context()), socketID)
		return
	}

	client := &Client{
		ID:          socketID,
		UserID:      claims.UserID,
		Username:    claims.Username,
		Address:     addr,
		ConnectedAt: time.Now(),
		TokenExpiry: claims.ExpireAt,
		conn:        conn,
		send:        make(chan []byte, 256),
		gateway:     g,
		rooms:       make(map[uuid.UUID]bool),
	}

	client.conn.SetReadLimit(g.config.MaxMessageSize)
	client.conn.SetReadDeadline(time.Now().Add(g.config.PongTimeout))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(g.config.PongTimeout))
		return nil
	})

	// The acknowledgement is written on the raw connection before the pumps
	// exist. Once the client is registered, the hub owns the send channel and
	// writePump is the only writer on the wire.
	ack, err := json.Marshal(serverMessage{
		Type: "connected",
		Data: map[string]interface{}{
			"message":  "connection established",
			"userId":   client.UserID,
			"username": client.Username,
		},
		Timestamp: time.Now(),
	})
	if err == nil {
		conn.SetWriteDeadline(time.Now().Add(g.config.WriteTimeout))
		err = conn.WriteMessage(websocket.TextMessage, ack)
	}
	if err != nil {
		g.logger.Info("handshake acknowledgement failed", zap.String("socket_id", socketID), zap.Error(err))
		_ = g.admission.Untrack(context.WithoutCancel(r.Context()), socketID)
		conn.Close()
		return
	}

	g.register <- client
	go client.writePump()
	go client.readPump()
}

// clientAddress resolves the peer address from forwarding headers first.
func clientAddress(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Hub bookkeeping

func (g *Gateway) registerClient(client *Client) {
	g.mu.Lock()
	g.clients[client.ID] = client
	if g.identity[client.UserID] == nil {
		g.identity[client.UserID] = make(map[string]*Client)
	}
	g.identity[client.UserID][client.ID] = client
	total := len(g.clients)
	g.mu.Unlock()

	metrics.ConnectionsActive.Set(float64(total))
	g.logger.Info("client connected",
		zap.String("socket_id", client.ID),
		zap.String("user_id", client.UserID.String()),
		zap.Int("total_clients", total))
}

// unregisterClient is the single disconnect handler: rooms, identity map and
// admission tracking are all cleaned here.
func (g *Gateway) unregisterClient(client *Client) {
	g.mu.Lock()
	if _, ok := g.clients[client.ID]; !ok {
		g.mu.Unlock()
		return
	}
	delete(g.clients, client.ID)
	if sockets, ok := g.identity[client.UserID]; ok {
		delete(sockets, client.ID)
		if len(sockets) == 0 {
			delete(g.identity, client.UserID)
		}
	}

	client.roomsMu.Lock()
	joined := make([]uuid.UUID, 0, len(client.rooms))
	for auctionID := range client.rooms {
		joined = append(joined, auctionID)
	}
	client.roomsMu.Unlock()

	for _, auctionID := range joined {
		if members, ok := g.rooms[auctionID]; ok {
			delete(members, client.ID)
			// The pub/sub subscription is retained even when the room empties
			// locally, so late rejoins do not thrash the bus.
		}
	}
	total := len(g.clients)
	close(client.send)
	g.mu.Unlock()

	metrics.ConnectionsActive.Set(float64(total))

	for _, auctionID := range joined {
		g.broadcastRoom(auctionID, "userLeft", map[string]interface{}{
			"userId":   client.UserID,
			"username": client.Username,
		}, client.ID)
	}

	if err := g.admission.Untrack(context.WithoutCancel(g.ctx), client.ID); err != nil {
		g.logger.Warn("admission untrack failed", zap.Error(err))
	}

	g.logger.Info("client disconnected",
		zap.String("socket_id", client.ID),
		zap.String("user_id", client.UserID.String()),
		zap.Int("total_clients", total))
}

// Intent handling

// disconnect hands the socket back to the hub. After Stop the hub loop is
// gone, so the send races the context instead of blocking forever.
func (c *Client) disconnect() {
	select {
	case c.gateway.unregister <- c:
	case <-c.gateway.ctx.Done():
	}
}

func (c *Client) readPump() {
	defer func() {
		c.disconnect()
		c.conn.Close()
	}()

	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.gateway.logger.Warn("websocket read error",
					zap.String("socket_id", c.ID),
					zap.Error(err))
			}
			return
		}
		c.handleMessage(&msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.gateway.config.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.gateway.config.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.gateway.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleMessage(msg *clientMessage) {
	switch msg.Type {
	case "joinAuction":
		c.handleJoin(msg)
	case "leaveAuction":
		c.handleLeave(msg)
	case "placeBid":
		c.handlePlaceBid(msg)
	default:
		c.sendError("unknown message type: " + msg.Type)
	}
}

func (c *Client) handleJoin(msg *clientMessage) {
	auctionID, err := uuid.Parse(msg.AuctionID)
	if err != nil {
		c.sendError("invalid auction id")
		return
	}

	ctx, cancel := context.WithTimeout(c.gateway.ctx, 5*time.Second)
	defer cancel()

	a, err := c.gateway.auctions.GetByID(ctx, auctionID)
	if err != nil {
		c.sendError("auction not found")
		return
	}

	if err := c.gateway.joinRoom(ctx, c, auctionID); err != nil {
		c.gateway.logger.Error("joining room failed", zap.Error(err))
		c.sendError("failed to join auction")
		return
	}

	c.sendEvent("auctionUpdate", map[string]interface{}{
		"auctionId":         a.ID,
		"currentHighestBid": a.CurrentHighestBid,
		"bidCount":          a.BidCount,
		"status":            a.Status.String(),
	})

	c.gateway.broadcastRoom(auctionID, "userJoined", map[string]interface{}{
		"userId":   c.UserID,
		"username": c.Username,
	}, c.ID)
}

func (c *Client) handleLeave(msg *clientMessage) {
	auctionID, err := uuid.Parse(msg.AuctionID)
	if err != nil {
		c.sendError("invalid auction id")
		return
	}

	c.gateway.leaveRoom(c, auctionID)

	c.gateway.broadcastRoom(auctionID, "userLeft", map[string]interface{}{
		"userId":   c.UserID,
		"username": c.Username,
	}, c.ID)
}

// handlePlaceBid forwards the intent onto the queue. Amount validation is
// authoritative only inside the processor; the gateway acks receipt and
// nothing more.
func (c *Client) handlePlaceBid(msg *clientMessage) {
	if time.Now().After(c.TokenExpiry) {
		c.sendError("authentication token expired")
		c.conn.Close()
		return
	}

	auctionID, err := uuid.Parse(msg.AuctionID)
	if err != nil {
		c.sendError("invalid auction id")
		return
	}
	if msg.BidAmount <= 0 {
		c.sendError("bid amount must be positive")
		return
	}

	ctx, cancel := context.WithTimeout(c.gateway.ctx, 5*time.Second)
	defer cancel()

	allowed, err := c.gateway.limiter.Allow(ctx, "bid:"+c.UserID.String(),
		c.gateway.bidding.BidRateLimit, c.gateway.bidding.BidRateWindow)
	if err != nil {
		c.gateway.logger.Warn("bid rate limiter degraded", zap.Error(err))
	} else if !allowed {
		c.sendError("too many bids, slow down")
		return
	}

	env := &queue.BidEnvelope{
		SubmissionID: uuid.New(),
		AuctionID:    auctionID,
		UserID:       c.UserID,
		Username:     c.Username,
		Amount:       msg.BidAmount,
		SocketID:     c.ID,
		SubmittedAt:  time.Now(),
	}
	if err := c.gateway.bidQueue.PublishBidPlaced(ctx, env); err != nil {
		c.gateway.logger.Error("enqueueing bid failed", zap.Error(err))
		c.sendError("bid could not be queued")
		return
	}

	c.sendEvent("bidReceived", map[string]interface{}{
		"message": "bid queued for processing",
	})
}

// Rooms

// joinRoom adds the socket to the auction room and lazily subscribes this
// instance to the auction's channels. The subscription is per instance, not
// per socket: one subscription multiplexes to every local room member.
func (g *Gateway) joinRoom(ctx context.Context, client *Client, auctionID uuid.UUID) error {
	g.mu.Lock()
	if g.rooms[auctionID] == nil {
		g.rooms[auctionID] = make(map[string]*Client)
	}
	g.rooms[auctionID][client.ID] = client
	g.mu.Unlock()

	client.roomsMu.Lock()
	client.rooms[auctionID] = true
	client.roomsMu.Unlock()

	bidsCh := cache.AuctionBidsChannel(auctionID.String())
	if !g.pubsub.Subscribed(bidsCh) {
		if err := g.pubsub.Subscribe(ctx, bidsCh, g.handleAuctionBids); err != nil {
			return err
		}
	}
	eventsCh := cache.AuctionEventsChannel(auctionID.String())
	if !g.pubsub.Subscribed(eventsCh) {
		if err := g.pubsub.Subscribe(ctx, eventsCh, g.handleAuctionEvents); err != nil {
			return err
		}
	}
	return nil
}

func (g *Gateway) leaveRoom(client *Client, auctionID uuid.UUID) {
	g.mu.Lock()
	if members, ok := g.rooms[auctionID]; ok {
		delete(members, client.ID)
	}
	g.mu.Unlock()

	client.roomsMu.Lock()
	delete(client.rooms, auctionID)
	client.roomsMu.Unlock()
}

// broadcastRoom delivers an event to every socket in the room except the
// excluded one (empty string excludes nobody).
func (g *Gateway) broadcastRoom(auctionID uuid.UUID, event string, data interface{}, excludeSocket string) {
	payload, err := json.Marshal(serverMessage{Type: event, Data: data, Timestamp: time.Now()})
	if err != nil {
		g.logger.Error("marshaling broadcast failed", zap.Error(err))
		return
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	for socketID, client := range g.rooms[auctionID] {
		if socketID == excludeSocket {
			continue
		}
		select {
		case client.send <- payload:
		default:
			g.logger.Warn("client send buffer full, dropping event",
				zap.String("socket_id", socketID),
				zap.String("event", event))
		}
	}
}

// sendToIdentity delivers an event to every local socket of an identity.
func (g *Gateway) sendToIdentity(userID uuid.UUID, event string, data interface{}) {
	payload, err := json.Marshal(serverMessage{Type: event, Data: data, Timestamp: time.Now()})
	if err != nil {
		return
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, client := range g.identity[userID] {
		select {
		case client.send <- payload:
		default:
		}
	}
}

// Pub/sub fan-out

// handleAuctionBids routes `auction:{id}:bids` messages to the local room.
func (g *Gateway) handleAuctionBids(channel string, payload []byte) {
	var event bidding.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		g.logger.Error("unmarshaling bid event failed", zap.String("channel", channel), zap.Error(err))
		return
	}

	switch event.Type {
	case bidding.EventBidUpdate:
		g.broadcastRoom(event.AuctionID, "bidUpdate", map[string]interface{}{
			"auctionId": event.AuctionID,
			"bidId":     event.BidID,
			"userId":    event.UserID,
			"bidAmount": event.Amount,
			"timestamp": event.Timestamp,
			"user":      event.Username,
		}, "")
	case bidding.EventOutbid:
		// The whole room receives this; clients ignore events naming their
		// own identity as the new top bidder.
		g.broadcastRoom(event.AuctionID, "outbid", map[string]interface{}{
			"auctionId":    event.AuctionID,
			"newBidAmount": event.Amount,
			"newBidUser":   event.Username,
			"message":      "you have been outbid",
		}, "")
	}
}

// handleAuctionEvents routes `auction:{id}:events` lifecycle messages.
func (g *Gateway) handleAuctionEvents(channel string, payload []byte) {
	var event bidding.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		g.logger.Error("unmarshaling auction event failed", zap.String("channel", channel), zap.Error(err))
		return
	}

	if event.Type != bidding.EventAuctionEnd {
		return
	}

	g.broadcastRoom(event.AuctionID, "auctionEnd", map[string]interface{}{
		"auctionId":  event.AuctionID,
		"winningBid": event.Amount,
		"winnerId":   event.WinnerID,
		"message":    "auction has ended",
	}, "")

	if event.WinnerID != nil {
		g.sendToIdentity(*event.WinnerID, "auctionWon", map[string]interface{}{
			"auctionId":  event.AuctionID,
			"winningBid": event.Amount,
			"message":    "congratulations, you won the auction",
		})
	}
}

// handleNotification delivers identity-addressed notifications fanned through
// every instance on the global channel.
func (g *Gateway) handleNotification(channel string, payload []byte) {
	var n queue.Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		g.logger.Error("unmarshaling notification failed", zap.Error(err))
		return
	}

	switch n.Type {
	case queue.NotificationBidFailed:
		g.sendToIdentity(n.UserID, "error", map[string]interface{}{
			"message": n.Reason,
		})
	default:
		g.sendToIdentity(n.UserID, "notification", map[string]interface{}{
			"type":      n.Type,
			"auctionId": n.AuctionID,
			"amount":    n.Amount,
		})
	}
}

// Client send helpers

func (c *Client) sendEvent(event string, data interface{}) {
	payload, err := json.Marshal(serverMessage{Type: event, Data: data, Timestamp: time.Now()})
	if err != nil {
		return
	}
	select {
	case c.send <- payload:
	default:
		c.gateway.logger.Warn("client send buffer full", zap.String("socket_id", c.ID))
	}
}

func (c *Client) sendError(message string) {
	c.sendEvent("error", map[string]interface{}{"message": message})
}

// RoomSize reports local membership of an auction room.
func (g *Gateway) RoomSize(auctionID uuid.UUID) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rooms[auctionID])
}
