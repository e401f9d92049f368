package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/openbid/car-auction-backend/internal/infrastructure/auth"
	"github.com/openbid/car-auction-backend/internal/infrastructure/cache"
	"github.com/openbid/car-auction-backend/internal/infrastructure/config"
	"github.com/openbid/car-auction-backend/internal/infrastructure/queue"
	"github.com/openbid/car-auction-backend/internal/service/admission"
	"github.com/openbid/car-auction-backend/internal/service/bidding"
)

func TestClientAddress(t *testing.T) {
	tests := []struct {
		name      string
		forwarded string
		realIP    string
		remote    string
		want      string
	}{
		{
			name:      "forwarded-for wins and takes the first hop",
			forwarded: "203.0.113.7, 10.0.0.1",
			realIP:    "198.51.100.2",
			remote:    "192.0.2.1:5555",
			want:      "203.0.113.7",
		},
		{
			name:   "real-ip is the fallback",
			realIP: "198.51.100.2",
			remote: "192.0.2.1:5555",
			want:   "198.51.100.2",
		},
		{
			name:   "remote addr strips the port",
			remote: "192.0.2.1:5555",
			want:   "192.0.2.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/ws", nil)
			r.RemoteAddr = tt.remote
			if tt.forwarded != "" {
				r.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if tt.realIP != "" {
				r.Header.Set("X-Real-IP", tt.realIP)
			}
			assert.Equal(t, tt.want, clientAddress(r))
		})
	}
}

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	return NewGateway(nil, nil, nil, nil, nil, nil, nil, config.BiddingConfig{}, zaptest.NewLogger(t))
}

func addTestClient(g *Gateway, userID uuid.UUID, socketID string, rooms ...uuid.UUID) *Client {
	c := &Client{
		ID:          socketID,
		UserID:      userID,
		Username:    "user-" + socketID,
		ConnectedAt: time.Now(),
		send:        make(chan []byte, 8),
		gateway:     g,
		rooms:       make(map[uuid.UUID]bool),
	}
	g.clients[socketID] = c
	if g.identity[userID] == nil {
		g.identity[userID] = make(map[string]*Client)
	}
	g.identity[userID][socketID] = c

	for _, auctionID := range rooms {
		if g.rooms[auctionID] == nil {
			g.rooms[auctionID] = make(map[string]*Client)
		}
		g.rooms[auctionID][socketID] = c
		c.rooms[auctionID] = true
	}
	return c
}

func receive(t *testing.T, c *Client) serverMessage {
	t.Helper()
	select {
	case raw := <-c.send:
		var msg serverMessage
		require.NoError(t, json.Unmarshal(raw, &msg))
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
		return serverMessage{}
	}
}

func assertNoMessage(t *testing.T, c *Client) {
	t.Helper()
	select {
	case raw := <-c.send:
		t.Fatalf("unexpected message: %s", raw)
	default:
	}
}

func TestBroadcastRoomExcludesSocket(t *testing.T) {
	g := newTestGateway(t)
	auctionID := uuid.New()

	alice := addTestClient(g, uuid.New(), "s-alice", auctionID)
	bob := addTestClient(g, uuid.New(), "s-bob", auctionID)
	carol := addTestClient(g, uuid.New(), "s-carol") // not in the room

	g.broadcastRoom(auctionID, "userJoined", map[string]interface{}{"username": "dave"}, "s-alice")

	msg := receive(t, bob)
	assert.Equal(t, "userJoined", msg.Type)

	assertNoMessage(t, alice)
	assertNoMessage(t, carol)

	assert.Equal(t, 2, g.RoomSize(auctionID))
}

func TestHandleAuctionBidsFanout(t *testing.T) {
	g := newTestGateway(t)
	auctionID := uuid.New()
	member := addTestClient(g, uuid.New(), "s-1", auctionID)

	event := bidding.Event{
		Type:      bidding.EventBidUpdate,
		AuctionID: auctionID,
		BidID:     uuid.New(),
		UserID:    uuid.New(),
		Username:  "alice",
		Amount:    1100,
		BidCount:  3,
		Timestamp: time.Now(),
	}
	payload, err := json.Marshal(event)
	require.NoError(t, err)

	g.handleAuctionBids("auction:"+auctionID.String()+":bids", payload)

	msg := receive(t, member)
	assert.Equal(t, "bidUpdate", msg.Type)
	data := msg.Data.(map[string]interface{})
	assert.Equal(t, auctionID.String(), data["auctionId"])
	assert.Equal(t, "alice", data["user"])
	assert.Equal(t, float64(1100), data["bidAmount"])
}

func TestHandleAuctionBidsOutbidGoesToWholeRoom(t *testing.T) {
	g := newTestGateway(t)
	auctionID := uuid.New()
	alice := addTestClient(g, uuid.New(), "s-alice", auctionID)
	bob := addTestClient(g, uuid.New(), "s-bob", auctionID)

	event := bidding.Event{
		Type:      bidding.EventOutbid,
		AuctionID: auctionID,
		Username:  "alice",
		Amount:    1200,
		Timestamp: time.Now(),
	}
	payload, err := json.Marshal(event)
	require.NoError(t, err)

	g.handleAuctionBids("auction:"+auctionID.String()+":bids", payload)

	for _, c := range []*Client{alice, bob} {
		msg := receive(t, c)
		assert.Equal(t, "outbid", msg.Type)
		data := msg.Data.(map[string]interface{})
		assert.Equal(t, "alice", data["newBidUser"])
		assert.Equal(t, float64(1200), data["newBidAmount"])
	}
}

func TestHandleAuctionEndNotifiesWinner(t *testing.T) {
	g := newTestGateway(t)
	auctionID := uuid.New()
	winnerID := uuid.New()

	winner := addTestClient(g, winnerID, "s-winner", auctionID)
	loser := addTestClient(g, uuid.New(), "s-loser", auctionID)

	event := bidding.Event{
		Type:      bidding.EventAuctionEnd,
		AuctionID: auctionID,
		Amount:    4200,
		WinnerID:  &winnerID,
		Timestamp: time.Now(),
	}
	payload, err := json.Marshal(event)
	require.NoError(t, err)

	g.handleAuctionEvents("auction:"+auctionID.String()+":events", payload)

	// Everyone in the room sees auctionEnd.
	msg := receive(t, loser)
	assert.Equal(t, "auctionEnd", msg.Type)

	// The winner additionally gets auctionWon on their identity.
	first := receive(t, winner)
	second := receive(t, winner)
	types := []string{first.Type, second.Type}
	assert.ElementsMatch(t, []string{"auctionEnd", "auctionWon"}, types)
	assertNoMessage(t, loser)
}

func TestHandleNotificationRouting(t *testing.T) {
	g := newTestGateway(t)
	userID := uuid.New()
	mine := addTestClient(g, userID, "s-mine")
	other := addTestClient(g, uuid.New(), "s-other")

	failed, err := json.Marshal(queue.Notification{
		Type:   queue.NotificationBidFailed,
		UserID: userID,
		Reason: "bid must be at least 1100",
	})
	require.NoError(t, err)

	g.handleNotification("global:notifications", failed)

	msg := receive(t, mine)
	assert.Equal(t, "error", msg.Type)
	data := msg.Data.(map[string]interface{})
	assert.Equal(t, "bid must be at least 1100", data["message"])
	assertNoMessage(t, other)

	success, err := json.Marshal(queue.Notification{
		Type:      queue.NotificationBidSuccess,
		UserID:    userID,
		AuctionID: uuid.New(),
		Amount:    1100,
	})
	require.NoError(t, err)

	g.handleNotification("global:notifications", success)

	msg = receive(t, mine)
	assert.Equal(t, "notification", msg.Type)
}

// newLiveGateway wires a gateway with a real admission controller and pub/sub
// fabric over miniredis, started and ready for websocket handshakes.
func newLiveGateway(t *testing.T) (*Gateway, *auth.Service) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	c, err := cache.NewRedisCache(client, zaptest.NewLogger(t))
	require.NoError(t, err)

	ps := cache.NewPubSub(client, zaptest.NewLogger(t))
	ps.Start(context.Background())
	t.Cleanup(func() { ps.Close() })

	adm := admission.NewController(c, config.AdmissionConfig{
		MaxPerAddress:  5,
		MaxPerIdentity: 3,
		TrackingWindow: time.Minute,
		BlockDuration:  5 * time.Minute,
	}, zaptest.NewLogger(t))

	authSvc, err := auth.NewService("test-secret", time.Hour)
	require.NoError(t, err)

	g := NewGateway(adm, authSvc, nil, c, ps, nil, nil, config.BiddingConfig{}, zaptest.NewLogger(t))
	require.NoError(t, g.Start(context.Background()))
	t.Cleanup(g.Stop)
	return g, authSvc
}

func TestHandshakeDeliversConnectedFirst(t *testing.T) {
	g, authSvc := newLiveGateway(t)
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)

	userID := uuid.New()
	token, err := authSvc.GenerateToken(userID, "alice")
	require.NoError(t, err)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=" + token

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	var msg serverMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "connected", msg.Type)
	data := msg.Data.(map[string]interface{})
	assert.Equal(t, userID.String(), data["userId"])
	assert.Equal(t, "alice", data["username"])

	// A peer that hangs up without reading anything leaves the hub healthy
	// for the next handshake.
	abrupt, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	require.NoError(t, abrupt.Close())

	second, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	require.NoError(t, second.ReadJSON(&msg))
	assert.Equal(t, "connected", msg.Type)

	conn.Close()
	second.Close()

	require.Eventually(t, func() bool {
		g.mu.RLock()
		defer g.mu.RUnlock()
		return len(g.clients) == 0
	}, 2*time.Second, 10*time.Millisecond, "disconnected sockets drain from the hub")
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	g, _ := newLiveGateway(t)
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(wsURL+"?token=garbage", nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDisconnectDoesNotBlockAfterStop(t *testing.T) {
	g := newTestGateway(t)
	g.ctx, g.cancel = context.WithCancel(context.Background())
	c := addTestClient(g, uuid.New(), "s-1")

	// No hub loop is running; only the cancelled context lets go.
	g.cancel()

	done := make(chan struct{})
	go func() {
		c.disconnect()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disconnect blocked after hub shutdown")
	}
}

func TestLeaveRoomBookkeeping(t *testing.T) {
	g := newTestGateway(t)
	auctionID := uuid.New()
	c := addTestClient(g, uuid.New(), "s-1", auctionID)

	require.Equal(t, 1, g.RoomSize(auctionID))
	g.leaveRoom(c, auctionID)
	assert.Equal(t, 0, g.RoomSize(auctionID))
	assert.False(t, c.rooms[auctionID])
}
