package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Handler consumes one pub/sub message. Payloads are JSON.
type Handler func(channel string, payload []byte)

// PubSub multiplexes one long-lived subscriber connection per process. All
// incoming messages are dispatched by channel name to registered handlers;
// publishing goes through the main client so a slow subscriber cannot block
// the publish path.
type PubSub struct {
	client *redis.Client
	logger *zap.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	sub      *redis.PubSub

	done chan struct{}
}

// NewPubSub creates the pub/sub fabric. Start must be called before Subscribe.
func NewPubSub(client *redis.Client, logger *zap.Logger) *PubSub {
	return &PubSub{
		client:   client,
		logger:   logger,
		handlers: make(map[string]Handler),
		done:     make(chan struct{}),
	}
}

// Start opens the subscriber connection and begins dispatching.
func (p *PubSub) Start(ctx context.Context) {
	p.sub = p.client.Subscribe(ctx)
	go p.dispatch()
}

func (p *PubSub) dispatch() {
	ch := p.sub.Channel()
	for {
		select {
		case <-p.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			p.mu.RLock()
			handler := p.handlers[msg.Channel]
			p.mu.RUnlock()
			if handler == nil {
				// Subscription retained past local interest; drop quietly.
				continue
			}
			handler(msg.Channel, []byte(msg.Payload))
		}
	}
}

// Publish marshals v and publishes it on channel.
func (p *PubSub) Publish(ctx context.Context, channel string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("pubsub marshal failed: %w", err)
	}
	if err := p.client.Publish(ctx, channel, data).Err(); err != nil {
		p.logger.Error("pubsub publish failed", zap.String("channel", channel), zap.Error(err))
		return fmt.Errorf("pubsub publish failed: %w", err)
	}
	return nil
}

// Subscribe registers handler for channel and adds the channel to the shared
// subscriber connection. Re-subscribing the same channel replaces the handler
// without touching the wire.
func (p *PubSub) Subscribe(ctx context.Context, channel string, handler Handler) error {
	p.mu.Lock()
	_, exists := p.handlers[channel]
	p.handlers[channel] = handler
	p.mu.Unlock()

	if exists {
		return nil
	}

	if err := p.sub.Subscribe(ctx, channel); err != nil {
		p.mu.Lock()
		delete(p.handlers, channel)
		p.mu.Unlock()
		p.logger.Error("pubsub subscribe failed", zap.String("channel", channel), zap.Error(err))
		return fmt.Errorf("pubsub subscribe failed: %w", err)
	}

	p.logger.Debug("pubsub subscribed", zap.String("channel", channel))
	return nil
}

// Subscribed reports whether a handler is registered for channel.
func (p *PubSub) Subscribed(channel string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.handlers[channel]
	return ok
}

// Unsubscribe drops the handler and the wire subscription.
func (p *PubSub) Unsubscribe(ctx context.Context, channel string) error {
	p.mu.Lock()
	delete(p.handlers, channel)
	p.mu.Unlock()

	if err := p.sub.Unsubscribe(ctx, channel); err != nil {
		p.logger.Error("pubsub unsubscribe failed", zap.String("channel", channel), zap.Error(err))
		return fmt.Errorf("pubsub unsubscribe failed: %w", err)
	}
	return nil
}

// Close tears down the subscriber connection.
func (p *PubSub) Close() error {
	close(p.done)
	if p.sub != nil {
		return p.sub.Close()
	}
	return nil
}
