package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/openbid/car-auction-backend/internal/infrastructure/config"
)

// Exchange, queue and routing key names of the broker topology.
const (
	ExchangeAuctionEvents = "auction-events"
	ExchangeNotifications = "notifications"
	ExchangeAudit         = "audit"
	ExchangeDeadLetter    = "dead-letter"

	QueueBidPlaced     = "bid-placed"
	QueueNotifications = "notifications"
	QueueAudit         = "audit-log"
	QueueDeadLetter    = "dead-letter"

	RoutingKeyBidPlaced    = "bid.placed"
	RoutingKeyNotification = "notification"
	RoutingKeyAudit        = "audit.log"
)

// Handler consumes one message body. A nil return acks; an error nacks
// without requeue so the message dead-letters.
type Handler func(ctx context.Context, body []byte) error

// RabbitMQ is the queue adapter. If the broker is unreachable at startup the
// adapter constructs in a disabled state: publishes are dropped with a
// warning and consumer setup is a no-op (the HTTP fallback path then covers
// bid placement).
type RabbitMQ struct {
	conn   *amqp.Connection
	logger *zap.Logger
	cfg    *config.QueueConfig

	mu  sync.Mutex
	pub *amqp.Channel

	disabled bool
}

// NewRabbitMQ dials the broker and declares the topology. Dial failure is not
// fatal; it yields a disabled adapter.
func NewRabbitMQ(cfg *config.QueueConfig, logger *zap.Logger) *RabbitMQ {
	q := &RabbitMQ{logger: logger, cfg: cfg}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		logger.Warn("queue broker unreachable, running with queue disabled",
			zap.String("url", cfg.URL),
			zap.Error(err))
		q.disabled = true
		return q
	}
	q.conn = conn

	ch, err := conn.Channel()
	if err != nil {
		logger.Warn("queue channel setup failed, running with queue disabled", zap.Error(err))
		conn.Close()
		q.conn = nil
		q.disabled = true
		return q
	}

	if err := q.declareTopology(ch); err != nil {
		logger.Warn("queue topology setup failed, running with queue disabled", zap.Error(err))
		ch.Close()
		conn.Close()
		q.conn = nil
		q.disabled = true
		return q
	}
	q.pub = ch

	logger.Info("queue adapter initialized",
		zap.String("url", cfg.URL),
		zap.Int("prefetch", cfg.Prefetch))
	return q
}

// Enabled reports whether the broker connection is live.
func (q *RabbitMQ) Enabled() bool {
	return !q.disabled
}

func (q *RabbitMQ) declareTopology(ch *amqp.Channel) error {
	exchanges := []string{ExchangeAuctionEvents, ExchangeNotifications, ExchangeAudit, ExchangeDeadLetter}
	for _, name := range exchanges {
		if err := ch.ExchangeDeclare(name, "direct", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declaring exchange %s: %w", name, err)
		}
	}

	if _, err := ch.QueueDeclare(QueueDeadLetter, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring dead-letter queue: %w", err)
	}
	if err := ch.QueueBind(QueueDeadLetter, "#", ExchangeDeadLetter, false, nil); err != nil {
		return fmt.Errorf("binding dead-letter queue: %w", err)
	}

	mainArgs := amqp.Table{
		"x-message-ttl":          q.cfg.MessageTTL.Milliseconds(),
		"x-dead-letter-exchange": ExchangeDeadLetter,
	}
	bindings := []struct {
		queue    string
		key      string
		exchange string
	}{
		{QueueBidPlaced, RoutingKeyBidPlaced, ExchangeAuctionEvents},
		{QueueNotifications, RoutingKeyNotification, ExchangeNotifications},
		{QueueAudit, RoutingKeyAudit, ExchangeAudit},
	}
	for _, b := range bindings {
		if _, err := ch.QueueDeclare(b.queue, true, false, false, false, mainArgs); err != nil {
			return fmt.Errorf("declaring queue %s: %w", b.queue, err)
		}
		if err := ch.QueueBind(b.queue, b.key, b.exchange, false, nil); err != nil {
			return fmt.Errorf("binding queue %s: %w", b.queue, err)
		}
	}

	return nil
}

func (q *RabbitMQ) publish(ctx context.Context, exchange, key string, v interface{}) error {
	if q.disabled {
		q.logger.Warn("queue disabled, dropping publish",
			zap.String("exchange", exchange),
			zap.String("routing_key", key))
		return nil
	}

	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	err = q.pub.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		q.logger.Error("queue publish failed",
			zap.String("exchange", exchange),
			zap.String("routing_key", key),
			zap.Error(err))
		return fmt.Errorf("publishing to %s: %w", exchange, err)
	}
	return nil
}

// PublishBidPlaced routes a bid envelope to the bid-placed queue.
func (q *RabbitMQ) PublishBidPlaced(ctx context.Context, env *BidEnvelope) error {
	return q.publish(ctx, ExchangeAuctionEvents, RoutingKeyBidPlaced, env)
}

// PublishNotification routes an identity-addressed notification.
func (q *RabbitMQ) PublishNotification(ctx context.Context, n *Notification) error {
	return q.publish(ctx, ExchangeNotifications, RoutingKeyNotification, n)
}

// PublishAudit routes an audit entry. Best-effort by contract: callers log
// and continue on error.
func (q *RabbitMQ) PublishAudit(ctx context.Context, a *AuditEntry) error {
	return q.publish(ctx, ExchangeAudit, RoutingKeyAudit, a)
}

// consume opens a dedicated channel with the configured prefetch and runs
// handler for each delivery until ctx is done. Panics are contained: the
// delivery is nacked without requeue and dead-letters.
func (q *RabbitMQ) consume(ctx context.Context, queueName string, handler Handler) error {
	if q.disabled {
		q.logger.Warn("queue disabled, skipping consumer setup", zap.String("queue", queueName))
		return nil
	}

	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("opening consumer channel: %w", err)
	}
	if err := ch.Qos(q.cfg.Prefetch, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("setting prefetch: %w", err)
	}

	deliveries, err := ch.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("starting consumer on %s: %w", queueName, err)
	}

	go func() {
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				q.handleDelivery(ctx, queueName, d, handler)
			}
		}
	}()

	q.logger.Info("consumer started", zap.String("queue", queueName))
	return nil
}

func (q *RabbitMQ) handleDelivery(ctx context.Context, queueName string, d amqp.Delivery, handler Handler) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("consumer handler panicked",
				zap.String("queue", queueName),
				zap.Any("panic", r))
			_ = d.Nack(false, false)
		}
	}()

	if err := handler(ctx, d.Body); err != nil {
		q.logger.Warn("message rejected",
			zap.String("queue", queueName),
			zap.Error(err))
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
}

// ConsumeBidPlaced registers the bid envelope consumer.
func (q *RabbitMQ) ConsumeBidPlaced(ctx context.Context, handler func(ctx context.Context, env *BidEnvelope) error) error {
	return q.consume(ctx, QueueBidPlaced, func(ctx context.Context, body []byte) error {
		var env BidEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return fmt.Errorf("unmarshaling bid envelope: %w", err)
		}
		return handler(ctx, &env)
	})
}

// ConsumeNotifications registers the notification consumer.
func (q *RabbitMQ) ConsumeNotifications(ctx context.Context, handler func(ctx context.Context, n *Notification) error) error {
	return q.consume(ctx, QueueNotifications, func(ctx context.Context, body []byte) error {
		var n Notification
		if err := json.Unmarshal(body, &n); err != nil {
			return fmt.Errorf("unmarshaling notification: %w", err)
		}
		return handler(ctx, &n)
	})
}

// ConsumeAudit registers the audit consumer.
func (q *RabbitMQ) ConsumeAudit(ctx context.Context, handler func(ctx context.Context, a *AuditEntry) error) error {
	return q.consume(ctx, QueueAudit, func(ctx context.Context, body []byte) error {
		var a AuditEntry
		if err := json.Unmarshal(body, &a); err != nil {
			return fmt.Errorf("unmarshaling audit entry: %w", err)
		}
		return handler(ctx, &a)
	})
}

// Ping reports broker liveness for health checks.
func (q *RabbitMQ) Ping() error {
	if q.disabled || q.conn == nil || q.conn.IsClosed() {
		return fmt.Errorf("queue broker not connected")
	}
	return nil
}

// Close shuts down the broker connection.
func (q *RabbitMQ) Close() error {
	if q.disabled || q.conn == nil {
		return nil
	}
	if q.pub != nil {
		_ = q.pub.Close()
	}
	return q.conn.Close()
}
