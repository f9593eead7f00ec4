// Package notify publishes change events to an AMQP broker after queued
// mutations land remotely, so other devices on a shared account can refresh
// without polling. It is strictly optional: the sync path never depends on it.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/pocketledger/pocketledger/pkg/metrics"
)

const exchangeName = "ledger.changes"

// Event is the wire payload broadcast for every synced mutation.
type Event struct {
	UserID     string    `json:"userId"`
	Collection string    `json:"collection"`
	Action     string    `json:"action"`
	EntityID   string    `json:"entityId"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Publisher handles the low-level communication with the message broker.
// A dropped connection is redialed lazily on the next publish.
type Publisher struct {
	url    string
	logger *slog.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel

	healthy atomic.Bool
	closed  atomic.Bool
}

// NewPublisher dials the broker and opens a confirmed channel.
func NewPublisher(url string, l *slog.Logger) (*Publisher, error) {
	p := &Publisher{url: url, logger: l}
	if err := p.connect(); err != nil {
		return nil, err
	}
	l.Info("Connected to AMQP broker for change notifications", "exchange", exchangeName)
	return p, nil
}

// connect establishes connection and channel, enabling Publisher Confirms.
// Callers hold no lock on the first dial; reconnects hold p.mu.
func (p *Publisher) connect() error {
	c, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("failed to connect to AMQP broker: %v", err)
	}

	ch, err := c.Channel()
	if err != nil {
		c.Close()
		return fmt.Errorf("failed to open AMQP channel: %v", err)
	}

	if err := ch.ExchangeDeclare(
		exchangeName,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		ch.Close()
		c.Close()
		return fmt.Errorf("failed to declare topic exchange: %v", err)
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		c.Close()
		return fmt.Errorf("failed to activate Publisher Confirms: %v", err)
	}

	connClosed := make(chan *amqp.Error, 1)
	chanClosed := make(chan *amqp.Error, 1)
	c.NotifyClose(connClosed)
	ch.NotifyClose(chanClosed)

	go func() {
		select {
		case err := <-connClosed:
			p.healthy.Store(false)
			if err != nil {
				p.logger.Warn("AMQP connection closed", "error", err)
			}
		case err := <-chanClosed:
			p.healthy.Store(false)
			if err != nil {
				p.logger.Warn("AMQP channel closed", "error", err)
			}
		}
	}()

	p.conn = c
	p.channel = ch
	p.healthy.Store(true)
	return nil
}

// ensureConnected redials after a dropped link. Returns the channel to
// publish on so the caller never races a concurrent reconnect.
func (p *Publisher) ensureConnected() (*amqp.Channel, error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("publisher is closed")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.healthy.Load() {
		if p.channel != nil {
			p.channel.Close()
		}
		if p.conn != nil {
			p.conn.Close()
		}
		if err := p.connect(); err != nil {
			return nil, err
		}
		metrics.NotifierReconnections.Inc()
		p.logger.Info("AMQP link re-established")
	}
	return p.channel, nil
}

// EntityChanged publishes a change event and blocks until a confirmation
// (ACK/NACK) is received.
func (p *Publisher) EntityChanged(ctx context.Context, userID, collection, action, entityID string) error {
	ch, err := p.ensureConnected()
	if err != nil {
		return err
	}

	event := Event{
		UserID:     userID,
		Collection: collection,
		Action:     action,
		EntityID:   entityID,
		OccurredAt: time.Now().UTC(),
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %v", err)
	}

	routingKey := fmt.Sprintf("ledger.user.%s.%s.%s", userID, collection, action)
	l := p.logger.With("routing_key", routingKey, "entity_id", entityID)

	deferred, err := ch.PublishWithDeferredConfirmWithContext(
		ctx,
		exchangeName,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
	if err != nil {
		l.Error("failed to publish change event", "error", err)
		return fmt.Errorf("publish call failed: %v", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-deferred.Done():
		if !deferred.Acked() {
			return fmt.Errorf("AMQP NACK received: event not persisted")
		}
		return nil
	case <-time.After(10 * time.Second):
		return fmt.Errorf("publisher confirm timeout")
	}
}

// IsHealthy returns true if the connection and channel are active.
func (p *Publisher) IsHealthy() bool {
	return p.healthy.Load()
}

// Close gracefully shuts down the broker resources.
func (p *Publisher) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.logger.Info("Terminating AMQP publisher")

	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthy.Store(false)
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
	return nil
}
