// Package notify publishes committed lifecycle events to RabbitMQ.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	"civicflow/internal/domain"
)

const (
	connectMaxElapsed = 30 * time.Second
	publishTimeout    = 5 * time.Second
)

// Noop drops every event.
type Noop struct{}

func (Noop) Publish(context.Context, domain.Event) error { return nil }

type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// dialer returns an open channel plus a closer for the underlying connection.
type dialer func(url string) (channel, func() error, error)

func dialAMQP(url string) (channel, func() error, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}
	return ch, conn.Close, nil
}

// Publisher sends events to a durable topic exchange, routed by event type.
type Publisher struct {
	url      string
	exchange string
	logger   *slog.Logger
	dial     dialer

	mu        sync.Mutex
	ch        channel
	closeConn func() error
}

func newBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = connectMaxElapsed
	return bo
}

// Dial connects with exponential backoff and declares the exchange.
func Dial(ctx context.Context, url, exchange string, logger *slog.Logger) (*Publisher, error) {
	p := &Publisher{url: url, exchange: exchange, logger: logger, dial: dialAMQP}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if err := p.connect(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Publisher) connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		return nil
	}
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		ch, closeConn, err := p.dial(p.url)
		if err != nil {
			p.logger.Warn("rabbitmq connect failed", "attempt", attempt, "err", err)
			return err
		}
		if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
			ch.Close()
			closeConn()
			return backoff.Permanent(fmt.Errorf("failed to declare exchange %s: %w", p.exchange, err))
		}
		p.ch, p.closeConn = ch, closeConn
		return nil
	}, backoff.WithContext(newBackoff(), ctx))
}

func (p *Publisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		p.ch.Close()
		p.closeConn()
	}
	p.ch, p.closeConn = nil, nil
}

// Publish sends ev as a persistent JSON message. A closed channel is
// reopened once before giving up.
func (p *Publisher) Publish(ctx context.Context, ev domain.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.ID,
		Type:         ev.Type,
		Timestamp:    ev.OccurredAt,
		Body:         body,
	}
	err = p.publish(ctx, ev.Type, msg)
	if errors.Is(err, amqp.ErrClosed) {
		p.reset()
		if err := p.connect(ctx); err != nil {
			return err
		}
		err = p.publish(ctx, ev.Type, msg)
	}
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", ev.Type, err)
	}
	return nil
}

func (p *Publisher) publish(ctx context.Context, key string, msg amqp.Publishing) error {
	p.mu.Lock()
	ch := p.ch
	p.mu.Unlock()
	if ch == nil {
		return amqp.ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return ch.PublishWithContext(ctx, p.exchange, key, false, false, msg)
}

func (p *Publisher) Close() error {
	p.reset()
	return nil
}
