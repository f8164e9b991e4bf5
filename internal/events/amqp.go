package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultPublishTimeout = 2 * time.Second
	minRedialBackoff      = time.Second
	maxRedialBackoff      = 30 * time.Second
)

// ErrBrokerUnavailable is returned without dialing while a failed connection
// attempt is backing off.
var ErrBrokerUnavailable = errors.New("events: broker unavailable")

// channel is the subset of *amqp.Channel the publisher uses.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes persistent JSON messages to a durable topic exchange.
// The routing key is the event type.
type AMQPPublisher struct {
	url      string
	exchange string
	timeout  time.Duration
	log      *slog.Logger

	// sem guards the fields below; acquiring it honours the caller's context.
	sem     chan struct{}
	conn    *amqp.Connection
	ch      channel
	dial    func(ctx context.Context, url string) (*amqp.Connection, channel, error)
	now     func() time.Time
	backoff time.Duration
	retryAt time.Time
}

// NewAMQPPublisher prepares a publisher; the connection is opened lazily and
// re-established after failures.
func NewAMQPPublisher(url, exchange string, log *slog.Logger) (*AMQPPublisher, error) {
	if url == "" {
		return nil, errors.New("events: amqp url is required")
	}
	if exchange == "" {
		exchange = "nbihak.security"
	}
	if log == nil {
		log = slog.Default()
	}
	return &AMQPPublisher{
		url:      url,
		exchange: exchange,
		timeout:  defaultPublishTimeout,
		log:      log,
		dial:     dialAMQP,
		now:      time.Now,
		sem:      make(chan struct{}, 1),
	}, nil
}

// dialAMQP bounds the TCP connect and the AMQP handshake by ctx. The library
// clears the deadline once the connection is open.
func dialAMQP(ctx context.Context, url string) (*amqp.Connection, channel, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Locale: "en_US",
		Dial: func(network, addr string) (net.Conn, error) {
			var d net.Dialer
			c, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if deadline, ok := ctx.Deadline(); ok {
				if err := c.SetDeadline(deadline); err != nil {
					_ = c.Close()
					return nil, err
				}
			}
			return c, nil
		},
	})
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, ch, nil
}

// Publish sends ev within the publisher timeout or the caller's deadline,
// whichever is sooner, including any reconnect.
func (p *AMQPPublisher) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("events: publish: %w", ctx.Err())
	}
	defer func() { <-p.sem }()
	if err := p.ensureChannel(ctx); err != nil {
		return err
	}

	err = p.ch.PublishWithContext(ctx, p.exchange, ev.Type, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    ev.OccurredAt.UTC(),
		Type:         ev.Type,
		Body:         body,
	})
	if err != nil {
		p.log.Warn("events.publish.failed", "type", ev.Type, "error", err)
		p.resetLocked()
		return fmt.Errorf("events: publish: %w", err)
	}
	return nil
}

func (p *AMQPPublisher) ensureChannel(ctx context.Context) error {
	if p.ch != nil {
		return nil
	}
	if now := p.now(); now.Before(p.retryAt) {
		return fmt.Errorf("%w: retry in %s", ErrBrokerUnavailable, p.retryAt.Sub(now).Round(time.Millisecond))
	}
	conn, ch, err := p.dial(ctx, p.url)
	if err != nil {
		p.failedDial()
		return fmt.Errorf("events: dial: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		if conn != nil {
			_ = conn.Close()
		}
		p.failedDial()
		return fmt.Errorf("events: declare exchange: %w", err)
	}
	p.conn, p.ch = conn, ch
	p.backoff, p.retryAt = 0, time.Time{}
	return nil
}

// failedDial doubles the redial backoff up to maxRedialBackoff.
func (p *AMQPPublisher) failedDial() {
	p.backoff = min(max(p.backoff*2, minRedialBackoff), maxRedialBackoff)
	p.retryAt = p.now().Add(p.backoff)
	p.log.Warn("events.dial.failed", "retry_in", p.backoff.String())
}

func (p *AMQPPublisher) resetLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.conn, p.ch = nil, nil
}

// Close releases the broker connection.
func (p *AMQPPublisher) Close() error {
	p.sem <- struct{}{}
	defer func() { <-p.sem }()
	p.resetLocked()
	return nil
}
