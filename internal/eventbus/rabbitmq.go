// Package eventbus publishes domain events to a RabbitMQ topic exchange.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/streadway/amqp"
)

const (
	defaultConfirmTimeout = 5 * time.Second
	defaultQueueSize      = 256
)

var (
	ErrNotConfirmed   = errors.New("message not confirmed by broker")
	ErrConfirmTimeout = errors.New("publish confirmation timeout")
	ErrClosed         = errors.New("publisher closed")
	ErrQueueFull      = errors.New("publish queue full")
)

// Channel is the subset of *amqp.Channel the publisher uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type message struct {
	routingKey string
	body       []byte
}

type Option func(*RabbitMQPublisher)

// WithConfirmTimeout bounds how long one message waits for the broker's ack.
func WithConfirmTimeout(d time.Duration) Option {
	return func(p *RabbitMQPublisher) { p.timeout = d }
}

func WithQueueSize(n int) Option {
	return func(p *RabbitMQPublisher) { p.queueSize = n }
}

// RabbitMQPublisher queues JSON messages and sends them from a single
// goroutine that waits for each broker confirm, so confirms can be matched
// by delivery tag. Callers never wait for the broker.
type RabbitMQPublisher struct {
	conn      *amqp.Connection
	ch        Channel
	exchange  string
	confirms  chan amqp.Confirmation
	nextTag   uint64 // owned by run
	timeout   time.Duration
	queueSize int

	mu     sync.RWMutex
	closed bool
	queue  chan message
	done   chan struct{}
}

// Dial connects to url and declares exchange as a durable topic exchange.
func Dial(url, exchange string, opts ...Option) (*RabbitMQPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("eventbus: failed to dial RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("eventbus: failed to open channel: %w", err)
	}

	p, err := NewPublisher(ch, exchange, opts...)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	p.conn = conn

	log.Info().Str("exchange", exchange).Msg("Event publisher connected to RabbitMQ")
	return p, nil
}

// NewPublisher puts ch into confirm mode, declares exchange and starts the
// sending goroutine. Close stops it.
func NewPublisher(ch Channel, exchange string, opts ...Option) (*RabbitMQPublisher, error) {
	p := &RabbitMQPublisher{
		ch:        ch,
		exchange:  exchange,
		timeout:   defaultConfirmTimeout,
		queueSize: defaultQueueSize,
	}
	for _, opt := range opts {
		opt(p)
	}

	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("eventbus: channel could not be put into confirm mode: %w", err)
	}
	p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))

	err := ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("eventbus: failed to declare exchange %s: %w", exchange, err)
	}

	p.queue = make(chan message, p.queueSize)
	p.done = make(chan struct{})
	go p.run()

	return p, nil
}

// Publish queues payload as a persistent JSON message with routingKey. It
// never blocks: a full queue returns ErrQueueFull. Delivery failures are
// logged by the sending goroutine.
func (p *RabbitMQPublisher) Publish(ctx context.Context, routingKey string, payload any) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("eventbus: %s: %w", routingKey, err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("eventbus: failed to marshal %s: %w", routingKey, err)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrClosed
	}

	select {
	case p.queue <- message{routingKey: routingKey, body: body}:
		return nil
	default:
		return fmt.Errorf("eventbus: %s: %w", routingKey, ErrQueueFull)
	}
}

func (p *RabbitMQPublisher) run() {
	defer close(p.done)

	for msg := range p.queue {
		if err := p.send(msg); err != nil {
			log.Error().Err(err).Str("routing_key", msg.routingKey).Msg("Failed to deliver event")
		}
	}
}

// send publishes one message and waits for its confirm or the timeout.
func (p *RabbitMQPublisher) send(msg message) error {
	err := p.ch.Publish(
		p.exchange,     // exchange
		msg.routingKey, // routing key
		false,          // mandatory
		false,          // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         msg.body,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("eventbus: failed to publish %s: %w", msg.routingKey, err)
	}
	p.nextTag++
	tag := p.nextTag

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	for {
		select {
		case confirm, ok := <-p.confirms:
			if !ok {
				return ErrClosed
			}
			// Late confirm of an earlier, timed out publish.
			if confirm.DeliveryTag < tag {
				continue
			}
			if !confirm.Ack {
				return fmt.Errorf("eventbus: %s tag %d: %w", msg.routingKey, tag, ErrNotConfirmed)
			}
			log.Debug().Str("routing_key", msg.routingKey).Uint64("tag", tag).Msg("Event published and confirmed")
			return nil
		case <-timer.C:
			return fmt.Errorf("eventbus: %s tag %d: %w", msg.routingKey, tag, ErrConfirmTimeout)
		}
	}
}

// Close stops accepting events, sends what is already queued and then closes
// the channel and connection.
func (p *RabbitMQPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	<-p.done

	if err := p.ch.Close(); err != nil {
		log.Error().Err(err).Msg("Error closing RabbitMQ channel")
	}
	if p.conn != nil && !p.conn.IsClosed() {
		if err := p.conn.Close(); err != nil {
			return fmt.Errorf("eventbus: failed to close connection: %w", err)
		}
	}

	log.Info().Msg("Event publisher closed")
	return nil
}

// NopPublisher drops every event. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, routingKey string, payload any) error {
	log.Debug().Str("routing_key", routingKey).Msg("Event publishing disabled, dropping event")
	return nil
}
