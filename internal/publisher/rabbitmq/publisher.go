// Package rabbitmq publishes job notifications to a RabbitMQ exchange.
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/rtCamp/amp-compatibility-sub001/internal/ingest"
)

// Config describes the exchange, routing key and bound queue.
type Config struct {
	URL        string `mapstructure:"url"`
	Exchange   string `mapstructure:"exchange"`
	RoutingKey string `mapstructure:"routing_key"`
	QueueName  string `mapstructure:"queue_name"`
}

// channel is the subset of *amqp.Channel used to publish.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// session is one connection and its publishing channel. closed receives
// (or is closed) when the broker or network tears the channel down.
type session struct {
	conn    io.Closer
	channel channel
	closed  <-chan *amqp.Error
}

func (s *session) close() {
	_ = s.channel.Close()
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

type dialFunc func() (*session, error)

// Publisher implements ingest.Publisher on an AMQP channel. When the channel
// closes the session is dropped and the next Publish dials again.
type Publisher struct {
	dial       dialFunc
	exchange   string
	routingKey string
	clock      ingest.Clock
	logger     *zap.Logger

	mu       sync.Mutex
	current  *session
	shutdown bool
}

// New dials RabbitMQ and declares a durable direct exchange and a queue bound
// to it. The same topology is declared again on every reconnect.
func New(cfg Config, clock ingest.Clock, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := newWithDialer(func() (*session, error) { return dial(cfg) }, cfg, clock, logger)
	if _, err := p.session(); err != nil {
		return nil, err
	}
	logger.Info("connected to rabbitmq",
		zap.String("exchange", cfg.Exchange),
		zap.String("queue", cfg.QueueName),
		zap.String("routing_key", cfg.RoutingKey),
	)
	return p, nil
}

func dial(cfg Config) (*session, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	closeAll := func() {
		_ = ch.Close()
		_ = conn.Close()
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "direct", true, false, false, false, nil); err != nil {
		closeAll()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	if cfg.QueueName != "" {
		q, err := ch.QueueDeclare(cfg.QueueName, true, false, false, false, nil)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("declare queue: %w", err)
		}
		if err := ch.QueueBind(q.Name, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
			closeAll()
			return nil, fmt.Errorf("bind queue: %w", err)
		}
	}
	// Channels are closed with their connection, so one listener covers both.
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	return &session{conn: conn, channel: ch, closed: closed}, nil
}

func newWithDialer(d dialFunc, cfg Config, clock ingest.Clock, logger *zap.Logger) *Publisher {
	return &Publisher{
		dial:       d,
		exchange:   cfg.Exchange,
		routingKey: cfg.RoutingKey,
		clock:      clock,
		logger:     logger,
	}
}

// session returns the live session, dialing a new one if needed.
func (p *Publisher) session() (*session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shutdown {
		return nil, amqp.ErrClosed
	}
	if p.current != nil {
		return p.current, nil
	}
	s, err := p.dial()
	if err != nil {
		return nil, err
	}
	p.current = s
	go p.watch(s)
	return s, nil
}

func (p *Publisher) watch(s *session) {
	reason, ok := <-s.closed
	if p.drop(s) {
		if ok && reason != nil {
			p.logger.Warn("rabbitmq channel closed; will reconnect", zap.Int("code", reason.Code), zap.String("reason", reason.Reason))
		} else {
			p.logger.Warn("rabbitmq channel closed; will reconnect")
		}
	}
}

// drop forgets s if it is still current and reports whether it was.
func (p *Publisher) drop(s *session) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != s {
		return false
	}
	p.current = nil
	s.close()
	return true
}

// Publish sends payload as a persistent JSON message. A non-empty topic
// overrides the configured routing key.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}

	key := p.routingKey
	if topic != "" {
		key = topic
	}

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	headers := amqp.Table{}
	for k, v := range carrier {
		headers[k] = v
	}

	msg := amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Body:         body,
		Headers:      headers,
		Timestamp:    p.now(),
	}
	if n, ok := payload.(ingest.Notification); ok {
		msg.MessageId = n.JobID + ":" + string(n.Status)
		msg.Type = string(n.Status)
	}

	err = p.publish(ctx, key, msg)
	if errors.Is(err, amqp.ErrClosed) {
		// The close notification can trail the failed publish.
		err = p.publish(ctx, key, msg)
	}
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	p.logger.Debug("published notification", zap.String("routing_key", key), zap.String("message_id", msg.MessageId))
	return msg.MessageId, nil
}

func (p *Publisher) publish(ctx context.Context, key string, msg amqp.Publishing) error {
	s, err := p.session()
	if err != nil {
		return err
	}
	err = s.channel.PublishWithContext(ctx, p.exchange, key, false, false, msg)
	if errors.Is(err, amqp.ErrClosed) {
		p.drop(s)
	}
	return err
}

func (p *Publisher) now() time.Time {
	if p.clock == nil {
		return time.Now().UTC()
	}
	return p.clock.Now()
}

// Close closes the channel and connection. Publish fails afterwards.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shutdown = true
	if p.current != nil {
		p.current.close()
		p.current = nil
	}
	return nil
}
