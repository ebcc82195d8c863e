package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultExchange is the topic exchange notification events go to.
const DefaultExchange = "escrow.notifications"

// amqpPublisher is satisfied by *amqp.Channel.
type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// amqpSession is one connection and channel. closed is the channel's
// NotifyClose feed; it is nil when the publisher cannot report closure.
type amqpSession struct {
	conn    io.Closer
	channel amqpPublisher
	closed  <-chan *amqp.Error
}

func (s *amqpSession) alive() bool {
	if s == nil {
		return false
	}
	select {
	case <-s.closed:
		return false
	default:
		return true
	}
}

func (s *amqpSession) close() {
	if s == nil {
		return
	}
	if c, ok := s.channel.(io.Closer); ok {
		_ = c.Close()
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

// EventSink publishes every notification to a RabbitMQ topic exchange with
// routing key "notification.<type>" so other services can react to them.
// A session closed by the broker is re-dialed on the next delivery.
type EventSink struct {
	exchange string
	dial     func() (*amqpSession, error)
	session  *amqpSession
	mu       sync.Mutex
}

// NewEventSink dials amqpURL and declares exchange as a durable topic
// exchange.
func NewEventSink(amqpURL, exchange string) (*EventSink, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	if exchange == "" {
		exchange = DefaultExchange
	}

	s := &EventSink{
		exchange: exchange,
		dial:     func() (*amqpSession, error) { return dialAMQP(cleanURL, exchange) },
	}
	if s.session, err = s.dial(); err != nil {
		return nil, err
	}
	return s, nil
}

func dialAMQP(url, exchange string) (*amqpSession, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &amqpSession{
		conn:    conn,
		channel: ch,
		closed:  ch.NotifyClose(make(chan *amqp.Error, 1)),
	}, nil
}

func newEventSinkWith(p amqpPublisher, exchange string) *EventSink {
	sess := &amqpSession{channel: p}
	return &EventSink{
		exchange: exchange,
		dial:     func() (*amqpSession, error) { return sess, nil },
		session:  sess,
	}
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	if !strings.HasSuffix(clean, "/") {
		clean += "/"
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// RoutingKey returns the routing key notifications of typ are published with.
func RoutingKey(typ Type) string {
	return "notification." + strings.ToLower(string(typ))
}

func (s *EventSink) Name() string { return "amqp" }

func (s *EventSink) Accepts(Channel) bool { return true }

func (s *EventSink) Deliver(ctx context.Context, n *Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.session.alive() {
		s.session.close()
		s.session = nil
		sess, err := s.dial()
		if err != nil {
			return fmt.Errorf("reconnect amqp: %w", err)
		}
		s.session = sess
	}

	err = s.session.channel.PublishWithContext(ctx, s.exchange, RoutingKey(n.Type), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    n.ID,
		Timestamp:    n.CreatedAt,
		Type:         string(n.Type),
		Body:         body,
	})
	if errors.Is(err, amqp.ErrClosed) {
		s.session.close()
		s.session = nil
	}
	return err
}

// Close closes the channel and connection.
func (s *EventSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session.close()
	s.session = nil
	return nil
}
