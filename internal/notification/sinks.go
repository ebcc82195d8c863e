package notification

import (
	"context"
	"errors"
	"log/slog"

	"github.com/gigvault/escrowd/internal/realtime"
)

// LogSink is the "console" email provider: it writes each email to the log
// instead of sending it.
type LogSink struct {
	from   string
	logger *slog.Logger
}

// NewLogSink creates a console email sink.
func NewLogSink(from string, logger *slog.Logger) *LogSink {
	return &LogSink{from: from, logger: logger}
}

func (s *LogSink) Name() string { return "email_console" }

func (s *LogSink) Accepts(ch Channel) bool {
	return ch == ChannelInApp || ch == ChannelEmail
}

func (s *LogSink) Deliver(ctx context.Context, n *Notification) error {
	subject := n.Subject
	if subject == "" {
		subject = string(n.Type)
	}
	s.logger.Info("email notification",
		"from", s.from,
		"to", n.UserID,
		"subject", subject,
		"message", n.Content,
	)
	return nil
}

// Publisher is the part of the realtime hub a PushSink uses.
type Publisher interface {
	Publish(ev *realtime.Event) bool
}

// ErrPushDropped is returned when the realtime queue is full.
var ErrPushDropped = errors.New("realtime queue full")

// PushSink delivers notifications to the user's open WebSocket connections.
type PushSink struct {
	hub Publisher
}

// NewPushSink creates a push sink on hub.
func NewPushSink(hub Publisher) *PushSink {
	return &PushSink{hub: hub}
}

func (s *PushSink) Name() string { return "push" }

func (s *PushSink) Accepts(ch Channel) bool {
	return ch == ChannelInApp || ch == ChannelPush
}

func (s *PushSink) Deliver(ctx context.Context, n *Notification) error {
	ok := s.hub.Publish(&realtime.Event{
		Type:      string(n.Type),
		UserID:    n.UserID,
		Timestamp: n.CreatedAt,
		Data:      n,
	})
	if !ok {
		return ErrPushDropped
	}
	return nil
}
