// Package notification records user notifications and fans them out to
// delivery sinks (console email, realtime push, message broker).
//
// Delivery is fire-and-forget: a notification is persisted first, then
// handed to the sinks in the background. Sink failures are logged and
// counted, never returned to the business operation that triggered them.
package notification

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gigvault/escrowd/internal/apperr"
	"github.com/gigvault/escrowd/internal/idgen"
	"github.com/gigvault/escrowd/internal/logging"
	"github.com/gigvault/escrowd/internal/metrics"
	"github.com/gigvault/escrowd/internal/pagination"
	"github.com/gigvault/escrowd/internal/validation"
)

var ErrNotificationNotFound = fmt.Errorf("notification %w", apperr.ErrNotFound)

// Type classifies a notification.
type Type string

const (
	TypeEscrowCreated   Type = "ESCROW_CREATED"
	TypeEscrowLocked    Type = "ESCROW_LOCKED"
	TypeEscrowDelivered Type = "ESCROW_DELIVERED"
	TypeEscrowReleased  Type = "ESCROW_RELEASED"
	TypeEscrowRefunded  Type = "ESCROW_REFUNDED"
	TypeDisputeOpened   Type = "DISPUTE_OPENED"
	TypeDisputeResolved Type = "DISPUTE_RESOLVED"
	TypeDisputeAssigned Type = "DISPUTE_ASSIGNED"
	TypeMessageReceived Type = "MESSAGE_RECEIVED"
)

// Channel is the route a notification was requested on.
type Channel string

const (
	ChannelInApp Channel = "in_app" // every sink
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
)

// Notification is an immutable record of something a user was told. Only
// Read ever changes.
type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Type      Type      `json:"type"`
	Read      bool      `json:"read"`
	Subject   string    `json:"subject,omitempty"`
	Content   string    `json:"content"`
	Channel   Channel   `json:"channel"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists notifications.
type Store interface {
	Create(ctx context.Context, n *Notification) error
	Get(ctx context.Context, id string) (*Notification, error)
	// ListByUser returns the user's notifications ordered by (created_at, id)
	// descending, starting after the cursor.
	ListByUser(ctx context.Context, userID string, unreadOnly bool, after *pagination.Cursor, limit int) ([]*Notification, error)
	MarkRead(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context, userID string) (int, error)
}

// Sink delivers notifications somewhere outside the store.
type Sink interface {
	Name() string
	Accepts(ch Channel) bool
	Deliver(ctx context.Context, n *Notification) error
}

const deliveryTimeout = 10 * time.Second

// Service implements notification business logic.
type Service struct {
	store  Store
	sinks  []Sink
	logger *slog.Logger
	now    func() time.Time
	wg     sync.WaitGroup
}

// NewService creates a notification service delivering to sinks.
func NewService(store Store, logger *slog.Logger, sinks ...Sink) *Service {
	return &Service{
		store:  store,
		sinks:  sinks,
		logger: logger,
		now:    time.Now,
	}
}

// Notify records a notification and delivers it to every sink in the
// background. Errors are logged, never returned.
func (s *Service) Notify(ctx context.Context, userID string, typ Type, subject, content string) {
	n, err := s.record(ctx, userID, typ, subject, content, ChannelInApp)
	if err != nil {
		logging.L(ctx).Warn("failed to record notification",
			"userId", userID, "type", typ, "error", err)
		return
	}

	// Delivery outlives the request that triggered it.
	bg := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.deliver(bg, n)
	}()
}

// SendEmail records a notification and delivers it to email sinks before
// returning.
func (s *Service) SendEmail(ctx context.Context, userID, subject, message string) (*Notification, error) {
	if errs := validation.Validate(
		validation.Required("user_id", userID),
		validation.Required("subject", subject),
		validation.Required("message", message),
		validation.MaxLength("message", message, validation.MaxStringLength),
	); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", apperr.ErrInvalidArgument, errs.Error())
	}
	n, err := s.record(ctx, userID, TypeMessageReceived, subject, message, ChannelEmail)
	if err != nil {
		return nil, err
	}
	return n, s.deliverNow(ctx, n)
}

// SendPush records a notification and pushes it to connected clients
// before returning. The content is payload["message"] when present.
func (s *Service) SendPush(ctx context.Context, userID string, payload map[string]any) (*Notification, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", apperr.ErrInvalidArgument)
	}
	content := "Push notification"
	if m, ok := payload["message"].(string); ok && m != "" {
		content = m
	}
	subject, _ := payload["title"].(string)
	n, err := s.record(ctx, userID, TypeMessageReceived, subject, content, ChannelPush)
	if err != nil {
		return nil, err
	}
	return n, s.deliverNow(ctx, n)
}

// Page is one window of a user's notifications.
type Page struct {
	Notifications []*Notification `json:"notifications"`
	NextCursor    string          `json:"next_cursor,omitempty"`
	HasMore       bool            `json:"has_more"`
}

// ListForUser returns a user's latest notifications, newest first.
func (s *Service) ListForUser(ctx context.Context, userID string, unreadOnly bool, limit int) ([]*Notification, error) {
	page, err := s.ListForUserPage(ctx, userID, unreadOnly, "", limit)
	if err != nil {
		return nil, err
	}
	return page.Notifications, nil
}

// ListForUserPage returns up to limit of a user's notifications after
// cursor, newest first.
func (s *Service) ListForUserPage(ctx context.Context, userID string, unreadOnly bool, cursor string, limit int) (*Page, error) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	items, err := s.store.ListByUser(ctx, userID, unreadOnly, after, limit+1)
	if err != nil {
		return nil, err
	}
	items, next, more := pagination.ComputePage(items, limit, func(n *Notification) (time.Time, string) {
		return n.CreatedAt, n.ID
	})
	if items == nil {
		items = []*Notification{}
	}
	return &Page{Notifications: items, NextCursor: next, HasMore: more}, nil
}

// MarkRead marks one notification read.
func (s *Service) MarkRead(ctx context.Context, id string) error {
	return s.store.MarkRead(ctx, id)
}

// MarkAllRead marks every unread notification of a user read and returns
// how many changed.
func (s *Service) MarkAllRead(ctx context.Context, userID string) (int, error) {
	return s.store.MarkAllRead(ctx, userID)
}

// Wait blocks until background deliveries started so far have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) record(ctx context.Context, userID string, typ Type, subject, content string, ch Channel) (*Notification, error) {
	n := &Notification{
		ID:        idgen.New(),
		UserID:    userID,
		Type:      typ,
		Subject:   subject,
		Content:   content,
		Channel:   ch,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.Create(ctx, n); err != nil {
		return nil, fmt.Errorf("store notification: %w", err)
	}
	return n, nil
}

// deliver hands n to every sink that accepts its channel, logging failures.
func (s *Service) deliver(ctx context.Context, n *Notification) {
	for _, sink := range s.sinks {
		if !sink.Accepts(n.Channel) {
			continue
		}
		if err := s.send(ctx, sink, n); err != nil {
			s.logger.Warn("notification delivery failed",
				"sink", sink.Name(), "notificationId", n.ID, "userId", n.UserID, "error", err)
		}
	}
}

// deliverNow is deliver for the explicit send endpoints: the first failure
// is returned.
func (s *Service) deliverNow(ctx context.Context, n *Notification) error {
	var firstErr error
	for _, sink := range s.sinks {
		if !sink.Accepts(n.Channel) {
			continue
		}
		if err := s.send(ctx, sink, n); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("deliver via %s: %w", sink.Name(), err)
		}
	}
	return firstErr
}

func (s *Service) send(ctx context.Context, sink Sink, n *Notification) error {
	ctx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()

	err := sink.Deliver(ctx, n)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.NotificationsTotal.WithLabelValues(sink.Name(), result).Inc()
	return err
}
