// Package marketplace holds the users, gigs and direct messages that escrows
// and disputes refer to.
package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gigvault/escrowd/internal/ada"
	"github.com/gigvault/escrowd/internal/apperr"
	"github.com/gigvault/escrowd/internal/idgen"
	"github.com/gigvault/escrowd/internal/notification"
	"github.com/gigvault/escrowd/internal/signing"
	"github.com/gigvault/escrowd/internal/validation"
)

var (
	ErrUserNotFound    = fmt.Errorf("user %w", apperr.ErrNotFound)
	ErrGigNotFound     = fmt.Errorf("gig %w", apperr.ErrNotFound)
	ErrDuplicateWallet = fmt.Errorf("wallet address already registered: %w", apperr.ErrConflict)
)

// Role is what a user does on the marketplace.
type Role string

const (
	RoleClient     Role = "client"
	RoleFreelancer Role = "freelancer"
	RoleArbiter    Role = "arbiter"
)

// User is a marketplace account. VerificationKey is checked against
// settlement signatures.
type User struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Email           string          `json:"email,omitempty"`
	WalletAddress   string          `json:"wallet_address"`
	Role            Role            `json:"role"`
	KeyType         signing.KeyType `json:"key_type"`
	VerificationKey string          `json:"verification_key"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Gig is a service offered by a seller.
type Gig struct {
	ID          string      `json:"id"`
	SellerID    string      `json:"seller_id"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Price       json.Number `json:"price"`
	IPFSHash    string      `json:"ipfs_hash,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Message is a direct message between two users.
type Message struct {
	ID          string    `json:"id"`
	SenderID    string    `json:"sender_id"`
	ReceiverID  string    `json:"receiver_id"`
	Content     string    `json:"content"`
	Attachments []string  `json:"attachments,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store persists marketplace data.
type Store interface {
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	ListUsersByRole(ctx context.Context, role Role) ([]*User, error)

	CreateGig(ctx context.Context, g *Gig) error
	GetGig(ctx context.Context, id string) (*Gig, error)
	ListGigsBySeller(ctx context.Context, sellerID string, limit int) ([]*Gig, error)

	CreateMessage(ctx context.Context, m *Message) error
	ListMessagesForUser(ctx context.Context, userID string, limit int) ([]*Message, error)
}

// Notifier delivers user notifications.
type Notifier interface {
	Notify(ctx context.Context, userID string, typ notification.Type, subject, content string)
}

// CreateUserRequest contains the parameters for registering a user.
type CreateUserRequest struct {
	Name            string          `json:"name" binding:"required"`
	Email           string          `json:"email"`
	WalletAddress   string          `json:"wallet_address" binding:"required"`
	Role            Role            `json:"role" binding:"required"`
	KeyType         signing.KeyType `json:"key_type"`
	VerificationKey string          `json:"verification_key" binding:"required"`
}

// CreateGigRequest contains the parameters for listing a gig.
type CreateGigRequest struct {
	SellerID    string      `json:"seller_id" binding:"required"`
	Title       string      `json:"title" binding:"required"`
	Description string      `json:"description"`
	Price       json.Number `json:"price" binding:"required"`
	IPFSHash    string      `json:"ipfs_hash"`
}

// SendMessageRequest contains the parameters for a direct message.
type SendMessageRequest struct {
	SenderID    string   `json:"sender_id" binding:"required"`
	ReceiverID  string   `json:"receiver_id" binding:"required"`
	Content     string   `json:"content" binding:"required"`
	Attachments []string `json:"attachments"`
}

// Service implements marketplace business logic.
type Service struct {
	store    Store
	notifier Notifier
	now      func() time.Time
}

// NewService creates a new marketplace service.
func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// WithNotifier sets the notifier used for message alerts.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// CreateUser validates and registers a user.
func (s *Service) CreateUser(ctx context.Context, req CreateUserRequest) (*User, error) {
	if req.KeyType == "" {
		req.KeyType = signing.KeyEd25519
	}
	req.Name = validation.SanitizeString(req.Name, 200)
	req.VerificationKey = strings.ToLower(strings.TrimSpace(req.VerificationKey))

	if errs := validation.Validate(
		validation.Required("name", req.Name),
		validation.Required("role", string(req.Role)),
		validation.OneOf("role", string(req.Role), string(RoleClient), string(RoleFreelancer), string(RoleArbiter)),
		validation.OneOf("key_type", string(req.KeyType), string(signing.KeyEd25519), string(signing.KeySecp256k1)),
		validation.MaxLength("email", req.Email, 320),
		walletRule(req.KeyType, req.WalletAddress),
		keyRule(req.KeyType, req.VerificationKey),
	); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", apperr.ErrInvalidArgument, errs.Error())
	}

	now := s.now().UTC()
	u := &User{
		ID:              idgen.New(),
		Name:            req.Name,
		Email:           strings.TrimSpace(req.Email),
		WalletAddress:   req.WalletAddress,
		Role:            req.Role,
		KeyType:         req.KeyType,
		VerificationKey: req.VerificationKey,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

func walletRule(kt signing.KeyType, addr string) validation.Rule {
	return func() *validation.ValidationError {
		if validation.IsCardanoAddress(addr) {
			return nil
		}
		if kt == signing.KeySecp256k1 && validation.IsEthAddress(addr) {
			return nil
		}
		return &validation.ValidationError{Field: "wallet_address", Message: "must be a bech32 payment address"}
	}
}

// keyRule checks the key shape: 32-byte hex for ed25519, a 0x address for
// secp256k1.
func keyRule(kt signing.KeyType, key string) validation.Rule {
	return func() *validation.ValidationError {
		switch kt {
		case signing.KeyEd25519:
			if len(key) == 64 && validation.IsHex(key) {
				return nil
			}
			return &validation.ValidationError{Field: "verification_key", Message: "must be a 32-byte hex ed25519 public key"}
		case signing.KeySecp256k1:
			if validation.IsEthAddress(key) {
				return nil
			}
			return &validation.ValidationError{Field: "verification_key", Message: "must be a 0x-prefixed address"}
		}
		return nil
	}
}

// GetUser returns a user by ID.
func (s *Service) GetUser(ctx context.Context, id string) (*User, error) {
	return s.store.GetUser(ctx, id)
}

// ListArbiters returns every user with the arbiter role, ordered by ID.
func (s *Service) ListArbiters(ctx context.Context) ([]*User, error) {
	return s.store.ListUsersByRole(ctx, RoleArbiter)
}

// VerificationKey returns the signing key a user registered.
func (s *Service) VerificationKey(ctx context.Context, userID string) (signing.Key, error) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return signing.Key{}, err
	}
	return signing.Key{Type: u.KeyType, Material: u.VerificationKey}, nil
}

// CreateGig lists a new gig for an existing seller.
func (s *Service) CreateGig(ctx context.Context, req CreateGigRequest) (*Gig, error) {
	req.Title = validation.SanitizeString(req.Title, 200)
	req.Description = validation.SanitizeString(req.Description, validation.MaxStringLength)

	if errs := validation.Validate(
		validation.Required("title", req.Title),
		validation.Required("price", req.Price.String()),
		validation.PositiveAmount("price", req.Price.String()),
	); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", apperr.ErrInvalidArgument, errs.Error())
	}
	price, _ := ada.Canonical(req.Price.String())

	if _, err := s.store.GetUser(ctx, req.SellerID); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	g := &Gig{
		ID:          idgen.New(),
		SellerID:    req.SellerID,
		Title:       req.Title,
		Description: req.Description,
		Price:       json.Number(price),
		IPFSHash:    strings.TrimSpace(req.IPFSHash),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateGig(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

// GetGig returns a gig by ID.
func (s *Service) GetGig(ctx context.Context, id string) (*Gig, error) {
	return s.store.GetGig(ctx, id)
}

// ListGigsBySeller returns a seller's gigs, newest first.
func (s *Service) ListGigsBySeller(ctx context.Context, sellerID string, limit int) ([]*Gig, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListGigsBySeller(ctx, sellerID, limit)
}

// SendMessage stores a direct message and alerts the receiver.
func (s *Service) SendMessage(ctx context.Context, req SendMessageRequest) (*Message, error) {
	req.Content = validation.SanitizeString(req.Content, validation.MaxStringLength)
	if req.Content == "" {
		return nil, fmt.Errorf("%w: content is required", apperr.ErrInvalidArgument)
	}
	if req.SenderID == req.ReceiverID {
		return nil, fmt.Errorf("%w: cannot message yourself", apperr.ErrInvalidArgument)
	}
	sender, err := s.store.GetUser(ctx, req.SenderID)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetUser(ctx, req.ReceiverID); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	m := &Message{
		ID:          idgen.New(),
		SenderID:    req.SenderID,
		ReceiverID:  req.ReceiverID,
		Content:     req.Content,
		Attachments: req.Attachments,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateMessage(ctx, m); err != nil {
		return nil, err
	}

	if s.notifier != nil {
		s.notifier.Notify(ctx, m.ReceiverID, notification.TypeMessageReceived,
			"New Message", fmt.Sprintf("You have a new message from %s.", sender.Name))
	}
	return m, nil
}

// ListMessages returns messages sent or received by a user, newest first.
func (s *Service) ListMessages(ctx context.Context, userID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListMessagesForUser(ctx, userID, limit)
}

// Compile-time assertion that Service resolves signing keys.
var _ signing.KeyResolver = (*Service)(nil)
