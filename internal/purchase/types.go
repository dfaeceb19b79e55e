package purchase

import (
	"context"
	"errors"

	"github.com/quorumsec/audita/internal/payment"
	"github.com/quorumsec/audita/pkg/ledger"
)

// Domain-level error values returned by the orchestrator.
var (
	ErrUnknownSession      = errors.New("unknown purchase session")
	ErrNotSessionOwner     = errors.New("not the purchase session owner")
	ErrSessionClosed       = errors.New("purchase session closed")
	ErrAmountMismatch      = errors.New("captured amount does not match package price")
	ErrInvalidOrchestrator = errors.New("invalid orchestrator config")
	ErrProviderOrderFailed = errors.New("provider order creation failed")
)

// Status is the purchase session lifecycle.
type Status string

const (
	StatusCreated          Status = "created"
	StatusAwaitingProvider Status = "awaiting_provider"
	StatusCaptured         Status = "captured"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

// String returns the stored representation.
func (status Status) String() string {
	return string(status)
}

// ParseStatus validates a stored status.
func ParseStatus(raw string) (Status, error) {
	switch Status(raw) {
	case StatusCreated, StatusAwaitingProvider, StatusCaptured, StatusFailed, StatusCancelled:
		return Status(raw), nil
	}
	return "", errors.New("invalid purchase session status: " + raw)
}

// Terminal reports whether the status admits no further transitions.
func (status Status) Terminal() bool {
	switch status {
	case StatusCaptured, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Session tracks one paid purchase from initiation to provider capture.
// Exactly one purchase transaction may ever be written for a session; the
// ledger enforces this with idempotency key = session ID.
type Session struct {
	SessionID       string
	UserID          string
	PackageID       string
	Provider        string
	ProviderOrderID string
	Status          Status
	CreatedUnixUTC  int64
}

// OutcomeKind classifies what a purchase initiation requires next.
type OutcomeKind string

const (
	OutcomeGranted         OutcomeKind = "granted"
	OutcomeRequiresContact OutcomeKind = "requires_contact"
	OutcomeRequiresPayment OutcomeKind = "requires_payment"
)

// Outcome is the result of initiating a purchase.
type Outcome struct {
	Kind        OutcomeKind
	Transaction *ledger.Transaction // set for OutcomeGranted
	Session     *Session            // set for OutcomeRequiresPayment
	Order       *payment.Order      // set for OutcomeRequiresPayment
}

// Store is the purchase session persistence contract. Ledger returns a
// ledger store bound to the same transaction handle so a capture and its
// credit grant commit or roll back together.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	Ledger() ledger.Store
	CreateSession(ctx context.Context, session Session) error
	GetSession(ctx context.Context, sessionID string) (Session, error)
	FindSessionByProviderOrder(ctx context.Context, provider string, providerOrderID string) (Session, bool, error)
	MarkAwaitingProvider(ctx context.Context, sessionID string, providerOrderID string) error
	TransitionSession(ctx context.Context, sessionID string, from []Status, to Status) (bool, error)
}
