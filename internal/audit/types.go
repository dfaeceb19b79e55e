// Package audit manages audit sessions: credit reservation, dispatch to the
// analysis engine, streamed delivery, and settlement. Every reservation is
// either charged (session completed) or refunded (any failure path), never
// both and never twice.
package audit

import (
	"context"
	"errors"

	"github.com/quorumsec/audita/pkg/ledger"
)

var (
	ErrUnknownSession  = errors.New("unknown audit session")
	ErrNotSessionOwner = errors.New("not the audit session owner")
	ErrSessionSettled  = errors.New("audit session already settled")
	ErrInvalidManager  = errors.New("invalid manager config")
	ErrEmptySubmission = errors.New("submission code is empty")
)

// Status is the audit session lifecycle. Sessions are persisted in reserved
// state only: the initial state exists between pricing and the reservation
// commit and never reaches the store.
type Status string

const (
	StatusInitial   Status = "initial"
	StatusReserved  Status = "reserved"
	StatusStreaming Status = "streaming"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// String returns the stored representation.
func (status Status) String() string {
	return string(status)
}

// ParseStatus validates a stored status.
func ParseStatus(raw string) (Status, error) {
	switch Status(raw) {
	case StatusInitial, StatusReserved, StatusStreaming, StatusCompleted, StatusError:
		return Status(raw), nil
	}
	return "", errors.New("invalid audit session status: " + raw)
}

// Terminal reports whether the status admits no further transitions.
func (status Status) Terminal() bool {
	return status == StatusCompleted || status == StatusError
}

// Session is one audit run. ReservedCredits is the amount deducted up
// front; CreditsCharged is set only on completion and equals the
// reservation (failure paths refund instead).
type Session struct {
	SessionID        string
	UserID           string
	Status           Status
	ContractLanguage string
	IsPublic         bool
	ReservedCredits  ledger.CreditAmount
	CreditsCharged   *ledger.CreditAmount
	FailureReason    string
	CreatedUnixUTC   int64
	CompletedUnixUTC int64
}

// Store is the audit session persistence contract. Ledger returns a ledger
// store bound to the same transaction handle so a status transition and its
// ledger effect commit or roll back together.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	Ledger() ledger.Store
	CreateSession(ctx context.Context, session Session) error
	GetSession(ctx context.Context, sessionID string) (Session, error)
	TransitionSession(ctx context.Context, sessionID string, from []Status, to Status, completedUnixUTC int64, failureReason string) (bool, error)
	SetCreditsCharged(ctx context.Context, sessionID string, credits ledger.CreditAmount) error
	ListUnsettled(ctx context.Context) ([]Session, error)
}

// Observer receives settlement notifications, for metrics.
type Observer interface {
	SessionSettled(status Status)
	WatchdogRefund()
}

type nopObserver struct{}

func (nopObserver) SessionSettled(Status) {}
func (nopObserver) WatchdogRefund()       {}
