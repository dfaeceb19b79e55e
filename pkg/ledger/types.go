package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// CreditAmount is an integer number of credits. Transaction amounts are
// signed: positive for credits, negative for debits.
type CreditAmount int64

// Int64 returns the raw credit count.
func (amount CreditAmount) Int64() int64 {
	return int64(amount)
}

// TransactionType enumerates ledger transaction kinds. The type drives
// display and analytics downstream, never ledger correctness.
type TransactionType string

const (
	TransactionInitial   TransactionType = "initial"
	TransactionPurchase  TransactionType = "purchase"
	TransactionBonus     TransactionType = "bonus"
	TransactionDeduction TransactionType = "deduction"
	TransactionRefund    TransactionType = "refund"
)

// String returns the stored representation.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// ParseTransactionType validates a stored transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(raw) {
	case TransactionInitial, TransactionPurchase, TransactionBonus, TransactionDeduction, TransactionRefund:
		return TransactionType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
}

// PlanTier identifies the subscription tier attached to an account.
type PlanTier string

const (
	PlanFree       PlanTier = "Free"
	PlanPro        PlanTier = "Pro"
	PlanProPlus    PlanTier = "Pro+"
	PlanEnterprise PlanTier = "Enterprise"
)

// String returns the stored representation.
func (tier PlanTier) String() string {
	return string(tier)
}

// ParsePlanTier validates a stored plan tier.
func ParsePlanTier(raw string) (PlanTier, error) {
	switch PlanTier(raw) {
	case PlanFree, PlanPro, PlanProPlus, PlanEnterprise:
		return PlanTier(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPlanTier, raw)
}

// CanCreatePrivateAudits reports whether the tier unlocks private audit
// sessions. Every paid tier does.
func (tier PlanTier) CanCreatePrivateAudits() bool {
	switch tier {
	case PlanPro, PlanProPlus, PlanEnterprise:
		return true
	}
	return false
}

// Account is the read-optimized cached projection of an account's ledger
// history. Balance is mutated only by Service.Apply and must always equal
// the sum of the account's transaction amounts.
type Account struct {
	AccountID      string
	UserID         string
	Balance        CreditAmount
	PlanTier       PlanTier
	Active         bool
	CreatedUnixUTC int64
}

// Transaction is a single immutable line in the ledger. BalanceAfter is the
// account balance immediately after the transaction was applied, captured
// atomically with the mutation and never recomputed.
type Transaction struct {
	TransactionID  string
	AccountID      string
	Type           TransactionType
	Amount         CreditAmount
	Reason         string
	SessionID      string
	IdempotencyKey string
	MetadataJSON   string
	BalanceAfter   CreditAmount
	CreatedUnixUTC int64
}

// ApplyInput describes one balance-affecting event.
type ApplyInput struct {
	UserID         string
	Delta          CreditAmount
	Type           TransactionType
	Reason         string
	IdempotencyKey string
	SessionID      string
	MetadataJSON   string
}

func (input ApplyInput) validate() error {
	if strings.TrimSpace(input.UserID) == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if input.Delta == 0 {
		return fmt.Errorf("%w: delta must be non-zero", ErrInvalidAmount)
	}
	if _, err := ParseTransactionType(input.Type.String()); err != nil {
		return err
	}
	if strings.TrimSpace(input.IdempotencyKey) == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	if input.MetadataJSON != "" && !json.Valid([]byte(input.MetadataJSON)) {
		return fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return nil
}

// Wallet is the caller-facing balance view.
type Wallet struct {
	Balance     CreditAmount
	TotalEarned CreditAmount
	TotalUsed   CreditAmount
	PlanTier    PlanTier
	Recent      []Transaction
}

// Store is the persistence contract used by Service. Implementations must
// make WithTx callbacks atomic and serialize LockAccount per account so
// concurrent Apply calls on one account cannot interleave.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateAccount(ctx context.Context, userID string, tier PlanTier) (Account, error)
	LockAccount(ctx context.Context, userID string, tier PlanTier) (Account, error)
	UpdateAccountBalance(ctx context.Context, accountID string, balance CreditAmount) error
	InsertTransaction(ctx context.Context, transaction Transaction) error
	FindTransactionByIdempotencyKey(ctx context.Context, accountID string, idempotencyKey string) (Transaction, bool, error)
	ListTransactions(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]Transaction, error)
	SumByDirection(ctx context.Context, accountID string) (earned CreditAmount, used CreditAmount, err error)
}
