package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Service contains the domain logic over a Store. All balance mutations go
// through Apply; the cached Account.Balance is only ever written together
// with the transaction that explains it.
type Service struct {
	store       Store
	nowFn       func() int64
	logger      OperationLogger
	signupGrant CreditAmount
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if service.signupGrant < 0 {
		return nil, fmt.Errorf("%w: signup grant must not be negative", ErrInvalidServiceConfig)
	}
	return service, nil
}

// Apply appends one balance-affecting transaction and updates the cached
// balance in a single store transaction. Replays of the same idempotency key
// return the stored transaction without mutating anything; a debit that
// would push the balance below zero fails with ErrInsufficientBalance and
// writes nothing.
func (service *Service) Apply(ctx context.Context, input ApplyInput) (Transaction, error) {
	var applied Transaction
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		var err error
		applied, err = service.ApplyWithin(ctx, transactionStore, input)
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationApply,
		UserID:         input.UserID,
		Type:           input.Type,
		Amount:         input.Delta,
		IdempotencyKey: input.IdempotencyKey,
		SessionID:      input.SessionID,
		Error:          operationError,
	})
	if operationError != nil {
		return Transaction{}, operationError
	}
	return applied, nil
}

// ApplyWithin is Apply running inside a caller-owned store transaction, so
// orchestrators can make a session state change and its ledger entry one
// atomic unit. The transaction store must come from the caller's WithTx.
func (service *Service) ApplyWithin(ctx context.Context, transactionStore Store, input ApplyInput) (Transaction, error) {
	if err := input.validate(); err != nil {
		return Transaction{}, err
	}
	account, err := transactionStore.LockAccount(ctx, input.UserID, PlanFree)
	if err != nil {
		return Transaction{}, err
	}
	existing, found, err := transactionStore.FindTransactionByIdempotencyKey(ctx, account.AccountID, input.IdempotencyKey)
	if err != nil {
		return Transaction{}, err
	}
	if found {
		return existing, nil
	}
	balanceAfter := account.Balance + input.Delta
	if balanceAfter < 0 {
		return Transaction{}, ErrInsufficientBalance
	}
	metadata := input.MetadataJSON
	if metadata == "" {
		metadata = defaultMetadataJSON
	}
	applied := Transaction{
		TransactionID:  uuid.NewString(),
		AccountID:      account.AccountID,
		Type:           input.Type,
		Amount:         input.Delta,
		Reason:         input.Reason,
		SessionID:      input.SessionID,
		IdempotencyKey: input.IdempotencyKey,
		MetadataJSON:   metadata,
		BalanceAfter:   balanceAfter,
		CreatedUnixUTC: service.nowFn(),
	}
	if err := transactionStore.InsertTransaction(ctx, applied); err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			// Lost a race on the unique key; the winner's row is the answer.
			winner, found, lookupErr := transactionStore.FindTransactionByIdempotencyKey(ctx, account.AccountID, input.IdempotencyKey)
			if lookupErr != nil {
				return Transaction{}, lookupErr
			}
			if found {
				return winner, nil
			}
		}
		return Transaction{}, err
	}
	if err := transactionStore.UpdateAccountBalance(ctx, account.AccountID, balanceAfter); err != nil {
		return Transaction{}, err
	}
	return applied, nil
}

// EnsureAccount creates the account on first authentication and writes the
// one-time signup grant. Safe to call on every authenticated request.
func (service *Service) EnsureAccount(ctx context.Context, userID string, tier PlanTier) (Account, error) {
	account, operationError := service.ensureAccount(ctx, userID, tier)
	service.logOperation(ctx, OperationLog{
		Operation:      operationEnsureAccount,
		UserID:         userID,
		Type:           TransactionInitial,
		Amount:         service.signupGrant,
		IdempotencyKey: signupIdempotencyPrefix + userID,
		Error:          operationError,
	})
	return account, operationError
}

func (service *Service) ensureAccount(ctx context.Context, userID string, tier PlanTier) (Account, error) {
	if _, err := ParsePlanTier(tier.String()); err != nil {
		return Account{}, err
	}
	account, err := service.store.GetOrCreateAccount(ctx, userID, tier)
	if err != nil {
		return Account{}, err
	}
	if service.signupGrant == 0 {
		return account, nil
	}
	err = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		_, applyErr := service.ApplyWithin(ctx, transactionStore, ApplyInput{
			UserID:         userID,
			Delta:          service.signupGrant,
			Type:           TransactionInitial,
			Reason:         signupGrantReason,
			IdempotencyKey: signupIdempotencyPrefix + userID,
		})
		return applyErr
	})
	if err != nil {
		return Account{}, err
	}
	return service.store.GetOrCreateAccount(ctx, userID, tier)
}

// Balance returns the wallet view: cached balance, lifetime earned/used
// aggregates, and the most recent transactions.
func (service *Service) Balance(ctx context.Context, userID string) (Wallet, error) {
	account, err := service.store.GetOrCreateAccount(ctx, userID, PlanFree)
	if err != nil {
		return Wallet{}, err
	}
	earned, used, err := service.store.SumByDirection(ctx, account.AccountID)
	if err != nil {
		return Wallet{}, err
	}
	recent, err := service.store.ListTransactions(ctx, account.AccountID, 0, defaultRecentLimit)
	if err != nil {
		return Wallet{}, err
	}
	return Wallet{
		Balance:     account.Balance,
		TotalEarned: earned,
		TotalUsed:   used,
		PlanTier:    account.PlanTier,
		Recent:      recent,
	}, nil
}

// History lists the account's transactions before a cutoff time.
func (service *Service) History(ctx context.Context, userID string, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	account, err := service.store.GetOrCreateAccount(ctx, userID, PlanFree)
	if err != nil {
		return nil, err
	}
	return service.store.ListTransactions(ctx, account.AccountID, beforeUnixUTC, limit)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
