// Package ledgertest provides an in-memory ledger.Store for tests in
// packages that compose the ledger service with their own stores.
package ledgertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/quorumsec/audita/pkg/ledger"
)

// InMemoryStore implements ledger.Store. WithTx serializes callers with a
// single mutex, matching the exclusivity the real store gets from database
// transactions.
type InMemoryStore struct {
	mu           sync.Mutex
	accounts     map[string]ledger.Account
	transactions []ledger.Transaction
	nextAccount  int
}

// NewInMemoryStore builds an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{accounts: make(map[string]ledger.Account)}
}

// WithTx runs fn under the store mutex.
func (store *InMemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return fn(ctx, (*txView)(store))
}

// GetOrCreateAccount implements ledger.Store.
func (store *InMemoryStore) GetOrCreateAccount(ctx context.Context, userID string, tier ledger.PlanTier) (ledger.Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*txView)(store).LockAccount(ctx, userID, tier)
}

// LockAccount is only valid inside WithTx.
func (store *InMemoryStore) LockAccount(ctx context.Context, userID string, tier ledger.PlanTier) (ledger.Account, error) {
	return ledger.Account{}, fmt.Errorf("LockAccount outside WithTx")
}

// UpdateAccountBalance is only valid inside WithTx.
func (store *InMemoryStore) UpdateAccountBalance(ctx context.Context, accountID string, balance ledger.CreditAmount) error {
	return fmt.Errorf("UpdateAccountBalance outside WithTx")
}

// InsertTransaction is only valid inside WithTx.
func (store *InMemoryStore) InsertTransaction(ctx context.Context, transaction ledger.Transaction) error {
	return fmt.Errorf("InsertTransaction outside WithTx")
}

// FindTransactionByIdempotencyKey implements ledger.Store.
func (store *InMemoryStore) FindTransactionByIdempotencyKey(ctx context.Context, accountID string, idempotencyKey string) (ledger.Transaction, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*txView)(store).FindTransactionByIdempotencyKey(ctx, accountID, idempotencyKey)
}

// ListTransactions implements ledger.Store.
func (store *InMemoryStore) ListTransactions(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]ledger.Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*txView)(store).ListTransactions(ctx, accountID, beforeUnixUTC, limit)
}

// SumByDirection implements ledger.Store.
func (store *InMemoryStore) SumByDirection(ctx context.Context, accountID string) (ledger.CreditAmount, ledger.CreditAmount, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*txView)(store).SumByDirection(ctx, accountID)
}

// Account returns the cached account for a user, if any.
func (store *InMemoryStore) Account(userID string) (ledger.Account, bool) {
	store.mu.Lock()
	defer store.mu.Unlock()
	account, ok := store.accounts[userID]
	return account, ok
}

// CountByKey counts stored transactions carrying the idempotency key.
func (store *InMemoryStore) CountByKey(idempotencyKey string) int {
	store.mu.Lock()
	defer store.mu.Unlock()
	count := 0
	for _, transaction := range store.transactions {
		if transaction.IdempotencyKey == idempotencyKey {
			count++
		}
	}
	return count
}

// TransactionsFor returns the account's transactions in insertion order.
func (store *InMemoryStore) TransactionsFor(accountID string) []ledger.Transaction {
	store.mu.Lock()
	defer store.mu.Unlock()
	var out []ledger.Transaction
	for _, transaction := range store.transactions {
		if transaction.AccountID == accountID {
			out = append(out, transaction)
		}
	}
	return out
}

// TxStore returns the unlocked in-transaction view, for callers that embed
// this store inside their own transactional stub.
func (store *InMemoryStore) TxStore() ledger.Store {
	return (*txView)(store)
}

type txView InMemoryStore

func (store *txView) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return fn(ctx, store)
}

func (store *txView) GetOrCreateAccount(ctx context.Context, userID string, tier ledger.PlanTier) (ledger.Account, error) {
	return store.LockAccount(ctx, userID, tier)
}

func (store *txView) LockAccount(ctx context.Context, userID string, tier ledger.PlanTier) (ledger.Account, error) {
	if account, ok := store.accounts[userID]; ok {
		return account, nil
	}
	store.nextAccount++
	account := ledger.Account{
		AccountID: fmt.Sprintf("acct-%d", store.nextAccount),
		UserID:    userID,
		PlanTier:  tier,
		Active:    true,
	}
	store.accounts[userID] = account
	return account, nil
}

func (store *txView) UpdateAccountBalance(ctx context.Context, accountID string, balance ledger.CreditAmount) error {
	for userID, account := range store.accounts {
		if account.AccountID == accountID {
			account.Balance = balance
			store.accounts[userID] = account
			return nil
		}
	}
	return ledger.ErrUnknownAccount
}

func (store *txView) InsertTransaction(ctx context.Context, transaction ledger.Transaction) error {
	for _, existing := range store.transactions {
		if existing.AccountID == transaction.AccountID && existing.IdempotencyKey == transaction.IdempotencyKey {
			return ledger.ErrDuplicateIdempotencyKey
		}
	}
	store.transactions = append(store.transactions, transaction)
	return nil
}

func (store *txView) FindTransactionByIdempotencyKey(ctx context.Context, accountID string, idempotencyKey string) (ledger.Transaction, bool, error) {
	for _, existing := range store.transactions {
		if existing.AccountID == accountID && existing.IdempotencyKey == idempotencyKey {
			return existing, true, nil
		}
	}
	return ledger.Transaction{}, false, nil
}

func (store *txView) ListTransactions(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]ledger.Transaction, error) {
	var out []ledger.Transaction
	for i := len(store.transactions) - 1; i >= 0 && len(out) < limit; i-- {
		transaction := store.transactions[i]
		if transaction.AccountID != accountID {
			continue
		}
		if beforeUnixUTC != 0 && transaction.CreatedUnixUTC >= beforeUnixUTC {
			continue
		}
		out = append(out, transaction)
	}
	return out, nil
}

func (store *txView) SumByDirection(ctx context.Context, accountID string) (ledger.CreditAmount, ledger.CreditAmount, error) {
	var earned, used ledger.CreditAmount
	for _, transaction := range store.transactions {
		if transaction.AccountID != accountID {
			continue
		}
		if transaction.Amount > 0 {
			earned += transaction.Amount
		} else {
			used -= transaction.Amount
		}
	}
	return earned, used, nil
}
