// Package gormstore persists accounts, credit transactions, and session
// rows with GORM. It backs sqlite for development and postgres for
// production behind the same store contracts.
package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/quorumsec/audita/pkg/ledger"
)

const (
	defaultMetadataJSON   = "{}"
	dialectPostgres       = "postgres"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	errorOperationStore   = "store"
	errorSubjectAccount   = "account"
	errorSubjectEntry     = "transaction"
	errorCodeCreate       = "create"
	errorCodeDuplicate    = "duplicate"
	errorCodeGet          = "get"
	errorCodeInsert       = "insert"
	errorCodeInvalid      = "invalid"
	errorCodeList         = "list"
	errorCodeLookup       = "lookup"
	errorCodeSum          = "sum"
	errorCodeUpdate       = "update"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// LimitToSingleConnection caps the sql pool at one connection. Sqlite has
// a single writer, and two transactions on separate pooled connections
// fail with a locked database instead of queueing.
func LimitToSingleConnection(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(1)
	return nil
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// GetOrCreateAccount resolves the account for a user, creating it with a
// zero balance on first sight.
func (store *Store) GetOrCreateAccount(ctx context.Context, userID string, tier ledger.PlanTier) (ledger.Account, error) {
	var account Account
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"user_id": clause.Expr{SQL: "excluded.user_id"},
			}),
		}).
		Attrs(Account{PlanTier: tier.String(), Active: true, CreatedAt: time.Now().UTC()}).
		FirstOrCreate(&account, Account{UserID: userID}).Error
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return mapAccount(account)
}

// LockAccount resolves the account and takes a row lock on postgres so
// concurrent applies on one account serialize. Sqlite has a single writer
// and needs no explicit lock. Only valid inside WithTx.
func (store *Store) LockAccount(ctx context.Context, userID string, tier ledger.PlanTier) (ledger.Account, error) {
	query := store.db.WithContext(ctx)
	if store.db.Dialector.Name() == dialectPostgres {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var account Account
	err := query.Where("user_id = ?", userID).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		account = Account{UserID: userID, PlanTier: tier.String(), Active: true, CreatedAt: time.Now().UTC()}
		if createErr := store.db.WithContext(ctx).Create(&account).Error; createErr != nil {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, createErr)
		}
		return mapAccount(account)
	}
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(account)
}

// UpdateAccountBalance writes the cached balance projection.
func (store *Store) UpdateAccountBalance(ctx context.Context, accountID string, balance ledger.CreditAmount) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID).
		Update("balance", int64(balance))
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, ledger.ErrUnknownAccount)
	}
	return nil
}

// InsertTransaction appends one transaction row.
func (store *Store) InsertTransaction(ctx context.Context, transaction ledger.Transaction) error {
	row := CreditTransaction{
		TransactionID:  transaction.TransactionID,
		AccountID:      transaction.AccountID,
		Type:           transaction.Type.String(),
		Amount:         int64(transaction.Amount),
		Reason:         transaction.Reason,
		SessionID:      transaction.SessionID,
		IdempotencyKey: transaction.IdempotencyKey,
		Metadata:       datatypesJSON(transaction.MetadataJSON),
		BalanceAfter:   int64(transaction.BalanceAfter),
		CreatedAt:      time.Unix(transaction.CreatedUnixUTC, 0).UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

// FindTransactionByIdempotencyKey looks up a prior apply with the same key.
func (store *Store) FindTransactionByIdempotencyKey(ctx context.Context, accountID string, idempotencyKey string) (ledger.Transaction, bool, error) {
	var row CreditTransaction
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND idempotency_key = ?", accountID, idempotencyKey).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Transaction{}, false, nil
	}
	if err != nil {
		return ledger.Transaction{}, false, wrapStoreError(errorSubjectEntry, errorCodeLookup, err)
	}
	transaction, err := mapTransaction(row)
	if err != nil {
		return ledger.Transaction{}, false, err
	}
	return transaction, true, nil
}

// ListTransactions returns the account's transactions newest first.
func (store *Store) ListTransactions(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]ledger.Transaction, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}

	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND created_at < ?", accountID, before).
		Order("created_at DESC, transaction_id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}

	transactions := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

// SumByDirection totals credits granted and credits spent for an account.
func (store *Store) SumByDirection(ctx context.Context, accountID string) (ledger.CreditAmount, ledger.CreditAmount, error) {
	var sums struct {
		Earned int64
		Used   int64
	}
	err := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Select("coalesce(sum(case when amount > 0 then amount else 0 end),0) as earned, coalesce(sum(case when amount < 0 then -amount else 0 end),0) as used").
		Where("account_id = ?", accountID).
		Scan(&sums).Error
	if err != nil {
		return 0, 0, wrapStoreError(errorSubjectEntry, errorCodeSum, err)
	}
	return ledger.CreditAmount(sums.Earned), ledger.CreditAmount(sums.Used), nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func mapAccount(row Account) (ledger.Account, error) {
	tier, err := ledger.ParsePlanTier(row.PlanTier)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return ledger.Account{
		AccountID:      row.AccountID,
		UserID:         row.UserID,
		Balance:        ledger.CreditAmount(row.Balance),
		PlanTier:       tier,
		Active:         row.Active,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func mapTransaction(row CreditTransaction) (ledger.Transaction, error) {
	transactionType, err := ledger.ParseTransactionType(row.Type)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return ledger.Transaction{
		TransactionID:  row.TransactionID,
		AccountID:      row.AccountID,
		Type:           transactionType,
		Amount:         ledger.CreditAmount(row.Amount),
		Reason:         row.Reason,
		SessionID:      row.SessionID,
		IdempotencyKey: row.IdempotencyKey,
		MetadataJSON:   string(row.Metadata),
		BalanceAfter:   ledger.CreditAmount(row.BalanceAfter),
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
