package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table.
type Account struct {
	AccountID string    `gorm:"type:uuid;primaryKey"`
	UserID    string    `gorm:"not null;uniqueIndex:uniq_accounts_user"`
	PlanTier  string    `gorm:"not null"`
	Balance   int64     `gorm:"not null"`
	Active    bool      `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

func (account *Account) BeforeCreate(tx *gorm.DB) error {
	if account.AccountID == "" {
		account.AccountID = uuid.NewString()
	}
	return nil
}

// CreditTransaction mirrors the credit_transactions table. The composite
// unique index on (account_id, idempotency_key) backs exactly-once apply.
type CreditTransaction struct {
	TransactionID  string         `gorm:"type:uuid;primaryKey"`
	AccountID      string         `gorm:"type:uuid;not null;index:idx_transactions_account_created,priority:1;index:uniq_transactions_account_idem,unique,priority:1"`
	Type           string         `gorm:"not null"`
	Amount         int64          `gorm:"not null"`
	Reason         string         `gorm:"not null"`
	SessionID      string         `gorm:"index:idx_transactions_session"`
	IdempotencyKey string         `gorm:"not null;index:uniq_transactions_account_idem,unique,priority:2"`
	Metadata       datatypes.JSON `gorm:"not null"`
	BalanceAfter   int64          `gorm:"not null"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_transactions_account_created,priority:2"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

func (transaction *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// AuditSessionRow mirrors the audit_sessions table.
type AuditSessionRow struct {
	SessionID        string     `gorm:"type:uuid;primaryKey"`
	UserID           string     `gorm:"not null;index:idx_audit_sessions_user"`
	Status           string     `gorm:"not null;index:idx_audit_sessions_status"`
	ContractLanguage string     `gorm:"not null"`
	IsPublic         bool       `gorm:"not null"`
	ReservedCredits  int64      `gorm:"not null"`
	CreditsCharged   *int64     `gorm:""`
	FailureReason    string     `gorm:""`
	CreatedAt        time.Time  `gorm:"not null"`
	CompletedAt      *time.Time `gorm:""`
}

func (AuditSessionRow) TableName() string { return "audit_sessions" }

// PurchaseSessionRow mirrors the purchase_sessions table.
type PurchaseSessionRow struct {
	SessionID       string    `gorm:"type:uuid;primaryKey"`
	UserID          string    `gorm:"not null;index:idx_purchase_sessions_user"`
	PackageID       string    `gorm:"not null"`
	Provider        string    `gorm:"not null;index:idx_purchase_sessions_order,priority:1"`
	ProviderOrderID string    `gorm:"index:idx_purchase_sessions_order,priority:2"`
	Status          string    `gorm:"not null"`
	CreatedAt       time.Time `gorm:"not null"`
}

func (PurchaseSessionRow) TableName() string { return "purchase_sessions" }

// Migrate creates or updates the schema for every table this store owns.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Account{}, &CreditTransaction{}, &AuditSessionRow{}, &PurchaseSessionRow{})
}
