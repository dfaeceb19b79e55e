package gormstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/quorumsec/audita/internal/purchase"
	"github.com/quorumsec/audita/pkg/ledger"
)

// PurchaseStore implements purchase.Store on the same database handle as
// Store.
type PurchaseStore struct {
	db *gorm.DB
}

// NewPurchaseStore returns a PurchaseStore backed by gorm.DB.
func NewPurchaseStore(db *gorm.DB) *PurchaseStore {
	return &PurchaseStore{db: db}
}

// WithTx executes fn within a transaction.
func (store *PurchaseStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore purchase.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &PurchaseStore{db: transaction})
	})
}

// Ledger returns a ledger store bound to this store's transaction handle.
func (store *PurchaseStore) Ledger() ledger.Store {
	return New(store.db)
}

// CreateSession inserts one purchase session row.
func (store *PurchaseStore) CreateSession(ctx context.Context, session purchase.Session) error {
	row := PurchaseSessionRow{
		SessionID:       session.SessionID,
		UserID:          session.UserID,
		PackageID:       session.PackageID,
		Provider:        session.Provider,
		ProviderOrderID: session.ProviderOrderID,
		Status:          session.Status.String(),
		CreatedAt:       time.Unix(session.CreatedUnixUTC, 0).UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	return store.db.WithContext(ctx).Create(&row).Error
}

// GetSession loads one purchase session.
func (store *PurchaseStore) GetSession(ctx context.Context, sessionID string) (purchase.Session, error) {
	var row PurchaseSessionRow
	err := store.db.WithContext(ctx).Where("session_id = ?", sessionID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return purchase.Session{}, purchase.ErrUnknownSession
	}
	if err != nil {
		return purchase.Session{}, err
	}
	return mapPurchaseSession(row)
}

// FindSessionByProviderOrder resolves the session a provider callback
// refers to.
func (store *PurchaseStore) FindSessionByProviderOrder(ctx context.Context, provider string, providerOrderID string) (purchase.Session, bool, error) {
	var row PurchaseSessionRow
	err := store.db.WithContext(ctx).
		Where("provider = ? AND provider_order_id = ?", provider, providerOrderID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return purchase.Session{}, false, nil
	}
	if err != nil {
		return purchase.Session{}, false, err
	}
	session, err := mapPurchaseSession(row)
	if err != nil {
		return purchase.Session{}, false, err
	}
	return session, true, nil
}

// MarkAwaitingProvider attaches the provider order to a freshly created
// session.
func (store *PurchaseStore) MarkAwaitingProvider(ctx context.Context, sessionID string, providerOrderID string) error {
	result := store.db.WithContext(ctx).
		Model(&PurchaseSessionRow{}).
		Where("session_id = ? AND status = ?", sessionID, purchase.StatusCreated.String()).
		Updates(map[string]interface{}{
			"status":            purchase.StatusAwaitingProvider.String(),
			"provider_order_id": providerOrderID,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return purchase.ErrSessionClosed
	}
	return nil
}

// TransitionSession compare-and-swaps the session status.
func (store *PurchaseStore) TransitionSession(ctx context.Context, sessionID string, from []purchase.Status, to purchase.Status) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&PurchaseSessionRow{}).
		Where("session_id = ? AND status IN ?", sessionID, purchaseStatusStrings(from)).
		Update("status", to.String())
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func mapPurchaseSession(row PurchaseSessionRow) (purchase.Session, error) {
	status, err := purchase.ParseStatus(row.Status)
	if err != nil {
		return purchase.Session{}, err
	}
	return purchase.Session{
		SessionID:       row.SessionID,
		UserID:          row.UserID,
		PackageID:       row.PackageID,
		Provider:        row.Provider,
		ProviderOrderID: row.ProviderOrderID,
		Status:          status,
		CreatedUnixUTC:  row.CreatedAt.Unix(),
	}, nil
}

func purchaseStatusStrings(statuses []purchase.Status) []string {
	out := make([]string, 0, len(statuses))
	for _, status := range statuses {
		out = append(out, status.String())
	}
	return out
}
