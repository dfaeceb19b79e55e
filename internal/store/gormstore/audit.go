package gormstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/quorumsec/audita/internal/audit"
	"github.com/quorumsec/audita/pkg/ledger"
)

// AuditStore implements audit.Store on the same database handle as Store,
// so a session transition and its ledger effect share one transaction.
type AuditStore struct {
	db *gorm.DB
}

// NewAuditStore returns an AuditStore backed by gorm.DB.
func NewAuditStore(db *gorm.DB) *AuditStore {
	return &AuditStore{db: db}
}

// WithTx executes fn within a transaction.
func (store *AuditStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore audit.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &AuditStore{db: transaction})
	})
}

// Ledger returns a ledger store bound to this store's transaction handle.
func (store *AuditStore) Ledger() ledger.Store {
	return New(store.db)
}

// CreateSession inserts one audit session row.
func (store *AuditStore) CreateSession(ctx context.Context, session audit.Session) error {
	row := auditSessionRow(session)
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return err
	}
	return nil
}

// GetSession loads one audit session.
func (store *AuditStore) GetSession(ctx context.Context, sessionID string) (audit.Session, error) {
	var row AuditSessionRow
	err := store.db.WithContext(ctx).Where("session_id = ?", sessionID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return audit.Session{}, audit.ErrUnknownSession
	}
	if err != nil {
		return audit.Session{}, err
	}
	return mapAuditSession(row)
}

// TransitionSession compare-and-swaps the session status. Returns false
// when the current status is not in from: the caller lost the race.
func (store *AuditStore) TransitionSession(ctx context.Context, sessionID string, from []audit.Status, to audit.Status, completedUnixUTC int64, failureReason string) (bool, error) {
	updates := map[string]interface{}{"status": to.String()}
	if completedUnixUTC != 0 {
		completedAt := time.Unix(completedUnixUTC, 0).UTC()
		updates["completed_at"] = &completedAt
	}
	if failureReason != "" {
		updates["failure_reason"] = failureReason
	}
	result := store.db.WithContext(ctx).
		Model(&AuditSessionRow{}).
		Where("session_id = ? AND status IN ?", sessionID, statusStrings(from)).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// SetCreditsCharged records the settled charge on a completed session.
func (store *AuditStore) SetCreditsCharged(ctx context.Context, sessionID string, credits ledger.CreditAmount) error {
	result := store.db.WithContext(ctx).
		Model(&AuditSessionRow{}).
		Where("session_id = ?", sessionID).
		Update("credits_charged", int64(credits))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return audit.ErrUnknownSession
	}
	return nil
}

// ListUnsettled returns every session without a terminal status.
func (store *AuditStore) ListUnsettled(ctx context.Context) ([]audit.Session, error) {
	var rows []AuditSessionRow
	err := store.db.WithContext(ctx).
		Where("status NOT IN ?", []string{audit.StatusCompleted.String(), audit.StatusError.String()}).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	sessions := make([]audit.Session, 0, len(rows))
	for _, row := range rows {
		session, err := mapAuditSession(row)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

func auditSessionRow(session audit.Session) AuditSessionRow {
	row := AuditSessionRow{
		SessionID:        session.SessionID,
		UserID:           session.UserID,
		Status:           session.Status.String(),
		ContractLanguage: session.ContractLanguage,
		IsPublic:         session.IsPublic,
		ReservedCredits:  int64(session.ReservedCredits),
		FailureReason:    session.FailureReason,
		CreatedAt:        time.Unix(session.CreatedUnixUTC, 0).UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if session.CreditsCharged != nil {
		charged := int64(*session.CreditsCharged)
		row.CreditsCharged = &charged
	}
	if session.CompletedUnixUTC != 0 {
		completedAt := time.Unix(session.CompletedUnixUTC, 0).UTC()
		row.CompletedAt = &completedAt
	}
	return row
}

func mapAuditSession(row AuditSessionRow) (audit.Session, error) {
	status, err := audit.ParseStatus(row.Status)
	if err != nil {
		return audit.Session{}, err
	}
	session := audit.Session{
		SessionID:        row.SessionID,
		UserID:           row.UserID,
		Status:           status,
		ContractLanguage: row.ContractLanguage,
		IsPublic:         row.IsPublic,
		ReservedCredits:  ledger.CreditAmount(row.ReservedCredits),
		FailureReason:    row.FailureReason,
		CreatedUnixUTC:   row.CreatedAt.Unix(),
	}
	if row.CreditsCharged != nil {
		charged := ledger.CreditAmount(*row.CreditsCharged)
		session.CreditsCharged = &charged
	}
	if row.CompletedAt != nil {
		session.CompletedUnixUTC = row.CompletedAt.Unix()
	}
	return session, nil
}

func statusStrings(statuses []audit.Status) []string {
	out := make([]string, 0, len(statuses))
	for _, status := range statuses {
		out = append(out, status.String())
	}
	return out
}
