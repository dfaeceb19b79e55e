// Package purchase reconciles credit purchases against external payment
// providers. Nothing is ever granted speculatively: the only path to a
// purchase transaction runs through a verified provider confirmation.
package purchase

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quorumsec/audita/internal/catalog"
	"github.com/quorumsec/audita/internal/payment"
	"github.com/quorumsec/audita/pkg/ledger"
)

// Orchestrator drives purchase sessions from initiation to capture.
type Orchestrator struct {
	store     Store
	credits   *ledger.Service
	packages  *catalog.Catalog
	providers *payment.Registry
	currency  string
	logger    *zap.Logger
	nowFn     func() int64
}

// Config wires an Orchestrator.
type Config struct {
	Store     Store
	Credits   *ledger.Service
	Packages  *catalog.Catalog
	Providers *payment.Registry
	Currency  string
	Logger    *zap.Logger
	Now       func() int64
}

// New validates dependencies and builds an Orchestrator.
func New(config Config) (*Orchestrator, error) {
	if config.Store == nil || config.Credits == nil || config.Packages == nil || config.Providers == nil {
		return nil, fmt.Errorf("%w: missing dependency", ErrInvalidOrchestrator)
	}
	if config.Currency == "" {
		return nil, fmt.Errorf("%w: currency missing", ErrInvalidOrchestrator)
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := config.Now
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidOrchestrator)
	}
	return &Orchestrator{
		store:     config.Store,
		credits:   config.Credits,
		packages:  config.Packages,
		providers: config.Providers,
		currency:  config.Currency,
		logger:    logger,
		nowFn:     now,
	}, nil
}

// Initiate starts a purchase. Zero-price packages grant immediately, the
// Enterprise package routes to manual contact, everything else opens a
// provider order and waits for the callback.
func (orchestrator *Orchestrator) Initiate(ctx context.Context, userID string, packageID string, providerName string) (Outcome, error) {
	creditPackage, err := orchestrator.packages.ByID(packageID)
	if err != nil {
		return Outcome{}, err
	}
	if creditPackage.IsEnterprise() {
		return Outcome{Kind: OutcomeRequiresContact}, nil
	}
	if creditPackage.IsFree() {
		selectionID := uuid.NewString()
		granted, err := orchestrator.credits.Apply(ctx, ledger.ApplyInput{
			UserID:         userID,
			Delta:          ledger.CreditAmount(creditPackage.TotalCredits()),
			Type:           ledger.TransactionPurchase,
			Reason:         "free package " + creditPackage.Name,
			IdempotencyKey: "package:" + selectionID,
		})
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Kind: OutcomeGranted, Transaction: &granted}, nil
	}

	provider, err := orchestrator.providers.Get(providerName)
	if err != nil {
		return Outcome{}, err
	}
	session := Session{
		SessionID:      uuid.NewString(),
		UserID:         userID,
		PackageID:      creditPackage.ID,
		Provider:       provider.Name(),
		Status:         StatusCreated,
		CreatedUnixUTC: orchestrator.nowFn(),
	}
	if err := orchestrator.store.CreateSession(ctx, session); err != nil {
		return Outcome{}, err
	}

	order, err := provider.CreateOrder(ctx, payment.OrderRequest{
		AmountCents: creditPackage.PriceCents,
		Currency:    orchestrator.currency,
		Receipt:     session.SessionID,
		Notes:       map[string]string{"package_id": creditPackage.ID},
	})
	if err != nil {
		if _, transitionErr := orchestrator.store.TransitionSession(ctx, session.SessionID, []Status{StatusCreated}, StatusFailed); transitionErr != nil {
			orchestrator.logger.Error("failed to mark purchase session failed",
				zap.String("session_id", session.SessionID), zap.Error(transitionErr))
		}
		return Outcome{}, fmt.Errorf("%w: %v", ErrProviderOrderFailed, err)
	}
	if err := orchestrator.store.MarkAwaitingProvider(ctx, session.SessionID, order.ProviderOrderID); err != nil {
		return Outcome{}, err
	}
	session.Status = StatusAwaitingProvider
	session.ProviderOrderID = order.ProviderOrderID
	orchestrator.logger.Info("purchase session awaiting provider",
		zap.String("session_id", session.SessionID),
		zap.String("provider", provider.Name()),
		zap.String("provider_order_id", order.ProviderOrderID))
	return Outcome{Kind: OutcomeRequiresPayment, Session: &session, Order: &order}, nil
}

// Reconcile turns one provider confirmation into at most one purchase
// transaction. Safe to invoke any number of times for the same payment:
// replays return the original transaction.
func (orchestrator *Orchestrator) Reconcile(ctx context.Context, providerName string, payload []byte) (ledger.Transaction, error) {
	provider, err := orchestrator.providers.Get(providerName)
	if err != nil {
		return ledger.Transaction{}, err
	}
	confirmation, err := provider.VerifyCallback(ctx, payload)
	if err != nil {
		orchestrator.logger.Warn("provider callback failed verification",
			zap.String("provider", providerName), zap.Error(err))
		return ledger.Transaction{}, err
	}

	var captured ledger.Transaction
	err = orchestrator.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		session, found, err := txStore.FindSessionByProviderOrder(ctx, providerName, confirmation.ProviderOrderID)
		if err != nil {
			return err
		}
		if !found {
			orchestrator.logger.Warn("provider callback for unknown session",
				zap.String("provider", providerName),
				zap.String("provider_order_id", confirmation.ProviderOrderID))
			return ErrUnknownSession
		}
		creditPackage, err := orchestrator.packages.ByID(session.PackageID)
		if err != nil {
			return err
		}
		if confirmation.AmountCents != creditPackage.PriceCents {
			if _, transitionErr := txStore.TransitionSession(ctx, session.SessionID, []Status{StatusCreated, StatusAwaitingProvider}, StatusFailed); transitionErr != nil {
				return transitionErr
			}
			orchestrator.logger.Warn("provider callback amount mismatch",
				zap.String("session_id", session.SessionID),
				zap.Int64("expected_cents", creditPackage.PriceCents),
				zap.Int64("confirmed_cents", confirmation.AmountCents))
			return fmt.Errorf("%w: %w", payment.ErrVerificationFailed, ErrAmountMismatch)
		}
		captured, err = orchestrator.credits.ApplyWithin(ctx, txStore.Ledger(), ledger.ApplyInput{
			UserID:         session.UserID,
			Delta:          ledger.CreditAmount(creditPackage.TotalCredits()),
			Type:           ledger.TransactionPurchase,
			Reason:         "package " + creditPackage.Name,
			IdempotencyKey: session.SessionID,
			SessionID:      session.SessionID,
		})
		if err != nil {
			return err
		}
		// The ledger replay already guards against double grants; a false
		// CAS here just means an earlier callback won the transition.
		if _, err := txStore.TransitionSession(ctx, session.SessionID, []Status{StatusCreated, StatusAwaitingProvider}, StatusCaptured); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return ledger.Transaction{}, err
	}
	orchestrator.logger.Info("purchase captured",
		zap.String("provider_order_id", confirmation.ProviderOrderID),
		zap.String("transaction_id", captured.TransactionID))
	return captured, nil
}

// Cancel aborts an unfinished purchase. No ledger mutation: nothing was
// granted yet, so there is nothing to roll back.
func (orchestrator *Orchestrator) Cancel(ctx context.Context, userID string, sessionID string) error {
	session, err := orchestrator.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.UserID != userID {
		return ErrNotSessionOwner
	}
	switched, err := orchestrator.store.TransitionSession(ctx, sessionID, []Status{StatusCreated, StatusAwaitingProvider}, StatusCancelled)
	if err != nil {
		return err
	}
	if !switched {
		return ErrSessionClosed
	}
	return nil
}
