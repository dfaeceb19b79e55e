package gormstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/quorumsec/audita/internal/audit"
	"github.com/quorumsec/audita/internal/purchase"
	"github.com/quorumsec/audita/pkg/ledger"
)

func openTestDatabase(test *testing.T) *gorm.DB {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(test.TempDir()+"/audita.db"), &gorm.Config{})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	if err := LimitToSingleConnection(db); err != nil {
		test.Fatalf("limit connections: %v", err)
	}
	if err := Migrate(db); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	return db
}

func newLedgerService(test *testing.T, db *gorm.DB) *ledger.Service {
	test.Helper()
	clock := int64(1700000000)
	service, err := ledger.NewService(New(db), func() int64 {
		clock++
		return clock
	})
	if err != nil {
		test.Fatalf("NewService: %v", err)
	}
	return service
}

func TestApplyPersistsTransactionAndBalance(test *testing.T) {
	test.Parallel()

	db := openTestDatabase(test)
	service := newLedgerService(test, db)
	ctx := context.Background()

	granted, err := service.Apply(ctx, ledger.ApplyInput{
		UserID:         "user-1",
		Delta:          100,
		Type:           ledger.TransactionInitial,
		Reason:         "signup",
		IdempotencyKey: "initial:user-1",
	})
	if err != nil {
		test.Fatalf("Apply grant: %v", err)
	}
	if granted.BalanceAfter != 100 {
		test.Fatalf("balanceAfter = %d, want 100", granted.BalanceAfter)
	}

	deducted, err := service.Apply(ctx, ledger.ApplyInput{
		UserID:         "user-1",
		Delta:          -30,
		Type:           ledger.TransactionDeduction,
		Reason:         "audit-reservation",
		IdempotencyKey: "session-1",
		SessionID:      "session-1",
	})
	if err != nil {
		test.Fatalf("Apply deduction: %v", err)
	}
	if deducted.BalanceAfter != 70 {
		test.Fatalf("balanceAfter = %d, want 70", deducted.BalanceAfter)
	}

	wallet, err := service.Balance(ctx, "user-1")
	if err != nil {
		test.Fatalf("Balance: %v", err)
	}
	if wallet.Balance != 70 || wallet.TotalEarned != 100 || wallet.TotalUsed != 30 {
		test.Fatalf("wallet = %+v, want balance 70 earned 100 used 30", wallet)
	}
	if len(wallet.Recent) != 2 || wallet.Recent[0].TransactionID != deducted.TransactionID {
		test.Fatalf("recent = %+v, want deduction first", wallet.Recent)
	}
}

func TestApplyReplayAndConflictDetection(test *testing.T) {
	test.Parallel()

	db := openTestDatabase(test)
	service := newLedgerService(test, db)
	ctx := context.Background()

	first, err := service.Apply(ctx, ledger.ApplyInput{
		UserID:         "user-1",
		Delta:          100,
		Type:           ledger.TransactionPurchase,
		Reason:         "package",
		IdempotencyKey: "purchase-1",
	})
	if err != nil {
		test.Fatalf("Apply: %v", err)
	}
	replay, err := service.Apply(ctx, ledger.ApplyInput{
		UserID:         "user-1",
		Delta:          100,
		Type:           ledger.TransactionPurchase,
		Reason:         "package",
		IdempotencyKey: "purchase-1",
	})
	if err != nil {
		test.Fatalf("Apply replay: %v", err)
	}
	if replay.TransactionID != first.TransactionID {
		test.Fatalf("replay transaction = %q, want %q", replay.TransactionID, first.TransactionID)
	}

	// A raw insert bypassing the replay lookup must hit the unique index.
	store := New(db)
	err = store.InsertTransaction(ctx, ledger.Transaction{
		TransactionID:  "11111111-1111-1111-1111-111111111111",
		AccountID:      first.AccountID,
		Type:           ledger.TransactionPurchase,
		Amount:         100,
		IdempotencyKey: "purchase-1",
		MetadataJSON:   "{}",
		BalanceAfter:   200,
		CreatedUnixUTC: 1700000000,
	})
	if !errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		test.Fatalf("duplicate insert error = %v, want ErrDuplicateIdempotencyKey", err)
	}

	wallet, err := service.Balance(ctx, "user-1")
	if err != nil {
		test.Fatalf("Balance: %v", err)
	}
	if wallet.Balance != 100 {
		test.Fatalf("balance = %d, want 100", wallet.Balance)
	}
}

func TestInsufficientBalanceRollsBack(test *testing.T) {
	test.Parallel()

	db := openTestDatabase(test)
	service := newLedgerService(test, db)
	ctx := context.Background()

	if _, err := service.Apply(ctx, ledger.ApplyInput{
		UserID: "user-1", Delta: 20, Type: ledger.TransactionInitial,
		Reason: "signup", IdempotencyKey: "initial:user-1",
	}); err != nil {
		test.Fatalf("Apply grant: %v", err)
	}
	_, err := service.Apply(ctx, ledger.ApplyInput{
		UserID: "user-1", Delta: -30, Type: ledger.TransactionDeduction,
		Reason: "audit-reservation", IdempotencyKey: "session-1",
	})
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		test.Fatalf("Apply error = %v, want ErrInsufficientBalance", err)
	}

	history, err := service.History(ctx, "user-1", 0, 10)
	if err != nil {
		test.Fatalf("History: %v", err)
	}
	if len(history) != 1 {
		test.Fatalf("history length = %d, want the grant only", len(history))
	}
}

func TestConcurrentAppliesQueueOnSQLite(test *testing.T) {
	test.Parallel()

	db := openTestDatabase(test)
	service := newLedgerService(test, db)
	ctx := context.Background()

	if _, err := service.Apply(ctx, ledger.ApplyInput{
		UserID: "user-1", Delta: 100, Type: ledger.TransactionInitial,
		Reason: "signup", IdempotencyKey: "initial:user-1",
	}); err != nil {
		test.Fatalf("Apply grant: %v", err)
	}

	const workers = 8
	errs := make(chan error, workers)
	var group sync.WaitGroup
	for worker := 0; worker < workers; worker++ {
		group.Add(1)
		go func(worker int) {
			defer group.Done()
			_, err := service.Apply(ctx, ledger.ApplyInput{
				UserID:         "user-1",
				Delta:          -10,
				Type:           ledger.TransactionDeduction,
				Reason:         "audit-reservation",
				IdempotencyKey: fmt.Sprintf("session-%d", worker),
				SessionID:      fmt.Sprintf("session-%d", worker),
			})
			errs <- err
		}(worker)
	}
	group.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			test.Fatalf("concurrent Apply: %v", err)
		}
	}

	wallet, err := service.Balance(ctx, "user-1")
	if err != nil {
		test.Fatalf("Balance: %v", err)
	}
	if wallet.Balance != 20 {
		test.Fatalf("balance = %d, want 20", wallet.Balance)
	}
}

func TestGetOrCreateAccountIsStable(test *testing.T) {
	test.Parallel()

	db := openTestDatabase(test)
	store := New(db)
	ctx := context.Background()

	first, err := store.GetOrCreateAccount(ctx, "user-1", ledger.PlanFree)
	if err != nil {
		test.Fatalf("GetOrCreateAccount: %v", err)
	}
	second, err := store.GetOrCreateAccount(ctx, "user-1", ledger.PlanPro)
	if err != nil {
		test.Fatalf("GetOrCreateAccount again: %v", err)
	}
	if first.AccountID != second.AccountID {
		test.Fatalf("account ids differ: %q vs %q", first.AccountID, second.AccountID)
	}
	if second.PlanTier != ledger.PlanFree {
		test.Fatalf("tier = %q, want original Free", second.PlanTier)
	}
}

func TestAuditStoreLifecycle(test *testing.T) {
	test.Parallel()

	db := openTestDatabase(test)
	store := NewAuditStore(db)
	ctx := context.Background()

	session := audit.Session{
		SessionID:        "22222222-2222-2222-2222-222222222222",
		UserID:           "user-1",
		Status:           audit.StatusReserved,
		ContractLanguage: "solidity",
		IsPublic:         true,
		ReservedCredits:  10,
		CreatedUnixUTC:   1700000000,
	}
	if err := store.CreateSession(ctx, session); err != nil {
		test.Fatalf("CreateSession: %v", err)
	}

	pending, err := store.ListUnsettled(ctx)
	if err != nil {
		test.Fatalf("ListUnsettled: %v", err)
	}
	if len(pending) != 1 {
		test.Fatalf("unsettled = %d, want 1", len(pending))
	}

	switched, err := store.TransitionSession(ctx, session.SessionID, []audit.Status{audit.StatusReserved}, audit.StatusStreaming, 0, "")
	if err != nil || !switched {
		test.Fatalf("transition to streaming = (%v, %v), want switch", switched, err)
	}
	switched, err = store.TransitionSession(ctx, session.SessionID, []audit.Status{audit.StatusReserved}, audit.StatusCompleted, 1700000100, "")
	if err != nil {
		test.Fatalf("stale transition: %v", err)
	}
	if switched {
		test.Fatal("stale transition must lose the compare-and-swap")
	}

	switched, err = store.TransitionSession(ctx, session.SessionID, []audit.Status{audit.StatusReserved, audit.StatusStreaming}, audit.StatusError, 1700000200, "watchdog timeout")
	if err != nil || !switched {
		test.Fatalf("transition to error = (%v, %v), want switch", switched, err)
	}

	stored, err := store.GetSession(ctx, session.SessionID)
	if err != nil {
		test.Fatalf("GetSession: %v", err)
	}
	if stored.Status != audit.StatusError || stored.FailureReason != "watchdog timeout" || stored.CompletedUnixUTC != 1700000200 {
		test.Fatalf("stored = %+v, want error with reason and completion time", stored)
	}

	pending, err = store.ListUnsettled(ctx)
	if err != nil {
		test.Fatalf("ListUnsettled: %v", err)
	}
	if len(pending) != 0 {
		test.Fatalf("unsettled = %d, want 0", len(pending))
	}
}

func TestAuditStoreTransactionRollsBackLedger(test *testing.T) {
	test.Parallel()

	db := openTestDatabase(test)
	store := NewAuditStore(db)
	service := newLedgerService(test, db)
	ctx := context.Background()

	if _, err := service.Apply(ctx, ledger.ApplyInput{
		UserID: "user-1", Delta: 100, Type: ledger.TransactionInitial,
		Reason: "signup", IdempotencyKey: "initial:user-1",
	}); err != nil {
		test.Fatalf("Apply grant: %v", err)
	}

	failure := errors.New("forced rollback")
	err := store.WithTx(ctx, func(ctx context.Context, txStore audit.Store) error {
		if _, err := service.ApplyWithin(ctx, txStore.Ledger(), ledger.ApplyInput{
			UserID: "user-1", Delta: -10, Type: ledger.TransactionDeduction,
			Reason: "audit-reservation", IdempotencyKey: "session-rollback",
		}); err != nil {
			return err
		}
		return failure
	})
	if !errors.Is(err, failure) {
		test.Fatalf("WithTx error = %v, want forced rollback", err)
	}

	wallet, err := service.Balance(ctx, "user-1")
	if err != nil {
		test.Fatalf("Balance: %v", err)
	}
	if wallet.Balance != 100 {
		test.Fatalf("balance = %d, want untouched 100", wallet.Balance)
	}
}

func TestPurchaseStoreLifecycle(test *testing.T) {
	test.Parallel()

	db := openTestDatabase(test)
	store := NewPurchaseStore(db)
	ctx := context.Background()

	session := purchase.Session{
		SessionID:      "33333333-3333-3333-3333-333333333333",
		UserID:         "user-1",
		PackageID:      "developer",
		Provider:       "razorpay",
		Status:         purchase.StatusCreated,
		CreatedUnixUTC: 1700000000,
	}
	if err := store.CreateSession(ctx, session); err != nil {
		test.Fatalf("CreateSession: %v", err)
	}

	if _, found, err := store.FindSessionByProviderOrder(ctx, "razorpay", "order-1"); err != nil || found {
		test.Fatalf("premature lookup = (%v, %v), want not found", found, err)
	}
	if err := store.MarkAwaitingProvider(ctx, session.SessionID, "order-1"); err != nil {
		test.Fatalf("MarkAwaitingProvider: %v", err)
	}
	resolved, found, err := store.FindSessionByProviderOrder(ctx, "razorpay", "order-1")
	if err != nil || !found {
		test.Fatalf("lookup = (%v, %v), want found", found, err)
	}
	if resolved.Status != purchase.StatusAwaitingProvider {
		test.Fatalf("status = %q, want %q", resolved.Status, purchase.StatusAwaitingProvider)
	}

	switched, err := store.TransitionSession(ctx, session.SessionID, []purchase.Status{purchase.StatusCreated, purchase.StatusAwaitingProvider}, purchase.StatusCaptured)
	if err != nil || !switched {
		test.Fatalf("transition to captured = (%v, %v), want switch", switched, err)
	}
	if err := store.MarkAwaitingProvider(ctx, session.SessionID, "order-2"); !errors.Is(err, purchase.ErrSessionClosed) {
		test.Fatalf("MarkAwaitingProvider on captured = %v, want ErrSessionClosed", err)
	}
}
