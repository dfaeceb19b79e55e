package purchase

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/quorumsec/audita/internal/catalog"
	"github.com/quorumsec/audita/internal/payment"
	"github.com/quorumsec/audita/pkg/ledger"
	"github.com/quorumsec/audita/pkg/ledger/ledgertest"
)

type stubStore struct {
	mu           sync.Mutex
	ledgerStore  *ledgertest.InMemoryStore
	sessions     map[string]Session
	failCreate   error
	failFindByPO error
}

func newStubStore() *stubStore {
	return &stubStore{
		ledgerStore: ledgertest.NewInMemoryStore(),
		sessions:    make(map[string]Session),
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return fn(ctx, (*stubTxStore)(store))
}

func (store *stubStore) Ledger() ledger.Store {
	return store.ledgerStore
}

func (store *stubStore) CreateSession(ctx context.Context, session Session) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*stubTxStore)(store).CreateSession(ctx, session)
}

func (store *stubStore) GetSession(ctx context.Context, sessionID string) (Session, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*stubTxStore)(store).GetSession(ctx, sessionID)
}

func (store *stubStore) FindSessionByProviderOrder(ctx context.Context, provider string, providerOrderID string) (Session, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*stubTxStore)(store).FindSessionByProviderOrder(ctx, provider, providerOrderID)
}

func (store *stubStore) MarkAwaitingProvider(ctx context.Context, sessionID string, providerOrderID string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*stubTxStore)(store).MarkAwaitingProvider(ctx, sessionID, providerOrderID)
}

func (store *stubStore) TransitionSession(ctx context.Context, sessionID string, from []Status, to Status) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*stubTxStore)(store).TransitionSession(ctx, sessionID, from, to)
}

type stubTxStore stubStore

func (store *stubTxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubTxStore) Ledger() ledger.Store {
	return store.ledgerStore.TxStore()
}

func (store *stubTxStore) CreateSession(ctx context.Context, session Session) error {
	if store.failCreate != nil {
		return store.failCreate
	}
	store.sessions[session.SessionID] = session
	return nil
}

func (store *stubTxStore) GetSession(ctx context.Context, sessionID string) (Session, error) {
	session, ok := store.sessions[sessionID]
	if !ok {
		return Session{}, ErrUnknownSession
	}
	return session, nil
}

func (store *stubTxStore) FindSessionByProviderOrder(ctx context.Context, provider string, providerOrderID string) (Session, bool, error) {
	if store.failFindByPO != nil {
		return Session{}, false, store.failFindByPO
	}
	for _, session := range store.sessions {
		if session.Provider == provider && session.ProviderOrderID == providerOrderID {
			return session, true, nil
		}
	}
	return Session{}, false, nil
}

func (store *stubTxStore) MarkAwaitingProvider(ctx context.Context, sessionID string, providerOrderID string) error {
	session, ok := store.sessions[sessionID]
	if !ok {
		return ErrUnknownSession
	}
	session.Status = StatusAwaitingProvider
	session.ProviderOrderID = providerOrderID
	store.sessions[sessionID] = session
	return nil
}

func (store *stubTxStore) TransitionSession(ctx context.Context, sessionID string, from []Status, to Status) (bool, error) {
	session, ok := store.sessions[sessionID]
	if !ok {
		return false, ErrUnknownSession
	}
	for _, candidate := range from {
		if session.Status == candidate {
			session.Status = to
			store.sessions[sessionID] = session
			return true, nil
		}
	}
	return false, nil
}

type stubProvider struct {
	name         string
	createErr    error
	verifyErr    error
	confirmation payment.Confirmation
	orderCount   int
}

func (provider *stubProvider) Name() string {
	return provider.name
}

func (provider *stubProvider) CreateOrder(ctx context.Context, request payment.OrderRequest) (payment.Order, error) {
	if provider.createErr != nil {
		return payment.Order{}, provider.createErr
	}
	provider.orderCount++
	return payment.Order{
		Provider:        provider.name,
		ProviderOrderID: "order-1",
		AmountCents:     request.AmountCents,
		Currency:        request.Currency,
	}, nil
}

func (provider *stubProvider) VerifyCallback(ctx context.Context, payload []byte) (payment.Confirmation, error) {
	if provider.verifyErr != nil {
		return payment.Confirmation{}, provider.verifyErr
	}
	return provider.confirmation, nil
}

func newTestOrchestrator(test *testing.T, provider payment.Provider) (*Orchestrator, *stubStore) {
	test.Helper()
	store := newStubStore()
	credits, err := ledger.NewService(store.ledgerStore, func() int64 { return 1700000000 })
	if err != nil {
		test.Fatalf("NewService: %v", err)
	}
	orchestrator, err := New(Config{
		Store:     store,
		Credits:   credits,
		Packages:  catalog.Default(),
		Providers: payment.NewRegistry(provider),
		Currency:  "USD",
		Now:       func() int64 { return 1700000000 },
	})
	if err != nil {
		test.Fatalf("New: %v", err)
	}
	return orchestrator, store
}

func TestInitiateFreePackageGrantsImmediately(test *testing.T) {
	test.Parallel()

	orchestrator, store := newTestOrchestrator(test, &stubProvider{name: "razorpay"})
	outcome, err := orchestrator.Initiate(context.Background(), "user-1", "starter", "")
	if err != nil {
		test.Fatalf("Initiate: %v", err)
	}
	if outcome.Kind != OutcomeGranted {
		test.Fatalf("outcome kind = %q, want %q", outcome.Kind, OutcomeGranted)
	}
	if outcome.Transaction == nil || outcome.Transaction.Amount != 50 {
		test.Fatalf("granted transaction = %+v, want amount 50", outcome.Transaction)
	}
	account, ok := store.ledgerStore.Account("user-1")
	if !ok || account.Balance != 50 {
		test.Fatalf("account balance = %+v, want 50", account)
	}
}

func TestInitiateEnterpriseRoutesToContact(test *testing.T) {
	test.Parallel()

	orchestrator, store := newTestOrchestrator(test, &stubProvider{name: "razorpay"})
	outcome, err := orchestrator.Initiate(context.Background(), "user-1", "enterprise", "razorpay")
	if err != nil {
		test.Fatalf("Initiate: %v", err)
	}
	if outcome.Kind != OutcomeRequiresContact {
		test.Fatalf("outcome kind = %q, want %q", outcome.Kind, OutcomeRequiresContact)
	}
	if _, ok := store.ledgerStore.Account("user-1"); ok {
		test.Fatal("enterprise routing must not touch the ledger")
	}
}

func TestInitiatePaidPackageOpensProviderOrder(test *testing.T) {
	test.Parallel()

	provider := &stubProvider{name: "razorpay"}
	orchestrator, store := newTestOrchestrator(test, provider)
	outcome, err := orchestrator.Initiate(context.Background(), "user-1", "developer", "razorpay")
	if err != nil {
		test.Fatalf("Initiate: %v", err)
	}
	if outcome.Kind != OutcomeRequiresPayment {
		test.Fatalf("outcome kind = %q, want %q", outcome.Kind, OutcomeRequiresPayment)
	}
	if outcome.Order == nil || outcome.Order.AmountCents != 1900 {
		test.Fatalf("order = %+v, want 1900 cents", outcome.Order)
	}
	stored, err := store.GetSession(context.Background(), outcome.Session.SessionID)
	if err != nil {
		test.Fatalf("GetSession: %v", err)
	}
	if stored.Status != StatusAwaitingProvider || stored.ProviderOrderID != "order-1" {
		test.Fatalf("stored session = %+v, want awaiting_provider order-1", stored)
	}
	if _, ok := store.ledgerStore.Account("user-1"); ok {
		test.Fatal("initiation must not grant credits before capture")
	}
}

func TestInitiateProviderFailureMarksSessionFailed(test *testing.T) {
	test.Parallel()

	provider := &stubProvider{name: "razorpay", createErr: errors.New("gateway down")}
	orchestrator, store := newTestOrchestrator(test, provider)
	_, err := orchestrator.Initiate(context.Background(), "user-1", "developer", "razorpay")
	if !errors.Is(err, ErrProviderOrderFailed) {
		test.Fatalf("Initiate error = %v, want ErrProviderOrderFailed", err)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.sessions) != 1 {
		test.Fatalf("session count = %d, want 1", len(store.sessions))
	}
	for _, session := range store.sessions {
		if session.Status != StatusFailed {
			test.Fatalf("session status = %q, want %q", session.Status, StatusFailed)
		}
	}
}

func TestReconcileCapturesOnceAndReplays(test *testing.T) {
	test.Parallel()

	provider := &stubProvider{
		name:         "razorpay",
		confirmation: payment.Confirmation{ProviderOrderID: "order-1", AmountCents: 1900, Currency: "USD"},
	}
	orchestrator, store := newTestOrchestrator(test, provider)
	outcome, err := orchestrator.Initiate(context.Background(), "user-1", "developer", "razorpay")
	if err != nil {
		test.Fatalf("Initiate: %v", err)
	}

	first, err := orchestrator.Reconcile(context.Background(), "razorpay", []byte(`{}`))
	if err != nil {
		test.Fatalf("Reconcile: %v", err)
	}
	if first.Amount != 220 {
		test.Fatalf("captured amount = %d, want 220", first.Amount)
	}
	second, err := orchestrator.Reconcile(context.Background(), "razorpay", []byte(`{}`))
	if err != nil {
		test.Fatalf("Reconcile replay: %v", err)
	}
	if second.TransactionID != first.TransactionID {
		test.Fatalf("replay transaction = %q, want %q", second.TransactionID, first.TransactionID)
	}
	if count := store.ledgerStore.CountByKey(outcome.Session.SessionID); count != 1 {
		test.Fatalf("ledger writes for session = %d, want 1", count)
	}
	account, _ := store.ledgerStore.Account("user-1")
	if account.Balance != 220 {
		test.Fatalf("balance = %d, want 220", account.Balance)
	}
	stored, err := store.GetSession(context.Background(), outcome.Session.SessionID)
	if err != nil {
		test.Fatalf("GetSession: %v", err)
	}
	if stored.Status != StatusCaptured {
		test.Fatalf("session status = %q, want %q", stored.Status, StatusCaptured)
	}
}

func TestReconcileUnknownOrderRejected(test *testing.T) {
	test.Parallel()

	provider := &stubProvider{
		name:         "razorpay",
		confirmation: payment.Confirmation{ProviderOrderID: "order-unknown", AmountCents: 1900},
	}
	orchestrator, store := newTestOrchestrator(test, provider)
	_, err := orchestrator.Reconcile(context.Background(), "razorpay", []byte(`{}`))
	if !errors.Is(err, ErrUnknownSession) {
		test.Fatalf("Reconcile error = %v, want ErrUnknownSession", err)
	}
	if _, ok := store.ledgerStore.Account("user-1"); ok {
		test.Fatal("unknown order must not touch the ledger")
	}
}

func TestReconcileAmountMismatchFailsSession(test *testing.T) {
	test.Parallel()

	provider := &stubProvider{
		name:         "razorpay",
		confirmation: payment.Confirmation{ProviderOrderID: "order-1", AmountCents: 100, Currency: "USD"},
	}
	orchestrator, store := newTestOrchestrator(test, provider)
	outcome, err := orchestrator.Initiate(context.Background(), "user-1", "developer", "razorpay")
	if err != nil {
		test.Fatalf("Initiate: %v", err)
	}

	_, err = orchestrator.Reconcile(context.Background(), "razorpay", []byte(`{}`))
	if !errors.Is(err, payment.ErrVerificationFailed) || !errors.Is(err, ErrAmountMismatch) {
		test.Fatalf("Reconcile error = %v, want verification failed with amount mismatch", err)
	}
	stored, err := store.GetSession(context.Background(), outcome.Session.SessionID)
	if err != nil {
		test.Fatalf("GetSession: %v", err)
	}
	if stored.Status != StatusFailed {
		test.Fatalf("session status = %q, want %q", stored.Status, StatusFailed)
	}
	if count := store.ledgerStore.CountByKey(outcome.Session.SessionID); count != 0 {
		test.Fatalf("ledger writes for session = %d, want 0", count)
	}
}

func TestCancelSemantics(test *testing.T) {
	test.Parallel()

	provider := &stubProvider{
		name:         "razorpay",
		confirmation: payment.Confirmation{ProviderOrderID: "order-1", AmountCents: 1900, Currency: "USD"},
	}
	orchestrator, store := newTestOrchestrator(test, provider)
	outcome, err := orchestrator.Initiate(context.Background(), "user-1", "developer", "razorpay")
	if err != nil {
		test.Fatalf("Initiate: %v", err)
	}
	sessionID := outcome.Session.SessionID

	if err := orchestrator.Cancel(context.Background(), "user-2", sessionID); !errors.Is(err, ErrNotSessionOwner) {
		test.Fatalf("Cancel by stranger = %v, want ErrNotSessionOwner", err)
	}
	if err := orchestrator.Cancel(context.Background(), "user-1", sessionID); err != nil {
		test.Fatalf("Cancel: %v", err)
	}
	stored, err := store.GetSession(context.Background(), sessionID)
	if err != nil {
		test.Fatalf("GetSession: %v", err)
	}
	if stored.Status != StatusCancelled {
		test.Fatalf("session status = %q, want %q", stored.Status, StatusCancelled)
	}
	if err := orchestrator.Cancel(context.Background(), "user-1", sessionID); !errors.Is(err, ErrSessionClosed) {
		test.Fatalf("Cancel closed session = %v, want ErrSessionClosed", err)
	}
}
