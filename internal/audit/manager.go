package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quorumsec/audita/internal/engine"
	"github.com/quorumsec/audita/internal/relay"
	"github.com/quorumsec/audita/pkg/ledger"
)

const reservationReason = "audit-reservation"

// Manager owns the audit session lifecycle.
type Manager struct {
	store    Store
	credits  *ledger.Service
	engine   engine.Engine
	relay    *relay.Relay
	pricer   Pricer
	watchdog time.Duration
	logger   *zap.Logger
	observer Observer
	nowFn    func() int64
	running  sync.WaitGroup
}

// Config wires a Manager.
type Config struct {
	Store    Store
	Credits  *ledger.Service
	Engine   engine.Engine
	Relay    *relay.Relay
	Pricer   Pricer
	Watchdog time.Duration
	Logger   *zap.Logger
	Observer Observer
	Now      func() int64
}

// New validates dependencies and builds a Manager.
func New(config Config) (*Manager, error) {
	if config.Store == nil || config.Credits == nil || config.Engine == nil || config.Relay == nil {
		return nil, fmt.Errorf("%w: missing dependency", ErrInvalidManager)
	}
	if config.Watchdog <= 0 {
		return nil, fmt.Errorf("%w: watchdog interval must be positive", ErrInvalidManager)
	}
	if config.Now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidManager)
	}
	pricer := config.Pricer
	if pricer == nil {
		pricer = DefaultPricer()
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	observer := config.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	return &Manager{
		store:    config.Store,
		credits:  config.Credits,
		engine:   config.Engine,
		relay:    config.Relay,
		pricer:   pricer,
		watchdog: config.Watchdog,
		logger:   logger,
		observer: observer,
		nowFn:    config.Now,
	}, nil
}

// Create reserves credits and starts an audit session. The session row and
// the reservation commit in one store transaction: an account that cannot
// cover the reservation gets ErrInsufficientBalance and no session.
func (manager *Manager) Create(ctx context.Context, userID string, language string, code string, isPublic bool) (Session, error) {
	if code == "" {
		return Session{}, ErrEmptySubmission
	}
	session := Session{
		SessionID:        uuid.NewString(),
		UserID:           userID,
		Status:           StatusReserved,
		ContractLanguage: language,
		IsPublic:         isPublic,
		ReservedCredits:  manager.pricer(code),
		CreatedUnixUTC:   manager.nowFn(),
	}
	err := manager.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		if _, err := manager.credits.ApplyWithin(ctx, txStore.Ledger(), ledger.ApplyInput{
			UserID:         userID,
			Delta:          -session.ReservedCredits,
			Type:           ledger.TransactionDeduction,
			Reason:         reservationReason,
			IdempotencyKey: session.SessionID,
			SessionID:      session.SessionID,
		}); err != nil {
			return err
		}
		return txStore.CreateSession(ctx, session)
	})
	if err != nil {
		return Session{}, err
	}
	if err := manager.relay.Open(session.SessionID); err != nil {
		// Session IDs are fresh UUIDs, a collision here is a programming error.
		manager.logger.Error("failed to open relay stream",
			zap.String("session_id", session.SessionID), zap.Error(err))
	}
	manager.logger.Info("audit session reserved",
		zap.String("session_id", session.SessionID),
		zap.String("user_id", userID),
		zap.Int64("reserved_credits", int64(session.ReservedCredits)))

	manager.running.Add(1)
	go manager.run(session, engine.Submission{
		SessionID: session.SessionID,
		Language:  language,
		Code:      code,
	})
	return session, nil
}

// Get returns a session. Private sessions are visible to their owner only.
func (manager *Manager) Get(ctx context.Context, userID string, sessionID string) (Session, error) {
	session, err := manager.store.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if !session.IsPublic && session.UserID != userID {
		return Session{}, ErrNotSessionOwner
	}
	return session, nil
}

// Cancel aborts an unfinished session and refunds the reservation. Nothing
// is charged for partially delivered content.
func (manager *Manager) Cancel(ctx context.Context, userID string, sessionID string) error {
	session, err := manager.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.UserID != userID {
		return ErrNotSessionOwner
	}
	won, err := manager.settle(ctx, sessionID, StatusError, "cancelled by caller")
	if err != nil {
		return err
	}
	if !won {
		return ErrSessionSettled
	}
	if err := manager.relay.Fail(sessionID, "cancelled"); err != nil && !errors.Is(err, relay.ErrUnknownStream) {
		return err
	}
	return nil
}

// RecoverPending settles every session left non-terminal by an earlier
// process as a refund. Non-terminal sessions always carry a reservation, so
// refunding is always the right recovery.
func (manager *Manager) RecoverPending(ctx context.Context) (int, error) {
	pending, err := manager.store.ListUnsettled(ctx)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, session := range pending {
		won, err := manager.settle(ctx, session.SessionID, StatusError, "interrupted by restart")
		if err != nil {
			return recovered, err
		}
		if won {
			recovered++
			manager.logger.Warn("refunded interrupted audit session",
				zap.String("session_id", session.SessionID),
				zap.Int64("reserved_credits", int64(session.ReservedCredits)))
		}
	}
	return recovered, nil
}

// Wait blocks until every in-flight session goroutine has settled.
func (manager *Manager) Wait() {
	manager.running.Wait()
}

func (manager *Manager) run(session Session, submission engine.Submission) {
	defer manager.running.Done()
	ctx := context.Background()

	stream, err := manager.engine.Dispatch(ctx, submission)
	if err != nil {
		manager.logger.Warn("engine rejected submission",
			zap.String("session_id", session.SessionID), zap.Error(err))
		manager.finish(ctx, session.SessionID, StatusError, "engine rejected submission")
		return
	}
	defer stream.Close()

	if _, err := manager.store.TransitionSession(ctx, session.SessionID, []Status{StatusReserved}, StatusStreaming, 0, ""); err != nil {
		manager.logger.Error("failed to mark session streaming",
			zap.String("session_id", session.SessionID), zap.Error(err))
	}

	timer := time.NewTimer(manager.watchdog)
	defer timer.Stop()
	for {
		select {
		case event, open := <-stream.Events():
			if !open {
				manager.finish(ctx, session.SessionID, StatusError, "engine stream ended without terminal event")
				return
			}
			switch event.Kind {
			case engine.EventFragment:
				if err := manager.relay.Publish(session.SessionID, event.Content); err != nil {
					manager.logger.Error("failed to relay fragment",
						zap.String("session_id", session.SessionID), zap.Error(err))
				}
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(manager.watchdog)
			case engine.EventCompleted:
				won, err := manager.settle(ctx, session.SessionID, StatusCompleted, "")
				if err != nil {
					manager.logger.Error("failed to settle completed session",
						zap.String("session_id", session.SessionID), zap.Error(err))
				}
				if won {
					if err := manager.relay.Complete(session.SessionID, event.Report); err != nil {
						manager.logger.Error("failed to close relay stream",
							zap.String("session_id", session.SessionID), zap.Error(err))
					}
				}
				return
			case engine.EventFailed:
				reason := event.Reason
				if reason == "" {
					reason = "engine reported failure"
				}
				manager.finish(ctx, session.SessionID, StatusError, reason)
				return
			}
		case <-timer.C:
			won, err := manager.settle(ctx, session.SessionID, StatusError, "watchdog timeout")
			if err != nil {
				manager.logger.Error("failed to settle timed-out session",
					zap.String("session_id", session.SessionID), zap.Error(err))
			}
			if won {
				manager.observer.WatchdogRefund()
				manager.logger.Warn("audit session timed out",
					zap.String("session_id", session.SessionID))
				if err := manager.relay.Fail(session.SessionID, "analysis timed out"); err != nil {
					manager.logger.Error("failed to close relay stream",
						zap.String("session_id", session.SessionID), zap.Error(err))
				}
			}
			return
		}
	}
}

// finish settles an error outcome and closes the relay stream when this
// caller won the settlement race.
func (manager *Manager) finish(ctx context.Context, sessionID string, outcome Status, reason string) {
	won, err := manager.settle(ctx, sessionID, outcome, reason)
	if err != nil {
		manager.logger.Error("failed to settle session",
			zap.String("session_id", sessionID),
			zap.String("reason", reason), zap.Error(err))
		return
	}
	if !won {
		return
	}
	if err := manager.relay.Fail(sessionID, reason); err != nil && !errors.Is(err, relay.ErrUnknownStream) {
		manager.logger.Error("failed to close relay stream",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

// settle is the only place terminal transitions and refunds happen. The
// compare-and-swap and the refund share one store transaction: concurrent
// settlement attempts see exactly one winner, and the winner's refund
// carries the session-derived idempotency key, so replays after a crash
// write nothing.
func (manager *Manager) settle(ctx context.Context, sessionID string, outcome Status, reason string) (bool, error) {
	won := false
	err := manager.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		session, err := txStore.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		switched, err := txStore.TransitionSession(ctx, sessionID, []Status{StatusReserved, StatusStreaming}, outcome, manager.nowFn(), reason)
		if err != nil {
			return err
		}
		if !switched {
			return nil
		}
		won = true
		if outcome == StatusCompleted {
			return txStore.SetCreditsCharged(ctx, sessionID, session.ReservedCredits)
		}
		if session.ReservedCredits > 0 {
			_, err = manager.credits.ApplyWithin(ctx, txStore.Ledger(), ledger.ApplyInput{
				UserID:         session.UserID,
				Delta:          session.ReservedCredits,
				Type:           ledger.TransactionRefund,
				Reason:         reason,
				IdempotencyKey: sessionID + ":refund",
				SessionID:      sessionID,
			})
		}
		return err
	})
	if err != nil {
		return false, err
	}
	if won {
		manager.observer.SessionSettled(outcome)
	}
	return won, nil
}
