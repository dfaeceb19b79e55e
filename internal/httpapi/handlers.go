package httpapi

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/quorumsec/audita/internal/audit"
	"github.com/quorumsec/audita/internal/catalog"
	"github.com/quorumsec/audita/internal/payment"
	"github.com/quorumsec/audita/internal/purchase"
	"github.com/quorumsec/audita/internal/relay"
	"github.com/quorumsec/audita/pkg/ledger"
)

type purchaseRequest struct {
	PackageID string `json:"package_id"`
	Provider  string `json:"provider"`
}

type auditRequest struct {
	Language string `json:"language"`
	Code     string `json:"code"`
	Public   *bool  `json:"public"`
}

func errorResponse(code string, message string) gin.H {
	return gin.H{"error": gin.H{"code": code, "message": message}}
}

func (server *Server) handleWallet(ctx *gin.Context) {
	userID, tier := currentUser(ctx)
	if _, err := server.config.Credits.EnsureAccount(ctx.Request.Context(), userID, tier); err != nil {
		server.respondError(ctx, err)
		return
	}
	wallet, err := server.config.Credits.Balance(ctx.Request.Context(), userID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"wallet": walletPayload(wallet)})
}

func (server *Server) handlePackages(ctx *gin.Context) {
	packages := server.config.Packages.List()
	payload := make([]gin.H, 0, len(packages))
	for _, creditPackage := range packages {
		payload = append(payload, gin.H{
			"id":              creditPackage.ID,
			"name":            creditPackage.Name,
			"credits":         creditPackage.Credits,
			"bonus_credits":   creditPackage.BonusCredits,
			"total_credits":   creditPackage.TotalCredits(),
			"price_cents":     creditPackage.PriceCents,
			"popular":         creditPackage.Popular,
			"savings_percent": creditPackage.SavingsPercent,
			"contact_sales":   creditPackage.IsEnterprise(),
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"packages": payload})
}

func (server *Server) handlePurchaseInitiate(ctx *gin.Context) {
	userID, _ := currentUser(ctx)
	var request purchaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	outcome, err := server.config.Purchases.Initiate(ctx.Request.Context(), userID, request.PackageID, request.Provider)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	if server.config.Metrics != nil {
		server.config.Metrics.ObservePurchaseOutcome(outcome.Kind)
	}
	switch outcome.Kind {
	case purchase.OutcomeGranted:
		ctx.JSON(http.StatusOK, gin.H{
			"status":      "granted",
			"transaction": transactionPayload(*outcome.Transaction),
		})
	case purchase.OutcomeRequiresContact:
		ctx.JSON(http.StatusOK, gin.H{"status": "contact_sales"})
	case purchase.OutcomeRequiresPayment:
		ctx.JSON(http.StatusOK, gin.H{
			"status":     "payment_required",
			"session_id": outcome.Session.SessionID,
			"order": gin.H{
				"provider":     outcome.Order.Provider,
				"order_id":     outcome.Order.ProviderOrderID,
				"amount_cents": outcome.Order.AmountCents,
				"currency":     outcome.Order.Currency,
				"checkout":     outcome.Order.CheckoutParams,
			},
		})
	}
}

func (server *Server) handlePurchaseCancel(ctx *gin.Context) {
	userID, _ := currentUser(ctx)
	if err := server.config.Purchases.Cancel(ctx.Request.Context(), userID, ctx.Param("id")); err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

func (server *Server) handleWebhook(ctx *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(ctx.Writer, ctx.Request.Body, 1<<20))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}
	transaction, err := server.config.Purchases.Reconcile(ctx.Request.Context(), ctx.Param("provider"), payload)
	if err != nil {
		if server.config.Metrics != nil {
			server.config.Metrics.ObserveWebhookRejection()
		}
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"status":      "captured",
		"transaction": transactionPayload(transaction),
	})
}

func (server *Server) handleAuditCreate(ctx *gin.Context) {
	userID, tier := currentUser(ctx)
	var request auditRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	isPublic := true
	if request.Public != nil {
		isPublic = *request.Public
	}
	if !isPublic && !tier.CanCreatePrivateAudits() {
		ctx.JSON(http.StatusForbidden, errorResponse("plan_required", "private audits require a paid plan"))
		return
	}
	session, err := server.config.Audits.Create(ctx.Request.Context(), userID, request.Language, request.Code, isPublic)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"session": auditSessionPayload(session)})
}

func (server *Server) handleAuditGet(ctx *gin.Context) {
	userID, _ := currentUser(ctx)
	session, err := server.config.Audits.Get(ctx.Request.Context(), userID, ctx.Param("id"))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"session": auditSessionPayload(session)})
}

func (server *Server) handleAuditCancel(ctx *gin.Context) {
	userID, _ := currentUser(ctx)
	if err := server.config.Audits.Cancel(ctx.Request.Context(), userID, ctx.Param("id")); err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

func (server *Server) handleAuditStream(ctx *gin.Context) {
	userID, _ := currentUser(ctx)
	sessionID := ctx.Param("id")
	if _, err := server.config.Audits.Get(ctx.Request.Context(), userID, sessionID); err != nil {
		server.respondError(ctx, err)
		return
	}
	events, cancel, err := server.config.Streams.Subscribe(sessionID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	defer cancel()

	ctx.Header("Content-Type", "text/event-stream")
	ctx.Header("Cache-Control", "no-cache")
	ctx.Header("Connection", "keep-alive")
	ctx.Header("X-Accel-Buffering", "no")

	ctx.Stream(func(w io.Writer) bool {
		select {
		case event, open := <-events:
			if !open {
				return false
			}
			ctx.SSEvent(string(event.Kind), streamEventPayload(event))
			return !event.Terminal()
		case <-ctx.Request.Context().Done():
			return false
		}
	})
}

func streamEventPayload(event relay.Event) gin.H {
	payload := gin.H{}
	switch event.Kind {
	case relay.EventFragment:
		payload["content"] = event.Content
	case relay.EventCompleted:
		payload["report"] = event.Report
	case relay.EventError:
		payload["reason"] = event.Reason
	}
	return payload
}

func walletPayload(wallet ledger.Wallet) gin.H {
	recent := make([]gin.H, 0, len(wallet.Recent))
	for _, transaction := range wallet.Recent {
		recent = append(recent, transactionPayload(transaction))
	}
	return gin.H{
		"balance":      int64(wallet.Balance),
		"total_earned": int64(wallet.TotalEarned),
		"total_used":   int64(wallet.TotalUsed),
		"plan_tier":    wallet.PlanTier.String(),
		"recent":       recent,
	}
}

func transactionPayload(transaction ledger.Transaction) gin.H {
	return gin.H{
		"transaction_id":   transaction.TransactionID,
		"type":             transaction.Type.String(),
		"amount":           int64(transaction.Amount),
		"reason":           transaction.Reason,
		"session_id":       transaction.SessionID,
		"balance_after":    int64(transaction.BalanceAfter),
		"created_unix_utc": transaction.CreatedUnixUTC,
	}
}

func auditSessionPayload(session audit.Session) gin.H {
	payload := gin.H{
		"session_id":       session.SessionID,
		"status":           session.Status.String(),
		"language":         session.ContractLanguage,
		"public":           session.IsPublic,
		"reserved_credits": int64(session.ReservedCredits),
		"created_unix_utc": session.CreatedUnixUTC,
	}
	if session.CreditsCharged != nil {
		payload["credits_charged"] = int64(*session.CreditsCharged)
	}
	if session.FailureReason != "" {
		payload["failure_reason"] = session.FailureReason
	}
	if session.CompletedUnixUTC != 0 {
		payload["completed_unix_utc"] = session.CompletedUnixUTC
	}
	return payload
}

func (server *Server) respondError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		ctx.JSON(http.StatusPaymentRequired, errorResponse("insufficient_balance", "not enough credits"))
	case errors.Is(err, catalog.ErrUnknownPackage):
		ctx.JSON(http.StatusNotFound, errorResponse("unknown_package", "no such package"))
	case errors.Is(err, audit.ErrUnknownSession), errors.Is(err, purchase.ErrUnknownSession):
		ctx.JSON(http.StatusNotFound, errorResponse("unknown_session", "no such session"))
	case errors.Is(err, relay.ErrUnknownStream):
		ctx.JSON(http.StatusNotFound, errorResponse("stream_expired", "stream is no longer available"))
	case errors.Is(err, audit.ErrNotSessionOwner), errors.Is(err, purchase.ErrNotSessionOwner):
		ctx.JSON(http.StatusForbidden, errorResponse("forbidden", "not the session owner"))
	case errors.Is(err, audit.ErrSessionSettled), errors.Is(err, purchase.ErrSessionClosed):
		ctx.JSON(http.StatusConflict, errorResponse("session_closed", "session already settled"))
	case errors.Is(err, audit.ErrEmptySubmission):
		ctx.JSON(http.StatusBadRequest, errorResponse("empty_submission", "code is required"))
	case errors.Is(err, payment.ErrUnknownProvider):
		ctx.JSON(http.StatusBadRequest, errorResponse("unknown_provider", "unsupported payment provider"))
	case errors.Is(err, payment.ErrVerificationFailed):
		ctx.JSON(http.StatusBadRequest, errorResponse("verification_failed", "callback failed verification"))
	case errors.Is(err, purchase.ErrProviderOrderFailed):
		ctx.JSON(http.StatusBadGateway, errorResponse("provider_unavailable", "provider order failed"))
	default:
		server.logger.Error("request failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal", "internal error"))
	}
}
