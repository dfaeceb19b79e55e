// Package observability collects Prometheus metrics and adapts the ledger's
// operation callbacks onto zap.
package observability

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/quorumsec/audita/internal/audit"
	"github.com/quorumsec/audita/internal/purchase"
	"github.com/quorumsec/audita/pkg/ledger"
)

const (
	namespace      = "audita"
	outcomeOK      = "ok"
	outcomeError   = "error"
	outcomeRefused = "insufficient_balance"
)

// Metrics is the daemon's Prometheus metric set. It doubles as the audit
// manager's Observer.
type Metrics struct {
	ledgerOperations   *prometheus.CounterVec
	purchaseOutcomes   *prometheus.CounterVec
	auditSettlements   *prometheus.CounterVec
	watchdogRefunds    prometheus.Counter
	webhookRejections  prometheus.Counter
	activeStreamsGauge prometheus.GaugeFunc
}

// NewMetrics registers the metric set with the given registerer.
func NewMetrics(registerer prometheus.Registerer, activeStreams func() int) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		ledgerOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_operations_total",
			Help:      "Ledger apply operations by transaction type and outcome.",
		}, []string{"type", "outcome"}),
		purchaseOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purchase_outcomes_total",
			Help:      "Purchase initiations by outcome kind.",
		}, []string{"kind"}),
		auditSettlements: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_settlements_total",
			Help:      "Audit session settlements by terminal status.",
		}, []string{"status"}),
		watchdogRefunds: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watchdog_refunds_total",
			Help:      "Audit sessions refunded by the watchdog timeout.",
		}),
		webhookRejections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_rejections_total",
			Help:      "Provider callbacks rejected during verification.",
		}),
		activeStreamsGauge: factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Relay streams that have not reached a terminal event.",
		}, func() float64 { return float64(activeStreams()) }),
	}
}

// ObserveLedgerOperation records one ledger apply by type and outcome.
func (metrics *Metrics) ObserveLedgerOperation(transactionType ledger.TransactionType, err error) {
	outcome := outcomeOK
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		outcome = outcomeRefused
	case err != nil:
		outcome = outcomeError
	}
	metrics.ledgerOperations.WithLabelValues(transactionType.String(), outcome).Inc()
}

// ObservePurchaseOutcome records one purchase initiation result.
func (metrics *Metrics) ObservePurchaseOutcome(kind purchase.OutcomeKind) {
	metrics.purchaseOutcomes.WithLabelValues(string(kind)).Inc()
}

// ObserveWebhookRejection records one rejected provider callback.
func (metrics *Metrics) ObserveWebhookRejection() {
	metrics.webhookRejections.Inc()
}

// SessionSettled implements audit.Observer.
func (metrics *Metrics) SessionSettled(status audit.Status) {
	metrics.auditSettlements.WithLabelValues(status.String()).Inc()
}

// WatchdogRefund implements audit.Observer.
func (metrics *Metrics) WatchdogRefund() {
	metrics.watchdogRefunds.Inc()
}

// OperationLogger adapts ledger operation callbacks onto zap and the metric
// set.
type OperationLogger struct {
	logger  *zap.Logger
	metrics *Metrics
}

// NewOperationLogger builds the ledger callback adapter. metrics may be nil.
func NewOperationLogger(logger *zap.Logger, metrics *Metrics) *OperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OperationLogger{logger: logger, metrics: metrics}
}

// LogOperation implements ledger.OperationLogger.
func (operationLogger *OperationLogger) LogOperation(ctx context.Context, entry ledger.OperationLog) {
	if operationLogger.metrics != nil {
		operationLogger.metrics.ObserveLedgerOperation(entry.Type, entry.Error)
	}
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID),
		zap.String("type", entry.Type.String()),
		zap.Int64("amount", int64(entry.Amount)),
		zap.String("idempotency_key", entry.IdempotencyKey),
	}
	if entry.SessionID != "" {
		fields = append(fields, zap.String("session_id", entry.SessionID))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		operationLogger.logger.Warn("ledger operation failed", fields...)
		return
	}
	operationLogger.logger.Info("ledger operation", fields...)
}
