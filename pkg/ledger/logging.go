package ledger

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation      string
	UserID         string
	Type           TransactionType
	Amount         CreditAmount
	IdempotencyKey string
	SessionID      string
	Status         string
	Error          error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithSignupGrant sets the one-time credit grant written when an account is
// first created. Zero disables the grant.
func WithSignupGrant(amount CreditAmount) ServiceOption {
	return func(service *Service) {
		service.signupGrant = amount
	}
}
