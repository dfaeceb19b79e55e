package ledger

const (
	operationApply         = "apply"
	operationEnsureAccount = "ensure_account"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	signupIdempotencyPrefix = "initial:"
	signupGrantReason       = "signup grant"

	defaultMetadataJSON = "{}"
	defaultRecentLimit  = 20
)
