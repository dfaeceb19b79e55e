package audit

import "github.com/quorumsec/audita/pkg/ledger"

// Pricer computes the reservation for a submission.
type Pricer func(code string) ledger.CreditAmount

const (
	priceBase      = 5
	pricePerBlock  = 5
	priceBlockSize = 2048
)

// SizePricer prices by submission size: a base fee plus a step for every
// started 2KiB of code, clamped to [minimum, maximum].
func SizePricer(minimum ledger.CreditAmount, maximum ledger.CreditAmount) Pricer {
	return func(code string) ledger.CreditAmount {
		blocks := int64(len(code)+priceBlockSize-1) / priceBlockSize
		price := ledger.CreditAmount(priceBase + pricePerBlock*blocks)
		if price < minimum {
			return minimum
		}
		if price > maximum {
			return maximum
		}
		return price
	}
}

// DefaultPricer is the production pricing policy.
func DefaultPricer() Pricer {
	return SizePricer(5, 500)
}
