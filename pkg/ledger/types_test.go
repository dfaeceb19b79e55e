package ledger

import (
	"errors"
	"testing"
)

func TestParseTransactionType(test *testing.T) {
	test.Parallel()
	for _, raw := range []string{"initial", "purchase", "bonus", "deduction", "refund"} {
		parsed, err := ParseTransactionType(raw)
		if err != nil {
			test.Fatalf("parse %q: %v", raw, err)
		}
		if parsed.String() != raw {
			test.Fatalf("roundtrip mismatch for %q", raw)
		}
	}
	if _, err := ParseTransactionType("chargeback"); !errors.Is(err, ErrInvalidTransactionType) {
		test.Fatalf("expected ErrInvalidTransactionType, got %v", err)
	}
}

func TestParsePlanTier(test *testing.T) {
	test.Parallel()
	for _, raw := range []string{"Free", "Pro", "Pro+", "Enterprise"} {
		if _, err := ParsePlanTier(raw); err != nil {
			test.Fatalf("parse %q: %v", raw, err)
		}
	}
	if _, err := ParsePlanTier("Platinum"); !errors.Is(err, ErrInvalidPlanTier) {
		test.Fatalf("expected ErrInvalidPlanTier, got %v", err)
	}
}

func TestPlanTierPrivateAudits(test *testing.T) {
	test.Parallel()
	if PlanFree.CanCreatePrivateAudits() {
		test.Fatalf("free tier must not allow private audits")
	}
	for _, tier := range []PlanTier{PlanPro, PlanProPlus, PlanEnterprise} {
		if !tier.CanCreatePrivateAudits() {
			test.Fatalf("%s should allow private audits", tier)
		}
	}
}
