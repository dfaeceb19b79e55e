// Package catalog holds the purchasable credit packages. The catalog is
// read-only after construction and needs no locking.
package catalog

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownPackage = errors.New("unknown package")
	ErrInvalidCatalog = errors.New("invalid catalog")
)

const enterprisePackageName = "Enterprise"

// Package is one purchasable credit bundle. Price is in minor currency
// units; a zero price grants credits without a payment provider.
type Package struct {
	ID             string
	Name           string
	Credits        int64
	BonusCredits   int64
	PriceCents     int64
	Popular        bool
	SavingsPercent int
}

// TotalCredits is the amount granted on capture: base plus bonus.
func (creditPackage Package) TotalCredits() int64 {
	return creditPackage.Credits + creditPackage.BonusCredits
}

// IsFree reports whether the package grants credits without payment.
func (creditPackage Package) IsFree() bool {
	return creditPackage.PriceCents == 0
}

// IsEnterprise reports whether the package routes to the manual-contact
// flow instead of the ledger.
func (creditPackage Package) IsEnterprise() bool {
	return creditPackage.Name == enterprisePackageName
}

// Catalog is an immutable set of packages keyed by ID.
type Catalog struct {
	ordered []Package
	byID    map[string]Package
}

// New validates the package list and builds a catalog.
func New(packages []Package) (*Catalog, error) {
	byID := make(map[string]Package, len(packages))
	ordered := make([]Package, 0, len(packages))
	for _, creditPackage := range packages {
		if creditPackage.ID == "" {
			return nil, fmt.Errorf("%w: package without id", ErrInvalidCatalog)
		}
		if _, exists := byID[creditPackage.ID]; exists {
			return nil, fmt.Errorf("%w: duplicate package id %q", ErrInvalidCatalog, creditPackage.ID)
		}
		if creditPackage.Credits < 0 || creditPackage.BonusCredits < 0 || creditPackage.PriceCents < 0 {
			return nil, fmt.Errorf("%w: negative amounts on package %q", ErrInvalidCatalog, creditPackage.ID)
		}
		byID[creditPackage.ID] = creditPackage
		ordered = append(ordered, creditPackage)
	}
	return &Catalog{ordered: ordered, byID: byID}, nil
}

// Default returns the built-in package tiers.
func Default() *Catalog {
	built, err := New([]Package{
		{ID: "starter", Name: "Starter", Credits: 50, BonusCredits: 0, PriceCents: 0},
		{ID: "developer", Name: "Developer", Credits: 200, BonusCredits: 20, PriceCents: 1900},
		{ID: "team", Name: "Team", Credits: 500, BonusCredits: 100, PriceCents: 3900, Popular: true, SavingsPercent: 18},
		{ID: "scale", Name: "Scale", Credits: 1500, BonusCredits: 450, PriceCents: 9900, SavingsPercent: 30},
		{ID: "enterprise", Name: "Enterprise", Credits: 0, BonusCredits: 0, PriceCents: 0},
	})
	if err != nil {
		panic(err)
	}
	return built
}

// ByID looks up a package.
func (catalog *Catalog) ByID(id string) (Package, error) {
	creditPackage, ok := catalog.byID[id]
	if !ok {
		return Package{}, fmt.Errorf("%w: %q", ErrUnknownPackage, id)
	}
	return creditPackage, nil
}

// List returns the packages in catalog order.
func (catalog *Catalog) List() []Package {
	return append([]Package(nil), catalog.ordered...)
}
