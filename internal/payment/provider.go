// Package payment normalizes external payment providers behind a single
// capability interface: create an order, verify a callback. The ledger side
// never trusts callback amounts without the verification step.
package payment

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrUnknownProvider    = errors.New("unknown payment provider")
	ErrOrderCreateFailed  = errors.New("provider order create failed")
	ErrVerificationFailed = errors.New("provider verification failed")
)

// OrderRequest asks a provider to open a checkout order.
type OrderRequest struct {
	AmountCents int64
	Currency    string
	Receipt     string
	Notes       map[string]string
}

// Order is the provider-side handle the caller needs to complete checkout.
type Order struct {
	Provider        string
	ProviderOrderID string
	AmountCents     int64
	Currency        string
	CheckoutParams  map[string]string
}

// Confirmation is a verified payment callback. Only the fields the provider
// itself vouched for are present.
type Confirmation struct {
	ProviderOrderID string
	AmountCents     int64
	Currency        string
}

// Provider is the per-provider capability surface.
type Provider interface {
	Name() string
	CreateOrder(ctx context.Context, request OrderRequest) (Order, error)
	VerifyCallback(ctx context.Context, payload []byte) (Confirmation, error)
}

// Registry resolves providers by name.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds a registry from the configured providers.
func NewRegistry(providers ...Provider) *Registry {
	byName := make(map[string]Provider, len(providers))
	for _, provider := range providers {
		if provider == nil {
			continue
		}
		byName[provider.Name()] = provider
	}
	return &Registry{providers: byName}
}

// Get resolves a provider by name.
func (registry *Registry) Get(name string) (Provider, error) {
	provider, ok := registry.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return provider, nil
}

// Names lists the registered provider names.
func (registry *Registry) Names() []string {
	names := make([]string, 0, len(registry.providers))
	for name := range registry.providers {
		names = append(names, name)
	}
	return names
}
