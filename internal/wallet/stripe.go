package wallet

import (
	"context"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/customer"
)

// StripeLedger reads a technician's wallet from the credit balance of a Stripe customer.
// Stripe stores credit as a negative customer balance, so the wallet balance is -Balance.
type StripeLedger struct {
	get func(id string, params *stripe.CustomerParams) (*stripe.Customer, error)
}

// NewStripeLedger initializes the stripe client with the given API key.
func NewStripeLedger(apiKey string) *StripeLedger {
	stripe.Key = apiKey
	return &StripeLedger{get: customer.Get}
}

func (s *StripeLedger) Blocked(ctx context.Context, accountID string) (bool, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	c, err := s.get(accountID, params)
	if err != nil {
		return false, err
	}
	return WalletBalance(c) <= 0, nil
}

// WalletBalance converts a Stripe customer balance into the wallet's available credit.
func WalletBalance(c *stripe.Customer) int64 {
	return -c.Balance
}
