package wallet

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripe "github.com/stripe/stripe-go/v74"
)

func TestStaticLedger(t *testing.T) {
	ctx := context.Background()
	l := NewStaticLedger()

	blocked, err := l.Blocked(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, blocked)

	l.SetBalance("t1", 0)
	blocked, _ = l.Blocked(ctx, "t1")
	assert.True(t, blocked)

	l.SetBalance("t1", 500)
	blocked, _ = l.Blocked(ctx, "t1")
	assert.False(t, blocked)
}

func TestStripeLedger(t *testing.T) {
	ctx := context.Background()
	balances := map[string]int64{"cus_funded": -2500, "cus_empty": 0, "cus_owes": 300}
	l := &StripeLedger{get: func(id string, _ *stripe.CustomerParams) (*stripe.Customer, error) {
		b, ok := balances[id]
		if !ok {
			return nil, errors.New("no such customer")
		}
		return &stripe.Customer{ID: id, Balance: b}, nil
	}}

	blocked, err := l.Blocked(ctx, "cus_funded")
	require.NoError(t, err)
	assert.False(t, blocked)

	blocked, _ = l.Blocked(ctx, "cus_empty")
	assert.True(t, blocked)

	blocked, _ = l.Blocked(ctx, "cus_owes")
	assert.True(t, blocked)

	_, err = l.Blocked(ctx, "cus_missing")
	assert.Error(t, err)
}
