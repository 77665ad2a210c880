// Package pricing holds the one formula every request total is derived from.
package pricing

import "github.com/example/service-dispatch/internal/models"

// DefaultUrgentMultiplierPct is the urgent surcharge expressed in percent of base price.
const DefaultUrgentMultiplierPct int64 = 120

// Calculator computes request totals. The zero value uses DefaultUrgentMultiplierPct.
type Calculator struct {
	UrgentMultiplierPct int64
}

// Total returns base × urgencyMultiplier + Σ extras, or quote + Σ extras when an
// approved or outstanding quote is present. Fractional units are rounded half up.
func (c Calculator) Total(base int64, urgency models.Urgency, extras []models.Extra, quote *int64) int64 {
	var sum int64
	for _, e := range extras {
		sum += e.Price
	}
	if quote != nil {
		return *quote + sum
	}
	pct := int64(100)
	if urgency == models.UrgencyUrgent {
		pct = c.UrgentMultiplierPct
		if pct <= 0 {
			pct = DefaultUrgentMultiplierPct
		}
	}
	return (base*pct+50)/100 + sum
}

// Total is Calculator{}.Total.
func Total(base int64, urgency models.Urgency, extras []models.Extra, quote *int64) int64 {
	return Calculator{}.Total(base, urgency, extras, quote)
}

// RequestTotal recomputes the total for an existing request.
func (c Calculator) RequestTotal(r *models.ServiceRequest) int64 {
	return c.Total(r.BasePrice, r.Urgency, r.Extras, r.QuoteAmount)
}
