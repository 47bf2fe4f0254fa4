// README: Common money value object used across modules.
package types

import "math"

// Money is an amount in the currency's minor unit.
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func (m Money) IsZero() bool {
	return m.Amount == 0
}

// Scale multiplies the amount by rate, rounding half away from zero.
func (m Money) Scale(rate float64) Money {
	return Money{Amount: int64(math.Round(float64(m.Amount) * rate)), Currency: m.Currency}
}

// Min returns the smaller of m and cap. A zero cap means no cap.
func (m Money) Min(cap Money) Money {
	if cap.Amount <= 0 || m.Amount <= cap.Amount {
		return m
	}
	return Money{Amount: cap.Amount, Currency: m.Currency}
}
