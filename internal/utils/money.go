package utils

import "math"

// RoundCents rounds a monetary amount to 2 decimal places. All persisted and
// reported amounts pass through this so balance arithmetic reproduces to the
// cent regardless of float accumulation order.
func RoundCents(amount float64) float64 {
	return math.Round(amount*100) / 100
}

// SameCents reports whether two amounts agree after cent rounding.
func SameCents(a, b float64) bool {
	return RoundCents(a) == RoundCents(b)
}

// SignedAmount applies direction to an absolute amount: inflows positive,
// outflows negative.
func SignedAmount(amount float64, direction string) float64 {
	if direction == "outflow" {
		return -math.Abs(amount)
	}
	return math.Abs(amount)
}
