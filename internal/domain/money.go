package domain

import "fmt"

// Cents represents monetary values in cents (1/100 of a dollar).
// Using cents avoids floating-point precision issues while providing
// type safety for monetary operations throughout the system.
type Cents int64

const (
	// CentsPerDollar represents the number of cents in a dollar.
	CentsPerDollar = 100

	// MilliCentsPerCent represents the number of milli-cents in a cent.
	// Pricing math is carried out in milli-cents to avoid rounding away
	// sub-cent per-call costs before they accumulate.
	MilliCentsPerCent = 1000
)

// String formats cents as a dollar amount (e.g., 150 → "$1.50").
func (c Cents) String() string { return fmt.Sprintf("$%.2f", float64(c)/CentsPerDollar) }

// IsZero returns true if the amount is zero.
func (c Cents) IsZero() bool { return c == 0 }

// Add returns the sum of two cent amounts.
func (c Cents) Add(x Cents) Cents { return c + x }

// USD returns the amount in dollars as a float.
// Intended for display and export; internal accounting stays in Cents.
func (c Cents) USD() float64 { return float64(c) / CentsPerDollar }

// CentsFromUSD converts a dollar amount into Cents, rounding half away from zero.
func CentsFromUSD(usd float64) Cents {
	if usd >= 0 {
		return Cents(usd*CentsPerDollar + 0.5)
	}
	return Cents(usd*CentsPerDollar - 0.5)
}

// CentsFromMilliCents converts milli-cents into Cents, rounding up so that
// accumulated sub-cent costs are never silently discarded.
func CentsFromMilliCents(mc int64) Cents {
	if mc <= 0 {
		return 0
	}
	return Cents((mc + MilliCentsPerCent - 1) / MilliCentsPerCent)
}
