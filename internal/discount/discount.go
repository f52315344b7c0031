// Package discount applies the fixed loyalty discount. Pure arithmetic:
// the issuing ledger, not this package, guarantees record uniqueness.
package discount

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidAmount rejects zero or negative amounts before any
// calculation; the caller must not create a discount record.
var ErrInvalidAmount = errors.New("original amount must be positive")

// Rate is the fixed discount fraction applied on the third visit.
const Rate = 0.60

// Breakdown is the result of applying the discount to an amount. Both
// parts sum back to the original within 0.01.
type Breakdown struct {
	OriginalAmount     float64 `json:"originalAmount"`
	DiscountPercentage float64 `json:"discountPercentage"`
	DiscountAmount     float64 `json:"discountAmount"`
	FinalAmount        float64 `json:"finalAmount"`
}

// Calculate splits an amount into the discounted part and the part the
// customer pays, rounded half-up to 2 places (currency semantics).
func Calculate(originalAmount float64) (*Breakdown, error) {
	if originalAmount <= 0 {
		return nil, fmt.Errorf("%w: %.2f", ErrInvalidAmount, originalAmount)
	}

	return &Breakdown{
		OriginalAmount:     originalAmount,
		DiscountPercentage: Rate * 100,
		DiscountAmount:     round2(originalAmount * Rate),
		FinalAmount:        round2(originalAmount * (1 - Rate)),
	}, nil
}

// FormatRecordID renders the operator-facing record identifier,
// DR-<year>-<sequence zero-padded to 4 digits>. The sequence itself is
// issued by the ledger.
func FormatRecordID(year int, sequence int64) string {
	return fmt.Sprintf("DR-%d-%04d", year, sequence)
}

// round2 rounds half-up (away from zero) to 2 decimal places.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
