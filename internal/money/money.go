// Package money implements the kernel's monetary arithmetic. Prices are
// integer minor units (the _q suffix everywhere); quantities are decimals
// with at most three fractional digits.
package money

import (
	"github.com/shopspring/decimal"

	"omniman/pkg/oerr"
)

// MaxQtyScale is the maximum number of fractional digits in a quantity.
const MaxQtyScale = 3

// MulQty multiplies a quantity by a unit price in minor units and rounds
// half-even to the nearest integer. Line totals and order totals must both
// go through this function so their sums agree bitwise.
func MulQty(qty decimal.Decimal, unitPriceQ int64) int64 {
	product := qty.Mul(decimal.NewFromInt(unitPriceQ))
	return product.RoundBank(0).IntPart()
}

// SumLineTotals folds per-line totals the way the commit engine does: the
// stored line_total_q when present, otherwise MulQty of qty and unit price,
// otherwise zero for unpriced lines.
func SumLineTotals(lines []Line) int64 {
	var total int64
	for _, l := range lines {
		total += l.TotalQ()
	}
	return total
}

// Line is the subset of a line item the arithmetic needs.
type Line struct {
	Qty        decimal.Decimal
	UnitPriceQ *int64
	LineTotalQ *int64
}

// TotalQ returns the effective total of one line in minor units.
func (l Line) TotalQ() int64 {
	if l.LineTotalQ != nil {
		return *l.LineTotalQ
	}
	if l.UnitPriceQ != nil {
		return MulQty(l.Qty, *l.UnitPriceQ)
	}
	return 0
}

// ParseQty parses a quantity string, enforcing the kernel's numeric policy:
// a valid decimal, strictly positive, with at most three fractional digits.
func ParseQty(raw string) (decimal.Decimal, error) {
	qty, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, oerr.Validation(oerr.CodeInvalidQty, "qty is not a number").With("qty", raw)
	}
	return qty, CheckQty(qty)
}

// CheckQty validates an already-parsed quantity against the numeric policy.
// Trailing zeros beyond the third place are tolerated ("2.5000" is fine).
func CheckQty(qty decimal.Decimal) error {
	if !qty.IsPositive() {
		return oerr.Validation(oerr.CodeInvalidQty, "qty must be positive").With("qty", qty.String())
	}
	if !qty.Equal(qty.Truncate(MaxQtyScale)) {
		return oerr.Validation(oerr.CodeInvalidQty, "qty has more than 3 decimal places").With("qty", qty.String())
	}
	return nil
}
