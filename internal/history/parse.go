package history

import (
	"strings"

	"github.com/shopspring/decimal"
)

var (
	rayThreshold = decimal.RequireFromString("1e12")
	rayDivisor   = decimal.RequireFromString("1e25")
	hundred      = decimal.NewFromInt(100)
)

// ParsePct normalizes an archive rate string to percent. The archive mixes
// units across vaults and eras, so the magnitude decides:
//   - above 1e12 the value is a RAY-scaled rate, divided down to percent
//   - strictly between 0 and 1 it is a fraction, multiplied by 100
//   - anything else is taken as percent already
//
// Unparsable input parses to 0 rather than failing the series.
func ParsePct(v string) float64 {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return 0
	}
	if d.IsZero() {
		return 0
	}
	if d.GreaterThan(rayThreshold) {
		f, _ := d.Div(rayDivisor).Float64()
		return f
	}
	if d.GreaterThan(decimal.Zero) && d.LessThan(decimal.NewFromInt(1)) {
		f, _ := d.Mul(hundred).Float64()
		return f
	}
	f, _ := d.Float64()
	return f
}

// UtilizationPct computes borrowed/assets*100 from decimal strings, 0 when
// assets are zero or either value is unparsable.
func UtilizationPct(totalBorrowed, totalAssets string) float64 {
	assets, err := decimal.NewFromString(strings.TrimSpace(totalAssets))
	if err != nil || !assets.IsPositive() {
		return 0
	}
	borrowed, err := decimal.NewFromString(strings.TrimSpace(totalBorrowed))
	if err != nil {
		return 0
	}
	f, _ := borrowed.Div(assets).Mul(hundred).Float64()
	return f
}

// Rates returns the snapshot's rates in percent.
func (s Snapshot) Rates() (borrowPct, supplyPct float64) {
	return ParsePct(s.BorrowAPY), ParsePct(s.SupplyAPY)
}

// Utilization returns the snapshot's utilization in percent.
func (s Snapshot) Utilization() float64 {
	return UtilizationPct(s.TotalBorrowed, s.TotalAssets)
}
