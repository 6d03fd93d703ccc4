package aggregate

import (
	"github.com/shopspring/decimal"

	apperrors "github.com/vaultmesh/vaultmesh/internal/platform/errors"
)

// Reduce combines per-spoke read results into one aggregate value. The
// reduction is a plain commutative sum over unsigned magnitudes, so the
// result is independent of response delivery order.
//
// An empty result set always fails: an empty-but-successful read is
// operationally indistinguishable from total failure and must never be
// treated as "the vault holds zero value elsewhere".
func Reduce(results []decimal.Decimal) (decimal.Decimal, error) {
	if len(results) == 0 {
		return decimal.Decimal{}, apperrors.New(apperrors.CodeEmptyAggregate, "cannot reduce an empty result set")
	}
	total := decimal.Zero
	for _, result := range results {
		if result.IsNegative() {
			return decimal.Decimal{}, apperrors.WithMetadata(apperrors.CodeRequestNegativeAmount, "read result is negative", map[string]string{
				"Value": result.String(),
			})
		}
		total = total.Add(result)
	}
	return total, nil
}
