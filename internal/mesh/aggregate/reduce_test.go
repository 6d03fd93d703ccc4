package aggregate

import (
	"testing"

	"github.com/shopspring/decimal"

	apperrors "github.com/vaultmesh/vaultmesh/internal/platform/errors"
)

func TestReduceIsCommutative(t *testing.T) {
	values := []decimal.Decimal{
		decimal.NewFromInt(10),
		decimal.RequireFromString("0.5"),
		decimal.NewFromInt(7),
	}
	permuted := []decimal.Decimal{values[2], values[0], values[1]}

	first, err := Reduce(values)
	if err != nil {
		t.Fatalf("reduce: %v", err)
	}
	second, err := Reduce(permuted)
	if err != nil {
		t.Fatalf("reduce permuted: %v", err)
	}
	if !first.Equal(second) {
		t.Fatalf("reduce order-dependent: %s vs %s", first, second)
	}
	if !first.Equal(decimal.RequireFromString("17.5")) {
		t.Fatalf("sum = %s, want 17.5", first)
	}
}

func TestReduceFailsOnEmptyResultSet(t *testing.T) {
	if _, err := Reduce(nil); apperrors.CodeOf(err) != apperrors.CodeEmptyAggregate {
		t.Fatalf("expected EMPTY_AGGREGATE, got %v", err)
	}
	if _, err := Reduce([]decimal.Decimal{}); apperrors.CodeOf(err) != apperrors.CodeEmptyAggregate {
		t.Fatalf("expected EMPTY_AGGREGATE for empty slice, got %v", err)
	}
}

func TestReduceRejectsNegativeResults(t *testing.T) {
	values := []decimal.Decimal{decimal.NewFromInt(5), decimal.NewFromInt(-1)}
	if _, err := Reduce(values); apperrors.CodeOf(err) != apperrors.CodeRequestNegativeAmount {
		t.Fatalf("expected REQUEST_NEGATIVE_AMOUNT, got %v", err)
	}
}

func TestReduceAllowsZeroMagnitudes(t *testing.T) {
	total, err := Reduce([]decimal.Decimal{decimal.Zero, decimal.Zero})
	if err != nil {
		t.Fatalf("reduce zeros: %v", err)
	}
	if !total.IsZero() {
		t.Fatalf("sum = %s, want 0", total)
	}
}
