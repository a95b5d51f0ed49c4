package money

import (
	"errors"
	"fmt"
	"math/bits"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// UnitMicro is the number of micro-units in one credit unit.
	UnitMicro int64 = 1_000_000
	// MaxMicro bounds every stored amount.
	MaxMicro int64 = 1_000_000_000_000_000_000
	// BpsDenominator is 100% expressed in basis points.
	BpsDenominator int64 = 10_000
)

var (
	ErrOverflow     = errors.New("money: overflow")
	ErrUnderflow    = errors.New("money: underflow")
	ErrOutOfRange   = errors.New("money: out of range")
	ErrDivideByZero = errors.New("money: divide by zero")
	ErrInvalidUnits = errors.New("money: invalid unit amount")
)

type ArithmeticError struct {
	Op   string
	Kind error
	A, B int64
}

func (e *ArithmeticError) Error() string {
	return fmt.Sprintf("%s(%d, %d): %v", e.Op, e.A, e.B, e.Kind)
}

func (e *ArithmeticError) Unwrap() error {
	return e.Kind
}

func arith(op string, kind error, a, b int64) error {
	return &ArithmeticError{Op: op, Kind: kind, A: a, B: b}
}

// Add returns a+b. Both operands and the result must lie in [0, MaxMicro].
func Add(a, b int64) (int64, error) {
	if err := AssertInRange(a); err != nil {
		return 0, err
	}
	if err := AssertInRange(b); err != nil {
		return 0, err
	}
	sum := a + b
	if sum > MaxMicro {
		return 0, arith("add", ErrOverflow, a, b)
	}
	return sum, nil
}

// Sub returns a-b and fails when the result would be negative.
func Sub(a, b int64) (int64, error) {
	if err := AssertInRange(a); err != nil {
		return 0, err
	}
	if err := AssertInRange(b); err != nil {
		return 0, err
	}
	if b > a {
		return 0, arith("sub", ErrUnderflow, a, b)
	}
	return a - b, nil
}

func DivFloor(a, b int64) (int64, error) {
	if b <= 0 {
		return 0, arith("div_floor", ErrDivideByZero, a, b)
	}
	if err := AssertInRange(a); err != nil {
		return 0, err
	}
	return a / b, nil
}

func DivCeil(a, b int64) (int64, error) {
	if b <= 0 {
		return 0, arith("div_ceil", ErrDivideByZero, a, b)
	}
	if err := AssertInRange(a); err != nil {
		return 0, err
	}
	q := a / b
	if a%b != 0 {
		q++
	}
	return q, nil
}

// MulDivFloor computes floor(a*b/c) with a 128-bit intermediate product.
func MulDivFloor(a, b, c int64) (int64, error) {
	q, _, err := mulDiv("mul_div_floor", a, b, c)
	return q, err
}

// MulDivCeil computes ceil(a*b/c) with a 128-bit intermediate product.
func MulDivCeil(a, b, c int64) (int64, error) {
	q, rem, err := mulDiv("mul_div_ceil", a, b, c)
	if err != nil {
		return 0, err
	}
	if rem != 0 {
		if q == MaxMicro {
			return 0, arith("mul_div_ceil", ErrOverflow, a, b)
		}
		q++
	}
	return q, nil
}

func mulDiv(op string, a, b, c int64) (int64, uint64, error) {
	if c <= 0 {
		return 0, 0, arith(op, ErrDivideByZero, a, c)
	}
	if a < 0 || b < 0 {
		return 0, 0, arith(op, ErrOutOfRange, a, b)
	}
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	if hi >= uint64(c) {
		return 0, 0, arith(op, ErrOverflow, a, b)
	}
	q, rem := bits.Div64(hi, lo, uint64(c))
	if q > uint64(MaxMicro) {
		return 0, 0, arith(op, ErrOverflow, a, b)
	}
	return int64(q), rem, nil
}

// BpsShare returns floor(amount*bps/10000).
func BpsShare(amount, bps int64) (int64, error) {
	if bps < 0 || bps > BpsDenominator {
		return 0, arith("bps_share", ErrOutOfRange, amount, bps)
	}
	if err := AssertInRange(amount); err != nil {
		return 0, err
	}
	return MulDivFloor(amount, bps, BpsDenominator)
}

func AssertInRange(v int64) error {
	if v < 0 || v > MaxMicro {
		return arith("range", ErrOutOfRange, v, MaxMicro)
	}
	return nil
}

func AssertPositive(v int64) error {
	if v <= 0 {
		return arith("positive", ErrOutOfRange, v, 0)
	}
	return AssertInRange(v)
}

// ParseUnits converts a decimal unit string such as "12.5" into micro-units.
func ParseUnits(raw string) (int64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidUnits)
	}
	dec, err := decimal.NewFromString(trimmed)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidUnits, raw)
	}
	if dec.IsNegative() {
		return 0, fmt.Errorf("%w: negative", ErrInvalidUnits)
	}
	micro := dec.Mul(decimal.NewFromInt(UnitMicro))
	if !micro.Equal(micro.Truncate(0)) {
		return 0, fmt.Errorf("%w: more than 6 fractional digits", ErrInvalidUnits)
	}
	if micro.GreaterThan(decimal.NewFromInt(MaxMicro)) {
		return 0, arith("parse_units", ErrOverflow, 0, MaxMicro)
	}
	return micro.IntPart(), nil
}

// FormatUnits renders micro-units as a unit decimal string.
func FormatUnits(micro int64) string {
	return decimal.New(micro, -6).String()
}
