// Package math holds the checked 256-bit fixed-point arithmetic shared by the
// ledger, solvency and liquidation code. Every value is a *uint256.Int; callers
// never mutate the package-level constants, only read them.
package math

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// PrecisionDecimals is the number of decimals every normalized price, USD value
// and health factor carries.
const PrecisionDecimals = 18

var (
	ErrOverflow            = errors.New("fixedpoint: uint256 overflow")
	ErrUnderflow           = errors.New("fixedpoint: uint256 underflow")
	ErrDivisionByZero      = errors.New("fixedpoint: division by zero")
	ErrUnsupportedDecimals = errors.New("fixedpoint: more than 18 decimals")
	ErrNotRepresentable    = errors.New("fixedpoint: value is not a non-negative integer in base units")
)

var (
	// Precision is 1e18.
	Precision = uint256.NewInt(1_000_000_000_000_000_000)
	// Max is 2^256-1, the "no debt" health factor sentinel.
	Max = new(uint256.Int).SetAllOne()
)

var pow10 [PrecisionDecimals + 1]*uint256.Int

func init() {
	pow10[0] = uint256.NewInt(1)
	ten := uint256.NewInt(10)
	for i := 1; i <= PrecisionDecimals; i++ {
		pow10[i] = new(uint256.Int).Mul(pow10[i-1], ten)
	}
}

// Add returns x + y.
func Add(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// Sub returns x - y.
func Sub(x, y *uint256.Int) (*uint256.Int, error) {
	z, underflow := new(uint256.Int).SubOverflow(x, y)
	if underflow {
		return nil, ErrUnderflow
	}
	return z, nil
}

// Mul returns x * y.
func Mul(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulOverflow(x, y)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// Div returns floor(x / y).
func Div(x, y *uint256.Int) (*uint256.Int, error) {
	if y.IsZero() {
		return nil, ErrDivisionByZero
	}
	return new(uint256.Int).Div(x, y), nil
}

// MulDiv returns floor(x * y / d). The product is carried at 512 bits so only
// the final quotient has to fit.
func MulDiv(x, y, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivisionByZero
	}
	z, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// ScaleToPrecision lifts a value carrying `decimals` decimals to 18 decimals.
func ScaleToPrecision(v *uint256.Int, decimals uint8) (*uint256.Int, error) {
	if int(decimals) > PrecisionDecimals {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedDecimals, decimals)
	}
	return Mul(v, pow10[PrecisionDecimals-int(decimals)])
}

// Units returns n whole units at 18 decimals (n * 1e18).
func Units(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), Precision)
}

// Percent returns x * pct / 100.
func Percent(x *uint256.Int, pct uint64) (*uint256.Int, error) {
	return MulDiv(x, uint256.NewInt(pct), uint256.NewInt(100))
}

// ToDecimal renders an 18-decimal fixed-point value as a decimal, e.g.
// 1500000000000000000 -> 1.5.
func ToDecimal(x *uint256.Int) decimal.Decimal {
	return decimal.NewFromBigInt(x.ToBig(), -PrecisionDecimals)
}

// FromDecimal converts a human decimal such as "2000.5" into 18-decimal base units.
func FromDecimal(d decimal.Decimal) (*uint256.Int, error) {
	if d.IsNegative() {
		return nil, ErrNotRepresentable
	}
	shifted := d.Shift(PrecisionDecimals)
	if !shifted.IsInteger() {
		return nil, ErrNotRepresentable
	}
	z, overflow := uint256.FromBig(shifted.BigInt())
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// ParseAmount parses a base-unit integer string ("1000000000000000000").
func ParseAmount(s string) (*uint256.Int, error) {
	z, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrNotRepresentable, s)
	}
	return z, nil
}

// Format renders x as a human decimal string with 18 decimals of scale.
func Format(x *uint256.Int) string {
	if x == nil {
		return "0"
	}
	if x.Eq(Max) {
		return "max"
	}
	return ToDecimal(x).String()
}

// Clone returns an independent copy; nil becomes zero.
func Clone(x *uint256.Int) *uint256.Int {
	if x == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(x)
}
