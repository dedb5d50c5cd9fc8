package hub

import (
	"errors"

	"CDPLedger/internal/ledger"
	"CDPLedger/internal/liquidation"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/oracle"
	"CDPLedger/internal/registry"
	"CDPLedger/internal/solvency"
	"CDPLedger/internal/token"
)

var (
	ErrZeroAmount     = errors.New("hub: amount must be more than zero")
	ErrZeroAddress    = errors.New("hub: zero address")
	ErrTransferFailed = errors.New("hub: transfer failed")
	ErrMintFailed     = errors.New("hub: mint failed")
	ErrReentrantCall  = errors.New("hub: reentrant call")
	ErrMissingToken   = errors.New("hub: no transfer collaborator for collateral asset")
)

// Kind is the family an error belongs to.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindSolvency
	KindLiquidity
	KindOracle
	KindArithmetic
	KindConcurrency
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindSolvency:
		return "solvency"
	case KindLiquidity:
		return "liquidity"
	case KindOracle:
		return "oracle"
	case KindArithmetic:
		return "arithmetic"
	case KindConcurrency:
		return "concurrency"
	default:
		return "internal"
	}
}

var kinds = []struct {
	kind Kind
	errs []error
}{
	// order matters: a failed transfer may wrap a reentrant call
	{KindConcurrency, []error{ErrReentrantCall}},
	{KindSolvency, []error{solvency.ErrHealthFactorTooLow, liquidation.ErrHealthFactorEnough}},
	{KindOracle, []error{
		oracle.ErrStalePrice, oracle.ErrInvalidPrice, oracle.ErrInconsistentRound,
		oracle.ErrUnknownFeed, oracle.ErrUnsupportedDecimals, oracle.ErrNoObservation, solvency.ErrNoPrice,
	}},
	{KindLiquidity, []error{
		ledger.ErrInsufficientBalance, liquidation.ErrInsufficientCollateral,
		ErrTransferFailed, ErrMintFailed, token.ErrBurnAmountExceedsBalance,
	}},
	{KindValidation, []error{
		ErrZeroAmount, ErrZeroAddress, ErrMissingToken, liquidation.ErrZeroAmount,
		registry.ErrNotAllowedToken, registry.ErrLengthNotMatch, registry.ErrCollateralTokenAlreadySet, registry.ErrEmpty, registry.ErrZeroAddress,
	}},
	{KindArithmetic, []error{
		fpmath.ErrOverflow, fpmath.ErrUnderflow, fpmath.ErrDivisionByZero, ledger.ErrOverflow,
	}},
}

// KindOf classifies err. Unrecognized errors are KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	for _, k := range kinds {
		for _, target := range k.errs {
			if errors.Is(err, target) {
				return k.kind
			}
		}
	}
	return KindInternal
}
