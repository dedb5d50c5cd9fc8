package hub

import (
	"context"

	"CDPLedger/internal/oracle"
	"CDPLedger/internal/solvency"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Parameters are the fixed risk constants.
type Parameters struct {
	LiquidationThreshold uint64
	LiquidationBonus     uint64
	LiquidationPrecision uint64
	MinHealthFactor      *uint256.Int
	OracleMaxAgeSeconds  uint64
}

func (h *Hub) Parameters() Parameters {
	return Parameters{
		LiquidationThreshold: solvency.LiquidationThreshold,
		LiquidationBonus:     solvency.LiquidationBonus,
		LiquidationPrecision: solvency.LiquidationPrecision,
		MinHealthFactor:      solvency.MinHealthFactor(),
		OracleMaxAgeSeconds:  uint64(h.validator.MaxAge.Seconds()),
	}
}

func (h *Hub) MinHealthFactor() *uint256.Int {
	return solvency.MinHealthFactor()
}

func (h *Hub) HealthFactor(ctx context.Context, user common.Address) (*uint256.Int, error) {
	return h.solvency.HealthFactor(ctx, user)
}

// CalculateHealthFactor applies the health factor formula to arbitrary
// inputs without touching state.
func (h *Hub) CalculateHealthFactor(debt, collateralUSD *uint256.Int) (*uint256.Int, error) {
	return solvency.CalculateHealthFactor(debt, collateralUSD)
}

func (h *Hub) CollateralValueUSD(ctx context.Context, user common.Address) (*uint256.Int, error) {
	return h.solvency.CollateralValueUSD(ctx, user)
}

func (h *Hub) AccountInformation(ctx context.Context, user common.Address) (debt, collateralUSD *uint256.Int, err error) {
	return h.solvency.AccountInformation(ctx, user)
}

func (h *Hub) CollateralBalance(user, asset common.Address) *uint256.Int {
	return h.ledger.CollateralBalance(user, asset)
}

func (h *Hub) DebtBalance(user common.Address) *uint256.Int {
	return h.ledger.DebtBalance(user)
}

func (h *Hub) TokenValueUSD(ctx context.Context, asset common.Address, amount *uint256.Int) (*uint256.Int, error) {
	return h.solvency.TokenValueUSD(ctx, asset, amount)
}

// TokenAmountFromUSD converts a USD amount into an amount of asset.
func (h *Hub) TokenAmountFromUSD(ctx context.Context, asset common.Address, usd *uint256.Int) (*uint256.Int, error) {
	return h.solvency.TokenAmountFromUSD(ctx, asset, usd)
}

func (h *Hub) Price(ctx context.Context, asset common.Address) (oracle.Price, error) {
	return h.solvency.Price(ctx, asset)
}

func (h *Hub) CollateralAssets() []common.Address {
	return h.registry.Assets()
}

func (h *Hub) PriceFeed(asset common.Address) (common.Address, error) {
	return h.registry.FeedOf(asset)
}

func (h *Hub) TotalDebt() *uint256.Int {
	return h.ledger.TotalDebt()
}

func (h *Hub) TotalCollateral(asset common.Address) *uint256.Int {
	return h.ledger.TotalCollateral(asset)
}

// Users lists every user with a position.
func (h *Hub) Users() []common.Address {
	return h.ledger.Users()
}
