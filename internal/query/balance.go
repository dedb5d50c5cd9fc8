package query

import (
	"context"
	"fmt"

	"CDPLedger/internal/hub"
	fpmath "CDPLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// AccountResponse is a user's live account state, priced at the current
// oracle round.
type AccountResponse struct {
	User          string              `json:"user"`
	Collateral    []CollateralBalance `json:"collateral"`
	Debt          Amount              `json:"debt"`
	CollateralUSD Amount              `json:"collateral_usd"`
	HealthFactor  Amount              `json:"health_factor"`
	// Liquidatable is set when the health factor is below the minimum.
	Liquidatable bool  `json:"liquidatable"`
	AsOfSequence int64 `json:"as_of_sequence"`
}

// ParametersResponse exposes the fixed risk constants.
type ParametersResponse struct {
	LiquidationThreshold uint64            `json:"liquidation_threshold"`
	LiquidationBonus     uint64            `json:"liquidation_bonus"`
	LiquidationPrecision uint64            `json:"liquidation_precision"`
	MinHealthFactor      Amount            `json:"min_health_factor"`
	OracleMaxAgeSeconds  uint64            `json:"oracle_max_age_seconds"`
	CollateralAssets     []string          `json:"collateral_assets"`
	PriceFeeds           map[string]string `json:"price_feeds"`
}

// NewAmount renders v.
func NewAmount(v *uint256.Int) Amount {
	return Amount{Raw: fpmath.Clone(v).Dec(), Decimal: fpmath.Format(v)}
}

// Account reads user's live state from h. Call it on the sequencer
// goroutine.
func Account(ctx context.Context, h *hub.Hub, user common.Address, asOf int64) (*AccountResponse, error) {
	debt, collateralUSD, err := h.AccountInformation(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("account information: %w", err)
	}
	hf, err := h.CalculateHealthFactor(debt, collateralUSD)
	if err != nil {
		return nil, fmt.Errorf("health factor: %w", err)
	}

	resp := &AccountResponse{
		User:          user.Hex(),
		Debt:          NewAmount(debt),
		CollateralUSD: NewAmount(collateralUSD),
		HealthFactor:  NewAmount(hf),
		Liquidatable:  hf.Lt(h.MinHealthFactor()),
		AsOfSequence:  asOf,
	}
	for _, asset := range h.CollateralAssets() {
		bal := h.CollateralBalance(user, asset)
		if bal.IsZero() {
			continue
		}
		resp.Collateral = append(resp.Collateral, CollateralBalance{Asset: asset.Hex(), Amount: NewAmount(bal)})
	}
	return resp, nil
}

// Parameters renders h's risk constants and collateral configuration.
func Parameters(h *hub.Hub) (*ParametersResponse, error) {
	p := h.Parameters()
	resp := &ParametersResponse{
		LiquidationThreshold: p.LiquidationThreshold,
		LiquidationBonus:     p.LiquidationBonus,
		LiquidationPrecision: p.LiquidationPrecision,
		MinHealthFactor:      NewAmount(p.MinHealthFactor),
		OracleMaxAgeSeconds:  p.OracleMaxAgeSeconds,
		PriceFeeds:           make(map[string]string),
	}
	for _, asset := range h.CollateralAssets() {
		feed, err := h.PriceFeed(asset)
		if err != nil {
			return nil, err
		}
		resp.CollateralAssets = append(resp.CollateralAssets, asset.Hex())
		resp.PriceFeeds[asset.Hex()] = feed.Hex()
	}
	return resp, nil
}
