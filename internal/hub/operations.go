package hub

import (
	"context"
	"fmt"

	"CDPLedger/internal/event"
	"CDPLedger/internal/ledger"
	fpmath "CDPLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// DepositCollateral moves amount of asset from user into custody.
func (h *Hub) DepositCollateral(ctx context.Context, user, asset common.Address, amount *uint256.Int) (*Receipt, error) {
	return h.run(ctx, OpDeposit, func(ctx context.Context, tx *transition) error {
		if err := h.checkUser(user); err != nil {
			return err
		}
		if err := h.checkAsset(asset); err != nil {
			return err
		}
		if err := checkAmount(amount); err != nil {
			return err
		}
		if err := h.deposit(ctx, tx, user, asset, amount); err != nil {
			return err
		}
		return h.requireHealthy(ctx, tx, user)
	})
}

// Mint issues amount of synthetic to user against their collateral.
func (h *Hub) Mint(ctx context.Context, user common.Address, amount *uint256.Int) (*Receipt, error) {
	return h.run(ctx, OpMint, func(ctx context.Context, tx *transition) error {
		if err := h.checkUser(user); err != nil {
			return err
		}
		if err := checkAmount(amount); err != nil {
			return err
		}
		if err := h.mint(ctx, tx, user, amount); err != nil {
			return err
		}
		return h.requireHealthy(ctx, tx, user)
	})
}

// DepositCollateralAndMint deposits and mints in one transition. A zero
// amountToMint makes it a plain deposit; the collateral leg must be nonzero.
func (h *Hub) DepositCollateralAndMint(ctx context.Context, user, asset common.Address, amountCollateral, amountToMint *uint256.Int) (*Receipt, error) {
	return h.run(ctx, OpDepositAndMint, func(ctx context.Context, tx *transition) error {
		if err := h.checkUser(user); err != nil {
			return err
		}
		if err := h.checkAsset(asset); err != nil {
			return err
		}
		if err := checkAmount(amountCollateral); err != nil {
			return err
		}
		if amountToMint == nil {
			return ErrZeroAmount
		}
		if err := h.deposit(ctx, tx, user, asset, amountCollateral); err != nil {
			return err
		}
		if !amountToMint.IsZero() {
			if err := h.mint(ctx, tx, user, amountToMint); err != nil {
				return err
			}
		}
		return h.requireHealthy(ctx, tx, user)
	})
}

// RedeemCollateral returns amount of asset from custody to user.
func (h *Hub) RedeemCollateral(ctx context.Context, user, asset common.Address, amount *uint256.Int) (*Receipt, error) {
	return h.run(ctx, OpRedeem, func(ctx context.Context, tx *transition) error {
		if err := h.checkUser(user); err != nil {
			return err
		}
		if err := h.checkAsset(asset); err != nil {
			return err
		}
		if err := checkAmount(amount); err != nil {
			return err
		}
		if err := h.checkCollateral(user, asset, amount); err != nil {
			return err
		}
		if err := h.redeem(ctx, tx, asset, amount, user, user); err != nil {
			return err
		}
		return h.requireHealthy(ctx, tx, user)
	})
}

// Burn repays amount of user's debt with synthetic held by user.
func (h *Hub) Burn(ctx context.Context, user common.Address, amount *uint256.Int) (*Receipt, error) {
	return h.run(ctx, OpBurn, func(ctx context.Context, tx *transition) error {
		if err := h.checkUser(user); err != nil {
			return err
		}
		if err := checkAmount(amount); err != nil {
			return err
		}
		if err := h.checkDebt(user, amount); err != nil {
			return err
		}
		if err := h.burn(ctx, tx, amount, user, user); err != nil {
			return err
		}
		return h.requireHealthy(ctx, tx, user)
	})
}

// RedeemCollateralForSynthetic burns amountToBurn of user's debt, then
// redeems amountCollateral of asset, in one transition. A zero amountToBurn
// makes it a plain redeem; the collateral leg must be nonzero.
func (h *Hub) RedeemCollateralForSynthetic(ctx context.Context, user, asset common.Address, amountCollateral, amountToBurn *uint256.Int) (*Receipt, error) {
	return h.run(ctx, OpRedeemAndBurn, func(ctx context.Context, tx *transition) error {
		if err := h.checkUser(user); err != nil {
			return err
		}
		if err := h.checkAsset(asset); err != nil {
			return err
		}
		if err := checkAmount(amountCollateral); err != nil {
			return err
		}
		if amountToBurn == nil {
			return ErrZeroAmount
		}
		burning := !amountToBurn.IsZero()
		if burning {
			if err := h.checkDebt(user, amountToBurn); err != nil {
				return err
			}
		}
		if err := h.checkCollateral(user, asset, amountCollateral); err != nil {
			return err
		}
		if burning {
			if err := h.burn(ctx, tx, amountToBurn, user, user); err != nil {
				return err
			}
		}
		if err := h.redeem(ctx, tx, asset, amountCollateral, user, user); err != nil {
			return err
		}
		return h.requireHealthy(ctx, tx, user)
	})
}

// Liquidate lets liquidator repay debtToCover of victim's debt and take the
// matching collateral of asset plus the bonus.
func (h *Hub) Liquidate(ctx context.Context, liquidator, asset, victim common.Address, debtToCover *uint256.Int) (*Receipt, error) {
	return h.run(ctx, OpLiquidate, func(ctx context.Context, tx *transition) error {
		if err := h.checkUser(liquidator); err != nil {
			return err
		}
		if err := h.checkAsset(asset); err != nil {
			return err
		}
		if err := checkAmount(debtToCover); err != nil {
			return err
		}
		plan, err := h.liquidator.Quote(ctx, asset, victim, debtToCover)
		if err != nil {
			return err
		}
		if err := h.checkDebt(victim, debtToCover); err != nil {
			return err
		}

		if err := h.redeem(ctx, tx, asset, plan.Seize, victim, liquidator); err != nil {
			return err
		}
		if err := h.burn(ctx, tx, debtToCover, victim, liquidator); err != nil {
			return err
		}

		ending, err := h.solvency.HealthFactor(ctx, victim)
		if err != nil {
			return err
		}
		if err := h.liquidator.VerifyImprovement(plan, ending); err != nil {
			return err
		}
		if err := h.requireHealthy(ctx, tx, liquidator); err != nil {
			return err
		}

		tx.emit(&event.PositionLiquidated{
			Liquidator:          liquidator,
			Victim:              victim,
			Asset:               asset,
			DebtCovered:         fpmath.Clone(debtToCover),
			CollateralSeized:    fpmath.Clone(plan.Seize),
			Bonus:               fpmath.Clone(plan.Bonus),
			InitialHealthFactor: fpmath.Clone(plan.InitialHealthFactor),
			EndingHealthFactor:  fpmath.Clone(ending),
		})
		tx.receipt.Liquidation = &LiquidationOutcome{Plan: plan, EndingHealthFactor: ending}
		return nil
	})
}

// === legs: effects, then events, then interactions ===

func (h *Hub) deposit(ctx context.Context, tx *transition, user, asset common.Address, amount *uint256.Int) error {
	if err := h.ledger.IncreaseCollateral(user, asset, amount); err != nil {
		return err
	}
	tx.touch(user)
	tx.emit(&event.CollateralDeposited{User: user, Asset: asset, Amount: fpmath.Clone(amount)})

	ok, err := h.tokens[asset].TransferFrom(ctx, user, h.address, amount)
	if err != nil {
		return fmt.Errorf("%w: deposit %s from %s: %w", ErrTransferFailed, asset.Hex(), user.Hex(), err)
	}
	if !ok {
		return fmt.Errorf("%w: deposit %s from %s", ErrTransferFailed, asset.Hex(), user.Hex())
	}
	return nil
}

func (h *Hub) redeem(ctx context.Context, tx *transition, asset common.Address, amount *uint256.Int, from, to common.Address) error {
	if err := h.ledger.DecreaseCollateral(from, asset, amount); err != nil {
		return err
	}
	tx.touch(from)
	tx.emit(&event.CollateralRedeemed{From: from, To: to, Asset: asset, Amount: fpmath.Clone(amount)})

	ok, err := h.tokens[asset].Transfer(ctx, to, amount)
	if err != nil {
		return fmt.Errorf("%w: redeem %s to %s: %w", ErrTransferFailed, asset.Hex(), to.Hex(), err)
	}
	if !ok {
		return fmt.Errorf("%w: redeem %s to %s", ErrTransferFailed, asset.Hex(), to.Hex())
	}
	return nil
}

func (h *Hub) mint(ctx context.Context, tx *transition, user common.Address, amount *uint256.Int) error {
	if err := h.ledger.IncreaseDebt(user, amount); err != nil {
		return err
	}
	tx.touch(user)
	tx.emit(&event.SyntheticMinted{User: user, Amount: fpmath.Clone(amount)})

	if err := h.synthetic.Mint(ctx, user, amount); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrMintFailed, user.Hex(), err)
	}
	return nil
}

func (h *Hub) burn(ctx context.Context, tx *transition, amount *uint256.Int, onBehalfOf, from common.Address) error {
	if err := h.ledger.DecreaseDebt(onBehalfOf, amount); err != nil {
		return err
	}
	tx.touch(onBehalfOf)
	tx.emit(&event.SyntheticBurned{OnBehalfOf: onBehalfOf, From: from, Amount: fpmath.Clone(amount)})

	if err := h.synthetic.Burn(ctx, from, amount); err != nil {
		return fmt.Errorf("%w: burn from %s: %w", ErrTransferFailed, from.Hex(), err)
	}
	return nil
}

// === checks ===

func checkAmount(amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}
	return nil
}

func (h *Hub) checkUser(user common.Address) error {
	if user == (common.Address{}) {
		return fmt.Errorf("%w: user", ErrZeroAddress)
	}
	return nil
}

func (h *Hub) checkAsset(asset common.Address) error {
	_, err := h.registry.Lookup(asset)
	return err
}

func (h *Hub) checkCollateral(user, asset common.Address, amount *uint256.Int) error {
	if bal := h.ledger.CollateralBalance(user, asset); bal.Lt(amount) {
		return fmt.Errorf("%w: %s holds %s of %s, redeeming %s",
			ledger.ErrInsufficientBalance, user.Hex(), bal.Dec(), asset.Hex(), amount.Dec())
	}
	return nil
}

func (h *Hub) checkDebt(user common.Address, amount *uint256.Int) error {
	if debt := h.ledger.DebtBalance(user); debt.Lt(amount) {
		return fmt.Errorf("%w: %s owes %s, repaying %s",
			ledger.ErrInsufficientBalance, user.Hex(), debt.Dec(), amount.Dec())
	}
	return nil
}

// requireHealthy is the post-condition. The first user checked in a
// transition becomes the receipt's health factor.
func (h *Hub) requireHealthy(ctx context.Context, tx *transition, user common.Address) error {
	hf, err := h.solvency.RequireHealthy(ctx, user)
	if err != nil {
		return err
	}
	if tx.receipt.HealthFactor == nil {
		tx.receipt.HealthFactor = hf
	}
	return nil
}
