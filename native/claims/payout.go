package claims

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

const (
	// PriceDecimals is the fixed-point precision of authority-supplied prices.
	PriceDecimals = 8
	// NativePegDenominator is D in amount = entitlement * K / (D * price).
	// Together with K it pegs one entitlement unit to $0.0001 at 18 decimals.
	NativePegDenominator = 10_000
	// DefaultUnitStep is the granularity entitlements must be a multiple of.
	DefaultUnitStep = 100
	// DefaultStableRatio and DefaultStableScale convert entitlement units to a
	// 6-decimal stablecoin: 1000 units -> 100,000 (0.1 token).
	DefaultStableRatio = 10_000_000
	DefaultStableScale = 1_000_000
	// TierCount is the size of the tiered drop table.
	TierCount = 3
)

// nativePegNumerator is K = 10^26: 10^18 output decimals times 10^8 price decimals.
var nativePegNumerator = uint256.MustFromDecimal("100000000000000000000000000")

// tierAmounts are $10, $5 and $0.10 at 6 decimals.
var tierAmounts = [TierCount]uint64{10_000_000, 5_000_000, 100_000}

// Conversion is the fixed ratio used for a token asset:
// amount = entitlement * Scale / Ratio, truncated.
type Conversion struct {
	Ratio uint64
	Scale uint64
}

// ConversionTable holds the continuous-conversion parameters. It is immutable
// once handed to an engine.
type ConversionTable struct {
	UnitStep uint64
	Rates    map[Asset]Conversion
}

// DefaultConversionTable returns the stablecoin ratios and the default step.
func DefaultConversionTable() ConversionTable {
	return ConversionTable{
		UnitStep: DefaultUnitStep,
		Rates: map[Asset]Conversion{
			AssetUSDC: {Ratio: DefaultStableRatio, Scale: DefaultStableScale},
			AssetUSDT: {Ratio: DefaultStableRatio, Scale: DefaultStableScale},
		},
	}
}

// Validate checks that every token asset has a usable ratio.
func (t ConversionTable) Validate() error {
	if t.UnitStep == 0 {
		return fmt.Errorf("claims: unit step must be positive")
	}
	for _, asset := range Assets() {
		if !asset.Fungible() {
			continue
		}
		rate, ok := t.Rates[asset]
		if !ok {
			return fmt.Errorf("claims: conversion for %s missing", asset)
		}
		if rate.Ratio == 0 || rate.Scale == 0 {
			return fmt.Errorf("claims: conversion for %s must have positive ratio and scale", asset)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (t ConversionTable) Clone() ConversionTable {
	out := ConversionTable{UnitStep: t.UnitStep, Rates: make(map[Asset]Conversion, len(t.Rates))}
	for asset, rate := range t.Rates {
		out.Rates[asset] = rate
	}
	return out
}

// Compute derives the payout for a continuous-conversion claim. It is pure:
// the result depends only on the table and the arguments. All divisions
// truncate toward zero.
func (t ConversionTable) Compute(entitlement *big.Int, asset Asset, price *big.Int) (*big.Int, error) {
	if !asset.Valid() {
		return nil, ErrInvalidAssetType
	}
	if entitlement == nil || entitlement.Sign() <= 0 {
		return nil, fmt.Errorf("%w: entitlement must be positive", ErrInvalidAmount)
	}
	units, overflow := uint256.FromBig(entitlement)
	if overflow {
		return nil, fmt.Errorf("%w: entitlement overflows 256 bits", ErrInvalidAmount)
	}
	if t.UnitStep == 0 {
		return nil, fmt.Errorf("%w: unit step not configured", ErrInvalidAmount)
	}
	step := uint256.NewInt(t.UnitStep)
	if !new(uint256.Int).Mod(units, step).IsZero() {
		return nil, fmt.Errorf("%w: entitlement must be a multiple of %d", ErrInvalidAmount, t.UnitStep)
	}

	var amount *uint256.Int
	if asset == AssetNative {
		if price == nil || price.Sign() <= 0 {
			return nil, fmt.Errorf("%w: price must be positive", ErrInvalidPrice)
		}
		p, overflow := uint256.FromBig(price)
		if overflow {
			return nil, fmt.Errorf("%w: price overflows 256 bits", ErrInvalidPrice)
		}
		numerator, overflow := new(uint256.Int).MulOverflow(units, nativePegNumerator)
		if overflow {
			return nil, fmt.Errorf("%w: entitlement too large", ErrInvalidAmount)
		}
		denominator, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(NativePegDenominator), p)
		if overflow {
			return nil, fmt.Errorf("%w: price too large", ErrInvalidPrice)
		}
		amount = new(uint256.Int).Div(numerator, denominator)
	} else {
		rate, ok := t.Rates[asset]
		if !ok || rate.Ratio == 0 {
			return nil, fmt.Errorf("%w: no conversion for %s", ErrInvalidAssetType, asset)
		}
		numerator, overflow := new(uint256.Int).MulOverflow(units, uint256.NewInt(rate.Scale))
		if overflow {
			return nil, fmt.Errorf("%w: entitlement too large", ErrInvalidAmount)
		}
		amount = new(uint256.Int).Div(numerator, uint256.NewInt(rate.Ratio))
	}
	if amount.IsZero() {
		return nil, fmt.Errorf("%w: entitlement converts to zero", ErrInvalidAmount)
	}
	return amount.ToBig(), nil
}

// ComputePayout evaluates a claim against the default conversion table. It is
// meant for client-side pre-validation.
func ComputePayout(entitlement *big.Int, asset Asset, price *big.Int) (*big.Int, error) {
	return DefaultConversionTable().Compute(entitlement, asset, price)
}

// ValidTier reports whether tier selects an entry of the drop table.
func ValidTier(tier uint8) bool {
	return tier >= 1 && tier <= TierCount
}

// TierPayout returns the fixed amount for tier. Tiers outside 1..3 are a
// validation failure.
func TierPayout(tier uint8) (*big.Int, error) {
	if !ValidTier(tier) {
		return nil, fmt.Errorf("%w: tier %d outside 1..%d", ErrInvalidAmount, tier, TierCount)
	}
	return new(big.Int).SetUint64(tierAmounts[tier-1]), nil
}
