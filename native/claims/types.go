package claims

import (
	"fmt"
	"math/big"
	"strings"
)

// Asset is the closed set of disbursable asset categories.
type Asset uint8

const (
	AssetUnknown Asset = iota
	// AssetNative is the host ledger's base currency. Its payout is pegged to
	// a USD value through an authority-supplied price.
	AssetNative
	// AssetUSDC and AssetUSDT are 6-decimal fungible tokens converted at a
	// fixed ratio.
	AssetUSDC
	AssetUSDT
)

// Assets lists every valid selector in declaration order.
func Assets() []Asset {
	return []Asset{AssetNative, AssetUSDC, AssetUSDT}
}

func (a Asset) Valid() bool {
	switch a {
	case AssetNative, AssetUSDC, AssetUSDT:
		return true
	default:
		return false
	}
}

// Fungible reports whether the asset is disbursed through a token contract.
func (a Asset) Fungible() bool {
	return a == AssetUSDC || a == AssetUSDT
}

func (a Asset) String() string {
	switch a {
	case AssetNative:
		return "NATIVE"
	case AssetUSDC:
		return "USDC"
	case AssetUSDT:
		return "USDT"
	default:
		return "UNKNOWN"
	}
}

// ParseAsset resolves the textual selector used at the API edges.
func ParseAsset(value string) (Asset, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "NATIVE", "ETH":
		return AssetNative, nil
	case "USDC":
		return AssetUSDC, nil
	case "USDT":
		return AssetUSDT, nil
	default:
		return AssetUnknown, fmt.Errorf("%w: %q", ErrInvalidAssetType, value)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (a Asset) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, ErrInvalidAssetType
	}
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Asset) UnmarshalText(text []byte) error {
	parsed, err := ParseAsset(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// HandleKind distinguishes native and token disbursement.
type HandleKind uint8

const (
	HandleNative HandleKind = iota + 1
	HandleFungible
)

// AssetHandle is the registry entry an Asset resolves to.
type AssetHandle struct {
	Kind    HandleKind
	Address [20]byte
}

// ClaimRequest is a continuous-conversion claim as submitted by the claimant.
type ClaimRequest struct {
	Claimant    [20]byte
	Entitlement *big.Int
	Asset       Asset
	// Price is the native asset price with 8 decimals, chosen by the
	// authority and covered by its signature. The engine trusts it as signed;
	// there is no independent oracle check. Ignored for ratio assets but
	// still part of the signed message.
	Price     *big.Int
	ClaimID   [32]byte
	Signature []byte
}

// TierClaimRequest is a tiered drop claim. One claim per campaign and claimant.
type TierClaimRequest struct {
	Claimant   [20]byte
	Tier       uint8
	CampaignID [32]byte
	Signature  []byte
}

// Receipt describes a settled claim.
type Receipt struct {
	Claimant    [20]byte
	Asset       Asset
	Amount      *big.Int
	ClaimID     [32]byte
	CampaignID  [32]byte
	Tier        uint8
	Entitlement *big.Int
	Price       *big.Int
	SettledAt   int64
}

type storedClaimRecord struct {
	Claimant  [20]byte
	Asset     uint8
	Amount    *big.Int
	ClaimedAt uint64
}

type storedAssetHandle struct {
	Kind    uint8
	Address [20]byte
}
