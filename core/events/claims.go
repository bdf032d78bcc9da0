package events

import (
	"math/big"
	"strconv"

	"claimengine/core/types"
)

const (
	TypeClaimed              = "claims.claimed"
	TypeTierClaimed          = "claims.tier_claimed"
	TypeSignerRotated        = "claims.signer_rotated"
	TypeAssetUpdated         = "claims.asset_updated"
	TypePaused               = "claims.paused"
	TypeUnpaused             = "claims.unpaused"
	TypeWithdrawn            = "claims.withdrawn"
	TypeOwnershipTransferred = "claims.ownership_transferred"
)

// Claimed records a settled continuous-conversion claim.
type Claimed struct {
	ClaimID     [32]byte
	Claimant    [20]byte
	Asset       string
	Entitlement *big.Int
	Price       *big.Int
	Amount      *big.Int
	Timestamp   int64
}

func (Claimed) EventType() string { return TypeClaimed }

func (e Claimed) Event() *types.Event {
	return &types.Event{
		Type: TypeClaimed,
		Attributes: map[string]string{
			"claimId":     formatID(e.ClaimID),
			"claimant":    formatAddress(e.Claimant),
			"asset":       normalizeAsset(e.Asset),
			"entitlement": formatAmount(e.Entitlement),
			"price":       formatAmount(e.Price),
			"amount":      formatAmount(e.Amount),
			"timestamp":   strconv.FormatInt(e.Timestamp, 10),
		},
	}
}

// TierClaimed records a settled tiered drop claim.
type TierClaimed struct {
	CampaignID [32]byte
	Claimant   [20]byte
	Asset      string
	Tier       uint8
	Amount     *big.Int
	Timestamp  int64
}

func (TierClaimed) EventType() string { return TypeTierClaimed }

func (e TierClaimed) Event() *types.Event {
	return &types.Event{
		Type: TypeTierClaimed,
		Attributes: map[string]string{
			"campaignId": formatID(e.CampaignID),
			"claimant":   formatAddress(e.Claimant),
			"asset":      normalizeAsset(e.Asset),
			"tier":       uintToString(uint64(e.Tier)),
			"amount":     formatAmount(e.Amount),
			"timestamp":  strconv.FormatInt(e.Timestamp, 10),
		},
	}
}

type SignerRotated struct {
	Previous [20]byte
	Current  [20]byte
}

func (SignerRotated) EventType() string { return TypeSignerRotated }

func (e SignerRotated) Event() *types.Event {
	return &types.Event{
		Type: TypeSignerRotated,
		Attributes: map[string]string{
			"previous": formatAddress(e.Previous),
			"current":  formatAddress(e.Current),
		},
	}
}

type AssetUpdated struct {
	Asset    string
	Previous [20]byte
	Current  [20]byte
}

func (AssetUpdated) EventType() string { return TypeAssetUpdated }

func (e AssetUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypeAssetUpdated,
		Attributes: map[string]string{
			"asset":    normalizeAsset(e.Asset),
			"previous": formatAddress(e.Previous),
			"current":  formatAddress(e.Current),
		},
	}
}

// PauseChanged covers both pause and unpause; Paused selects the event type.
type PauseChanged struct {
	Paused bool
	By     [20]byte
}

func (e PauseChanged) EventType() string {
	if e.Paused {
		return TypePaused
	}
	return TypeUnpaused
}

func (e PauseChanged) Event() *types.Event {
	return &types.Event{
		Type: e.EventType(),
		Attributes: map[string]string{
			"by": formatAddress(e.By),
		},
	}
}

type Withdrawn struct {
	Asset     string
	Recipient [20]byte
	Amount    *big.Int
}

func (Withdrawn) EventType() string { return TypeWithdrawn }

func (e Withdrawn) Event() *types.Event {
	return &types.Event{
		Type: TypeWithdrawn,
		Attributes: map[string]string{
			"asset":     normalizeAsset(e.Asset),
			"recipient": formatAddress(e.Recipient),
			"amount":    formatAmount(e.Amount),
		},
	}
}

type OwnershipTransferred struct {
	Previous [20]byte
	Current  [20]byte
}

func (OwnershipTransferred) EventType() string { return TypeOwnershipTransferred }

func (e OwnershipTransferred) Event() *types.Event {
	return &types.Event{
		Type: TypeOwnershipTransferred,
		Attributes: map[string]string{
			"previous": formatAddress(e.Previous),
			"current":  formatAddress(e.Current),
		},
	}
}
