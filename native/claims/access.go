package claims

import (
	"context"
	"fmt"
	"math/big"

	"claimengine/core/events"
)

// ownership gates administrative operations on the stored owner.
type ownership struct{}

func (ownership) owner(tx *txStore) ([20]byte, error) {
	var owner [20]byte
	ok, err := tx.get(ownerKey, &owner)
	if err != nil {
		return owner, err
	}
	if !ok {
		return owner, fmt.Errorf("%w: owner not initialised", ErrInvalidState)
	}
	return owner, nil
}

func (o ownership) require(tx *txStore, caller [20]byte) ([20]byte, error) {
	owner, err := o.owner(tx)
	if err != nil {
		return owner, err
	}
	if caller == ([20]byte{}) || caller != owner {
		return owner, ErrUnauthorized
	}
	return owner, nil
}

func (ownership) set(tx *txStore, owner [20]byte) error {
	return tx.put(ownerKey, owner)
}

func readSigner(tx *txStore) ([20]byte, error) {
	var signer [20]byte
	ok, err := tx.get(signerKey, &signer)
	if err != nil {
		return signer, err
	}
	if !ok {
		return signer, fmt.Errorf("%w: signer not initialised", ErrInvalidState)
	}
	return signer, nil
}

// RotateSigner replaces the authority key. Vouchers signed by the previous key
// stop verifying immediately.
func (e *Engine) RotateSigner(ctx context.Context, caller, signer [20]byte) error {
	return e.admin(ctx, "rotate_signer", func(_ context.Context, tx *txStore) (events.Event, error) {
		if _, err := e.owner.require(tx, caller); err != nil {
			return nil, err
		}
		if signer == ([20]byte{}) {
			return nil, fmt.Errorf("%w: signer must not be zero", ErrInvalidAddress)
		}
		previous, err := readSigner(tx)
		if err != nil {
			return nil, err
		}
		if err := tx.put(signerKey, signer); err != nil {
			return nil, err
		}
		return events.SignerRotated{Previous: previous, Current: signer}, nil
	})
}

// SetAssetAddress points a token selector at a new contract address.
func (e *Engine) SetAssetAddress(ctx context.Context, caller [20]byte, asset Asset, address [20]byte) error {
	return e.admin(ctx, "set_asset", func(_ context.Context, tx *txStore) (events.Event, error) {
		if _, err := e.owner.require(tx, caller); err != nil {
			return nil, err
		}
		if !asset.Fungible() {
			return nil, fmt.Errorf("%w: %s has no address", ErrInvalidAssetType, asset)
		}
		if address == ([20]byte{}) {
			return nil, fmt.Errorf("%w: asset address must not be zero", ErrInvalidAddress)
		}
		var previous storedAssetHandle
		if _, err := tx.get(assetKey(asset), &previous); err != nil {
			return nil, err
		}
		if err := registerAsset(tx, asset, address); err != nil {
			return nil, err
		}
		return events.AssetUpdated{Asset: asset.String(), Previous: previous.Address, Current: address}, nil
	})
}

// Withdraw moves custodied funds to recipient, or to the owner when recipient
// is the zero address.
func (e *Engine) Withdraw(ctx context.Context, caller [20]byte, asset Asset, amount *big.Int, recipient [20]byte) error {
	return e.admin(ctx, "withdraw", func(ctx context.Context, tx *txStore) (events.Event, error) {
		owner, err := e.owner.require(tx, caller)
		if err != nil {
			return nil, err
		}
		if amount == nil || amount.Sign() <= 0 {
			return nil, fmt.Errorf("%w: withdrawal must be positive", ErrInvalidAmount)
		}
		handle, err := resolveAsset(tx, asset)
		if err != nil {
			return nil, err
		}
		to := recipient
		if to == ([20]byte{}) {
			to = owner
		}
		// Nothing is staged on tx, so the transfer can run outside the lock.
		err = e.unlocked(func() error {
			return e.disburse.send(ctx, handle, to, amount)
		})
		if err != nil {
			return nil, err
		}
		return events.Withdrawn{Asset: asset.String(), Recipient: to, Amount: new(big.Int).Set(amount)}, nil
	})
}

// TransferOwnership hands administration to a new principal.
func (e *Engine) TransferOwnership(ctx context.Context, caller, owner [20]byte) error {
	return e.admin(ctx, "transfer_ownership", func(_ context.Context, tx *txStore) (events.Event, error) {
		previous, err := e.owner.require(tx, caller)
		if err != nil {
			return nil, err
		}
		if owner == ([20]byte{}) {
			return nil, fmt.Errorf("%w: owner must not be zero", ErrInvalidAddress)
		}
		if err := e.owner.set(tx, owner); err != nil {
			return nil, err
		}
		return events.OwnershipTransferred{Previous: previous, Current: owner}, nil
	})
}
