package claims

import (
	"context"
	"fmt"
	"math/big"

	"claimengine/native/bank"
)

// resolveAsset maps a selector onto its registry entry. The native asset needs
// no registration; token assets must have been configured with an address.
func resolveAsset(tx *txStore, asset Asset) (AssetHandle, error) {
	if !asset.Valid() {
		return AssetHandle{}, ErrInvalidAssetType
	}
	if asset == AssetNative {
		return AssetHandle{Kind: HandleNative}, nil
	}
	var stored storedAssetHandle
	ok, err := tx.get(assetKey(asset), &stored)
	if err != nil {
		return AssetHandle{}, err
	}
	if !ok || stored.Address == ([20]byte{}) {
		return AssetHandle{}, fmt.Errorf("%w: %s not registered", ErrInvalidAssetType, asset)
	}
	return AssetHandle{Kind: HandleKind(stored.Kind), Address: stored.Address}, nil
}

func registerAsset(tx *txStore, asset Asset, address [20]byte) error {
	return tx.put(assetKey(asset), storedAssetHandle{Kind: uint8(HandleFungible), Address: address})
}

// disbursement moves custodied funds out of the engine account.
type disbursement struct {
	custody bank.Custody
	from    [20]byte
}

func (d disbursement) balance(ctx context.Context, handle AssetHandle) (*big.Int, error) {
	switch handle.Kind {
	case HandleNative:
		return d.custody.NativeBalance(ctx, d.from)
	case HandleFungible:
		token, ok := d.custody.Token(handle.Address)
		if !ok {
			return nil, fmt.Errorf("%w: no token at %x", ErrInvalidAssetType, handle.Address)
		}
		return token.BalanceOf(ctx, d.from)
	default:
		return nil, ErrInvalidAssetType
	}
}

// send checks solvency and performs the transfer. A token that reports false
// is a failed transfer, never a silent no-op.
func (d disbursement) send(ctx context.Context, handle AssetHandle, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if to == ([20]byte{}) {
		return ErrInvalidAddress
	}
	balance, err := d.balance(ctx, handle)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, balance, amount)
	}
	switch handle.Kind {
	case HandleNative:
		if err := d.custody.NativeTransfer(ctx, d.from, to, amount); err != nil {
			return fmt.Errorf("%w: %w", ErrTransferFailed, err)
		}
		return nil
	case HandleFungible:
		token, ok := d.custody.Token(handle.Address)
		if !ok {
			return fmt.Errorf("%w: no token at %x", ErrInvalidAssetType, handle.Address)
		}
		success, err := token.Transfer(ctx, d.from, to, amount)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrTransferFailed, err)
		}
		if !success {
			return fmt.Errorf("%w: token returned false", ErrTransferFailed)
		}
		return nil
	default:
		return ErrInvalidAssetType
	}
}
