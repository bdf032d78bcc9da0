package bank

import (
	"context"
	"errors"
	"math/big"
	"sync"
)

// Token is a fungible asset held in the ledger.
type Token struct {
	ledger   *Ledger
	address  [20]byte
	symbol   string
	decimals uint8

	mu       sync.Mutex
	rejectTx bool
	hook     Hook
}

var _ FungibleToken = (*Token)(nil)

func (t *Token) Address() [20]byte { return t.address }

func (t *Token) Symbol() string { return t.symbol }

func (t *Token) Decimals() uint8 { return t.decimals }

// Mint credits holder with amount.
func (t *Token) Mint(holder [20]byte, amount *big.Int) error {
	return t.ledger.credit(tokenKey(t.address, holder), amount)
}

// SetRejectTransfers makes every subsequent transfer report false without
// moving funds, like tokens that signal failure by return value.
func (t *Token) SetRejectTransfers(reject bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rejectTx = reject
}

// SetHook installs logic that runs during every transfer before balances move.
func (t *Token) SetHook(hook Hook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hook = hook
}

// BalanceOf returns the token balance of holder.
func (t *Token) BalanceOf(_ context.Context, holder [20]byte) (*big.Int, error) {
	t.ledger.mu.Lock()
	defer t.ledger.mu.Unlock()
	return t.ledger.balance(tokenKey(t.address, holder))
}

// Transfer moves amount from one holder to another. Insufficient balance and
// rejection are reported as false rather than as an error.
func (t *Token) Transfer(ctx context.Context, from, to [20]byte, amount *big.Int) (bool, error) {
	if amount == nil || amount.Sign() <= 0 {
		return false, ErrInvalidAmount
	}
	if to == ([20]byte{}) {
		return false, ErrZeroAddress
	}
	t.mu.Lock()
	reject := t.rejectTx
	hook := t.hook
	t.mu.Unlock()
	if reject {
		return false, nil
	}
	if hook != nil {
		if err := hook(ctx, from, to, amount); err != nil {
			return false, err
		}
	}
	t.ledger.mu.Lock()
	defer t.ledger.mu.Unlock()
	if err := t.ledger.move(tokenKey(t.address, from), tokenKey(t.address, to), amount); err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
