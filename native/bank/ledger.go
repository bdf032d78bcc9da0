package bank

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"claimengine/storage"
)

var (
	ErrInsufficientFunds = errors.New("bank: insufficient funds")
	ErrInvalidAmount     = errors.New("bank: amount must be positive")
	ErrZeroAddress       = errors.New("bank: zero address")
)

var (
	nativeBalancePrefix = []byte("bank/native/")
	tokenBalancePrefix  = []byte("bank/token/")
)

// FungibleToken is the opaque asset contract the engine disburses from. Some
// implementations report failure through the boolean result instead of an
// error; callers must treat false as a failed transfer.
type FungibleToken interface {
	BalanceOf(ctx context.Context, holder [20]byte) (*big.Int, error)
	Transfer(ctx context.Context, from, to [20]byte, amount *big.Int) (bool, error)
}

// Custody exposes the native currency and the registered fungible tokens.
type Custody interface {
	NativeBalance(ctx context.Context, holder [20]byte) (*big.Int, error)
	NativeTransfer(ctx context.Context, from, to [20]byte, amount *big.Int) error
	Token(address [20]byte) (FungibleToken, bool)
}

// Hook runs caller-controlled logic during a transfer, before balances move.
// Returning an error aborts the transfer.
type Hook func(ctx context.Context, from, to [20]byte, amount *big.Int) error

// Ledger is an in-process custody store persisted in a storage.Database. It
// backs the daemon's native currency and token balances and doubles as the
// asset fixture in tests.
type Ledger struct {
	mu        sync.Mutex
	db        storage.Database
	tokens    map[[20]byte]*Token
	receivers map[[20]byte]Hook
}

var _ Custody = (*Ledger)(nil)

// NewLedger binds a ledger to the supplied database.
func NewLedger(db storage.Database) *Ledger {
	return &Ledger{
		db:        db,
		tokens:    make(map[[20]byte]*Token),
		receivers: make(map[[20]byte]Hook),
	}
}

func nativeKey(holder [20]byte) []byte {
	buf := make([]byte, 0, len(nativeBalancePrefix)+20)
	buf = append(buf, nativeBalancePrefix...)
	return append(buf, holder[:]...)
}

func tokenKey(token, holder [20]byte) []byte {
	buf := make([]byte, 0, len(tokenBalancePrefix)+40)
	buf = append(buf, tokenBalancePrefix...)
	buf = append(buf, token[:]...)
	return append(buf, holder[:]...)
}

func (l *Ledger) balance(key []byte) (*big.Int, error) {
	raw, err := l.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(raw), nil
}

// move debits fromKey and credits toKey in one batch. Callers hold l.mu.
func (l *Ledger) move(fromKey, toKey []byte, amount *big.Int) error {
	fromBal, err := l.balance(fromKey)
	if err != nil {
		return err
	}
	if fromBal.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	toBal, err := l.balance(toKey)
	if err != nil {
		return err
	}
	if string(fromKey) == string(toKey) {
		return nil
	}
	batch := l.db.NewBatch()
	batch.Put(fromKey, new(big.Int).Sub(fromBal, amount).Bytes())
	batch.Put(toKey, new(big.Int).Add(toBal, amount).Bytes())
	return batch.Write()
}

func (l *Ledger) credit(key []byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	bal, err := l.balance(key)
	if err != nil {
		return err
	}
	return l.db.Put(key, new(big.Int).Add(bal, amount).Bytes())
}

// Credit mints native currency to holder. Used for seeding custody balances.
func (l *Ledger) Credit(holder [20]byte, amount *big.Int) error {
	return l.credit(nativeKey(holder), amount)
}

// NativeBalance returns the native currency balance of holder.
func (l *Ledger) NativeBalance(_ context.Context, holder [20]byte) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance(nativeKey(holder))
}

// SetReceiver installs a hook that runs whenever holder receives native
// currency, modelling a recipient contract with a receive function.
func (l *Ledger) SetReceiver(holder [20]byte, hook Hook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if hook == nil {
		delete(l.receivers, holder)
		return
	}
	l.receivers[holder] = hook
}

// NativeTransfer moves native currency. A failing receiver hook aborts the
// transfer before any balance changes.
func (l *Ledger) NativeTransfer(ctx context.Context, from, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if to == ([20]byte{}) {
		return ErrZeroAddress
	}
	l.mu.Lock()
	hook := l.receivers[to]
	l.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, from, to, amount); err != nil {
			return fmt.Errorf("bank: receiver rejected transfer: %w", err)
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.move(nativeKey(from), nativeKey(to), amount)
}

// RegisterToken creates (or returns the existing) token at address.
func (l *Ledger) RegisterToken(address [20]byte, symbol string, decimals uint8) *Token {
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.tokens[address]; ok {
		return existing
	}
	token := &Token{ledger: l, address: address, symbol: symbol, decimals: decimals}
	l.tokens[address] = token
	return token
}

// Token resolves a registered token.
func (l *Ledger) Token(address [20]byte) (FungibleToken, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	token, ok := l.tokens[address]
	if !ok {
		return nil, false
	}
	return token, true
}
