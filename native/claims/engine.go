package claims

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"claimengine/core/events"
	"claimengine/native/bank"
	"claimengine/native/common"
	"claimengine/observability"
	"claimengine/storage"
)

// Config fixes the deployment parameters of an engine. Owner, Signer and
// Assets only seed a fresh store; persisted state takes precedence on restart.
type Config struct {
	ChainID     uint64
	Address     [20]byte
	Owner       [20]byte
	Signer      [20]byte
	Assets      map[Asset][20]byte
	DropAsset   Asset
	Conversions ConversionTable
}

// Option customises an engine.
type Option func(*Engine)

// WithEmitter routes audit events to emitter.
func WithEmitter(emitter events.Emitter) Option {
	return func(e *Engine) {
		if emitter != nil {
			e.emitter = emitter
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock overrides the settlement timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithMetrics records operation outcomes in m.
func WithMetrics(m *observability.ClaimsMetrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// Engine authorises and settles claims against custodied assets. Every
// mutating call is serialised by a single critical section and runs inside a
// journaled transaction, so a failed call leaves state as it found it.
type Engine struct {
	mu sync.Mutex

	db          storage.Database
	domain      Domain
	conversions ConversionTable
	dropAsset   Asset

	verifier verifier
	replay   replayGuard
	owner    ownership
	breaker  circuitBreaker
	disburse disbursement
	guard    *common.Reentrancy

	emitter events.Emitter
	logger  *slog.Logger
	metrics *observability.ClaimsMetrics
	now     func() time.Time
}

// NewEngine binds an engine to db and custody, initialising state on first use.
func NewEngine(db storage.Database, custody bank.Custody, cfg Config, opts ...Option) (*Engine, error) {
	if db == nil {
		return nil, fmt.Errorf("claims: database required")
	}
	if custody == nil {
		return nil, fmt.Errorf("claims: custody required")
	}
	if cfg.Address == ([20]byte{}) {
		return nil, fmt.Errorf("claims: engine address required")
	}
	conversions := cfg.Conversions
	if conversions.UnitStep == 0 && len(conversions.Rates) == 0 {
		conversions = DefaultConversionTable()
	}
	if err := conversions.Validate(); err != nil {
		return nil, err
	}
	dropAsset := cfg.DropAsset
	if dropAsset == AssetUnknown {
		dropAsset = AssetUSDC
	}
	if !dropAsset.Valid() {
		return nil, fmt.Errorf("claims: invalid drop asset %d", dropAsset)
	}
	domain := Domain{ChainID: cfg.ChainID, Engine: cfg.Address}
	e := &Engine{
		db:          db,
		domain:      domain,
		conversions: conversions.Clone(),
		dropAsset:   dropAsset,
		verifier:    verifier{domain: domain},
		disburse:    disbursement{custody: custody, from: cfg.Address},
		guard:       common.NewReentrancy(ModuleName),
		emitter:     events.NoopEmitter{},
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.initialise(cfg); err != nil {
		return nil, err
	}
	e.metrics.SetPaused(e.Paused())
	return e, nil
}

func (e *Engine) initialise(cfg Config) error {
	tx := newTx(e.db)
	existing, err := tx.has(ownerKey)
	if err != nil {
		return err
	}
	if existing {
		owner, _ := e.owner.owner(tx)
		e.logger.Info("claims engine restored", "owner", ownerString(owner), "engine", ownerString(e.domain.Engine))
		return nil
	}
	if cfg.Owner == ([20]byte{}) {
		return fmt.Errorf("claims: owner required")
	}
	if cfg.Signer == ([20]byte{}) {
		return fmt.Errorf("claims: signer required")
	}
	if err := e.owner.set(tx, cfg.Owner); err != nil {
		return err
	}
	if err := tx.put(signerKey, cfg.Signer); err != nil {
		return err
	}
	if err := e.breaker.set(tx, false); err != nil {
		return err
	}
	for asset, address := range cfg.Assets {
		if !asset.Fungible() {
			return fmt.Errorf("claims: %s cannot be registered", asset)
		}
		if address == ([20]byte{}) {
			return fmt.Errorf("claims: %s address must not be zero", asset)
		}
		if err := registerAsset(tx, asset, address); err != nil {
			return err
		}
	}
	if err := tx.commit(); err != nil {
		return err
	}
	e.logger.Info("claims engine initialised", "owner", ownerString(cfg.Owner), "engine", ownerString(e.domain.Engine))
	return nil
}

// enter rejects nested calls made from inside an external transfer.
func (e *Engine) enter(ctx context.Context) (context.Context, error) {
	ctx, err := e.guard.Enter(ctx)
	if err != nil {
		return ctx, ErrReentrantCall
	}
	return ctx, nil
}

// Claim settles a continuous-conversion voucher. Validation runs before the
// signature check; the replay mark is committed before funds move and is
// rolled back if the transfer fails.
func (e *Engine) Claim(ctx context.Context, req ClaimRequest) (receipt *Receipt, err error) {
	start := time.Now()
	defer func() { e.observe("claim", err, start) }()

	ctx, err = e.enter(ctx)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkActive(); err != nil {
		return nil, err
	}
	if req.Claimant == ([20]byte{}) {
		return nil, fmt.Errorf("%w: claimant must not be zero", ErrInvalidAddress)
	}
	if !req.Asset.Valid() {
		return nil, ErrInvalidAssetType
	}
	amount, err := e.conversions.Compute(req.Entitlement, req.Asset, req.Price)
	if err != nil {
		return nil, err
	}
	tx := newTx(e.db)
	handle, err := resolveAsset(tx, req.Asset)
	if err != nil {
		return nil, err
	}
	signer, err := readSigner(tx)
	if err != nil {
		return nil, err
	}
	if err := e.verifier.verifyVoucher(signer, req); err != nil {
		return nil, err
	}
	settledAt := e.now().Unix()
	record := storedClaimRecord{Claimant: req.Claimant, Asset: uint8(req.Asset), Amount: amount, ClaimedAt: uint64(settledAt)}
	if err := e.settle(ctx, tx, voucherKey(req.ClaimID), record, handle, req.Claimant, amount); err != nil {
		return nil, err
	}

	receipt = &Receipt{
		Claimant:    req.Claimant,
		Asset:       req.Asset,
		Amount:      new(big.Int).Set(amount),
		ClaimID:     req.ClaimID,
		Entitlement: new(big.Int).Set(req.Entitlement),
		Price:       copyInt(req.Price),
		SettledAt:   settledAt,
	}
	e.metrics.RecordPayout(req.Asset.String(), amount)
	e.emit(events.Claimed{
		ClaimID:     req.ClaimID,
		Claimant:    req.Claimant,
		Asset:       req.Asset.String(),
		Entitlement: receipt.Entitlement,
		Price:       receipt.Price,
		Amount:      receipt.Amount,
		Timestamp:   settledAt,
	})
	return receipt, nil
}

// ClaimTier settles a tiered drop. The tier is validated before the signature
// so an out-of-range tier is always InvalidAmount.
func (e *Engine) ClaimTier(ctx context.Context, req TierClaimRequest) (receipt *Receipt, err error) {
	start := time.Now()
	defer func() { e.observe("claim_tier", err, start) }()

	ctx, err = e.enter(ctx)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkActive(); err != nil {
		return nil, err
	}
	if req.Claimant == ([20]byte{}) {
		return nil, fmt.Errorf("%w: claimant must not be zero", ErrInvalidAddress)
	}
	amount, err := TierPayout(req.Tier)
	if err != nil {
		return nil, err
	}
	tx := newTx(e.db)
	handle, err := resolveAsset(tx, e.dropAsset)
	if err != nil {
		return nil, err
	}
	signer, err := readSigner(tx)
	if err != nil {
		return nil, err
	}
	if err := e.verifier.verifyDrop(signer, req); err != nil {
		return nil, err
	}
	settledAt := e.now().Unix()
	record := storedClaimRecord{Claimant: req.Claimant, Asset: uint8(e.dropAsset), Amount: amount, ClaimedAt: uint64(settledAt)}
	if err := e.settle(ctx, tx, dropKey(req.CampaignID, req.Claimant), record, handle, req.Claimant, amount); err != nil {
		return nil, err
	}

	receipt = &Receipt{
		Claimant:   req.Claimant,
		Asset:      e.dropAsset,
		Amount:     new(big.Int).Set(amount),
		CampaignID: req.CampaignID,
		Tier:       req.Tier,
		SettledAt:  settledAt,
	}
	e.metrics.RecordPayout(e.dropAsset.String(), amount)
	e.emit(events.TierClaimed{
		CampaignID: req.CampaignID,
		Claimant:   req.Claimant,
		Asset:      e.dropAsset.String(),
		Tier:       req.Tier,
		Amount:     receipt.Amount,
		Timestamp:  settledAt,
	})
	return receipt, nil
}

// settle marks key consumed, makes the mark durable and only then disburses.
// The transfer runs with e.mu released: the committed mark already refuses
// every competing claim on key, and a recipient that calls back into the
// engine on a context of its own must not wait on the call that is paying it.
// A failed disbursement reverts the mark under the lock. Callers hold e.mu.
func (e *Engine) settle(ctx context.Context, tx *txStore, key []byte, record storedClaimRecord, handle AssetHandle, to [20]byte, amount *big.Int) error {
	if err := e.replay.checkAndMark(tx, key, record); err != nil {
		return err
	}
	if err := tx.commit(); err != nil {
		return err
	}
	err := e.unlocked(func() error {
		return e.disburse.send(ctx, handle, to, amount)
	})
	if err != nil {
		if rerr := tx.revert(); rerr != nil {
			e.logger.Error("revert claim mark", "key", fmt.Sprintf("%x", key), "error", rerr)
			return errors.Join(err, rerr)
		}
		return err
	}
	return nil
}

// unlocked runs fn with e.mu released and takes it back before returning,
// even if fn panics. Callers hold e.mu.
func (e *Engine) unlocked(fn func() error) error {
	e.mu.Unlock()
	defer e.mu.Lock()
	return fn()
}

// admin runs an owner operation inside the critical section. fn stages its
// writes on tx and returns the event to emit once they are committed.
func (e *Engine) admin(ctx context.Context, operation string, fn func(context.Context, *txStore) (events.Event, error)) (err error) {
	start := time.Now()
	defer func() { e.observe(operation, err, start) }()

	ctx, err = e.enter(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	tx := newTx(e.db)
	evt, err := fn(ctx, tx)
	if err != nil {
		return err
	}
	if err := tx.commit(); err != nil {
		return err
	}
	if evt != nil {
		e.emit(evt)
	}
	return nil
}

func (e *Engine) emit(evt events.Event) {
	e.emitter.Emit(evt)
}

func (e *Engine) observe(operation string, err error, start time.Time) {
	kind := KindOf(err)
	e.metrics.Observe(operation, string(kind), time.Since(start))
	if err == nil {
		e.logger.Debug("claims operation settled", "operation", operation)
		return
	}
	level := slog.LevelWarn
	if kind == KindInternal {
		level = slog.LevelError
	}
	e.logger.Log(context.Background(), level, "claims operation rejected",
		"operation", operation, "kind", string(kind), "code", Code(err), "error", err)
}

// IsClaimed reports whether a continuous-conversion claim id was consumed.
func (e *Engine) IsClaimed(id [32]byte) (bool, error) {
	return e.replay.consumed(newTx(e.db), voucherKey(id))
}

// IsTierClaimed reports whether claimant already claimed in campaign.
func (e *Engine) IsTierClaimed(campaign [32]byte, claimant [20]byte) (bool, error) {
	return e.replay.consumed(newTx(e.db), dropKey(campaign, claimant))
}

// ClaimRecord returns the settled amount and timestamp of a consumed claim id.
func (e *Engine) ClaimRecord(id [32]byte) (*Receipt, bool, error) {
	record, ok, err := e.replay.record(newTx(e.db), voucherKey(id))
	if err != nil || !ok {
		return nil, ok, err
	}
	return &Receipt{
		Claimant:  record.Claimant,
		Asset:     Asset(record.Asset),
		Amount:    record.Amount,
		ClaimID:   id,
		SettledAt: int64(record.ClaimedAt),
	}, true, nil
}

// ComputePayout evaluates a continuous claim with the engine's conversion
// table without touching state.
func (e *Engine) ComputePayout(entitlement *big.Int, asset Asset, price *big.Int) (*big.Int, error) {
	return e.conversions.Compute(entitlement, asset, price)
}

// ComputeTierPayout returns the fixed payout of tier.
func (e *Engine) ComputeTierPayout(tier uint8) (*big.Int, error) {
	return TierPayout(tier)
}

// Owner returns the administrative principal.
func (e *Engine) Owner() ([20]byte, error) {
	return e.owner.owner(newTx(e.db))
}

// Signer returns the authority address vouchers must recover to.
func (e *Engine) Signer() ([20]byte, error) {
	return readSigner(newTx(e.db))
}

// AssetHandle resolves asset through the registry.
func (e *Engine) AssetHandle(asset Asset) (AssetHandle, error) {
	return resolveAsset(newTx(e.db), asset)
}

// Balance returns the engine's custodied balance of asset.
func (e *Engine) Balance(ctx context.Context, asset Asset) (*big.Int, error) {
	handle, err := resolveAsset(newTx(e.db), asset)
	if err != nil {
		return nil, err
	}
	return e.disburse.balance(ctx, handle)
}

// Domain returns the signing domain vouchers must be bound to.
func (e *Engine) Domain() Domain { return e.domain }

// DropAsset returns the asset tiered drops pay out in.
func (e *Engine) DropAsset() Asset { return e.dropAsset }

// Conversions returns a copy of the conversion table.
func (e *Engine) Conversions() ConversionTable { return e.conversions.Clone() }

// Status is a point-in-time view of the engine's configuration.
type Status struct {
	Owner    [20]byte
	Signer   [20]byte
	Paused   bool
	Assets   map[Asset]AssetHandle
	Balances map[Asset]*big.Int
}

// Snapshot gathers the owner, signer, pause flag and registered assets with
// their custodied balances. Unregistered assets are omitted.
func (e *Engine) Snapshot(ctx context.Context) (*Status, error) {
	tx := newTx(e.db)
	owner, err := e.owner.owner(tx)
	if err != nil {
		return nil, err
	}
	signer, err := readSigner(tx)
	if err != nil {
		return nil, err
	}
	paused, err := e.breaker.paused(tx)
	if err != nil {
		return nil, err
	}
	status := &Status{
		Owner:    owner,
		Signer:   signer,
		Paused:   paused,
		Assets:   make(map[Asset]AssetHandle),
		Balances: make(map[Asset]*big.Int),
	}
	for _, asset := range Assets() {
		handle, err := resolveAsset(tx, asset)
		if errors.Is(err, ErrInvalidAssetType) {
			continue
		}
		if err != nil {
			return nil, err
		}
		status.Assets[asset] = handle
		balance, err := e.disburse.balance(ctx, handle)
		if err != nil {
			if errors.Is(err, ErrInvalidAssetType) {
				continue
			}
			return nil, err
		}
		status.Balances[asset] = balance
	}
	return status, nil
}

func copyInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func ownerString(addr [20]byte) string {
	return fmt.Sprintf("0x%x", addr)
}
