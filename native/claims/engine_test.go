package claims

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"claimengine/core/events"
	"claimengine/crypto"
	"claimengine/native/bank"
	"claimengine/native/common"
	"claimengine/storage"
)

var (
	engineAddr = [20]byte{0xEE}
	ownerAddr  = [20]byte{0x0A}
	usdcAddr   = [20]byte{0xC1}
	usdtAddr   = [20]byte{0xC2}
	alice      = [20]byte{0xA1}
	bob        = [20]byte{0xB0}
	stranger   = [20]byte{0x55}
)

type fixture struct {
	t         *testing.T
	db        storage.Database
	ledger    *bank.Ledger
	usdc      *bank.Token
	usdt      *bank.Token
	authority *crypto.PrivateKey
	engine    *Engine
	recorder  *events.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := storage.NewMemDB()
	ledger := bank.NewLedger(db)
	usdc := ledger.RegisterToken(usdcAddr, "USDC", 6)
	usdt := ledger.RegisterToken(usdtAddr, "USDT", 6)
	if err := usdc.Mint(engineAddr, big.NewInt(1_000_000_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := ledger.Credit(engineAddr, new(big.Int).Exp(big.NewInt(10), big.NewInt(22), nil)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	authority, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	f := &fixture{t: t, db: db, ledger: ledger, usdc: usdc, usdt: usdt, authority: authority, recorder: &events.Recorder{}}
	f.engine = f.open(Config{
		Owner:  ownerAddr,
		Signer: authority.PubKey().Address().Raw(),
		Assets: map[Asset][20]byte{AssetUSDC: usdcAddr, AssetUSDT: usdtAddr},
	})
	return f
}

func (f *fixture) open(cfg Config) *Engine {
	f.t.Helper()
	cfg.ChainID = 187
	cfg.Address = engineAddr
	engine, err := NewEngine(f.db, f.ledger, cfg,
		WithEmitter(f.recorder),
		WithClock(func() time.Time { return time.Unix(1_700_000_000, 0) }),
	)
	if err != nil {
		f.t.Fatalf("new engine: %v", err)
	}
	return engine
}

func (f *fixture) voucher(claimant [20]byte, entitlement int64, asset Asset, price int64, id byte) ClaimRequest {
	f.t.Helper()
	req := ClaimRequest{
		Claimant:    claimant,
		Entitlement: big.NewInt(entitlement),
		Asset:       asset,
		Price:       big.NewInt(price),
		ClaimID:     [32]byte{id},
	}
	return f.sign(req)
}

func (f *fixture) sign(req ClaimRequest) ClaimRequest {
	f.t.Helper()
	sig, err := SignClaim(f.authority, f.engine.Domain(), req)
	if err != nil {
		f.t.Fatalf("sign: %v", err)
	}
	req.Signature = sig
	return req
}

func (f *fixture) drop(claimant [20]byte, tier uint8, campaign byte) TierClaimRequest {
	f.t.Helper()
	req := TierClaimRequest{Claimant: claimant, Tier: tier, CampaignID: [32]byte{campaign}}
	sig, err := SignTierClaim(f.authority, f.engine.Domain(), req)
	if err != nil {
		f.t.Fatalf("sign drop: %v", err)
	}
	req.Signature = sig
	return req
}

func (f *fixture) tokenBalance(token *bank.Token, holder [20]byte) int64 {
	f.t.Helper()
	bal, err := token.BalanceOf(context.Background(), holder)
	if err != nil {
		f.t.Fatalf("balance: %v", err)
	}
	return bal.Int64()
}

func (f *fixture) claimed(id byte) bool {
	f.t.Helper()
	ok, err := f.engine.IsClaimed([32]byte{id})
	if err != nil {
		f.t.Fatalf("is claimed: %v", err)
	}
	return ok
}

func TestClaimSettlesStablecoin(t *testing.T) {
	f := newFixture(t)
	receipt, err := f.engine.Claim(context.Background(), f.voucher(alice, 1000, AssetUSDC, 0, 1))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if receipt.Amount.Int64() != 100_000 {
		t.Fatalf("expected 100000, got %s", receipt.Amount)
	}
	if receipt.SettledAt != 1_700_000_000 {
		t.Fatalf("unexpected settlement time %d", receipt.SettledAt)
	}
	if got := f.tokenBalance(f.usdc, alice); got != 100_000 {
		t.Fatalf("claimant balance %d", got)
	}
	if got := f.tokenBalance(f.usdc, engineAddr); got != 1_000_000_000-100_000 {
		t.Fatalf("engine balance %d", got)
	}
	if !f.claimed(1) {
		t.Fatalf("claim id not consumed")
	}
	types := f.recorder.Types()
	if len(types) != 1 || types[0] != events.TypeClaimed {
		t.Fatalf("unexpected events %v", types)
	}
	attrs := f.recorder.Events()[0].Event().Attributes
	if attrs["amount"] != "100000" || attrs["asset"] != "USDC" {
		t.Fatalf("unexpected attributes %v", attrs)
	}
	record, ok, err := f.engine.ClaimRecord([32]byte{1})
	if err != nil || !ok || record.Amount.Int64() != 100_000 || record.Claimant != alice {
		t.Fatalf("claim record: %+v %v %v", record, ok, err)
	}
}

func TestClaimNativePegTruncates(t *testing.T) {
	f := newFixture(t)
	receipt, err := f.engine.Claim(context.Background(), f.voucher(alice, 100, AssetNative, 300_000_000_000, 2))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if receipt.Amount.Cmp(big.NewInt(3_333_333_333_333)) != 0 {
		t.Fatalf("expected 3333333333333, got %s", receipt.Amount)
	}
	bal, err := f.ledger.NativeBalance(context.Background(), alice)
	if err != nil || bal.Cmp(receipt.Amount) != 0 {
		t.Fatalf("native balance %s %v", bal, err)
	}
}

func TestClaimIDIsSingleUse(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.Claim(context.Background(), f.voucher(alice, 1000, AssetUSDC, 0, 3)); err != nil {
		t.Fatalf("claim: %v", err)
	}
	// Same id with different parameters, properly signed.
	second := f.voucher(bob, 5000, AssetUSDT, 0, 3)
	_, err := f.engine.Claim(context.Background(), second)
	if !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("expected ErrAlreadyClaimed, got %v", err)
	}
	if KindOf(err) != KindConflict || Code(err) != "AlreadyClaimed" {
		t.Fatalf("unexpected classification %s %s", KindOf(err), Code(err))
	}
	if got := f.tokenBalance(f.usdt, bob); got != 0 {
		t.Fatalf("replayed claim moved funds: %d", got)
	}
}

func TestSignatureBindsEveryField(t *testing.T) {
	f := newFixture(t)
	base := f.voucher(alice, 1000, AssetUSDC, 1, 4)
	mutations := map[string]func(*ClaimRequest){
		"claimant":    func(r *ClaimRequest) { r.Claimant = bob },
		"entitlement": func(r *ClaimRequest) { r.Entitlement = big.NewInt(2000) },
		"asset":       func(r *ClaimRequest) { r.Asset = AssetUSDT },
		"price":       func(r *ClaimRequest) { r.Price = big.NewInt(2) },
		"claim id":    func(r *ClaimRequest) { r.ClaimID = [32]byte{5} },
	}
	for name, mutate := range mutations {
		req := base
		mutate(&req)
		_, err := f.engine.Claim(context.Background(), req)
		if !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("%s: expected ErrInvalidSignature, got %v", name, err)
		}
		if KindOf(err) != KindAuthorization {
			t.Fatalf("%s: unexpected kind %s", name, KindOf(err))
		}
	}
	if f.claimed(4) || f.claimed(5) {
		t.Fatalf("rejected claims consumed an id")
	}
	if _, err := f.engine.Claim(context.Background(), base); err != nil {
		t.Fatalf("original voucher should still settle: %v", err)
	}
}

func TestClaimRejectsForeignDomainAndMalformedSignature(t *testing.T) {
	f := newFixture(t)
	req := ClaimRequest{Claimant: alice, Entitlement: big.NewInt(1000), Asset: AssetUSDC, Price: big.NewInt(0), ClaimID: [32]byte{6}}
	foreign := f.engine.Domain()
	foreign.ChainID++
	sig, err := SignClaim(f.authority, foreign, req)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req.Signature = sig
	if _, err := f.engine.Claim(context.Background(), req); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected foreign domain to fail, got %v", err)
	}
	for _, bad := range [][]byte{nil, make([]byte, 64), make([]byte, 65), make([]byte, 66)} {
		req.Signature = bad
		if _, err := f.engine.Claim(context.Background(), req); !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("expected malformed signature (%d bytes) to fail, got %v", len(bad), err)
		}
	}
	other, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	req.Signature, err = SignClaim(other, f.engine.Domain(), req)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := f.engine.Claim(context.Background(), req); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected non-authority signer to fail, got %v", err)
	}
}

func TestClaimValidation(t *testing.T) {
	f := newFixture(t)
	cases := map[string]struct {
		req  ClaimRequest
		want error
	}{
		"off step":       {f.voucher(alice, 150, AssetUSDC, 0, 7), ErrInvalidAmount},
		"zero claimant":  {f.voucher([20]byte{}, 1000, AssetUSDC, 0, 7), ErrInvalidAddress},
		"unknown asset":  {f.voucher(alice, 1000, AssetUnknown, 0, 7), ErrInvalidAssetType},
		"bad price":      {f.voucher(alice, 1000, AssetNative, 0, 7), ErrInvalidPrice},
		"unsigned valid": {ClaimRequest{Claimant: alice, Entitlement: big.NewInt(100), Asset: AssetUSDC, ClaimID: [32]byte{7}}, ErrInvalidSignature},
	}
	for name, tc := range cases {
		_, err := f.engine.Claim(context.Background(), tc.req)
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", name, tc.want, err)
		}
	}
	if f.claimed(7) {
		t.Fatalf("validation failure consumed the id")
	}
}

func TestTierClaims(t *testing.T) {
	f := newFixture(t)
	receipt, err := f.engine.ClaimTier(context.Background(), f.drop(alice, 1, 0x10))
	if err != nil {
		t.Fatalf("tier claim: %v", err)
	}
	if receipt.Amount.Int64() != 10_000_000 || receipt.Asset != AssetUSDC || receipt.Tier != 1 {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	if got := f.tokenBalance(f.usdc, alice); got != 10_000_000 {
		t.Fatalf("claimant balance %d", got)
	}
	if _, err := f.engine.ClaimTier(context.Background(), f.drop(alice, 3, 0x10)); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("expected second claim in campaign to fail, got %v", err)
	}
	if _, err := f.engine.ClaimTier(context.Background(), f.drop(bob, 2, 0x10)); err != nil {
		t.Fatalf("other claimant in same campaign: %v", err)
	}
	if _, err := f.engine.ClaimTier(context.Background(), f.drop(alice, 3, 0x11)); err != nil {
		t.Fatalf("same claimant in new campaign: %v", err)
	}
	ok, err := f.engine.IsTierClaimed([32]byte{0x10}, alice)
	if err != nil || !ok {
		t.Fatalf("is tier claimed: %v %v", ok, err)
	}
	types := f.recorder.Types()
	if len(types) != 3 || types[0] != events.TypeTierClaimed {
		t.Fatalf("unexpected events %v", types)
	}
}

func TestTierOutOfRangeFailsBeforeSignature(t *testing.T) {
	f := newFixture(t)
	// Garbage signature: an out-of-range tier is reported as InvalidAmount
	// regardless.
	req := TierClaimRequest{Claimant: alice, Tier: 4, CampaignID: [32]byte{0x20}, Signature: []byte{0x01}}
	_, err := f.engine.ClaimTier(context.Background(), req)
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	signed := f.drop(alice, 0, 0x20)
	if _, err := f.engine.ClaimTier(context.Background(), signed); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected tier 0 to fail, got %v", err)
	}
	ok, _ := f.engine.IsTierClaimed([32]byte{0x20}, alice)
	if ok {
		t.Fatalf("invalid tier consumed the campaign slot")
	}
}

func TestPauseGatesClaimsOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.voucher(alice, 1000, AssetUSDC, 0, 8)

	if err := f.engine.Pause(ctx, stranger); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected non-owner pause to fail, got %v", err)
	}
	if err := f.engine.Pause(ctx, ownerAddr); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !f.engine.Paused() {
		t.Fatalf("engine should report paused")
	}
	if err := f.engine.Pause(ctx, ownerAddr); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected double pause to fail, got %v", err)
	}

	_, err := f.engine.Claim(ctx, req)
	if !errors.Is(err, ErrPaused) || !errors.Is(err, common.ErrModulePaused) {
		t.Fatalf("expected ErrPaused, got %v", err)
	}
	if KindOf(err) != KindOperational || Code(err) != "Paused" {
		t.Fatalf("unexpected classification %s %s", KindOf(err), Code(err))
	}
	// Even an invalid request reports the pause first.
	if _, err := f.engine.ClaimTier(ctx, TierClaimRequest{Tier: 9}); !errors.Is(err, ErrPaused) {
		t.Fatalf("expected paused tier claim, got %v", err)
	}
	if f.claimed(8) {
		t.Fatalf("paused claim consumed an id")
	}

	if err := f.engine.Withdraw(ctx, ownerAddr, AssetUSDC, big.NewInt(1), [20]byte{}); err != nil {
		t.Fatalf("withdraw while paused: %v", err)
	}
	if err := f.engine.Unpause(ctx, ownerAddr); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if _, err := f.engine.Claim(ctx, req); err != nil {
		t.Fatalf("claim after unpause: %v", err)
	}
	if err := f.engine.Unpause(ctx, ownerAddr); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected double unpause to fail, got %v", err)
	}
	types := f.recorder.Types()
	want := []string{events.TypePaused, events.TypeWithdrawn, events.TypeUnpaused, events.TypeClaimed}
	if len(types) != len(want) {
		t.Fatalf("unexpected events %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("unexpected events %v", types)
		}
	}
}

func TestFailedDisbursementLeavesIDUnclaimed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The engine holds no USDT.
	req := f.voucher(alice, 1000, AssetUSDT, 0, 9)
	_, err := f.engine.Claim(ctx, req)
	if !errors.Is(err, ErrInsufficientBalance) || KindOf(err) != KindSolvency {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if f.claimed(9) {
		t.Fatalf("insufficient balance consumed the id")
	}
	if err := f.usdt.Mint(engineAddr, big.NewInt(100_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := f.engine.Claim(ctx, req); err != nil {
		t.Fatalf("retry after funding: %v", err)
	}

	f.usdc.SetRejectTransfers(true)
	_, err = f.engine.Claim(ctx, f.voucher(alice, 1000, AssetUSDC, 0, 10))
	if !errors.Is(err, ErrTransferFailed) || KindOf(err) != KindTransfer {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	if f.claimed(10) {
		t.Fatalf("rejected transfer consumed the id")
	}
	f.usdc.SetRejectTransfers(false)

	f.ledger.SetReceiver(bob, func(context.Context, [20]byte, [20]byte, *big.Int) error {
		return errors.New("no receive function")
	})
	_, err = f.engine.Claim(ctx, f.voucher(bob, 100, AssetNative, 300_000_000_000, 11))
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected native send failure to be fatal, got %v", err)
	}
	if f.claimed(11) {
		t.Fatalf("failed native send consumed the id")
	}
	for _, typ := range f.recorder.Types() {
		if typ != events.TypeClaimed {
			t.Fatalf("unexpected event %s", typ)
		}
	}
	if len(f.recorder.Types()) != 1 {
		t.Fatalf("failed claims emitted events: %v", f.recorder.Types())
	}
}

func TestReentrantClaimRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	outer := f.voucher(alice, 1000, AssetUSDC, 0, 12)
	inner := f.voucher(alice, 1000, AssetUSDC, 0, 13)

	var innerErr error
	var markedDuringTransfer bool
	f.usdc.SetHook(func(ctx context.Context, _, _ [20]byte, _ *big.Int) error {
		markedDuringTransfer, _ = f.engine.IsClaimed(outer.ClaimID)
		_, innerErr = f.engine.Claim(ctx, inner)
		return nil
	})
	if _, err := f.engine.Claim(ctx, outer); err != nil {
		t.Fatalf("outer claim: %v", err)
	}
	if !errors.Is(innerErr, ErrReentrantCall) || KindOf(innerErr) != KindOperational {
		t.Fatalf("expected ErrReentrantCall, got %v", innerErr)
	}
	if !markedDuringTransfer {
		t.Fatalf("claim id must be consumed before funds move")
	}
	if f.claimed(13) {
		t.Fatalf("re-entered claim settled")
	}

	// A hook that aborts on re-entry fails the outer transfer and rolls back.
	f.usdc.SetHook(func(ctx context.Context, _, _ [20]byte, _ *big.Int) error {
		_, err := f.engine.Claim(ctx, inner)
		return err
	})
	if _, err := f.engine.Claim(ctx, f.voucher(alice, 1000, AssetUSDC, 0, 14)); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	if f.claimed(14) {
		t.Fatalf("aborted transfer left the id consumed")
	}
	f.usdc.SetHook(nil)
	if _, err := f.engine.Claim(ctx, inner); err != nil {
		t.Fatalf("inner voucher should settle outside a transfer: %v", err)
	}
}

// awaitSettled fails the test when run does not return in time.
func awaitSettled(t *testing.T, what string, run func() error) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- run() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("%s: %v", what, err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("%s did not return while its recipient called back into the engine", what)
	}
}

func TestCallbackOnFreshContextDuringTransfer(t *testing.T) {
	f := newFixture(t)
	outer := f.voucher(alice, 1000, AssetUSDC, 0, 30)
	inner := f.voucher(bob, 1000, AssetUSDC, 0, 31)

	var called bool
	var replayErr, innerErr, pauseErr error
	f.usdc.SetHook(func(_ context.Context, _, _ [20]byte, _ *big.Int) error {
		if called {
			return nil
		}
		called = true
		fresh := context.Background()
		_, replayErr = f.engine.Claim(fresh, outer)
		_, innerErr = f.engine.Claim(fresh, inner)
		pauseErr = f.engine.Pause(fresh, ownerAddr)
		return nil
	})
	awaitSettled(t, "outer claim", func() error {
		_, err := f.engine.Claim(context.Background(), outer)
		return err
	})
	if !errors.Is(replayErr, ErrAlreadyClaimed) {
		t.Fatalf("replay during transfer: expected ErrAlreadyClaimed, got %v", replayErr)
	}
	if innerErr != nil {
		t.Fatalf("independent voucher during transfer: %v", innerErr)
	}
	if pauseErr != nil {
		t.Fatalf("pause during transfer: %v", pauseErr)
	}
	if !f.claimed(30) || !f.claimed(31) {
		t.Fatalf("both vouchers should be consumed")
	}
	if !f.engine.Paused() {
		t.Fatalf("pause issued during the transfer was lost")
	}
	if f.tokenBalance(f.usdc, alice) == 0 || f.tokenBalance(f.usdc, bob) == 0 {
		t.Fatalf("payouts missing: alice=%d bob=%d", f.tokenBalance(f.usdc, alice), f.tokenBalance(f.usdc, bob))
	}
}

func TestCallbackFailureAfterFreshContextReentry(t *testing.T) {
	f := newFixture(t)
	outer := f.voucher(alice, 1000, AssetUSDC, 0, 32)

	var called bool
	f.usdc.SetHook(func(_ context.Context, _, _ [20]byte, _ *big.Int) error {
		if called {
			return nil
		}
		called = true
		if err := f.engine.Pause(context.Background(), ownerAddr); err != nil {
			return err
		}
		return errors.New("recipient refused")
	})
	done := make(chan error, 1)
	go func() {
		_, err := f.engine.Claim(context.Background(), outer)
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, ErrTransferFailed) {
			t.Fatalf("expected ErrTransferFailed, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("failed transfer did not return")
	}
	if f.claimed(32) {
		t.Fatalf("refused transfer left the id consumed")
	}
	if !f.engine.Paused() {
		t.Fatalf("pause committed by the recipient was rolled back")
	}
}

func TestWithdrawCallbackOnFreshContext(t *testing.T) {
	f := newFixture(t)
	var called bool
	var nestedErr error
	f.usdc.SetHook(func(_ context.Context, _, _ [20]byte, _ *big.Int) error {
		if called {
			return nil
		}
		called = true
		nestedErr = f.engine.Withdraw(context.Background(), ownerAddr, AssetUSDC, big.NewInt(100), bob)
		return nil
	})
	awaitSettled(t, "withdraw", func() error {
		return f.engine.Withdraw(context.Background(), ownerAddr, AssetUSDC, big.NewInt(250), bob)
	})
	if nestedErr != nil {
		t.Fatalf("nested withdraw: %v", nestedErr)
	}
	if got := f.tokenBalance(f.usdc, bob); got != 350 {
		t.Fatalf("bob balance %d, want 350", got)
	}
}

func TestConcurrentClaimsForSameID(t *testing.T) {
	f := newFixture(t)
	req := f.voucher(alice, 1000, AssetUSDC, 0, 15)

	const workers = 16
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Claim(context.Background(), req)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var successes, conflicts int
	for err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrAlreadyClaimed):
			conflicts++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if successes != 1 || conflicts != workers-1 {
		t.Fatalf("expected exactly one success, got %d successes and %d conflicts", successes, conflicts)
	}
	if got := f.tokenBalance(f.usdc, alice); got != 100_000 {
		t.Fatalf("claimant paid %d", got)
	}
}

func TestAdminRequiresOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	checks := map[string]error{
		"rotate":   f.engine.RotateSigner(ctx, stranger, bob),
		"asset":    f.engine.SetAssetAddress(ctx, stranger, AssetUSDT, bob),
		"pause":    f.engine.Pause(ctx, stranger),
		"unpause":  f.engine.Unpause(ctx, stranger),
		"withdraw": f.engine.Withdraw(ctx, stranger, AssetUSDC, big.NewInt(1), stranger),
		"owner":    f.engine.TransferOwnership(ctx, stranger, stranger),
		"zero":     f.engine.RotateSigner(ctx, [20]byte{}, bob),
	}
	for name, err := range checks {
		if !errors.Is(err, ErrUnauthorized) || KindOf(err) != KindAdminAuthorization {
			t.Fatalf("%s: expected ErrUnauthorized, got %v", name, err)
		}
	}
	if got := f.tokenBalance(f.usdc, stranger); got != 0 {
		t.Fatalf("unauthorised withdraw moved funds")
	}
	if len(f.recorder.Types()) != 0 {
		t.Fatalf("rejected admin calls emitted events: %v", f.recorder.Types())
	}
}

func TestRotateSigner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stale := f.voucher(alice, 1000, AssetUSDC, 0, 16)

	next, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	if err := f.engine.RotateSigner(ctx, ownerAddr, [20]byte{}); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected zero signer to fail, got %v", err)
	}
	previous := f.authority.PubKey().Address().Raw()
	if err := f.engine.RotateSigner(ctx, ownerAddr, next.PubKey().Address().Raw()); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if _, err := f.engine.Claim(ctx, stale); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected stale signature to fail, got %v", err)
	}
	f.authority = next
	if _, err := f.engine.Claim(ctx, f.voucher(alice, 1000, AssetUSDC, 0, 16)); err != nil {
		t.Fatalf("claim with rotated signer: %v", err)
	}
	evt := f.recorder.Events()[0]
	if evt.EventType() != events.TypeSignerRotated {
		t.Fatalf("unexpected event %s", evt.EventType())
	}
	attrs := evt.Event().Attributes
	if attrs["previous"] != crypto.FromRaw(previous).String() || attrs["current"] != crypto.FromRaw(next.PubKey().Address().Raw()).String() {
		t.Fatalf("rotation event lacks old/new values: %v", attrs)
	}
}

func TestSetAssetAddress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.engine.SetAssetAddress(ctx, ownerAddr, AssetNative, bob); !errors.Is(err, ErrInvalidAssetType) {
		t.Fatalf("expected native asset to be rejected, got %v", err)
	}
	if err := f.engine.SetAssetAddress(ctx, ownerAddr, Asset(7), bob); !errors.Is(err, ErrInvalidAssetType) {
		t.Fatalf("expected unknown asset to be rejected, got %v", err)
	}
	if err := f.engine.SetAssetAddress(ctx, ownerAddr, AssetUSDT, [20]byte{}); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected zero address to be rejected, got %v", err)
	}

	replacement := [20]byte{0xC3}
	token := f.ledger.RegisterToken(replacement, "USDT", 6)
	if err := token.Mint(engineAddr, big.NewInt(500_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := f.engine.SetAssetAddress(ctx, ownerAddr, AssetUSDT, replacement); err != nil {
		t.Fatalf("set asset: %v", err)
	}
	handle, err := f.engine.AssetHandle(AssetUSDT)
	if err != nil || handle.Address != replacement || handle.Kind != HandleFungible {
		t.Fatalf("registry not updated: %+v %v", handle, err)
	}
	if _, err := f.engine.Claim(ctx, f.voucher(alice, 1000, AssetUSDT, 0, 17)); err != nil {
		t.Fatalf("claim against new address: %v", err)
	}
	if got := f.tokenBalance(token, alice); got != 100_000 {
		t.Fatalf("claimant paid %d from new token", got)
	}
	attrs := f.recorder.Events()[0].Event().Attributes
	if attrs["previous"] != crypto.FromRaw(usdtAddr).String() || attrs["current"] != crypto.FromRaw(replacement).String() {
		t.Fatalf("asset event lacks old/new values: %v", attrs)
	}
}

func TestWithdraw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.engine.Withdraw(ctx, ownerAddr, AssetUSDC, big.NewInt(250), bob); err != nil {
		t.Fatalf("withdraw to recipient: %v", err)
	}
	if err := f.engine.Withdraw(ctx, ownerAddr, AssetUSDC, big.NewInt(750), [20]byte{}); err != nil {
		t.Fatalf("withdraw to owner: %v", err)
	}
	if f.tokenBalance(f.usdc, bob) != 250 || f.tokenBalance(f.usdc, ownerAddr) != 750 {
		t.Fatalf("withdrawals misrouted")
	}
	wei := big.NewInt(1_000_000)
	if err := f.engine.Withdraw(ctx, ownerAddr, AssetNative, wei, bob); err != nil {
		t.Fatalf("native withdraw: %v", err)
	}
	if bal, _ := f.ledger.NativeBalance(ctx, bob); bal.Cmp(wei) != 0 {
		t.Fatalf("native withdraw not credited: %s", bal)
	}
	if err := f.engine.Withdraw(ctx, ownerAddr, AssetUSDT, big.NewInt(1), bob); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if err := f.engine.Withdraw(ctx, ownerAddr, AssetUSDC, big.NewInt(0), bob); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	balance, err := f.engine.Balance(ctx, AssetUSDC)
	if err != nil || balance.Int64() != 1_000_000_000-1000 {
		t.Fatalf("engine balance %s %v", balance, err)
	}
	evt := f.recorder.Events()[1].Event().Attributes
	if evt["recipient"] != crypto.FromRaw(ownerAddr).String() || evt["amount"] != "750" {
		t.Fatalf("withdraw event %v", evt)
	}
}

func TestTransferOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.engine.TransferOwnership(ctx, ownerAddr, [20]byte{}); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected zero owner to fail, got %v", err)
	}
	if err := f.engine.TransferOwnership(ctx, ownerAddr, bob); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if err := f.engine.Pause(ctx, ownerAddr); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("previous owner kept rights: %v", err)
	}
	if err := f.engine.Pause(ctx, bob); err != nil {
		t.Fatalf("new owner pause: %v", err)
	}
	owner, err := f.engine.Owner()
	if err != nil || owner != bob {
		t.Fatalf("owner %x %v", owner, err)
	}
}

func TestEngineRestoresPersistedState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.engine.Claim(ctx, f.voucher(alice, 1000, AssetUSDC, 0, 18)); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := f.engine.Pause(ctx, ownerAddr); err != nil {
		t.Fatalf("pause: %v", err)
	}
	restarted := f.open(Config{Owner: stranger, Signer: stranger})
	owner, _ := restarted.Owner()
	if owner != ownerAddr {
		t.Fatalf("restart overwrote owner")
	}
	if !restarted.Paused() {
		t.Fatalf("restart lost pause state")
	}
	ok, err := restarted.IsClaimed([32]byte{18})
	if err != nil || !ok {
		t.Fatalf("restart lost claim record: %v %v", ok, err)
	}
	status, err := restarted.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !status.Paused || status.Assets[AssetUSDC].Address != usdcAddr || status.Balances[AssetNative] == nil {
		t.Fatalf("unexpected snapshot %+v", status)
	}
}

func TestNewEngineValidatesConfig(t *testing.T) {
	db := storage.NewMemDB()
	ledger := bank.NewLedger(db)
	cases := map[string]Config{
		"no address": {Owner: ownerAddr, Signer: bob},
		"no owner":   {Address: engineAddr, Signer: bob},
		"no signer":  {Address: engineAddr, Owner: ownerAddr},
		"native reg": {Address: engineAddr, Owner: ownerAddr, Signer: bob, Assets: map[Asset][20]byte{AssetNative: bob}},
		"bad drop":   {Address: engineAddr, Owner: ownerAddr, Signer: bob, DropAsset: Asset(9)},
	}
	for name, cfg := range cases {
		if _, err := NewEngine(db, ledger, cfg); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if _, err := NewEngine(nil, ledger, Config{}); err == nil {
		t.Fatalf("expected nil database to fail")
	}
}

func TestEngineComputeViews(t *testing.T) {
	f := newFixture(t)
	amount, err := f.engine.ComputePayout(big.NewInt(1000), AssetUSDC, nil)
	if err != nil || amount.Int64() != 100_000 {
		t.Fatalf("compute: %s %v", amount, err)
	}
	tier, err := f.engine.ComputeTierPayout(2)
	if err != nil || tier.Int64() != 5_000_000 {
		t.Fatalf("tier: %s %v", tier, err)
	}
	if f.engine.DropAsset() != AssetUSDC {
		t.Fatalf("unexpected drop asset")
	}
}

func TestKindOfUnknownError(t *testing.T) {
	if KindOf(errors.New("disk on fire")) != KindInternal || Code(errors.New("x")) != "Internal" {
		t.Fatalf("unknown errors must be internal")
	}
	if KindOf(nil) != KindNone || Code(nil) != "" {
		t.Fatalf("nil error must have no kind")
	}
}
