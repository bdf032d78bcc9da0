package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"
	"time"

	"claimengine/cmd/internal/passphrase"
	"claimengine/crypto"
	"claimengine/native/claims"
	"claimengine/services/claimd"
)

const passphraseEnv = "CLAIMCTL_PASSPHRASE"

type keyFlags struct {
	source crypto.KeySource
}

func (k *keyFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&k.source.Hex, "key", "", "hex encoded authority key")
	fs.StringVar(&k.source.Env, "key-env", "", "environment variable holding the hex key")
	fs.StringVar(&k.source.File, "key-file", "", "file holding the hex key")
	fs.StringVar(&k.source.Keystore, "keystore", "", "encrypted keystore file")
}

func (k *keyFlags) load() (*crypto.PrivateKey, error) {
	return k.source.Load(passphrase.NewSource(passphraseEnv, "authority").Get)
}

type domainFlags struct {
	chainID uint64
	engine  string
}

func (d *domainFlags) register(fs *flag.FlagSet) {
	fs.Uint64Var(&d.chainID, "chain-id", 0, "chain id bound into the signature")
	fs.StringVar(&d.engine, "engine", "", "engine address bound into the signature")
}

func (d *domainFlags) domain() (claims.Domain, error) {
	if d.chainID == 0 {
		return claims.Domain{}, fmt.Errorf("--chain-id is required")
	}
	engine, err := crypto.ParseAddress(d.engine)
	if err != nil {
		return claims.Domain{}, fmt.Errorf("--engine: %w", err)
	}
	return claims.Domain{ChainID: d.chainID, Engine: engine}, nil
}

const (
	entitlementUsage = "entitlement units (points, 1 point = $0.0001)"
	priceUsage       = "USD price of the native asset with 8 decimals (300000000000 = 3000.00000000)"
)

type voucherFlags struct {
	claimant    string
	entitlement string
	asset       string
	price       string
	claimID     string
}

func (v *voucherFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&v.claimant, "claimant", "", "claimant address")
	fs.StringVar(&v.entitlement, "entitlement", "", entitlementUsage)
	fs.StringVar(&v.asset, "asset", "USDC", "payout asset (NATIVE, USDC, USDT)")
	fs.StringVar(&v.price, "price", "0", priceUsage)
	fs.StringVar(&v.claimID, "claim-id", "", "32 byte claim id as hex")
}

func (v *voucherFlags) request() (claims.ClaimRequest, error) {
	var req claims.ClaimRequest
	var err error
	if req.Claimant, err = crypto.ParseAddress(v.claimant); err != nil {
		return req, fmt.Errorf("--claimant: %w", err)
	}
	if req.Entitlement, err = parseInt(v.entitlement); err != nil {
		return req, fmt.Errorf("--entitlement: %w", err)
	}
	if req.Asset, err = claims.ParseAsset(v.asset); err != nil {
		return req, err
	}
	if req.Price, err = parseInt(v.price); err != nil {
		return req, fmt.Errorf("--price: %w", err)
	}
	if req.ClaimID, err = parseID(v.claimID); err != nil {
		return req, fmt.Errorf("--claim-id: %w", err)
	}
	return req, nil
}

func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var keystorePath string
	fs.StringVar(&keystorePath, "keystore", "", "write the key to an encrypted keystore instead of printing it")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return fail(stderr, err)
	}
	addr := key.PubKey().Address()
	out := map[string]string{"address": addr.String(), "hex": addr.Hex()}
	if keystorePath != "" {
		pass, err := passphrase.NewSource(passphraseEnv, "new keystore").Get()
		if err != nil {
			return fail(stderr, err)
		}
		if err := crypto.SaveToKeystore(keystorePath, key, pass); err != nil {
			return fail(stderr, err)
		}
		out["keystore"] = keystorePath
	} else {
		out["private_key"] = hex.EncodeToString(key.Bytes())
	}
	return emit(stdout, stderr, out)
}

func runSign(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("sign", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var keys keyFlags
	var dom domainFlags
	var voucher voucherFlags
	keys.register(fs)
	dom.register(fs)
	voucher.register(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	domain, err := dom.domain()
	if err != nil {
		return fail(stderr, err)
	}
	req, err := voucher.request()
	if err != nil {
		return fail(stderr, err)
	}
	key, err := keys.load()
	if err != nil {
		return fail(stderr, err)
	}
	sig, err := claims.SignClaim(key, domain, req)
	if err != nil {
		return fail(stderr, err)
	}
	return emit(stdout, stderr, map[string]string{
		"claimant":    crypto.FromRaw(req.Claimant).String(),
		"entitlement": req.Entitlement.String(),
		"asset":       req.Asset.String(),
		"price":       req.Price.String(),
		"claim_id":    "0x" + hex.EncodeToString(req.ClaimID[:]),
		"signature":   "0x" + hex.EncodeToString(sig),
	})
}

func runSignTier(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("sign-tier", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var keys keyFlags
	var dom domainFlags
	var claimant, campaign string
	var tier uint
	keys.register(fs)
	dom.register(fs)
	fs.StringVar(&claimant, "claimant", "", "claimant address")
	fs.UintVar(&tier, "tier", 0, "drop tier (1-3)")
	fs.StringVar(&campaign, "campaign-id", "", "32 byte campaign id as hex")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	domain, err := dom.domain()
	if err != nil {
		return fail(stderr, err)
	}
	if tier > 255 {
		return fail(stderr, fmt.Errorf("--tier out of range"))
	}
	req := claims.TierClaimRequest{Tier: uint8(tier)}
	if req.Claimant, err = crypto.ParseAddress(claimant); err != nil {
		return fail(stderr, fmt.Errorf("--claimant: %w", err))
	}
	if req.CampaignID, err = parseID(campaign); err != nil {
		return fail(stderr, fmt.Errorf("--campaign-id: %w", err))
	}
	key, err := keys.load()
	if err != nil {
		return fail(stderr, err)
	}
	sig, err := claims.SignTierClaim(key, domain, req)
	if err != nil {
		return fail(stderr, err)
	}
	return emit(stdout, stderr, map[string]interface{}{
		"claimant":    crypto.FromRaw(req.Claimant).String(),
		"tier":        req.Tier,
		"campaign_id": "0x" + hex.EncodeToString(req.CampaignID[:]),
		"signature":   "0x" + hex.EncodeToString(sig),
	})
}

func runVerify(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var dom domainFlags
	var voucher voucherFlags
	var signature, expect string
	dom.register(fs)
	voucher.register(fs)
	fs.StringVar(&signature, "signature", "", "65 byte signature as hex")
	fs.StringVar(&expect, "expect", "", "fail unless the recovered signer matches this address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	domain, err := dom.domain()
	if err != nil {
		return fail(stderr, err)
	}
	req, err := voucher.request()
	if err != nil {
		return fail(stderr, err)
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), "0x"))
	if err != nil {
		return fail(stderr, fmt.Errorf("--signature: %w", err))
	}
	digest, err := claims.VoucherDigest(domain, req)
	if err != nil {
		return fail(stderr, err)
	}
	signer, err := claims.RecoverSigner(digest, sig)
	if err != nil {
		return fail(stderr, err)
	}
	if expect != "" {
		want, err := crypto.ParseAddress(expect)
		if err != nil {
			return fail(stderr, fmt.Errorf("--expect: %w", err))
		}
		if want != signer {
			return fail(stderr, fmt.Errorf("signer %s does not match %s", crypto.FromRaw(signer).Hex(), crypto.FromRaw(want).Hex()))
		}
	}
	return emit(stdout, stderr, map[string]string{
		"signer": crypto.FromRaw(signer).String(),
		"hex":    crypto.FromRaw(signer).Hex(),
	})
}

func runQuote(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("quote", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var entitlement, asset, price string
	var tier uint
	fs.StringVar(&entitlement, "entitlement", "", entitlementUsage)
	fs.StringVar(&asset, "asset", "USDC", "payout asset")
	fs.StringVar(&price, "price", "0", priceUsage)
	fs.UintVar(&tier, "tier", 0, "quote a drop tier instead of an entitlement")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if tier != 0 {
		if tier > 255 {
			return fail(stderr, fmt.Errorf("--tier out of range"))
		}
		amount, err := claims.TierPayout(uint8(tier))
		if err != nil {
			return fail(stderr, err)
		}
		return emit(stdout, stderr, map[string]string{"amount": amount.String()})
	}
	value, err := parseInt(entitlement)
	if err != nil {
		return fail(stderr, fmt.Errorf("--entitlement: %w", err))
	}
	parsedAsset, err := claims.ParseAsset(asset)
	if err != nil {
		return fail(stderr, err)
	}
	parsedPrice, err := parseInt(price)
	if err != nil {
		return fail(stderr, fmt.Errorf("--price: %w", err))
	}
	amount, err := claims.ComputePayout(value, parsedAsset, parsedPrice)
	if err != nil {
		return fail(stderr, err)
	}
	return emit(stdout, stderr, map[string]string{"asset": parsedAsset.String(), "amount": amount.String()})
}

func runAdminToken(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("admin-token", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var caller, secretEnv string
	var ttl time.Duration
	fs.StringVar(&caller, "caller", "", "owner address the token authenticates")
	fs.StringVar(&secretEnv, "secret-env", "CLAIMD_JWT_SECRET", "environment variable holding the claimd JWT secret")
	fs.DurationVar(&ttl, "ttl", 15*time.Minute, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	addr, err := crypto.ParseAddress(caller)
	if err != nil {
		return fail(stderr, fmt.Errorf("--caller: %w", err))
	}
	secret := os.Getenv(secretEnv)
	if secret == "" {
		return fail(stderr, fmt.Errorf("%s is not set", secretEnv))
	}
	token, err := claimd.IssueAdminToken(secret, addr, ttl, time.Now())
	if err != nil {
		return fail(stderr, err)
	}
	fmt.Fprintln(stdout, token)
	return 0
}

func parseInt(raw string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", raw)
	}
	return value, nil
}

func parseID(raw string) ([32]byte, error) {
	var out [32]byte
	decoded, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		return out, err
	}
	if len(decoded) != len(out) {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(decoded))
	}
	copy(out[:], decoded)
	return out, nil
}

func emit(stdout, stderr io.Writer, payload interface{}) int {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(payload); err != nil {
		return fail(stderr, err)
	}
	return 0
}

func fail(stderr io.Writer, err error) int {
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}
