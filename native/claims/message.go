package claims

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"claimengine/crypto"
)

var (
	// VoucherDomainV1 separates continuous-conversion vouchers from every
	// other message the authority signs.
	VoucherDomainV1 = ethcrypto.Keccak256([]byte("CLAIMENGINE_VOUCHER_V1"))
	// DropDomainV1 separates tiered drop authorisations.
	DropDomainV1 = ethcrypto.Keccak256([]byte("CLAIMENGINE_DROP_V1"))
)

// Domain binds signatures to one deployment of the engine.
type Domain struct {
	ChainID uint64
	Engine  [20]byte
}

const (
	wordSize          = 32
	voucherMessageLen = wordSize + wordSize + 20 + 20 + wordSize + 1 + wordSize + wordSize
	dropMessageLen    = wordSize + wordSize + 20 + 20 + 1 + wordSize
)

// word encodes v as a 32-byte big-endian word. Negative or oversized values
// cannot be represented and are rejected rather than truncated.
func word(v *big.Int) ([wordSize]byte, error) {
	var out [wordSize]byte
	if v == nil {
		return out, nil
	}
	if v.Sign() < 0 || v.BitLen() > 256 {
		return out, fmt.Errorf("value %s does not fit in 256 bits", v)
	}
	v.FillBytes(out[:])
	return out, nil
}

func (d Domain) header(tag []byte, buf []byte) []byte {
	buf = append(buf, tag...)
	var chain [wordSize]byte
	binary.BigEndian.PutUint64(chain[wordSize-8:], d.ChainID)
	buf = append(buf, chain[:]...)
	return append(buf, d.Engine[:]...)
}

// VoucherMessage is the packed encoding the authority signs for a
// continuous-conversion claim. Every field has a fixed width so no two field
// tuples share an encoding.
func VoucherMessage(d Domain, req ClaimRequest) ([]byte, error) {
	entitlement, err := word(req.Entitlement)
	if err != nil {
		return nil, fmt.Errorf("%w: entitlement: %v", ErrInvalidAmount, err)
	}
	price, err := word(req.Price)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrice, err)
	}
	buf := make([]byte, 0, voucherMessageLen)
	buf = d.header(VoucherDomainV1, buf)
	buf = append(buf, req.Claimant[:]...)
	buf = append(buf, entitlement[:]...)
	buf = append(buf, byte(req.Asset))
	buf = append(buf, price[:]...)
	buf = append(buf, req.ClaimID[:]...)
	return buf, nil
}

// DropMessage is the packed encoding signed for a tiered drop claim.
func DropMessage(d Domain, req TierClaimRequest) []byte {
	buf := make([]byte, 0, dropMessageLen)
	buf = d.header(DropDomainV1, buf)
	buf = append(buf, req.Claimant[:]...)
	buf = append(buf, req.Tier)
	return append(buf, req.CampaignID[:]...)
}

// signedDigest hashes the message and applies the personal-message prefix,
// i.e. keccak256("\x19Ethereum Signed Message:\n32" || keccak256(message)).
func signedDigest(message []byte) []byte {
	return accounts.TextHash(ethcrypto.Keccak256(message))
}

// VoucherDigest returns the digest the authority signs for req.
func VoucherDigest(d Domain, req ClaimRequest) ([]byte, error) {
	msg, err := VoucherMessage(d, req)
	if err != nil {
		return nil, err
	}
	return signedDigest(msg), nil
}

// DropDigest returns the digest the authority signs for req.
func DropDigest(d Domain, req TierClaimRequest) []byte {
	return signedDigest(DropMessage(d, req))
}

func sign(key *crypto.PrivateKey, digest []byte) ([]byte, error) {
	if key == nil || key.PrivateKey == nil {
		return nil, fmt.Errorf("claims: signing key required")
	}
	sig, err := ethcrypto.Sign(digest, key.PrivateKey)
	if err != nil {
		return nil, err
	}
	// Emit the 27/28 recovery id used by wallet personal_sign.
	sig[64] += 27
	return sig, nil
}

// SignClaim produces the authority signature for a continuous-conversion claim.
func SignClaim(key *crypto.PrivateKey, d Domain, req ClaimRequest) ([]byte, error) {
	digest, err := VoucherDigest(d, req)
	if err != nil {
		return nil, err
	}
	return sign(key, digest)
}

// SignTierClaim produces the authority signature for a tiered drop claim.
func SignTierClaim(key *crypto.PrivateKey, d Domain, req TierClaimRequest) ([]byte, error) {
	return sign(key, DropDigest(d, req))
}
