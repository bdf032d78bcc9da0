package claims

import (
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// RecoverSigner recovers the address that produced sig over digest. Signatures
// must be 65 bytes r||s||v with v in {0,1,27,28} and a low-s value.
func RecoverSigner(digest, sig []byte) ([20]byte, error) {
	var out [20]byte
	if len(digest) != 32 || len(sig) != ethcrypto.SignatureLength {
		return out, ErrInvalidSignature
	}
	normalized := append([]byte(nil), sig...)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	v := normalized[64]
	if v > 1 {
		return out, ErrInvalidSignature
	}
	r := new(big.Int).SetBytes(normalized[:32])
	s := new(big.Int).SetBytes(normalized[32:64])
	if !ethcrypto.ValidateSignatureValues(v, r, s, true) {
		return out, ErrInvalidSignature
	}
	pub, err := ethcrypto.SigToPub(digest, normalized)
	if err != nil {
		return out, ErrInvalidSignature
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// verifier checks authority signatures against the configured signer.
type verifier struct {
	domain Domain
}

func (v verifier) verifyVoucher(signer [20]byte, req ClaimRequest) error {
	digest, err := VoucherDigest(v.domain, req)
	if err != nil {
		return err
	}
	return v.check(signer, digest, req.Signature)
}

func (v verifier) verifyDrop(signer [20]byte, req TierClaimRequest) error {
	return v.check(signer, DropDigest(v.domain, req), req.Signature)
}

func (v verifier) check(signer [20]byte, digest, sig []byte) error {
	if signer == ([20]byte{}) {
		return ErrInvalidSignature
	}
	recovered, err := RecoverSigner(digest, sig)
	if err != nil {
		return err
	}
	if recovered != signer {
		return ErrInvalidSignature
	}
	return nil
}
