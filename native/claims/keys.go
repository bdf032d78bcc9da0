package claims

import "strings"

var (
	ownerKey      = []byte("claims/owner")
	signerKey     = []byte("claims/signer")
	pausedKey     = []byte("claims/paused")
	assetPrefix   = []byte("claims/asset/")
	voucherPrefix = []byte("claims/voucher/")
	dropPrefix    = []byte("claims/drop/")
)

func assetKey(asset Asset) []byte {
	name := strings.ToLower(asset.String())
	buf := make([]byte, len(assetPrefix)+len(name))
	copy(buf, assetPrefix)
	copy(buf[len(assetPrefix):], name)
	return buf
}

func voucherKey(id [32]byte) []byte {
	buf := make([]byte, len(voucherPrefix)+len(id))
	copy(buf, voucherPrefix)
	copy(buf[len(voucherPrefix):], id[:])
	return buf
}

func dropKey(campaign [32]byte, claimant [20]byte) []byte {
	buf := make([]byte, len(dropPrefix)+len(campaign)+len(claimant))
	copy(buf, dropPrefix)
	copy(buf[len(dropPrefix):], campaign[:])
	copy(buf[len(dropPrefix)+len(campaign):], claimant[:])
	return buf
}
