package events

import (
	"encoding/hex"
	"math/big"
	"strconv"
	"strings"

	"claimengine/crypto"
)

func normalizeAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return ""
	}
	return strings.ToUpper(trimmed)
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func formatAddress(addr [20]byte) string {
	return crypto.FromRaw(addr).String()
}

func formatID(id [32]byte) string {
	return "0x" + hex.EncodeToString(id[:])
}

func uintToString(v uint64) string {
	return strconv.FormatUint(v, 10)
}
