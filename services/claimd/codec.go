package claimd

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"strings"

	"claimengine/crypto"
	"claimengine/native/claims"
)

type claimRequest struct {
	Claimant    string `json:"claimant"`
	Entitlement string `json:"entitlement"`
	Asset       string `json:"asset"`
	Price       string `json:"price"`
	ClaimID     string `json:"claim_id"`
	Signature   string `json:"signature"`
}

func (r claimRequest) decode() (claims.ClaimRequest, error) {
	var out claims.ClaimRequest
	var err error
	if out.Claimant, err = crypto.ParseAddress(r.Claimant); err != nil {
		return out, fmt.Errorf("%w: claimant: %v", claims.ErrInvalidAddress, err)
	}
	if out.Entitlement, err = parseInteger(r.Entitlement); err != nil {
		return out, fmt.Errorf("%w: entitlement: %v", claims.ErrInvalidAmount, err)
	}
	if out.Asset, err = claims.ParseAsset(r.Asset); err != nil {
		return out, err
	}
	if strings.TrimSpace(r.Price) != "" {
		if out.Price, err = parseInteger(r.Price); err != nil {
			return out, fmt.Errorf("%w: %v", claims.ErrInvalidPrice, err)
		}
	}
	if out.ClaimID, err = parseHash(r.ClaimID); err != nil {
		return out, fmt.Errorf("claim_id: %w", err)
	}
	if out.Signature, err = parseHex(r.Signature); err != nil {
		return out, fmt.Errorf("%w: %v", claims.ErrInvalidSignature, err)
	}
	return out, nil
}

type tierClaimRequest struct {
	Claimant   string `json:"claimant"`
	Tier       int    `json:"tier"`
	CampaignID string `json:"campaign_id"`
	Signature  string `json:"signature"`
}

func (r tierClaimRequest) decode() (claims.TierClaimRequest, error) {
	var out claims.TierClaimRequest
	var err error
	if out.Claimant, err = crypto.ParseAddress(r.Claimant); err != nil {
		return out, fmt.Errorf("%w: claimant: %v", claims.ErrInvalidAddress, err)
	}
	if out.Tier, err = parseTier(r.Tier); err != nil {
		return out, err
	}
	if out.CampaignID, err = parseHash(r.CampaignID); err != nil {
		return out, fmt.Errorf("campaign_id: %w", err)
	}
	if out.Signature, err = parseHex(r.Signature); err != nil {
		return out, fmt.Errorf("%w: %v", claims.ErrInvalidSignature, err)
	}
	return out, nil
}

type quoteRequest struct {
	Entitlement string `json:"entitlement"`
	Asset       string `json:"asset"`
	Price       string `json:"price"`
	Tier        int    `json:"tier"`
}

// parseTier narrows a JSON tier to the engine's range. Out of range tiers are
// an invalid amount like any other unknown tier, not a malformed body.
func parseTier(tier int) (uint8, error) {
	if tier < 0 || tier > math.MaxUint8 {
		return 0, fmt.Errorf("%w: tier %d", claims.ErrInvalidAmount, tier)
	}
	return uint8(tier), nil
}

type receiptResponse struct {
	Claimant    string `json:"claimant"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
	ClaimID     string `json:"claim_id,omitempty"`
	CampaignID  string `json:"campaign_id,omitempty"`
	Tier        uint8  `json:"tier,omitempty"`
	Entitlement string `json:"entitlement,omitempty"`
	Price       string `json:"price,omitempty"`
	SettledAt   int64  `json:"settled_at"`
}

func newReceiptResponse(r *claims.Receipt) receiptResponse {
	out := receiptResponse{
		Claimant:  crypto.FromRaw(r.Claimant).String(),
		Asset:     r.Asset.String(),
		Amount:    r.Amount.String(),
		Tier:      r.Tier,
		SettledAt: r.SettledAt,
	}
	if r.ClaimID != ([32]byte{}) {
		out.ClaimID = formatHash(r.ClaimID)
	}
	if r.CampaignID != ([32]byte{}) {
		out.CampaignID = formatHash(r.CampaignID)
	}
	if r.Entitlement != nil {
		out.Entitlement = r.Entitlement.String()
	}
	if r.Price != nil {
		out.Price = r.Price.String()
	}
	return out
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

// statusForKind maps engine failure categories onto HTTP status codes.
func statusForKind(kind claims.ErrorKind) int {
	switch kind {
	case claims.KindValidation:
		return http.StatusBadRequest
	case claims.KindAuthorization:
		return http.StatusUnauthorized
	case claims.KindConflict:
		return http.StatusConflict
	case claims.KindSolvency:
		return http.StatusUnprocessableEntity
	case claims.KindTransfer:
		return http.StatusBadGateway
	case claims.KindAdminAuthorization:
		return http.StatusForbidden
	case claims.KindOperational:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeEngineError(w http.ResponseWriter, err error) {
	kind := claims.KindOf(err)
	message := err.Error()
	if kind == claims.KindInternal {
		message = "internal error"
	}
	writeJSON(w, statusForKind(kind), errorBody{Error: errorDetail{Code: claims.Code(err), Kind: string(kind), Message: message}})
}

// writeDecodeError reports a malformed request body. Errors already carrying an
// engine classification keep it.
func writeDecodeError(w http.ResponseWriter, err error) {
	if kind := claims.KindOf(err); kind != claims.KindInternal {
		writeEngineError(w, err)
		return
	}
	writeError(w, http.StatusBadRequest, "BadRequest", err.Error())
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func parseInteger(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("value required")
	}
	value, ok := new(big.Int).SetString(raw, 0)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", raw)
	}
	return value, nil
}

func parseHex(raw string) ([]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(raw), "0x"), "0X")
	return hex.DecodeString(trimmed)
}

func parseHash(raw string) ([32]byte, error) {
	var out [32]byte
	decoded, err := parseHex(raw)
	if err != nil {
		return out, err
	}
	if len(decoded) != len(out) {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(decoded))
	}
	copy(out[:], decoded)
	return out, nil
}

func formatHash(h [32]byte) string {
	return "0x" + hex.EncodeToString(h[:])
}
