package claims

import (
	"errors"
	"fmt"

	"claimengine/native/common"
)

var (
	ErrInvalidAmount       = errors.New("claims: invalid amount")
	ErrInvalidPrice        = errors.New("claims: invalid price")
	ErrInvalidAssetType    = errors.New("claims: invalid asset type")
	ErrInvalidAddress      = errors.New("claims: invalid address")
	ErrInvalidSignature    = errors.New("claims: invalid signature")
	ErrAlreadyClaimed      = errors.New("claims: already claimed")
	ErrInsufficientBalance = errors.New("claims: insufficient balance")
	ErrTransferFailed      = errors.New("claims: transfer failed")
	ErrUnauthorized        = errors.New("claims: caller is not the owner")
	ErrInvalidState        = errors.New("claims: invalid state")
	ErrPaused              = fmt.Errorf("claims: operational error: paused: %w", common.ErrModulePaused)
	ErrReentrantCall       = fmt.Errorf("claims: %w", common.ErrReentrantCall)
)

// ErrorKind is the stable failure classification exposed to clients so they can
// decide whether to retry, re-authorise or abandon a claim.
type ErrorKind string

const (
	KindNone               ErrorKind = ""
	KindValidation         ErrorKind = "validation"
	KindAuthorization      ErrorKind = "authorization"
	KindConflict           ErrorKind = "conflict"
	KindSolvency           ErrorKind = "solvency"
	KindTransfer           ErrorKind = "transfer"
	KindAdminAuthorization ErrorKind = "admin_authorization"
	KindOperational        ErrorKind = "operational"
	KindInternal           ErrorKind = "internal"
)

// KindOf classifies err. Unknown errors are internal.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidPrice),
		errors.Is(err, ErrInvalidAssetType), errors.Is(err, ErrInvalidAddress):
		return KindValidation
	case errors.Is(err, ErrInvalidSignature):
		return KindAuthorization
	case errors.Is(err, ErrAlreadyClaimed):
		return KindConflict
	case errors.Is(err, ErrInsufficientBalance):
		return KindSolvency
	case errors.Is(err, ErrTransferFailed):
		return KindTransfer
	case errors.Is(err, ErrUnauthorized):
		return KindAdminAuthorization
	case errors.Is(err, common.ErrModulePaused), errors.Is(err, common.ErrReentrantCall),
		errors.Is(err, ErrInvalidState):
		return KindOperational
	default:
		return KindInternal
	}
}

// Code returns the stable wire code for err, e.g. "AlreadyClaimed".
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidAmount):
		return "InvalidAmount"
	case errors.Is(err, ErrInvalidPrice):
		return "InvalidPrice"
	case errors.Is(err, ErrInvalidAssetType):
		return "InvalidAssetType"
	case errors.Is(err, ErrInvalidAddress):
		return "InvalidAddress"
	case errors.Is(err, ErrInvalidSignature):
		return "InvalidSignature"
	case errors.Is(err, ErrAlreadyClaimed):
		return "AlreadyClaimed"
	case errors.Is(err, ErrInsufficientBalance):
		return "InsufficientBalance"
	case errors.Is(err, ErrTransferFailed):
		return "TransferFailed"
	case errors.Is(err, ErrUnauthorized):
		return "Unauthorized"
	case errors.Is(err, common.ErrModulePaused):
		return "Paused"
	case errors.Is(err, common.ErrReentrantCall):
		return "ReentrantCall"
	case errors.Is(err, ErrInvalidState):
		return "InvalidState"
	default:
		return "Internal"
	}
}
