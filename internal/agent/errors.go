package agent

import (
	"errors"

	"bridge-agent/internal/nonce"
	"bridge-agent/internal/wire"
)

// Re-exported so callers only match against this package.
var (
	ErrUnknownFlag      = wire.ErrUnknownFlag
	ErrMalformedPayload = wire.ErrMalformedPayload
	ErrAlreadyExecuted  = nonce.ErrAlreadyExecuted
)

var (
	ErrUnauthorizedEndpoint = errors.New("agent: unauthorized endpoint")
	ErrUnauthorizedCaller   = errors.New("agent: unauthorized caller")
	ErrNotOwner             = errors.New("agent: caller is not the record owner")
	ErrContractOwner        = errors.New("agent: contract owners cannot delegate")
	ErrRetryUnavailable     = errors.New("agent: retry unavailable")
	ErrRedeemUnavailable    = errors.New("agent: redeem unavailable")
	ErrRetrieveUnavailable  = errors.New("agent: retrieve unavailable")
	ErrInvalidAssets        = errors.New("agent: invalid assets")
	ErrReentrantCall        = errors.New("agent: reentrant call")
	ErrUnknownChain         = errors.New("agent: unknown chain")
	ErrUnknownToken         = errors.New("agent: unknown token")
	ErrRecordNotFound       = errors.New("agent: record not found")
	ErrAlreadyRegistered    = errors.New("agent: branch already registered")
	ErrExecutionFailed      = errors.New("agent: execution failed")
)

// ErrorCode maps an agent error to a stable string for APIs, metrics labels
// and persisted audit rows.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnknownFlag):
		return "UNKNOWN_FLAG"
	case errors.Is(err, ErrMalformedPayload):
		return "MALFORMED_PAYLOAD"
	case errors.Is(err, wire.ErrAssetCount), errors.Is(err, wire.ErrInvalidAmount), errors.Is(err, ErrInvalidAssets):
		return "INVALID_ASSETS"
	case errors.Is(err, ErrAlreadyExecuted):
		return "ALREADY_EXECUTED"
	case errors.Is(err, ErrUnauthorizedEndpoint):
		return "UNAUTHORIZED_ENDPOINT"
	case errors.Is(err, ErrUnauthorizedCaller):
		return "UNAUTHORIZED_CALLER"
	case errors.Is(err, ErrNotOwner):
		return "NOT_OWNER"
	case errors.Is(err, ErrContractOwner):
		return "CONTRACT_OWNER"
	case errors.Is(err, ErrRetryUnavailable):
		return "RETRY_UNAVAILABLE"
	case errors.Is(err, ErrRedeemUnavailable):
		return "REDEEM_UNAVAILABLE"
	case errors.Is(err, ErrRetrieveUnavailable):
		return "RETRIEVE_UNAVAILABLE"
	case errors.Is(err, ErrReentrantCall):
		return "REENTRANT_CALL"
	case errors.Is(err, ErrUnknownChain):
		return "UNKNOWN_CHAIN"
	case errors.Is(err, ErrUnknownToken):
		return "UNKNOWN_TOKEN"
	case errors.Is(err, ErrRecordNotFound):
		return "RECORD_NOT_FOUND"
	case errors.Is(err, ErrAlreadyRegistered):
		return "ALREADY_REGISTERED"
	case errors.Is(err, ErrExecutionFailed):
		return "EXECUTION_FAILED"
	}
	return "INTERNAL"
}
