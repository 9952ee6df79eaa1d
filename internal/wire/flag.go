// Package wire packs and unpacks the flag-tagged binary payloads exchanged
// between the root agent and branch agents.
//
// Every payload starts with a single flag byte. The low seven bits select the
// message kind, the high bit enables fallback mode for kinds that move
// assets. Fields that follow are fixed width and big-endian; the caller's
// opaque params are always the trailing remainder, so there are no length
// prefixes beyond the explicit count byte of multi-asset kinds.
package wire

import "fmt"

// Field widths in bytes.
const (
	FlagLen    = 1
	AddressLen = 20
	NonceLen   = 4
	AmountLen  = 32
	CountLen   = 1
	WordLen    = 32

	// MaxTokens is the largest asset count a multi-asset payload can carry.
	MaxTokens = 255
)

const (
	fallbackBit byte = 0x80
	kindMask    byte = 0x7f
)

// Kind is the base message kind, the flag byte with the fallback bit cleared.
type Kind byte

// Kinds decoded by the root agent (sent by branch agents).
const (
	KindCallOut                      Kind = 0x01
	KindCallOutDeposit               Kind = 0x02
	KindCallOutDepositMultiple       Kind = 0x03
	KindCallOutSigned                Kind = 0x04
	KindCallOutSignedDeposit         Kind = 0x05
	KindCallOutSignedDepositMultiple Kind = 0x06
	KindRetrySettlement              Kind = 0x07
	KindRetrieveDeposit              Kind = 0x08
	KindSettlementFallback           Kind = 0x09
)

// Kinds decoded by branch agents (sent by the root agent).
const (
	KindNoSettlement       Kind = 0x00
	KindSettlement         Kind = 0x01
	KindSettlementMultiple Kind = 0x02
	KindRetrieveSettlement Kind = 0x03
	KindDepositFallback    Kind = 0x04
)

// Flag is a decoded flag byte.
type Flag struct {
	Kind     Kind
	Fallback bool
}

// ParseFlag splits a raw flag byte into its kind and fallback bit.
func ParseFlag(b byte) Flag {
	return Flag{Kind: Kind(b & kindMask), Fallback: b&fallbackBit != 0}
}

// PeekFlag decodes the flag byte at the head of payload.
func PeekFlag(payload []byte) (Flag, error) {
	if len(payload) < FlagLen {
		return Flag{}, fmt.Errorf("%w: empty payload", ErrMalformedPayload)
	}
	return ParseFlag(payload[0]), nil
}

// Byte re-packs the flag.
func (f Flag) Byte() byte {
	b := byte(f.Kind) & kindMask
	if f.Fallback {
		b |= fallbackBit
	}
	return b
}

func (f Flag) String() string {
	if f.Fallback {
		return fmt.Sprintf("0x%02x+fallback", byte(f.Kind))
	}
	return fmt.Sprintf("0x%02x", byte(f.Kind))
}

// IsRootKind reports whether k is a kind the root agent understands.
func IsRootKind(k Kind) bool {
	return k >= KindCallOut && k <= KindSettlementFallback
}

// IsBranchKind reports whether k is a kind branch agents understand.
func IsBranchKind(k Kind) bool {
	return k <= KindDepositFallback
}

// RootKindName names root-bound kinds for logs and metrics labels.
func RootKindName(k Kind) string {
	switch k {
	case KindCallOut:
		return "call_out"
	case KindCallOutDeposit:
		return "call_out_deposit"
	case KindCallOutDepositMultiple:
		return "call_out_deposit_multiple"
	case KindCallOutSigned:
		return "call_out_signed"
	case KindCallOutSignedDeposit:
		return "call_out_signed_deposit"
	case KindCallOutSignedDepositMultiple:
		return "call_out_signed_deposit_multiple"
	case KindRetrySettlement:
		return "retry_settlement"
	case KindRetrieveDeposit:
		return "retrieve_deposit"
	case KindSettlementFallback:
		return "settlement_fallback"
	}
	return "unknown"
}

// BranchKindName names branch-bound kinds for logs and metrics labels.
func BranchKindName(k Kind) string {
	switch k {
	case KindNoSettlement:
		return "no_settlement"
	case KindSettlement:
		return "settlement"
	case KindSettlementMultiple:
		return "settlement_multiple"
	case KindRetrieveSettlement:
		return "retrieve_settlement"
	case KindDepositFallback:
		return "deposit_fallback"
	}
	return "unknown"
}
