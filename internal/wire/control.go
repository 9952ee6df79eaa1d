package wire

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// GasParams is forwarded to the transport with every outbound message and
// embedded in retry-settlement requests.
type GasParams struct {
	GasLimit                 *big.Int
	RemoteBranchExecutionGas *big.Int
}

// Clone returns a deep copy with nil fields normalised to zero.
func (g GasParams) Clone() GasParams {
	return GasParams{GasLimit: cloneInt(g.GasLimit), RemoteBranchExecutionGas: cloneInt(g.RemoteBranchExecutionGas)}
}

// RetrySettlementMessage (0x07) asks the root to re-send a Success
// settlement. Nonce is a fresh branch deposit nonce used for replay
// protection; Fallback selects the fallback mode of the re-sent settlement.
// The gas descriptor is the fixed-width tail after the params.
type RetrySettlementMessage struct {
	Fallback        bool
	Owner           common.Address
	Nonce           uint32
	SettlementNonce uint32
	Params          []byte
	Gas             GasParams
}

const gasDescriptorLen = 2 * AmountLen

func EncodeRetrySettlement(m RetrySettlementMessage) ([]byte, error) {
	w := newWriter(FlagLen + AddressLen + 2*NonceLen + len(m.Params) + gasDescriptorLen)
	w.byte(Flag{Kind: KindRetrySettlement, Fallback: m.Fallback}.Byte())
	w.address(m.Owner)
	w.uint32(m.Nonce)
	w.uint32(m.SettlementNonce)
	w.raw(m.Params)
	w.amount(m.Gas.GasLimit)
	w.amount(m.Gas.RemoteBranchExecutionGas)
	return w.bytes()
}

func DecodeRetrySettlement(b []byte) (RetrySettlementMessage, error) {
	flag, err := PeekFlag(b)
	if err != nil {
		return RetrySettlementMessage{}, err
	}
	if flag.Kind != KindRetrySettlement {
		return RetrySettlementMessage{}, unknownFlag(flag)
	}
	r := newReader(b[FlagLen:])
	m := RetrySettlementMessage{
		Fallback:        flag.Fallback,
		Owner:           r.address(),
		Nonce:           r.uint32(),
		SettlementNonce: r.uint32(),
	}
	tail := r.rest()
	if r.err != nil {
		return RetrySettlementMessage{}, r.err
	}
	if len(tail) < gasDescriptorLen {
		return RetrySettlementMessage{}, fmt.Errorf("%w: gas descriptor needs %d bytes, have %d", ErrMalformedPayload, gasDescriptorLen, len(tail))
	}
	split := len(tail) - gasDescriptorLen
	gr := newReader(tail[split:])
	m.Params = tail[:split:split]
	m.Gas = GasParams{GasLimit: gr.amount(), RemoteBranchExecutionGas: gr.amount()}
	return m, nil
}

// RetrieveMessage asks the counterpart to settle the fate of a record it may
// never have executed: KindRetrieveDeposit towards the root,
// KindRetrieveSettlement towards a branch. The fallback bit is carried but
// has no meaning.
type RetrieveMessage struct {
	Flag  Flag
	Owner common.Address
	Nonce uint32
}

func isRetrieveKind(k Kind) bool {
	return k == KindRetrieveDeposit || k == KindRetrieveSettlement
}

func EncodeRetrieve(m RetrieveMessage) ([]byte, error) {
	if !isRetrieveKind(m.Flag.Kind) {
		return nil, unknownFlag(m.Flag)
	}
	w := newWriter(FlagLen + AddressLen + NonceLen)
	w.byte(m.Flag.Byte())
	w.address(m.Owner)
	w.uint32(m.Nonce)
	return w.bytes()
}

// DecodeRetrieve accepts either retrieve kind; the caller knows which side
// it is on and checks the kind.
func DecodeRetrieve(b []byte) (RetrieveMessage, error) {
	flag, err := PeekFlag(b)
	if err != nil {
		return RetrieveMessage{}, err
	}
	if !isRetrieveKind(flag.Kind) {
		return RetrieveMessage{}, unknownFlag(flag)
	}
	r := newReader(b[FlagLen:])
	m := RetrieveMessage{Flag: flag, Owner: r.address(), Nonce: r.uint32()}
	if err := r.end(); err != nil {
		return RetrieveMessage{}, err
	}
	return m, nil
}

// FallbackMessage tells the originator that the record under Nonce was not
// executed: KindSettlementFallback towards the root, KindDepositFallback
// towards a branch.
type FallbackMessage struct {
	Flag  Flag
	Nonce uint32
}

func isFallbackKind(k Kind) bool {
	return k == KindSettlementFallback || k == KindDepositFallback
}

func EncodeFallback(m FallbackMessage) ([]byte, error) {
	if !isFallbackKind(m.Flag.Kind) {
		return nil, unknownFlag(m.Flag)
	}
	w := newWriter(FlagLen + NonceLen)
	w.byte(m.Flag.Byte())
	w.uint32(m.Nonce)
	return w.bytes()
}

func DecodeFallback(b []byte) (FallbackMessage, error) {
	flag, err := PeekFlag(b)
	if err != nil {
		return FallbackMessage{}, err
	}
	if !isFallbackKind(flag.Kind) {
		return FallbackMessage{}, unknownFlag(flag)
	}
	r := newReader(b[FlagLen:])
	m := FallbackMessage{Flag: flag, Nonce: r.uint32()}
	if err := r.end(); err != nil {
		return FallbackMessage{}, err
	}
	return m, nil
}

func unknownFlag(f Flag) error {
	return fmt.Errorf("%w: %s", ErrUnknownFlag, f)
}
