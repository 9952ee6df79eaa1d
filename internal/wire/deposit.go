package wire

import "github.com/ethereum/go-ethereum/common"

// DepositMessage is a branch to root call-out, kinds 0x01 through 0x06.
// Sender is only on the wire for signed kinds.
type DepositMessage struct {
	Flag   Flag
	Sender common.Address
	Nonce  uint32
	Assets []Asset
	Params []byte
}

// Signed reports whether the message executes on behalf of Sender.
func (m DepositMessage) Signed() bool {
	switch m.Flag.Kind {
	case KindCallOutSigned, KindCallOutSignedDeposit, KindCallOutSignedDepositMultiple:
		return true
	}
	return false
}

// EncodeDeposit packs m. The asset count must agree with the kind.
func EncodeDeposit(m DepositMessage) ([]byte, error) {
	n := len(m.Assets)
	w := newWriter(FlagLen + AddressLen + CountLen + NonceLen + n*multiAssetLen + len(m.Params))
	w.byte(m.Flag.Byte())

	switch m.Flag.Kind {
	case KindCallOut, KindCallOutSigned:
		if err := checkNoAssets(n); err != nil {
			return nil, err
		}
		if m.Flag.Kind == KindCallOutSigned {
			w.address(m.Sender)
		}
		w.uint32(m.Nonce)
	case KindCallOutDeposit, KindCallOutSignedDeposit:
		if err := checkSingleCount(n); err != nil {
			return nil, err
		}
		if m.Flag.Kind == KindCallOutSignedDeposit {
			w.address(m.Sender)
		}
		w.uint32(m.Nonce)
		w.singleAsset(m.Assets[0])
	case KindCallOutDepositMultiple, KindCallOutSignedDepositMultiple:
		if err := checkMultiCount(n); err != nil {
			return nil, err
		}
		if m.Flag.Kind == KindCallOutSignedDepositMultiple {
			w.address(m.Sender)
		}
		w.byte(byte(n))
		w.uint32(m.Nonce)
		w.multiAssets(m.Assets)
	default:
		return nil, unknownFlag(m.Flag)
	}

	w.raw(m.Params)
	return w.bytes()
}

// DecodeDeposit unpacks a root-bound call-out payload.
func DecodeDeposit(b []byte) (DepositMessage, error) {
	flag, err := PeekFlag(b)
	if err != nil {
		return DepositMessage{}, err
	}
	r := newReader(b[FlagLen:])
	m := DepositMessage{Flag: flag}

	switch flag.Kind {
	case KindCallOut:
		m.Nonce = r.uint32()
	case KindCallOutSigned:
		m.Sender = r.address()
		m.Nonce = r.uint32()
	case KindCallOutDeposit:
		m.Nonce = r.uint32()
		m.Assets = []Asset{r.singleAsset()}
	case KindCallOutSignedDeposit:
		m.Sender = r.address()
		m.Nonce = r.uint32()
		m.Assets = []Asset{r.singleAsset()}
	case KindCallOutDepositMultiple:
		n := r.count()
		m.Nonce = r.uint32()
		m.Assets = r.multiAssets(n)
	case KindCallOutSignedDepositMultiple:
		m.Sender = r.address()
		n := r.count()
		m.Nonce = r.uint32()
		m.Assets = r.multiAssets(n)
	default:
		return DepositMessage{}, unknownFlag(flag)
	}

	m.Params = r.rest()
	if r.err != nil {
		return DepositMessage{}, r.err
	}
	return m, nil
}
