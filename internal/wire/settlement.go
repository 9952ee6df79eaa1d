package wire

import "github.com/ethereum/go-ethereum/common"

// SettlementMessage is a root to branch call-out, kinds 0x00 through 0x02.
// Kind 0x00 carries no recipient.
type SettlementMessage struct {
	Flag      Flag
	Recipient common.Address
	Nonce     uint32
	Assets    []Asset
	Params    []byte
}

// EncodeSettlement packs m. The asset count must agree with the kind.
func EncodeSettlement(m SettlementMessage) ([]byte, error) {
	n := len(m.Assets)
	w := newWriter(FlagLen + AddressLen + CountLen + NonceLen + n*multiAssetLen + len(m.Params))
	w.byte(m.Flag.Byte())

	switch m.Flag.Kind {
	case KindNoSettlement:
		if err := checkNoAssets(n); err != nil {
			return nil, err
		}
		w.uint32(m.Nonce)
	case KindSettlement:
		if err := checkSingleCount(n); err != nil {
			return nil, err
		}
		w.address(m.Recipient)
		w.uint32(m.Nonce)
		w.singleAsset(m.Assets[0])
	case KindSettlementMultiple:
		if err := checkMultiCount(n); err != nil {
			return nil, err
		}
		w.address(m.Recipient)
		w.byte(byte(n))
		w.uint32(m.Nonce)
		w.multiAssets(m.Assets)
	default:
		return nil, unknownFlag(m.Flag)
	}

	w.raw(m.Params)
	return w.bytes()
}

// DecodeSettlement unpacks a branch-bound settlement payload.
func DecodeSettlement(b []byte) (SettlementMessage, error) {
	flag, err := PeekFlag(b)
	if err != nil {
		return SettlementMessage{}, err
	}
	r := newReader(b[FlagLen:])
	m := SettlementMessage{Flag: flag}

	switch flag.Kind {
	case KindNoSettlement:
		m.Nonce = r.uint32()
	case KindSettlement:
		m.Recipient = r.address()
		m.Nonce = r.uint32()
		m.Assets = []Asset{r.singleAsset()}
	case KindSettlementMultiple:
		m.Recipient = r.address()
		n := r.count()
		m.Nonce = r.uint32()
		m.Assets = r.multiAssets(n)
	default:
		return SettlementMessage{}, unknownFlag(flag)
	}

	m.Params = r.rest()
	if r.err != nil {
		return SettlementMessage{}, r.err
	}
	return m, nil
}
