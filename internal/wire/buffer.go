package wire

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// reader walks a payload left to right. The first short read latches err and
// every later read returns zero values, so decoders check err once at the end.
type reader struct {
	b   []byte
	off int
	err error
}

func newReader(b []byte) *reader {
	return &reader{b: b}
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.b)-r.off < n {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrMalformedPayload, n, r.off, len(r.b)-r.off)
		return nil
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out
}

func (r *reader) byte() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) uint32() uint32 {
	b := r.take(NonceLen)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) address() common.Address {
	b := r.take(AddressLen)
	if b == nil {
		return common.Address{}
	}
	return common.BytesToAddress(b)
}

// paddedAddress reads an address left-padded to a 32 byte word. Non-zero
// padding is rejected so that re-encoding yields the same bytes.
func (r *reader) paddedAddress() common.Address {
	b := r.take(WordLen)
	if b == nil {
		return common.Address{}
	}
	for _, p := range b[:WordLen-AddressLen] {
		if p != 0 {
			r.err = fmt.Errorf("%w: dirty address padding at offset %d", ErrMalformedPayload, r.off-WordLen)
			return common.Address{}
		}
	}
	return common.BytesToAddress(b[WordLen-AddressLen:])
}

func (r *reader) amount() *big.Int {
	b := r.take(AmountLen)
	if b == nil {
		return new(big.Int)
	}
	return new(big.Int).SetBytes(b)
}

// rest returns a copy of the remaining bytes, empty but non-nil when
// nothing is left.
func (r *reader) rest() []byte {
	if r.err != nil {
		return nil
	}
	if r.off >= len(r.b) {
		return []byte{}
	}
	out := make([]byte, len(r.b)-r.off)
	copy(out, r.b[r.off:])
	r.off = len(r.b)
	return out
}

// end fails when bytes are left over in a payload without trailing params.
func (r *reader) end() error {
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.b) {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformedPayload, len(r.b)-r.off)
	}
	return nil
}

// writer appends fixed-width fields.
type writer struct {
	b   []byte
	err error
}

func newWriter(size int) *writer {
	return &writer{b: make([]byte, 0, size)}
}

func (w *writer) byte(v byte) {
	w.b = append(w.b, v)
}

func (w *writer) uint32(v uint32) {
	w.b = binary.BigEndian.AppendUint32(w.b, v)
}

func (w *writer) address(a common.Address) {
	w.b = append(w.b, a.Bytes()...)
}

func (w *writer) paddedAddress(a common.Address) {
	w.b = append(w.b, common.LeftPadBytes(a.Bytes(), WordLen)...)
}

func (w *writer) amount(v *big.Int) {
	if v == nil {
		v = new(big.Int)
	}
	if v.Sign() < 0 || v.BitLen() > 256 {
		if w.err == nil {
			w.err = fmt.Errorf("%w: %s", ErrInvalidAmount, v.String())
		}
		return
	}
	w.b = append(w.b, common.LeftPadBytes(v.Bytes(), AmountLen)...)
}

func (w *writer) raw(p []byte) {
	w.b = append(w.b, p...)
}

func (w *writer) bytes() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	return w.b, nil
}
