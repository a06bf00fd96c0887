// Package wire implements the positional byte contract shared by record
// layouts and operation payloads.
//
// The layout rules are fixed: scalars are little-endian with no
// padding, strings carry a u32 length prefix, lists carry a u32 count
// prefix, optionals are a single 0/1 tag byte followed by the value,
// and booleans are a single 0/1 byte. Record bytes mirror their struct
// field order one-for-one, so the encoding is not self-describing on
// purpose; both sides must agree on the field list.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Decoding errors.
var (
	ErrShortBuffer   = errors.New("wire: buffer too short")
	ErrTrailingBytes = errors.New("wire: trailing bytes after decode")
	ErrInvalidTag    = errors.New("wire: invalid tag byte")
)

// Encoder appends fixed-layout values to a growing byte slice.
// The zero value is ready to use.
type Encoder struct {
	buf []byte
}

// Bytes returns the encoded bytes.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// U8 appends a single byte.
func (e *Encoder) U8(v uint8) {
	e.buf = append(e.buf, v)
}

// U32 appends a little-endian uint32.
func (e *Encoder) U32(v uint32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}

// U64 appends a little-endian uint64.
func (e *Encoder) U64(v uint64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
}

// I64 appends a little-endian int64 (two's complement).
func (e *Encoder) I64(v int64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, uint64(v))
}

// Bool appends a 0/1 byte.
func (e *Encoder) Bool(v bool) {
	if v {
		e.buf = append(e.buf, 1)
	} else {
		e.buf = append(e.buf, 0)
	}
}

// Bytes32 appends a fixed 32-byte value with no prefix.
func (e *Encoder) Bytes32(v [32]byte) {
	e.buf = append(e.buf, v[:]...)
}

// String appends a u32 length prefix followed by the raw UTF-8 bytes.
func (e *Encoder) String(s string) {
	e.U32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

// OptionU64 appends a 0/1 tag byte, then the value if present.
func (e *Encoder) OptionU64(v *uint64) {
	if v == nil {
		e.U8(0)
		return
	}
	e.U8(1)
	e.U64(*v)
}

// OptionI64 appends a 0/1 tag byte, then the value if present.
func (e *Encoder) OptionI64(v *int64) {
	if v == nil {
		e.U8(0)
		return
	}
	e.U8(1)
	e.I64(*v)
}

// OptionU8 appends a 0/1 tag byte, then the value if present.
func (e *Encoder) OptionU8(v *uint8) {
	if v == nil {
		e.U8(0)
		return
	}
	e.U8(1)
	e.U8(*v)
}

// Decoder consumes fixed-layout values from a byte slice.
//
// Decoder is sticky-error: the first failure is recorded and all
// subsequent reads return zero values, so callers can decode a whole
// struct and check Err (or Finish) once at the end.
type Decoder struct {
	buf []byte
	off int
	err error
}

// NewDecoder creates a decoder over buf.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Err returns the first error encountered, if any.
func (d *Decoder) Err() error {
	return d.err
}

// Finish returns the sticky error, or ErrTrailingBytes if the buffer
// was not fully consumed. Record and payload decoders call this last:
// extra bytes mean the contract was violated.
func (d *Decoder) Finish() error {
	if d.err != nil {
		return d.err
	}
	if d.off != len(d.buf) {
		return fmt.Errorf("%w: %d of %d bytes consumed", ErrTrailingBytes, d.off, len(d.buf))
	}
	return nil
}

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if len(d.buf)-d.off < n {
		d.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortBuffer, n, d.off, len(d.buf)-d.off)
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

// U8 reads a single byte.
func (d *Decoder) U8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

// U32 reads a little-endian uint32.
func (d *Decoder) U32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// U64 reads a little-endian uint64.
func (d *Decoder) U64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// I64 reads a little-endian int64.
func (d *Decoder) I64() int64 {
	return int64(d.U64())
}

// Bool reads a 0/1 byte. Any other value is an error.
func (d *Decoder) Bool() bool {
	switch d.U8() {
	case 0:
		return false
	case 1:
		return true
	default:
		if d.err == nil {
			d.err = fmt.Errorf("%w: bool byte out of range", ErrInvalidTag)
		}
		return false
	}
}

// Bytes32 reads a fixed 32-byte value.
func (d *Decoder) Bytes32() [32]byte {
	var v [32]byte
	b := d.take(32)
	if b != nil {
		copy(v[:], b)
	}
	return v
}

// String reads a u32 length prefix followed by that many bytes.
func (d *Decoder) String() string {
	n := d.U32()
	b := d.take(int(n))
	if b == nil {
		return ""
	}
	return string(b)
}

// OptionU64 reads a 0/1 tag byte, then the value if the tag is 1.
func (d *Decoder) OptionU64() *uint64 {
	switch d.U8() {
	case 0:
		return nil
	case 1:
		v := d.U64()
		return &v
	default:
		if d.err == nil {
			d.err = fmt.Errorf("%w: option tag out of range", ErrInvalidTag)
		}
		return nil
	}
}

// OptionI64 reads a 0/1 tag byte, then the value if the tag is 1.
func (d *Decoder) OptionI64() *int64 {
	switch d.U8() {
	case 0:
		return nil
	case 1:
		v := d.I64()
		return &v
	default:
		if d.err == nil {
			d.err = fmt.Errorf("%w: option tag out of range", ErrInvalidTag)
		}
		return nil
	}
}

// OptionU8 reads a 0/1 tag byte, then the value if the tag is 1.
func (d *Decoder) OptionU8() *uint8 {
	switch d.U8() {
	case 0:
		return nil
	case 1:
		v := d.U8()
		return &v
	default:
		if d.err == nil {
			d.err = fmt.Errorf("%w: option tag out of range", ErrInvalidTag)
		}
		return nil
	}
}
