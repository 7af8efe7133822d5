// Package leb128 implements LEB128 variable-length integer encoding as used
// throughout the WebAssembly binary format: section/vector sizes, indices,
// and i32.const/i64.const immediates.
package leb128

import (
	"fmt"
	"io"
)

// DecodeUint reads an unsigned LEB128 integer bounded to maxBits, returning
// the decoded value and the number of bytes consumed. An encoding whose
// accumulated shift meets or exceeds maxBits before the continuation bit
// clears is an overflow error.
func DecodeUint(r io.Reader, maxBits uint) (ret uint64, n uint64, err error) {
	b := make([]byte, 1)
	var shift uint
	for {
		if _, err = io.ReadFull(r, b); err != nil {
			return 0, 0, fmt.Errorf("read byte: %w", err)
		}
		n++
		if shift >= maxBits {
			return 0, 0, fmt.Errorf("leb128: unsigned overflow past %d bits", maxBits)
		}
		ret |= uint64(b[0]&0x7f) << shift
		if b[0]&0x80 == 0 {
			return ret, n, nil
		}
		shift += 7
	}
}

// DecodeInt reads a signed LEB128 integer bounded to maxBits, sign-extending
// via bit 6 of the final byte when the value did not use its full width.
func DecodeInt(r io.Reader, maxBits uint) (ret int64, n uint64, err error) {
	b := make([]byte, 1)
	var shift uint
	var last byte
	for {
		if _, err = io.ReadFull(r, b); err != nil {
			return 0, 0, fmt.Errorf("read byte: %w", err)
		}
		last = b[0]
		n++
		if shift >= maxBits {
			return 0, 0, fmt.Errorf("leb128: signed overflow past %d bits", maxBits)
		}
		ret |= int64(last&0x7f) << shift
		shift += 7
		if last&0x80 == 0 {
			break
		}
	}
	if shift < maxBits && last&0x40 != 0 {
		ret |= -1 << shift
	}
	return ret, n, nil
}

// DecodeUint32 decodes a 32-bit-bounded unsigned LEB128, used for vector
// counts, section sizes, and index-space indices.
func DecodeUint32(r io.Reader) (uint32, uint64, error) {
	v, n, err := DecodeUint(r, 32)
	return uint32(v), n, err
}

// DecodeUint64 decodes a 64-bit-bounded unsigned LEB128.
func DecodeUint64(r io.Reader) (uint64, uint64, error) {
	return DecodeUint(r, 64)
}

// DecodeInt32 decodes a 32-bit-bounded signed LEB128, used for i32.const.
func DecodeInt32(r io.Reader) (int32, uint64, error) {
	v, n, err := DecodeInt(r, 32)
	return int32(v), n, err
}

// DecodeInt64 decodes a 64-bit-bounded signed LEB128, used for i64.const.
func DecodeInt64(r io.Reader) (int64, uint64, error) {
	return DecodeInt(r, 64)
}

// DecodeInt33AsInt64 decodes the 33-bit signed LEB128 used by block types
// (a negative value selects a single-result shorthand; a non-negative value
// is a type-section index).
func DecodeInt33AsInt64(r io.Reader) (int64, uint64, error) {
	return DecodeInt(r, 33)
}

// EncodeUint32 encodes v as unsigned LEB128, used when serializing indices,
// vector counts and names back into binary form (for example the custom
// name section and function types).
func EncodeUint32(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			return out
		}
	}
}
