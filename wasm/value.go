package wasm

import (
	"fmt"
	"io"

	"github.com/loopvm/loopvm/wasm/leb128"
)

// ValueType is a single byte value-type tag, either a number type (i32/i64/
// f32/f64) or a reference type (funcref/externref). The concrete byte
// values are defined in opcode.go alongside the instruction encodings they
// share a namespace with.
type ValueType byte

func (vt ValueType) String() string {
	switch vt {
	case ValueTypeI32:
		return "i32"
	case ValueTypeI64:
		return "i64"
	case ValueTypeF32:
		return "f32"
	case ValueTypeF64:
		return "f64"
	case ValueTypeFuncref:
		return "funcref"
	case ValueTypeExternref:
		return "externref"
	default:
		return fmt.Sprintf("unknown(%#x)", byte(vt))
	}
}

// IsRefType reports whether vt is funcref or externref.
func (vt ValueType) IsRefType() bool {
	return vt == ValueTypeFuncref || vt == ValueTypeExternref
}

// NullRef is the sentinel operand-stack bit pattern for a null funcref or
// null externref. Valid function and table-element indices never reach
// this value in a module we ourselves instantiate.
const NullRef uint64 = 0xFFFFFFFFFFFFFFFF

func readValueTypes(r io.Reader, num uint32) ([]ValueType, error) {
	ret := make([]ValueType, num)
	buf := make([]byte, num)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	for i, v := range buf {
		switch vt := ValueType(v); vt {
		case ValueTypeI32, ValueTypeF32, ValueTypeI64, ValueTypeF64, ValueTypeFuncref, ValueTypeExternref:
			ret[i] = vt
		default:
			return nil, fmt.Errorf("%w: invalid value type %#x", ErrInvalidByte, vt)
		}
	}
	return ret, nil
}

func readNameValue(r io.Reader) (string, error) {
	vs, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return "", fmt.Errorf("read size of name: %w", err)
	}

	buf := make([]byte, vs)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("read bytes of name: %w", err)
	}

	return string(buf), nil
}

func hasSameSignature(a, b []ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
