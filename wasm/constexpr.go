package wasm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/loopvm/loopvm/wasm/leb128"
)

// ConstantExpression is a single-instruction initializer used by global,
// element, and data segment offsets: one of i32/i64/f32/f64.const,
// global.get, ref.null, or ref.func, terminated by an end opcode.
type ConstantExpression struct {
	Opcode Opcode
	Data   []byte
}

func readConstantExpression(r io.Reader) (*ConstantExpression, error) {
	b := make([]byte, 1)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("read opcode: %w", err)
	}
	op := b[0]

	var buf bytes.Buffer
	tr := io.TeeReader(r, &buf)

	var err error
	switch op {
	case OpcodeI32Const:
		_, _, err = leb128.DecodeInt32(tr)
	case OpcodeI64Const:
		_, _, err = leb128.DecodeInt64(tr)
	case OpcodeF32Const:
		_, err = readFloat32Bits(tr)
	case OpcodeF64Const:
		_, err = readFloat64Bits(tr)
	case OpcodeGlobalGet:
		_, _, err = leb128.DecodeUint32(tr)
	case OpcodeRefNull:
		_, err = io.ReadFull(tr, make([]byte, 1))
	case OpcodeRefFunc:
		_, _, err = leb128.DecodeUint32(tr)
	default:
		return nil, fmt.Errorf("invalid opcode for constant expression: %#x", op)
	}
	if err != nil {
		return nil, fmt.Errorf("read immediate for %#x: %w", op, err)
	}

	end := make([]byte, 1)
	if _, err := io.ReadFull(r, end); err != nil {
		return nil, fmt.Errorf("read end of constant expression: %w", err)
	}
	if end[0] != OpcodeEnd {
		return nil, fmt.Errorf("constant expression not terminated by end opcode")
	}

	return &ConstantExpression{Opcode: op, Data: buf.Bytes()}, nil
}

// refFuncConstExpr synthesizes the constant expression a legacy (funcidx
// vector) element segment implies for each entry: ref.func <idx> end.
func refFuncConstExpr(funcIdx uint32) *ConstantExpression {
	return &ConstantExpression{Opcode: OpcodeRefFunc, Data: leb128.EncodeUint32(funcIdx)}
}

func readFloat32Bits(r io.Reader) (uint32, error) {
	b := make([]byte, 4)
	if _, err := io.ReadFull(r, b); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func readFloat64Bits(r io.Reader) (uint64, error) {
	b := make([]byte, 8)
	if _, err := io.ReadFull(r, b); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// evalConstExpr evaluates a constant expression against an already
// partially-built module instance (its Globals slice must already hold
// every global declared before this one). It returns the value as a raw
// 64-bit pattern (for references: a function index or NullRef) plus the
// static type the expression produced.
func (s *Store) evalConstExpr(target *ModuleInstance, expr *ConstantExpression) (uint64, ValueType, error) {
	r := bytes.NewReader(expr.Data)
	switch expr.Opcode {
	case OpcodeI32Const:
		v, _, err := leb128.DecodeInt32(r)
		if err != nil {
			return 0, 0, err
		}
		return uint64(uint32(v)), ValueTypeI32, nil
	case OpcodeI64Const:
		v, _, err := leb128.DecodeInt64(r)
		if err != nil {
			return 0, 0, err
		}
		return uint64(v), ValueTypeI64, nil
	case OpcodeF32Const:
		v, err := readFloat32Bits(r)
		if err != nil {
			return 0, 0, err
		}
		return uint64(v), ValueTypeF32, nil
	case OpcodeF64Const:
		v, err := readFloat64Bits(r)
		if err != nil {
			return 0, 0, err
		}
		return v, ValueTypeF64, nil
	case OpcodeGlobalGet:
		id, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return 0, 0, err
		}
		if id >= uint32(len(target.Globals)) {
			return 0, 0, fmt.Errorf("global index out of range: %d", id)
		}
		g := target.Globals[id]
		return g.Val, g.Type.ValType, nil
	case OpcodeRefNull:
		b := make([]byte, 1)
		if _, err := io.ReadFull(r, b); err != nil {
			return 0, 0, err
		}
		return NullRef, ValueType(b[0]), nil
	case OpcodeRefFunc:
		id, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return 0, 0, err
		}
		if id >= uint32(len(target.Functions)) {
			return 0, 0, fmt.Errorf("function index out of range: %d", id)
		}
		return uint64(id), ValueTypeFuncref, nil
	default:
		return 0, 0, fmt.Errorf("invalid constant expression opcode: %#x", expr.Opcode)
	}
}

func float32FromBits(b uint32) float32 { return math.Float32frombits(b) }
func float64FromBits(b uint64) float64 { return math.Float64frombits(b) }
