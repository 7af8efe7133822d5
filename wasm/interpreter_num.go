package wasm

import (
	"math"
	"math/bits"
)

// execNumeric dispatches every const, comparison, arithmetic, conversion and
// sign-extension opcode. Constants and unary/binary ops are grouped exactly
// as the opcode table lists them.
func execNumeric(frame *callFrame, op Opcode) {
	s := frame.operand
	switch op {
	case OpcodeI32Const:
		s.push(uint64(uint32(frame.readI32Inline())))
	case OpcodeI64Const:
		s.push(uint64(frame.readI64Inline()))
	case OpcodeF32Const:
		s.push(uint64(math.Float32bits(frame.readF32Inline())))
	case OpcodeF64Const:
		s.push(math.Float64bits(frame.readF64Inline()))

	case OpcodeI32Eqz:
		s.push(boolVal(uint32(s.pop()) == 0))
	case OpcodeI32Eq:
		b, a := uint32(s.pop()), uint32(s.pop())
		s.push(boolVal(a == b))
	case OpcodeI32Ne:
		b, a := uint32(s.pop()), uint32(s.pop())
		s.push(boolVal(a != b))
	case OpcodeI32LtS:
		b, a := int32(s.pop()), int32(s.pop())
		s.push(boolVal(a < b))
	case OpcodeI32LtU:
		b, a := uint32(s.pop()), uint32(s.pop())
		s.push(boolVal(a < b))
	case OpcodeI32GtS:
		b, a := int32(s.pop()), int32(s.pop())
		s.push(boolVal(a > b))
	case OpcodeI32GtU:
		b, a := uint32(s.pop()), uint32(s.pop())
		s.push(boolVal(a > b))
	case OpcodeI32LeS:
		b, a := int32(s.pop()), int32(s.pop())
		s.push(boolVal(a <= b))
	case OpcodeI32LeU:
		b, a := uint32(s.pop()), uint32(s.pop())
		s.push(boolVal(a <= b))
	case OpcodeI32GeS:
		b, a := int32(s.pop()), int32(s.pop())
		s.push(boolVal(a >= b))
	case OpcodeI32GeU:
		b, a := uint32(s.pop()), uint32(s.pop())
		s.push(boolVal(a >= b))

	case OpcodeI64Eqz:
		s.push(boolVal(s.pop() == 0))
	case OpcodeI64Eq:
		b, a := s.pop(), s.pop()
		s.push(boolVal(a == b))
	case OpcodeI64Ne:
		b, a := s.pop(), s.pop()
		s.push(boolVal(a != b))
	case OpcodeI64LtS:
		b, a := int64(s.pop()), int64(s.pop())
		s.push(boolVal(a < b))
	case OpcodeI64LtU:
		b, a := s.pop(), s.pop()
		s.push(boolVal(a < b))
	case OpcodeI64GtS:
		b, a := int64(s.pop()), int64(s.pop())
		s.push(boolVal(a > b))
	case OpcodeI64GtU:
		b, a := s.pop(), s.pop()
		s.push(boolVal(a > b))
	case OpcodeI64LeS:
		b, a := int64(s.pop()), int64(s.pop())
		s.push(boolVal(a <= b))
	case OpcodeI64LeU:
		b, a := s.pop(), s.pop()
		s.push(boolVal(a <= b))
	case OpcodeI64GeS:
		b, a := int64(s.pop()), int64(s.pop())
		s.push(boolVal(a >= b))
	case OpcodeI64GeU:
		b, a := s.pop(), s.pop()
		s.push(boolVal(a >= b))

	case OpcodeF32Eq:
		b, a := popF32(s), popF32(s)
		s.push(boolVal(a == b))
	case OpcodeF32Ne:
		b, a := popF32(s), popF32(s)
		s.push(boolVal(a != b))
	case OpcodeF32Lt:
		b, a := popF32(s), popF32(s)
		s.push(boolVal(a < b))
	case OpcodeF32Gt:
		b, a := popF32(s), popF32(s)
		s.push(boolVal(a > b))
	case OpcodeF32Le:
		b, a := popF32(s), popF32(s)
		s.push(boolVal(a <= b))
	case OpcodeF32Ge:
		b, a := popF32(s), popF32(s)
		s.push(boolVal(a >= b))

	case OpcodeF64Eq:
		b, a := popF64(s), popF64(s)
		s.push(boolVal(a == b))
	case OpcodeF64Ne:
		b, a := popF64(s), popF64(s)
		s.push(boolVal(a != b))
	case OpcodeF64Lt:
		b, a := popF64(s), popF64(s)
		s.push(boolVal(a < b))
	case OpcodeF64Gt:
		b, a := popF64(s), popF64(s)
		s.push(boolVal(a > b))
	case OpcodeF64Le:
		b, a := popF64(s), popF64(s)
		s.push(boolVal(a <= b))
	case OpcodeF64Ge:
		b, a := popF64(s), popF64(s)
		s.push(boolVal(a >= b))

	case OpcodeI32Clz:
		s.push(uint64(clz32(uint32(s.pop()))))
	case OpcodeI32Ctz:
		s.push(uint64(ctz32(uint32(s.pop()))))
	case OpcodeI32Popcnt:
		s.push(uint64(popcnt32(uint32(s.pop()))))
	case OpcodeI32Add:
		b, a := uint32(s.pop()), uint32(s.pop())
		s.push(uint64(a + b))
	case OpcodeI32Sub:
		b, a := uint32(s.pop()), uint32(s.pop())
		s.push(uint64(a - b))
	case OpcodeI32Mul:
		b, a := uint32(s.pop()), uint32(s.pop())
		s.push(uint64(a * b))
	case OpcodeI32DivS:
		b, a := int32(s.pop()), int32(s.pop())
		if b == 0 {
			panic(newTrap("integer divide by zero"))
		}
		if a == math.MinInt32 && b == -1 {
			panic(newTrap("integer overflow"))
		}
		s.push(uint64(uint32(a / b)))
	case OpcodeI32DivU:
		b, a := uint32(s.pop()), uint32(s.pop())
		if b == 0 {
			panic(newTrap("integer divide by zero"))
		}
		s.push(uint64(a / b))
	case OpcodeI32RemS:
		b, a := int32(s.pop()), int32(s.pop())
		if b == 0 {
			panic(newTrap("integer divide by zero"))
		}
		if a == math.MinInt32 && b == -1 {
			s.push(0)
		} else {
			s.push(uint64(uint32(a % b)))
		}
	case OpcodeI32RemU:
		b, a := uint32(s.pop()), uint32(s.pop())
		if b == 0 {
			panic(newTrap("integer divide by zero"))
		}
		s.push(uint64(a % b))
	case OpcodeI32And:
		b, a := uint32(s.pop()), uint32(s.pop())
		s.push(uint64(a & b))
	case OpcodeI32Or:
		b, a := uint32(s.pop()), uint32(s.pop())
		s.push(uint64(a | b))
	case OpcodeI32Xor:
		b, a := uint32(s.pop()), uint32(s.pop())
		s.push(uint64(a ^ b))
	case OpcodeI32Shl:
		b, a := uint32(s.pop()), uint32(s.pop())
		s.push(uint64(a << (b & 31)))
	case OpcodeI32ShrS:
		b, a := uint32(s.pop()), int32(s.pop())
		s.push(uint64(uint32(a >> (b & 31))))
	case OpcodeI32ShrU:
		b, a := uint32(s.pop()), uint32(s.pop())
		s.push(uint64(a >> (b & 31)))
	case OpcodeI32Rotl:
		b, a := uint32(s.pop()), uint32(s.pop())
		s.push(uint64(rotl32(a, b)))
	case OpcodeI32Rotr:
		b, a := uint32(s.pop()), uint32(s.pop())
		s.push(uint64(rotr32(a, b)))

	case OpcodeI64Clz:
		s.push(uint64(clz64(s.pop())))
	case OpcodeI64Ctz:
		s.push(uint64(ctz64(s.pop())))
	case OpcodeI64Popcnt:
		s.push(uint64(popcnt64(s.pop())))
	case OpcodeI64Add:
		b, a := s.pop(), s.pop()
		s.push(a + b)
	case OpcodeI64Sub:
		b, a := s.pop(), s.pop()
		s.push(a - b)
	case OpcodeI64Mul:
		b, a := s.pop(), s.pop()
		s.push(a * b)
	case OpcodeI64DivS:
		b, a := int64(s.pop()), int64(s.pop())
		if b == 0 {
			panic(newTrap("integer divide by zero"))
		}
		if a == math.MinInt64 && b == -1 {
			panic(newTrap("integer overflow"))
		}
		s.push(uint64(a / b))
	case OpcodeI64DivU:
		b, a := s.pop(), s.pop()
		if b == 0 {
			panic(newTrap("integer divide by zero"))
		}
		s.push(a / b)
	case OpcodeI64RemS:
		b, a := int64(s.pop()), int64(s.pop())
		if b == 0 {
			panic(newTrap("integer divide by zero"))
		}
		if a == math.MinInt64 && b == -1 {
			s.push(0)
		} else {
			s.push(uint64(a % b))
		}
	case OpcodeI64RemU:
		b, a := s.pop(), s.pop()
		if b == 0 {
			panic(newTrap("integer divide by zero"))
		}
		s.push(a % b)
	case OpcodeI64And:
		b, a := s.pop(), s.pop()
		s.push(a & b)
	case OpcodeI64Or:
		b, a := s.pop(), s.pop()
		s.push(a | b)
	case OpcodeI64Xor:
		b, a := s.pop(), s.pop()
		s.push(a ^ b)
	case OpcodeI64Shl:
		b, a := s.pop(), s.pop()
		s.push(a << (b & 63))
	case OpcodeI64ShrS:
		b, a := s.pop(), int64(s.pop())
		s.push(uint64(a >> (b & 63)))
	case OpcodeI64ShrU:
		b, a := s.pop(), s.pop()
		s.push(a >> (b & 63))
	case OpcodeI64Rotl:
		b, a := s.pop(), s.pop()
		s.push(rotl64(a, b))
	case OpcodeI64Rotr:
		b, a := s.pop(), s.pop()
		s.push(rotr64(a, b))

	case OpcodeF32Abs:
		pushF32(s, float32(math.Abs(float64(popF32(s)))))
	case OpcodeF32Neg:
		pushF32(s, -popF32(s))
	case OpcodeF32Ceil:
		pushF32(s, float32(math.Ceil(float64(popF32(s)))))
	case OpcodeF32Floor:
		pushF32(s, float32(math.Floor(float64(popF32(s)))))
	case OpcodeF32Trunc:
		pushF32(s, float32(math.Trunc(float64(popF32(s)))))
	case OpcodeF32Nearest:
		pushF32(s, float32(math.RoundToEven(float64(popF32(s)))))
	case OpcodeF32Sqrt:
		pushF32(s, float32(math.Sqrt(float64(popF32(s)))))
	case OpcodeF32Add:
		b, a := popF32(s), popF32(s)
		pushF32(s, a+b)
	case OpcodeF32Sub:
		b, a := popF32(s), popF32(s)
		pushF32(s, a-b)
	case OpcodeF32Mul:
		b, a := popF32(s), popF32(s)
		pushF32(s, a*b)
	case OpcodeF32Div:
		b, a := popF32(s), popF32(s)
		pushF32(s, a/b)
	case OpcodeF32Min:
		b, a := popF32(s), popF32(s)
		pushF32(s, wasmMinF32(a, b))
	case OpcodeF32Max:
		b, a := popF32(s), popF32(s)
		pushF32(s, wasmMaxF32(a, b))
	case OpcodeF32Copysign:
		b, a := popF32(s), popF32(s)
		pushF32(s, float32(math.Copysign(float64(a), float64(b))))

	case OpcodeF64Abs:
		pushF64(s, math.Abs(popF64(s)))
	case OpcodeF64Neg:
		pushF64(s, -popF64(s))
	case OpcodeF64Ceil:
		pushF64(s, math.Ceil(popF64(s)))
	case OpcodeF64Floor:
		pushF64(s, math.Floor(popF64(s)))
	case OpcodeF64Trunc:
		pushF64(s, math.Trunc(popF64(s)))
	case OpcodeF64Nearest:
		pushF64(s, math.RoundToEven(popF64(s)))
	case OpcodeF64Sqrt:
		pushF64(s, math.Sqrt(popF64(s)))
	case OpcodeF64Add:
		b, a := popF64(s), popF64(s)
		pushF64(s, a+b)
	case OpcodeF64Sub:
		b, a := popF64(s), popF64(s)
		pushF64(s, a-b)
	case OpcodeF64Mul:
		b, a := popF64(s), popF64(s)
		pushF64(s, a*b)
	case OpcodeF64Div:
		b, a := popF64(s), popF64(s)
		pushF64(s, a/b)
	case OpcodeF64Min:
		b, a := popF64(s), popF64(s)
		pushF64(s, wasmMinF64(a, b))
	case OpcodeF64Max:
		b, a := popF64(s), popF64(s)
		pushF64(s, wasmMaxF64(a, b))
	case OpcodeF64Copysign:
		b, a := popF64(s), popF64(s)
		pushF64(s, math.Copysign(a, b))

	case OpcodeI32WrapI64:
		s.push(uint64(uint32(s.pop())))
	case OpcodeI32TruncF32S:
		s.push(uint64(uint32(truncToI32S(float64(popF32(s))))))
	case OpcodeI32TruncF32U:
		s.push(uint64(truncToU32(float64(popF32(s)))))
	case OpcodeI32TruncF64S:
		s.push(uint64(uint32(truncToI32S(popF64(s)))))
	case OpcodeI32TruncF64U:
		s.push(uint64(truncToU32(popF64(s))))
	case OpcodeI64ExtendI32S:
		s.push(uint64(int64(int32(s.pop()))))
	case OpcodeI64ExtendI32U:
		s.push(uint64(uint32(s.pop())))
	case OpcodeI64TruncF32S:
		s.push(uint64(truncToI64S(float64(popF32(s)))))
	case OpcodeI64TruncF32U:
		s.push(truncToU64(float64(popF32(s))))
	case OpcodeI64TruncF64S:
		s.push(uint64(truncToI64S(popF64(s))))
	case OpcodeI64TruncF64U:
		s.push(truncToU64(popF64(s)))
	case OpcodeF32ConvertI32S:
		pushF32(s, float32(int32(s.pop())))
	case OpcodeF32ConvertI32U:
		pushF32(s, float32(uint32(s.pop())))
	case OpcodeF32ConvertI64S:
		pushF32(s, float32(int64(s.pop())))
	case OpcodeF32ConvertI64U:
		pushF32(s, float32(s.pop()))
	case OpcodeF32DemoteF64:
		pushF32(s, float32(popF64(s)))
	case OpcodeF64ConvertI32S:
		pushF64(s, float64(int32(s.pop())))
	case OpcodeF64ConvertI32U:
		pushF64(s, float64(uint32(s.pop())))
	case OpcodeF64ConvertI64S:
		pushF64(s, float64(int64(s.pop())))
	case OpcodeF64ConvertI64U:
		pushF64(s, float64(s.pop()))
	case OpcodeF64PromoteF32:
		pushF64(s, float64(popF32(s)))

	case OpcodeI32ReinterpretF32, OpcodeI64ReinterpretF64, OpcodeF32ReinterpretI32, OpcodeF64ReinterpretI64:
		// the raw 64-bit pattern already is the reinterpretation; nothing to do.

	case OpcodeI32Extend8S:
		s.push(uint64(uint32(int32(int8(s.pop())))))
	case OpcodeI32Extend16S:
		s.push(uint64(uint32(int32(int16(s.pop())))))
	case OpcodeI64Extend8S:
		s.push(uint64(int64(int8(s.pop()))))
	case OpcodeI64Extend16S:
		s.push(uint64(int64(int16(s.pop()))))
	case OpcodeI64Extend32S:
		s.push(uint64(int64(int32(s.pop()))))

	default:
		panic(newTrap("unimplemented opcode 0x%x", op))
	}
}

func popF32(s *operandStack) float32 { return math.Float32frombits(uint32(s.pop())) }
func popF64(s *operandStack) float64 { return math.Float64frombits(s.pop()) }
func pushF32(s *operandStack, v float32) { s.push(uint64(math.Float32bits(v))) }
func pushF64(s *operandStack, v float64) { s.push(math.Float64bits(v)) }

// wasmMinF32/wasmMaxF32/wasmMinF64/wasmMaxF64 implement the WebAssembly
// min/max rule: any NaN operand propagates a NaN, and -0 < +0.
func wasmMinF32(a, b float32) float32 {
	if math.IsNaN(float64(a)) || math.IsNaN(float64(b)) {
		return float32(math.NaN())
	}
	if a == 0 && b == 0 {
		if math.Signbit(float64(a)) {
			return a
		}
		return b
	}
	if a < b {
		return a
	}
	return b
}

func wasmMaxF32(a, b float32) float32 {
	if math.IsNaN(float64(a)) || math.IsNaN(float64(b)) {
		return float32(math.NaN())
	}
	if a == 0 && b == 0 {
		if math.Signbit(float64(a)) {
			return b
		}
		return a
	}
	if a > b {
		return a
	}
	return b
}

func wasmMinF64(a, b float64) float64 {
	if math.IsNaN(a) || math.IsNaN(b) {
		return math.NaN()
	}
	if a == 0 && b == 0 {
		if math.Signbit(a) {
			return a
		}
		return b
	}
	if a < b {
		return a
	}
	return b
}

func wasmMaxF64(a, b float64) float64 {
	if math.IsNaN(a) || math.IsNaN(b) {
		return math.NaN()
	}
	if a == 0 && b == 0 {
		if math.Signbit(a) {
			return b
		}
		return a
	}
	if a > b {
		return a
	}
	return b
}

// truncToI32S/truncToU32/truncToI64S/truncToU64 implement the MVP's
// trapping truncation: NaN and any value outside the destination range
// trap rather than saturate (that behavior belongs only to the
// saturating-truncation misc opcodes).
func truncToI32S(v float64) int32 {
	checkTruncable(v, -2147483649, 2147483648)
	return int32(v)
}

func truncToU32(v float64) uint32 {
	checkTruncable(v, -1, 4294967296)
	return uint32(v)
}

func truncToI64S(v float64) int64 {
	checkTruncable(v, -9223372036854777856, 9223372036854775808)
	return int64(v)
}

func truncToU64(v float64) uint64 {
	checkTruncable(v, -1, 18446744073709551616)
	return uint64(v)
}

func checkTruncable(v, lo, hi float64) {
	if math.IsNaN(v) {
		panic(newTrap("invalid conversion to integer"))
	}
	if v <= lo || v >= hi {
		panic(newTrap("integer overflow"))
	}
}

func clz32(v uint32) uint32    { return uint32(bits.LeadingZeros32(v)) }
func ctz32(v uint32) uint32    { return uint32(bits.TrailingZeros32(v)) }
func popcnt32(v uint32) uint32 { return uint32(bits.OnesCount32(v)) }
func rotl32(v, n uint32) uint32 { return bits.RotateLeft32(v, int(n&31)) }
func rotr32(v, n uint32) uint32 { return bits.RotateLeft32(v, -int(n&31)) }

func clz64(v uint64) uint64    { return uint64(bits.LeadingZeros64(v)) }
func ctz64(v uint64) uint64    { return uint64(bits.TrailingZeros64(v)) }
func popcnt64(v uint64) uint64 { return uint64(bits.OnesCount64(v)) }
func rotl64(v, n uint64) uint64 { return bits.RotateLeft64(v, int(n&63)) }
func rotr64(v, n uint64) uint64 { return bits.RotateLeft64(v, -int(n&63)) }
