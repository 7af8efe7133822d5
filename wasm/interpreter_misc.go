package wasm

import "math"

// execMisc dispatches the 0xFC-prefixed family: saturating truncation,
// bulk memory, and table growth/fill/copy.
func (it *interpreter) execMisc(frame *callFrame) {
	misc := frame.readByteInline()
	s := frame.operand

	switch misc {
	case MiscOpcodeI32TruncSatF32S:
		s.push(uint64(uint32(satI32(float64(popF32(s))))))
	case MiscOpcodeI32TruncSatF32U:
		s.push(uint64(satU32(float64(popF32(s)))))
	case MiscOpcodeI32TruncSatF64S:
		s.push(uint64(uint32(satI32(popF64(s)))))
	case MiscOpcodeI32TruncSatF64U:
		s.push(uint64(satU32(popF64(s))))
	case MiscOpcodeI64TruncSatF32S:
		s.push(uint64(satI64(float64(popF32(s)))))
	case MiscOpcodeI64TruncSatF32U:
		s.push(satU64(float64(popF32(s))))
	case MiscOpcodeI64TruncSatF64S:
		s.push(uint64(satI64(popF64(s))))
	case MiscOpcodeI64TruncSatF64U:
		s.push(satU64(popF64(s)))

	case MiscOpcodeMemoryInit:
		execMemoryInit(frame)
	case MiscOpcodeDataDrop:
		idx := frame.readU32Inline()
		frame.fn.ModuleInstance.DataInstances[idx].Dropped = true
	case MiscOpcodeMemoryCopy:
		execMemoryCopy(frame)
	case MiscOpcodeMemoryFill:
		execMemoryFill(frame)
	case MiscOpcodeTableInit:
		execTableInit(frame)
	case MiscOpcodeElemDrop:
		idx := frame.readU32Inline()
		frame.fn.ModuleInstance.ElemInstances[idx].Dropped = true
	case MiscOpcodeTableCopy:
		execTableCopy(frame)
	case MiscOpcodeTableGrow:
		execTableGrow(frame)
	case MiscOpcodeTableSize:
		idx := frame.readU32Inline()
		table := frame.fn.ModuleInstance.Tables[idx]
		s.push(uint64(uint32(len(table.Elements))))
	case MiscOpcodeTableFill:
		execTableFill(frame)

	default:
		panic(newTrap("unknown misc opcode 0x%x", misc))
	}
}

// satI32/satU32/satI64/satU64 implement non-trapping saturating
// truncation: NaN saturates to 0, and out-of-range values clamp to the
// destination type's min or max instead of trapping.
func satI32(v float64) int32 {
	if math.IsNaN(v) {
		return 0
	}
	if v <= -2147483649 {
		return math.MinInt32
	}
	if v >= 2147483648 {
		return math.MaxInt32
	}
	return int32(v)
}

func satU32(v float64) uint32 {
	if math.IsNaN(v) || v <= -1 {
		return 0
	}
	if v >= 4294967296 {
		return math.MaxUint32
	}
	return uint32(v)
}

func satI64(v float64) int64 {
	if math.IsNaN(v) {
		return 0
	}
	if v <= -9223372036854777856 {
		return math.MinInt64
	}
	if v >= 9223372036854775808 {
		return math.MaxInt64
	}
	return int64(v)
}

func satU64(v float64) uint64 {
	if math.IsNaN(v) || v <= -1 {
		return 0
	}
	if v >= 18446744073709551616 {
		return math.MaxUint64
	}
	return uint64(v)
}

// execMemoryInit, execMemoryCopy and execMemoryFill consume their index
// immediates first (memory indices are read but not checked, since a module
// has at most one memory) and then bounds-check the span before touching
// memory, so a zero-length call never dereferences an out-of-range base.
func execMemoryInit(frame *callFrame) {
	dataIdx := frame.readU32Inline()
	_ = frame.readU32Inline() // memidx, always 0 in the MVP
	mem := memoryOf(frame)
	data := frame.fn.ModuleInstance.DataInstances[dataIdx]

	n := uint32(frame.operand.pop())
	src := uint32(frame.operand.pop())
	dst := uint32(frame.operand.pop())

	if data.Dropped {
		if n != 0 {
			panic(newTrap("out of bounds memory access"))
		}
		return
	}
	if uint64(src)+uint64(n) > uint64(len(data.Data)) || uint64(dst)+uint64(n) > uint64(len(mem.Buffer)) {
		panic(newTrap("out of bounds memory access"))
	}
	copy(mem.Buffer[dst:dst+n], data.Data[src:src+n])
}

func execMemoryCopy(frame *callFrame) {
	frame.readByteInline() // dst memidx
	frame.readByteInline() // src memidx
	mem := memoryOf(frame)

	n := uint32(frame.operand.pop())
	src := uint32(frame.operand.pop())
	dst := uint32(frame.operand.pop())

	if uint64(src)+uint64(n) > uint64(len(mem.Buffer)) || uint64(dst)+uint64(n) > uint64(len(mem.Buffer)) {
		panic(newTrap("out of bounds memory access"))
	}
	// copy() already handles overlap correctly regardless of direction.
	copy(mem.Buffer[dst:dst+n], mem.Buffer[src:src+n])
}

func execMemoryFill(frame *callFrame) {
	frame.readByteInline() // memidx
	mem := memoryOf(frame)

	n := uint32(frame.operand.pop())
	val := byte(frame.operand.pop())
	dst := uint32(frame.operand.pop())

	if uint64(dst)+uint64(n) > uint64(len(mem.Buffer)) {
		panic(newTrap("out of bounds memory access"))
	}
	buf := mem.Buffer[dst : dst+n]
	for i := range buf {
		buf[i] = val
	}
}

func execTableInit(frame *callFrame) {
	elemIdx := frame.readU32Inline()
	tableIdx := frame.readU32Inline()

	elem := frame.fn.ModuleInstance.ElemInstances[elemIdx]
	table := frame.fn.ModuleInstance.Tables[tableIdx]

	n := uint32(frame.operand.pop())
	src := uint32(frame.operand.pop())
	dst := uint32(frame.operand.pop())

	if elem.Dropped {
		if n != 0 {
			panic(newTrap("out of bounds table access"))
		}
		return
	}
	if uint64(src)+uint64(n) > uint64(len(elem.Elements)) || uint64(dst)+uint64(n) > uint64(len(table.Elements)) {
		panic(newTrap("out of bounds table access"))
	}
	copy(table.Elements[dst:dst+n], elem.Elements[src:src+n])
}

func execTableCopy(frame *callFrame) {
	dstIdx := frame.readU32Inline()
	srcIdx := frame.readU32Inline()
	dstTable := frame.fn.ModuleInstance.Tables[dstIdx]
	srcTable := frame.fn.ModuleInstance.Tables[srcIdx]

	n := uint32(frame.operand.pop())
	src := uint32(frame.operand.pop())
	dst := uint32(frame.operand.pop())

	if uint64(src)+uint64(n) > uint64(len(srcTable.Elements)) || uint64(dst)+uint64(n) > uint64(len(dstTable.Elements)) {
		panic(newTrap("out of bounds table access"))
	}
	copy(dstTable.Elements[dst:dst+n], srcTable.Elements[src:src+n])
}

func execTableGrow(frame *callFrame) {
	idx := frame.readU32Inline()
	table := frame.fn.ModuleInstance.Tables[idx]

	n := uint32(frame.operand.pop())
	val := frame.operand.pop()

	old := uint32(len(table.Elements))
	next := uint64(old) + uint64(n)
	if table.Max != nil && next > uint64(*table.Max) {
		frame.operand.push(uint64(uint32(0xFFFFFFFF)))
		return
	}
	grown := make([]uint64, n)
	for i := range grown {
		grown[i] = val
	}
	table.Elements = append(table.Elements, grown...)
	frame.operand.push(uint64(old))
}

func execTableFill(frame *callFrame) {
	idx := frame.readU32Inline()
	table := frame.fn.ModuleInstance.Tables[idx]

	n := uint32(frame.operand.pop())
	val := frame.operand.pop()
	dst := uint32(frame.operand.pop())

	if uint64(dst)+uint64(n) > uint64(len(table.Elements)) {
		panic(newTrap("out of bounds table access"))
	}
	buf := table.Elements[dst : dst+n]
	for i := range buf {
		buf[i] = val
	}
}
