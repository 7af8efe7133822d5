package wasm

import "encoding/binary"

func memoryOf(frame *callFrame) *MemoryInstance {
	mem := frame.fn.ModuleInstance.Memory
	if mem == nil {
		panic(newTrap("no memory"))
	}
	return mem
}

// effectiveAddr computes base+offset as an unsigned 64-bit add so the
// bounds check below catches wraparound instead of silently truncating it.
func effectiveAddr(frame *callFrame, offset uint32) uint64 {
	base := uint32(frame.operand.pop())
	return uint64(base) + uint64(offset)
}

func checkBounds(mem *MemoryInstance, addr uint64, width uint64) {
	if addr+width > uint64(len(mem.Buffer)) {
		panic(newTrap("out of bounds memory access"))
	}
}

func execMemoryAccess(frame *callFrame, op Opcode) {
	_, offset := frame.memarg()
	mem := memoryOf(frame)

	switch op {
	case OpcodeI32Load:
		addr := effectiveAddr(frame, offset)
		checkBounds(mem, addr, 4)
		frame.operand.pushOrigin(uint64(binary.LittleEndian.Uint32(mem.Buffer[addr:])), OriginLoadResult)
	case OpcodeI64Load:
		addr := effectiveAddr(frame, offset)
		checkBounds(mem, addr, 8)
		frame.operand.pushOrigin(binary.LittleEndian.Uint64(mem.Buffer[addr:]), OriginLoadResult)
	case OpcodeF32Load:
		addr := effectiveAddr(frame, offset)
		checkBounds(mem, addr, 4)
		frame.operand.pushOrigin(uint64(binary.LittleEndian.Uint32(mem.Buffer[addr:])), OriginLoadResult)
	case OpcodeF64Load:
		addr := effectiveAddr(frame, offset)
		checkBounds(mem, addr, 8)
		frame.operand.pushOrigin(binary.LittleEndian.Uint64(mem.Buffer[addr:]), OriginLoadResult)

	case OpcodeI32Load8S:
		addr := effectiveAddr(frame, offset)
		checkBounds(mem, addr, 1)
		frame.operand.pushOrigin(uint64(uint32(int32(int8(mem.Buffer[addr])))), OriginLoadResult)
	case OpcodeI32Load8U:
		addr := effectiveAddr(frame, offset)
		checkBounds(mem, addr, 1)
		frame.operand.pushOrigin(uint64(mem.Buffer[addr]), OriginLoadResult)
	case OpcodeI32Load16S:
		addr := effectiveAddr(frame, offset)
		checkBounds(mem, addr, 2)
		frame.operand.pushOrigin(uint64(uint32(int32(int16(binary.LittleEndian.Uint16(mem.Buffer[addr:]))))), OriginLoadResult)
	case OpcodeI32Load16U:
		addr := effectiveAddr(frame, offset)
		checkBounds(mem, addr, 2)
		frame.operand.pushOrigin(uint64(binary.LittleEndian.Uint16(mem.Buffer[addr:])), OriginLoadResult)

	case OpcodeI64Load8S:
		addr := effectiveAddr(frame, offset)
		checkBounds(mem, addr, 1)
		frame.operand.pushOrigin(uint64(int64(int8(mem.Buffer[addr]))), OriginLoadResult)
	case OpcodeI64Load8U:
		addr := effectiveAddr(frame, offset)
		checkBounds(mem, addr, 1)
		frame.operand.pushOrigin(uint64(mem.Buffer[addr]), OriginLoadResult)
	case OpcodeI64Load16S:
		addr := effectiveAddr(frame, offset)
		checkBounds(mem, addr, 2)
		frame.operand.pushOrigin(uint64(int64(int16(binary.LittleEndian.Uint16(mem.Buffer[addr:])))), OriginLoadResult)
	case OpcodeI64Load16U:
		addr := effectiveAddr(frame, offset)
		checkBounds(mem, addr, 2)
		frame.operand.pushOrigin(uint64(binary.LittleEndian.Uint16(mem.Buffer[addr:])), OriginLoadResult)
	case OpcodeI64Load32S:
		addr := effectiveAddr(frame, offset)
		checkBounds(mem, addr, 4)
		frame.operand.pushOrigin(uint64(int64(int32(binary.LittleEndian.Uint32(mem.Buffer[addr:])))), OriginLoadResult)
	case OpcodeI64Load32U:
		addr := effectiveAddr(frame, offset)
		checkBounds(mem, addr, 4)
		frame.operand.pushOrigin(uint64(binary.LittleEndian.Uint32(mem.Buffer[addr:])), OriginLoadResult)

	case OpcodeI32Store:
		storeValAddr(frame, mem, offset, 4, func(addr uint64, v uint64) {
			binary.LittleEndian.PutUint32(mem.Buffer[addr:], uint32(v))
		})
	case OpcodeI64Store:
		storeValAddr(frame, mem, offset, 8, func(addr uint64, v uint64) {
			binary.LittleEndian.PutUint64(mem.Buffer[addr:], v)
		})
	case OpcodeF32Store:
		storeValAddr(frame, mem, offset, 4, func(addr uint64, v uint64) {
			binary.LittleEndian.PutUint32(mem.Buffer[addr:], uint32(v))
		})
	case OpcodeF64Store:
		storeValAddr(frame, mem, offset, 8, func(addr uint64, v uint64) {
			binary.LittleEndian.PutUint64(mem.Buffer[addr:], v)
		})
	case OpcodeI32Store8:
		storeValAddr(frame, mem, offset, 1, func(addr uint64, v uint64) {
			mem.Buffer[addr] = byte(v)
		})
	case OpcodeI32Store16:
		storeValAddr(frame, mem, offset, 2, func(addr uint64, v uint64) {
			binary.LittleEndian.PutUint16(mem.Buffer[addr:], uint16(v))
		})
	case OpcodeI64Store8:
		storeValAddr(frame, mem, offset, 1, func(addr uint64, v uint64) {
			mem.Buffer[addr] = byte(v)
		})
	case OpcodeI64Store16:
		storeValAddr(frame, mem, offset, 2, func(addr uint64, v uint64) {
			binary.LittleEndian.PutUint16(mem.Buffer[addr:], uint16(v))
		})
	case OpcodeI64Store32:
		storeValAddr(frame, mem, offset, 4, func(addr uint64, v uint64) {
			binary.LittleEndian.PutUint32(mem.Buffer[addr:], uint32(v))
		})
	}
}

// storeValAddr implements the store-operand heuristic: the two operands
// below a store are ordinarily [address, value] (value on top), but when
// the second-from-top carries a CallResult/LoadResult tag and the top does
// not, the roles are swapped and address is popped first instead.
func storeValAddr(frame *callFrame, mem *MemoryInstance, offset uint32, width uint64, write func(addr, v uint64)) {
	s := frame.operand
	topOrigin := s.peekOriginAt(0)
	secondOrigin := s.peekOriginAt(1)
	reversed := (secondOrigin == OriginCallResult || secondOrigin == OriginLoadResult) &&
		!(topOrigin == OriginCallResult || topOrigin == OriginLoadResult)

	var value uint64
	var base uint32
	if reversed {
		base = uint32(s.pop())
		value = s.pop()
	} else {
		value = s.pop()
		base = uint32(s.pop())
	}
	addr := uint64(base) + uint64(offset)
	checkBounds(mem, addr, width)
	write(addr, value)
}

// maxMemoryPages is the hard ceiling on page count the MVP's 32-bit
// addressing allows, independent of any module-declared max.
const maxMemoryPages = 1 << 16

func execMemorySizeGrow(frame *callFrame, op Opcode) {
	frame.readByteInline() // reserved
	mem := memoryOf(frame)

	switch op {
	case OpcodeMemorySize:
		frame.operand.push(uint64(len(mem.Buffer)) / PageSize)
	case OpcodeMemoryGrow:
		delta := uint32(frame.operand.pop())
		cur := uint64(len(mem.Buffer)) / PageSize
		next := cur + uint64(delta)
		if next > maxMemoryPages || (mem.Max != nil && next > uint64(*mem.Max)) {
			frame.operand.push(uint64(uint32(0xFFFFFFFF)))
			return
		}
		mem.Buffer = append(mem.Buffer, make([]byte, uint64(delta)*PageSize)...)
		frame.operand.push(cur)
	}
}
