package wasm

import (
	"bytes"
	"fmt"

	"github.com/loopvm/loopvm/wasm/leb128"
)

// FunctionInstanceBlock caches the control-flow boundaries of a single
// block/loop/if body, keyed by the program counter of its opening opcode,
// so the interpreter loop never re-scans a function body to find a
// matching else/end while branching.
type FunctionInstanceBlock struct {
	StartAt, ElseAt, EndAt uint64
	BlockType              *FunctionType
	IsLoop                 bool
	// TypeBytes is the length of the blocktype immediate that follows the
	// opening opcode, so the interpreter can skip it without re-decoding.
	TypeBytes uint64
}

// analyzeFunction walks a function body once, matching every block/loop/if
// with its else/end and recording the span in f.Blocks. This is a
// structural scan only: it does not type-check the operand stack (full
// validation is out of scope), it exists solely so branches can jump
// without re-parsing.
func analyzeFunction(module *Module, f *FunctionInstance) error {
	type frame struct {
		startAt   uint64
		isLoop    bool
		blockType *FunctionType
		typeBytes uint64
	}
	stack := []frame{{startAt: mathMaxUint64}} // sentinel for the function's own top-level body

	body := f.Body
	for pc := uint64(0); pc < uint64(len(body)); {
		op := body[pc]
		opStart := pc
		pc++

		switch op {
		case OpcodeBlock, OpcodeLoop, OpcodeIf:
			bt, n, err := readBlockType(module, bytes.NewReader(body[pc:]))
			if err != nil {
				return fmt.Errorf("read blocktype at %d: %w", opStart, err)
			}
			pc += n
			stack = append(stack, frame{startAt: opStart, isLoop: op == OpcodeLoop, blockType: bt, typeBytes: n})

		case OpcodeElse:
			if len(stack) < 2 {
				return fmt.Errorf("else without matching if at %d", opStart)
			}
			top := stack[len(stack)-1]
			f.Blocks[top.startAt] = &FunctionInstanceBlock{
				StartAt: top.startAt, ElseAt: opStart, BlockType: top.blockType, IsLoop: top.isLoop, TypeBytes: top.typeBytes,
			}
			// Replace the stack entry so OpcodeEnd below can still find it
			// (ElseAt already recorded; EndAt filled in when we hit end).
			stack[len(stack)-1] = top

		case OpcodeEnd:
			if len(stack) == 1 {
				// end of the function body itself.
				pc = uint64(len(body))
				break
			}
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			existing, hadElse := f.Blocks[top.startAt]
			elseAt := opStart
			if hadElse {
				elseAt = existing.ElseAt
			}
			f.Blocks[top.startAt] = &FunctionInstanceBlock{
				StartAt: top.startAt, ElseAt: elseAt, EndAt: opStart, BlockType: top.blockType, IsLoop: top.isLoop, TypeBytes: top.typeBytes,
			}

		default:
			n, err := skipImmediate(op, body[pc:])
			if err != nil {
				return fmt.Errorf("skip immediate for opcode %#x at %d: %w", op, opStart, err)
			}
			pc += n
		}
	}

	if len(stack) != 1 {
		return fmt.Errorf("unbalanced block structure: %d still open", len(stack)-1)
	}
	return nil
}

const mathMaxUint64 = ^uint64(0)

// skipImmediate returns the number of bytes consumed by op's immediate
// operand(s), given the bytes immediately following the opcode byte.
func skipImmediate(op Opcode, rest []byte) (uint64, error) {
	r := bytes.NewReader(rest)

	switch {
	case op == OpcodeBr || op == OpcodeBrIf:
		_, n, err := leb128.DecodeUint32(r)
		return n, err

	case op == OpcodeBrTable:
		vs, n, err := leb128.DecodeUint32(r)
		if err != nil {
			return 0, err
		}
		total := n
		for i := uint32(0); i < vs; i++ {
			_, n, err := leb128.DecodeUint32(r)
			if err != nil {
				return 0, err
			}
			total += n
		}
		_, n, err = leb128.DecodeUint32(r)
		if err != nil {
			return 0, err
		}
		return total + n, nil

	case op == OpcodeCall || op == OpcodeLocalGet || op == OpcodeLocalSet || op == OpcodeLocalTee ||
		op == OpcodeGlobalGet || op == OpcodeGlobalSet || op == OpcodeTableGet || op == OpcodeTableSet:
		_, n, err := leb128.DecodeUint32(r)
		return n, err

	case op == OpcodeCallIndirect:
		_, n, err := leb128.DecodeUint32(r)
		if err != nil {
			return 0, err
		}
		_, n2, err := leb128.DecodeUint32(bytes.NewReader(rest[n:]))
		if err != nil {
			return 0, err
		}
		return n + n2, nil

	case op == OpcodeRefNull:
		return 1, nil
	case op == OpcodeRefFunc:
		_, n, err := leb128.DecodeUint32(r)
		return n, err
	case op == OpcodeRefIsNull:
		return 0, nil

	case (op >= OpcodeI32Load && op <= OpcodeI64Store32) || op == OpcodeMemorySize || op == OpcodeMemoryGrow:
		if op == OpcodeMemorySize || op == OpcodeMemoryGrow {
			return 1, nil // reserved byte, always 0x00
		}
		_, n1, err := leb128.DecodeUint32(r)
		if err != nil {
			return 0, err
		}
		_, n2, err := leb128.DecodeUint32(bytes.NewReader(rest[n1:]))
		if err != nil {
			return 0, err
		}
		return n1 + n2, nil

	case op == OpcodeI32Const:
		_, n, err := leb128.DecodeInt32(r)
		return n, err
	case op == OpcodeI64Const:
		_, n, err := leb128.DecodeInt64(r)
		return n, err
	case op == OpcodeF32Const:
		return 4, nil
	case op == OpcodeF64Const:
		return 8, nil

	case op == OpcodeMiscPrefix:
		return skipMiscImmediate(rest)

	default:
		// Every remaining opcode (control/compare/arithmetic/conversion/
		// sign-extension/drop/select/unreachable/nop/end-family handled
		// above) has no immediate operand.
		return 0, nil
	}
}

func skipMiscImmediate(rest []byte) (uint64, error) {
	if len(rest) == 0 {
		return 0, fmt.Errorf("missing misc opcode byte")
	}
	misc := rest[0]
	r := bytes.NewReader(rest[1:])

	switch misc {
	case MiscOpcodeI32TruncSatF32S, MiscOpcodeI32TruncSatF32U, MiscOpcodeI32TruncSatF64S, MiscOpcodeI32TruncSatF64U,
		MiscOpcodeI64TruncSatF32S, MiscOpcodeI64TruncSatF32U, MiscOpcodeI64TruncSatF64S, MiscOpcodeI64TruncSatF64U:
		return 1, nil

	case MiscOpcodeMemoryInit:
		_, n1, err := leb128.DecodeUint32(r)
		if err != nil {
			return 0, err
		}
		_, n2, err := leb128.DecodeUint32(bytes.NewReader(rest[1+n1:]))
		if err != nil {
			return 0, err
		}
		return 1 + n1 + n2, nil
	case MiscOpcodeDataDrop:
		_, n, err := leb128.DecodeUint32(r)
		return 1 + n, err
	case MiscOpcodeMemoryCopy:
		return 3, nil // two reserved 0x00 bytes
	case MiscOpcodeMemoryFill:
		return 2, nil // one reserved 0x00 byte
	case MiscOpcodeTableInit:
		_, n1, err := leb128.DecodeUint32(r)
		if err != nil {
			return 0, err
		}
		_, n2, err := leb128.DecodeUint32(bytes.NewReader(rest[1+n1:]))
		if err != nil {
			return 0, err
		}
		return 1 + n1 + n2, nil
	case MiscOpcodeElemDrop:
		_, n, err := leb128.DecodeUint32(r)
		return 1 + n, err
	case MiscOpcodeTableCopy:
		_, n1, err := leb128.DecodeUint32(r)
		if err != nil {
			return 0, err
		}
		_, n2, err := leb128.DecodeUint32(bytes.NewReader(rest[1+n1:]))
		if err != nil {
			return 0, err
		}
		return 1 + n1 + n2, nil
	case MiscOpcodeTableGrow, MiscOpcodeTableFill:
		_, n, err := leb128.DecodeUint32(r)
		return 1 + n, err
	case MiscOpcodeTableSize:
		_, n, err := leb128.DecodeUint32(r)
		return 1 + n, err
	default:
		return 0, fmt.Errorf("unknown misc opcode %#x", misc)
	}
}

func readBlockType(module *Module, r *bytes.Reader) (*FunctionType, uint64, error) {
	raw, num, err := leb128.DecodeInt33AsInt64(r)
	if err != nil {
		return nil, 0, fmt.Errorf("decode blocktype: %w", err)
	}

	switch raw {
	case -64: // 0x40: empty
		return &FunctionType{}, num, nil
	case -1:
		return &FunctionType{Results: []ValueType{ValueTypeI32}}, num, nil
	case -2:
		return &FunctionType{Results: []ValueType{ValueTypeI64}}, num, nil
	case -3:
		return &FunctionType{Results: []ValueType{ValueTypeF32}}, num, nil
	case -4:
		return &FunctionType{Results: []ValueType{ValueTypeF64}}, num, nil
	case -16: // 0x70: funcref
		return &FunctionType{Results: []ValueType{ValueTypeFuncref}}, num, nil
	case -17: // 0x6f: externref
		return &FunctionType{Results: []ValueType{ValueTypeExternref}}, num, nil
	default:
		if raw < 0 || raw >= int64(len(module.SecTypes)) {
			return nil, 0, fmt.Errorf("invalid block type index: %d", raw)
		}
		return module.SecTypes[raw], num, nil
	}
}
