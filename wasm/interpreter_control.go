package wasm

import "context"

// execEnter handles block/loop/if: it pushes a control-stack label and
// moves pc to the first instruction of the body that actually runs (the
// if-branch, the else-branch, or straight past an else-less false if).
func execEnter(frame *callFrame, op Opcode, opStart uint64) {
	blk := frame.fn.Blocks[opStart]
	bodyStart := opStart + 1 + blk.TypeBytes

	if op == OpcodeIf {
		cond := frame.operand.pop()
		l := label{
			height:      frame.operand.height(),
			paramArity:  len(blk.BlockType.Params),
			resultArity: len(blk.BlockType.Results),
			endPC:       blk.EndAt + 1,
		}
		switch {
		case cond != 0:
			frame.labels = append(frame.labels, l)
			frame.pc = bodyStart
		case blk.ElseAt != blk.EndAt:
			frame.labels = append(frame.labels, l)
			frame.pc = blk.ElseAt + 1
		default:
			frame.pc = blk.EndAt + 1
		}
		return
	}

	frame.labels = append(frame.labels, label{
		height:      frame.operand.height(),
		paramArity:  len(blk.BlockType.Params),
		resultArity: len(blk.BlockType.Results),
		isLoop:      op == OpcodeLoop,
		bodyPC:      bodyStart,
		endPC:       blk.EndAt + 1,
	})
	frame.pc = bodyStart
}

// execElse runs when normal forward execution (the if-branch was taken)
// reaches the else of an if: skip the else-body entirely by jumping to the
// matching end, which then runs the ordinary end bookkeeping below.
func execElse(frame *callFrame) {
	top := frame.labels[len(frame.labels)-1]
	frame.pc = top.endPC - 1
}

func execEnd(frame *callFrame) {
	top := frame.labels[len(frame.labels)-1]
	frame.labels = frame.labels[:len(frame.labels)-1]
	vals, origins := frame.operand.popKeep(top.resultArity)
	frame.operand.truncateTo(top.height)
	frame.operand.pushKeep(vals, origins)
	frame.pc = top.endPC
}

// branchTo implements br/br_if/br_table/return: target is the label index
// counting outward from the innermost (0 = innermost). Branching to a loop
// label re-enters its body and keeps the label (the loop is still active);
// branching to anything else pops it and every label nested inside it.
func branchTo(frame *callFrame, target uint32) {
	idx := len(frame.labels) - 1 - int(target)
	l := frame.labels[idx]

	arity := l.resultArity
	if l.isLoop {
		arity = l.paramArity
	}
	vals, origins := frame.operand.popKeep(arity)
	frame.operand.truncateTo(l.height)
	frame.operand.pushKeep(vals, origins)

	if l.isLoop {
		frame.labels = frame.labels[:idx+1]
		frame.pc = l.bodyPC
	} else {
		frame.labels = frame.labels[:idx]
		frame.pc = l.endPC
	}
}

func execBrTable(frame *callFrame) {
	count := frame.readU32Inline()
	targets := make([]uint32, count)
	for i := range targets {
		targets[i] = frame.readU32Inline()
	}
	defaultTarget := frame.readU32Inline()

	i := frame.operand.pop()
	target := defaultTarget
	if i < uint64(count) {
		target = targets[i]
	}
	branchTo(frame, target)
}

func execSelect(frame *callFrame) {
	c := frame.operand.pop()
	v2, o2 := frame.operand.popOrigin()
	v1, o1 := frame.operand.popOrigin()
	if c != 0 {
		frame.operand.pushOrigin(v1, o1)
	} else {
		frame.operand.pushOrigin(v2, o2)
	}
}

func (it *interpreter) execCall(ctx context.Context, depth int, frame *callFrame) {
	idx := frame.readU32Inline()
	callee := frame.fn.ModuleInstance.Functions[idx]
	args := popArgs(frame.operand, len(callee.Signature.Params))
	ret := it.invoke(ctx, depth+1, callee, args)
	frame.operand.pushUniform(ret, OriginCallResult)
}

func (it *interpreter) execCallIndirect(ctx context.Context, depth int, frame *callFrame) {
	typeIdx := frame.readU32Inline()
	tableIdx := frame.readU32Inline()

	mi := frame.fn.ModuleInstance
	if int(tableIdx) >= len(mi.Tables) {
		panic(newTrap("unknown table %d", tableIdx))
	}
	table := mi.Tables[tableIdx]

	elemIdx := uint32(frame.operand.pop())
	if elemIdx >= uint32(len(table.Elements)) {
		panic(newTrap("undefined element %d", elemIdx))
	}
	ref := table.Elements[elemIdx]
	if ref == NullRef {
		panic(newTrap("uninitialized element %d", elemIdx))
	}

	funcIdx := uint32(ref)
	if funcIdx >= uint32(len(mi.Functions)) {
		panic(newTrap("indirect call target out of range"))
	}
	callee := mi.Functions[funcIdx]

	if int(typeIdx) >= len(mi.Types) {
		panic(newTrap("unknown type %d", typeIdx))
	}
	want := mi.Types[typeIdx]
	if !hasSameSignature(want.Params, callee.Signature.Params) || !hasSameSignature(want.Results, callee.Signature.Results) {
		panic(newTrap("indirect call type mismatch"))
	}

	args := popArgs(frame.operand, len(callee.Signature.Params))
	ret := it.invoke(ctx, depth+1, callee, args)
	frame.operand.pushUniform(ret, OriginCallResult)
}

// popArgs pops n values off the operand stack, in call-argument order
// (arg0 is the one pushed deepest).
func popArgs(s *operandStack, n int) []uint64 {
	vals, _ := s.popKeep(n)
	return vals
}

func execTableGet(frame *callFrame) {
	idx := frame.readU32Inline()
	table := frame.fn.ModuleInstance.Tables[idx]
	i := uint32(frame.operand.pop())
	if i >= uint32(len(table.Elements)) {
		panic(newTrap("out of bounds table access"))
	}
	frame.operand.pushOrigin(table.Elements[i], OriginLoadResult)
}

func execTableSet(frame *callFrame) {
	idx := frame.readU32Inline()
	table := frame.fn.ModuleInstance.Tables[idx]
	v := frame.operand.pop()
	i := uint32(frame.operand.pop())
	if i >= uint32(len(table.Elements)) {
		panic(newTrap("out of bounds table access"))
	}
	table.Elements[i] = v
}
