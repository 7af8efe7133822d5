package wasm

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"reflect"

	"github.com/loopvm/loopvm/wasm/leb128"
)

// interpreter is the direct, tree-walking Engine: it interprets the code
// section's byte stream without a separate compile or lowering pass.
// Compile/PreCompile exist only to satisfy Engine and validate host
// function registration; the real per-function work (finding block
// boundaries) already happened in analyzeFunction before Compile runs.
type interpreter struct {
	maxCallDepth int
}

// NewInterpreter returns the direct-execution Engine used by Runtime.
func NewInterpreter(cfg RuntimeConfig) Engine {
	return &interpreter{maxCallDepth: cfg.maxCallDepth}
}

func (it *interpreter) PreCompile(fs []*FunctionInstance) error { return nil }

func (it *interpreter) Compile(f *FunctionInstance) error {
	if f.HostFunction == nil {
		return nil
	}
	if f.HostFunction.Kind() != reflect.Func {
		return fmt.Errorf("host function %s is not a func value", f.Name)
	}
	return nil
}

// Call is the top-level entry point for a fresh Invoke (or a start
// function); guest call/call_indirect recurse through invoke instead. Traps
// anywhere in the call tree unwind by panic to here, where they become a
// returned error.
func (it *interpreter) Call(ctx context.Context, f *FunctionInstance, args ...uint64) (returns []uint64, err error) {
	defer func() {
		if r := recover(); r != nil {
			t, ok := r.(*Trap)
			if !ok {
				panic(r)
			}
			if t.Function == "" {
				t.Function = f.Name
			}
			err = t
		}
	}()
	return it.invoke(ctx, 0, f, args), nil
}

func (it *interpreter) invoke(ctx context.Context, depth int, f *FunctionInstance, args []uint64) []uint64 {
	if it.maxCallDepth > 0 && depth > it.maxCallDepth {
		panic(newTrap("%s: exceeds max depth of %d", ErrCallStackOverflow, it.maxCallDepth))
	}
	if f.HostFunction != nil {
		return it.callHost(ctx, f, args)
	}

	frame := &callFrame{
		fn:      f,
		operand: newOperandStack(),
		locals:  make([]uint64, len(f.Signature.Params)+len(f.LocalTypes)),
		labels:  []label{{resultArity: len(f.Signature.Results)}},
	}
	copy(frame.locals, args)

	it.run(ctx, depth, frame)

	vals, _ := frame.operand.popKeep(len(f.Signature.Results))
	return vals
}

// callHost marshals a registered Go function's arguments via reflection
// and runs it. A host function signals a trap the same way guest code
// does: by panicking with a *Trap (or anything else, which is wrapped).
func (it *interpreter) callHost(ctx context.Context, f *FunctionInstance, args []uint64) []uint64 {
	fn := *f.HostFunction
	tp := fn.Type()
	in := make([]reflect.Value, tp.NumIn())
	in[0] = reflect.ValueOf(NewHostFunctionCallContext(ctx, f.ModuleInstance.Memory))
	for i, v := range args {
		in[i+1] = reflectArg(tp.In(i+1).Kind(), v)
	}

	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(*Trap); ok {
				panic(r)
			}
			panic(newTrap("host function %s: %v", f.Name, r))
		}
	}()

	out := fn.Call(in)
	ret := make([]uint64, len(out))
	for i, v := range out {
		ret[i] = reflectResult(v)
	}
	return ret
}

func reflectArg(kind reflect.Kind, v uint64) reflect.Value {
	switch kind {
	case reflect.Int32:
		return reflect.ValueOf(int32(v))
	case reflect.Uint32:
		return reflect.ValueOf(uint32(v))
	case reflect.Int64:
		return reflect.ValueOf(int64(v))
	case reflect.Uint64:
		return reflect.ValueOf(v)
	case reflect.Float32:
		return reflect.ValueOf(math.Float32frombits(uint32(v)))
	case reflect.Float64:
		return reflect.ValueOf(math.Float64frombits(v))
	default:
		panic(newTrap("unsupported host function parameter kind: %s", kind))
	}
}

func reflectResult(v reflect.Value) uint64 {
	switch v.Kind() {
	case reflect.Int32, reflect.Int64:
		return uint64(v.Int())
	case reflect.Uint32, reflect.Uint64:
		return v.Uint()
	case reflect.Float32:
		return uint64(math.Float32bits(float32(v.Float())))
	case reflect.Float64:
		return math.Float64bits(v.Float())
	default:
		panic(newTrap("unsupported host function result kind: %s", v.Kind()))
	}
}

// run drives the fetch-dispatch loop for a single activation until its
// label stack empties, which happens exactly when the function's own
// implicit top-level frame completes (by falling through its final end or
// by an explicit return).
func (it *interpreter) run(ctx context.Context, depth int, frame *callFrame) {
	body := frame.fn.Body
	for len(frame.labels) > 0 {
		opStart := frame.pc
		op := body[opStart]
		frame.pc++

		switch op {
		case OpcodeUnreachable:
			panic(newTrap("unreachable"))
		case OpcodeNop:
		case OpcodeBlock, OpcodeLoop, OpcodeIf:
			execEnter(frame, op, opStart)
		case OpcodeElse:
			execElse(frame)
		case OpcodeEnd:
			execEnd(frame)
		case OpcodeBr:
			idx := frame.readU32Inline()
			branchTo(frame, idx)
		case OpcodeBrIf:
			idx := frame.readU32Inline()
			if frame.operand.pop() != 0 {
				branchTo(frame, idx)
			}
		case OpcodeBrTable:
			execBrTable(frame)
		case OpcodeReturn:
			branchTo(frame, uint32(len(frame.labels)-1))
		case OpcodeCall:
			it.execCall(ctx, depth, frame)
		case OpcodeCallIndirect:
			it.execCallIndirect(ctx, depth, frame)
		case OpcodeDrop:
			frame.operand.drop()
		case OpcodeSelect:
			execSelect(frame)
		case OpcodeLocalGet:
			idx := frame.readU32Inline()
			frame.operand.push(frame.locals[idx])
		case OpcodeLocalSet:
			idx := frame.readU32Inline()
			frame.locals[idx] = frame.operand.pop()
		case OpcodeLocalTee:
			idx := frame.readU32Inline()
			frame.locals[idx] = frame.operand.peek()
		case OpcodeGlobalGet:
			idx := frame.readU32Inline()
			g := frame.fn.ModuleInstance.Globals[idx]
			frame.operand.pushOrigin(g.Val, OriginLoadResult)
		case OpcodeGlobalSet:
			idx := frame.readU32Inline()
			frame.fn.ModuleInstance.Globals[idx].Val = frame.operand.pop()
		case OpcodeTableGet:
			execTableGet(frame)
		case OpcodeTableSet:
			execTableSet(frame)
		case OpcodeRefNull:
			frame.readByteInline()
			frame.operand.push(NullRef)
		case OpcodeRefIsNull:
			v, o := frame.operand.popOrigin()
			frame.operand.pushOrigin(boolVal(v == NullRef), o)
		case OpcodeRefFunc:
			idx := frame.readU32Inline()
			frame.operand.push(uint64(idx))
		case OpcodeMiscPrefix:
			it.execMisc(frame)
		default:
			if op >= OpcodeI32Load && op <= OpcodeI64Store32 {
				execMemoryAccess(frame, op)
			} else if op == OpcodeMemorySize || op == OpcodeMemoryGrow {
				execMemorySizeGrow(frame, op)
			} else {
				execNumeric(frame, op)
			}
		}
	}
}

func (f *callFrame) readByteInline() byte {
	b := f.fn.Body[f.pc]
	f.pc++
	return b
}

func (f *callFrame) readU32Inline() uint32 {
	v, n, err := leb128.DecodeUint32(bytes.NewReader(f.fn.Body[f.pc:]))
	if err != nil {
		panic(newTrap("malformed immediate: %v", err))
	}
	f.pc += n
	return v
}

func (f *callFrame) readI32Inline() int32 {
	v, n, err := leb128.DecodeInt32(bytes.NewReader(f.fn.Body[f.pc:]))
	if err != nil {
		panic(newTrap("malformed immediate: %v", err))
	}
	f.pc += n
	return v
}

func (f *callFrame) readI64Inline() int64 {
	v, n, err := leb128.DecodeInt64(bytes.NewReader(f.fn.Body[f.pc:]))
	if err != nil {
		panic(newTrap("malformed immediate: %v", err))
	}
	f.pc += n
	return v
}

func (f *callFrame) readF32Inline() float32 {
	v := math.Float32frombits(binary.LittleEndian.Uint32(f.fn.Body[f.pc:]))
	f.pc += 4
	return v
}

func (f *callFrame) readF64Inline() float64 {
	v := math.Float64frombits(binary.LittleEndian.Uint64(f.fn.Body[f.pc:]))
	f.pc += 8
	return v
}

// memarg reads the (align, offset) pair every load/store carries. align is
// a hint only and is never consulted, matching the MVP's "unaligned access
// always works, just maybe slower on real hardware" semantics.
func (f *callFrame) memarg() (align, offset uint32) {
	align = f.readU32Inline()
	offset = f.readU32Inline()
	return
}
