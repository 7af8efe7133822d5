package wasm

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustLoad(t *testing.T, cfg RuntimeConfig, bin []byte) *Runtime {
	t.Helper()
	rt := NewRuntime(cfg)
	require.NoError(t, rt.Load(bin))
	return rt
}

// scenario 1: addition then store, the straightforward [addr, value]
// operand order storeValAddr takes when neither operand is tagged as a
// call or load result.
func TestScenario_AdditionThenStore(t *testing.T) {
	b := newModuleBuilder()
	ft := b.addType(nil, nil)
	body := []byte{
		OpcodeI32Const, 0x00, // dst addr 0
		OpcodeI32Const, 0x0a, // 10
		OpcodeI32Const, 0x05, // 5
		OpcodeI32Add,
		OpcodeI32Store, 0x02, 0x00, // align=2, offset=0
		OpcodeEnd,
	}
	fn := b.addFunc(ft, nil, body)
	pages := uint32(1)
	b.setMemory(pages, nil)
	b.exportFunc("run", fn)
	b.exportMemory("mem")

	rt := mustLoad(t, NewRuntimeConfig(), b.build())
	_, err := rt.Invoke(context.Background(), "run")
	require.NoError(t, err)

	v, ok := rt.Memory().ReadUint32Le(0)
	require.True(t, ok)
	assert.Equal(t, uint32(15), v)
}

// storeValAddr's reversed pop order: the value expression is a load (tagged
// OriginLoadResult) evaluated before a plain-const address, leaving the
// operand stack as [value(tagged), address(untagged)] instead of the usual
// [address, value]. Getting this wrong sends the loaded word itself in as
// the store address, which is nowhere near a valid offset into one page
// and traps instead of round-tripping.
func TestStoreOperandHeuristic_ReversedOrder(t *testing.T) {
	b := newModuleBuilder()
	ft := b.addType(nil, nil)
	body := []byte{
		OpcodeI32Const, 0x00, // base address 0 for the load below
		OpcodeI32Load, 0x02, 0x08, // load the 4 bytes at address 8 (tagged LoadResult)
		OpcodeI32Const, 0x04, // address 4 (untagged)
		OpcodeI32Store, 0x02, 0x00,
		OpcodeEnd,
	}
	fn := b.addFunc(ft, nil, body)
	b.setMemory(1, nil)
	b.setData(0, []byte{0, 0, 0, 0, 0, 0, 0, 0, 0xAA, 0xBB, 0xCC, 0xDD})
	b.exportFunc("run", fn)
	b.exportMemory("mem")

	rt := mustLoad(t, NewRuntimeConfig(), b.build())
	_, err := rt.Invoke(context.Background(), "run")
	require.NoError(t, err)

	v, ok := rt.Memory().ReadUint32Le(4)
	require.True(t, ok)
	assert.Equal(t, uint32(0xDDCCBBAA), v)
}

// scenario 2: loop summing 1..=5 via a block+loop+br_if construct, returned
// directly rather than stored, to keep the control-flow encoding the focus.
func TestScenario_LoopSum(t *testing.T) {
	b := newModuleBuilder()
	ft := b.addType(nil, []ValueType{ValueTypeI32})
	// locals: 0 = i (counter), 1 = acc
	body := []byte{}
	body = append(body, OpcodeI32Const, 0x01, OpcodeLocalSet, 0x00) // i = 1
	body = append(body, OpcodeI32Const, 0x00, OpcodeLocalSet, 0x01) // acc = 0
	body = append(body, OpcodeBlock, BlockTypeEmpty)
	body = append(body, OpcodeLoop, BlockTypeEmpty)
	// if i > 5, br 1 (exit loop via enclosing block)
	body = append(body, OpcodeLocalGet, 0x00)
	body = append(body, OpcodeI32Const, 0x05)
	body = append(body, OpcodeI32GtS)
	body = append(body, OpcodeBrIf, 0x01)
	// acc += i
	body = append(body, OpcodeLocalGet, 0x01, OpcodeLocalGet, 0x00, OpcodeI32Add, OpcodeLocalSet, 0x01)
	// i += 1
	body = append(body, OpcodeLocalGet, 0x00, OpcodeI32Const, 0x01, OpcodeI32Add, OpcodeLocalSet, 0x00)
	body = append(body, OpcodeBr, 0x00) // continue loop
	body = append(body, OpcodeEnd)      // end loop
	body = append(body, OpcodeEnd)      // end block
	body = append(body, OpcodeLocalGet, 0x01)
	body = append(body, OpcodeEnd)

	fn := b.addFunc(ft, []ValueType{ValueTypeI32, ValueTypeI32}, body)
	b.exportFunc("sum", fn)

	rt := mustLoad(t, NewRuntimeConfig(), b.build())
	res, err := rt.Invoke(context.Background(), "sum")
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, uint64(15), res[0])
}

// scenario 3: recursive factorial(5) == 120, exercising self-call and
// if/else with a non-empty (i32) result block type.
func TestScenario_RecursiveFactorial(t *testing.T) {
	b := newModuleBuilder()
	ft := b.addType([]ValueType{ValueTypeI32}, []ValueType{ValueTypeI32})
	body := []byte{
		OpcodeLocalGet, 0x00,
		OpcodeI32Const, 0x01,
		OpcodeI32LeS,
		OpcodeIf, byte(ValueTypeI32), // if (result i32)
		OpcodeI32Const, 0x01,
		OpcodeElse,
		OpcodeLocalGet, 0x00,
		OpcodeLocalGet, 0x00,
		OpcodeI32Const, 0x01,
		OpcodeI32Sub,
		OpcodeCall, 0x00, // call self (function index 0)
		OpcodeI32Mul,
		OpcodeEnd, // end if
		OpcodeEnd, // end function
	}
	fn := b.addFunc(ft, nil, body)
	b.exportFunc("factorial", fn)

	rt := mustLoad(t, NewRuntimeConfig(), b.build())
	res, err := rt.Invoke(context.Background(), "factorial", 5)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, uint64(120), res[0])
}

// scenario 4: a table populated at instantiation time, dispatched through
// call_indirect. Slot 0 holds add, slot 1 holds multiply; the guest calls
// slot 1 with (5, 10) and expects 50.
func TestScenario_CallIndirectDispatch(t *testing.T) {
	b := newModuleBuilder()
	binaryType := b.addType([]ValueType{ValueTypeI32, ValueTypeI32}, []ValueType{ValueTypeI32})

	addFn := b.addFunc(binaryType, nil, []byte{
		OpcodeLocalGet, 0x00, OpcodeLocalGet, 0x01, OpcodeI32Add, OpcodeEnd,
	})
	mulFn := b.addFunc(binaryType, nil, []byte{
		OpcodeLocalGet, 0x00, OpcodeLocalGet, 0x01, OpcodeI32Mul, OpcodeEnd,
	})

	dispatchType := b.addType([]ValueType{ValueTypeI32, ValueTypeI32, ValueTypeI32}, []ValueType{ValueTypeI32})
	dispatchBody := []byte{
		OpcodeLocalGet, 0x00, // a
		OpcodeLocalGet, 0x01, // b
		OpcodeLocalGet, 0x02, // table index
		OpcodeCallIndirect,
	}
	dispatchBody = append(dispatchBody, uleb(binaryType)...)
	dispatchBody = append(dispatchBody, uleb(0)...) // tableidx, reserved
	dispatchBody = append(dispatchBody, OpcodeEnd)
	dispatchFn := b.addFunc(dispatchType, nil, dispatchBody)

	max := uint32(2)
	b.setTable(2, &max, []uint32{addFn, mulFn})
	b.exportFunc("dispatch", dispatchFn)

	rt := mustLoad(t, NewRuntimeConfig(), b.build())
	res, err := rt.Invoke(context.Background(), "dispatch", 5, 10, 1)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, uint64(50), res[0])
}

// scenario 5: memory.fill(dst=0, val=0x42, len=4), then load i32 at 0.
func TestScenario_MemoryFill(t *testing.T) {
	b := newModuleBuilder()
	ft := b.addType(nil, []ValueType{ValueTypeI32})
	body := []byte{OpcodeI32Const, 0x00} // dst
	body = append(body, OpcodeI32Const)
	body = append(body, sleb(0x42)...) // val
	body = append(body, OpcodeI32Const, 0x04) // len
	body = append(body, OpcodeMiscPrefix, MiscOpcodeMemoryFill, 0x00)
	body = append(body, OpcodeI32Const, 0x00)
	body = append(body, OpcodeI32Load, 0x02, 0x00)
	body = append(body, OpcodeEnd)
	fn := b.addFunc(ft, nil, body)
	b.setMemory(1, nil)
	b.exportFunc("run", fn)

	rt := mustLoad(t, NewRuntimeConfig(), b.build())
	res, err := rt.Invoke(context.Background(), "run")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x42424242), res[0])
}

// scenario 6: memory.copy shifting a 4-byte pattern forward by one byte,
// overlapping source and destination.
func TestScenario_MemoryCopyOverlap(t *testing.T) {
	b := newModuleBuilder()
	ft := b.addType(nil, nil)
	body := []byte{
		OpcodeI32Const, 0x01, // dst = 1
		OpcodeI32Const, 0x00, // src = 0
		OpcodeI32Const, 0x04, // len = 4
		OpcodeMiscPrefix, MiscOpcodeMemoryCopy, 0x00, 0x00,
		OpcodeEnd,
	}
	fn := b.addFunc(ft, nil, body)
	b.setMemory(1, nil)
	b.setData(0, []byte{0x11, 0x22, 0x33, 0x44})
	b.exportFunc("run", fn)
	b.exportMemory("mem")

	rt := mustLoad(t, NewRuntimeConfig(), b.build())
	_, err := rt.Invoke(context.Background(), "run")
	require.NoError(t, err)

	got, ok := rt.Memory().Read(0, 5)
	require.True(t, ok)
	assert.Equal(t, []byte{0x11, 0x11, 0x22, 0x33, 0x44}, got)
}

// scenario 7: saturating truncation never traps: NaN saturates to 0, and an
// out-of-range magnitude clamps to the destination type's max.
func TestScenario_SaturatingTruncation(t *testing.T) {
	b := newModuleBuilder()
	ft := b.addType(nil, []ValueType{ValueTypeI32, ValueTypeI32})
	nan := math.Float32bits(float32(math.NaN()))
	huge := math.Float32bits(1e30)
	body := []byte{}
	body = append(body, OpcodeF32Const)
	body = append(body, leBytes4(nan)...)
	body = append(body, OpcodeMiscPrefix, MiscOpcodeI32TruncSatF32S)
	body = append(body, OpcodeF32Const)
	body = append(body, leBytes4(huge)...)
	body = append(body, OpcodeMiscPrefix, MiscOpcodeI32TruncSatF32S)
	body = append(body, OpcodeEnd)

	fn := b.addFunc(ft, nil, body)
	b.exportFunc("run", fn)

	rt := mustLoad(t, NewRuntimeConfig(), b.build())
	res, err := rt.Invoke(context.Background(), "run")
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, uint64(0), res[0])
	assert.Equal(t, uint64(uint32(math.MaxInt32)), res[1])
}

func leBytes4(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

// scenario 8: a function returning three values via multi-value results.
func TestScenario_MultiValueReturn(t *testing.T) {
	b := newModuleBuilder()
	ft := b.addType(nil, []ValueType{ValueTypeI32, ValueTypeI32, ValueTypeI32})
	body := []byte{
		OpcodeI32Const, 0x0a, // 10
		OpcodeI32Const, 0x14, // 20
		OpcodeI32Const, 0x1e, // 30
		OpcodeEnd,
	}
	fn := b.addFunc(ft, nil, body)
	b.exportFunc("triple", fn)

	rt := mustLoad(t, NewRuntimeConfig(), b.build())
	res, err := rt.Invoke(context.Background(), "triple")
	require.NoError(t, err)
	require.Len(t, res, 3)
	assert.Equal(t, []uint64{10, 20, 30}, res)
}

func TestTrap_DivideByZero(t *testing.T) {
	b := newModuleBuilder()
	ft := b.addType(nil, []ValueType{ValueTypeI32})
	body := []byte{
		OpcodeI32Const, 0x01,
		OpcodeI32Const, 0x00,
		OpcodeI32DivS,
		OpcodeEnd,
	}
	fn := b.addFunc(ft, nil, body)
	b.exportFunc("run", fn)

	rt := mustLoad(t, NewRuntimeConfig(), b.build())
	_, err := rt.Invoke(context.Background(), "run")
	require.Error(t, err)
	var trap *Trap
	require.ErrorAs(t, err, &trap)
}

func TestTrap_DivMinIntByNegOneOverflows(t *testing.T) {
	b := newModuleBuilder()
	ft := b.addType(nil, []ValueType{ValueTypeI32})
	body := []byte{}
	body = append(body, OpcodeI32Const)
	body = append(body, sleb(int64(math.MinInt32))...)
	body = append(body, OpcodeI32Const, 0x7f) // -1
	body = append(body, OpcodeI32DivS)
	body = append(body, OpcodeEnd)
	fn := b.addFunc(ft, nil, body)
	b.exportFunc("run", fn)

	rt := mustLoad(t, NewRuntimeConfig(), b.build())
	_, err := rt.Invoke(context.Background(), "run")
	require.Error(t, err)
}

func TestRemSMinIntByNegOneIsZero(t *testing.T) {
	b := newModuleBuilder()
	ft := b.addType(nil, []ValueType{ValueTypeI32})
	body := []byte{}
	body = append(body, OpcodeI32Const)
	body = append(body, sleb(int64(math.MinInt32))...)
	body = append(body, OpcodeI32Const, 0x7f) // -1
	body = append(body, OpcodeI32RemS)
	body = append(body, OpcodeEnd)
	fn := b.addFunc(ft, nil, body)
	b.exportFunc("run", fn)

	rt := mustLoad(t, NewRuntimeConfig(), b.build())
	res, err := rt.Invoke(context.Background(), "run")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), res[0])
}

func TestFloatComparisons_NaNIsUnordered(t *testing.T) {
	b := newModuleBuilder()
	ft := b.addType(nil, []ValueType{ValueTypeI32, ValueTypeI32})
	nan := math.Float32bits(float32(math.NaN()))
	body := []byte{}
	body = append(body, OpcodeF32Const)
	body = append(body, leBytes4(nan)...)
	body = append(body, OpcodeF32Const)
	body = append(body, leBytes4(nan)...)
	body = append(body, OpcodeF32Eq)
	body = append(body, OpcodeF32Const)
	body = append(body, leBytes4(nan)...)
	body = append(body, OpcodeF32Const)
	body = append(body, leBytes4(nan)...)
	body = append(body, OpcodeF32Ne)
	body = append(body, OpcodeEnd)
	fn := b.addFunc(ft, nil, body)
	b.exportFunc("run", fn)

	rt := mustLoad(t, NewRuntimeConfig(), b.build())
	res, err := rt.Invoke(context.Background(), "run")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), res[0], "NaN == NaN must be false")
	assert.Equal(t, uint64(1), res[1], "NaN != NaN must be true")
}

func TestCallIndirect_SignatureMismatchTraps(t *testing.T) {
	b := newModuleBuilder()
	binaryType := b.addType([]ValueType{ValueTypeI32, ValueTypeI32}, []ValueType{ValueTypeI32})
	nullaryType := b.addType(nil, nil)

	addFn := b.addFunc(binaryType, nil, []byte{
		OpcodeLocalGet, 0x00, OpcodeLocalGet, 0x01, OpcodeI32Add, OpcodeEnd,
	})

	callerType := b.addType(nil, nil)
	callerBody := []byte{
		OpcodeI32Const, 0x00, // table index
		OpcodeCallIndirect,
	}
	callerBody = append(callerBody, uleb(nullaryType)...)
	callerBody = append(callerBody, uleb(0)...) // tableidx, reserved
	callerBody = append(callerBody, OpcodeEnd)
	caller := b.addFunc(callerType, nil, callerBody)

	b.setTable(1, nil, []uint32{addFn})
	b.exportFunc("run", caller)

	rt := mustLoad(t, NewRuntimeConfig(), b.build())
	_, err := rt.Invoke(context.Background(), "run")
	require.Error(t, err)
	var trap *Trap
	require.ErrorAs(t, err, &trap)
}

func TestLoad_TruncatedModuleFails(t *testing.T) {
	b := newModuleBuilder()
	ft := b.addType(nil, []ValueType{ValueTypeI32})
	fn := b.addFunc(ft, nil, []byte{OpcodeI32Const, 0x2a, OpcodeEnd})
	b.exportFunc("run", fn)
	full := b.build()

	rt := NewRuntime(NewRuntimeConfig())
	err := rt.Load(full[:len(full)-3])
	require.Error(t, err)
	assert.Nil(t, rt.Module())
}

func TestInvoke_Deterministic(t *testing.T) {
	b := newModuleBuilder()
	ft := b.addType([]ValueType{ValueTypeI32, ValueTypeI32}, []ValueType{ValueTypeI32})
	fn := b.addFunc(ft, nil, []byte{
		OpcodeLocalGet, 0x00, OpcodeLocalGet, 0x01, OpcodeI32Add, OpcodeEnd,
	})
	b.exportFunc("add", fn)

	rt := mustLoad(t, NewRuntimeConfig(), b.build())
	for i := 0; i < 5; i++ {
		res, err := rt.Invoke(context.Background(), "add", 7, 35)
		require.NoError(t, err)
		assert.Equal(t, uint64(42), res[0])
	}
}

func TestFeatureGate_SignExtensionDisabled(t *testing.T) {
	b := newModuleBuilder()
	ft := b.addType(nil, []ValueType{ValueTypeI32})
	body := []byte{
		OpcodeI32Const, 0x7f,
		OpcodeI32Extend8S,
		OpcodeEnd,
	}
	fn := b.addFunc(ft, nil, body)
	b.exportFunc("run", fn)

	cfg := NewRuntimeConfig().WithFeatureSignExtensionOps(false)
	rt := NewRuntime(cfg)
	err := rt.Load(b.build())
	require.Error(t, err)
}
