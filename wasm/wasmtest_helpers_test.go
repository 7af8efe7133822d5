package wasm

import "github.com/loopvm/loopvm/wasm/leb128"

// This file hand-assembles minimal .wasm binaries for tests. There is no
// real toolchain in scope here, so every module a test needs is built
// byte-by-byte from these small section-encoding helpers instead.

func uleb(v uint32) []byte { return leb128.EncodeUint32(v) }

// sleb encodes v as signed LEB128, the encoding i32.const/i64.const and
// blocktype indices use.
func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		signBitSet := b&0x40 != 0
		done := (v == 0 && !signBitSet) || (v == -1 && signBitSet)
		if !done {
			b |= 0x80
		}
		out = append(out, b)
		if done {
			return out
		}
	}
}

func nameBytes(s string) []byte {
	return append(uleb(uint32(len(s))), []byte(s)...)
}

func vec(items [][]byte) []byte {
	out := uleb(uint32(len(items)))
	for _, it := range items {
		out = append(out, it...)
	}
	return out
}

func section(id SectionID, body []byte) []byte {
	return append([]byte{byte(id)}, append(uleb(uint32(len(body))), body...)...)
}

func limits(min uint32, max *uint32) []byte {
	if max == nil {
		return append([]byte{0x00}, uleb(min)...)
	}
	out := append([]byte{0x01}, uleb(min)...)
	return append(out, uleb(*max)...)
}

func i32ConstExpr(v int32) []byte {
	return append(append([]byte{OpcodeI32Const}, sleb(int64(v))...), OpcodeEnd)
}

// moduleBuilder assembles the sections of a binary module in the order a
// real encoder would emit them.
type moduleBuilder struct {
	types    []*FunctionType
	funcs    []uint32 // typeidx per function
	bodies   [][]byte // matching code segment bodies
	locals   [][]ValueType
	memMin   uint32
	memMax   *uint32
	hasMem   bool
	tblMin   uint32
	tblMax   *uint32
	hasTable bool
	elemInit []uint32 // func indices for a single active elem segment starting at 0
	dataInit []byte   // bytes for a single active data segment starting at 0
	exports  []exportEntry
	start    *uint32
}

type exportEntry struct {
	name  string
	kind  byte
	index uint32
}

func newModuleBuilder() *moduleBuilder { return &moduleBuilder{} }

// addType registers a function type and returns its index.
func (b *moduleBuilder) addType(params, results []ValueType) uint32 {
	b.types = append(b.types, &FunctionType{Params: params, Results: results})
	return uint32(len(b.types) - 1)
}

// addFunc registers a function body under typeIdx with the given extra
// locals (beyond its parameters), returning its function index.
func (b *moduleBuilder) addFunc(typeIdx uint32, locals []ValueType, body []byte) uint32 {
	b.funcs = append(b.funcs, typeIdx)
	b.bodies = append(b.bodies, body)
	b.locals = append(b.locals, locals)
	return uint32(len(b.funcs) - 1)
}

func (b *moduleBuilder) setMemory(min uint32, max *uint32) {
	b.hasMem, b.memMin, b.memMax = true, min, max
}

func (b *moduleBuilder) setTable(min uint32, max *uint32, elemFuncs []uint32) {
	b.hasTable, b.tblMin, b.tblMax = true, min, max
	b.elemInit = elemFuncs
}

func (b *moduleBuilder) setData(offset uint32, data []byte) {
	_ = offset // every test module places its one data segment at address 0
	b.dataInit = data
}

func (b *moduleBuilder) setStart(funcIdx uint32) { b.start = &funcIdx }

func (b *moduleBuilder) exportFunc(name string, idx uint32) {
	b.exports = append(b.exports, exportEntry{name, ExportKindFunction, idx})
}

func (b *moduleBuilder) exportMemory(name string) {
	b.exports = append(b.exports, exportEntry{name, ExportKindMemory, 0})
}

func (b *moduleBuilder) exportTable(name string) {
	b.exports = append(b.exports, exportEntry{name, ExportKindTable, 0})
}

func (b *moduleBuilder) build() []byte {
	out := append([]byte{}, magic...)
	out = append(out, version...)

	if len(b.types) > 0 {
		var items [][]byte
		for _, t := range b.types {
			items = append(items, t.encode())
		}
		out = append(out, section(SectionIDType, vec(items))...)
	}

	if len(b.funcs) > 0 {
		var items [][]byte
		for _, t := range b.funcs {
			items = append(items, uleb(t))
		}
		out = append(out, section(SectionIDFunction, vec(items))...)
	}

	if b.hasTable {
		tt := append([]byte{byte(ValueTypeFuncref)}, limits(b.tblMin, b.tblMax)...)
		out = append(out, section(SectionIDTable, vec([][]byte{tt}))...)
	}

	if b.hasMem {
		out = append(out, section(SectionIDMemory, vec([][]byte{limits(b.memMin, b.memMax)}))...)
	}

	if len(b.exports) > 0 {
		var items [][]byte
		for _, e := range b.exports {
			entry := append(nameBytes(e.name), e.kind)
			entry = append(entry, uleb(e.index)...)
			items = append(items, entry)
		}
		out = append(out, section(SectionIDExport, vec(items))...)
	}

	if b.start != nil {
		out = append(out, section(SectionIDStart, uleb(*b.start))...)
	}

	if b.elemInit != nil {
		seg := uleb(0) // flag 0: active, table 0, funcidx vector
		seg = append(seg, i32ConstExpr(0)...)
		var idxItems [][]byte
		for _, fi := range b.elemInit {
			idxItems = append(idxItems, uleb(fi))
		}
		seg = append(seg, vec(idxItems)...)
		out = append(out, section(SectionIDElement, vec([][]byte{seg}))...)
	}

	if len(b.funcs) > 0 {
		var items [][]byte
		for i, body := range b.bodies {
			items = append(items, encodeCodeEntry(b.locals[i], body))
		}
		out = append(out, section(SectionIDCode, vec(items))...)
	}

	if b.dataInit != nil {
		seg := uleb(0) // flag 0: active, memory 0
		seg = append(seg, i32ConstExpr(0)...)
		seg = append(seg, uleb(uint32(len(b.dataInit)))...)
		seg = append(seg, b.dataInit...)
		out = append(out, section(SectionIDData, vec([][]byte{seg}))...)
	}

	return out
}

// encodeCodeEntry emits one locals-declaration-per-local (no run-length
// grouping) followed by body, wrapped in the code segment's own size prefix.
func encodeCodeEntry(locals []ValueType, body []byte) []byte {
	var groups [][]byte
	for _, t := range locals {
		groups = append(groups, append(uleb(1), byte(t)))
	}
	content := append(vec(groups), body...)
	return append(uleb(uint32(len(content))), content...)
}
