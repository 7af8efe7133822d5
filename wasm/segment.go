package wasm

import (
	"fmt"
	"io"
	"math"

	"github.com/loopvm/loopvm/wasm/leb128"
)

type ImportKind = byte

const (
	ImportKindFunction ImportKind = 0x00
	ImportKindTable    ImportKind = 0x01
	ImportKindMemory   ImportKind = 0x02
	ImportKindGlobal   ImportKind = 0x03
)

type ImportDesc struct {
	Kind byte

	TypeIndexPtr  *uint32
	TableTypePtr  *TableType
	MemTypePtr    *MemoryType
	GlobalTypePtr *GlobalType
}

func readImportDesc(r io.Reader) (*ImportDesc, error) {
	b := make([]byte, 1)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("read kind: %w", err)
	}

	switch b[0] {
	case ImportKindFunction:
		tID, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return nil, fmt.Errorf("read typeindex: %w", err)
		}
		return &ImportDesc{Kind: ImportKindFunction, TypeIndexPtr: &tID}, nil
	case ImportKindTable:
		tt, err := readTableType(r)
		if err != nil {
			return nil, fmt.Errorf("read table type: %w", err)
		}
		return &ImportDesc{Kind: ImportKindTable, TableTypePtr: tt}, nil
	case ImportKindMemory:
		mt, err := readMemoryType(r)
		if err != nil {
			return nil, fmt.Errorf("read memory type: %w", err)
		}
		return &ImportDesc{Kind: ImportKindMemory, MemTypePtr: mt}, nil
	case ImportKindGlobal:
		gt, err := readGlobalType(r)
		if err != nil {
			return nil, fmt.Errorf("read global type: %w", err)
		}
		return &ImportDesc{Kind: ImportKindGlobal, GlobalTypePtr: gt}, nil
	default:
		return nil, fmt.Errorf("%w: invalid byte for importdesc: %#x", ErrInvalidByte, b[0])
	}
}

type ImportSegment struct {
	Module, Name string
	Desc         *ImportDesc
}

func readImportSegment(r io.Reader) (*ImportSegment, error) {
	mn, err := readNameValue(r)
	if err != nil {
		return nil, fmt.Errorf("read name of imported module: %w", err)
	}
	n, err := readNameValue(r)
	if err != nil {
		return nil, fmt.Errorf("read name of imported component: %w", err)
	}
	d, err := readImportDesc(r)
	if err != nil {
		return nil, fmt.Errorf("read import description: %w", err)
	}
	return &ImportSegment{Module: mn, Name: n, Desc: d}, nil
}

type GlobalSegment struct {
	Type *GlobalType
	Init *ConstantExpression
}

func readGlobalSegment(r io.Reader) (*GlobalSegment, error) {
	gt, err := readGlobalType(r)
	if err != nil {
		return nil, fmt.Errorf("read global type: %w", err)
	}
	init, err := readConstantExpression(r)
	if err != nil {
		return nil, fmt.Errorf("read init expression: %w", err)
	}
	return &GlobalSegment{Type: gt, Init: init}, nil
}

type ExportKind = byte

const (
	ExportKindFunction ExportKind = 0x00
	ExportKindTable    ExportKind = 0x01
	ExportKindMemory   ExportKind = 0x02
	ExportKindGlobal   ExportKind = 0x03
)

type ExportDesc struct {
	Kind  byte
	Index uint32
}

func readExportDesc(r io.Reader) (*ExportDesc, error) {
	b := make([]byte, 1)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("read kind: %w", err)
	}
	if b[0] >= 0x04 {
		return nil, fmt.Errorf("%w: invalid byte for exportdesc: %#x", ErrInvalidByte, b[0])
	}
	id, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	return &ExportDesc{Kind: b[0], Index: id}, nil
}

type ExportSegment struct {
	Name string
	Desc *ExportDesc
}

func readExportSegment(r io.Reader) (*ExportSegment, error) {
	name, err := readNameValue(r)
	if err != nil {
		return nil, fmt.Errorf("read export name: %w", err)
	}
	d, err := readExportDesc(r)
	if err != nil {
		return nil, fmt.Errorf("read export description: %w", err)
	}
	return &ExportSegment{Name: name, Desc: d}, nil
}

// SegmentMode classifies how an element or data segment is applied at
// instantiation time.
type SegmentMode byte

const (
	SegmentModeActive SegmentMode = iota
	SegmentModePassive
	SegmentModeDeclarative
)

// ElementSegment initializes a table range (Active), is available only to
// table.init/elem.drop (Passive), or exists purely to keep ref.func targets
// reachable by validators without ever being copied into a table
// (Declarative).
type ElementSegment struct {
	Mode       SegmentMode
	TableIndex uint32
	OffsetExpr *ConstantExpression
	RefType    ValueType
	Init       []*ConstantExpression
}

func readElemKind(r io.Reader) error {
	b := make([]byte, 1)
	if _, err := io.ReadFull(r, b); err != nil {
		return fmt.Errorf("read elemkind: %w", err)
	}
	if b[0] != 0x00 {
		return fmt.Errorf("%w: invalid elemkind %#x", ErrInvalidByte, b[0])
	}
	return nil
}

func readRefType(r io.Reader) (ValueType, error) {
	b := make([]byte, 1)
	if _, err := io.ReadFull(r, b); err != nil {
		return 0, fmt.Errorf("read reftype: %w", err)
	}
	rt := ValueType(b[0])
	if rt != ValueTypeFuncref && rt != ValueTypeExternref {
		return 0, fmt.Errorf("%w: invalid reftype %#x", ErrInvalidByte, b[0])
	}
	return rt, nil
}

func readFuncIndexVector(r io.Reader) ([]*ConstantExpression, error) {
	vs, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("get size of vector: %w", err)
	}
	ret := make([]*ConstantExpression, vs)
	for i := range ret {
		idx, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return nil, fmt.Errorf("read function index: %w", err)
		}
		ret[i] = refFuncConstExpr(idx)
	}
	return ret, nil
}

func readExprVector(r io.Reader) ([]*ConstantExpression, error) {
	vs, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("get size of vector: %w", err)
	}
	ret := make([]*ConstantExpression, vs)
	for i := range ret {
		expr, err := readConstantExpression(r)
		if err != nil {
			return nil, fmt.Errorf("read init expr %d: %w", i, err)
		}
		ret[i] = expr
	}
	return ret, nil
}

// readElementSegment decodes the function-index element-segment encodings
// (flags 0-3) introduced by the bulk-memory and reference-types proposals;
// plain MVP modules only ever produce flag 0. Flags with bit 2 set
// (expression vectors) and flags above 7 are rejected with an error.
func readElementSegment(r io.Reader) (*ElementSegment, error) {
	flag, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("read element segment flag: %w", err)
	}

	seg := &ElementSegment{RefType: ValueTypeFuncref}
	switch flag {
	case 0:
		seg.Mode = SegmentModeActive
		if seg.OffsetExpr, err = readConstantExpression(r); err != nil {
			return nil, fmt.Errorf("read offset: %w", err)
		}
		if seg.Init, err = readFuncIndexVector(r); err != nil {
			return nil, err
		}
	case 1:
		seg.Mode = SegmentModePassive
		if err := readElemKind(r); err != nil {
			return nil, err
		}
		if seg.Init, err = readFuncIndexVector(r); err != nil {
			return nil, err
		}
	case 2:
		seg.Mode = SegmentModeActive
		if seg.TableIndex, _, err = leb128.DecodeUint32(r); err != nil {
			return nil, fmt.Errorf("read table index: %w", err)
		}
		if seg.OffsetExpr, err = readConstantExpression(r); err != nil {
			return nil, fmt.Errorf("read offset: %w", err)
		}
		if err := readElemKind(r); err != nil {
			return nil, err
		}
		if seg.Init, err = readFuncIndexVector(r); err != nil {
			return nil, err
		}
	case 3:
		seg.Mode = SegmentModeDeclarative
		if err := readElemKind(r); err != nil {
			return nil, err
		}
		if seg.Init, err = readFuncIndexVector(r); err != nil {
			return nil, err
		}
	default:
		if flag&0x04 != 0 {
			return nil, fmt.Errorf("%w: element segments with expressions are not supported", ErrInvalidByte)
		}
		return nil, fmt.Errorf("invalid element segment flag: %d", flag)
	}
	return seg, nil
}

type CodeSegment struct {
	NumLocals  uint32
	LocalTypes []ValueType
	Body       []byte
}

func readCodeSegment(r io.Reader) (*CodeSegment, error) {
	ss, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("get the size of code segment: %w", err)
	}
	r = io.LimitReader(r, int64(ss))

	ls, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("get the size of locals: %w", err)
	}

	var nums []uint64
	var types []ValueType
	var sum uint64
	b := make([]byte, 1)
	for i := uint32(0); i < ls; i++ {
		n, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return nil, fmt.Errorf("read n of locals: %w", err)
		}
		sum += uint64(n)
		nums = append(nums, uint64(n))

		if _, err = io.ReadFull(r, b); err != nil {
			return nil, fmt.Errorf("read type of local: %w", err)
		}
		switch vt := ValueType(b[0]); vt {
		case ValueTypeI32, ValueTypeF32, ValueTypeI64, ValueTypeF64, ValueTypeFuncref, ValueTypeExternref:
			types = append(types, vt)
		default:
			return nil, fmt.Errorf("%w: invalid local type %#x", ErrInvalidByte, vt)
		}
	}
	if sum > math.MaxUint32 {
		return nil, fmt.Errorf("too many locals: %d", sum)
	}

	var localTypes []ValueType
	for i, num := range nums {
		t := types[i]
		for j := uint64(0); j < num; j++ {
			localTypes = append(localTypes, t)
		}
	}

	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) == 0 || body[len(body)-1] != OpcodeEnd {
		return nil, fmt.Errorf("function body not terminated by end opcode")
	}

	return &CodeSegment{Body: body, NumLocals: uint32(sum), LocalTypes: localTypes}, nil
}

// DataSegment initializes a memory range (Active) or is kept only for
// memory.init (Passive). Data segments never use SegmentModeDeclarative.
type DataSegment struct {
	Mode             SegmentMode
	MemoryIndex      uint32
	OffsetExpression *ConstantExpression
	Init             []byte
}

func readDataSegment(r io.Reader) (*DataSegment, error) {
	flag, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("read data segment flag: %w", err)
	}

	seg := &DataSegment{}
	switch flag {
	case 0:
		seg.Mode = SegmentModeActive
		if seg.OffsetExpression, err = readConstantExpression(r); err != nil {
			return nil, fmt.Errorf("read offset expression: %w", err)
		}
	case 1:
		seg.Mode = SegmentModePassive
	case 2:
		seg.Mode = SegmentModeActive
		if seg.MemoryIndex, _, err = leb128.DecodeUint32(r); err != nil {
			return nil, fmt.Errorf("read memory index: %w", err)
		}
		if seg.OffsetExpression, err = readConstantExpression(r); err != nil {
			return nil, fmt.Errorf("read offset expression: %w", err)
		}
	default:
		// Any other value is legacy active-mode encoding that uses the flag
		// itself as the memory index.
		seg.Mode = SegmentModeActive
		seg.MemoryIndex = flag
		if seg.OffsetExpression, err = readConstantExpression(r); err != nil {
			return nil, fmt.Errorf("read offset expression: %w", err)
		}
	}

	vs, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("get the size of init vector: %w", err)
	}
	seg.Init = make([]byte, vs)
	if _, err := io.ReadFull(r, seg.Init); err != nil {
		return nil, fmt.Errorf("read init bytes: %w", err)
	}
	return seg, nil
}
