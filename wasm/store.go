package wasm

import (
	"context"
	"fmt"
	"reflect"
)

type (
	// Store is the runtime registry shared by every instantiated module: it
	// owns the flat Functions/Globals/Memories/Tables slices that back each
	// ModuleInstance's view, so that instantiation failures can roll back by
	// truncating these slices rather than unwinding per-field state.
	Store struct {
		engine Engine
		Config RuntimeConfig

		ModuleInstances map[string]*ModuleInstance

		Functions []*FunctionInstance
		Globals   []*GlobalInstance
		Memories  []*MemoryInstance
		Tables    []*TableInstance
	}

	ModuleInstance struct {
		Name      string
		Types     []*FunctionType
		Functions []*FunctionInstance
		Globals   []*GlobalInstance
		Memory    *MemoryInstance
		Tables    []*TableInstance

		DataInstances []*DataInstance
		ElemInstances []*ElemInstance

		Exports map[string]*ExportInstance
		Names   *NameSection
	}

	ExportInstance struct {
		Kind     byte
		Function *FunctionInstance
		Global   *GlobalInstance
		Memory   *MemoryInstance
		Table    *TableInstance
	}

	FunctionInstance struct {
		Name           string
		ModuleInstance *ModuleInstance
		Body           []byte
		Signature      *FunctionType
		NumLocals      uint32
		LocalTypes     []ValueType
		Blocks         map[uint64]*FunctionInstanceBlock
		HostFunction   *reflect.Value
	}

	GlobalInstance struct {
		Type *GlobalType
		Val  uint64
	}

	// TableInstance holds one reference per slot, encoded per value.go's
	// operand-stack convention: a funcidx or externref handle, or NullRef.
	TableInstance struct {
		Elements []uint64
		RefType  ValueType
		Min      uint32
		Max      *uint32
	}

	MemoryInstance struct {
		Buffer []byte
		Min    uint32
		Max    *uint32
	}

	// DataInstance backs a passive data segment, kept alive for memory.init
	// until data.drop marks it Dropped (the bytes themselves stay referenced).
	DataInstance struct {
		Data    []byte
		Dropped bool
	}

	// ElemInstance backs a passive or declarative element segment, kept
	// alive for table.init until elem.drop releases it. Declarative
	// segments are built only to be immediately marked Dropped.
	ElemInstance struct {
		RefType  ValueType
		Elements []uint64
		Dropped bool
	}
)

func NewStore(engine Engine, config RuntimeConfig) *Store {
	return &Store{ModuleInstances: map[string]*ModuleInstance{}, engine: engine, Config: config}
}

// Instantiate runs the full instantiation pipeline against module, registers
// the result under name, and executes the start function if present. On any
// error the store is rolled back to its pre-call state.
func (s *Store) Instantiate(module *Module, name string) (*ModuleInstance, error) {
	instance := &ModuleInstance{Name: name, Types: module.SecTypes, Names: module.Names}
	s.ModuleInstances[name] = instance

	if err := s.resolveImports(module, instance); err != nil {
		delete(s.ModuleInstances, name)
		return nil, fmt.Errorf("resolve imports: %w", err)
	}

	var rollbackFuncs []func()
	ok := false
	defer func() {
		if !ok {
			for i := len(rollbackFuncs) - 1; i >= 0; i-- {
				rollbackFuncs[i]()
			}
			delete(s.ModuleInstances, name)
		}
	}()

	rs, err := s.buildGlobalInstances(module, instance)
	rollbackFuncs = append(rollbackFuncs, rs...)
	if err != nil {
		return nil, fmt.Errorf("globals: %w", err)
	}
	rs, err = s.buildFunctionInstances(module, instance)
	rollbackFuncs = append(rollbackFuncs, rs...)
	if err != nil {
		return nil, fmt.Errorf("functions: %w", err)
	}
	rs, err = s.buildTableInstances(module, instance)
	rollbackFuncs = append(rollbackFuncs, rs...)
	if err != nil {
		return nil, fmt.Errorf("tables: %w", err)
	}
	rs, err = s.buildMemoryInstances(module, instance)
	rollbackFuncs = append(rollbackFuncs, rs...)
	if err != nil {
		return nil, fmt.Errorf("memories: %w", err)
	}
	rs, err = s.buildExportInstances(module, instance)
	rollbackFuncs = append(rollbackFuncs, rs...)
	if err != nil {
		return nil, fmt.Errorf("exports: %w", err)
	}

	if module.SecStart != nil {
		idx := *module.SecStart
		if int(idx) >= len(instance.Functions) {
			return nil, fmt.Errorf("invalid start function index: %d", idx)
		}
		sig := instance.Functions[idx].Signature
		if len(sig.Params) != 0 || len(sig.Results) != 0 {
			return nil, fmt.Errorf("start function must have the empty signature")
		}
	}

	if module.SecStart != nil {
		f := instance.Functions[*module.SecStart]
		if _, err := s.engine.Call(context.Background(), f); err != nil {
			return nil, fmt.Errorf("calling start function: %w", err)
		}
	}

	ok = true
	return instance, nil
}

// CallFunction invokes an exported function by module and export name.
func (s *Store) CallFunction(ctx context.Context, moduleName, funcName string, args ...uint64) (returns []uint64, returnTypes []ValueType, err error) {
	m, ok := s.ModuleInstances[moduleName]
	if !ok {
		return nil, nil, fmt.Errorf("module %q not instantiated", moduleName)
	}
	exp, ok := m.Exports[funcName]
	if !ok {
		return nil, nil, fmt.Errorf("exported function %q not found in %q", funcName, moduleName)
	}
	if exp.Kind != ExportKindFunction {
		return nil, nil, fmt.Errorf("%q is not a function", funcName)
	}
	f := exp.Function
	if len(f.Signature.Params) != len(args) {
		return nil, nil, fmt.Errorf("invalid number of arguments: got %d, want %d", len(args), len(f.Signature.Params))
	}
	ret, err := s.engine.Call(ctx, f, args...)
	return ret, f.Signature.Results, err
}

func (s *Store) resolveImports(module *Module, target *ModuleInstance) error {
	for _, is := range module.SecImports {
		if err := s.resolveImport(target, is); err != nil {
			return fmt.Errorf("%s.%s: %w", is.Module, is.Name, err)
		}
	}
	return nil
}

func (s *Store) resolveImport(target *ModuleInstance, is *ImportSegment) error {
	em, ok := s.ModuleInstances[is.Module]
	if !ok {
		return fmt.Errorf("module %q not instantiated", is.Module)
	}
	e, ok := em.Exports[is.Name]
	if !ok {
		return fmt.Errorf("not exported by module %q", is.Module)
	}
	if is.Desc.Kind != e.Kind {
		return fmt.Errorf("type mismatch on export: got %#x, want %#x", e.Kind, is.Desc.Kind)
	}

	switch is.Desc.Kind {
	case ImportKindFunction:
		return s.applyFunctionImport(target, is.Desc.TypeIndexPtr, e)
	case ImportKindTable:
		return s.applyTableImport(target, is.Desc.TableTypePtr, e)
	case ImportKindMemory:
		return s.applyMemoryImport(target, is.Desc.MemTypePtr, e)
	case ImportKindGlobal:
		return s.applyGlobalImport(target, is.Desc.GlobalTypePtr, e)
	default:
		return fmt.Errorf("invalid import kind: %#x", is.Desc.Kind)
	}
}

func (s *Store) applyFunctionImport(target *ModuleInstance, typeIndexPtr *uint32, e *ExportInstance) error {
	if typeIndexPtr == nil {
		return fmt.Errorf("missing type index")
	}
	f := e.Function
	if int(*typeIndexPtr) >= len(target.Types) {
		return fmt.Errorf("unknown type for function import")
	}
	want := target.Types[*typeIndexPtr]
	if !hasSameSignature(want.Results, f.Signature.Results) || !hasSameSignature(want.Params, f.Signature.Params) {
		return fmt.Errorf("signature mismatch")
	}
	target.Functions = append(target.Functions, f)
	return nil
}

func (s *Store) applyTableImport(target *ModuleInstance, tt *TableType, e *ExportInstance) error {
	if tt == nil {
		return fmt.Errorf("missing table type")
	}
	table := e.Table
	if table.RefType != tt.RefType {
		return fmt.Errorf("element type mismatch")
	}
	if table.Min < tt.Limit.Min {
		return fmt.Errorf("minimum size mismatch")
	}
	if tt.Limit.Max != nil {
		if table.Max == nil || *table.Max > *tt.Limit.Max {
			return fmt.Errorf("maximum size mismatch")
		}
	}
	if len(target.Tables) > 0 {
		return ErrMultipleTables
	}
	target.Tables = append(target.Tables, table)
	return nil
}

func (s *Store) applyMemoryImport(target *ModuleInstance, mt *MemoryType, e *ExportInstance) error {
	if target.Memory != nil {
		return ErrMultipleMemories
	}
	if mt == nil {
		return fmt.Errorf("missing memory type")
	}
	mem := e.Memory
	if mem.Min < mt.Min {
		return fmt.Errorf("minimum size mismatch")
	}
	if mt.Max != nil {
		if mem.Max == nil || *mem.Max > *mt.Max {
			return fmt.Errorf("maximum size mismatch")
		}
	}
	target.Memory = mem
	return nil
}

func (s *Store) applyGlobalImport(target *ModuleInstance, gt *GlobalType, e *ExportInstance) error {
	if gt == nil {
		return fmt.Errorf("missing global type")
	}
	g := e.Global
	if gt.Mutable != g.Type.Mutable {
		return fmt.Errorf("mutability mismatch")
	}
	if gt.ValType != g.Type.ValType {
		return fmt.Errorf("value type mismatch")
	}
	target.Globals = append(target.Globals, g)
	return nil
}

func (s *Store) buildGlobalInstances(module *Module, target *ModuleInstance) (rollback []func(), err error) {
	prevLen := len(s.Globals)
	rollback = append(rollback, func() { s.Globals = s.Globals[:prevLen] })

	for i, gs := range module.SecGlobals {
		val, t, err := s.evalConstExpr(target, gs.Init)
		if err != nil {
			return rollback, fmt.Errorf("global %d init: %w", i, err)
		}
		if gs.Type.ValType != t {
			return rollback, fmt.Errorf("global %d: type mismatch", i)
		}
		g := &GlobalInstance{Type: gs.Type, Val: val}
		target.Globals = append(target.Globals, g)
		s.Globals = append(s.Globals, g)
	}
	return rollback, nil
}

func (s *Store) buildFunctionInstances(module *Module, target *ModuleInstance) (rollback []func(), err error) {
	prevLen := len(s.Functions)
	rollback = append(rollback, func() { s.Functions = s.Functions[:prevLen] })

	for codeIndex, typeIndex := range module.SecFunctions {
		if typeIndex >= uint32(len(module.SecTypes)) {
			return rollback, fmt.Errorf("function type index out of range")
		}
		if codeIndex >= len(module.SecCodes) {
			return rollback, fmt.Errorf("code index out of range")
		}

		code := module.SecCodes[codeIndex]
		f := &FunctionInstance{
			Signature:      module.SecTypes[typeIndex],
			Body:           code.Body,
			NumLocals:      code.NumLocals,
			LocalTypes:     code.LocalTypes,
			ModuleInstance: target,
			Blocks:         map[uint64]*FunctionInstanceBlock{},
		}
		if target.Names != nil {
			f.Name = target.Names.FunctionNames[uint32(len(target.Functions))]
		}

		if err := analyzeFunction(module, f); err != nil {
			return rollback, fmt.Errorf("analyze function %d: %w", codeIndex, err)
		}
		if err := checkFeatureGates(s.Config, f); err != nil {
			return rollback, fmt.Errorf("function %d: %w", codeIndex, err)
		}
		if err := s.engine.Compile(f); err != nil {
			return rollback, fmt.Errorf("compile function %d: %w", codeIndex, err)
		}

		target.Functions = append(target.Functions, f)
		s.Functions = append(s.Functions, f)
	}
	return rollback, nil
}

func (s *Store) buildMemoryInstances(module *Module, target *ModuleInstance) (rollback []func(), err error) {
	prevLen := len(s.Memories)
	rollback = append(rollback, func() { s.Memories = s.Memories[:prevLen] })

	for _, memSec := range module.SecMemories {
		if target.Memory != nil {
			return rollback, ErrMultipleMemories
		}
		target.Memory = &MemoryInstance{
			Buffer: make([]byte, uint64(memSec.Min)*PageSize),
			Min:    memSec.Min,
			Max:    memSec.Max,
		}
		s.Memories = append(s.Memories, target.Memory)
	}

	for _, d := range module.SecData {
		switch d.Mode {
		case SegmentModePassive:
			target.DataInstances = append(target.DataInstances, &DataInstance{Data: d.Init})
		case SegmentModeActive:
			if target.Memory == nil {
				return rollback, fmt.Errorf("unknown memory")
			}
			if d.MemoryIndex != 0 {
				return rollback, fmt.Errorf("memory index must be zero")
			}
			rawOffset, offsetType, err := s.evalConstExpr(target, d.OffsetExpression)
			if err != nil {
				return rollback, fmt.Errorf("calculate offset: %w", err)
			}
			if offsetType != ValueTypeI32 {
				return rollback, fmt.Errorf("offset is not i32")
			}
			offset := int32(rawOffset)
			if offset < 0 {
				return rollback, fmt.Errorf("offset must be non-negative")
			}

			mem := target.Memory
			end := uint64(offset) + uint64(len(d.Init))
			if end > uint64(len(mem.Buffer)) {
				return rollback, fmt.Errorf("out of bounds memory access")
			}
			original := make([]byte, len(d.Init))
			copy(original, mem.Buffer[offset:])
			rollback = append(rollback, func() { copy(mem.Buffer[offset:], original) })
			copy(mem.Buffer[offset:], d.Init)
		}
	}
	return rollback, nil
}

func (s *Store) buildTableInstances(module *Module, target *ModuleInstance) (rollback []func(), err error) {
	prevLen := len(s.Tables)
	rollback = append(rollback, func() { s.Tables = s.Tables[:prevLen] })

	for _, tableSeg := range module.SecTables {
		if len(target.Tables) > 0 {
			return rollback, ErrMultipleTables
		}
		elems := make([]uint64, tableSeg.Limit.Min)
		for i := range elems {
			elems[i] = NullRef
		}
		t := &TableInstance{Elements: elems, RefType: tableSeg.RefType, Min: tableSeg.Limit.Min, Max: tableSeg.Limit.Max}
		target.Tables = append(target.Tables, t)
		s.Tables = append(s.Tables, t)
	}

	for _, elem := range module.SecElements {
		refs := make([]uint64, len(elem.Init))
		for i, expr := range elem.Init {
			v, t, err := s.evalConstExpr(target, expr)
			if err != nil {
				return rollback, fmt.Errorf("element init %d: %w", i, err)
			}
			if t != elem.RefType && t != ValueTypeFuncref {
				return rollback, fmt.Errorf("element init %d: ref type mismatch", i)
			}
			refs[i] = v
		}

		switch elem.Mode {
		case SegmentModePassive:
			target.ElemInstances = append(target.ElemInstances, &ElemInstance{RefType: elem.RefType, Elements: refs})
		case SegmentModeDeclarative:
			target.ElemInstances = append(target.ElemInstances, &ElemInstance{RefType: elem.RefType, Elements: refs, Dropped: true})
		case SegmentModeActive:
			if elem.TableIndex >= uint32(len(target.Tables)) {
				return rollback, fmt.Errorf("table index out of range")
			}
			rawOffset, offsetType, err := s.evalConstExpr(target, elem.OffsetExpr)
			if err != nil {
				return rollback, fmt.Errorf("calculate offset: %w", err)
			}
			if offsetType != ValueTypeI32 {
				return rollback, fmt.Errorf("offset is not i32")
			}
			offset := int32(rawOffset)
			if offset < 0 {
				return rollback, fmt.Errorf("offset must be non-negative")
			}

			table := target.Tables[elem.TableIndex]
			end := int(offset) + len(refs)
			if end > len(table.Elements) {
				return rollback, fmt.Errorf("out of bounds table access")
			}
			original := make([]uint64, len(refs))
			copy(original, table.Elements[offset:])
			off := offset
			rollback = append(rollback, func() { copy(table.Elements[off:], original) })
			copy(table.Elements[offset:], refs)
		}
	}
	return rollback, nil
}

func (s *Store) buildExportInstances(module *Module, target *ModuleInstance) (rollback []func(), err error) {
	target.Exports = make(map[string]*ExportInstance, len(module.SecExports))
	for name, exp := range module.SecExports {
		index := int(exp.Desc.Index)
		switch exp.Desc.Kind {
		case ExportKindFunction:
			if index >= len(target.Functions) {
				return nil, fmt.Errorf("unknown function for export %q", name)
			}
			target.Exports[name] = &ExportInstance{Kind: exp.Desc.Kind, Function: target.Functions[index]}
		case ExportKindGlobal:
			if index >= len(target.Globals) {
				return nil, fmt.Errorf("unknown global for export %q", name)
			}
			target.Exports[name] = &ExportInstance{Kind: exp.Desc.Kind, Global: target.Globals[index]}
		case ExportKindMemory:
			if index != 0 || target.Memory == nil {
				return nil, fmt.Errorf("unknown memory for export %q", name)
			}
			target.Exports[name] = &ExportInstance{Kind: exp.Desc.Kind, Memory: target.Memory}
		case ExportKindTable:
			if index >= len(target.Tables) {
				return nil, fmt.Errorf("unknown table for export %q", name)
			}
			target.Exports[name] = &ExportInstance{Kind: exp.Desc.Kind, Table: target.Tables[index]}
		default:
			return nil, fmt.Errorf("invalid export kind: %#x", exp.Desc.Kind)
		}
	}
	return nil, nil
}
