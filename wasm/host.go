package wasm

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
)

// hostFunctionCallContext is the first argument every host function
// receives: a handle to the calling instance's memory and the context the
// top-level Invoke call was made with.
type hostFunctionCallContext struct {
	ctx    context.Context
	memory *MemoryInstance
}

// NewHostFunctionCallContext builds the call context passed as the first
// argument to a registered host function.
func NewHostFunctionCallContext(ctx context.Context, memory *MemoryInstance) HostFunctionCallContext {
	return &hostFunctionCallContext{ctx: ctx, memory: memory}
}

func (c *hostFunctionCallContext) Context() context.Context { return c.ctx }

func (c *hostFunctionCallContext) Memory() Memory {
	if c.memory == nil {
		return nil
	}
	return c.memory
}

func (m *MemoryInstance) Len() uint32 { return uint32(len(m.Buffer)) }

func (m *MemoryInstance) hasLen(offset, sizeInBytes uint32) bool {
	return uint64(offset)+uint64(sizeInBytes) <= uint64(m.Len())
}

func (m *MemoryInstance) ReadUint32Le(offset uint32) (uint32, bool) {
	if !m.hasLen(offset, 4) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(m.Buffer[offset : offset+4]), true
}

func (m *MemoryInstance) ReadFloat32Le(offset uint32) (float32, bool) {
	v, ok := m.ReadUint32Le(offset)
	if !ok {
		return 0, false
	}
	return math.Float32frombits(v), true
}

func (m *MemoryInstance) ReadUint64Le(offset uint32) (uint64, bool) {
	if !m.hasLen(offset, 8) {
		return 0, false
	}
	return binary.LittleEndian.Uint64(m.Buffer[offset : offset+8]), true
}

func (m *MemoryInstance) ReadFloat64Le(offset uint32) (float64, bool) {
	v, ok := m.ReadUint64Le(offset)
	if !ok {
		return 0, false
	}
	return math.Float64frombits(v), true
}

func (m *MemoryInstance) Read(offset, byteCount uint32) ([]byte, bool) {
	if !m.hasLen(offset, byteCount) {
		return nil, false
	}
	return m.Buffer[offset : offset+byteCount], true
}

func (m *MemoryInstance) WriteUint32Le(offset, v uint32) bool {
	if !m.hasLen(offset, 4) {
		return false
	}
	binary.LittleEndian.PutUint32(m.Buffer[offset:], v)
	return true
}

func (m *MemoryInstance) WriteFloat32Le(offset uint32, v float32) bool {
	return m.WriteUint32Le(offset, math.Float32bits(v))
}

func (m *MemoryInstance) WriteUint64Le(offset uint32, v uint64) bool {
	if !m.hasLen(offset, 8) {
		return false
	}
	binary.LittleEndian.PutUint64(m.Buffer[offset:], v)
	return true
}

func (m *MemoryInstance) WriteFloat64Le(offset uint32, v float64) bool {
	return m.WriteUint64Le(offset, math.Float64bits(v))
}

func (m *MemoryInstance) Write(offset uint32, val []byte) bool {
	if !m.hasLen(offset, uint32(len(val))) {
		return false
	}
	copy(m.Buffer[offset:], val)
	return true
}

// AddHostFunction registers fn, a Go function whose first parameter is
// HostFunctionCallContext and whose remaining parameters/results are
// int32/uint32/int64/uint64/float32/float64, as an export of moduleName so
// guest modules can import it. Reference-typed host functions are out of
// scope for the reflect-based marshaling here: register them as plain
// table/global entries instead (see Runtime.DefineTable/DefineGlobal).
func (s *Store) AddHostFunction(moduleName, funcName string, fn reflect.Value) error {
	getType := func(kind reflect.Kind) (ValueType, error) {
		switch kind {
		case reflect.Float64:
			return ValueTypeF64, nil
		case reflect.Float32:
			return ValueTypeF32, nil
		case reflect.Int32, reflect.Uint32:
			return ValueTypeI32, nil
		case reflect.Int64, reflect.Uint64:
			return ValueTypeI64, nil
		default:
			return 0, fmt.Errorf("invalid host function type: %s", kind)
		}
	}
	getSignature := func(t reflect.Type) (*FunctionType, error) {
		if t.NumIn() == 0 {
			return nil, fmt.Errorf("host function must accept HostFunctionCallContext as its first parameter")
		}
		params := make([]ValueType, t.NumIn()-1)
		for i := range params {
			vt, err := getType(t.In(i + 1).Kind())
			if err != nil {
				return nil, err
			}
			params[i] = vt
		}
		results := make([]ValueType, t.NumOut())
		for i := range results {
			vt, err := getType(t.Out(i).Kind())
			if err != nil {
				return nil, err
			}
			results[i] = vt
		}
		return &FunctionType{Params: params, Results: results}, nil
	}

	m, ok := s.ModuleInstances[moduleName]
	if !ok {
		m = &ModuleInstance{Name: moduleName, Exports: map[string]*ExportInstance{}}
		s.ModuleInstances[moduleName] = m
	}
	if _, exists := m.Exports[funcName]; exists {
		return fmt.Errorf("%s.%s already registered", moduleName, funcName)
	}

	sig, err := getSignature(fn.Type())
	if err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}

	f := &FunctionInstance{
		Name:           fmt.Sprintf("%s.%s", moduleName, funcName),
		HostFunction:   &fn,
		Signature:      sig,
		ModuleInstance: m,
	}
	if err := s.engine.Compile(f); err != nil {
		return fmt.Errorf("compile %s: %w", f.Name, err)
	}
	m.Exports[funcName] = &ExportInstance{Kind: ExportKindFunction, Function: f}
	s.Functions = append(s.Functions, f)
	return nil
}

// AddGlobal registers a host-provided global so guest modules can import it.
func (s *Store) AddGlobal(moduleName, name string, value uint64, valueType ValueType, mutable bool) error {
	m := s.hostModule(moduleName)
	g := &GlobalInstance{Type: &GlobalType{ValType: valueType, Mutable: mutable}, Val: value}
	m.Exports[name] = &ExportInstance{Kind: ExportKindGlobal, Global: g}
	s.Globals = append(s.Globals, g)
	return nil
}

// AddTableInstance registers a host-provided table so guest modules can import it.
func (s *Store) AddTableInstance(moduleName, name string, refType ValueType, min uint32, max *uint32) error {
	m := s.hostModule(moduleName)
	elems := make([]uint64, min)
	for i := range elems {
		elems[i] = NullRef
	}
	t := &TableInstance{Elements: elems, RefType: refType, Min: min, Max: max}
	m.Exports[name] = &ExportInstance{Kind: ExportKindTable, Table: t}
	s.Tables = append(s.Tables, t)
	return nil
}

// AddMemoryInstance registers a host-provided memory so guest modules can import it.
func (s *Store) AddMemoryInstance(moduleName, name string, min uint32, max *uint32) error {
	m := s.hostModule(moduleName)
	mem := &MemoryInstance{Buffer: make([]byte, uint64(min)*PageSize), Min: min, Max: max}
	m.Exports[name] = &ExportInstance{Kind: ExportKindMemory, Memory: mem}
	s.Memories = append(s.Memories, mem)
	return nil
}

func (s *Store) hostModule(moduleName string) *ModuleInstance {
	m, ok := s.ModuleInstances[moduleName]
	if !ok {
		m = &ModuleInstance{Name: moduleName, Exports: map[string]*ExportInstance{}}
		s.ModuleInstances[moduleName] = m
	}
	return m
}
