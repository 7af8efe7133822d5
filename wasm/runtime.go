package wasm

import (
	"context"
	"fmt"
	"reflect"
)

// defaultModuleName is the name the single guest module loaded via Load is
// registered under. Host modules registered through DefineFunction/
// DefineMemory/DefineTable/DefineGlobal live under their own caller-chosen
// names in the same Store, exactly like any other importable module.
const defaultModuleName = ""

// Runtime is the embedding surface: construct one, register whatever host
// functions/memories/tables/globals the guest module will import, Load its
// bytes, then Invoke its exports.
type Runtime struct {
	engine Engine
	store  *Store
	module *Module
}

// NewRuntime constructs a Runtime around the direct-execution interpreter,
// honoring cfg's feature gates and recursion depth guard.
func NewRuntime(cfg RuntimeConfig) *Runtime {
	engine := NewInterpreter(cfg)
	return &Runtime{engine: engine, store: NewStore(engine, cfg)}
}

// DefineFunction registers fn as moduleName.funcName so a guest module can
// import it. fn's first parameter must be HostFunctionCallContext; its
// remaining parameters and results must be int32/uint32/int64/uint64/
// float32/float64.
func (r *Runtime) DefineFunction(moduleName, funcName string, fn interface{}) error {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return fmt.Errorf("%s.%s: fn must be a function, got %s", moduleName, funcName, v.Kind())
	}
	return r.store.AddHostFunction(moduleName, funcName, v)
}

// DefineMemory registers a host-owned memory so a guest module can import
// it as moduleName.name.
func (r *Runtime) DefineMemory(moduleName, name string, min uint32, max *uint32) error {
	return r.store.AddMemoryInstance(moduleName, name, min, max)
}

// DefineTable registers a host-owned table so a guest module can import it
// as moduleName.name.
func (r *Runtime) DefineTable(moduleName, name string, refType ValueType, min uint32, max *uint32) error {
	return r.store.AddTableInstance(moduleName, name, refType, min, max)
}

// DefineGlobal registers a host-owned global so a guest module can import
// it as moduleName.name.
func (r *Runtime) DefineGlobal(moduleName, name string, value uint64, valueType ValueType, mutable bool) error {
	return r.store.AddGlobal(moduleName, name, value, valueType, mutable)
}

// Load decodes and instantiates a single guest module from raw bytes,
// running its start function if it has one. Every previously registered
// host module remains available to satisfy its imports.
func (r *Runtime) Load(binary []byte) error {
	module, err := DecodeModule(binary)
	if err != nil {
		return fmt.Errorf("decode module: %w", err)
	}
	if _, err := r.store.Instantiate(module, defaultModuleName); err != nil {
		return fmt.Errorf("instantiate module: %w", err)
	}
	r.module = module
	return nil
}

// Invoke calls an exported function of the loaded module by name. A
// mismatched argument count, or any trap raised while running, is returned
// as an error (a *Trap in the trap case); the returned slice is nil
// whenever err is non-nil. Arguments are raw 64-bit values, so their types
// are not checked against the signature.
func (r *Runtime) Invoke(ctx context.Context, exportName string, args ...uint64) ([]uint64, error) {
	if r.module == nil {
		return nil, fmt.Errorf("no module loaded")
	}
	results, _, err := r.store.CallFunction(ctx, defaultModuleName, exportName, args...)
	if err != nil {
		return nil, err
	}
	return results, nil
}

// Memory returns a view over the loaded module's memory 0, or nil if it
// declares none.
func (r *Runtime) Memory() Memory {
	inst, ok := r.store.ModuleInstances[defaultModuleName]
	if !ok || inst.Memory == nil {
		return nil
	}
	return inst.Memory
}

// Module returns the decoded static module for introspection (export
// names, custom sections, and so on), or nil if nothing has been loaded.
func (r *Runtime) Module() *Module {
	return r.module
}
