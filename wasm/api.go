package wasm

import "context"

// Memory is the view of linear memory a host function or embedder gets:
// read/write helpers bounds-checked against the current size. The handle
// itself stays valid across growth (memory.grow); the slice Read returns
// aliases the buffer as it was at the time of the call and is not updated
// by a later grow.
type Memory interface {
	Len() uint32
	Read(offset, byteCount uint32) ([]byte, bool)
	Write(offset uint32, val []byte) bool
	ReadUint32Le(offset uint32) (uint32, bool)
	ReadUint64Le(offset uint32) (uint64, bool)
	ReadFloat32Le(offset uint32) (float32, bool)
	ReadFloat64Le(offset uint32) (float64, bool)
	WriteUint32Le(offset, v uint32) bool
	WriteUint64Le(offset uint32, v uint64) bool
	WriteFloat32Le(offset uint32, v float32) bool
	WriteFloat64Le(offset uint32, v float64) bool
}

// HostFunctionCallContext is the first argument every registered host
// function receives.
type HostFunctionCallContext interface {
	Context() context.Context
	// Memory returns the calling instance's memory 0, or nil if the
	// instance declares none.
	Memory() Memory
}
