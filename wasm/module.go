package wasm

import (
	"bytes"
	"fmt"
	"io"
)

var (
	magic   = []byte{0x00, 0x61, 0x73, 0x6d}
	version = []byte{0x01, 0x00, 0x00, 0x00}
)

// Reader wraps the module's raw bytes, tracking how much has been consumed
// so error messages can report a byte offset.
type Reader struct {
	binary []byte
	read   int
	buffer *bytes.Buffer
}

func (r *Reader) Read(p []byte) (n int, err error) {
	n, err = r.buffer.Read(p)
	r.read += n
	return
}

var _ io.Reader = &Reader{}

// Module is the static, decoded representation of a binary module: the
// section contents exactly as they appear on the wire, with index-space
// resolution (imports, function indices, etc.) deferred to instantiation.
type Module struct {
	SecTypes      []*FunctionType
	SecImports    []*ImportSegment
	SecFunctions  []uint32
	SecTables     []*TableType
	SecMemories   []*MemoryType
	SecGlobals    []*GlobalSegment
	SecExports    map[string]*ExportSegment
	SecStart      *uint32
	SecElements   []*ElementSegment
	SecCodes      []*CodeSegment
	SecData       []*DataSegment
	SecDataCount  *uint32
	CustomSections map[string][]byte

	// Names holds the best-effort decoded custom "name" section, or nil if
	// absent or malformed. A malformed name section never fails DecodeModule.
	Names *NameSection
}

// DecodeModule decodes a raw binary module. Index spaces (which function a
// call targets, which global a get/set targets, and so on) are validated
// against resolved import/declaration counts later, during Instantiate.
func DecodeModule(binary []byte) (*Module, error) {
	reader := &Reader{binary: binary, buffer: bytes.NewBuffer(binary)}

	buf := make([]byte, 4)
	if n, err := io.ReadFull(reader, buf); err != nil || n != 4 || !bytes.Equal(buf, magic) {
		return nil, ErrInvalidMagicNumber
	}
	if n, err := io.ReadFull(reader, buf); err != nil || n != 4 || !bytes.Equal(buf, version) {
		return nil, ErrInvalidVersion
	}

	ret := &Module{CustomSections: map[string][]byte{}}
	if err := ret.readSections(reader); err != nil {
		return nil, fmt.Errorf("read sections: %w", err)
	}

	if len(ret.SecFunctions) != len(ret.SecCodes) {
		return nil, fmt.Errorf("function and code section have inconsistent lengths")
	}
	if len(ret.SecTables) > 1 {
		return nil, ErrMultipleTables
	}
	if len(ret.SecMemories) > 1 {
		return nil, ErrMultipleMemories
	}

	if raw, ok := ret.CustomSections["name"]; ok {
		if ns, err := decodeNameSection(raw); err == nil {
			ret.Names = ns
		}
		// A malformed name section is silently dropped: it is a debugging
		// aid, never load-critical.
	}

	return ret, nil
}

// FunctionName returns the debug name for the given function index from
// the custom name section, or "" if unavailable.
func (m *Module) FunctionName(index uint32) string {
	if m.Names == nil {
		return ""
	}
	return m.Names.FunctionNames[index]
}
