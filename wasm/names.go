package wasm

import (
	"bytes"
	"fmt"
	"io"
	"sort"

	"github.com/loopvm/loopvm/wasm/leb128"
)

// NameSection is the decoded custom "name" section: optional debugging
// metadata, never load-critical. See decodeNameSection.
type NameSection struct {
	ModuleName    string
	FunctionNames map[uint32]string
	LocalNames    map[uint32]map[uint32]string
}

const (
	nameSubsectionModule   = 0
	nameSubsectionFunction = 1
	nameSubsectionLocal    = 2
)

// decodeNameSection best-effort decodes the custom "name" section content.
// Any malformed subsection simply stops decoding further subsections
// instead of failing the whole module load; the caller treats a non-nil
// error as "drop it, the module still loads".
func decodeNameSection(data []byte) (*NameSection, error) {
	r := bytes.NewReader(data)
	ns := &NameSection{FunctionNames: map[uint32]string{}, LocalNames: map[uint32]map[uint32]string{}}

	for {
		id, err := r.ReadByte()
		if err != nil {
			if err == io.EOF {
				return ns, nil
			}
			return ns, err
		}
		size, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return ns, fmt.Errorf("read subsection %d size: %w", id, err)
		}

		sub := make([]byte, size)
		if _, err := io.ReadFull(r, sub); err != nil {
			return ns, fmt.Errorf("read subsection %d body: %w", id, err)
		}
		sr := bytes.NewReader(sub)

		switch id {
		case nameSubsectionModule:
			name, err := readNameValue(sr)
			if err != nil {
				return ns, fmt.Errorf("read module name: %w", err)
			}
			ns.ModuleName = name
		case nameSubsectionFunction:
			m, err := decodeNameMap(sr)
			if err != nil {
				return ns, fmt.Errorf("read function names: %w", err)
			}
			ns.FunctionNames = m
		case nameSubsectionLocal:
			count, _, err := leb128.DecodeUint32(sr)
			if err != nil {
				return ns, fmt.Errorf("read local name function count: %w", err)
			}
			for i := uint32(0); i < count; i++ {
				fnIdx, _, err := leb128.DecodeUint32(sr)
				if err != nil {
					return ns, fmt.Errorf("read local name function index: %w", err)
				}
				m, err := decodeNameMap(sr)
				if err != nil {
					return ns, fmt.Errorf("read local names for function %d: %w", fnIdx, err)
				}
				ns.LocalNames[fnIdx] = m
			}
		default:
			// Unknown subsection: skip, already consumed via size above.
		}
	}
}

func decodeNameMap(r io.Reader) (map[uint32]string, error) {
	count, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return nil, err
	}
	ret := make(map[uint32]string, count)
	for i := uint32(0); i < count; i++ {
		idx, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return nil, err
		}
		name, err := readNameValue(r)
		if err != nil {
			return nil, err
		}
		ret[idx] = name
	}
	return ret, nil
}

// encode serializes the name section back to its binary form. Only the
// module-name and function-name subsections are written; LocalNames is not.
func (n *NameSection) encode() []byte {
	var data []byte
	if n.ModuleName != "" {
		data = append(data, encodeNameSubsection(nameSubsectionModule, encodeSizePrefixed([]byte(n.ModuleName)))...)
	}
	if len(n.FunctionNames) > 0 {
		data = append(data, encodeNameSubsection(nameSubsectionFunction, encodeNameMap(n.FunctionNames))...)
	}
	return data
}

func encodeNameMap(m map[uint32]string) []byte {
	keys := make([]uint32, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	data := leb128.EncodeUint32(uint32(len(keys)))
	for _, k := range keys {
		data = append(data, leb128.EncodeUint32(k)...)
		data = append(data, encodeSizePrefixed([]byte(m[k]))...)
	}
	return data
}

func encodeNameSubsection(id uint8, content []byte) []byte {
	ret := []byte{id}
	ret = append(ret, leb128.EncodeUint32(uint32(len(content)))...)
	return append(ret, content...)
}

func encodeSizePrefixed(data []byte) []byte {
	return append(leb128.EncodeUint32(uint32(len(data))), data...)
}
