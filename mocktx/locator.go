package mocktx

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// GroupType selects which script class a run verifies.
type GroupType string

const (
	GroupLock       GroupType = "lock"
	GroupTypeScript GroupType = "type"
)

func ParseGroupType(s string) (GroupType, error) {
	switch s {
	case "lock":
		return GroupLock, nil
	case "type":
		return GroupTypeScript, nil
	}
	return "", fmt.Errorf("unknown script group type %q", s)
}

// CellType distinguishes input cells from output cells when locating a
// script by index.
type CellType string

const (
	CellInputType  CellType = "input"
	CellOutputType CellType = "output"
)

func ParseCellType(s string) (CellType, error) {
	switch s {
	case "input":
		return CellInputType, nil
	case "output":
		return CellOutputType, nil
	}
	return "", fmt.Errorf("unknown cell type %q", s)
}

func Parse(raw []byte) (*ReprMockTransaction, error) {
	var tx ReprMockTransaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, fmt.Errorf("parse transaction dump: %w", err)
	}
	return &tx, nil
}

func hashTypeByte(s string) (byte, error) {
	switch s {
	case "data":
		return 0, nil
	case "type":
		return 1, nil
	case "data1":
		return 2, nil
	case "data2":
		return 4, nil
	}
	return 0, fmt.Errorf("unknown hash type %q", s)
}

// serializeScript is the molecule table encoding of a script: full
// size, three field offsets, then code_hash, hash_type, args.
func serializeScript(s *Script) ([]byte, error) {
	if len(s.CodeHash) != 32 {
		return nil, fmt.Errorf("code hash must be 32 bytes, got %d", len(s.CodeHash))
	}
	ht, err := hashTypeByte(s.HashType)
	if err != nil {
		return nil, err
	}
	headerLen := uint32(4 + 4*3)
	offCodeHash := headerLen
	offHashType := offCodeHash + 32
	offArgs := offHashType + 1
	full := offArgs + 4 + uint32(len(s.Args))

	var buf bytes.Buffer
	for _, v := range []uint32{full, offCodeHash, offHashType, offArgs} {
		binary.Write(&buf, binary.LittleEndian, v)
	}
	buf.Write(s.CodeHash)
	buf.WriteByte(ht)
	binary.Write(&buf, binary.LittleEndian, uint32(len(s.Args)))
	buf.Write(s.Args)
	return buf.Bytes(), nil
}

// Hash is the script's identity: Blake2b256 over its serialized form.
func (s *Script) Hash() ([32]byte, error) {
	raw, err := serializeScript(s)
	if err != nil {
		return [32]byte{}, err
	}
	return Blake2b256(raw), nil
}

// Locator resolves which script to run and where its program lives.
type Locator struct {
	tx *ReprMockTransaction
}

func NewLocator(tx *ReprMockTransaction) *Locator {
	return &Locator{tx: tx}
}

// ScriptAt returns the script selected by cell type and index within the
// chosen group. Lock scripts only exist on input cells.
func (l *Locator) ScriptAt(group GroupType, cell CellType, index int) (*Script, error) {
	switch {
	case group == GroupLock && cell == CellInputType:
		if index >= len(l.tx.MockInfo.Inputs) {
			return nil, fmt.Errorf("input index %d out of range", index)
		}
		return l.tx.MockInfo.Inputs[index].Output.Lock, nil
	case group == GroupTypeScript && cell == CellInputType:
		if index >= len(l.tx.MockInfo.Inputs) {
			return nil, fmt.Errorf("input index %d out of range", index)
		}
		s := l.tx.MockInfo.Inputs[index].Output.Type
		if s == nil {
			return nil, fmt.Errorf("input cell %d has no type script", index)
		}
		return s, nil
	case group == GroupTypeScript && cell == CellOutputType:
		if index >= len(l.tx.Tx.Outputs) {
			return nil, fmt.Errorf("output index %d out of range", index)
		}
		s := l.tx.Tx.Outputs[index].Type
		if s == nil {
			return nil, fmt.Errorf("output cell %d has no type script", index)
		}
		return s, nil
	}
	return nil, fmt.Errorf("invalid script selection: %s %s %d", group, cell, index)
}

// ScriptByHash finds the script of the given group whose hash matches.
func (l *Locator) ScriptByHash(group GroupType, hash [32]byte) (*Script, error) {
	var candidates []*Script
	for i := range l.tx.MockInfo.Inputs {
		out := &l.tx.MockInfo.Inputs[i].Output
		if group == GroupLock {
			candidates = append(candidates, out.Lock)
		} else if out.Type != nil {
			candidates = append(candidates, out.Type)
		}
	}
	if group == GroupTypeScript {
		for i := range l.tx.Tx.Outputs {
			if t := l.tx.Tx.Outputs[i].Type; t != nil {
				candidates = append(candidates, t)
			}
		}
	}
	for _, s := range candidates {
		if s == nil {
			continue
		}
		h, err := s.Hash()
		if err != nil {
			return nil, err
		}
		if h == hash {
			return s, nil
		}
	}
	return nil, fmt.Errorf("no %s script with hash %s", group, hexutil.Encode(hash[:]))
}

// Program extracts the script's program bytes from the cell deps: by
// data hash for the data hash types, by type-script hash otherwise.
func (l *Locator) Program(s *Script) ([]byte, error) {
	switch s.HashType {
	case "data", "data1", "data2":
		for i := range l.tx.MockInfo.CellDeps {
			dep := &l.tx.MockInfo.CellDeps[i]
			h := Blake2b256(dep.Data)
			if bytes.Equal(h[:], s.CodeHash) {
				return dep.Data, nil
			}
		}
	case "type":
		for i := range l.tx.MockInfo.CellDeps {
			dep := &l.tx.MockInfo.CellDeps[i]
			if dep.Output.Type == nil {
				continue
			}
			h, err := dep.Output.Type.Hash()
			if err != nil {
				return nil, err
			}
			if bytes.Equal(h[:], s.CodeHash) {
				return dep.Data, nil
			}
		}
	default:
		return nil, fmt.Errorf("unknown hash type %q", s.HashType)
	}
	return nil, fmt.Errorf("no cell dep provides code for %s", hexutil.Encode(s.CodeHash))
}
