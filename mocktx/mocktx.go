// Package mocktx loads JSON transaction dumps and resolves the script
// a run should verify: the transaction loader fills {{ data path }} and
// {{ hash path }} placeholders from local files, the locator picks the
// script group and extracts its program from the cell deps.
package mocktx

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/crypto/blake2b"

	"github.com/contrun/ckb-standalone-debugger/log"
)

//go:embed dummy_tx.json
var dummyTx []byte

// hashPersonalization is CKB's blake2b personalization tag. The
// x/crypto blake2b API has no personalization parameter; the tag is
// folded into the stream instead.
const hashPersonalization = "ckb-default-hash"

// Blake2b256 is the hash every script hash and data hash here uses.
func Blake2b256(data []byte) [32]byte {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(hashPersonalization))
	h.Write(data)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Script is a CKB script reference: code_hash names the program,
// hash_type says how code_hash resolves, args go to the program.
type Script struct {
	CodeHash hexutil.Bytes `json:"code_hash"`
	HashType string        `json:"hash_type"`
	Args     hexutil.Bytes `json:"args"`
}

// CellOutput describes a live cell's lock and optional type script.
type CellOutput struct {
	Capacity hexutil.Uint64 `json:"capacity"`
	Lock     *Script        `json:"lock"`
	Type     *Script        `json:"type"`
}

type OutPoint struct {
	TxHash hexutil.Bytes  `json:"tx_hash"`
	Index  hexutil.Uint64 `json:"index"`
}

type CellInput struct {
	PreviousOutput OutPoint       `json:"previous_output"`
	Since          hexutil.Uint64 `json:"since"`
}

// MockInput pairs a consumed input with the cell it consumed.
type MockInput struct {
	Input  CellInput     `json:"input"`
	Output CellOutput    `json:"output"`
	Data   hexutil.Bytes `json:"data"`
}

type CellDep struct {
	OutPoint OutPoint `json:"out_point"`
	DepType  string   `json:"dep_type"`
}

// MockCellDep carries a dep cell together with its data, where script
// programs live.
type MockCellDep struct {
	CellDep CellDep       `json:"cell_dep"`
	Output  CellOutput    `json:"output"`
	Data    hexutil.Bytes `json:"data"`
}

type MockInfo struct {
	Inputs     []MockInput     `json:"inputs"`
	CellDeps   []MockCellDep   `json:"cell_deps"`
	HeaderDeps []hexutil.Bytes `json:"header_deps"`
}

type Transaction struct {
	Version     hexutil.Uint64  `json:"version"`
	CellDeps    []CellDep       `json:"cell_deps"`
	HeaderDeps  []hexutil.Bytes `json:"header_deps"`
	Inputs      []CellInput     `json:"inputs"`
	Outputs     []CellOutput    `json:"outputs"`
	OutputsData []hexutil.Bytes `json:"outputs_data"`
	Witnesses   []hexutil.Bytes `json:"witnesses"`
}

// ReprMockTransaction is the JSON transaction dump format.
type ReprMockTransaction struct {
	MockInfo MockInfo    `json:"mock_info"`
	Tx       Transaction `json:"tx"`
}

var placeholderRe = regexp.MustCompile(`\{\{ ?([a-z]+) (.+?) ?\}\}`)

// FillPlaceholders replaces {{ data path }} with the hex-encoded file
// contents and {{ hash path }} with the hex-encoded Blake2b256 of them.
// Relative paths resolve against baseDir.
func FillPlaceholders(raw []byte, baseDir string) ([]byte, error) {
	var fillErr error
	out := placeholderRe.ReplaceAllFunc(raw, func(match []byte) []byte {
		if fillErr != nil {
			return match
		}
		groups := placeholderRe.FindSubmatch(match)
		kind, path := string(groups[1]), string(groups[2])
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			fillErr = fmt.Errorf("fill %s placeholder: %w", kind, err)
			return match
		}
		switch kind {
		case "data":
			return []byte(hexutil.Encode(data))
		case "hash":
			h := Blake2b256(data)
			return []byte(hexutil.Encode(h[:]))
		}
		fillErr = fmt.Errorf("unknown placeholder kind %q", kind)
		return match
	})
	if fillErr != nil {
		return nil, fillErr
	}
	return out, nil
}

// Load reads and parses a transaction dump, filling placeholders
// relative to the file's directory. An empty path loads the embedded
// dummy transaction.
func Load(path string) (*ReprMockTransaction, error) {
	raw := dummyTx
	baseDir := "."
	if path != "" {
		var err error
		raw, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read tx file: %w", err)
		}
		baseDir = filepath.Dir(path)
	}
	filled, err := FillPlaceholders(raw, baseDir)
	if err != nil {
		return nil, err
	}
	tx, err := Parse(filled)
	if err != nil {
		return nil, err
	}
	log.Debug(log.TxMonitoring, "transaction loaded",
		"inputs", len(tx.MockInfo.Inputs), "cellDeps", len(tx.MockInfo.CellDeps))
	return tx, nil
}
