package vm

import (
	"encoding/binary"
	"sort"
)

const (
	PageSize = 4096

	// DefaultMaxMemory is the addressable image size of a fresh machine.
	DefaultMaxMemory = 4 << 20
)

// Memory is a sparse page-granular memory image. Reads of unmapped but
// in-bound pages observe zeroes; writes allocate the touched pages.
type Memory struct {
	pages     map[uint64][]byte
	maxMemory uint64
}

func NewMemory(maxMemory uint64) *Memory {
	if maxMemory == 0 {
		maxMemory = DefaultMaxMemory
	}
	return &Memory{
		pages:     make(map[uint64][]byte),
		maxMemory: maxMemory,
	}
}

func (mem *Memory) MaxMemory() uint64 {
	return mem.maxMemory
}

func (mem *Memory) page(idx uint64) []byte {
	p, ok := mem.pages[idx]
	if !ok {
		p = make([]byte, PageSize)
		mem.pages[idx] = p
	}
	return p
}

func (mem *Memory) inBounds(addr, n uint64) bool {
	return addr+n >= addr && addr+n <= mem.maxMemory
}

// ReadBytes copies n bytes starting at addr.
func (mem *Memory) ReadBytes(addr, n uint64) ([]byte, error) {
	if !mem.inBounds(addr, n) {
		return nil, &ExecutionFault{PC: 0, Reason: "memory read out of bounds"}
	}
	out := make([]byte, n)
	for off := uint64(0); off < n; {
		idx := (addr + off) / PageSize
		pageOff := (addr + off) % PageSize
		chunk := PageSize - pageOff
		if chunk > n-off {
			chunk = n - off
		}
		if p, ok := mem.pages[idx]; ok {
			copy(out[off:off+chunk], p[pageOff:pageOff+chunk])
		}
		off += chunk
	}
	return out, nil
}

// WriteBytes stores b starting at addr, allocating pages as needed.
func (mem *Memory) WriteBytes(addr uint64, b []byte) error {
	n := uint64(len(b))
	if !mem.inBounds(addr, n) {
		return &ExecutionFault{PC: 0, Reason: "memory write out of bounds"}
	}
	for off := uint64(0); off < n; {
		idx := (addr + off) / PageSize
		pageOff := (addr + off) % PageSize
		chunk := PageSize - pageOff
		if chunk > n-off {
			chunk = n - off
		}
		copy(mem.page(idx)[pageOff:pageOff+chunk], b[off:off+chunk])
		off += chunk
	}
	return nil
}

func (mem *Memory) ReadUint16(addr uint64) (uint16, error) {
	b, err := mem.ReadBytes(addr, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (mem *Memory) ReadUint32(addr uint64) (uint32, error) {
	b, err := mem.ReadBytes(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (mem *Memory) ReadUint64(addr uint64) (uint64, error) {
	b, err := mem.ReadBytes(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (mem *Memory) WriteUint64(addr uint64, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return mem.WriteBytes(addr, b[:])
}

// ReadCString reads a zero-terminated string starting at addr.
func (mem *Memory) ReadCString(addr uint64) (string, error) {
	var out []byte
	for {
		b, err := mem.ReadBytes(addr, 1)
		if err != nil {
			return "", err
		}
		if b[0] == 0 {
			return string(out), nil
		}
		out = append(out, b[0])
		addr++
	}
}

// MappedPages returns the allocated page indexes in ascending order,
// used by the memory-dump syscall to write a stable image.
func (mem *Memory) MappedPages() []uint64 {
	idxs := make([]uint64, 0, len(mem.pages))
	for idx := range mem.pages {
		idxs = append(idxs, idx)
	}
	sort.Slice(idxs, func(i, j int) bool { return idxs[i] < idxs[j] })
	return idxs
}

// Page returns the raw page at idx, or nil when unmapped.
func (mem *Memory) Page(idx uint64) []byte {
	return mem.pages[idx]
}
