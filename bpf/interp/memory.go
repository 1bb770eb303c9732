package interp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

// ErrFault is returned for accesses outside every mapped region.
var ErrFault = errors.New("memory fault")

// Region is a contiguous block of guest memory.
type Region struct {
	Name     string
	Addr     uint64
	Data     []byte
	ReadOnly bool
}

func (r *Region) contains(addr uint64, n int) bool {
	return addr >= r.Addr && addr-r.Addr+uint64(n) <= uint64(len(r.Data)) && addr+uint64(n) >= addr
}

// Memory is a sparse little-endian address space made of regions.
type Memory struct {
	regions []*Region
}

func NewMemory() *Memory {
	return &Memory{}
}

// Map adds a region. Regions must not overlap.
func (m *Memory) Map(r *Region) error {
	for _, o := range m.regions {
		if r.Addr < o.Addr+uint64(len(o.Data)) && o.Addr < r.Addr+uint64(len(r.Data)) {
			return fmt.Errorf("region %s [%#x,+%#x) overlaps %s", r.Name, r.Addr, len(r.Data), o.Name)
		}
	}
	m.regions = append(m.regions, r)
	sort.Slice(m.regions, func(i, j int) bool { return m.regions[i].Addr < m.regions[j].Addr })
	return nil
}

// Regions returns the mapped regions ordered by address.
func (m *Memory) Regions() []*Region {
	return m.regions
}

func (m *Memory) find(addr uint64, n int) *Region {
	for _, r := range m.regions {
		if r.contains(addr, n) {
			return r
		}
	}
	return nil
}

// Load reads a zero-extended value of n bytes (1, 2, 4 or 8).
func (m *Memory) Load(addr uint64, n int) (uint64, error) {
	r := m.find(addr, n)
	if r == nil {
		return 0, fmt.Errorf("load %d bytes at %#x: %w", n, addr, ErrFault)
	}
	b := r.Data[addr-r.Addr:]
	switch n {
	case 1:
		return uint64(b[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(b)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(b)), nil
	case 8:
		return binary.LittleEndian.Uint64(b), nil
	}
	return 0, fmt.Errorf("load width %d", n)
}

// Store writes the low n bytes of v.
func (m *Memory) Store(addr uint64, n int, v uint64) error {
	r := m.find(addr, n)
	if r == nil || r.ReadOnly {
		return fmt.Errorf("store %d bytes at %#x: %w", n, addr, ErrFault)
	}
	b := r.Data[addr-r.Addr:]
	switch n {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(b, v)
	default:
		return fmt.Errorf("store width %d", n)
	}
	return nil
}
