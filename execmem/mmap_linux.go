//go:build linux

package execmem

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/colorfulnotion/bpfjit/arm64"
	"github.com/colorfulnotion/bpfjit/jit"
	"github.com/colorfulnotion/bpfjit/log"
	"golang.org/x/sys/unix"
)

// mapping is one anonymous mapping holding one image.
type mapping struct {
	region []byte // whole pages
	size   int
}

func (m *mapping) Bytes() []byte { return m.region[:m.size] }
func (m *mapping) Addr() uint64  { return uint64(uintptr(unsafe.Pointer(&m.region[0]))) }

// Allocator maps every image into its own pages: writable while the
// compiler emits, read-only and executable after Protect.
type Allocator struct {
	mu   sync.Mutex
	live map[uint64]*mapping
}

func NewAllocator() *Allocator {
	return &Allocator{live: make(map[uint64]*mapping)}
}

func (a *Allocator) Alloc(size int, fill uint32) (jit.Buffer, error) {
	if size <= 0 || size%4 != 0 {
		return nil, fmt.Errorf("mmap alloc of %d bytes", size)
	}
	page := unix.Getpagesize()
	n := (size + page - 1) &^ (page - 1)
	region, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", n, err)
	}
	for k := 0; k < n/4; k++ {
		arm64.PutWord(region, k, fill)
	}
	m := &mapping{region: region, size: size}
	a.mu.Lock()
	a.live[m.Addr()] = m
	a.mu.Unlock()
	log.Debug(log.ExecMemModule, "mapped", "addr", fmt.Sprintf("%#x", m.Addr()), "bytes", n)
	return m, nil
}

// Protect makes the pages of b read-only and executable.
func (a *Allocator) Protect(b jit.Buffer) error {
	m, err := a.lookup(b)
	if err != nil {
		return err
	}
	if err := unix.Mprotect(m.region, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("mprotect %#x: %w", m.Addr(), err)
	}
	return nil
}

func (a *Allocator) Free(b jit.Buffer) error {
	m, err := a.lookup(b)
	if err != nil {
		return err
	}
	a.mu.Lock()
	delete(a.live, m.Addr())
	a.mu.Unlock()
	if err := unix.Munmap(m.region); err != nil {
		return fmt.Errorf("munmap %#x: %w", b.Addr(), err)
	}
	return nil
}

// Live is the number of mappings not yet freed.
func (a *Allocator) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}

func (a *Allocator) lookup(b jit.Buffer) (*mapping, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.live[b.Addr()]
	if !ok {
		return nil, fmt.Errorf("buffer %#x was not mapped by this allocator", b.Addr())
	}
	return m, nil
}
