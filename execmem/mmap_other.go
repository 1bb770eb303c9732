//go:build !linux

package execmem

import "github.com/colorfulnotion/bpfjit/jit"

type mapping struct{}

func (m *mapping) Bytes() []byte { return nil }
func (m *mapping) Addr() uint64  { return 0 }

type Allocator struct{}

func NewAllocator() *Allocator { return &Allocator{} }

func (a *Allocator) Alloc(size int, fill uint32) (jit.Buffer, error) { return nil, ErrUnsupported }
func (a *Allocator) Protect(b jit.Buffer) error                     { return ErrUnsupported }
func (a *Allocator) Free(b jit.Buffer) error                        { return ErrUnsupported }
func (a *Allocator) Live() int                                      { return 0 }
