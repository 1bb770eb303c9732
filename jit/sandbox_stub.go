//go:build !unicorn
// +build !unicorn

package jit

import "github.com/colorfulnotion/bpfjit/bpf/program"

// Sandbox is unavailable without the unicorn tag; every method fails with
// ErrNoSandbox.
type Sandbox struct {
	Faults int
}

func NewSandbox(cfg Config, opts ...Option) (*Sandbox, error) {
	return nil, ErrNoSandbox
}

func (sb *Sandbox) Close() error                                       { return nil }
func (sb *Sandbox) Compiler() *Compiler                                { return nil }
func (sb *Sandbox) AddHelper(id int32, code ...uint32) (uint64, error) { return 0, ErrNoSandbox }
func (sb *Sandbox) Compile(p *program.Program) (*Image, error)         { return nil, ErrNoSandbox }
func (sb *Sandbox) Load(imgs ...*Image) error                          { return ErrNoSandbox }
func (sb *Sandbox) Alloc(size int) (uint64, error)                     { return 0, ErrNoSandbox }
func (sb *Sandbox) MapRegion(addr uint64, data []byte) error           { return ErrNoSandbox }
func (sb *Sandbox) Write(addr uint64, data []byte) error               { return ErrNoSandbox }
func (sb *Sandbox) Read(addr uint64, n int) ([]byte, error)            { return nil, ErrNoSandbox }
func (sb *Sandbox) ProgArray(capacity uint32, imgs ...*Image) (uint64, error) {
	return 0, ErrNoSandbox
}
func (sb *Sandbox) Run(img *Image, args ...uint64) (uint64, error) { return 0, ErrNoSandbox }
