package jit

import (
	"github.com/colorfulnotion/bpfjit/arm64"
	"github.com/colorfulnotion/bpfjit/bpf/program"
)

// emitter is the output side of a pass. The sizing pass only counts words;
// the emitting pass writes them into the allocated buffer.
type emitter interface {
	put(idx int, w uint32)
	emitting() bool
}

type sizer struct{}

func (sizer) put(int, uint32) {}
func (sizer) emitting() bool  { return false }

type writer struct {
	buf []byte
}

func (w writer) put(idx int, word uint32) { arm64.PutWord(w.buf, idx, word) }
func (writer) emitting() bool             { return true }

// compileCtx is everything one compile of one program mutates. Nothing here
// is shared between compiles.
type compileCtx struct {
	cfg      *Config
	prog     *program.Program
	resolver AddressResolver

	out emitter
	idx int

	// offsets[i] is the native index of the first word of bytecode i;
	// offsets[len] is the end of the body. Filled by the sizing pass.
	offsets        []int
	epilogueOffset int
	stackSize      int

	// tailCallAbort is the distance from the start of a tail call sequence
	// to its abort label, -1 until the first tail call is compiled.
	tailCallAbort int

	exIdx      int
	extableOff int
	extable    []ExtableEntry

	base      uint64
	extraPass bool
}

func newCompileCtx(cfg *Config, prog *program.Program, resolver AddressResolver) *compileCtx {
	return &compileCtx{
		cfg:           cfg,
		prog:          prog,
		resolver:      resolver,
		out:           sizer{},
		offsets:       make([]int, len(prog.Insns)+1),
		stackSize:     stackAlign(int(prog.StackDepth)),
		tailCallAbort: -1,
	}
}

func stackAlign(n int) int {
	return (n + 15) &^ 15
}

func (ctx *compileCtx) emit(w uint32) {
	ctx.out.put(ctx.idx, w)
	ctx.idx++
}

func (ctx *compileCtx) emitting() bool {
	return ctx.out.emitting()
}

// pc is the virtual address of native word idx.
func (ctx *compileCtx) pc(idx int) uint64 {
	return ctx.base + uint64(idx)*4
}
